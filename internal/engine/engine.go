package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/decision"
	"github.com/terminal-bench/liquiflow/internal/guardrail"
	"github.com/terminal-bench/liquiflow/internal/instruction"
	"github.com/terminal-bench/liquiflow/internal/ledger"
	"github.com/terminal-bench/liquiflow/internal/oracle"
	"github.com/terminal-bench/liquiflow/internal/queue"
	"github.com/terminal-bench/liquiflow/internal/risk"
)

var (
	ErrUnknownBook   = errors.New("no book manages this account")
	ErrDuplicateBook = errors.New("book already exists")
	ErrBookHalted    = errors.New("book halted pending manual reconciliation")
	ErrConservation  = errors.New("ledger conservation violated")
	ErrAbandoned     = errors.New("decision abandoned before settlement")
	ErrAlreadyQueued = errors.New("instruction already pending")
)

// intraday credit assumptions used for the opportunity-cost annotation on
// queued payments. Data only; never changes a decision kind.
var (
	intradayCreditRate = decimal.NewFromFloat(0.0001)
	assumedDelayHours  = decimal.NewFromInt(2)
)

// EventSink receives engine outputs for external collaborators (event
// stream, metrics, reporting). Sinks are invoked outside all engine and
// ledger locks and must not mutate core state.
type EventSink interface {
	DecisionRecorded(book string, d decision.Decision, proof audit.ProofOfIntent)
	SettlementApplied(book string, rec ledger.SettlementRecord)
	OverrideRequested(book string, d decision.Decision)
}

// BookConfig configures one managed account's decision engine.
type BookConfig struct {
	Guardrails          guardrail.Config
	BufferFloorFraction decimal.Decimal
	ReferenceBalance    decimal.Decimal
}

// Book is the single-writer decision state machine for one managed
// account. Instructions are processed strictly sequentially per book;
// concurrency across books is expected.
type Book struct {
	account string
	eng     *Engine

	cfg         guardrail.Config
	bufferFloor decimal.Decimal // absolute floor amount
	reference   decimal.Decimal

	// admit serializes whole state-machine runs so the book has a single
	// active instruction and decisions reach the proof chain in causal
	// order. Unlike mu it stays held across the oracle call.
	admit sync.Mutex

	mu           sync.Mutex
	queue        *queue.Queue
	projections  map[string]decimal.Decimal
	riskScore    float64
	decisionLog  []string
	settledToday decimal.Decimal
	delayedToday decimal.Decimal
	halted       bool
}

// Engine routes instructions to per-account books, settles against the
// shared unified ledger and records every decision on the proof chain.
type Engine struct {
	ledger   *ledger.Ledger
	recorder *audit.Recorder
	oracle   oracle.Oracle
	now      func() time.Time

	mu    sync.RWMutex
	books map[string]*Book

	expectedMu    sync.Mutex
	expectedTotal decimal.Decimal

	sinks []EventSink
}

// Option configures the engine.
type Option func(*Engine)

// WithClock injects the decision clock; replays against a fixed clock
// produce byte-identical decision sequences and proof hashes.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithOracle wires the external reasoning collaborator.
func WithOracle(o oracle.Oracle) Option {
	return func(e *Engine) { e.oracle = o }
}

// WithSink registers an event sink.
func WithSink(s EventSink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// AddSink registers an event sink after construction. Call before traffic
// starts; sink registration is not synchronized against Submit.
func (e *Engine) AddSink(s EventSink) {
	e.sinks = append(e.sinks, s)
}

// New creates an engine over the given ledger and audit recorder.
func New(l *ledger.Ledger, recorder *audit.Recorder, opts ...Option) *Engine {
	e := &Engine{
		ledger:        l,
		recorder:      recorder,
		oracle:        oracle.Noop{},
		now:           time.Now,
		books:         make(map[string]*Book),
		expectedTotal: l.TotalValue(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Ledger exposes the underlying ledger to read-only consumers.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Recorder exposes the audit chain to read-only consumers.
func (e *Engine) Recorder() *audit.Recorder { return e.recorder }

// AddBook registers a decision engine for an account already present in
// the ledger.
func (e *Engine) AddBook(account string, cfg BookConfig) (*Book, error) {
	if _, err := e.ledger.Balance(account); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.books[account]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateBook, account)
	}

	floor := cfg.ReferenceBalance.Mul(cfg.BufferFloorFraction)
	b := &Book{
		account:      account,
		eng:          e,
		cfg:          cfg.Guardrails,
		bufferFloor:  floor,
		reference:    cfg.ReferenceBalance,
		queue:        queue.New(),
		projections:  make(map[string]decimal.Decimal),
		settledToday: decimal.Zero,
		delayedToday: decimal.Zero,
	}
	e.books[account] = b
	return b, nil
}

// Book returns the book managing an account.
func (e *Engine) Book(account string) (*Book, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	b, ok := e.books[account]
	return b, ok
}

// Submit runs one instruction through the decision state machine of the
// book managing its debtor account and returns the recorded decision.
func (e *Engine) Submit(ctx context.Context, instr *instruction.Instruction) (*decision.Decision, error) {
	e.mu.RLock()
	book, ok := e.books[instr.From]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBook, instr.From)
	}
	// Creditor must exist before the instruction enters the state machine.
	if _, err := e.ledger.Balance(instr.To); err != nil {
		return nil, err
	}

	return book.process(ctx, instr)
}

// Mint credits an external inflow to an account and, when a book manages
// it, retriggers the pending queue against the freed liquidity.
func (e *Engine) Mint(account string, amount decimal.Decimal, ts time.Time) (string, error) {
	// The ledger credit and the expected-total update must be atomic with
	// respect to the conservation check, or a concurrent settlement reads
	// the new ledger total against a stale expectation and halts a healthy
	// book.
	e.expectedMu.Lock()
	tokenID, err := e.ledger.Mint(account, amount, ts)
	if err != nil {
		e.expectedMu.Unlock()
		return "", err
	}
	e.expectedTotal = e.expectedTotal.Add(amount)
	e.expectedMu.Unlock()

	e.mu.RLock()
	book, ok := e.books[account]
	e.mu.RUnlock()
	if ok {
		outcomes := book.runRetrigger()
		e.cascadeCredits(outcomes, account)
	}
	return tokenID, nil
}

// checkConservation compares the ledger-wide total against the externally
// minted total. A mismatch indicates a broken invariant, not a user-facing
// condition, and halts the affected book. expectedMu is held across both
// reads so an in-flight Mint cannot split the pair.
func (e *Engine) checkConservation() error {
	e.expectedMu.Lock()
	defer e.expectedMu.Unlock()

	actual := e.ledger.TotalValue()
	if !actual.Equal(e.expectedTotal) {
		return fmt.Errorf("%w: ledger total %s, expected %s",
			ErrConservation, actual.String(), e.expectedTotal.String())
	}
	return nil
}

// runRetrigger re-walks the pending queue under the admission lock so
// retrigger settlements never interleave with an in-flight instruction's
// recording.
func (b *Book) runRetrigger() []*outcome {
	b.admit.Lock()
	defer b.admit.Unlock()

	b.mu.Lock()
	outcomes := b.retrigger()
	b.mu.Unlock()
	b.notify(outcomes)
	return outcomes
}

// cascadeCredits retriggers the books credited by the given settlements.
// The mint half of a settlement is an inflow to the creditor, so its queue
// may have become settleable; retrigger settlements can credit further
// books, and the walk follows the chain until no new credits appear. Books
// are retriggered one at a time, never holding two admission locks at once.
func (e *Engine) cascadeCredits(outcomes []*outcome, debtor string) {
	work := creditedAccounts(outcomes, debtor)
	for len(work) > 0 {
		account := work[0]
		work = work[1:]

		e.mu.RLock()
		book, ok := e.books[account]
		e.mu.RUnlock()
		if !ok {
			continue
		}
		settled := book.runRetrigger()
		work = append(work, creditedAccounts(settled, account)...)
	}
}

// creditedAccounts lists the distinct creditor accounts of applied
// settlements, the debtor excluded.
func creditedAccounts(outcomes []*outcome, debtor string) []string {
	var accounts []string
	seen := make(map[string]bool)
	for _, out := range outcomes {
		if out.settlement == nil || out.settlement.Outcome != ledger.OutcomeApplied {
			continue
		}
		to := out.settlement.To
		if to == debtor || seen[to] {
			continue
		}
		seen[to] = true
		accounts = append(accounts, to)
	}
	return accounts
}

// recordOutcome appends the decision to the proof chain and the book's
// decision log. Caller holds the book lock.
func (b *Book) recordOutcome(out *outcome) {
	proof := b.eng.recorder.Record(out.dec)
	b.decisionLog = append(b.decisionLog, proof.Hash)
	out.proof = proof
}

// outcome pairs a recorded decision with its side effects for sink
// notification after locks are released.
type outcome struct {
	dec        *decision.Decision
	proof      audit.ProofOfIntent
	settlement *ledger.SettlementRecord
}

// notify pushes outcomes to the registered sinks; runs without any engine
// or ledger lock held.
func (b *Book) notify(outcomes []*outcome) {
	for _, out := range outcomes {
		for _, sink := range b.eng.sinks {
			if out.settlement != nil {
				sink.SettlementApplied(b.account, *out.settlement)
			}
			sink.DecisionRecorded(b.account, *out.dec, out.proof)
			if out.dec.Kind == decision.KindEscalate {
				sink.OverrideRequested(b.account, *out.dec)
			}
		}
	}
}

// process drives one instruction through
// RECEIVED -> GUARDRAIL_CHECKED -> DECIDED -> terminal -> RECORDED,
// then re-enters the queue via retrigger and follows settlement credits
// into other managed books.
func (b *Book) process(ctx context.Context, instr *instruction.Instruction) (*decision.Decision, error) {
	out, all, err := b.admitOne(ctx, instr)
	if err != nil {
		return nil, err
	}
	// Creditor books see the settlements as inflows. Their queues are
	// re-walked only after this book's admission lock is released, so two
	// books settling into each other cannot hold each other up.
	b.eng.cascadeCredits(all, b.account)
	return out.dec, nil
}

// admitOne runs the whole state machine for one instruction under the
// admission lock, so a concurrent submission or inflow retrigger cannot
// record ahead of it. The reasoning oracle is still invoked outside the
// book mutex, so a slow collaborator never holds up ledger or queue reads.
func (b *Book) admitOne(ctx context.Context, instr *instruction.Instruction) (*outcome, []*outcome, error) {
	b.admit.Lock()
	defer b.admit.Unlock()

	b.mu.Lock()
	if b.halted {
		b.mu.Unlock()
		return nil, nil, ErrBookHalted
	}
	if b.queue.Contains(instr.ID) {
		b.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: %s", ErrAlreadyQueued, instr.ID)
	}

	out, err := b.decide(ctx, instr)
	if err != nil {
		b.mu.Unlock()
		return nil, nil, err
	}
	b.mu.Unlock()

	// External annotation, outside the book mutex.
	b.annotate(ctx, instr, out.dec)

	b.mu.Lock()
	b.recordOutcome(out)
	retriggered := b.retrigger()
	b.mu.Unlock()

	all := append([]*outcome{out}, retriggered...)
	b.notify(all)
	return out, all, nil
}

// decide applies the guardrails and the priority decision matrix and, when
// the matrix calls for it, executes the atomic settlement. Caller holds
// the book lock.
func (b *Book) decide(ctx context.Context, instr *instruction.Instruction) (*outcome, error) {
	before, err := b.eng.ledger.Balance(b.account)
	if err != nil {
		return nil, err
	}

	verdict := guardrail.Validate(instr, guardrail.View{
		Balance:          before,
		ProjectedInflows: b.projectedInflows(),
		QueuedTotal:      b.queue.Total(),
	}, b.cfg)

	var steps []string
	kind := decision.KindQueue
	category := decision.CategoryDefensiveQueuing
	after := before
	var settlement *ledger.SettlementRecord

	switch {
	case !verdict.OK() && verdict.OverrideRequired:
		kind = decision.KindEscalate
		category = decision.CategoryHumanOverrideRequired
		steps = append(steps,
			fmt.Sprintf("guardrail %s: %s", verdict.Violation, verdict.Detail),
			"utilization crosses the human-override trigger, escalating instead of rejecting")

	case !verdict.OK():
		kind = decision.KindReject
		category = decision.CategoryGuardrailBreach
		steps = append(steps,
			fmt.Sprintf("guardrail %s: %s", verdict.Violation, verdict.Detail))

	default:
		if instr.Urgent() {
			steps = append(steps, fmt.Sprintf(
				"priority check: %s priority%s, attempting immediate settlement",
				instr.Priority, sovereignTag(instr)))
			kind = decision.KindSettle
			category = decision.CategorySovereignUrgentSettlement
		} else {
			steps = append(steps, fmt.Sprintf(
				"priority check: %s priority, standard processing", instr.Priority))
			post := before.Sub(instr.Amount)
			if post.LessThan(b.bufferFloor) {
				steps = append(steps, fmt.Sprintf(
					"liquidity buffer: post-settlement balance %s below buffer floor %s, queuing defensively",
					post.String(), b.bufferFloor.String()))
				kind = decision.KindQueue
				category = decision.CategoryDefensiveQueuing
			} else {
				kind = decision.KindSettle
				category = decision.CategoryStandardSettlement
			}
		}

		if kind == decision.KindSettle {
			// An in-flight decision may be abandoned up to this point;
			// once the settlement applies it is final.
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrAbandoned, err)
			}

			rec, err := b.eng.ledger.Settle(b.account, instr.To, instr.Amount, b.eng.now())
			switch {
			case errors.Is(err, ledger.ErrInsufficientFunds):
				// Queuing is the default degradation; lack of funds alone
				// never rejects.
				steps = append(steps, fmt.Sprintf(
					"insufficient balance for immediate settlement: required %s, available %s; queued awaiting inflows",
					instr.Amount.String(), before.String()))
				kind = decision.KindQueue
				category = decision.CategoryInsufficientLiquidity
			case err != nil:
				return nil, err
			default:
				settlement = rec
				after = before.Sub(instr.Amount)
				b.settledToday = b.settledToday.Add(instr.Amount)
				steps = append(steps, fmt.Sprintf(
					"settlement executed: %s settled, new balance %s",
					instr.Amount.String(), after.String()))
				if err := b.eng.checkConservation(); err != nil {
					b.halted = true
					return nil, err
				}
			}
		}
	}

	dec := &decision.Decision{
		InstructionID:   instr.ID,
		Kind:            kind,
		Category:        category,
		ReasoningSteps:  steps,
		LiquidityBefore: before,
		LiquidityAfter:  after,
		Timestamp:       b.eng.now(),
	}

	if kind == decision.KindQueue {
		if err := b.queue.Enqueue(instr); err != nil {
			return nil, err
		}
		b.delayedToday = b.delayedToday.Add(instr.Amount)
		saved := instr.Amount.Mul(intradayCreditRate).Mul(assumedDelayHours)
		dec.OpportunityCost = &saved
		dec.ReasoningSteps = append(dec.ReasoningSteps, fmt.Sprintf(
			"opportunity cost: delaying saves %s in intraday credit", saved.String()))
	}

	b.riskScore = risk.Score(after, instr.Amount, b.queue.Total())
	dec.RiskScore = b.riskScore
	dec.Risk = risk.Assess(b.riskScore)
	if kind == decision.KindReject {
		dec.RiskScore = 1.0
		dec.Risk = decision.RiskHigh
	}

	return &outcome{dec: dec, settlement: settlement}, nil
}

// annotate asks the reasoning oracle for supplementary commentary. Oracle
// absence or failure degrades verbosity only, never correctness.
func (b *Book) annotate(ctx context.Context, instr *instruction.Instruction, dec *decision.Decision) {
	balance := dec.LiquidityAfter.String()
	annotation, err := b.eng.oracle.Annotate(ctx, instr, balance)
	if err != nil || annotation == nil {
		dec.ReasoningSteps = append(dec.ReasoningSteps, "reasoning oracle unavailable, deterministic matrix applied")
		return
	}
	dec.ReasoningSteps = append(dec.ReasoningSteps, annotation.Steps...)
}

// retrigger re-walks the pending queue front to back, settling every
// instruction the freed liquidity can cover. Lower-priority instructions
// are never settled ahead of a settleable higher-priority one, but an
// unsettleable head does not stall the walk. Runs to a fixed point.
// Caller holds the book lock.
func (b *Book) retrigger() []*outcome {
	var outcomes []*outcome
	if b.halted {
		return outcomes
	}

	for {
		settledAny := false
		balance, err := b.eng.ledger.Balance(b.account)
		if err != nil {
			return outcomes
		}

		for _, instr := range b.queue.Items() {
			if !b.eligible(instr, balance) {
				continue
			}

			rec, err := b.eng.ledger.Settle(b.account, instr.To, instr.Amount, b.eng.now())
			if err != nil {
				continue
			}
			b.queue.Remove(instr.ID)

			after := balance.Sub(instr.Amount)
			b.settledToday = b.settledToday.Add(instr.Amount)
			b.riskScore = risk.Score(after, decimal.Zero, b.queue.Total())

			dec := &decision.Decision{
				InstructionID: instr.ID,
				Kind:          decision.KindSettle,
				Category:      decision.CategoryLiquidityRetrigger,
				ReasoningSteps: []string{fmt.Sprintf(
					"queued instruction settled on freed liquidity: %s settled, new balance %s",
					instr.Amount.String(), after.String())},
				Risk:            risk.Assess(b.riskScore),
				RiskScore:       b.riskScore,
				LiquidityBefore: balance,
				LiquidityAfter:  after,
				Timestamp:       b.eng.now(),
			}
			out := &outcome{dec: dec, settlement: rec}
			b.recordOutcome(out)
			outcomes = append(outcomes, out)

			balance = after
			settledAny = true

			if err := b.eng.checkConservation(); err != nil {
				b.halted = true
				return outcomes
			}
		}

		if !settledAny {
			return outcomes
		}
	}
}

// eligible applies the same liquidity rules the decision matrix uses:
// urgent and sovereign instructions need only coverage, everything else
// must also leave the buffer floor intact.
func (b *Book) eligible(instr *instruction.Instruction, balance decimal.Decimal) bool {
	if instr.Amount.GreaterThan(balance) {
		return false
	}
	if instr.Urgent() {
		return true
	}
	return balance.Sub(instr.Amount).GreaterThanOrEqual(b.bufferFloor)
}

func sovereignTag(instr *instruction.Instruction) string {
	if instr.Sovereign {
		return " (sovereign payment)"
	}
	return ""
}

// SetProjection records an expected inflow for a time bucket. Buckets are
// opaque ordered keys (ISO timestamps in practice).
func (b *Book) SetProjection(bucket string, amount decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount.IsZero() {
		delete(b.projections, bucket)
		return
	}
	b.projections[bucket] = amount
}

// projectedInflows sums the projection buckets; caller holds the book lock.
func (b *Book) projectedInflows() decimal.Decimal {
	total := decimal.Zero
	for _, amount := range b.projections {
		total = total.Add(amount)
	}
	return total
}

// State is the serializable view of one book.
type State struct {
	Account      string                     `json:"account"`
	Balance      decimal.Decimal            `json:"balance"`
	QueuedIDs    []string                   `json:"queued_ids"`
	QueuedTotal  decimal.Decimal            `json:"queued_total"`
	Projections  map[string]decimal.Decimal `json:"projections"`
	RiskScore    float64                    `json:"risk_score"`
	SettledToday decimal.Decimal            `json:"settled_today"`
	DelayedToday decimal.Decimal            `json:"delayed_today"`
	DecisionLog  []string                   `json:"decision_log"`
	Halted       bool                       `json:"halted"`
}

// State exports the book's current snapshot.
func (b *Book) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	balance, _ := b.eng.ledger.Balance(b.account)
	projections := make(map[string]decimal.Decimal, len(b.projections))
	for k, v := range b.projections {
		projections[k] = v
	}
	log := make([]string, len(b.decisionLog))
	copy(log, b.decisionLog)

	return State{
		Account:      b.account,
		Balance:      balance,
		QueuedIDs:    b.queue.IDs(),
		QueuedTotal:  b.queue.Total(),
		Projections:  projections,
		RiskScore:    b.riskScore,
		SettledToday: b.settledToday,
		DelayedToday: b.delayedToday,
		DecisionLog:  log,
		Halted:       b.halted,
	}
}

// Queue exposes the pending queue for read-only consumers.
func (b *Book) Queue() *queue.Queue { return b.queue }

// Account returns the managed account id.
func (b *Book) Account() string { return b.account }

// PendingInstructions returns the queued instructions in triage order.
func (b *Book) PendingInstructions() []*instruction.Instruction {
	return b.queue.Items()
}

// RestoreQueue reloads persisted queue contents in their stored order.
func (b *Book) RestoreQueue(instrs []*instruction.Instruction) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, instr := range instrs {
		if err := b.queue.Enqueue(instr); err != nil {
			return err
		}
	}
	return nil
}

// Books lists the managed account ids in canonical order.
func (e *Engine) Books() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ids := make([]string, 0, len(e.books))
	for id := range e.books {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
