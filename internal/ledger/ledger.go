package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrUnknownAccount    = errors.New("unknown account")
	ErrNegativeAmount    = errors.New("amount must be positive")
	ErrDuplicateAccount  = errors.New("account already exists")
)

// SettlementOutcome is the terminal state of an atomic transfer.
type SettlementOutcome string

const (
	OutcomeApplied    SettlementOutcome = "APPLIED"
	OutcomeRolledBack SettlementOutcome = "ROLLED_BACK"
)

// DepositToken is a tokenized deposit on the unified ledger. Tokens are
// consumed oldest-first; a partially consumed token keeps its original
// mint timestamp and position.
type DepositToken struct {
	ID       string          `json:"id"`
	Amount   decimal.Decimal `json:"amount"`
	MintedAt time.Time       `json:"minted_at"`
}

// Account is a ledger-owned entity. Balance is always the sum of its
// active tokens and never negative.
type Account struct {
	id      string
	balance decimal.Decimal
	tokens  []DepositToken

	mu sync.Mutex
}

// SettlementRecord is the immutable result of an atomic transfer.
type SettlementRecord struct {
	ID             uuid.UUID         `json:"id"`
	From           string            `json:"from"`
	To             string            `json:"to"`
	Amount         decimal.Decimal   `json:"amount"`
	ConsumedTokens []string          `json:"consumed_tokens"`
	MintedToken    string            `json:"minted_token,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
	Outcome        SettlementOutcome `json:"outcome"`
	FailureReason  string            `json:"failure_reason,omitempty"`
}

// Ledger owns account balances and deposit tokens and executes atomic
// settlements between them. Money in the ledger only changes through
// Mint, Burn and Settle.
type Ledger struct {
	accounts map[string]*Account
	mu       sync.RWMutex

	recordsMu sync.Mutex
	records   []SettlementRecord
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		accounts: make(map[string]*Account),
	}
}

// CreateAccount registers a new account with zero balance.
func (l *Ledger) CreateAccount(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, exists := l.accounts[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateAccount, id)
	}
	l.accounts[id] = &Account{
		id:      id,
		balance: decimal.Zero,
	}
	return nil
}

func (l *Ledger) account(id string) (*Account, error) {
	l.mu.RLock()
	acct, exists := l.accounts[id]
	l.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, id)
	}
	return acct, nil
}

// Balance returns the current balance of an account.
func (l *Ledger) Balance(id string) (decimal.Decimal, error) {
	acct, err := l.account(id)
	if err != nil {
		return decimal.Zero, err
	}
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.balance, nil
}

// Mint appends a deposit token to an account, increasing its balance.
// Simulates an incoming external payment.
func (l *Ledger) Mint(accountID string, amount decimal.Decimal, ts time.Time) (string, error) {
	if !amount.IsPositive() {
		return "", ErrNegativeAmount
	}
	acct, err := l.account(accountID)
	if err != nil {
		return "", err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.mint(amount, ts), nil
}

// mint appends a token; caller holds the account lock.
func (a *Account) mint(amount decimal.Decimal, ts time.Time) string {
	token := DepositToken{
		ID:       "TKN-" + uuid.New().String(),
		Amount:   amount,
		MintedAt: ts,
	}
	a.tokens = append(a.tokens, token)
	a.balance = a.balance.Add(amount)
	return token.ID
}

// Burn consumes deposit tokens oldest-first until the amount is covered.
// A token may be partially consumed; the remainder stays in place with its
// original timestamp. Fails atomically with ErrInsufficientFunds when the
// account balance is below the requested amount.
func (l *Ledger) Burn(accountID string, amount decimal.Decimal) ([]string, error) {
	if !amount.IsPositive() {
		return nil, ErrNegativeAmount
	}
	acct, err := l.account(accountID)
	if err != nil {
		return nil, err
	}

	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.burn(amount)
}

// burn consumes tokens FIFO; caller holds the account lock.
func (a *Account) burn(amount decimal.Decimal) ([]string, error) {
	if a.balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: available %s, required %s",
			ErrInsufficientFunds, a.balance.String(), amount.String())
	}

	var consumed []string
	remaining := amount
	idx := 0
	for idx < len(a.tokens) && remaining.IsPositive() {
		token := &a.tokens[idx]
		if token.Amount.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(token.Amount)
			consumed = append(consumed, token.ID)
			idx++
			continue
		}
		// Partial split: the remainder keeps the token's position and
		// mint timestamp.
		token.Amount = token.Amount.Sub(remaining)
		consumed = append(consumed, token.ID)
		remaining = decimal.Zero
	}
	a.tokens = a.tokens[idx:]
	a.balance = a.balance.Sub(amount)
	return consumed, nil
}

// Settle executes an atomic settlement between two accounts: burn from the
// debtor, mint to the creditor, all-or-nothing. Both account locks are
// acquired in canonical id order and held across both sub-operations, so
// no observer ever sees the debtor debited without the creditor credited.
func (l *Ledger) Settle(from, to string, amount decimal.Decimal, ts time.Time) (*SettlementRecord, error) {
	if !amount.IsPositive() {
		return nil, ErrNegativeAmount
	}
	fromAcct, err := l.account(from)
	if err != nil {
		return nil, err
	}
	toAcct, err := l.account(to)
	if err != nil {
		return nil, err
	}

	first, second := fromAcct, toAcct
	if second.id < first.id {
		first, second = second, first
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	record := SettlementRecord{
		ID:        uuid.New(),
		From:      from,
		To:        to,
		Amount:    amount,
		Timestamp: ts,
	}

	consumed, err := fromAcct.burn(amount)
	if err != nil {
		record.Outcome = OutcomeRolledBack
		record.FailureReason = err.Error()
		l.appendRecord(record)
		return &record, err
	}

	// Mint cannot fail once the burn succeeded; the settlement is durable
	// at this point.
	record.MintedToken = toAcct.mint(amount, ts)
	record.ConsumedTokens = consumed
	record.Outcome = OutcomeApplied
	l.appendRecord(record)
	return &record, nil
}

func (l *Ledger) appendRecord(r SettlementRecord) {
	l.recordsMu.Lock()
	l.records = append(l.records, r)
	l.recordsMu.Unlock()
}

// Settlements returns a copy of the settlement record stream.
func (l *Ledger) Settlements() []SettlementRecord {
	l.recordsMu.Lock()
	defer l.recordsMu.Unlock()
	out := make([]SettlementRecord, len(l.records))
	copy(out, l.records)
	return out
}

// TotalValue sums all account balances. Internal transfers never change
// it; only genuine mints and burns do.
func (l *Ledger) TotalValue() decimal.Decimal {
	l.mu.RLock()
	accounts := make([]*Account, 0, len(l.accounts))
	for _, acct := range l.accounts {
		accounts = append(accounts, acct)
	}
	l.mu.RUnlock()

	// Lock in canonical order so TotalValue can run alongside settlements.
	sort.Slice(accounts, func(i, j int) bool { return accounts[i].id < accounts[j].id })
	total := decimal.Zero
	for _, acct := range accounts {
		acct.mu.Lock()
		total = total.Add(acct.balance)
		acct.mu.Unlock()
	}
	return total
}

// AccountSnapshot is the serializable state of one account.
type AccountSnapshot struct {
	ID      string          `json:"id"`
	Balance decimal.Decimal `json:"balance"`
	Tokens  []DepositToken  `json:"tokens"`
}

// Snapshot exports the full ledger state for persistence or replay,
// ordered by account id.
func (l *Ledger) Snapshot() []AccountSnapshot {
	l.mu.RLock()
	ids := make([]string, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	l.mu.RUnlock()
	sort.Strings(ids)

	out := make([]AccountSnapshot, 0, len(ids))
	for _, id := range ids {
		acct, err := l.account(id)
		if err != nil {
			continue
		}
		acct.mu.Lock()
		tokens := make([]DepositToken, len(acct.tokens))
		copy(tokens, acct.tokens)
		out = append(out, AccountSnapshot{
			ID:      acct.id,
			Balance: acct.balance,
			Tokens:  tokens,
		})
		acct.mu.Unlock()
	}
	return out
}

// Restore replaces the ledger contents with a previously exported snapshot.
func (l *Ledger) Restore(snapshot []AccountSnapshot) error {
	accounts := make(map[string]*Account, len(snapshot))
	for _, s := range snapshot {
		if _, exists := accounts[s.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateAccount, s.ID)
		}
		total := decimal.Zero
		tokens := make([]DepositToken, len(s.Tokens))
		copy(tokens, s.Tokens)
		for _, t := range tokens {
			total = total.Add(t.Amount)
		}
		if !total.Equal(s.Balance) {
			return fmt.Errorf("account %s: token sum %s does not match balance %s",
				s.ID, total.String(), s.Balance.String())
		}
		accounts[s.ID] = &Account{
			id:      s.ID,
			balance: s.Balance,
			tokens:  tokens,
		}
	}

	l.mu.Lock()
	l.accounts = accounts
	l.mu.Unlock()
	return nil
}
