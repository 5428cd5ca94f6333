package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/decision"
)

// genesis anchors the chain so the first record has a well-defined
// predecessor hash.
const genesis = "liquiflow-proof-chain-genesis"

var ErrChainBroken = errors.New("proof chain verification failed")

// ProofOfIntent binds a decision to its inputs and to the previous record.
type ProofOfIntent struct {
	Hash     string `json:"hash"`
	PrevHash string `json:"prev_hash"`
}

// Entry is one immutable record in the append-only chain.
type Entry struct {
	Seq      int               `json:"seq"`
	Decision decision.Decision `json:"decision"`
	Proof    ProofOfIntent     `json:"proof"`
}

// Recorder maintains the hash-chained decision log. Records are append
// only; tampering with any historical entry is detectable by recomputing
// the chain.
type Recorder struct {
	entries  []Entry
	lastHash string

	mu sync.Mutex
}

// NewRecorder creates an empty recorder anchored at the genesis hash.
func NewRecorder() *Recorder {
	return &Recorder{lastHash: hashGenesis()}
}

func hashGenesis() string {
	sum := sha256.Sum256([]byte(genesis))
	return hex.EncodeToString(sum[:])
}

// HashDecision computes the proof-of-intent hash: a deterministic function
// of the instruction id, decision kind, liquidity before and after, the
// decision timestamp and the previous record's hash. Reasoning steps are
// deliberately excluded so external annotation never changes the proof.
func HashDecision(d *decision.Decision, prevHash string) string {
	canonical := strings.Join([]string{
		d.InstructionID,
		string(d.Kind),
		d.LiquidityBefore.String(),
		d.LiquidityAfter.String(),
		d.Timestamp.UTC().Format(time.RFC3339Nano),
		prevHash,
	}, "|")
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// Record appends a decision to the chain and stamps its proof hash onto
// the decision.
func (r *Recorder) Record(d *decision.Decision) ProofOfIntent {
	r.mu.Lock()
	defer r.mu.Unlock()

	proof := ProofOfIntent{
		Hash:     HashDecision(d, r.lastHash),
		PrevHash: r.lastHash,
	}
	d.ProofHash = proof.Hash

	r.entries = append(r.entries, Entry{
		Seq:      len(r.entries),
		Decision: *d,
		Proof:    proof,
	})
	r.lastHash = proof.Hash
	return proof
}

// Verify recomputes the whole chain and fails on the first entry whose
// stored hash does not match its recomputed value.
func (r *Recorder) Verify() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := hashGenesis()
	for _, e := range r.entries {
		if e.Proof.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s",
				ErrChainBroken, e.Seq, e.Proof.PrevHash, prev)
		}
		recomputed := HashDecision(&e.Decision, prev)
		if recomputed != e.Proof.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, e.Seq)
		}
		prev = e.Proof.Hash
	}
	return nil
}

// Entries returns a copy of the chain for reporting consumers.
func (r *Recorder) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Tail returns the most recent n entries.
func (r *Recorder) Tail(n int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if n <= 0 || n > len(r.entries) {
		n = len(r.entries)
	}
	out := make([]Entry, n)
	copy(out, r.entries[len(r.entries)-n:])
	return out
}

// Len returns the chain length.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// LastHash returns the hash at the chain head.
func (r *Recorder) LastHash() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastHash
}

// TotalSettled sums settled amounts out of the chain, a convenience for
// end-of-day reporting.
func (r *Recorder) TotalSettled() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := decimal.Zero
	for _, e := range r.entries {
		if e.Decision.Kind == decision.KindSettle {
			total = total.Add(e.Decision.LiquidityBefore.Sub(e.Decision.LiquidityAfter))
		}
	}
	return total
}

// Restore replaces the chain with previously persisted entries after
// verifying their linkage.
func (r *Recorder) Restore(entries []Entry) error {
	prev := hashGenesis()
	for i, e := range entries {
		if e.Proof.PrevHash != prev {
			return fmt.Errorf("%w: entry %d links to %s, expected %s",
				ErrChainBroken, i, e.Proof.PrevHash, prev)
		}
		if HashDecision(&e.Decision, prev) != e.Proof.Hash {
			return fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = e.Proof.Hash
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make([]Entry, len(entries))
	copy(r.entries, entries)
	r.lastHash = prev
	return nil
}
