package queue

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/instruction"
)

// Queue holds instructions pending settlement in strict triage order:
// priority tier descending, arrival time ascending, id ascending. The
// ordering invariant holds after every operation.
type Queue struct {
	items []*instruction.Instruction
	ids   map[string]struct{}
	total decimal.Decimal

	mu sync.Mutex
}

// New creates an empty queue.
func New() *Queue {
	return &Queue{
		ids:   make(map[string]struct{}),
		total: decimal.Zero,
	}
}

// Enqueue inserts an instruction at its triage position.
func (q *Queue) Enqueue(instr *instruction.Instruction) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.ids[instr.ID]; exists {
		return fmt.Errorf("instruction %s already queued", instr.ID)
	}

	pos := sort.Search(len(q.items), func(i int) bool {
		return instruction.Less(instr, q.items[i])
	})
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = instr

	q.ids[instr.ID] = struct{}{}
	q.total = q.total.Add(instr.Amount)
	return nil
}

// Remove pops a specific instruction, typically after it settled.
func (q *Queue) Remove(id string) (*instruction.Instruction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, instr := range q.items {
		if instr.ID == id {
			q.items = append(q.items[:i], q.items[i+1:]...)
			delete(q.ids, id)
			q.total = q.total.Sub(instr.Amount)
			return instr, true
		}
	}
	return nil, false
}

// Items returns the queue contents in triage order without removing them.
// Consumers pop explicitly via Remove on successful settlement.
func (q *Queue) Items() []*instruction.Instruction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*instruction.Instruction, len(q.items))
	copy(out, q.items)
	return out
}

// Eligible returns, in triage order, the queued instructions whose amount
// is currently coverable by the given available balance. The walk never
// promotes a lower-priority instruction past a settleable higher-priority
// one, but it does not stall on an unsettleable head either.
func (q *Queue) Eligible(available decimal.Decimal) []*instruction.Instruction {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*instruction.Instruction
	for _, instr := range q.items {
		if instr.Amount.LessThanOrEqual(available) {
			out = append(out, instr)
		}
	}
	return out
}

// Peek returns the head of the queue.
func (q *Queue) Peek() (*instruction.Instruction, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	return q.items[0], true
}

// Contains reports whether an instruction id is queued.
func (q *Queue) Contains(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, exists := q.ids[id]
	return exists
}

// Len returns the number of queued instructions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Total returns the sum of queued amounts.
func (q *Queue) Total() decimal.Decimal {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.total
}

// IDs returns the queued instruction ids in triage order, the serializable
// representation of queue state.
func (q *Queue) IDs() []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]string, len(q.items))
	for i, instr := range q.items {
		out[i] = instr.ID
	}
	return out
}
