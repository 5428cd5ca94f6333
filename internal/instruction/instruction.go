package instruction

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Priority represents a payment priority tier
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "URGENT"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// ParsePriority parses a priority tier name
func ParsePriority(s string) (Priority, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "URGENT":
		return PriorityUrgent, nil
	case "HIGH":
		return PriorityHigh, nil
	case "NORMAL", "":
		return PriorityNormal, nil
	case "LOW":
		return PriorityLow, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority tier %q", s)
	}
}

// MessageType tags the payment message family the instruction arrived as.
// The wire format itself is parsed upstream; the engine only carries the tag.
type MessageType string

const (
	MessagePacs008 MessageType = "pacs.008" // customer credit transfer
	MessagePacs009 MessageType = "pacs.009" // financial institution credit transfer
)

var (
	ErrMalformed = errors.New("malformed instruction")

	// amounts above this are rejected at construction
	maxAmount = decimal.NewFromInt(1_000_000_000_000)
)

// Instruction is a single payment request entering the engine.
// Immutable after construction; all fields are validated by New.
type Instruction struct {
	ID          string
	MsgType     MessageType
	Amount      decimal.Decimal
	Currency    string
	Priority    Priority
	Sovereign   bool
	From        string
	To          string
	SubmittedAt time.Time
	Deadline    *time.Time
}

// New validates and constructs an Instruction.
func New(id string, msgType MessageType, amount decimal.Decimal, currency string, priority Priority, sovereign bool, from, to string, submittedAt time.Time) (*Instruction, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformed)
	}
	if strings.TrimSpace(from) == "" || strings.TrimSpace(to) == "" {
		return nil, fmt.Errorf("%w: missing account", ErrMalformed)
	}
	if from == to {
		return nil, fmt.Errorf("%w: from and to accounts are identical", ErrMalformed)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", ErrMalformed)
	}
	if amount.GreaterThan(maxAmount) {
		return nil, fmt.Errorf("%w: amount exceeds maximum allowable limit", ErrMalformed)
	}
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = "USD"
	}
	if len(currency) != 3 {
		return nil, fmt.Errorf("%w: currency code must be 3 characters", ErrMalformed)
	}
	if msgType == "" {
		msgType = MessagePacs008
	}
	if submittedAt.IsZero() {
		return nil, fmt.Errorf("%w: missing submission timestamp", ErrMalformed)
	}

	return &Instruction{
		ID:          id,
		MsgType:     msgType,
		Amount:      amount,
		Currency:    currency,
		Priority:    priority,
		Sovereign:   sovereign,
		From:        from,
		To:          to,
		SubmittedAt: submittedAt,
	}, nil
}

// WithDeadline returns a copy carrying a settlement deadline.
func (i *Instruction) WithDeadline(d time.Time) *Instruction {
	cp := *i
	cp.Deadline = &d
	return &cp
}

// Urgent reports whether the instruction gets first refusal on liquidity.
func (i *Instruction) Urgent() bool {
	return i.Priority == PriorityUrgent || i.Sovereign
}

// Less defines the total triage order: priority tier descending, arrival
// time ascending, instruction id lexical ascending. The order is total and
// stable across runs on identical input.
func Less(a, b *Instruction) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if !a.SubmittedAt.Equal(b.SubmittedAt) {
		return a.SubmittedAt.Before(b.SubmittedAt)
	}
	return a.ID < b.ID
}
