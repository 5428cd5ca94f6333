package scenario

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/instruction"
)

// Inflow is an external credit arriving mid-scenario.
type Inflow struct {
	Account string
	Amount  decimal.Decimal
	At      time.Time
}

// Scenario is a deterministic batch of instructions and inflows used for
// stress exercises and replay checks. The same inputs always build the
// same batch. OpeningBalance is the debtor balance the batch assumes;
// runners validate it against live state rather than force it, since a
// live book cannot be drained to order. Decision outcomes additionally
// depend on the running book's guardrail limits.
type Scenario struct {
	Name           string
	Description    string
	OpeningBalance decimal.Decimal
	Instructions   []*instruction.Instruction
	Inflows        []Inflow
}

func mustInstruction(id string, msgType instruction.MessageType, amount int64, priority instruction.Priority, sovereign bool, from, to string, at time.Time) *instruction.Instruction {
	instr, err := instruction.New(id, msgType, decimal.NewFromInt(amount), "USD", priority, sovereign, from, to, at)
	if err != nil {
		panic(fmt.Sprintf("scenario instruction %s: %v", id, err))
	}
	return instr
}

// HappyPath is a single normal-priority transfer that settles immediately.
func HappyPath(from, to string, at time.Time) Scenario {
	return Scenario{
		Name:           "happy-path",
		Description:    "one normal transfer settles against ample liquidity",
		OpeningBalance: decimal.NewFromInt(1_000_000_000),
		Instructions: []*instruction.Instruction{
			mustInstruction("HAPPY-001", instruction.MessagePacs008, 10_000,
				instruction.PriorityNormal, false, from, to, at),
		},
	}
}

// LiquidityShock is an urgent payment far above the available balance. It
// queues at the head, then a late inflow frees enough liquidity to settle
// it on retrigger.
func LiquidityShock(from, to string, at time.Time) Scenario {
	return Scenario{
		Name:           "liquidity-shock",
		Description:    "urgent payment exceeds balance, queues, settles on inflow",
		OpeningBalance: decimal.NewFromInt(100_000_000),
		Instructions: []*instruction.Instruction{
			mustInstruction("SHOCK-001", instruction.MessagePacs009, 500_000_000,
				instruction.PriorityUrgent, false, from, to, at),
		},
		Inflows: []Inflow{
			{Account: from, Amount: decimal.NewFromInt(450_000_000), At: at.Add(time.Minute)},
		},
	}
}

// GuardrailBreach is a transfer large enough to trip the variance limit.
func GuardrailBreach(from, to string, at time.Time) Scenario {
	return Scenario{
		Name:           "guardrail-breach",
		Description:    "transfer breaches the variance limit and never settles",
		OpeningBalance: decimal.NewFromInt(1_000_000_000),
		Instructions: []*instruction.Instruction{
			mustInstruction("BREACH-001", instruction.MessagePacs008, 900_000_000_000,
				instruction.PriorityHigh, false, from, to, at),
		},
	}
}

// EndOfDayCrunch builds a seeded batch of mixed-priority instructions whose
// total exceeds the opening balance, forcing triage. Identical seed and
// inputs yield an identical batch.
func EndOfDayCrunch(from string, counterparties []string, at time.Time, seed int64, n int) Scenario {
	if n <= 0 {
		n = 50
	}
	rng := rand.New(rand.NewSource(seed))

	priorities := []instruction.Priority{
		instruction.PriorityLow,
		instruction.PriorityNormal,
		instruction.PriorityHigh,
		instruction.PriorityUrgent,
	}

	instrs := make([]*instruction.Instruction, 0, n)
	for i := 0; i < n; i++ {
		amount := int64(rng.Intn(40_000_000) + 1_000_000)
		priority := priorities[rng.Intn(len(priorities))]
		sovereign := rng.Intn(20) == 0
		to := counterparties[rng.Intn(len(counterparties))]
		msgType := instruction.MessagePacs008
		if sovereign {
			msgType = instruction.MessagePacs009
		}
		instrs = append(instrs, mustInstruction(
			fmt.Sprintf("EOD-%03d", i+1), msgType, amount, priority, sovereign,
			from, to, at.Add(time.Duration(i)*time.Second)))
	}

	return Scenario{
		Name:           "end-of-day-crunch",
		Description:    "seeded batch whose total exceeds the opening balance",
		OpeningBalance: decimal.NewFromInt(500_000_000),
		Instructions:   instrs,
	}
}

// ByName builds a named scenario. The end-of-day crunch uses a fixed seed
// so repeated runs stay comparable.
func ByName(name, from string, counterparties []string, at time.Time) (Scenario, bool) {
	if len(counterparties) == 0 {
		return Scenario{}, false
	}
	to := counterparties[0]
	switch name {
	case "happy-path":
		return HappyPath(from, to, at), true
	case "liquidity-shock":
		return LiquidityShock(from, to, at), true
	case "guardrail-breach":
		return GuardrailBreach(from, to, at), true
	case "end-of-day-crunch":
		return EndOfDayCrunch(from, counterparties, at, 42, 50), true
	default:
		return Scenario{}, false
	}
}
