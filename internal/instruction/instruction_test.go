package instruction

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.Now()

	t.Run("should construct a valid instruction", func(t *testing.T) {
		instr, err := New("PAY-1", MessagePacs008, decimal.NewFromInt(100), "usd",
			PriorityHigh, false, "BANK-A", "BANK-B", now)
		require.NoError(t, err)
		assert.Equal(t, "USD", instr.Currency)
		assert.Equal(t, PriorityHigh, instr.Priority)
	})

	t.Run("should default message type and currency", func(t *testing.T) {
		instr, err := New("PAY-1", "", decimal.NewFromInt(100), "",
			PriorityNormal, false, "BANK-A", "BANK-B", now)
		require.NoError(t, err)
		assert.Equal(t, MessagePacs008, instr.MsgType)
		assert.Equal(t, "USD", instr.Currency)
	})

	t.Run("should reject malformed input", func(t *testing.T) {
		cases := []struct {
			name   string
			id     string
			amount decimal.Decimal
			ccy    string
			from   string
			to     string
			at     time.Time
		}{
			{"missing id", "", decimal.NewFromInt(1), "USD", "A", "B", now},
			{"missing debtor", "PAY-1", decimal.NewFromInt(1), "USD", "", "B", now},
			{"missing creditor", "PAY-1", decimal.NewFromInt(1), "USD", "A", "", now},
			{"self transfer", "PAY-1", decimal.NewFromInt(1), "USD", "A", "A", now},
			{"zero amount", "PAY-1", decimal.Zero, "USD", "A", "B", now},
			{"negative amount", "PAY-1", decimal.NewFromInt(-5), "USD", "A", "B", now},
			{"amount above ceiling", "PAY-1", decimal.NewFromInt(2_000_000_000_000), "USD", "A", "B", now},
			{"bad currency", "PAY-1", decimal.NewFromInt(1), "DOLLARS", "A", "B", now},
			{"missing timestamp", "PAY-1", decimal.NewFromInt(1), "USD", "A", "B", time.Time{}},
		}
		for _, tc := range cases {
			t.Run(tc.name, func(t *testing.T) {
				_, err := New(tc.id, MessagePacs008, tc.amount, tc.ccy,
					PriorityNormal, false, tc.from, tc.to, tc.at)
				assert.ErrorIs(t, err, ErrMalformed)
			})
		}
	})
}

func TestUrgent(t *testing.T) {
	now := time.Now()

	t.Run("should treat urgent tier as urgent", func(t *testing.T) {
		instr, _ := New("PAY-1", MessagePacs008, decimal.NewFromInt(1), "USD",
			PriorityUrgent, false, "A", "B", now)
		assert.True(t, instr.Urgent())
	})

	t.Run("should treat sovereign payments as urgent regardless of tier", func(t *testing.T) {
		instr, _ := New("PAY-1", MessagePacs009, decimal.NewFromInt(1), "USD",
			PriorityLow, true, "A", "B", now)
		assert.True(t, instr.Urgent())
	})

	t.Run("should not treat high tier as urgent", func(t *testing.T) {
		instr, _ := New("PAY-1", MessagePacs008, decimal.NewFromInt(1), "USD",
			PriorityHigh, false, "A", "B", now)
		assert.False(t, instr.Urgent())
	})
}

func TestParsePriority(t *testing.T) {
	t.Run("should parse tier names case-insensitively", func(t *testing.T) {
		p, err := ParsePriority("urgent")
		require.NoError(t, err)
		assert.Equal(t, PriorityUrgent, p)
	})

	t.Run("should default an empty tier to normal", func(t *testing.T) {
		p, err := ParsePriority("")
		require.NoError(t, err)
		assert.Equal(t, PriorityNormal, p)
	})

	t.Run("should reject unknown tiers", func(t *testing.T) {
		_, err := ParsePriority("CRITICAL")
		assert.Error(t, err)
	})
}

func TestLess(t *testing.T) {
	base := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	mk := func(id string, p Priority, at time.Time) *Instruction {
		instr, err := New(id, MessagePacs008, decimal.NewFromInt(1), "USD", p, false, "A", "B", at)
		require.NoError(t, err)
		return instr
	}

	t.Run("should order higher priority first", func(t *testing.T) {
		assert.True(t, Less(mk("a", PriorityUrgent, base), mk("b", PriorityLow, base)))
		assert.False(t, Less(mk("a", PriorityLow, base), mk("b", PriorityUrgent, base)))
	})

	t.Run("should order earlier arrival first within a tier", func(t *testing.T) {
		assert.True(t, Less(mk("a", PriorityNormal, base), mk("b", PriorityNormal, base.Add(time.Second))))
	})

	t.Run("should order by id on full ties", func(t *testing.T) {
		assert.True(t, Less(mk("a", PriorityNormal, base), mk("b", PriorityNormal, base)))
		assert.False(t, Less(mk("b", PriorityNormal, base), mk("a", PriorityNormal, base)))
	})
}
