package guardrail

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/liquiflow/internal/instruction"
)

func testInstruction(t *testing.T, amount int64) *instruction.Instruction {
	t.Helper()
	instr, err := instruction.New("PAY-1", instruction.MessagePacs008, decimal.NewFromInt(amount),
		"USD", instruction.PriorityNormal, false, "BANK-A", "BANK-B", time.Now())
	require.NoError(t, err)
	return instr
}

func TestValidateVariance(t *testing.T) {
	cfg := Config{
		MaxVariance:             decimal.NewFromInt(1000),
		MaxPctPerTx:             decimal.NewFromInt(10), // effectively disabled
		OverrideTriggerFraction: decimal.NewFromFloat(0.8),
	}

	t.Run("should pass within the variance limit", func(t *testing.T) {
		v := Validate(testInstruction(t, 1500), View{Balance: decimal.NewFromInt(1000)}, cfg)
		assert.True(t, v.OK())
	})

	t.Run("should flag variance beyond the limit", func(t *testing.T) {
		v := Validate(testInstruction(t, 2500), View{Balance: decimal.NewFromInt(1000)}, cfg)
		assert.Equal(t, ViolationVarianceExceeded, v.Violation)
		assert.NotEmpty(t, v.Detail)
	})

	t.Run("should count projected inflows toward the adjusted balance", func(t *testing.T) {
		view := View{
			Balance:          decimal.NewFromInt(1000),
			ProjectedInflows: decimal.NewFromInt(1000),
		}
		v := Validate(testInstruction(t, 2500), view, cfg)
		assert.True(t, v.OK())
	})
}

func TestValidatePctCap(t *testing.T) {
	cfg := Config{
		MaxVariance:             decimal.NewFromInt(1_000_000_000),
		MaxPctPerTx:             decimal.NewFromFloat(0.5),
		OverrideTriggerFraction: decimal.NewFromFloat(0.8),
	}

	t.Run("should flag a transaction above the percentage cap", func(t *testing.T) {
		v := Validate(testInstruction(t, 600), View{Balance: decimal.NewFromInt(1000)}, cfg)
		assert.Equal(t, ViolationPctCapExceeded, v.Violation)
	})

	t.Run("should pass exactly at the cap", func(t *testing.T) {
		v := Validate(testInstruction(t, 500), View{Balance: decimal.NewFromInt(1000)}, cfg)
		assert.True(t, v.OK())
	})

	t.Run("should short-circuit on variance before the percentage check", func(t *testing.T) {
		tight := cfg
		tight.MaxVariance = decimal.NewFromInt(10)
		v := Validate(testInstruction(t, 2000), View{Balance: decimal.NewFromInt(1000)}, tight)
		assert.Equal(t, ViolationVarianceExceeded, v.Violation)
	})

	t.Run("should skip the percentage check on a zero balance", func(t *testing.T) {
		v := Validate(testInstruction(t, 100), View{Balance: decimal.Zero}, cfg)
		// Variance still applies; the cap division is not attempted.
		assert.True(t, v.OK())
	})
}

func TestOverrideTrigger(t *testing.T) {
	cfg := DefaultConfig()

	t.Run("should require override near the variance limit", func(t *testing.T) {
		// 80% of the 1e9 default variance limit.
		v := Validate(testInstruction(t, 800_000_000),
			View{Balance: decimal.NewFromInt(10_000_000_000)}, cfg)
		assert.True(t, v.OverrideRequired)
	})

	t.Run("should require override when the queue pushes cumulative utilization over", func(t *testing.T) {
		view := View{
			Balance:     decimal.NewFromInt(1000),
			QueuedTotal: decimal.NewFromInt(350),
		}
		// 50 alone is 5% of balance; with 350 queued the cumulative 400 is
		// 40%, crossing 80% of the 50% cap.
		v := Validate(testInstruction(t, 50), view, cfg)
		assert.True(t, v.OverrideRequired)
	})

	t.Run("should report override alongside a violation", func(t *testing.T) {
		v := Validate(testInstruction(t, 2_000_000_000),
			View{Balance: decimal.NewFromInt(100)}, cfg)
		assert.False(t, v.OK())
		assert.True(t, v.OverrideRequired)
	})

	t.Run("should not require override for small instructions", func(t *testing.T) {
		v := Validate(testInstruction(t, 10),
			View{Balance: decimal.NewFromInt(1_000_000)}, cfg)
		assert.True(t, v.OK())
		assert.False(t, v.OverrideRequired)
	})
}
