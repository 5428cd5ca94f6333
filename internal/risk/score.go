package risk

import (
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/decision"
)

// Score computes a rolling risk score in [0,1] from the buffer-to-outflow
// ratio: the current balance measured against the instruction at hand plus
// everything already queued. Deterministic given its inputs.
func Score(balance, instructionAmount, queuedTotal decimal.Decimal) float64 {
	if balance.IsZero() {
		return 1.0
	}

	outflow := instructionAmount.Add(queuedTotal).Add(decimal.NewFromInt(1))
	ratio, _ := balance.Div(outflow).Float64()

	switch {
	case ratio >= 2.0:
		return 0.0
	case ratio >= 1.0:
		return 0.2
	case ratio >= 0.5:
		return 0.5
	case ratio >= 0.2:
		return 0.7
	default:
		return 1.0
	}
}

// Assess maps a score onto the qualitative label carried on decisions.
func Assess(score float64) decision.RiskAssessment {
	switch {
	case score < 0.3:
		return decision.RiskLow
	case score < 0.7:
		return decision.RiskModerate
	default:
		return decision.RiskHigh
	}
}
