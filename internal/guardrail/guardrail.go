package guardrail

import (
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/instruction"
)

// ViolationKind identifies which circuit-breaker limit was breached
type ViolationKind string

const (
	ViolationNone             ViolationKind = ""
	ViolationVarianceExceeded ViolationKind = "VARIANCE_EXCEEDED"
	ViolationPctCapExceeded   ViolationKind = "PCT_CAP_EXCEEDED"
)

// Config holds the hard circuit-breaker limits. Loaded once at process
// startup and immutable thereafter.
type Config struct {
	// MaxVariance is the absolute amount by which an instruction may exceed
	// the inflow-adjusted balance.
	MaxVariance decimal.Decimal
	// MaxPctPerTx caps a single transaction as a fraction of current balance.
	MaxPctPerTx decimal.Decimal
	// OverrideTriggerFraction of either limit forces human escalation.
	OverrideTriggerFraction decimal.Decimal
}

// DefaultConfig mirrors the production limits used when no external config
// source is wired in.
func DefaultConfig() Config {
	return Config{
		MaxVariance:             decimal.NewFromInt(1_000_000_000),
		MaxPctPerTx:             decimal.NewFromFloat(0.5),
		OverrideTriggerFraction: decimal.NewFromFloat(0.8),
	}
}

// View is the read-only slice of liquidity state the validator consults.
type View struct {
	Balance          decimal.Decimal
	ProjectedInflows decimal.Decimal
	QueuedTotal      decimal.Decimal
}

// Verdict is the validator output.
type Verdict struct {
	Violation        ViolationKind
	OverrideRequired bool
	Detail           string
}

// OK reports whether no limit was breached.
func (v Verdict) OK() bool { return v.Violation == ViolationNone }

// Validate checks an instruction against the circuit-breaker limits.
// Pure and deterministic: safe to call concurrently for different views.
//
// The variance and percentage checks short-circuit on first failure; the
// override trigger is evaluated independently so a violation can still be
// routed to escalation rather than outright rejection.
func Validate(instr *instruction.Instruction, view View, cfg Config) Verdict {
	verdict := Verdict{OverrideRequired: overrideRequired(instr, view, cfg)}

	adjusted := view.Balance.Add(view.ProjectedInflows)
	variance := instr.Amount.Sub(adjusted)
	if variance.GreaterThan(cfg.MaxVariance) {
		verdict.Violation = ViolationVarianceExceeded
		verdict.Detail = "amount " + instr.Amount.String() +
			" exceeds inflow-adjusted balance " + adjusted.String() +
			" by more than max variance " + cfg.MaxVariance.String()
		return verdict
	}

	if view.Balance.IsPositive() {
		pct := instr.Amount.Div(view.Balance)
		if pct.GreaterThan(cfg.MaxPctPerTx) {
			verdict.Violation = ViolationPctCapExceeded
			verdict.Detail = "amount is " + pct.Round(4).String() +
				" of current balance, cap is " + cfg.MaxPctPerTx.String()
			return verdict
		}
	}

	return verdict
}

// overrideRequired reports whether utilization crosses the trigger fraction
// of either hard limit: the single amount against max variance, or the
// amount plus everything already queued against the percentage cap.
func overrideRequired(instr *instruction.Instruction, view View, cfg Config) bool {
	varianceTrigger := cfg.MaxVariance.Mul(cfg.OverrideTriggerFraction)
	if instr.Amount.GreaterThanOrEqual(varianceTrigger) {
		return true
	}

	if view.Balance.IsPositive() {
		pctTrigger := cfg.MaxPctPerTx.Mul(cfg.OverrideTriggerFraction)
		if instr.Amount.Div(view.Balance).GreaterThanOrEqual(pctTrigger) {
			return true
		}
		cumulative := instr.Amount.Add(view.QueuedTotal)
		if cumulative.Div(view.Balance).GreaterThanOrEqual(pctTrigger) {
			return true
		}
	}

	return false
}
