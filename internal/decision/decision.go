package decision

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind is the triage outcome for one instruction.
type Kind string

const (
	KindSettle   Kind = "SETTLE"
	KindQueue    Kind = "QUEUE"
	KindReject   Kind = "REJECT"
	KindEscalate Kind = "ESCALATE"
)

// Category is the justification bucket attached to a decision.
type Category string

const (
	CategorySovereignUrgentSettlement Category = "SOVEREIGN_URGENT_SETTLEMENT"
	CategoryStandardSettlement        Category = "STANDARD_SETTLEMENT"
	CategoryLiquidityRetrigger        Category = "LIQUIDITY_RETRIGGER"
	CategoryDefensiveQueuing          Category = "DEFENSIVE_QUEUING"
	CategoryInsufficientLiquidity     Category = "INSUFFICIENT_LIQUIDITY"
	CategoryGuardrailBreach           Category = "GUARDRAIL_BREACH"
	CategoryHumanOverrideRequired     Category = "HUMAN_OVERRIDE_REQUIRED"
)

// RiskAssessment is the qualitative risk label on a decision.
type RiskAssessment string

const (
	RiskLow      RiskAssessment = "LOW"
	RiskModerate RiskAssessment = "MODERATE"
	RiskHigh     RiskAssessment = "HIGH"
)

// Decision is the immutable output of the engine for one instruction.
// ProofHash is filled in by the audit recorder and binds the decision to
// its inputs and to the previous record in the chain.
type Decision struct {
	InstructionID   string           `json:"instruction_id"`
	Kind            Kind             `json:"kind"`
	Category        Category         `json:"category"`
	ReasoningSteps  []string         `json:"reasoning_steps"`
	Risk            RiskAssessment   `json:"risk"`
	RiskScore       float64          `json:"risk_score"`
	LiquidityBefore decimal.Decimal  `json:"liquidity_before"`
	LiquidityAfter  decimal.Decimal  `json:"liquidity_after"`
	OpportunityCost *decimal.Decimal `json:"opportunity_cost,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
	ProofHash       string           `json:"proof_hash,omitempty"`
}
