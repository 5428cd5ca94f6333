package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeDecisionRecorded  = "liquidity.decision.recorded"
	EventTypeOverrideRequested = "liquidity.override.requested"
	EventTypeInflowMinted      = "liquidity.inflow.minted"

	EventTypeSettlementApplied    = "ledger.settlement.applied"
	EventTypeSettlementRolledBack = "ledger.settlement.rolled_back"

	EventTypeRiskAlert = "risk.alert"
)

// DecisionEvent is published for every recorded decision. Amount fields
// are decimal strings; the event stream never carries floats for money.
type DecisionEvent struct {
	Book            string    `json:"book"`
	InstructionID   string    `json:"instruction_id"`
	Kind            string    `json:"kind"`
	Category        string    `json:"category"`
	Risk            string    `json:"risk"`
	RiskScore       float64   `json:"risk_score"`
	LiquidityBefore string    `json:"liquidity_before"`
	LiquidityAfter  string    `json:"liquidity_after"`
	ProofHash       string    `json:"proof_hash"`
	PrevHash        string    `json:"prev_hash"`
	Timestamp       time.Time `json:"timestamp"`
}

// SettlementEvent is published for every applied atomic settlement.
type SettlementEvent struct {
	SettlementID uuid.UUID `json:"settlement_id"`
	Book         string    `json:"book"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	Outcome      string    `json:"outcome"`
	Timestamp    time.Time `json:"timestamp"`
}

// InflowEvent is published when an external inflow is minted.
type InflowEvent struct {
	Account   string    `json:"account"`
	TokenID   string    `json:"token_id"`
	Amount    string    `json:"amount"`
	Timestamp time.Time `json:"timestamp"`
}

// RiskAlertEvent is published when a book's risk assessment turns HIGH or
// a decision requires human override.
type RiskAlertEvent struct {
	AlertID   uuid.UUID `json:"alert_id"`
	Book      string    `json:"book"`
	Type      string    `json:"type"`
	Severity  string    `json:"severity"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}
