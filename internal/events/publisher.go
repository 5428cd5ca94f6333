package events

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/decision"
	"github.com/terminal-bench/liquiflow/internal/ledger"
	"github.com/terminal-bench/liquiflow/pkg/messaging"
)

// Publisher bridges the engine's event sink onto the NATS stream consumed
// by reporting and the audit follower. Publish failures are logged and
// dropped; the stream is an external collaborator, not a correctness
// dependency.
type Publisher struct {
	client  *messaging.Client
	timeout time.Duration
}

// NewPublisher wraps a messaging client. A nil client yields a no-op
// publisher.
func NewPublisher(client *messaging.Client) *Publisher {
	return &Publisher{client: client, timeout: 2 * time.Second}
}

func (p *Publisher) publish(subject string, payload interface{}) {
	if p == nil || p.client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()
	if err := p.client.Publish(ctx, subject, payload); err != nil {
		log.Printf("event publish to %s failed: %v", subject, err)
	}
}

// DecisionRecorded publishes a decision event.
func (p *Publisher) DecisionRecorded(book string, d decision.Decision, proof audit.ProofOfIntent) {
	p.publish(messaging.EventTypeDecisionRecorded, messaging.DecisionEvent{
		Book:            book,
		InstructionID:   d.InstructionID,
		Kind:            string(d.Kind),
		Category:        string(d.Category),
		Risk:            string(d.Risk),
		RiskScore:       d.RiskScore,
		LiquidityBefore: d.LiquidityBefore.String(),
		LiquidityAfter:  d.LiquidityAfter.String(),
		ProofHash:       proof.Hash,
		PrevHash:        proof.PrevHash,
		Timestamp:       d.Timestamp,
	})

	if d.Risk == decision.RiskHigh {
		p.publish(messaging.EventTypeRiskAlert, messaging.RiskAlertEvent{
			AlertID:   uuid.New(),
			Book:      book,
			Type:      "liquidity_risk",
			Severity:  "high",
			Message:   "book risk assessment is HIGH after decision for " + d.InstructionID,
			Timestamp: d.Timestamp,
		})
	}
}

// SettlementApplied publishes a settlement event.
func (p *Publisher) SettlementApplied(book string, rec ledger.SettlementRecord) {
	subject := messaging.EventTypeSettlementApplied
	if rec.Outcome == ledger.OutcomeRolledBack {
		subject = messaging.EventTypeSettlementRolledBack
	}
	p.publish(subject, messaging.SettlementEvent{
		SettlementID: rec.ID,
		Book:         book,
		From:         rec.From,
		To:           rec.To,
		Amount:       rec.Amount.String(),
		Outcome:      string(rec.Outcome),
		Timestamp:    rec.Timestamp,
	})
}

// OverrideRequested publishes an escalation alert for the human-in-the-loop
// collaborator.
func (p *Publisher) OverrideRequested(book string, d decision.Decision) {
	p.publish(messaging.EventTypeOverrideRequested, messaging.RiskAlertEvent{
		AlertID:   uuid.New(),
		Book:      book,
		Type:      "human_override",
		Severity:  "critical",
		Message:   "instruction " + d.InstructionID + " requires human override",
		Timestamp: d.Timestamp,
	})
}
