package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/terminal-bench/liquiflow/internal/instruction"
	"github.com/terminal-bench/liquiflow/pkg/circuit"
)

// Annotation is the optional human-readable commentary supplied by an
// external reasoning service. It never influences the decision kind.
type Annotation struct {
	Steps     []string `json:"steps"`
	RiskLabel string   `json:"risk_label,omitempty"`
}

// Oracle supplies supplementary reasoning for a decision. Implementations
// must respect the context deadline; a call that does not return within
// the bounded window is a failure of the oracle only.
type Oracle interface {
	Annotate(ctx context.Context, instr *instruction.Instruction, balance string) (*Annotation, error)
}

// Noop is the oracle used when no reasoning service is configured.
type Noop struct{}

func (Noop) Annotate(context.Context, *instruction.Instruction, string) (*Annotation, error) {
	return &Annotation{}, nil
}

// HTTPOracle calls a reasoning service over HTTP with a bounded timeout
// and a circuit breaker, so a degraded service trips open instead of
// slowing every decision.
type HTTPOracle struct {
	url     string
	timeout time.Duration
	client  *http.Client
	breaker *circuit.Breaker
}

// NewHTTPOracle creates an oracle client against the given endpoint.
func NewHTTPOracle(url string, timeout time.Duration) *HTTPOracle {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HTTPOracle{
		url:     url,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "reasoning-oracle",
			MaxFailures: 3,
			Timeout:     30 * time.Second,
			HalfOpenMax: 2,
		}),
	}
}

type annotateRequest struct {
	InstructionID string `json:"instruction_id"`
	Amount        string `json:"amount"`
	Priority      string `json:"priority"`
	Sovereign     bool   `json:"sovereign"`
	Balance       string `json:"balance"`
}

// Annotate requests reasoning commentary for an instruction.
func (o *HTTPOracle) Annotate(ctx context.Context, instr *instruction.Instruction, balance string) (*Annotation, error) {
	var annotation *Annotation

	err := o.breaker.Execute(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.timeout)
		defer cancel()

		body, err := json.Marshal(annotateRequest{
			InstructionID: instr.ID,
			Amount:        instr.Amount.String(),
			Priority:      instr.Priority.String(),
			Sovereign:     instr.Sovereign,
			Balance:       balance,
		})
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(callCtx, http.MethodPost, o.url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := o.client.Do(req)
		if err != nil {
			return fmt.Errorf("oracle call failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("oracle returned status %d", resp.StatusCode)
		}

		var a Annotation
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return fmt.Errorf("failed to decode oracle response: %w", err)
		}
		annotation = &a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return annotation, nil
}
