package metrics

import (
	"context"
	"log"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/decision"
	"github.com/terminal-bench/liquiflow/internal/ledger"
	"github.com/terminal-bench/liquiflow/pkg/circuit"
)

// Recorder writes decision and liquidity measurements to InfluxDB. It is
// an optional collaborator: writes go through a circuit breaker and
// failures are logged, never surfaced to the engine.
type Recorder struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	breaker  *circuit.Breaker
}

// NewRecorder connects to InfluxDB. Returns nil when url is empty; a nil
// recorder is a no-op sink.
func NewRecorder(url, token, org, bucket string) *Recorder {
	if url == "" {
		return nil
	}
	client := influxdb2.NewClient(url, token)
	return &Recorder{
		client:   client,
		writeAPI: client.WriteAPIBlocking(org, bucket),
		breaker: circuit.NewBreaker(circuit.Config{
			Name:        "influx-metrics",
			MaxFailures: 5,
			Timeout:     time.Minute,
			HalfOpenMax: 2,
		}),
	}
}

// DecisionRecorded writes one decision measurement.
func (r *Recorder) DecisionRecorded(book string, d decision.Decision, _ audit.ProofOfIntent) {
	if r == nil {
		return
	}

	after, _ := d.LiquidityAfter.Float64()
	point := influxdb2.NewPoint("decision",
		map[string]string{
			"book":     book,
			"kind":     string(d.Kind),
			"category": string(d.Category),
			"risk":     string(d.Risk),
		},
		map[string]interface{}{
			"risk_score":      d.RiskScore,
			"liquidity_after": after,
		},
		d.Timestamp,
	)
	r.write(point)
}

// SettlementApplied writes one settlement measurement.
func (r *Recorder) SettlementApplied(book string, rec ledger.SettlementRecord) {
	if r == nil {
		return
	}

	amount, _ := rec.Amount.Float64()
	point := influxdb2.NewPoint("settlement",
		map[string]string{
			"book":    book,
			"outcome": string(rec.Outcome),
		},
		map[string]interface{}{
			"amount": amount,
		},
		rec.Timestamp,
	)
	r.write(point)
}

// OverrideRequested writes an escalation measurement.
func (r *Recorder) OverrideRequested(book string, d decision.Decision) {
	if r == nil {
		return
	}

	point := influxdb2.NewPoint("override",
		map[string]string{"book": book},
		map[string]interface{}{"risk_score": d.RiskScore},
		d.Timestamp,
	)
	r.write(point)
}

func (r *Recorder) write(point *write.Point) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := r.breaker.Execute(ctx, func() error {
		return r.writeAPI.WritePoint(ctx, point)
	})
	if err != nil && err != circuit.ErrCircuitOpen {
		log.Printf("metrics write failed: %v", err)
	}
}

// Close flushes and closes the client.
func (r *Recorder) Close() {
	if r == nil {
		return
	}
	r.client.Close()
}
