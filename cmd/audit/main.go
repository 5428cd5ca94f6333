package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/decision"
	"github.com/terminal-bench/liquiflow/pkg/messaging"
)

type Config struct {
	Port    string
	NATSUrl string
}

func loadConfig() *Config {
	return &Config{
		Port:    getEnv("PORT", "8001"),
		NATSUrl: getEnv("NATS_URL", "nats://localhost:4222"),
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// follower maintains an independent copy of the proof chain from the
// decision event stream. Every event's hash is recomputed from the event
// fields; a mismatch or a linkage gap is counted as a break.
type follower struct {
	mu       sync.Mutex
	length   int
	lastHash string
	breaks   []string
}

func newFollower() *follower {
	return &follower{}
}

func (f *follower) handle(msg *nats.Msg) {
	var ev messaging.DecisionEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		log.Printf("Malformed decision event: %v", err)
		return
	}

	before, err := decimal.NewFromString(ev.LiquidityBefore)
	if err != nil {
		log.Printf("Malformed liquidity_before in event for %s: %v", ev.InstructionID, err)
		return
	}
	after, err := decimal.NewFromString(ev.LiquidityAfter)
	if err != nil {
		log.Printf("Malformed liquidity_after in event for %s: %v", ev.InstructionID, err)
		return
	}

	d := decision.Decision{
		InstructionID:   ev.InstructionID,
		Kind:            decision.Kind(ev.Kind),
		LiquidityBefore: before,
		LiquidityAfter:  after,
		Timestamp:       ev.Timestamp,
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastHash != "" && ev.PrevHash != f.lastHash {
		f.breaks = append(f.breaks,
			"entry for "+ev.InstructionID+" links to "+ev.PrevHash+", expected "+f.lastHash)
	}
	if recomputed := audit.HashDecision(&d, ev.PrevHash); recomputed != ev.ProofHash {
		f.breaks = append(f.breaks, "hash mismatch for "+ev.InstructionID)
	}

	f.length++
	f.lastHash = ev.ProofHash
}

func (f *follower) status() map[string]interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	breaks := make([]string, len(f.breaks))
	copy(breaks, f.breaks)
	return map[string]interface{}{
		"length":    f.length,
		"last_hash": f.lastHash,
		"valid":     len(breaks) == 0,
		"breaks":    breaks,
	}
}

func main() {
	cfg := loadConfig()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "liquiflow-audit",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	f := newFollower()
	if err := msgClient.Subscribe(messaging.EventTypeDecisionRecorded, f.handle); err != nil {
		log.Fatalf("Failed to subscribe to decision stream: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(f.status())
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("Audit follower starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start audit follower: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down audit follower...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Audit follower shutdown error: %v", err)
	}

	log.Println("Audit follower stopped")
}
