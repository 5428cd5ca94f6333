package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/auth"
	"github.com/terminal-bench/liquiflow/internal/config"
	"github.com/terminal-bench/liquiflow/internal/dedup"
	"github.com/terminal-bench/liquiflow/internal/engine"
	"github.com/terminal-bench/liquiflow/internal/events"
	"github.com/terminal-bench/liquiflow/internal/gateway"
	"github.com/terminal-bench/liquiflow/internal/guardrail"
	"github.com/terminal-bench/liquiflow/internal/instruction"
	"github.com/terminal-bench/liquiflow/internal/ledger"
	"github.com/terminal-bench/liquiflow/internal/metrics"
	"github.com/terminal-bench/liquiflow/internal/oracle"
	"github.com/terminal-bench/liquiflow/internal/store"
	"github.com/terminal-bench/liquiflow/pkg/messaging"
)

// counterparty accounts seeded on a fresh ledger so scenarios and manual
// testing have someone to pay.
var seedCounterparties = []string{"BANK-BETA", "BANK-GAMMA", "SOVEREIGN-TREASURY"}

func main() {
	cfg := config.Load()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	guardrails, err := config.LoadGuardrails(ctx, cfg.EtcdURL)
	if err != nil {
		log.Printf("Guardrail limits unavailable, using defaults: %v", err)
	}

	// Optional persistence
	var snapshots *store.Store
	if cfg.DatabaseURL != "" {
		snapshots, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open snapshot store: %v", err)
		}
		defer snapshots.Close()
		if err := snapshots.Migrate(ctx); err != nil {
			log.Fatalf("Failed to migrate snapshot store: %v", err)
		}
	}

	book, recorder, eng := buildEngine(ctx, cfg, guardrails, snapshots)

	// Optional event stream
	if cfg.NATSUrl != "" {
		msgClient, err := messaging.NewClient(messaging.Config{
			URL:            cfg.NATSUrl,
			Name:           "liquiflow-engine",
			ReconnectWait:  time.Second,
			MaxReconnects:  60,
			ConnectTimeout: 10 * time.Second,
		})
		if err != nil {
			log.Fatalf("Failed to connect to NATS: %v", err)
		}
		defer msgClient.Close()
		eng.AddSink(events.NewPublisher(msgClient))
	}

	// Optional metrics
	if recorderSink := metrics.NewRecorder(cfg.InfluxURL, cfg.InfluxToken, cfg.InfluxOrg, cfg.InfluxBucket); recorderSink != nil {
		defer recorderSink.Close()
		eng.AddSink(recorderSink)
	}

	// Idempotency guard
	var guard dedup.Guard = dedup.NewMemoryGuard()
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		guard = dedup.NewRedisGuard(rdb, cfg.DedupTTL)
	}

	authSvc := auth.NewService(cfg.JWTSecret)
	gw := gateway.NewGateway(gateway.Config{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, eng, authSvc, guard)
	eng.AddSink(gw)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("Engine starting on port %s, managing book %s", cfg.Port, book.Account())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	if snapshots != nil {
		g.Go(func() error {
			return snapshotLoop(gctx, cfg.SnapshotEvery, snapshots, eng, recorder)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down engine...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}

		if snapshots != nil {
			if err := saveSnapshot(shutdownCtx, snapshots, eng, recorder); err != nil {
				log.Printf("Final snapshot failed: %v", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Engine exited with error: %v", err)
	}
	log.Println("Engine stopped")
}

// buildEngine restores a persisted snapshot when one exists, otherwise
// seeds a fresh ledger with the opening balance.
func buildEngine(ctx context.Context, cfg *config.Config, guardrails guardrail.Config, snapshots *store.Store) (*engine.Book, *audit.Recorder, *engine.Engine) {
	ldg := ledger.New()
	recorder := audit.NewRecorder()

	var queued map[string][]*instruction.Instruction
	restored := false

	if snapshots != nil {
		snap, err := snapshots.Load(ctx)
		if err != nil {
			log.Fatalf("Failed to load snapshot: %v", err)
		}
		if len(snap.Accounts) > 0 {
			if err := ldg.Restore(snap.Accounts); err != nil {
				log.Fatalf("Failed to restore ledger: %v", err)
			}
			if err := recorder.Restore(snap.Chain); err != nil {
				log.Fatalf("Failed to restore decision chain: %v", err)
			}
			queued = snap.Queues
			restored = true
			log.Printf("Restored snapshot: %d accounts, %d chain entries", len(snap.Accounts), len(snap.Chain))
		}
	}

	if !restored {
		if err := ldg.CreateAccount(cfg.Account); err != nil {
			log.Fatalf("Failed to create book account: %v", err)
		}
		for _, id := range seedCounterparties {
			if err := ldg.CreateAccount(id); err != nil {
				log.Fatalf("Failed to create account %s: %v", id, err)
			}
		}
		if cfg.OpeningBalance.IsPositive() {
			if _, err := ldg.Mint(cfg.Account, cfg.OpeningBalance, time.Now()); err != nil {
				log.Fatalf("Failed to mint opening balance: %v", err)
			}
		}
	}

	opts := []engine.Option{}
	if cfg.OracleURL != "" {
		opts = append(opts, engine.WithOracle(oracle.NewHTTPOracle(cfg.OracleURL, 2*time.Second)))
	}
	eng := engine.New(ldg, recorder, opts...)

	book, err := eng.AddBook(cfg.Account, engine.BookConfig{
		Guardrails:          guardrails,
		BufferFloorFraction: cfg.BufferFloorFraction,
		ReferenceBalance:    cfg.ReferenceBalance,
	})
	if err != nil {
		log.Fatalf("Failed to add book: %v", err)
	}

	if restored {
		if err := book.RestoreQueue(queued[cfg.Account]); err != nil {
			log.Fatalf("Failed to restore queue: %v", err)
		}
	}
	return book, recorder, eng
}

func snapshotLoop(ctx context.Context, every time.Duration, snapshots *store.Store, eng *engine.Engine, recorder *audit.Recorder) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := saveSnapshot(ctx, snapshots, eng, recorder); err != nil {
				log.Printf("Snapshot failed: %v", err)
			}
		}
	}
}

func saveSnapshot(ctx context.Context, snapshots *store.Store, eng *engine.Engine, recorder *audit.Recorder) error {
	queues := make(map[string][]*instruction.Instruction)
	for _, account := range eng.Books() {
		if book, ok := eng.Book(account); ok {
			queues[account] = book.PendingInstructions()
		}
	}
	return snapshots.Save(ctx, &store.Snapshot{
		Accounts: eng.Ledger().Snapshot(),
		Queues:   queues,
		Chain:    recorder.Entries(),
	})
}
