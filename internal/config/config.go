package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/terminal-bench/liquiflow/internal/guardrail"
)

// Config is the process configuration, loaded from the environment with
// sensible local-dev defaults.
type Config struct {
	Port    string
	Account string

	JWTSecret string

	NATSUrl     string
	DatabaseURL string
	RedisAddr   string
	EtcdURL     string

	InfluxURL    string
	InfluxToken  string
	InfluxOrg    string
	InfluxBucket string

	OracleURL string

	BufferFloorFraction decimal.Decimal
	ReferenceBalance    decimal.Decimal
	OpeningBalance      decimal.Decimal

	DedupTTL        time.Duration
	SnapshotEvery   time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// Load reads the configuration from the environment.
func Load() *Config {
	return &Config{
		Port:    getEnv("PORT", "8000"),
		Account: getEnv("BOOK_ACCOUNT", "BANK-ALPHA"),

		JWTSecret: getEnv("JWT_SECRET", "dev-secret-change-me"),

		NATSUrl:     getEnv("NATS_URL", ""),
		DatabaseURL: getEnv("DATABASE_URL", ""),
		RedisAddr:   getEnv("REDIS_ADDR", ""),
		EtcdURL:     getEnv("ETCD_ENDPOINTS", ""),

		InfluxURL:    getEnv("INFLUX_URL", ""),
		InfluxToken:  getEnv("INFLUX_TOKEN", ""),
		InfluxOrg:    getEnv("INFLUX_ORG", "liquiflow"),
		InfluxBucket: getEnv("INFLUX_BUCKET", "decisions"),

		OracleURL: getEnv("ORACLE_URL", ""),

		BufferFloorFraction: getDecimal("BUFFER_FLOOR_FRACTION", "0.2"),
		ReferenceBalance:    getDecimal("REFERENCE_BALANCE", "1000000000"),
		OpeningBalance:      getDecimal("OPENING_BALANCE", "1000000000"),

		DedupTTL:        getDuration("DEDUP_TTL", 24*time.Hour),
		SnapshotEvery:   getDuration("SNAPSHOT_EVERY", 30*time.Second),
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		RateLimitMax:    getInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: time.Minute,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func getDecimal(key, defaultVal string) decimal.Decimal {
	val := os.Getenv(key)
	if val == "" {
		val = defaultVal
	}
	d, err := decimal.NewFromString(val)
	if err != nil {
		return decimal.RequireFromString(defaultVal)
	}
	return d
}

// guardrailLimits is the JSON document stored under the etcd key.
type guardrailLimits struct {
	MaxVariance             string `json:"max_variance"`
	MaxPctPerTx             string `json:"max_pct_per_tx"`
	OverrideTriggerFraction string `json:"override_trigger_fraction"`
}

const guardrailKey = "liquiflow/guardrails"

// LoadGuardrails fetches guardrail limits from etcd at startup. Limits are
// read once; the engine never hot-reloads them mid-run, so a replay against
// the same limits stays deterministic. Returns the defaults when no etcd
// endpoint is configured or the key is absent.
func LoadGuardrails(ctx context.Context, etcdURL string) (guardrail.Config, error) {
	cfg := guardrail.DefaultConfig()
	if etcdURL == "" {
		return cfg, nil
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{etcdURL},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return cfg, fmt.Errorf("failed to connect to etcd: %w", err)
	}
	defer cli.Close()

	getCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	resp, err := cli.Get(getCtx, guardrailKey)
	if err != nil {
		return cfg, fmt.Errorf("failed to read guardrail limits: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return cfg, nil
	}

	var limits guardrailLimits
	if err := json.Unmarshal(resp.Kvs[0].Value, &limits); err != nil {
		return cfg, fmt.Errorf("malformed guardrail limits: %w", err)
	}
	if limits.MaxVariance != "" {
		v, err := decimal.NewFromString(limits.MaxVariance)
		if err != nil {
			return cfg, fmt.Errorf("malformed max_variance: %w", err)
		}
		cfg.MaxVariance = v
	}
	if limits.MaxPctPerTx != "" {
		v, err := decimal.NewFromString(limits.MaxPctPerTx)
		if err != nil {
			return cfg, fmt.Errorf("malformed max_pct_per_tx: %w", err)
		}
		cfg.MaxPctPerTx = v
	}
	if limits.OverrideTriggerFraction != "" {
		v, err := decimal.NewFromString(limits.OverrideTriggerFraction)
		if err != nil {
			return cfg, fmt.Errorf("malformed override_trigger_fraction: %w", err)
		}
		cfg.OverrideTriggerFraction = v
	}
	return cfg, nil
}
