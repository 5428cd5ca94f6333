package gateway

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/auth"
	"github.com/terminal-bench/liquiflow/internal/dedup"
	"github.com/terminal-bench/liquiflow/internal/engine"
	"github.com/terminal-bench/liquiflow/internal/guardrail"
	"github.com/terminal-bench/liquiflow/internal/ledger"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	gw    *Gateway
	token string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	l := ledger.New()
	require.NoError(t, l.CreateAccount("BANK-ALPHA"))
	require.NoError(t, l.CreateAccount("BANK-BETA"))
	_, err := l.Mint("BANK-ALPHA", decimal.NewFromInt(1_000_000_000), time.Now())
	require.NoError(t, err)

	eng := engine.New(l, audit.NewRecorder())
	_, err = eng.AddBook("BANK-ALPHA", engine.BookConfig{
		Guardrails:          guardrail.DefaultConfig(),
		BufferFloorFraction: decimal.NewFromFloat(0.1),
		ReferenceBalance:    decimal.NewFromInt(1_000_000_000),
	})
	require.NoError(t, err)

	authSvc := auth.NewService("test-secret")
	token, err := authSvc.IssueToken("ops-test", []string{auth.PermAdmin}, time.Hour)
	require.NoError(t, err)

	gw := NewGateway(Config{
		RateLimitMax:    1000,
		RateLimitWindow: time.Minute,
	}, eng, authSvc, dedup.NewMemoryGuard())
	eng.AddSink(gw)

	return &fixture{gw: gw, token: token}
}

func (f *fixture) request(t *testing.T, method, path string, body interface{}, authorized bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authorized {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}

	w := httptest.NewRecorder()
	f.gw.Router().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.request(t, http.MethodGet, "/health", nil, false)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuth(t *testing.T) {
	f := newFixture(t)

	t.Run("should refuse requests without a token", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/books", nil, false)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should refuse a forged token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/books", nil)
		req.Header.Set("Authorization", "Bearer forged")
		w := httptest.NewRecorder()
		f.gw.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("should refuse mutations without the matching permission", func(t *testing.T) {
		authSvc := auth.NewService("test-secret")
		readOnly, err := authSvc.IssueToken("ops-ro", nil, time.Hour)
		require.NoError(t, err)

		body, _ := json.Marshal(SubmitInstructionRequest{
			ID: "PAY-RO", Amount: "10", From: "BANK-ALPHA", To: "BANK-BETA",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/instructions", bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+readOnly)
		w := httptest.NewRecorder()
		f.gw.Router().ServeHTTP(w, req)
		assert.Equal(t, http.StatusForbidden, w.Code)
	})
}

func TestSubmitInstruction(t *testing.T) {
	t.Run("should settle a well-formed instruction", func(t *testing.T) {
		f := newFixture(t)
		w := f.request(t, http.MethodPost, "/api/v1/instructions", SubmitInstructionRequest{
			ID:       "PAY-001",
			Amount:   "10000",
			Priority: "NORMAL",
			From:     "BANK-ALPHA",
			To:       "BANK-BETA",
		}, true)

		require.Equal(t, http.StatusCreated, w.Code)

		var dec map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &dec))
		assert.Equal(t, "SETTLE", dec["kind"])
		assert.NotEmpty(t, dec["proof_hash"])
	})

	t.Run("should refuse a replayed instruction id", func(t *testing.T) {
		f := newFixture(t)
		req := SubmitInstructionRequest{
			ID: "PAY-001", Amount: "100", From: "BANK-ALPHA", To: "BANK-BETA",
		}
		w := f.request(t, http.MethodPost, "/api/v1/instructions", req, true)
		require.Equal(t, http.StatusCreated, w.Code)

		w = f.request(t, http.MethodPost, "/api/v1/instructions", req, true)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("should reject malformed amounts", func(t *testing.T) {
		f := newFixture(t)
		w := f.request(t, http.MethodPost, "/api/v1/instructions", SubmitInstructionRequest{
			ID: "PAY-BAD", Amount: "not-a-number", From: "BANK-ALPHA", To: "BANK-BETA",
		}, true)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("should map unknown accounts to 404", func(t *testing.T) {
		f := newFixture(t)
		w := f.request(t, http.MethodPost, "/api/v1/instructions", SubmitInstructionRequest{
			ID: "PAY-GHOST", Amount: "100", From: "BANK-GHOST", To: "BANK-BETA",
		}, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestMintAndState(t *testing.T) {
	f := newFixture(t)

	t.Run("should credit an inflow", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/inflows", MintInflowRequest{
			Account: "BANK-ALPHA", Amount: "5000",
		}, true)
		require.Equal(t, http.StatusCreated, w.Code)

		var resp map[string]string
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.NotEmpty(t, resp["token_id"])
	})

	t.Run("should expose book state", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/books/BANK-ALPHA", nil, true)
		require.Equal(t, http.StatusOK, w.Code)

		var state map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &state))
		assert.Equal(t, "BANK-ALPHA", state["account"])
	})

	t.Run("should 404 an unmanaged account", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/books/BANK-GHOST", nil, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestAuditEndpoints(t *testing.T) {
	f := newFixture(t)

	w := f.request(t, http.MethodPost, "/api/v1/instructions", SubmitInstructionRequest{
		ID: "PAY-001", Amount: "100", From: "BANK-ALPHA", To: "BANK-BETA",
	}, true)
	require.Equal(t, http.StatusCreated, w.Code)

	t.Run("should verify the proof chain", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/audit/verify", nil, true)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, true, resp["valid"])
		assert.Equal(t, float64(1), resp["length"])
	})

	t.Run("should list decisions", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/decisions?limit=10", nil, true)
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Entries []audit.Entry `json:"entries"`
		}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		require.Len(t, resp.Entries, 1)
		assert.Equal(t, "PAY-001", resp.Entries[0].Decision.InstructionID)
	})

	t.Run("should list settlements", func(t *testing.T) {
		w := f.request(t, http.MethodGet, "/api/v1/settlements", nil, true)
		assert.Equal(t, http.StatusOK, w.Code)
	})
}

func TestRunScenario(t *testing.T) {
	f := newFixture(t)

	t.Run("should run the happy path scenario", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/scenarios/happy-path", RunScenarioRequest{
			From:           "BANK-ALPHA",
			Counterparties: []string{"BANK-BETA"},
		}, true)
		require.Equal(t, http.StatusOK, w.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "happy-path", resp["scenario"])
	})

	t.Run("should refuse a scenario whose opening balance diverges from the book", func(t *testing.T) {
		// A fresh book holds 1e9; the liquidity shock assumes 100M, so
		// running it live would not play out as described.
		f := newFixture(t)
		w := f.request(t, http.MethodPost, "/api/v1/scenarios/liquidity-shock", RunScenarioRequest{
			From:           "BANK-ALPHA",
			Counterparties: []string{"BANK-BETA"},
		}, true)
		require.Equal(t, http.StatusConflict, w.Code)

		var resp map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.Equal(t, "100000000", resp["opening_balance"])
		assert.Equal(t, "1000000000", resp["current_balance"])
	})

	t.Run("should 404 an unknown scenario", func(t *testing.T) {
		w := f.request(t, http.MethodPost, "/api/v1/scenarios/meteor-strike", RunScenarioRequest{
			From:           "BANK-ALPHA",
			Counterparties: []string{"BANK-BETA"},
		}, true)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRateLimiter(t *testing.T) {
	t.Run("should cut off a client over the limit", func(t *testing.T) {
		rl := &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    3,
			window:   time.Minute,
		}

		for i := 0; i < 3; i++ {
			assert.True(t, rl.Allow("10.0.0.1"))
		}
		assert.False(t, rl.Allow("10.0.0.1"))
		assert.True(t, rl.Allow("10.0.0.2"))
	})
}
