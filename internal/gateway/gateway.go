package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/terminal-bench/liquiflow/internal/audit"
	"github.com/terminal-bench/liquiflow/internal/auth"
	"github.com/terminal-bench/liquiflow/internal/decision"
	"github.com/terminal-bench/liquiflow/internal/dedup"
	"github.com/terminal-bench/liquiflow/internal/engine"
	"github.com/terminal-bench/liquiflow/internal/instruction"
	"github.com/terminal-bench/liquiflow/internal/ledger"
	"github.com/terminal-bench/liquiflow/internal/scenario"
	"github.com/terminal-bench/liquiflow/pkg/messaging"
)

// Gateway is the HTTP front door: instruction intake, book inspection,
// audit verification and a websocket decision stream.
type Gateway struct {
	router *gin.Engine
	eng    *engine.Engine
	auth   *auth.Service
	guard  dedup.Guard

	wsClients map[uuid.UUID]*WSClient
	wsMu      sync.RWMutex

	rateLimiter *RateLimiter
	now         func() time.Time
}

// WSClient is one connected decision-stream subscriber.
type WSClient struct {
	ID   uuid.UUID
	Conn *websocket.Conn
	Send chan []byte
	Done chan struct{}
}

// RateLimiter implements a sliding-window per-client limit.
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// Config holds gateway configuration.
type Config struct {
	RateLimitMax    int
	RateLimitWindow time.Duration
}

// NewGateway wires the API over an engine. The returned gateway is also an
// engine event sink; register it with engine.WithSink to feed the
// websocket stream.
func NewGateway(cfg Config, eng *engine.Engine, authSvc *auth.Service, guard dedup.Guard) *Gateway {
	if guard == nil {
		guard = dedup.NewMemoryGuard()
	}
	g := &Gateway{
		router:    gin.Default(),
		eng:       eng,
		auth:      authSvc,
		guard:     guard,
		wsClients: make(map[uuid.UUID]*WSClient),
		rateLimiter: &RateLimiter{
			requests: make(map[string][]time.Time),
			limit:    cfg.RateLimitMax,
			window:   cfg.RateLimitWindow,
		},
		now: time.Now,
	}

	g.setupRoutes()
	return g
}

func (g *Gateway) setupRoutes() {
	g.router.Use(g.rateLimitMiddleware())
	g.router.Use(g.tracingMiddleware())

	g.router.GET("/health", g.healthCheck)

	v1 := g.router.Group("/api/v1")
	{
		// Instruction intake
		v1.POST("/instructions", g.authMiddleware(auth.PermSubmit), g.submitInstruction)

		// External inflows
		v1.POST("/inflows", g.authMiddleware(auth.PermMint), g.mintInflow)

		// Books
		v1.GET("/books", g.authMiddleware(""), g.listBooks)
		v1.GET("/books/:account", g.authMiddleware(""), g.getBook)
		v1.GET("/books/:account/queue", g.authMiddleware(""), g.getQueue)
		v1.PUT("/books/:account/projections", g.authMiddleware(auth.PermAdmin), g.setProjection)

		// Audit chain
		v1.GET("/decisions", g.authMiddleware(""), g.listDecisions)
		v1.GET("/audit/verify", g.authMiddleware(""), g.verifyChain)
		v1.GET("/settlements", g.authMiddleware(""), g.listSettlements)

		// Stress scenarios
		v1.POST("/scenarios/:name", g.authMiddleware(auth.PermAdmin), g.runScenario)

		// WebSocket decision stream
		v1.GET("/ws", g.authMiddleware(""), g.handleWebSocket)
	}
}

// Router exposes the underlying handler for an http.Server.
func (g *Gateway) Router() http.Handler {
	return g.router
}

// Start runs the gateway on addr.
func (g *Gateway) Start(addr string) error {
	return g.router.Run(addr)
}

// Middleware

func (g *Gateway) authMiddleware(perm string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.GetHeader("Authorization")
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing authorization"})
			return
		}

		claims, err := g.auth.VerifyToken(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if perm != "" && !claims.HasPermission(perm) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "insufficient permissions"})
			return
		}

		c.Set("operator", claims.Operator)
		c.Next()
	}
}

func (g *Gateway) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !g.rateLimiter.Allow(ip) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (g *Gateway) tracingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		correlationID := c.GetHeader("X-Correlation-ID")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}

		c.Set("correlation_id", correlationID)
		c.Header("X-Correlation-ID", correlationID)
		c.Next()
	}
}

// Handlers

func (g *Gateway) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

// SubmitInstructionRequest is the intake payload. Amounts are decimal
// strings.
type SubmitInstructionRequest struct {
	ID          string    `json:"id" binding:"required"`
	MsgType     string    `json:"msg_type"`
	Amount      string    `json:"amount" binding:"required"`
	Currency    string    `json:"currency"`
	Priority    string    `json:"priority"`
	Sovereign   bool      `json:"sovereign"`
	From        string    `json:"from" binding:"required"`
	To          string    `json:"to" binding:"required"`
	SubmittedAt time.Time `json:"submitted_at"`
}

func (g *Gateway) submitInstruction(c *gin.Context) {
	var req SubmitInstructionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed amount"})
		return
	}
	priority, err := instruction.ParsePriority(req.Priority)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	submittedAt := req.SubmittedAt
	if submittedAt.IsZero() {
		submittedAt = g.now()
	}

	instr, err := instruction.New(req.ID, instruction.MessageType(req.MsgType),
		amount, req.Currency, priority, req.Sovereign, req.From, req.To, submittedAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Idempotency: replays of an already-claimed id are refused before
	// they reach the engine.
	claimed, err := g.guard.Claim(c.Request.Context(), instr.ID)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "idempotency check unavailable"})
		return
	}
	if !claimed {
		c.JSON(http.StatusConflict, gin.H{"error": "instruction already submitted"})
		return
	}

	dec, err := g.eng.Submit(c.Request.Context(), instr)
	if err != nil {
		g.writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, dec)
}

// MintInflowRequest credits an external inflow.
type MintInflowRequest struct {
	Account string `json:"account" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

func (g *Gateway) mintInflow(c *gin.Context) {
	var req MintInflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed amount"})
		return
	}

	tokenID, err := g.eng.Mint(req.Account, amount, g.now())
	if err != nil {
		g.writeEngineError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"token_id": tokenID})
}

func (g *Gateway) listBooks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"books": g.eng.Books()})
}

func (g *Gateway) getBook(c *gin.Context) {
	book, ok := g.eng.Book(c.Param("account"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book manages this account"})
		return
	}
	c.JSON(http.StatusOK, book.State())
}

func (g *Gateway) getQueue(c *gin.Context) {
	book, ok := g.eng.Book(c.Param("account"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book manages this account"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pending": book.PendingInstructions()})
}

// SetProjectionRequest records an expected inflow for a time bucket. An
// amount of zero clears the bucket.
type SetProjectionRequest struct {
	Bucket string `json:"bucket" binding:"required"`
	Amount string `json:"amount" binding:"required"`
}

func (g *Gateway) setProjection(c *gin.Context) {
	book, ok := g.eng.Book(c.Param("account"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no book manages this account"})
		return
	}

	var req SetProjectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil || amount.IsNegative() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed amount"})
		return
	}

	book.SetProjection(req.Bucket, amount)
	c.JSON(http.StatusOK, gin.H{"bucket": req.Bucket, "amount": amount.String()})
}

func (g *Gateway) listDecisions(c *gin.Context) {
	n := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		n = parsed
	}
	c.JSON(http.StatusOK, gin.H{"entries": g.eng.Recorder().Tail(n)})
}

func (g *Gateway) verifyChain(c *gin.Context) {
	rec := g.eng.Recorder()
	if err := rec.Verify(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"valid": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"valid":     true,
		"length":    rec.Len(),
		"last_hash": rec.LastHash(),
	})
}

func (g *Gateway) listSettlements(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"settlements": g.eng.Ledger().Settlements()})
}

// RunScenarioRequest selects counterparties for a named stress scenario.
// All named accounts must already exist on the ledger.
type RunScenarioRequest struct {
	From           string   `json:"from" binding:"required"`
	Counterparties []string `json:"counterparties" binding:"required"`
}

func (g *Gateway) runScenario(c *gin.Context) {
	var req RunScenarioRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	sc, ok := scenario.ByName(c.Param("name"), req.From, req.Counterparties, g.now())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown scenario"})
		return
	}

	// Scenarios run against live ledger state, not a sandbox. The batch
	// only plays out as described when the debtor starts at the scenario's
	// opening balance, so a diverging book refuses the run instead of
	// producing misleading decisions.
	balance, err := g.eng.Ledger().Balance(req.From)
	if err != nil {
		g.writeEngineError(c, err)
		return
	}
	if !balance.Equal(sc.OpeningBalance) {
		c.JSON(http.StatusConflict, gin.H{
			"error":           "book balance does not match the scenario opening balance",
			"opening_balance": sc.OpeningBalance.String(),
			"current_balance": balance.String(),
		})
		return
	}

	decisions := make([]*decision.Decision, 0, len(sc.Instructions))
	for _, instr := range sc.Instructions {
		dec, err := g.eng.Submit(c.Request.Context(), instr)
		if err != nil {
			g.writeEngineError(c, err)
			return
		}
		decisions = append(decisions, dec)
	}
	for _, inflow := range sc.Inflows {
		if _, err := g.eng.Mint(inflow.Account, inflow.Amount, g.now()); err != nil {
			g.writeEngineError(c, err)
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"scenario":    sc.Name,
		"description": sc.Description,
		"decisions":   decisions,
	})
}

func (g *Gateway) writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, instruction.ErrMalformed):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrUnknownBook), errors.Is(err, ledger.ErrUnknownAccount):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrAlreadyQueued):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrBookHalted):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrNegativeAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

// WebSocket handling

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (g *Gateway) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	client := &WSClient{
		ID:   uuid.New(),
		Conn: conn,
		Send: make(chan []byte, 64),
		Done: make(chan struct{}),
	}

	g.wsMu.Lock()
	g.wsClients[client.ID] = client
	g.wsMu.Unlock()

	go g.wsReadPump(client)
	go g.wsWritePump(client)
}

func (g *Gateway) wsReadPump(client *WSClient) {
	defer func() {
		g.wsMu.Lock()
		delete(g.wsClients, client.ID)
		g.wsMu.Unlock()
		close(client.Done)
		client.Conn.Close()
	}()

	// The decision stream is one way; reads only detect disconnects.
	for {
		if _, _, err := client.Conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) wsWritePump(client *WSClient) {
	for {
		select {
		case message := <-client.Send:
			if err := client.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-client.Done:
			return
		}
	}
}

func (g *Gateway) broadcast(message []byte) {
	g.wsMu.RLock()
	defer g.wsMu.RUnlock()

	for _, client := range g.wsClients {
		select {
		case client.Send <- message:
		default:
			// Slow subscribers drop messages rather than stall the engine.
		}
	}
}

// Event sink: live decision stream for websocket subscribers.

// DecisionRecorded broadcasts the decision to connected subscribers.
func (g *Gateway) DecisionRecorded(book string, d decision.Decision, proof audit.ProofOfIntent) {
	payload, err := json.Marshal(messaging.DecisionEvent{
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
	if err != nil {
		return
	}
	g.broadcast(payload)
}

// SettlementApplied is part of the sink interface; the stream carries
// decisions only.
func (g *Gateway) SettlementApplied(string, ledger.SettlementRecord) {}

// OverrideRequested is part of the sink interface; escalations already
// appear as ESCALATE decisions on the stream.
func (g *Gateway) OverrideRequested(string, decision.Decision) {}

// Allow checks if a request is allowed under the sliding window.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-rl.window)

	requests := rl.requests[key]
	valid := make([]time.Time, 0, len(requests))
	for _, t := range requests {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}

	if len(valid) >= rl.limit {
		rl.requests[key] = valid
		return false
	}

	rl.requests[key] = append(valid, now)
	return true
}
