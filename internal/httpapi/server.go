package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/MarkoPoloResearchLab/credits/internal/cycle"
	"github.com/MarkoPoloResearchLab/credits/internal/metrics"
	"github.com/MarkoPoloResearchLab/credits/pkg/credits"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/tyemirov/tauth/pkg/sessionvalidator"
	"go.uber.org/zap"
)

const (
	claimsContextKey  = "auth_claims"
	sweepSecretHeader = "X-Sweep-Secret"
	defaultCounterUse = 1

	errorCodeAccountNotFound     = "AccountNotFound"
	errorCodeInsufficientCredits = "InsufficientCredits"
	errorCodeUnknownOperation    = "UnknownOperation"
	errorCodeCounterExhausted    = "CounterExhausted"
	errorCodeUnknownCounter      = "UnknownCounter"
	errorCodeInvalidPayload      = "InvalidPayload"
	errorCodeUnauthorized        = "Unauthorized"
	errorCodeStorageFailure      = "StorageFailure"
)

// Ledger is the subset of credits.Service the HTTP API calls.
type Ledger interface {
	CheckBalance(ctx context.Context, userID credits.UserID) (credits.Snapshot, error)
	Deduct(ctx context.Context, userID credits.UserID, operation credits.OperationName, contextJSON credits.ContextJSON) (credits.Credits, error)
	ConsumeCounter(ctx context.Context, userID credits.UserID, counter string, amount int64, contextJSON credits.ContextJSON) (int64, error)
	History(ctx context.Context, userID credits.UserID, before time.Time, limit int) ([]credits.AuditRecord, error)
	Costs() credits.CostTable
}

// SweepRunner runs one reset sweep.
type SweepRunner interface {
	RunResetSweep(ctx context.Context, now time.Time) cycle.SweepReport
}

// Dependencies are the collaborators behind the HTTP API. Metrics may be nil.
type Dependencies struct {
	Ledger  Ledger
	Sweeper SweepRunner
	Metrics *metrics.Metrics
	Logger  *zap.Logger
	Now     func() time.Time
}

// Server is the HTTP surface of the credit ledger.
type Server struct {
	cfg    Config
	logger *zap.Logger
	router *gin.Engine
}

// NewServer validates cfg and builds the router.
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Ledger == nil {
		return nil, fmt.Errorf("ledger dependency is nil")
	}
	if deps.Sweeper == nil {
		return nil, fmt.Errorf("sweeper dependency is nil")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	sessionValidator, err := sessionvalidator.New(sessionvalidator.Config{
		SigningKey: []byte(cfg.SessionSigningKey),
		Issuer:     cfg.SessionIssuer,
		CookieName: cfg.SessionCookieName,
	})
	if err != nil {
		return nil, fmt.Errorf("session validator: %w", err)
	}
	handler := &httpHandler{
		logger:  logger,
		ledger:  deps.Ledger,
		sweeper: deps.Sweeper,
		cfg:     cfg,
		now:     now,
	}
	return &Server{
		cfg:    cfg,
		logger: logger,
		router: setupRouter(cfg, handler, sessionValidator, deps.Metrics),
	}, nil
}

// Handler exposes the router, mostly for tests.
func (server *Server) Handler() http.Handler {
	return server.router
}

// Run serves until ctx ends, then shuts down gracefully.
func (server *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:              server.cfg.ListenAddr,
		Handler:           server.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		server.logger.Info("credits api listening", zap.String("addr", server.cfg.ListenAddr))
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			server.logger.Warn("server shutdown error", zap.Error(shutdownErr))
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func setupRouter(cfg Config, handler *httpHandler, validator *sessionvalidator.Validator, collectors *metrics.Metrics) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if collectors != nil {
		router.Use(collectors.GinMiddleware())
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Origin", "Accept"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	router.GET("/healthz", func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if collectors != nil {
		router.GET("/metrics", gin.WrapH(collectors.Handler()))
	}
	router.GET("/operations", handler.handleOperations)
	router.POST("/reset-sweep", handler.handleResetSweep)

	api := router.Group("/credits")
	api.Use(validator.GinMiddleware(claimsContextKey))
	api.GET("", handler.handleBalance)
	api.POST("/deduct", handler.handleDeduct)
	api.POST("/counters/consume", handler.handleConsumeCounter)
	api.GET("/history", handler.handleHistory)

	return router
}

type httpHandler struct {
	logger  *zap.Logger
	ledger  Ledger
	sweeper SweepRunner
	cfg     Config
	now     func() time.Time
}

func (handler *httpHandler) handleBalance(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	snapshot, err := handler.ledger.CheckBalance(requestCtx, userID)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	counters := snapshot.SecondaryCounters
	if counters == nil {
		counters = map[string]int64{}
	}
	ctx.JSON(http.StatusOK, balanceResponse{
		Balance:           snapshot.Balance.Int64(),
		Tier:              snapshot.Tier.String(),
		SecondaryCounters: counters,
		CycleAnchor:       snapshot.CycleAnchor.UTC(),
		NextReset:         snapshot.NextReset.UTC(),
	})
}

func (handler *httpHandler) handleDeduct(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request deductRequest
	if err := ctx.ShouldBindJSON(&request); err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
		return
	}
	operation, err := credits.NewOperationName(request.Operation)
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
		return
	}
	contextJSON, err := credits.NewContextJSON(string(request.Context))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	remaining, err := handler.ledger.Deduct(requestCtx, userID, operation, contextJSON)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"remaining": remaining.Int64()})
}

func (handler *httpHandler) handleConsumeCounter(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	var request consumeRequest
	if err := ctx.ShouldBindJSON(&request); err != nil || request.Counter == "" {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
		return
	}
	amount := int64(defaultCounterUse)
	if request.Amount != nil {
		amount = *request.Amount
	}
	contextJSON, err := credits.NewContextJSON(string(request.Context))
	if err != nil {
		ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
		return
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	remaining, err := handler.ledger.ConsumeCounter(requestCtx, userID, request.Counter, amount, contextJSON)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, gin.H{"remaining": remaining})
}

func (handler *httpHandler) handleHistory(ctx *gin.Context) {
	userID, ok := requireUser(ctx)
	if !ok {
		return
	}
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
			return
		}
		limit = parsed
	}
	var before time.Time
	if raw := ctx.Query("before"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			ctx.JSON(http.StatusBadRequest, errorResponse(errorCodeInvalidPayload))
			return
		}
		before = parsed
	}

	requestCtx, cancel := context.WithTimeout(ctx.Request.Context(), handler.cfg.RequestTimeout)
	defer cancel()

	records, err := handler.ledger.History(requestCtx, userID, before, limit)
	if err != nil {
		handler.respondError(ctx, err)
		return
	}
	entries := make([]historyEntry, 0, len(records))
	for _, record := range records {
		entries = append(entries, historyEntry{
			RecordID:     record.RecordID,
			Kind:         record.Kind.String(),
			Subject:      record.Subject,
			Amount:       record.Amount.Int64(),
			BalanceAfter: record.BalanceAfter.Int64(),
			Context:      json.RawMessage(record.Context.String()),
			CreatedAt:    record.CreatedAt.UTC(),
		})
	}
	ctx.JSON(http.StatusOK, gin.H{"entries": entries})
}

func (handler *httpHandler) handleOperations(ctx *gin.Context) {
	rows := handler.ledger.Costs().Operations()
	operations := make([]operationPayload, 0, len(rows))
	for _, row := range rows {
		operations = append(operations, operationPayload{Name: row.Name.String(), Cost: row.Cost.Int64()})
	}
	ctx.JSON(http.StatusOK, gin.H{"operations": operations})
}

func (handler *httpHandler) handleResetSweep(ctx *gin.Context) {
	if !handler.sweepAuthorized(ctx.GetHeader(sweepSecretHeader)) {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized))
		return
	}
	report := handler.sweeper.RunResetSweep(ctx.Request.Context(), handler.now().UTC())
	failures := make([]sweepFailure, 0, len(report.Errors))
	for _, accountErr := range report.Errors {
		failures = append(failures, sweepFailure{UserID: accountErr.UserID.String(), Error: accountErr.Err.Error()})
	}
	ctx.JSON(http.StatusOK, sweepResponse{
		AccountsReset:   report.AccountsReset,
		AccountsChecked: report.AccountsChecked,
		Errors:          failures,
	})
}

func (handler *httpHandler) sweepAuthorized(presented string) bool {
	if handler.cfg.SweepSecret == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(handler.cfg.SweepSecret)) == 1
}

func (handler *httpHandler) respondError(ctx *gin.Context, err error) {
	status, code := classifyError(err)
	if status == http.StatusInternalServerError {
		handler.logger.Error("ledger call failed", zap.String("path", ctx.FullPath()), zap.Error(err))
	}
	ctx.JSON(status, errorResponse(code))
}

func classifyError(err error) (int, string) {
	switch {
	case errors.Is(err, credits.ErrAccountNotFound):
		return http.StatusNotFound, errorCodeAccountNotFound
	case errors.Is(err, credits.ErrInsufficientCredits):
		return http.StatusBadRequest, errorCodeInsufficientCredits
	case errors.Is(err, credits.ErrUnknownOperation):
		return http.StatusBadRequest, errorCodeUnknownOperation
	case errors.Is(err, credits.ErrCounterExhausted):
		return http.StatusBadRequest, errorCodeCounterExhausted
	case errors.Is(err, credits.ErrUnknownCounter):
		return http.StatusBadRequest, errorCodeUnknownCounter
	case errors.Is(err, credits.ErrInvalidCredits), errors.Is(err, credits.ErrInvalidContextJSON):
		return http.StatusBadRequest, errorCodeInvalidPayload
	default:
		return http.StatusInternalServerError, errorCodeStorageFailure
	}
}

func requireUser(ctx *gin.Context) (credits.UserID, bool) {
	claims := getClaims(ctx)
	if claims == nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized))
		return credits.UserID{}, false
	}
	userID, err := credits.NewUserID(claims.GetUserID())
	if err != nil {
		ctx.JSON(http.StatusUnauthorized, errorResponse(errorCodeUnauthorized))
		return credits.UserID{}, false
	}
	return userID, true
}

func getClaims(ctx *gin.Context) *sessionvalidator.Claims {
	claimsValue, ok := ctx.Get(claimsContextKey)
	if !ok {
		return nil
	}
	claims, _ := claimsValue.(*sessionvalidator.Claims)
	return claims
}

func errorResponse(code string) gin.H {
	return gin.H{"error": code}
}

type deductRequest struct {
	Operation string          `json:"operation"`
	Context   json.RawMessage `json:"context"`
}

type consumeRequest struct {
	Counter string          `json:"counter"`
	Amount  *int64          `json:"amount"`
	Context json.RawMessage `json:"context"`
}

type balanceResponse struct {
	Balance           int64            `json:"balance"`
	Tier              string           `json:"tier"`
	SecondaryCounters map[string]int64 `json:"secondary_counters"`
	CycleAnchor       time.Time        `json:"cycle_anchor"`
	NextReset         time.Time        `json:"next_reset"`
}

type historyEntry struct {
	RecordID     string          `json:"record_id"`
	Kind         string          `json:"kind"`
	Subject      string          `json:"subject"`
	Amount       int64           `json:"amount"`
	BalanceAfter int64           `json:"balance_after"`
	Context      json.RawMessage `json:"context"`
	CreatedAt    time.Time       `json:"created_at"`
}

type operationPayload struct {
	Name string `json:"name"`
	Cost int64  `json:"cost"`
}

type sweepFailure struct {
	UserID string `json:"user_id"`
	Error  string `json:"error"`
}

type sweepResponse struct {
	AccountsReset   int            `json:"accounts_reset"`
	AccountsChecked int            `json:"accounts_checked"`
	Errors          []sweepFailure `json:"errors"`
}
