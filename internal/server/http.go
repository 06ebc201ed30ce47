package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"lendledger/internal/engine"
	"lendledger/internal/ledger"
	"lendledger/internal/math"
	"lendledger/internal/observability"
	"lendledger/internal/query"
)

// API serves the lending engine over HTTP/JSON. All amounts are
// uint64 base units encoded as JSON strings, since JSON numbers lose
// precision above 2^53.
type API struct {
	engine  *engine.Engine
	history *query.HistoryService
	health  *observability.HealthChecker
	metrics *observability.Metrics
	logger  zerolog.Logger
	server  *http.Server
}

// NewAPI builds the API. history may be nil when no event log is
// attached; the history routes are then not mounted.
func NewAPI(eng *engine.Engine, history *query.HistoryService, health *observability.HealthChecker, metrics *observability.Metrics, logger zerolog.Logger) *API {
	return &API{
		engine:  eng,
		history: history,
		health:  health,
		metrics: metrics,
		logger:  logger,
	}
}

// Router builds the chi router with all routes mounted.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))
	r.Use(a.instrument)

	if a.health != nil {
		r.Get("/healthz", a.health.LivenessHandler)
		r.Get("/readyz", a.health.ReadinessHandler)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/deposit", a.handleDeposit)
		r.Post("/withdraw", a.handleWithdraw)
		r.Post("/positions", a.handleOpenPosition)
		r.Post("/liquidate", a.handleLiquidate)
		r.Post("/admin/threshold", a.handleSetThreshold)

		r.Get("/pool", a.handlePool)
		r.Get("/accounts/{account}/balance", a.handleBalance)
		r.Get("/accounts/{account}/position", a.handlePosition)

		if a.history != nil {
			r.Get("/liquidations", a.handleLiquidations)
			r.Get("/events", a.handleEvents)
		}
	})

	return r
}

// Start serves the API until ctx is cancelled (blocking).
func (a *API) Start(ctx context.Context, addr string) error {
	a.server = &http.Server{
		Addr:    addr,
		Handler: a.Router(),
	}

	go func() {
		<-ctx.Done()
		a.logger.Info().Msg("http server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		a.server.Shutdown(shutdownCtx)
	}()

	a.logger.Info().Str("addr", addr).Msg("http server listening")
	if err := a.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ============================================================
// Mutations
// ============================================================

type amountRequest struct {
	Account string `json:"account"`
	Amount  uint64 `json:"amount,string"`
}

type balanceResponse struct {
	Account   string `json:"account"`
	Balance   uint64 `json:"balance,string"`
	PoolTotal uint64 `json:"pool_total,string"`
}

func (a *API) handleDeposit(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.engine.Deposit(r.Context(), req.Account, req.Amount); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeBalance(w, r, req.Account)
}

func (a *API) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req amountRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.engine.Withdraw(r.Context(), req.Account, req.Amount); err != nil {
		a.writeError(w, err)
		return
	}

	a.writeBalance(w, r, req.Account)
}

// writeBalance responds with the account balance and pool aggregate.
func (a *API) writeBalance(w http.ResponseWriter, r *http.Request, account string) {
	balance, err := a.engine.Balance(r.Context(), account)
	if err != nil {
		a.writeError(w, err)
		return
	}
	poolTotal, err := a.engine.PoolDeposits(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, balanceResponse{
		Account:   account,
		Balance:   balance,
		PoolTotal: poolTotal,
	})
}

type openPositionRequest struct {
	Account    string `json:"account"`
	Collateral uint64 `json:"collateral,string"`
	Borrow     uint64 `json:"borrow,string"`
}

type positionResponse struct {
	Account      string `json:"account"`
	Collateral   uint64 `json:"collateral,string"`
	Borrow       uint64 `json:"borrow,string"`
	OpenedAt     string `json:"opened_at"`
	HealthFactor string `json:"health_factor,omitempty"`
	Liquidatable bool   `json:"liquidatable"`
}

func (a *API) handleOpenPosition(w http.ResponseWriter, r *http.Request) {
	var req openPositionRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.engine.OpenPosition(r.Context(), req.Account, req.Collateral, req.Borrow); err != nil {
		a.writeError(w, err)
		return
	}

	pos, err := a.engine.Position(r.Context(), req.Account)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, positionResponse{
		Account:    req.Account,
		Collateral: pos.Collateral,
		Borrow:     pos.Borrow,
		OpenedAt:   pos.OpenedAt.Format(time.RFC3339Nano),
	})
}

type liquidateRequest struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
}

type liquidateResponse struct {
	Liquidator string `json:"liquidator"`
	Account    string `json:"account"`
	PoolTotal  uint64 `json:"pool_total,string"`
}

func (a *API) handleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req liquidateRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.engine.Liquidate(r.Context(), req.Liquidator, req.Account); err != nil {
		a.writeError(w, err)
		return
	}

	poolTotal, err := a.engine.PoolDeposits(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, liquidateResponse{
		Liquidator: req.Liquidator,
		Account:    req.Account,
		PoolTotal:  poolTotal,
	})
}

type thresholdRequest struct {
	Caller       string `json:"caller"`
	ThresholdPct uint64 `json:"threshold_pct,string"`
}

type thresholdResponse struct {
	ThresholdPct uint64 `json:"threshold_pct,string"`
}

func (a *API) handleSetThreshold(w http.ResponseWriter, r *http.Request) {
	var req thresholdRequest
	if !a.decode(w, r, &req) {
		return
	}

	if err := a.engine.SetLiquidationThreshold(r.Context(), req.Caller, req.ThresholdPct); err != nil {
		a.writeError(w, err)
		return
	}

	pct, err := a.engine.LiquidationThreshold(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, thresholdResponse{ThresholdPct: pct})
}

// ============================================================
// Queries
// ============================================================

type poolResponse struct {
	TotalDeposits uint64 `json:"total_deposits,string"`
	ThresholdPct  uint64 `json:"threshold_pct,string"`
}

func (a *API) handlePool(w http.ResponseWriter, r *http.Request) {
	totalDeposits, err := a.engine.PoolDeposits(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	pct, err := a.engine.LiquidationThreshold(r.Context())
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusOK, poolResponse{
		TotalDeposits: totalDeposits,
		ThresholdPct:  pct,
	})
}

func (a *API) handleBalance(w http.ResponseWriter, r *http.Request) {
	a.writeBalance(w, r, chi.URLParam(r, "account"))
}

func (a *API) handlePosition(w http.ResponseWriter, r *http.Request) {
	account := chi.URLParam(r, "account")

	pos, err := a.engine.Position(r.Context(), account)
	if err != nil {
		a.writeError(w, err)
		return
	}

	resp := positionResponse{
		Account:    account,
		Collateral: pos.Collateral,
		Borrow:     pos.Borrow,
		OpenedAt:   pos.OpenedAt.Format(time.RFC3339Nano),
	}

	// Health is best-effort; the position itself is still returned
	// when the price source is unavailable.
	if hf, liq, err := a.engine.PositionHealth(r.Context(), account); err == nil {
		resp.HealthFactor = strconv.FormatUint(hf, 10)
		resp.Liquidatable = liq
	}

	a.writeJSON(w, http.StatusOK, resp)
}

// ============================================================
// History
// ============================================================

func (a *API) handleLiquidations(w http.ResponseWriter, r *http.Request) {
	borrower := r.URL.Query().Get("borrower")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := a.history.Liquidations(r.Context(), borrower, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("liquidation history query failed")
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if records == nil {
		records = []query.LiquidationRecord{}
	}
	a.writeJSON(w, http.StatusOK, records)
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	from, _ := strconv.ParseInt(r.URL.Query().Get("from"), 10, 64)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	records, err := a.history.Events(r.Context(), from, limit)
	if err != nil {
		a.logger.Error().Err(err).Msg("event history query failed")
		a.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "history unavailable"})
		return
	}
	if records == nil {
		records = []query.EventRecord{}
	}
	a.writeJSON(w, http.StatusOK, records)
}

// ============================================================
// Plumbing
// ============================================================

type errorResponse struct {
	Error string `json:"error"`
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		a.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error().Err(err).Msg("failed to encode response")
	}
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	a.writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})
}

// statusFor maps engine errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, math.ErrInvalidParameter),
		errors.Is(err, math.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrPositionNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrNotOwner):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrInsufficientLiquidity),
		errors.Is(err, ledger.ErrPositionAlreadyOpen),
		errors.Is(err, engine.ErrNotLiquidatable):
		return http.StatusConflict
	case errors.Is(err, engine.ErrInvalidPrice):
		return http.StatusServiceUnavailable
	case errors.Is(err, engine.ErrTransferFailed):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// instrument records per-endpoint request counts and latency.
func (a *API) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.metrics == nil {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		endpoint := chi.RouteContext(r.Context()).RoutePattern()
		if endpoint == "" {
			endpoint = "unknown"
		}
		a.metrics.APIRequests.WithLabelValues(endpoint, strconv.Itoa(ww.Status())).Inc()
		a.metrics.APIDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}
