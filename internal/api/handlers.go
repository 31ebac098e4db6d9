package api

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"marginwatch/internal/manager"
	"marginwatch/internal/market"
	"marginwatch/internal/query"
	"marginwatch/internal/risk"
	"marginwatch/internal/store"
	"marginwatch/internal/venue"
)

const defaultHistoryLimit = 50

// Handler serves the marginwatch HTTP API: live health evaluation,
// liquidation initiation, and history reads.
type Handler struct {
	engine   *risk.Engine
	registry *market.Registry
	subs     *store.SubAccountStore
	manager  *manager.Manager
	query    *query.QueryService
	logger   zerolog.Logger
}

func NewHandler(engine *risk.Engine, registry *market.Registry, subs *store.SubAccountStore, mgr *manager.Manager, qs *query.QueryService, logger zerolog.Logger) *Handler {
	return &Handler{
		engine:   engine,
		registry: registry,
		subs:     subs,
		manager:  mgr,
		query:    qs,
		logger:   logger,
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

type marketResponse struct {
	ID                 string `json:"id"`
	CollateralToken    string `json:"collateral_token"`
	LoanToken          string `json:"loan_token"`
	OracleRef          string `json:"oracle_ref"`
	LLTV               int64  `json:"lltv"`
	CollateralFactor   int64  `json:"collateral_factor"`
	CollateralDecimals int    `json:"collateral_decimals"`
	LoanDecimals       int    `json:"loan_decimals"`
}

// GetMarkets returns the registered markets in registration order.
func (h *Handler) GetMarkets(w http.ResponseWriter, r *http.Request) {
	markets := h.registry.List()
	out := make([]marketResponse, 0, len(markets))
	for _, m := range markets {
		out = append(out, marketResponse{
			ID:                 string(m.ID),
			CollateralToken:    m.Config.CollateralToken,
			LoanToken:          m.Config.LoanToken,
			OracleRef:          m.Config.OracleRef,
			LLTV:               m.Config.LLTV,
			CollateralFactor:   m.Config.CollateralFactor,
			CollateralDecimals: m.Config.CollateralDecimals,
			LoanDecimals:       m.Config.LoanDecimals,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetHealth evaluates portfolio health live against the venues.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	// The aggregator reports an unknown account as an empty portfolio;
	// distinguish that from a registered account with no positions.
	if _, err := h.subs.Get(account); err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}

	status, err := h.engine.EvaluateHealth(r.Context(), account)
	if err != nil {
		h.writeEvalError(w, account, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type liquidateRequest struct {
	Caller string `json:"caller"`
}

type liquidateResponse struct {
	LiquidationID   string         `json:"liquidation_id"`
	Account         string         `json:"account"`
	Caller          string         `json:"caller"`
	EquityWithdrawn int64          `json:"equity_withdrawn"`
	Repayments      []repaymentLeg `json:"repayments"`
	Seizures        []seizureLeg   `json:"seizures"`
	CompletedAt     time.Time      `json:"completed_at"`
	PartialError    string         `json:"partial_error,omitempty"`
}

type repaymentLeg struct {
	MarketID string `json:"market_id"`
	Amount   int64  `json:"amount"`
}

type seizureLeg struct {
	MarketID         string `json:"market_id"`
	Token            string `json:"token"`
	LiquidatorAmount int64  `json:"liquidator_amount"`
	IncentiveAmount  int64  `json:"incentive_amount"`
}

// Liquidate runs the liquidation sequence against an unhealthy account.
// A mid-sequence venue failure still returns the steps that committed,
// with partial_error set, since those steps are not rolled back.
func (h *Handler) Liquidate(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	var req liquidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if req.Caller == "" {
		writeError(w, http.StatusBadRequest, errors.New("caller is required"))
		return
	}

	result, err := h.engine.Liquidate(r.Context(), account, req.Caller)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, toLiquidateResponse(result, nil))
	case errors.Is(err, risk.ErrPortfolioHealthy), errors.Is(err, risk.ErrNothingToLiquidate):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, store.ErrNoSubAccount):
		writeError(w, http.StatusNotFound, err)
	default:
		var callErr *venue.CallError
		if errors.As(err, &callErr) && (len(result.Repayments) > 0 || len(result.Seizures) > 0 || result.EquityWithdrawn > 0) {
			// Partial completion: report what committed.
			writeJSON(w, http.StatusBadGateway, toLiquidateResponse(result, err))
			return
		}
		h.logger.Error().Str("account", account).Err(err).Msg("liquidation failed")
		writeError(w, http.StatusBadGateway, err)
	}
}

func toLiquidateResponse(res risk.LiquidationResult, partial error) liquidateResponse {
	out := liquidateResponse{
		LiquidationID:   res.LiquidationID.String(),
		Account:         res.Account,
		Caller:          res.Caller,
		EquityWithdrawn: res.EquityWithdrawn,
		Repayments:      make([]repaymentLeg, 0, len(res.Repayments)),
		Seizures:        make([]seizureLeg, 0, len(res.Seizures)),
		CompletedAt:     res.CompletedAt,
	}
	for _, rep := range res.Repayments {
		out.Repayments = append(out.Repayments, repaymentLeg{MarketID: string(rep.Market), Amount: rep.Amount})
	}
	for _, s := range res.Seizures {
		out.Seizures = append(out.Seizures, seizureLeg{
			MarketID:         string(s.Market),
			Token:            s.Token,
			LiquidatorAmount: s.LiquidatorAmount,
			IncentiveAmount:  s.IncentiveAmount,
		})
	}
	if partial != nil {
		out.PartialError = partial.Error()
	}
	return out
}

// GetHealthHistory returns stored snapshots for an account.
func (h *Handler) GetHealthHistory(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	limit := parseLimit(r, defaultHistoryLimit)

	history, err := h.query.GetHealthHistory(r.Context(), account, limit)
	if err != nil {
		h.logger.Error().Str("account", account).Err(err).Msg("health history query failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	if history == nil {
		history = []query.HealthSnapshotResponse{}
	}
	writeJSON(w, http.StatusOK, history)
}

// GetLiquidations returns completed liquidations, optionally filtered
// by ?account= and paginated with ?before= (RFC3339) and ?limit=.
func (h *Handler) GetLiquidations(w http.ResponseWriter, r *http.Request) {
	account := r.URL.Query().Get("account")
	limit := parseLimit(r, defaultHistoryLimit)

	var before *time.Time
	if s := r.URL.Query().Get("before"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("before must be RFC3339"))
			return
		}
		before = &t
	}

	liqs, err := h.query.GetLiquidations(r.Context(), account, limit, before)
	if err != nil {
		h.logger.Error().Err(err).Msg("liquidations query failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	if liqs == nil {
		liqs = []query.LiquidationResponse{}
	}
	writeJSON(w, http.StatusOK, liqs)
}

// GetLiquidation returns one liquidation with its steps.
func (h *Handler) GetLiquidation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid liquidation id"))
		return
	}

	liq, err := h.query.GetLiquidation(r.Context(), id)
	if errors.Is(err, sql.ErrNoRows) {
		writeError(w, http.StatusNotFound, errors.New("liquidation not found"))
		return
	}
	if err != nil {
		h.logger.Error().Str("liquidation_id", id.String()).Err(err).Msg("liquidation query failed")
		writeError(w, http.StatusInternalServerError, errors.New("query failed"))
		return
	}
	writeJSON(w, http.StatusOK, liq)
}

func (h *Handler) writeEvalError(w http.ResponseWriter, account string, err error) {
	switch {
	case errors.Is(err, store.ErrNoSubAccount):
		writeError(w, http.StatusNotFound, err)
	default:
		// Venue or oracle failure: the evaluation is unavailable, not wrong.
		h.logger.Warn().Str("account", account).Err(err).Msg("health evaluation failed")
		writeError(w, http.StatusBadGateway, err)
	}
}

func parseLimit(r *http.Request, def int) int {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 500 {
		return def
	}
	return n
}
