package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"marginwatch/internal/manager"
	"marginwatch/internal/market"
	"marginwatch/internal/store"
	"marginwatch/internal/venue"
)

type registerAccountRequest struct {
	Account string `json:"account"`
	Owner   string `json:"owner"`
}

// RegisterAccount opens a sub-account for an owner.
func (h *Handler) RegisterAccount(w http.ResponseWriter, r *http.Request) {
	var req registerAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.manager.RegisterSubAccount(req.Account, req.Owner); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{
		"account": req.Account,
		"owner":   req.Owner,
	})
}

type positionRequest struct {
	Caller   string `json:"caller"`
	MarketID string `json:"market_id"`
	Amount   int64  `json:"amount"`
}

// DepositCollateral supplies collateral into a lending market.
func (h *Handler) DepositCollateral(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.manager.DepositCollateral(r.Context(), req.Caller, account, market.ID(req.MarketID), req.Amount); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// WithdrawCollateral moves collateral out of a lending market, guarded by
// a hypothetical health check.
func (h *Handler) WithdrawCollateral(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.manager.WithdrawCollateral(r.Context(), req.Caller, account, market.ID(req.MarketID), req.Amount); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Borrow draws loan tokens against the account's collateral.
func (h *Handler) Borrow(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.manager.Borrow(r.Context(), req.Caller, account, market.ID(req.MarketID), req.Amount); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Repay applies loan tokens from the sub-account balance against debt
// and reports the amount actually applied.
func (h *Handler) Repay(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req positionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	applied, err := h.manager.Repay(r.Context(), req.Caller, account, market.ID(req.MarketID), req.Amount)
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"applied": applied})
}

type exchangeDepositRequest struct {
	Caller string `json:"caller"`
	Token  string `json:"token"`
	Amount int64  `json:"amount"`
}

// DepositToExchange moves tokens from the sub-account balance onto the
// margin exchange.
func (h *Handler) DepositToExchange(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req exchangeDepositRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	if err := h.manager.DepositToExchange(r.Context(), req.Caller, account, req.Token, req.Amount); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type placeOrderRequest struct {
	Caller   string `json:"caller"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Quantity int64  `json:"quantity"`
	Price    int64  `json:"price"`
}

// PlaceOrder forwards a perpetuals order to the exchange.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid request body"))
		return
	}
	orderID, err := h.manager.PlaceOrder(r.Context(), req.Caller, account, venue.Order{
		Symbol:   req.Symbol,
		Side:     req.Side,
		Quantity: req.Quantity,
		Price:    req.Price,
	})
	if err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"order_id": orderID})
}

// CancelOrder forwards an order cancellation to the exchange. The caller
// is taken from the query string since DELETE carries no body.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	account := vars["account"]
	orderID := vars["id"]
	caller := r.URL.Query().Get("caller")

	if err := h.manager.CancelOrder(r.Context(), caller, account, orderID); err != nil {
		h.writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) writeManagerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, manager.ErrInvalidAmount),
		errors.Is(err, store.ErrZeroAccount):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, manager.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, store.ErrNoSubAccount),
		errors.Is(err, market.ErrUnknownMarket):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrAlreadyRegistered),
		errors.Is(err, manager.ErrBorrowUnhealthy),
		errors.Is(err, manager.ErrWithdrawalUnhealthy),
		errors.Is(err, store.ErrInsufficientBalance),
		errors.Is(err, venue.ErrInsufficientCollateral):
		writeError(w, http.StatusConflict, err)
	default:
		var callErr *venue.CallError
		if errors.As(err, &callErr) {
			writeError(w, http.StatusBadGateway, err)
			return
		}
		h.logger.Error().Err(err).Msg("account operation failed")
		writeError(w, http.StatusInternalServerError, err)
	}
}
