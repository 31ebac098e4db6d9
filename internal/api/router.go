package api

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"marginwatch/internal/observability"
)

// Dependencies carries everything the HTTP layer needs. Query may be
// nil when the service runs without Postgres; the history routes are
// then not registered.
type Dependencies struct {
	Handler *Handler
	Health  *observability.HealthChecker
	Logger  zerolog.Logger
	Metrics *observability.Metrics
}

// NewRouter builds the HTTP routing table.
//
//	/api/v1/markets                          GET   registered markets
//	/api/v1/accounts                         POST  register a sub-account
//	/api/v1/accounts/{account}/health        GET   live health evaluation
//	/api/v1/accounts/{account}/health/history GET  stored snapshots
//	/api/v1/accounts/{account}/liquidate     POST  run the liquidation sequence
//	/api/v1/accounts/{account}/collateral    POST  deposit collateral
//	/api/v1/accounts/{account}/collateral/withdraw POST withdraw collateral
//	/api/v1/accounts/{account}/borrow        POST  borrow loan tokens
//	/api/v1/accounts/{account}/repay         POST  repay debt
//	/api/v1/accounts/{account}/exchange/deposit POST move funds to the exchange
//	/api/v1/accounts/{account}/exchange/orders POST place an order
//	/api/v1/accounts/{account}/exchange/orders/{id} DELETE cancel an order
//	/api/v1/liquidations                     GET   completed liquidations
//	/api/v1/liquidations/{id}                GET   one liquidation with steps
//	/healthz, /readyz                        GET   probes
//	/metrics                                 GET   Prometheus
func NewRouter(deps *Dependencies) *mux.Router {
	router := mux.NewRouter()

	router.Use(RecoveryMiddleware(deps.Logger))
	router.Use(LoggingMiddleware(deps.Logger, deps.Metrics))

	api := router.PathPrefix("/api/v1").Subrouter()

	h := deps.Handler
	api.HandleFunc("/markets", h.GetMarkets).Methods("GET")
	api.HandleFunc("/accounts/{account}/health", h.GetHealth).Methods("GET")
	api.HandleFunc("/accounts/{account}/liquidate", h.Liquidate).Methods("POST")

	if h.manager != nil {
		api.HandleFunc("/accounts", h.RegisterAccount).Methods("POST")
		api.HandleFunc("/accounts/{account}/collateral", h.DepositCollateral).Methods("POST")
		api.HandleFunc("/accounts/{account}/collateral/withdraw", h.WithdrawCollateral).Methods("POST")
		api.HandleFunc("/accounts/{account}/borrow", h.Borrow).Methods("POST")
		api.HandleFunc("/accounts/{account}/repay", h.Repay).Methods("POST")
		api.HandleFunc("/accounts/{account}/exchange/deposit", h.DepositToExchange).Methods("POST")
		api.HandleFunc("/accounts/{account}/exchange/orders", h.PlaceOrder).Methods("POST")
		api.HandleFunc("/accounts/{account}/exchange/orders/{id}", h.CancelOrder).Methods("DELETE")
	}

	if h.query != nil {
		api.HandleFunc("/accounts/{account}/health/history", h.GetHealthHistory).Methods("GET")
		api.HandleFunc("/liquidations", h.GetLiquidations).Methods("GET")
		api.HandleFunc("/liquidations/{id}", h.GetLiquidation).Methods("GET")
	}

	if deps.Health != nil {
		router.HandleFunc("/healthz", deps.Health.LivenessHandler).Methods("GET")
		router.HandleFunc("/readyz", deps.Health.ReadinessHandler).Methods("GET")
	}
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	return router
}
