package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/metrics"
)

// RouterConfig holds the options of NewRouter.
type RouterConfig struct {
	AdminToken     string
	RequestTimeout time.Duration
	Logger         *zap.Logger
}

// NewRouter mounts the REST API, the WebSocket feed, /health and /metrics.
func NewRouter(h *Handler, hub *Hub, cfg RouterConfig) chi.Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": "market-engine"})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// Long-lived; outside the request timeout.
		if hub != nil {
			r.Get("/ws", hub.ServeWS)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))

			r.Post("/orders", h.SubmitOrder)
			r.Get("/orders", h.ListOrders)
			r.Get("/orders/{orderID}", h.GetOrder)
			r.Delete("/orders/{orderID}", h.CancelOrder)

			r.Get("/markets", h.ListMarkets)
			r.Get("/markets/{assetID}", h.GetMarket)
			r.Get("/markets/{assetID}/history", h.GetHistory)
			r.Get("/markets/{assetID}/book", h.GetBook)
			r.Get("/markets/{assetID}/trades", h.GetTrades)

			r.Get("/positions/{assetID}", h.GetPosition)
			r.Get("/portfolio", h.GetPortfolio)
			r.Get("/portfolio/trades", h.GetAccountTrades)

			r.Post("/redemptions", h.RequestRedemption)
			r.Get("/redemptions", h.ListRedemptions)
			r.Get("/redemptions/{id}", h.GetRedemption)
			r.Post("/redemptions/{id}/cancel", h.CancelRedemption)

			r.Route("/admin", func(r chi.Router) {
				r.Use(RequireAdmin(cfg.AdminToken))
				r.Post("/assets", h.CreateAsset)
				r.Post("/assets/{assetID}/grant", h.GrantAsset)
				r.Post("/redemptions/{id}/advance", h.AdvanceRedemption)
			})
		})
	})
	return r
}

// requestLogger logs one line per request.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}
