package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/collectfi/market-engine/internal/ledger"
	"github.com/collectfi/market-engine/internal/model"
)

// MarketSummary pairs an asset with its live market data.
type MarketSummary struct {
	Asset  model.Asset       `json:"asset"`
	Market ledger.MarketData `json:"market"`
}

// ListMarkets handles GET /api/v1/markets.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	assets, err := h.assets.List(ctx)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out := make([]MarketSummary, 0, len(assets))
	for _, a := range assets {
		md, err := h.markets.MarketData(ctx, a.ID)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		out = append(out, MarketSummary{Asset: a, Market: md})
	}
	writeJSON(w, http.StatusOK, out)
}

// GetMarket handles GET /api/v1/markets/{assetID}.
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	md, err := h.markets.MarketData(r.Context(), chi.URLParam(r, "assetID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// GetHistory handles GET /api/v1/markets/{assetID}/history?since=RFC3339.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	var since time.Time
	if s := r.URL.Query().Get("since"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			writeError(w, "since must be an RFC 3339 timestamp", model.CodeInvalidRequest, http.StatusBadRequest)
			return
		}
		since = t
	}

	seq, err := h.markets.History(r.Context(), chi.URLParam(r, "assetID"), since)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	points := []model.PricePoint{}
	for p := range seq {
		points = append(points, p)
	}
	writeJSON(w, http.StatusOK, points)
}

// GetBook handles GET /api/v1/markets/{assetID}/book?depth=n.
func (h *Handler) GetBook(w http.ResponseWriter, r *http.Request) {
	depth, ok := intParam(w, r, "depth", h.bookDepth, 500)
	if !ok {
		return
	}
	snap, err := h.exchange.Book(r.Context(), chi.URLParam(r, "assetID"), depth)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// GetTrades handles GET /api/v1/markets/{assetID}/trades?limit=n.
func (h *Handler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit, ok := intParam(w, r, "limit", 100, 1000)
	if !ok {
		return
	}
	trades, err := h.exchange.Trades(r.Context(), chi.URLParam(r, "assetID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// intParam reads a positive query parameter, clamped to max.
func intParam(w http.ResponseWriter, r *http.Request, name string, def, max int) (int, bool) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		writeError(w, name+" must be a positive integer", model.CodeInvalidRequest, http.StatusBadRequest)
		return 0, false
	}
	return min(n, max), true
}
