package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/collectfi/market-engine/internal/model"
)

// RedemptionRequest is the JSON body for POST /api/v1/redemptions.
type RedemptionRequest struct {
	AssetID             string `json:"asset_id"`
	ShippingDestination string `json:"shipping_destination"`
}

// RedemptionCreated is returned from POST /api/v1/redemptions.
type RedemptionCreated struct {
	ID string `json:"id"`
}

// GetPosition handles GET /api/v1/positions/{assetID}.
func (h *Handler) GetPosition(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	assetID := chi.URLParam(r, "assetID")
	if _, err := h.assets.Get(ctx, assetID); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.positions.Get(ctx, accountID, assetID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GetPortfolio handles GET /api/v1/portfolio.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	pf, err := h.positions.Portfolio(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if pf.Positions == nil {
		pf.Positions = []model.Position{}
	}
	writeJSON(w, http.StatusOK, pf)
}

// GetAccountTrades handles GET /api/v1/portfolio/trades?limit=N.
func (h *Handler) GetAccountTrades(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	limit, ok := intParam(w, r, "limit", 100, 1000)
	if !ok {
		return
	}
	trades, err := h.exchange.AccountTrades(r.Context(), accountID, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	writeJSON(w, http.StatusOK, trades)
}

// RequestRedemption handles POST /api/v1/redemptions.
func (h *Handler) RequestRedemption(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	var req RedemptionRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id, err := h.redemptions.Request(r.Context(), accountID, req.AssetID, req.ShippingDestination)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, RedemptionCreated{ID: id})
}

// ListRedemptions handles GET /api/v1/redemptions.
func (h *Handler) ListRedemptions(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	rs, err := h.redemptions.ForAccount(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if rs == nil {
		rs = []model.RedemptionRequest{}
	}
	writeJSON(w, http.StatusOK, rs)
}

// GetRedemption handles GET /api/v1/redemptions/{id}.
func (h *Handler) GetRedemption(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	req, err := h.redemptions.Get(r.Context(), chi.URLParam(r, "id"), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// CancelRedemption handles POST /api/v1/redemptions/{id}/cancel.
func (h *Handler) CancelRedemption(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := h.redemptions.Cancel(r.Context(), id, accountID); err != nil {
		h.fail(w, r, err)
		return
	}
	req, err := h.redemptions.Get(r.Context(), id, accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}
