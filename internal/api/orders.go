package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/collectfi/market-engine/internal/engine"
	"github.com/collectfi/market-engine/internal/model"
)

// OrderRequest is the JSON body for POST /api/v1/orders. LimitPrice is
// required for limit orders and must be omitted for market orders.
type OrderRequest struct {
	AssetID    string              `json:"asset_id"`
	Side       model.Side          `json:"side"`
	Kind       model.OrderKind     `json:"kind"`
	Quantity   int64               `json:"quantity"`
	LimitPrice decimal.NullDecimal `json:"limit_price"`
}

// CancelResponse is returned from DELETE /api/v1/orders/{orderID}.
type CancelResponse struct {
	OrderID   string `json:"order_id"`
	Cancelled bool   `json:"cancelled"`
}

// SubmitOrder handles POST /api/v1/orders.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	var req OrderRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	hasPrice := req.LimitPrice.Valid
	if req.Kind == model.Market && hasPrice {
		writeError(w, "market orders take no limit_price", model.CodeInvalidOrder, http.StatusBadRequest)
		return
	}
	if req.Kind == model.Limit && !hasPrice {
		writeError(w, "limit orders require limit_price", model.CodeInvalidOrder, http.StatusBadRequest)
		return
	}

	sub := engine.SubmitRequest{
		AccountID: accountID,
		AssetID:   req.AssetID,
		Side:      req.Side,
		Kind:      req.Kind,
		Quantity:  req.Quantity,
	}
	if hasPrice {
		sub.LimitPrice = req.LimitPrice.Decimal
	}
	exec, err := h.exchange.SubmitOrder(r.Context(), sub)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if exec.Fills == nil {
		exec.Fills = []model.Trade{}
	}
	writeJSON(w, http.StatusCreated, exec)
}

// ListOrders handles GET /api/v1/orders. ?status=open restricts the result
// to resting orders; otherwise the full history is returned.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("status") == "open" {
		orders := h.exchange.OpenOrders(r.Context(), accountID)
		if orders == nil {
			orders = []model.Order{}
		}
		writeJSON(w, http.StatusOK, orders)
		return
	}
	orders, err := h.exchange.Orders(r.Context(), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// GetOrder handles GET /api/v1/orders/{orderID}.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	o, err := h.exchange.GetOrder(r.Context(), chi.URLParam(r, "orderID"), accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// CancelOrder handles DELETE /api/v1/orders/{orderID}.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	orderID := chi.URLParam(r, "orderID")
	cancelled, err := h.exchange.CancelOrder(r.Context(), orderID, accountID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CancelResponse{OrderID: orderID, Cancelled: cancelled})
}
