package api

import (
	"crypto/subtle"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/asset"
	"github.com/collectfi/market-engine/internal/model"
)

// AdminTokenHeader carries the shared admin token.
const AdminTokenHeader = "X-Admin-Token"

// GrantRequest is the JSON body for POST /api/v1/admin/assets/{assetID}/grant.
// Price is the cost basis recorded for the issued tokens; it defaults to
// the asset's seed price.
type GrantRequest struct {
	AccountID string              `json:"account_id"`
	Quantity  int64               `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
}

// AdvanceRequest is the JSON body for POST /api/v1/admin/redemptions/{id}/advance.
type AdvanceRequest struct {
	Status      model.RedemptionStatus `json:"status"`
	TrackingRef string                 `json:"tracking_ref,omitempty"`
}

// RequireAdmin rejects requests without the shared admin token. An empty
// token disables the check.
func RequireAdmin(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token != "" && subtle.ConstantTimeCompare([]byte(r.Header.Get(AdminTokenHeader)), []byte(token)) != 1 {
				writeError(w, "admin token required", model.CodeUnauthorized, http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CreateAsset handles POST /api/v1/admin/assets.
func (h *Handler) CreateAsset(w http.ResponseWriter, r *http.Request) {
	var req asset.NewAsset
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	a, err := h.assets.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

// GrantAsset handles POST /api/v1/admin/assets/{assetID}/grant.
func (h *Handler) GrantAsset(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if req.AccountID == "" {
		writeError(w, "account_id is required", model.CodeInvalidRequest, http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	a, err := h.assets.Get(ctx, chi.URLParam(r, "assetID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	price := a.SeedPrice
	if req.Price.Valid {
		price = req.Price.Decimal
	}
	if err := h.positions.Issue(ctx, req.AccountID, a.ID, req.Quantity, price, a.CirculatingSupply); err != nil {
		h.fail(w, r, err)
		return
	}
	p, err := h.positions.Get(ctx, req.AccountID, a.ID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	h.logger.Info("tokens granted",
		zap.String("asset_id", a.ID),
		zap.String("account_id", req.AccountID),
		zap.Int64("quantity", req.Quantity),
	)
	writeJSON(w, http.StatusOK, p)
}

// AdvanceRedemption handles POST /api/v1/admin/redemptions/{id}/advance.
func (h *Handler) AdvanceRedemption(w http.ResponseWriter, r *http.Request) {
	var req AdvanceRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	id := chi.URLParam(r, "id")
	advanced, err := h.redemptions.Advance(r.Context(), id, req.Status, req.TrackingRef)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": req.Status, "advanced": advanced})
}
