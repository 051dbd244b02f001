// Package api is the HTTP and WebSocket adapter over the exchange core.
//
// Handlers resolve the caller's account, decode the request, call exactly
// one core operation and map its model.Error code to an HTTP status.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/asset"
	"github.com/collectfi/market-engine/internal/engine"
	"github.com/collectfi/market-engine/internal/ledger"
	"github.com/collectfi/market-engine/internal/model"
)

// Exchange is the matching engine surface the API drives.
type Exchange interface {
	SubmitOrder(ctx context.Context, req engine.SubmitRequest) (*engine.Execution, error)
	CancelOrder(ctx context.Context, orderID, accountID string) (bool, error)
	GetOrder(ctx context.Context, orderID, accountID string) (model.Order, error)
	OpenOrders(ctx context.Context, accountID string) []model.Order
	Orders(ctx context.Context, accountID string) ([]model.Order, error)
	Trades(ctx context.Context, assetID string, limit int) ([]model.Trade, error)
	AccountTrades(ctx context.Context, accountID string, limit int) ([]model.Trade, error)
	Book(ctx context.Context, assetID string, levels int) (engine.BookSnapshot, error)
}

// Markets serves price data.
type Markets interface {
	MarketData(ctx context.Context, assetID string) (ledger.MarketData, error)
	History(ctx context.Context, assetID string, since time.Time) (iter.Seq[model.PricePoint], error)
}

// Positions serves holdings and administrative issuance.
type Positions interface {
	Get(ctx context.Context, accountID, assetID string) (model.Position, error)
	Portfolio(ctx context.Context, accountID string) (model.Portfolio, error)
	Issue(ctx context.Context, accountID, assetID string, qty int64, price decimal.Decimal, supply int64) error
}

// Redemptions is the redemption gate.
type Redemptions interface {
	Request(ctx context.Context, accountID, assetID, destination string) (string, error)
	Advance(ctx context.Context, requestID string, target model.RedemptionStatus, trackingRef string) (bool, error)
	Cancel(ctx context.Context, requestID, accountID string) (bool, error)
	Get(ctx context.Context, requestID, accountID string) (model.RedemptionRequest, error)
	ForAccount(ctx context.Context, accountID string) ([]model.RedemptionRequest, error)
}

// Assets is asset reference data and its administration.
type Assets interface {
	Create(ctx context.Context, n asset.NewAsset) (*model.Asset, error)
	Get(ctx context.Context, id string) (*model.Asset, error)
	List(ctx context.Context) ([]model.Asset, error)
}

// AccountResolver identifies the caller. Authentication happens upstream;
// the resolver only extracts an opaque account id.
type AccountResolver interface {
	Resolve(r *http.Request) (string, error)
}

// AccountHeader is the header HeaderResolver reads.
const AccountHeader = "X-Account-ID"

// HeaderResolver reads the account id from the X-Account-ID header.
type HeaderResolver struct{}

func (HeaderResolver) Resolve(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.Header.Get(AccountHeader))
	if id == "" {
		return "", model.Errorf(model.CodeUnauthorized, "missing %s header", AccountHeader)
	}
	return id, nil
}

// Config wires a Handler.
type Config struct {
	Exchange    Exchange
	Markets     Markets
	Positions   Positions
	Redemptions Redemptions
	Assets      Assets
	Accounts    AccountResolver
	Logger      *zap.Logger
	// BookDepth is the default number of levels per side for /book.
	BookDepth int
}

// Handler serves the REST API.
type Handler struct {
	exchange    Exchange
	markets     Markets
	positions   Positions
	redemptions Redemptions
	assets      Assets
	accounts    AccountResolver
	logger      *zap.Logger
	bookDepth   int
}

// New creates a handler.
func New(cfg Config) *Handler {
	h := &Handler{
		exchange:    cfg.Exchange,
		markets:     cfg.Markets,
		positions:   cfg.Positions,
		redemptions: cfg.Redemptions,
		assets:      cfg.Assets,
		accounts:    cfg.Accounts,
		logger:      cfg.Logger,
		bookDepth:   cfg.BookDepth,
	}
	if h.accounts == nil {
		h.accounts = HeaderResolver{}
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.bookDepth <= 0 {
		h.bookDepth = 20
	}
	return h
}

// account resolves the caller or writes a 401. A 403 is reserved for an
// identified caller touching someone else's order or redemption.
func (h *Handler) account(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := h.accounts.Resolve(r)
	if err != nil {
		msg := "account could not be resolved"
		var me *model.Error
		if errors.As(err, &me) {
			msg = me.Message
		}
		writeError(w, msg, model.CodeUnauthorized, http.StatusUnauthorized)
		return "", false
	}
	return id, true
}

// decode reads a JSON body, rejecting unknown fields.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return model.Errorf(model.CodeInvalidRequest, "invalid request body: %v", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, code model.Code, status int) {
	writeJSON(w, status, errorBody{Error: message, Code: code})
}

type errorBody struct {
	Error string     `json:"error"`
	Code  model.Code `json:"code,omitempty"`
}

// fail maps a core error to its HTTP status. Errors without a code are
// internal: logged in full, reported generically.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	var me *model.Error
	if !errors.As(err, &me) {
		h.logger.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, "internal error", "", http.StatusInternalServerError)
		return
	}
	writeError(w, me.Message, me.Code, statusFor(me.Code))
}

func statusFor(code model.Code) int {
	switch code {
	case model.CodeUnknownAsset, model.CodeNotFound:
		return http.StatusNotFound
	case model.CodeInvalidOrder, model.CodeInvalidRequest:
		return http.StatusBadRequest
	case model.CodeUnauthorized:
		return http.StatusForbidden
	case model.CodeAlreadyExists, model.CodeNotCancellable, model.CodeInvalidTransition,
		model.CodePositionLocked:
		return http.StatusConflict
	case model.CodeInsufficientPosition, model.CodeInsufficientLiquidity, model.CodeInsufficientHoldings:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
