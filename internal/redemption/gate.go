// Package redemption gates physical redemption of a collectible behind
// ownership of its entire token supply.
//
// A request locks the owner's position against trading. It then moves
// strictly forward pending → processing → shipped → delivered, where the
// supply is burned. Only a pending request may be cancelled.
package redemption

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/clock"
	"github.com/collectfi/market-engine/internal/metrics"
	"github.com/collectfi/market-engine/internal/model"
	"github.com/collectfi/market-engine/internal/position"
	"github.com/collectfi/market-engine/internal/settlement"
	"github.com/collectfi/market-engine/internal/store"
)

// Assets resolves and burns asset supply.
type Assets interface {
	Get(ctx context.Context, id string) (*model.Asset, error)
	Burn(ctx context.Context, id string) error
}

// Positions holds the redemption lock on a position.
type Positions interface {
	Lock(ctx context.Context, accountID, assetID string, totalSupply int64) error
	Unlock(ctx context.Context, accountID, assetID string)
	Locked(accountID, assetID string) bool
	Burn(ctx context.Context, accountID, assetID string) (position.Holding, error)
	Reinstate(ctx context.Context, prior position.Holding)
}

// OrderCanceller withdraws an account's resting orders once its position is
// locked.
type OrderCanceller interface {
	CancelAccountOrders(ctx context.Context, accountID, assetID, reason string) int
}

// next is the only status each active status may advance to.
var next = map[model.RedemptionStatus]model.RedemptionStatus{
	model.RedemptionPending:    model.RedemptionProcessing,
	model.RedemptionProcessing: model.RedemptionShipped,
	model.RedemptionShipped:    model.RedemptionDelivered,
}

// Gate is safe for concurrent use.
type Gate struct {
	store     store.Store
	assets    Assets
	positions Positions
	orders    OrderCanceller
	sink      settlement.Sink
	logger    *zap.Logger
	clock     clock.Clock

	// mu serialises status transitions. Redemptions are rare administrative
	// events, so one lock for all of them is enough.
	mu sync.Mutex
}

// Option configures a Gate.
type Option func(*Gate)

// WithSink sets where burns are announced.
func WithSink(s settlement.Sink) Option { return func(g *Gate) { g.sink = s } }

// WithLogger sets the gate's logger.
func WithLogger(l *zap.Logger) Option { return func(g *Gate) { g.logger = l } }

// WithClock overrides the time source.
func WithClock(c clock.Clock) Option { return func(g *Gate) { g.clock = c } }

// New creates a gate.
func New(s store.Store, assets Assets, positions Positions, orders OrderCanceller, opts ...Option) *Gate {
	g := &Gate{
		store:     s,
		assets:    assets,
		positions: positions,
		orders:    orders,
		sink:      settlement.Nop{},
		logger:    zap.NewNop(),
		clock:     clock.Real{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request opens a redemption for the full supply of assetID. It fails with
// model.ErrInsufficientHoldings unless accountID holds every token, and with
// model.ErrPositionLocked if a redemption is already in flight.
func (g *Gate) Request(ctx context.Context, accountID, assetID, destination string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	destination = strings.TrimSpace(destination)
	if accountID == "" {
		return "", model.Errorf(model.CodeInvalidRequest, "account id is required")
	}
	if destination == "" {
		return "", model.Errorf(model.CodeInvalidRequest, "shipping destination is required")
	}
	a, err := g.assets.Get(ctx, assetID)
	if err != nil {
		return "", err
	}
	if a.CirculatingSupply == 0 {
		return "", model.Errorf(model.CodeInsufficientHoldings, "asset %s has already been redeemed", assetID)
	}

	if err := g.positions.Lock(ctx, accountID, assetID, a.TotalSupply); err != nil {
		return "", err
	}
	cancelled := g.orders.CancelAccountOrders(ctx, accountID, assetID, "redemption")

	now := g.clock.Now()
	r := &model.RedemptionRequest{
		ID:                  uuid.New().String(),
		AccountID:           accountID,
		AssetID:             assetID,
		Quantity:            a.TotalSupply,
		Status:              model.RedemptionPending,
		ShippingDestination: destination,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if err := g.store.SaveRedemption(ctx, r); err != nil {
		g.positions.Unlock(ctx, accountID, assetID)
		return "", fmt.Errorf("redemption.Request: %w", err)
	}

	metrics.RedemptionTransitions.WithLabelValues(string(r.Status)).Inc()
	g.logger.Info("redemption requested",
		zap.String("redemption_id", r.ID),
		zap.String("account_id", accountID),
		zap.String("asset_id", assetID),
		zap.Int64("quantity", r.Quantity),
		zap.Int("orders_cancelled", cancelled),
	)
	return r.ID, nil
}

// Advance moves a request to target, which must be its next status.
// Reaching shipped requires trackingRef. Reaching delivered burns the
// supply and announces it to settlement.
func (g *Gate) Advance(ctx context.Context, requestID string, target model.RedemptionStatus, trackingRef string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, err := g.store.GetRedemption(ctx, requestID)
	if err != nil {
		return false, err
	}
	if want, ok := next[r.Status]; !ok || want != target {
		return false, model.Errorf(model.CodeInvalidTransition,
			"redemption %s cannot move from %s to %s", r.ID, r.Status, target)
	}
	trackingRef = strings.TrimSpace(trackingRef)
	if target == model.RedemptionShipped && trackingRef == "" {
		return false, model.Errorf(model.CodeInvalidTransition,
			"redemption %s needs a tracking reference to ship", r.ID)
	}

	// Delivery burns the asset supply first (idempotent), then the position.
	// If the request cannot be saved afterwards the position is reinstated,
	// so a failed delivery can always be retried.
	var (
		burned int64
		prior  position.Holding
	)
	if target == model.RedemptionDelivered {
		if !g.positions.Locked(r.AccountID, r.AssetID) {
			return false, model.Errorf(model.CodeInvalidTransition,
				"position %s/%s is not locked for redemption %s", r.AccountID, r.AssetID, r.ID)
		}
		if err := g.assets.Burn(ctx, r.AssetID); err != nil {
			return false, fmt.Errorf("redemption.Advance: %w", err)
		}
		prior, err = g.positions.Burn(ctx, r.AccountID, r.AssetID)
		if err != nil {
			return false, err
		}
		burned = prior.Quantity
	}

	updated := *r
	updated.Status = target
	if trackingRef != "" {
		updated.TrackingRef = trackingRef
	}
	updated.UpdatedAt = g.clock.Now()
	if err := g.store.SaveRedemption(ctx, &updated); err != nil {
		if target == model.RedemptionDelivered {
			g.positions.Reinstate(ctx, prior)
		}
		return false, fmt.Errorf("redemption.Advance: %w", err)
	}
	r = &updated

	if target == model.RedemptionDelivered {
		g.sink.Notify(settlement.BurnEvent(*r, burned))
	}
	metrics.RedemptionTransitions.WithLabelValues(string(target)).Inc()
	g.logger.Info("redemption advanced",
		zap.String("redemption_id", r.ID),
		zap.String("asset_id", r.AssetID),
		zap.String("status", string(target)),
		zap.String("tracking_ref", r.TrackingRef),
		zap.Int64("burned", burned),
	)
	return true, nil
}

// Cancel withdraws a pending request and releases the position lock.
func (g *Gate) Cancel(ctx context.Context, requestID, accountID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, err := g.store.GetRedemption(ctx, requestID)
	if err != nil {
		return false, err
	}
	if r.AccountID != accountID {
		return false, model.Errorf(model.CodeUnauthorized, "redemption %s is not owned by %s", requestID, accountID)
	}
	if r.Status != model.RedemptionPending {
		return false, model.Errorf(model.CodeNotCancellable, "redemption %s is %s", requestID, r.Status)
	}

	r.Status = model.RedemptionCancelled
	r.UpdatedAt = g.clock.Now()
	if err := g.store.SaveRedemption(ctx, r); err != nil {
		return false, fmt.Errorf("redemption.Cancel: %w", err)
	}
	g.positions.Unlock(ctx, r.AccountID, r.AssetID)

	metrics.RedemptionTransitions.WithLabelValues(string(r.Status)).Inc()
	g.logger.Info("redemption cancelled",
		zap.String("redemption_id", r.ID),
		zap.String("account_id", r.AccountID),
		zap.String("asset_id", r.AssetID),
	)
	return true, nil
}

// Get returns a request owned by accountID.
func (g *Gate) Get(ctx context.Context, requestID, accountID string) (model.RedemptionRequest, error) {
	r, err := g.store.GetRedemption(ctx, requestID)
	if err != nil {
		return model.RedemptionRequest{}, err
	}
	if r.AccountID != accountID {
		return model.RedemptionRequest{}, model.Errorf(model.CodeUnauthorized,
			"redemption %s is not owned by %s", requestID, accountID)
	}
	return *r, nil
}

// ForAccount lists an account's requests, oldest first.
func (g *Gate) ForAccount(ctx context.Context, accountID string) ([]model.RedemptionRequest, error) {
	return g.store.GetRedemptionsByAccount(ctx, accountID)
}
