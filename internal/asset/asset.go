// Package asset owns collectible asset reference data: id and symbol
// validation, creation, cached lookup and the supply burn performed when a
// redemption is delivered.
package asset

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/model"
	"github.com/collectfi/market-engine/internal/store"
)

// idRegex matches lowercase slugs such as "charizard-1st-ed-psa10".
var idRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

// symbolRegex matches ticker symbols such as "CHZ1".
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,9}$`)

// NewAsset is the input for Create.
type NewAsset struct {
	ID          string          `json:"id"`
	Symbol      string          `json:"symbol"`
	Name        string          `json:"name"`
	TotalSupply int64           `json:"total_supply"`
	SeedPrice   decimal.Decimal `json:"seed_price"`
}

// Validate checks the identifiers and amounts of a new asset.
func (n NewAsset) Validate() error {
	if !idRegex.MatchString(n.ID) {
		return model.Errorf(model.CodeInvalidRequest,
			"invalid asset id %q (expected lowercase slug, 2-64 chars)", n.ID)
	}
	if !symbolRegex.MatchString(n.Symbol) {
		return model.Errorf(model.CodeInvalidRequest,
			"invalid symbol %q (expected 2-10 uppercase alphanumerics)", n.Symbol)
	}
	if strings.TrimSpace(n.Name) == "" {
		return model.Errorf(model.CodeInvalidRequest, "name is required")
	}
	if n.TotalSupply <= 0 {
		return model.Errorf(model.CodeInvalidRequest, "total_supply must be positive, got %d", n.TotalSupply)
	}
	if !n.SeedPrice.IsPositive() {
		return model.Errorf(model.CodeInvalidRequest, "seed_price must be positive, got %s", n.SeedPrice)
	}
	return nil
}

// Registry resolves assets through an in-process ristretto cache in front
// of the store. Supply changes go to the store first and then evict.
type Registry struct {
	store  store.Store
	cache  *ristretto.Cache
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewRegistry creates a registry caching up to maxAssets entries for ttl.
func NewRegistry(s store.Store, maxAssets int64, ttl time.Duration, logger *zap.Logger) (*Registry, error) {
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     maxAssets,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("asset.NewRegistry: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		store:  s,
		cache:  c,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Create validates and persists a new asset with its full supply in
// circulation.
func (r *Registry) Create(ctx context.Context, n NewAsset) (*model.Asset, error) {
	if err := n.Validate(); err != nil {
		return nil, err
	}
	a := &model.Asset{
		ID:                n.ID,
		Symbol:            n.Symbol,
		Name:              strings.TrimSpace(n.Name),
		TotalSupply:       n.TotalSupply,
		CirculatingSupply: n.TotalSupply,
		SeedPrice:         n.SeedPrice,
		CreatedAt:         r.now(),
	}
	if err := r.store.CreateAsset(ctx, a); err != nil {
		return nil, err
	}
	r.put(a)
	r.logger.Info("asset created",
		zap.String("asset_id", a.ID),
		zap.String("symbol", a.Symbol),
		zap.Int64("total_supply", a.TotalSupply),
		zap.String("seed_price", a.SeedPrice.String()),
	)
	return a, nil
}

// Get returns the asset or model.ErrUnknownAsset.
func (r *Registry) Get(ctx context.Context, id string) (*model.Asset, error) {
	if v, ok := r.cache.Get(id); ok {
		a := v.(model.Asset)
		return &a, nil
	}
	a, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	r.put(a)
	return a, nil
}

// List returns every asset in creation order.
func (r *Registry) List(ctx context.Context) ([]model.Asset, error) {
	return r.store.ListAssets(ctx)
}

// Burn removes the entire supply from circulation. Burning an already burnt
// asset is a no-op.
func (r *Registry) Burn(ctx context.Context, id string) error {
	a, err := r.store.GetAsset(ctx, id)
	if err != nil {
		return err
	}
	if a.CirculatingSupply == 0 {
		return nil
	}
	if err := r.store.UpdateCirculatingSupply(ctx, id, 0); err != nil {
		return fmt.Errorf("asset.Burn %s: %w", id, err)
	}
	r.cache.Del(id)
	r.logger.Info("asset supply burned",
		zap.String("asset_id", id),
		zap.Int64("burned", a.CirculatingSupply),
	)
	return nil
}

// Close releases the cache's background goroutines.
func (r *Registry) Close() { r.cache.Close() }

func (r *Registry) put(a *model.Asset) {
	r.cache.SetWithTTL(a.ID, *a, 1, r.ttl)
}
