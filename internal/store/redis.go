package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/collectfi/market-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	if err := s.primary.CreateAsset(ctx, a); err != nil {
		return err
	}
	s.cacheJSON(ctx, assetKey(a.ID), a)
	s.rdb.Del(ctx, assetListKey)
	return nil
}

func (s *CachedStore) UpdateCirculatingSupply(ctx context.Context, id string, circulating int64) error {
	if err := s.primary.UpdateCirculatingSupply(ctx, id, circulating); err != nil {
		return err
	}
	s.rdb.Del(ctx, assetKey(id), assetListKey)
	return nil
}

func (s *CachedStore) SaveRedemption(ctx context.Context, r *model.RedemptionRequest) error {
	if err := s.primary.SaveRedemption(ctx, r); err != nil {
		return err
	}
	s.rdb.Del(ctx, redemptionKey(r.ID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	var a model.Asset
	if s.cached(ctx, assetKey(id), &a) {
		return &a, nil
	}

	// Cache miss: read from primary.
	got, err := s.primary.GetAsset(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, assetKey(id), got)
	return got, nil
}

func (s *CachedStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	var assets []model.Asset
	if s.cached(ctx, assetListKey, &assets) {
		return assets, nil
	}

	assets, err := s.primary.ListAssets(ctx)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, assetListKey, assets)
	return assets, nil
}

func (s *CachedStore) GetRedemption(ctx context.Context, id string) (*model.RedemptionRequest, error) {
	var r model.RedemptionRequest
	if s.cached(ctx, redemptionKey(id), &r) {
		return &r, nil
	}

	got, err := s.primary.GetRedemption(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheJSON(ctx, redemptionKey(id), got)
	return got, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) GetTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error) {
	return s.primary.GetTradesByAsset(ctx, assetID, limit)
}

func (s *CachedStore) GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	return s.primary.GetTradesByAccount(ctx, accountID, limit)
}

func (s *CachedStore) SaveOrder(ctx context.Context, o *model.Order) error {
	return s.primary.SaveOrder(ctx, o)
}

func (s *CachedStore) GetOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	return s.primary.GetOrdersByAccount(ctx, accountID)
}

func (s *CachedStore) GetRedemptionsByAccount(ctx context.Context, accountID string) ([]model.RedemptionRequest, error) {
	return s.primary.GetRedemptionsByAccount(ctx, accountID)
}

// --- Cache helpers ---

func (s *CachedStore) cached(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cacheJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

const assetListKey = "assets:all"

func assetKey(id string) string      { return fmt.Sprintf("asset:%s", id) }
func redemptionKey(id string) string { return fmt.Sprintf("redemption:%s", id) }
