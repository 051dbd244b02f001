package store

import (
	"context"
	"sort"
	"sync"

	"github.com/collectfi/market-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu          sync.RWMutex
	assets      map[string]*model.Asset
	trades      []model.Trade
	orders      map[string]*model.Order
	orderSeq    []string // insertion order of order ids
	redemptions map[string]*model.RedemptionRequest
	redeemSeq   []string
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		assets:      make(map[string]*model.Asset),
		orders:      make(map[string]*model.Order),
		redemptions: make(map[string]*model.RedemptionRequest),
	}
}

func (s *MemoryStore) CreateAsset(_ context.Context, a *model.Asset) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.assets[a.ID]; ok {
		return model.Errorf(model.CodeAlreadyExists, "asset %s already exists", a.ID)
	}
	for _, existing := range s.assets {
		if a.Symbol != "" && existing.Symbol == a.Symbol {
			return model.Errorf(model.CodeAlreadyExists, "asset symbol %s already exists", a.Symbol)
		}
	}

	// Store a copy to avoid external mutation.
	copy := *a
	s.assets[a.ID] = &copy
	return nil
}

func (s *MemoryStore) GetAsset(_ context.Context, id string) (*model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.assets[id]
	if !ok {
		return nil, model.Errorf(model.CodeUnknownAsset, "asset %s not found", id)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) ListAssets(_ context.Context) ([]model.Asset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	assets := make([]model.Asset, 0, len(s.assets))
	for _, a := range s.assets {
		assets = append(assets, *a)
	}
	sort.Slice(assets, func(i, j int) bool {
		return assets[i].CreatedAt.Before(assets[j].CreatedAt) ||
			(assets[i].CreatedAt.Equal(assets[j].CreatedAt) && assets[i].ID < assets[j].ID)
	})
	return assets, nil
}

func (s *MemoryStore) UpdateCirculatingSupply(_ context.Context, id string, circulating int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.assets[id]
	if !ok {
		return model.Errorf(model.CodeUnknownAsset, "asset %s not found", id)
	}
	a.CirculatingSupply = circulating
	return nil
}

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) GetTradesByAsset(_ context.Context, assetID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recentTrades(limit, func(t *model.Trade) bool { return t.AssetID == assetID }), nil
}

func (s *MemoryStore) GetTradesByAccount(_ context.Context, accountID string, limit int) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.recentTrades(limit, func(t *model.Trade) bool {
		return t.BuyerID == accountID || t.SellerID == accountID
	}), nil
}

// recentTrades walks the log newest-first. Caller holds the read lock.
func (s *MemoryStore) recentTrades(limit int, keep func(*model.Trade) bool) []model.Trade {
	var result []model.Trade
	for i := len(s.trades) - 1; i >= 0; i-- {
		if !keep(&s.trades[i]) {
			continue
		}
		result = append(result, s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result
}

func (s *MemoryStore) SaveOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; !ok {
		s.orderSeq = append(s.orderSeq, o.ID)
	}
	copy := *o
	s.orders[o.ID] = &copy
	return nil
}

func (s *MemoryStore) GetOrdersByAccount(_ context.Context, accountID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Order
	for _, id := range s.orderSeq {
		if o := s.orders[id]; o.AccountID == accountID {
			result = append(result, *o)
		}
	}
	return result, nil
}

func (s *MemoryStore) SaveRedemption(_ context.Context, r *model.RedemptionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.redemptions[r.ID]; !ok {
		s.redeemSeq = append(s.redeemSeq, r.ID)
	}
	copy := *r
	s.redemptions[r.ID] = &copy
	return nil
}

func (s *MemoryStore) GetRedemption(_ context.Context, id string) (*model.RedemptionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.redemptions[id]
	if !ok {
		return nil, model.Errorf(model.CodeNotFound, "redemption %s not found", id)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) GetRedemptionsByAccount(_ context.Context, accountID string) ([]model.RedemptionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.RedemptionRequest
	for _, id := range s.redeemSeq {
		if r := s.redemptions[id]; r.AccountID == accountID {
			result = append(result, *r)
		}
	}
	return result, nil
}
