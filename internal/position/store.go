// Package position owns every account's per-asset holding: quantity, the
// part of it committed to resting sell orders, weighted-average cost basis
// and the redemption lock. Nothing else writes positions.
//
// All mutations go through a single RWMutex so that the two sides of a fill
// are applied as one unit and no reader can observe half of it.
package position

import (
	"context"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/model"
)

// PriceSource supplies the mark price used for valuation.
type PriceSource interface {
	CurrentPrice(ctx context.Context, assetID string) (decimal.Decimal, error)
}

// Journal durably records holdings so they survive a restart. Put writes
// every given holding or none of them.
type Journal interface {
	Put(hs ...Holding) error
	Load() ([]Holding, error)
}

// Holding is the raw state of one account/asset pair.
type Holding struct {
	AccountID   string              `json:"account_id"`
	AssetID     string              `json:"asset_id"`
	Quantity    int64               `json:"quantity"`
	Reserved    int64               `json:"reserved"`
	AverageCost decimal.NullDecimal `json:"average_cost"`
	Locked      bool                `json:"locked"`
}

// Fill is one committed match between a buyer and a seller.
// SellerReserved is the part of Quantity that was reserved by the seller's
// resting order and is consumed by this fill.
type Fill struct {
	AssetID        string
	BuyerID        string
	SellerID       string
	Quantity       int64
	Price          decimal.Decimal
	SellerReserved int64
}

type key struct {
	account string
	asset   string
}

// Store is safe for concurrent use.
type Store struct {
	prices  PriceSource
	journal Journal
	logger  *zap.Logger

	mu       sync.RWMutex
	holdings map[key]*Holding
}

// NewStore creates a position store valued by prices. journal may be nil.
func NewStore(prices PriceSource, journal Journal, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		prices:   prices,
		journal:  journal,
		logger:   logger,
		holdings: make(map[key]*Holding),
	}
}

// Restore loads holdings from the journal. Reservations are dropped since
// resting orders do not survive a restart; redemption locks are kept.
func (s *Store) Restore() (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	hs, err := s.journal.Load()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, h := range hs {
		h := h
		h.Reserved = 0
		s.holdings[key{h.AccountID, h.AssetID}] = &h
	}
	return len(hs), nil
}

// Apply updates one account's position for a single trade leg. A buy folds
// the trade into the weighted-average cost; a sell decrements quantity and
// leaves the average untouched until the position is flat.
func (s *Store) Apply(_ context.Context, accountID, assetID string, side model.Side, qty int64, price decimal.Decimal) error {
	if err := validLeg(side, qty, price); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.holding(accountID, assetID)
	if h.Locked {
		return lockedErr(accountID, assetID)
	}
	if side == model.Sell {
		if err := checkSell(h, qty, 0); err != nil {
			return err
		}
		sell(h, qty, 0)
	} else {
		buy(h, qty, price)
	}
	s.persist(h)
	return nil
}

// Issue distributes qty newly listed tokens to an account at price. Holdings
// of the asset across all accounts never exceed supply, the asset's
// circulating supply; a burned asset (supply 0) cannot be issued again.
func (s *Store) Issue(_ context.Context, accountID, assetID string, qty int64, price decimal.Decimal, supply int64) error {
	if err := validLeg(model.Buy, qty, price); err != nil {
		return err
	}
	if supply <= 0 {
		return model.Errorf(model.CodeInvalidRequest, "asset %s has no circulating supply", assetID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var issued int64
	for k, h := range s.holdings {
		if k.asset == assetID {
			issued += h.Quantity
		}
	}
	if issued+qty > supply {
		return model.Errorf(model.CodeInvalidRequest,
			"cannot issue %d %s: %d of %d already issued", qty, assetID, issued, supply)
	}
	h := s.holding(accountID, assetID)
	if h.Locked {
		return lockedErr(accountID, assetID)
	}
	buy(h, qty, price)
	s.persist(h)

	s.logger.Info("position issued",
		zap.String("account_id", accountID),
		zap.String("asset_id", assetID),
		zap.Int64("quantity", qty),
		zap.Int64("issued", issued+qty),
	)
	return nil
}

// ApplyFill applies both legs of a fill atomically. Both sides are checked
// before either is mutated, so a failure leaves no partial effect.
func (s *Store) ApplyFill(_ context.Context, f Fill) error {
	if err := validLeg(model.Buy, f.Quantity, f.Price); err != nil {
		return err
	}
	if f.BuyerID == f.SellerID {
		return model.Errorf(model.CodeInvalidOrder, "account %s cannot trade with itself", f.BuyerID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	buyer := s.holding(f.BuyerID, f.AssetID)
	seller := s.holding(f.SellerID, f.AssetID)
	if buyer.Locked {
		return lockedErr(f.BuyerID, f.AssetID)
	}
	if seller.Locked {
		return lockedErr(f.SellerID, f.AssetID)
	}
	if err := checkSell(seller, f.Quantity, f.SellerReserved); err != nil {
		return err
	}

	sell(seller, f.Quantity, f.SellerReserved)
	buy(buyer, f.Quantity, f.Price)
	s.persist(seller, buyer)
	return nil
}

// Reserve commits qty of the available quantity to a resting sell order.
func (s *Store) Reserve(_ context.Context, accountID, assetID string, qty int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.holding(accountID, assetID)
	if h.Locked {
		return lockedErr(accountID, assetID)
	}
	if qty <= 0 || h.Quantity-h.Reserved < qty {
		return model.Errorf(model.CodeInsufficientPosition,
			"account %s has %d %s available, needs %d", accountID, h.Quantity-h.Reserved, assetID, qty)
	}
	h.Reserved += qty
	s.persist(h)
	return nil
}

// Release returns up to qty reserved tokens to the available quantity.
func (s *Store) Release(_ context.Context, accountID, assetID string, qty int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holdings[key{accountID, assetID}]
	if !ok || qty <= 0 {
		return
	}
	h.Reserved -= min(qty, h.Reserved)
	s.persist(h)
}

// CheckSell reports whether a new sell of qty could be accepted right now.
func (s *Store) CheckSell(_ context.Context, accountID, assetID string, qty int64) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	h := s.peek(accountID, assetID)
	if h.Locked {
		return lockedErr(accountID, assetID)
	}
	if h.Quantity-h.Reserved < qty {
		return model.Errorf(model.CodeInsufficientPosition,
			"account %s has %d %s available, needs %d", accountID, h.Quantity-h.Reserved, assetID, qty)
	}
	return nil
}

// Locked reports whether a redemption lock is held on the position.
func (s *Store) Locked(accountID, assetID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peek(accountID, assetID).Locked
}

// Lock takes the redemption lock. The account must hold exactly
// totalSupply tokens.
func (s *Store) Lock(_ context.Context, accountID, assetID string, totalSupply int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.holding(accountID, assetID)
	if h.Locked {
		return lockedErr(accountID, assetID)
	}
	if h.Quantity != totalSupply {
		return model.Errorf(model.CodeInsufficientHoldings,
			"account %s holds %d of %d %s tokens", accountID, h.Quantity, totalSupply, assetID)
	}
	h.Locked = true
	s.persist(h)
	return nil
}

// Unlock releases the redemption lock.
func (s *Store) Unlock(_ context.Context, accountID, assetID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.holdings[key{accountID, assetID}]; ok && h.Locked {
		h.Locked = false
		s.persist(h)
	}
}

// Burn zeroes a locked position and releases its lock. It returns the
// holding as it was before the burn; its Quantity is what was destroyed.
func (s *Store) Burn(_ context.Context, accountID, assetID string) (Holding, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.holdings[key{accountID, assetID}]
	if !ok || !h.Locked {
		return Holding{}, model.Errorf(model.CodeInvalidTransition,
			"position %s/%s is not locked for redemption", accountID, assetID)
	}
	prior := *h
	h.Quantity, h.Reserved = 0, 0
	h.AverageCost = decimal.NullDecimal{}
	h.Locked = false
	s.persist(h)
	return prior, nil
}

// Reinstate puts back a holding returned by Burn, redemption lock included.
// It undoes a burn whose redemption could not be recorded.
func (s *Store) Reinstate(_ context.Context, prior Holding) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h := s.holding(prior.AccountID, prior.AssetID)
	*h = prior
	s.persist(h)
	s.logger.Warn("burned position reinstated",
		zap.String("account_id", prior.AccountID),
		zap.String("asset_id", prior.AssetID),
		zap.Int64("quantity", prior.Quantity),
	)
}

// Get returns the valued position. A missing position is a zero position.
func (s *Store) Get(ctx context.Context, accountID, assetID string) (model.Position, error) {
	price, err := s.prices.CurrentPrice(ctx, assetID)
	if err != nil {
		return model.Position{}, err
	}
	s.mu.RLock()
	h := s.peek(accountID, assetID)
	s.mu.RUnlock()
	return valued(h, price), nil
}

// TotalValue sums the market value of every non-zero position.
func (s *Store) TotalValue(ctx context.Context, accountID string) (decimal.Decimal, error) {
	p, err := s.Portfolio(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.TotalValue, nil
}

// Portfolio values every non-zero position of an account, ordered by asset.
func (s *Store) Portfolio(ctx context.Context, accountID string) (model.Portfolio, error) {
	var hs []Holding
	s.mu.RLock()
	for k, h := range s.holdings {
		if k.account == accountID && h.Quantity > 0 {
			hs = append(hs, *h)
		}
	}
	s.mu.RUnlock()
	sort.Slice(hs, func(i, j int) bool { return hs[i].AssetID < hs[j].AssetID })

	p := model.Portfolio{
		AccountID:     accountID,
		Positions:     make([]model.Position, 0, len(hs)),
		TotalValue:    decimal.Zero,
		TotalCost:     decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	for _, h := range hs {
		price, err := s.prices.CurrentPrice(ctx, h.AssetID)
		if err != nil {
			return model.Portfolio{}, err
		}
		pos := valued(h, price)
		p.Positions = append(p.Positions, pos)
		p.TotalValue = p.TotalValue.Add(pos.MarketValue)
		p.TotalCost = p.TotalCost.Add(pos.MarketValue.Sub(pos.UnrealizedPnL))
		p.UnrealizedPnL = p.UnrealizedPnL.Add(pos.UnrealizedPnL)
	}
	return p, nil
}

// holding returns the mutable record, creating it. Caller holds the write lock.
func (s *Store) holding(accountID, assetID string) *Holding {
	k := key{accountID, assetID}
	h, ok := s.holdings[k]
	if !ok {
		h = &Holding{AccountID: accountID, AssetID: assetID}
		s.holdings[k] = h
	}
	return h
}

// peek returns a copy without creating. Caller holds at least the read lock.
func (s *Store) peek(accountID, assetID string) Holding {
	if h, ok := s.holdings[key{accountID, assetID}]; ok {
		return *h
	}
	return Holding{AccountID: accountID, AssetID: assetID}
}

// persist journals hs in one write. Caller holds the write lock.
func (s *Store) persist(hs ...*Holding) {
	if s.journal == nil {
		return
	}
	batch := make([]Holding, len(hs))
	for i, h := range hs {
		batch[i] = *h
	}
	if err := s.journal.Put(batch...); err != nil {
		s.logger.Error("position journal write failed",
			zap.String("account_id", hs[0].AccountID),
			zap.String("asset_id", hs[0].AssetID),
			zap.Int("holdings", len(hs)),
			zap.Error(err),
		)
	}
}

func validLeg(side model.Side, qty int64, price decimal.Decimal) error {
	if !side.Valid() {
		return model.Errorf(model.CodeInvalidOrder, "invalid side %q", side)
	}
	if qty <= 0 {
		return model.Errorf(model.CodeInvalidOrder, "quantity must be positive, got %d", qty)
	}
	if !price.IsPositive() {
		return model.Errorf(model.CodeInvalidOrder, "price must be positive, got %s", price)
	}
	return nil
}

// checkSell verifies that selling qty, of which reserved was set aside by
// the seller's own resting order, does not dip into other reservations or
// below zero.
func checkSell(h *Holding, qty, reserved int64) error {
	free := h.Quantity - h.Reserved + min(reserved, h.Reserved)
	if qty > free {
		return model.Errorf(model.CodeInsufficientPosition,
			"account %s has %d %s available, sell needs %d", h.AccountID, free, h.AssetID, qty)
	}
	return nil
}

func sell(h *Holding, qty, reserved int64) {
	h.Reserved -= min(reserved, h.Reserved)
	h.Quantity -= qty
	if h.Quantity == 0 {
		h.AverageCost = decimal.NullDecimal{}
	}
}

func buy(h *Holding, qty int64, price decimal.Decimal) {
	q := decimal.NewFromInt(qty)
	if !h.AverageCost.Valid || h.Quantity == 0 {
		h.AverageCost = decimal.NewNullDecimal(price)
	} else {
		old := decimal.NewFromInt(h.Quantity)
		total := old.Mul(h.AverageCost.Decimal).Add(q.Mul(price))
		h.AverageCost = decimal.NewNullDecimal(total.Div(old.Add(q)))
	}
	h.Quantity += qty
}

func valued(h Holding, price decimal.Decimal) model.Position {
	p := model.Position{
		AccountID:     h.AccountID,
		AssetID:       h.AssetID,
		Quantity:      h.Quantity,
		Reserved:      h.Reserved,
		AverageCost:   h.AverageCost,
		CurrentPrice:  price,
		MarketValue:   price.Mul(decimal.NewFromInt(h.Quantity)),
		UnrealizedPnL: decimal.Zero,
		Locked:        h.Locked,
	}
	if h.AverageCost.Valid && h.Quantity > 0 {
		cost := h.AverageCost.Decimal.Mul(decimal.NewFromInt(h.Quantity))
		p.UnrealizedPnL = p.MarketValue.Sub(cost)
	}
	return p
}

func lockedErr(accountID, assetID string) error {
	return model.Errorf(model.CodePositionLocked,
		"position %s/%s is locked by a pending redemption", accountID, assetID)
}
