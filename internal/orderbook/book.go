// Package orderbook holds the resting limit orders of one asset.
//
// Each side is a slice of price levels kept sorted best-first (bids by price
// descending, asks ascending); each level is a FIFO of orders in arrival
// order. Together that is price-time priority. An id index gives direct
// lookup for cancellation.
//
// A Book is not safe for concurrent use: the matching engine serialises all
// access to one asset's book.
package orderbook

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/collectfi/market-engine/internal/model"
)

// Level is an aggregated view of one price level.
type Level struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

type level struct {
	price  decimal.Decimal
	orders []*model.Order
}

type side struct {
	levels []*level
	// better reports whether price a has priority over price b.
	better func(a, b decimal.Decimal) bool
}

// Book is one asset's two-sided book.
type Book struct {
	assetID string
	bids    side
	asks    side
	index   map[string]*model.Order
}

// New creates an empty book for an asset.
func New(assetID string) *Book {
	return &Book{
		assetID: assetID,
		bids:    side{better: func(a, b decimal.Decimal) bool { return a.GreaterThan(b) }},
		asks:    side{better: func(a, b decimal.Decimal) bool { return a.LessThan(b) }},
		index:   make(map[string]*model.Order),
	}
}

// Len returns the number of resting orders.
func (b *Book) Len() int { return len(b.index) }

// Insert rests a limit order behind every order already at its price.
// The book keeps the pointer; the caller must not mutate Remaining except
// through Reduce.
func (b *Book) Insert(o *model.Order) error {
	switch {
	case o.AssetID != b.assetID:
		return model.Errorf(model.CodeInvalidOrder, "order %s is for asset %s, book is %s", o.ID, o.AssetID, b.assetID)
	case !o.Side.Valid():
		return model.Errorf(model.CodeInvalidOrder, "invalid side %q", o.Side)
	case o.Kind != model.Limit:
		return model.Errorf(model.CodeInvalidOrder, "only limit orders can rest, got %s", o.Kind)
	case o.Quantity <= 0 || o.Remaining <= 0 || o.Remaining > o.Quantity:
		return model.Errorf(model.CodeInvalidOrder, "quantity must be positive, got %d (remaining %d)", o.Quantity, o.Remaining)
	case !o.LimitPrice.IsPositive():
		return model.Errorf(model.CodeInvalidOrder, "limit price must be positive, got %s", o.LimitPrice)
	case o.Status.Terminal():
		return model.Errorf(model.CodeInvalidOrder, "order %s is %s", o.ID, o.Status)
	}
	if _, dup := b.index[o.ID]; dup {
		return model.Errorf(model.CodeInvalidOrder, "order %s already resting", o.ID)
	}

	s := b.sideOf(o.Side)
	i := s.search(o.LimitPrice)
	if i < len(s.levels) && s.levels[i].price.Equal(o.LimitPrice) {
		s.levels[i].orders = append(s.levels[i].orders, o)
	} else {
		s.levels = append(s.levels, nil)
		copy(s.levels[i+1:], s.levels[i:])
		s.levels[i] = &level{price: o.LimitPrice, orders: []*model.Order{o}}
	}
	b.index[o.ID] = o
	return nil
}

// Remove takes a resting order out of the book on behalf of accountID.
func (b *Book) Remove(orderID, accountID string) (*model.Order, error) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, model.Errorf(model.CodeNotFound, "order %s not found", orderID)
	}
	if o.AccountID != accountID {
		return nil, model.Errorf(model.CodeUnauthorized, "order %s is not owned by %s", orderID, accountID)
	}
	if o.Status.Terminal() {
		return nil, model.Errorf(model.CodeNotCancellable, "order %s is already %s", orderID, o.Status)
	}
	b.unlink(o)
	return o, nil
}

// Reduce lowers a resting order's remaining quantity by qty, removing it
// from the book when nothing is left.
func (b *Book) Reduce(orderID string, qty int64) (*model.Order, error) {
	o, ok := b.index[orderID]
	if !ok {
		return nil, model.Errorf(model.CodeNotFound, "order %s not found", orderID)
	}
	if qty <= 0 || qty > o.Remaining {
		return nil, model.Errorf(model.CodeInvalidOrder, "cannot reduce order %s by %d (remaining %d)", orderID, qty, o.Remaining)
	}
	o.Remaining -= qty
	if o.Remaining == 0 {
		b.unlink(o)
	}
	return o, nil
}

// BestBid returns the highest resting bid price.
func (b *Book) BestBid() (decimal.Decimal, bool) { return b.bids.top() }

// BestAsk returns the lowest resting ask price.
func (b *Book) BestAsk() (decimal.Decimal, bool) { return b.asks.top() }

// Best walks one side in price-time priority and returns the first order
// for which skip is false. skip may be nil.
func (b *Book) Best(s model.Side, skip func(*model.Order) bool) *model.Order {
	for _, lvl := range b.sideOf(s).levels {
		for _, o := range lvl.orders {
			if skip == nil || !skip(o) {
				return o
			}
		}
	}
	return nil
}

// Depth aggregates up to n levels of one side, best first. n <= 0 returns
// every level.
func (b *Book) Depth(s model.Side, n int) []Level {
	levels := b.sideOf(s).levels
	if n > 0 && n < len(levels) {
		levels = levels[:n]
	}
	out := make([]Level, 0, len(levels))
	for _, lvl := range levels {
		agg := Level{Price: lvl.price, Orders: len(lvl.orders)}
		for _, o := range lvl.orders {
			agg.Quantity += o.Remaining
		}
		out = append(out, agg)
	}
	return out
}

// OrdersFor returns copies of an account's resting orders, oldest first.
func (b *Book) OrdersFor(accountID string) []model.Order {
	var out []model.Order
	for _, o := range b.index {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (b *Book) sideOf(s model.Side) *side {
	if s == model.Buy {
		return &b.bids
	}
	return &b.asks
}

func (b *Book) unlink(o *model.Order) {
	delete(b.index, o.ID)
	s := b.sideOf(o.Side)
	i := s.search(o.LimitPrice)
	if i >= len(s.levels) || !s.levels[i].price.Equal(o.LimitPrice) {
		return
	}
	lvl := s.levels[i]
	for j, resting := range lvl.orders {
		if resting.ID == o.ID {
			lvl.orders = append(lvl.orders[:j], lvl.orders[j+1:]...)
			break
		}
	}
	if len(lvl.orders) == 0 {
		s.levels = append(s.levels[:i], s.levels[i+1:]...)
	}
}

// search returns the index of the first level that does not have priority
// over price: the level at price if it exists, else the insertion point.
func (s *side) search(price decimal.Decimal) int {
	return sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].price, price)
	})
}

func (s *side) top() (decimal.Decimal, bool) {
	if len(s.levels) == 0 {
		return decimal.Zero, false
	}
	return s.levels[0].price, true
}
