// Package ledger keeps the per-asset price series produced by committed
// fills: the current price, a bounded history, rolling-window change and
// the market-data summary served to clients.
//
// Points are only ever appended by RecordTrade. There is no synthetic price
// path: an asset with no trades reports its seed price.
package ledger

import (
	"context"
	"iter"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectfi/market-engine/internal/clock"
	"github.com/collectfi/market-engine/internal/model"
)

// DefaultRetention is the number of points kept per asset.
const DefaultRetention = 1000

var hundred = decimal.NewFromInt(100)

// AssetLookup resolves asset reference data.
type AssetLookup interface {
	Get(ctx context.Context, id string) (*model.Asset, error)
}

// Change is the movement between the earliest and latest point of a window.
type Change struct {
	Absolute decimal.Decimal `json:"absolute"`
	Percent  decimal.Decimal `json:"percent"`
}

// MarketData is the summary of one asset over the market-data window.
type MarketData struct {
	AssetID      string          `json:"asset_id"`
	Symbol       string          `json:"symbol"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Change       Change          `json:"change_24h"`
	Volume       int64           `json:"volume_24h"`
	MarketCap    decimal.Decimal `json:"market_cap"`
	High         decimal.Decimal `json:"high_24h"`
	Low          decimal.Decimal `json:"low_24h"`
	Trades       int             `json:"trades_24h"`
	LastTradeAt  *time.Time      `json:"last_trade_at,omitempty"`
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetention bounds the number of points kept per asset.
func WithRetention(n int) Option {
	return func(l *Ledger) {
		if n > 0 {
			l.retention = n
		}
	}
}

// WithClock overrides the time source used for point timestamps and windows.
func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

// WithMarketWindow sets the window summarised by MarketData.
func WithMarketWindow(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.window = d
		}
	}
}

// Ledger is safe for concurrent use.
type Ledger struct {
	assets    AssetLookup
	retention int
	window    time.Duration
	clock     clock.Clock

	mu     sync.RWMutex
	series map[string][]model.PricePoint
}

// New creates a ledger over the given asset lookup.
func New(assets AssetLookup, opts ...Option) *Ledger {
	l := &Ledger{
		assets:    assets,
		retention: DefaultRetention,
		window:    24 * time.Hour,
		clock:     clock.Real{},
		series:    make(map[string][]model.PricePoint),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// RecordTrade appends a point stamped with the current time. Market cap is
// price × circulating supply at the moment of the trade.
func (l *Ledger) RecordTrade(ctx context.Context, assetID string, price decimal.Decimal, volume int64) (model.PricePoint, error) {
	a, err := l.assets.Get(ctx, assetID)
	if err != nil {
		return model.PricePoint{}, err
	}
	if !price.IsPositive() || volume <= 0 {
		return model.PricePoint{}, model.Errorf(model.CodeInvalidOrder,
			"trade must have positive price and volume, got %s x %d", price, volume)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	pt := model.PricePoint{
		Timestamp: l.clock.Now(),
		Price:     price,
		Volume:    volume,
		MarketCap: price.Mul(decimal.NewFromInt(a.CirculatingSupply)),
	}
	s := l.series[assetID]
	// Timestamps never go backwards within a series.
	if n := len(s); n > 0 && pt.Timestamp.Before(s[n-1].Timestamp) {
		pt.Timestamp = s[n-1].Timestamp
	}
	s = append(s, pt)
	if len(s) > l.retention {
		s = s[len(s)-l.retention:]
		// Elements of a published slice are never rewritten; compacting
		// copies into a fresh array so iterators holding the old one stay valid.
		if cap(s) > 2*l.retention {
			s = append(make([]model.PricePoint, 0, l.retention+l.retention/2), s...)
		}
	}
	l.series[assetID] = s
	return pt, nil
}

// CurrentPrice returns the latest traded price, or the seed price when the
// asset has never traded.
func (l *Ledger) CurrentPrice(ctx context.Context, assetID string) (decimal.Decimal, error) {
	a, err := l.assets.Get(ctx, assetID)
	if err != nil {
		return decimal.Zero, err
	}
	if last, ok := l.last(assetID); ok {
		return last.Price, nil
	}
	return a.SeedPrice, nil
}

// History returns the points with Timestamp >= since, oldest first. The
// sequence is evaluated lazily; each range over it reads the series afresh.
func (l *Ledger) History(ctx context.Context, assetID string, since time.Time) (iter.Seq[model.PricePoint], error) {
	if _, err := l.assets.Get(ctx, assetID); err != nil {
		return nil, err
	}
	return func(yield func(model.PricePoint) bool) {
		s := l.snapshot(assetID)
		for i := firstAtOrAfter(s, since); i < len(s); i++ {
			if !yield(s[i]) {
				return
			}
		}
	}, nil
}

// Change compares the earliest and latest points inside the rolling window
// ending now. Fewer than two points yield a zero change.
func (l *Ledger) Change(ctx context.Context, assetID string, window time.Duration) (Change, error) {
	if _, err := l.assets.Get(ctx, assetID); err != nil {
		return Change{}, err
	}
	s := l.snapshot(assetID)
	return changeOf(s[firstAtOrAfter(s, l.clock.Now().Add(-window)):]), nil
}

// MarketData summarises the asset over the configured window. High and low
// fall back to the current price when nothing traded in the window.
func (l *Ledger) MarketData(ctx context.Context, assetID string) (MarketData, error) {
	a, err := l.assets.Get(ctx, assetID)
	if err != nil {
		return MarketData{}, err
	}
	s := l.snapshot(assetID)

	md := MarketData{
		AssetID:      a.ID,
		Symbol:       a.Symbol,
		CurrentPrice: a.SeedPrice,
	}
	if n := len(s); n > 0 {
		md.CurrentPrice = s[n-1].Price
		ts := s[n-1].Timestamp
		md.LastTradeAt = &ts
	}
	md.MarketCap = md.CurrentPrice.Mul(decimal.NewFromInt(a.CirculatingSupply))
	md.High, md.Low = md.CurrentPrice, md.CurrentPrice

	win := s[firstAtOrAfter(s, l.clock.Now().Add(-l.window)):]
	md.Change = changeOf(win)
	md.Trades = len(win)
	for i, p := range win {
		md.Volume += p.Volume
		if i == 0 || p.Price.GreaterThan(md.High) {
			md.High = p.Price
		}
		if i == 0 || p.Price.LessThan(md.Low) {
			md.Low = p.Price
		}
	}
	return md, nil
}

func (l *Ledger) snapshot(assetID string) []model.PricePoint {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.series[assetID]
}

func (l *Ledger) last(assetID string) (model.PricePoint, bool) {
	s := l.snapshot(assetID)
	if len(s) == 0 {
		return model.PricePoint{}, false
	}
	return s[len(s)-1], true
}

func firstAtOrAfter(s []model.PricePoint, t time.Time) int {
	return sort.Search(len(s), func(i int) bool { return !s[i].Timestamp.Before(t) })
}

func changeOf(win []model.PricePoint) Change {
	if len(win) < 2 {
		return Change{Absolute: decimal.Zero, Percent: decimal.Zero}
	}
	first, last := win[0].Price, win[len(win)-1].Price
	abs := last.Sub(first)
	return Change{
		Absolute: abs,
		Percent:  abs.Div(first).Mul(hundred).Round(4),
	}
}
