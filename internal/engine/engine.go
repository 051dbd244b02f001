// Package engine is the matching engine: it accepts orders, matches them
// against the asset's book under price-time priority, and commits each fill
// to positions, the price ledger and the trade log.
//
// Everything touching one asset's book runs under that asset's mutex, so
// check-then-match has no race window. Different assets match in parallel.
package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/collectfi/market-engine/internal/clock"
	"github.com/collectfi/market-engine/internal/metrics"
	"github.com/collectfi/market-engine/internal/model"
	"github.com/collectfi/market-engine/internal/orderbook"
	"github.com/collectfi/market-engine/internal/position"
	"github.com/collectfi/market-engine/internal/settlement"
	"github.com/collectfi/market-engine/internal/store"
)

// AssetLookup resolves asset reference data.
type AssetLookup interface {
	Get(ctx context.Context, id string) (*model.Asset, error)
}

// PriceRecorder receives one point per fill.
type PriceRecorder interface {
	RecordTrade(ctx context.Context, assetID string, price decimal.Decimal, volume int64) (model.PricePoint, error)
}

// Positions is the part of the position store the engine drives.
type Positions interface {
	CheckSell(ctx context.Context, accountID, assetID string, qty int64) error
	Reserve(ctx context.Context, accountID, assetID string, qty int64) error
	Release(ctx context.Context, accountID, assetID string, qty int64)
	ApplyFill(ctx context.Context, f position.Fill) error
	Locked(accountID, assetID string) bool
}

// Listener observes committed engine events. Implementations must not
// block; they are called inside the asset's critical section.
type Listener interface {
	OnFill(trade model.Trade, point model.PricePoint)
	OnOrder(order model.Order)
}

// SubmitRequest is an incoming order. LimitPrice is ignored for market
// orders.
type SubmitRequest struct {
	AccountID  string          `json:"account_id"`
	AssetID    string          `json:"asset_id"`
	Side       model.Side      `json:"side"`
	Kind       model.OrderKind `json:"kind"`
	Quantity   int64           `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price"`
}

// Execution is the outcome of an accepted order.
type Execution struct {
	Order model.Order   `json:"order"`
	Fills []model.Trade `json:"fills"`
	// Unfilled is the quantity of a market order left unmatched and failed.
	Unfilled int64 `json:"unfilled,omitempty"`
}

// BookSnapshot is the aggregated depth of one asset's book.
type BookSnapshot struct {
	AssetID string            `json:"asset_id"`
	Bids    []orderbook.Level `json:"bids"`
	Asks    []orderbook.Level `json:"asks"`
}

// Config wires an Engine's collaborators.
type Config struct {
	Assets    AssetLookup
	Ledger    PriceRecorder
	Positions Positions
	Store     store.Store
	Sink      settlement.Sink
	Listener  Listener
	Logger    *zap.Logger
	Clock     clock.Clock
}

// Engine is safe for concurrent use.
type Engine struct {
	assets    AssetLookup
	ledger    PriceRecorder
	positions Positions
	store     store.Store
	sink      settlement.Sink
	listener  Listener
	logger    *zap.Logger
	clock     clock.Clock

	books *orderbook.Books
	seq   atomic.Uint64

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	// orders indexes every order the engine has accepted, open or terminal.
	// Order fields are only read or written under the owning asset's lock.
	ordersMu sync.RWMutex
	orders   map[string]*model.Order
}

// New creates an engine.
func New(cfg Config) *Engine {
	e := &Engine{
		assets:    cfg.Assets,
		ledger:    cfg.Ledger,
		positions: cfg.Positions,
		store:     cfg.Store,
		sink:      cfg.Sink,
		listener:  cfg.Listener,
		logger:    cfg.Logger,
		clock:     cfg.Clock,
		books:     orderbook.NewBooks(),
		locks:     make(map[string]*sync.Mutex),
		orders:    make(map[string]*model.Order),
	}
	if e.sink == nil {
		e.sink = settlement.Nop{}
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	if e.clock == nil {
		e.clock = clock.Real{}
	}
	return e
}

// SubmitOrder validates, matches and, for limit orders, rests the remainder.
//
// A market order that finds no counterparty at all fails with
// model.ErrInsufficientLiquidity and leaves no trace. A market order that is
// only partly filled succeeds; its remainder is marked failed and reported
// in Execution.Unfilled.
func (e *Engine) SubmitOrder(ctx context.Context, req SubmitRequest) (*Execution, error) {
	exec, err := e.submit(ctx, req)
	if err != nil {
		code := model.CodeOf(err)
		if code == "" {
			code = "internal"
		}
		metrics.OrderRejections.WithLabelValues(string(code)).Inc()
		e.logger.Info("order rejected",
			zap.String("account_id", req.AccountID),
			zap.String("asset_id", req.AssetID),
			zap.String("side", string(req.Side)),
			zap.String("kind", string(req.Kind)),
			zap.Int64("quantity", req.Quantity),
			zap.String("code", string(code)),
			zap.Error(err),
		)
		return nil, err
	}
	metrics.OrdersTotal.WithLabelValues(string(exec.Order.Kind), string(exec.Order.Side), string(exec.Order.Status)).Inc()
	e.logger.Info("order accepted",
		zap.String("order_id", exec.Order.ID),
		zap.String("account_id", exec.Order.AccountID),
		zap.String("asset_id", exec.Order.AssetID),
		zap.String("status", string(exec.Order.Status)),
		zap.Int("fills", len(exec.Fills)),
		zap.Int64("remaining", exec.Order.Remaining),
	)
	return exec, nil
}

func (e *Engine) submit(ctx context.Context, req SubmitRequest) (*Execution, error) {
	if err := validate(&req); err != nil {
		return nil, err
	}
	a, err := e.assets.Get(ctx, req.AssetID)
	if err != nil {
		return nil, err
	}
	if a.CirculatingSupply == 0 {
		return nil, model.Errorf(model.CodeInvalidOrder, "asset %s has been redeemed and no longer trades", a.ID)
	}
	if req.Quantity > a.TotalSupply {
		return nil, model.Errorf(model.CodeInvalidOrder,
			"quantity %d exceeds total supply %d of %s", req.Quantity, a.TotalSupply, a.ID)
	}

	mu := e.lockFor(req.AssetID)
	mu.Lock()
	defer mu.Unlock()
	start := time.Now()
	defer func() { metrics.MatchLatency.WithLabelValues(string(req.Kind)).Observe(time.Since(start).Seconds()) }()

	book := e.books.For(req.AssetID)
	skipSelf := func(o *model.Order) bool { return o.AccountID == req.AccountID }

	// Acceptance checks. Nothing has been mutated yet.
	if e.positions.Locked(req.AccountID, req.AssetID) {
		return nil, model.Errorf(model.CodePositionLocked,
			"position %s/%s is locked by a pending redemption", req.AccountID, req.AssetID)
	}
	if req.Side == model.Sell {
		if err := e.positions.CheckSell(ctx, req.AccountID, req.AssetID, req.Quantity); err != nil {
			return nil, err
		}
	}
	if req.Kind == model.Market && book.Best(req.Side.Opposite(), skipSelf) == nil {
		return nil, model.Errorf(model.CodeInsufficientLiquidity,
			"no %s liquidity for %s", req.Side.Opposite(), req.AssetID)
	}

	now := e.clock.Now()
	o := &model.Order{
		ID:         uuid.New().String(),
		AccountID:  req.AccountID,
		AssetID:    req.AssetID,
		Side:       req.Side,
		Kind:       req.Kind,
		Quantity:   req.Quantity,
		Remaining:  req.Quantity,
		LimitPrice: req.LimitPrice,
		Status:     model.OrderPending,
		Seq:        e.seq.Add(1),
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	fills, takerLocked := e.match(ctx, book, o)

	switch {
	case o.Remaining == 0:
		o.Status = model.OrderFilled
	case o.Kind == model.Market && len(fills) == 0:
		// Every candidate maker fell away during matching.
		return nil, model.Errorf(model.CodeInsufficientLiquidity,
			"no %s liquidity for %s", req.Side.Opposite(), req.AssetID)
	case o.Kind == model.Market:
		o.Status = model.OrderFailed
	case takerLocked:
		o.Status = model.OrderCancelled
		metrics.CancelsTotal.WithLabelValues("position_locked").Inc()
	default:
		if err := e.rest(ctx, book, o, len(fills) > 0); err != nil {
			// The remainder cannot rest; what already filled stands.
			e.logger.Warn("order remainder not rested",
				zap.String("order_id", o.ID),
				zap.Int64("remaining", o.Remaining),
				zap.Error(err),
			)
			o.Status = model.OrderCancelled
			if len(fills) == 0 {
				return nil, err
			}
		}
	}
	o.UpdatedAt = e.clock.Now()

	e.register(o)
	e.record(ctx, o)
	if e.listener != nil {
		e.listener.OnOrder(*o)
	}
	metrics.RestingOrders.WithLabelValues(req.AssetID).Set(float64(book.Len()))

	exec := &Execution{Order: *o, Fills: fills}
	if o.Status == model.OrderFailed {
		exec.Unfilled = o.Remaining
	}
	return exec, nil
}

// match takes liquidity for o until it is filled, the opposite side is
// exhausted or, for limit orders, no longer crosses. It reports whether the
// taker's own position became locked mid-match.
func (e *Engine) match(ctx context.Context, book *orderbook.Book, o *model.Order) ([]model.Trade, bool) {
	var fills []model.Trade
	opposite := o.Side.Opposite()
	skipSelf := func(m *model.Order) bool { return m.AccountID == o.AccountID }

	for o.Remaining > 0 {
		maker := book.Best(opposite, skipSelf)
		if maker == nil || !crosses(o, maker.LimitPrice) {
			break
		}

		qty := min(o.Remaining, maker.Remaining)
		price := maker.LimitPrice
		f := position.Fill{AssetID: o.AssetID, Quantity: qty, Price: price}
		if o.Side == model.Buy {
			f.BuyerID, f.SellerID = o.AccountID, maker.AccountID
			f.SellerReserved = qty
		} else {
			f.BuyerID, f.SellerID = maker.AccountID, o.AccountID
		}

		// Re-checked at commit: a redemption may have locked either side
		// since acceptance.
		if err := e.positions.ApplyFill(ctx, f); err != nil {
			if errors.Is(err, model.ErrPositionLocked) && e.positions.Locked(o.AccountID, o.AssetID) {
				return fills, true
			}
			// The maker can no longer honour its order.
			e.logger.Warn("resting order cancelled at fill",
				zap.String("order_id", maker.ID),
				zap.String("account_id", maker.AccountID),
				zap.Error(err),
			)
			if !e.cancelResting(ctx, book, maker, "maker_unfillable") {
				break
			}
			continue
		}

		if _, err := book.Reduce(maker.ID, qty); err != nil {
			// Unreachable while the book is only touched under the asset lock.
			e.logger.Error("book reduce failed", zap.String("order_id", maker.ID), zap.Error(err))
		}
		o.Remaining -= qty
		o.Status = model.OrderPartiallyFilled
		now := e.clock.Now()
		maker.UpdatedAt = now
		if maker.Remaining == 0 {
			maker.Status = model.OrderFilled
		} else {
			maker.Status = model.OrderPartiallyFilled
		}

		t := model.Trade{
			ID:         uuid.New().String(),
			AssetID:    o.AssetID,
			TakerSide:  o.Side,
			Price:      price,
			Quantity:   qty,
			ExecutedAt: now,
		}
		if o.Side == model.Buy {
			t.BuyOrderID, t.SellOrderID = o.ID, maker.ID
		} else {
			t.BuyOrderID, t.SellOrderID = maker.ID, o.ID
		}
		t.BuyerID, t.SellerID = f.BuyerID, f.SellerID

		e.commitFill(ctx, t, maker)
		fills = append(fills, t)
	}
	return fills, false
}

// commitFill records the side effects of a fill whose positions are already
// applied.
func (e *Engine) commitFill(ctx context.Context, t model.Trade, maker *model.Order) {
	point, err := e.ledger.RecordTrade(ctx, t.AssetID, t.Price, t.Quantity)
	if err != nil {
		e.logger.Error("price ledger rejected fill", zap.String("trade_id", t.ID), zap.Error(err))
	}
	if err := e.store.InsertTrade(ctx, &t); err != nil {
		e.logger.Error("trade log append failed", zap.String("trade_id", t.ID), zap.Error(err))
	}
	e.record(ctx, maker)

	metrics.FillsTotal.WithLabelValues(t.AssetID).Inc()
	metrics.FillVolume.WithLabelValues(t.AssetID).Add(float64(t.Quantity))
	notional, _ := t.Notional().Float64()
	metrics.FillNotional.WithLabelValues(t.AssetID).Add(notional)
	e.logger.Info("fill",
		zap.String("trade_id", t.ID),
		zap.String("asset_id", t.AssetID),
		zap.String("buyer_id", t.BuyerID),
		zap.String("seller_id", t.SellerID),
		zap.String("price", t.Price.String()),
		zap.Int64("quantity", t.Quantity),
	)

	e.sink.Notify(settlement.FillEvent(t))
	if e.listener != nil {
		e.listener.OnFill(t, point)
		e.listener.OnOrder(*maker)
	}
}

// rest inserts the remainder of a limit order, reserving sell quantity.
func (e *Engine) rest(ctx context.Context, book *orderbook.Book, o *model.Order, partlyFilled bool) error {
	if o.Side == model.Sell {
		if err := e.positions.Reserve(ctx, o.AccountID, o.AssetID, o.Remaining); err != nil {
			return err
		}
	}
	if partlyFilled {
		o.Status = model.OrderPartiallyFilled
	} else {
		o.Status = model.OrderPending
	}
	if err := book.Insert(o); err != nil {
		if o.Side == model.Sell {
			e.positions.Release(ctx, o.AccountID, o.AssetID, o.Remaining)
		}
		return err
	}
	return nil
}

// CancelOrder cancels a resting order owned by accountID.
func (e *Engine) CancelOrder(ctx context.Context, orderID, accountID string) (bool, error) {
	assetID, ok := e.assetOf(orderID)
	if !ok {
		return false, model.Errorf(model.CodeNotFound, "order %s not found", orderID)
	}

	mu := e.lockFor(assetID)
	mu.Lock()
	defer mu.Unlock()

	o := e.lookup(orderID)
	if o.AccountID != accountID {
		return false, model.Errorf(model.CodeUnauthorized, "order %s is not owned by %s", orderID, accountID)
	}
	if o.Status.Terminal() {
		return false, model.Errorf(model.CodeNotCancellable, "order %s is already %s", orderID, o.Status)
	}

	book := e.books.For(assetID)
	if _, err := book.Remove(orderID, accountID); err != nil {
		return false, err
	}
	e.finishCancel(ctx, o, "user")
	metrics.RestingOrders.WithLabelValues(assetID).Set(float64(book.Len()))
	return true, nil
}

// CancelAccountOrders cancels every order accountID has resting on an asset
// and returns how many were cancelled.
func (e *Engine) CancelAccountOrders(ctx context.Context, accountID, assetID, reason string) int {
	mu := e.lockFor(assetID)
	mu.Lock()
	defer mu.Unlock()

	book := e.books.For(assetID)
	resting := book.OrdersFor(accountID)
	for _, snap := range resting {
		o, err := book.Remove(snap.ID, accountID)
		if err != nil {
			continue
		}
		e.finishCancel(ctx, o, reason)
	}
	metrics.RestingOrders.WithLabelValues(assetID).Set(float64(book.Len()))
	return len(resting)
}

// cancelResting removes a maker that can no longer trade. Caller holds the
// asset lock.
func (e *Engine) cancelResting(ctx context.Context, book *orderbook.Book, o *model.Order, reason string) bool {
	if _, err := book.Remove(o.ID, o.AccountID); err != nil {
		e.logger.Error("resting order removal failed", zap.String("order_id", o.ID), zap.Error(err))
		return false
	}
	e.finishCancel(ctx, o, reason)
	return true
}

func (e *Engine) finishCancel(ctx context.Context, o *model.Order, reason string) {
	if o.Side == model.Sell {
		e.positions.Release(ctx, o.AccountID, o.AssetID, o.Remaining)
	}
	o.Status = model.OrderCancelled
	o.UpdatedAt = e.clock.Now()
	e.record(ctx, o)
	if e.listener != nil {
		e.listener.OnOrder(*o)
	}
	metrics.CancelsTotal.WithLabelValues(reason).Inc()
	e.logger.Info("order cancelled",
		zap.String("order_id", o.ID),
		zap.String("account_id", o.AccountID),
		zap.String("reason", reason),
		zap.Int64("remaining", o.Remaining),
	)
}

// GetOrder returns a snapshot of an order owned by accountID.
func (e *Engine) GetOrder(_ context.Context, orderID, accountID string) (model.Order, error) {
	assetID, ok := e.assetOf(orderID)
	if !ok {
		return model.Order{}, model.Errorf(model.CodeNotFound, "order %s not found", orderID)
	}
	mu := e.lockFor(assetID)
	mu.Lock()
	defer mu.Unlock()

	o := e.lookup(orderID)
	if o.AccountID != accountID {
		return model.Order{}, model.Errorf(model.CodeUnauthorized, "order %s is not owned by %s", orderID, accountID)
	}
	return *o, nil
}

// OpenOrders returns every resting order of an account across assets,
// oldest first.
func (e *Engine) OpenOrders(_ context.Context, accountID string) []model.Order {
	var out []model.Order
	for _, assetID := range e.books.Assets() {
		mu := e.lockFor(assetID)
		mu.Lock()
		out = append(out, e.books.For(assetID).OrdersFor(accountID)...)
		mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// Orders returns the recorded order history of an account.
func (e *Engine) Orders(ctx context.Context, accountID string) ([]model.Order, error) {
	return e.store.GetOrdersByAccount(ctx, accountID)
}

// Trades returns the most recent fills of an asset, newest first.
func (e *Engine) Trades(ctx context.Context, assetID string, limit int) ([]model.Trade, error) {
	if _, err := e.assets.Get(ctx, assetID); err != nil {
		return nil, err
	}
	return e.store.GetTradesByAsset(ctx, assetID, limit)
}

// AccountTrades returns the most recent fills where the account was buyer or
// seller, newest first.
func (e *Engine) AccountTrades(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	return e.store.GetTradesByAccount(ctx, accountID, limit)
}

// Book returns up to levels aggregated price levels per side.
func (e *Engine) Book(ctx context.Context, assetID string, levels int) (BookSnapshot, error) {
	if _, err := e.assets.Get(ctx, assetID); err != nil {
		return BookSnapshot{}, err
	}
	mu := e.lockFor(assetID)
	mu.Lock()
	defer mu.Unlock()

	b := e.books.For(assetID)
	return BookSnapshot{
		AssetID: assetID,
		Bids:    b.Depth(model.Buy, levels),
		Asks:    b.Depth(model.Sell, levels),
	}, nil
}

// BestPrices returns the top of book for an asset.
func (e *Engine) BestPrices(assetID string) (bid, ask decimal.NullDecimal) {
	mu := e.lockFor(assetID)
	mu.Lock()
	defer mu.Unlock()

	b := e.books.For(assetID)
	if p, ok := b.BestBid(); ok {
		bid = decimal.NewNullDecimal(p)
	}
	if p, ok := b.BestAsk(); ok {
		ask = decimal.NewNullDecimal(p)
	}
	return bid, ask
}

func (e *Engine) lockFor(assetID string) *sync.Mutex {
	e.locksMu.Lock()
	defer e.locksMu.Unlock()

	mu, ok := e.locks[assetID]
	if !ok {
		mu = &sync.Mutex{}
		e.locks[assetID] = mu
	}
	return mu
}

func (e *Engine) register(o *model.Order) {
	e.ordersMu.Lock()
	e.orders[o.ID] = o
	e.ordersMu.Unlock()
}

func (e *Engine) lookup(orderID string) *model.Order {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	return e.orders[orderID]
}

// assetOf reads the immutable asset id of a registered order.
func (e *Engine) assetOf(orderID string) (string, bool) {
	e.ordersMu.RLock()
	defer e.ordersMu.RUnlock()
	o, ok := e.orders[orderID]
	if !ok {
		return "", false
	}
	return o.AssetID, true
}

func (e *Engine) record(ctx context.Context, o *model.Order) {
	if err := e.store.SaveOrder(ctx, o); err != nil {
		e.logger.Error("order history write failed", zap.String("order_id", o.ID), zap.Error(err))
	}
}

func validate(req *SubmitRequest) error {
	req.AccountID = strings.TrimSpace(req.AccountID)
	switch {
	case req.AccountID == "":
		return model.Errorf(model.CodeInvalidOrder, "account id is required")
	case !req.Side.Valid():
		return model.Errorf(model.CodeInvalidOrder, "side must be buy or sell, got %q", req.Side)
	case !req.Kind.Valid():
		return model.Errorf(model.CodeInvalidOrder, "kind must be market or limit, got %q", req.Kind)
	case req.Quantity <= 0:
		return model.Errorf(model.CodeInvalidOrder, "quantity must be positive, got %d", req.Quantity)
	case req.Kind == model.Limit && !req.LimitPrice.IsPositive():
		return model.Errorf(model.CodeInvalidOrder, "limit price must be positive, got %s", req.LimitPrice)
	}
	if req.Kind == model.Market {
		req.LimitPrice = decimal.Zero
	}
	return nil
}

// crosses reports whether a taker may trade at the maker's price.
func crosses(o *model.Order, makerPrice decimal.Decimal) bool {
	if o.Kind == model.Market {
		return true
	}
	if o.Side == model.Buy {
		return makerPrice.LessThanOrEqual(o.LimitPrice)
	}
	return makerPrice.GreaterThanOrEqual(o.LimitPrice)
}
