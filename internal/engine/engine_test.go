package engine_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"pgregory.net/rapid"

	"github.com/collectfi/market-engine/internal/asset"
	"github.com/collectfi/market-engine/internal/clock"
	"github.com/collectfi/market-engine/internal/engine"
	"github.com/collectfi/market-engine/internal/ledger"
	"github.com/collectfi/market-engine/internal/model"
	"github.com/collectfi/market-engine/internal/position"
	"github.com/collectfi/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

const assetID = "charizard-1st-psa10"

type testEnv struct {
	engine    *engine.Engine
	ledger    *ledger.Ledger
	positions *position.Store
	registry  *asset.Registry
	store     *store.MemoryStore
	listener  *recordingListener
}

type recordingListener struct {
	mu     sync.Mutex
	fills  []model.Trade
	orders []model.Order
}

func (l *recordingListener) OnFill(t model.Trade, _ model.PricePoint) {
	l.mu.Lock()
	l.fills = append(l.fills, t)
	l.mu.Unlock()
}

func (l *recordingListener) OnOrder(o model.Order) {
	l.mu.Lock()
	l.orders = append(l.orders, o)
	l.mu.Unlock()
}

// newTestEnv wires the engine over in-memory collaborators with one asset
// of 100,000 tokens seeded at 180.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ms := store.NewMemoryStore()
	reg, err := asset.NewRegistry(ms, 100, time.Minute, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(reg.Close)
	if _, err := reg.Create(context.Background(), asset.NewAsset{
		ID: assetID, Symbol: "CHZ1", Name: "Charizard", TotalSupply: 100_000, SeedPrice: d(180),
	}); err != nil {
		t.Fatal(err)
	}

	clk := clock.NewManual(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	l := ledger.New(reg, ledger.WithClock(clk))
	ps := position.NewStore(l, nil, nil)
	rec := &recordingListener{}
	e := engine.New(engine.Config{
		Assets:    reg,
		Ledger:    l,
		Positions: ps,
		Store:     ms,
		Listener:  rec,
		Clock:     clk,
	})
	return &testEnv{engine: e, ledger: l, positions: ps, registry: reg, store: ms, listener: rec}
}

func (env *testEnv) grant(t *testing.T, account string, qty int64) {
	t.Helper()
	if err := env.positions.Issue(context.Background(), account, assetID, qty, d(150), 100_000); err != nil {
		t.Fatal(err)
	}
}

func (env *testEnv) limit(t *testing.T, account string, side model.Side, qty int64, price float64) *engine.Execution {
	t.Helper()
	exec, err := env.engine.SubmitOrder(context.Background(), engine.SubmitRequest{
		AccountID: account, AssetID: assetID, Side: side, Kind: model.Limit, Quantity: qty, LimitPrice: d(price),
	})
	if err != nil {
		t.Fatalf("limit %s %d @ %v for %s: %v", side, qty, price, account, err)
	}
	return exec
}

func (env *testEnv) market(account string, side model.Side, qty int64) (*engine.Execution, error) {
	return env.engine.SubmitOrder(context.Background(), engine.SubmitRequest{
		AccountID: account, AssetID: assetID, Side: side, Kind: model.Market, Quantity: qty,
	})
}

func (env *testEnv) position(t *testing.T, account string) model.Position {
	t.Helper()
	p, err := env.positions.Get(context.Background(), account, assetID)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

// --- Scenarios ---

func TestScenario_FullSupplyPurchase(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.market("A", model.Buy, 100_000)
	if !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Fatalf("market buy into empty book: expected ErrInsufficientLiquidity, got %v", err)
	}
	if orders, _ := env.store.GetOrdersByAccount(ctx, "A"); len(orders) != 0 {
		t.Errorf("rejected order left a record: %+v", orders)
	}

	env.grant(t, "B", 100_000)
	ask := env.limit(t, "B", model.Sell, 100_000, 175)
	if ask.Order.Status != model.OrderPending || len(ask.Fills) != 0 {
		t.Fatalf("ask should rest untouched: %+v", ask)
	}
	if b := env.position(t, "B"); b.Reserved != 100_000 {
		t.Errorf("resting ask must reserve the quantity, reserved=%d", b.Reserved)
	}

	exec, err := env.market("A", model.Buy, 100_000)
	if err != nil {
		t.Fatalf("market buy: %v", err)
	}
	if exec.Order.Status != model.OrderFilled || len(exec.Fills) != 1 {
		t.Fatalf("expected one complete fill, got %+v", exec)
	}
	fill := exec.Fills[0]
	if !fill.Price.Equal(d(175)) || fill.Quantity != 100_000 || fill.BuyerID != "A" || fill.SellerID != "B" {
		t.Errorf("fill = %+v", fill)
	}

	a := env.position(t, "A")
	if a.Quantity != 100_000 || !a.AverageCost.Valid || !a.AverageCost.Decimal.Equal(d(175)) {
		t.Errorf("A = %+v", a)
	}
	if b := env.position(t, "B"); b.Quantity != 0 || b.Reserved != 0 || b.AverageCost.Valid {
		t.Errorf("B = %+v", b)
	}

	seq, _ := env.ledger.History(ctx, assetID, time.Time{})
	var points []model.PricePoint
	for p := range seq {
		points = append(points, p)
	}
	if len(points) != 1 || !points[0].Price.Equal(d(175)) || points[0].Volume != 100_000 {
		t.Errorf("price points = %+v", points)
	}
	if p, _ := env.ledger.CurrentPrice(ctx, assetID); !p.Equal(d(175)) {
		t.Errorf("current price = %s", p)
	}

	trades, _ := env.engine.Trades(ctx, assetID, 0)
	if len(trades) != 1 || trades[0].ID != fill.ID {
		t.Errorf("trade log = %+v", trades)
	}
	makerOrder, err := env.engine.GetOrder(ctx, ask.Order.ID, "B")
	if err != nil || makerOrder.Status != model.OrderFilled {
		t.Errorf("maker order = %+v, %v", makerOrder, err)
	}
}

func TestScenario_PartialFillRestsRemainder(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "seller", 1000)

	bid := env.limit(t, "buyer", model.Buy, 500, 180)
	ask := env.limit(t, "seller", model.Sell, 800, 179)

	if len(ask.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %d", len(ask.Fills))
	}
	fill := ask.Fills[0]
	if fill.Quantity != 500 || !fill.Price.Equal(d(180)) {
		t.Errorf("fill = %d @ %s, want 500 @ 180 (maker price)", fill.Quantity, fill.Price)
	}
	if fill.TakerSide != model.Sell || fill.BuyOrderID != bid.Order.ID || fill.SellOrderID != ask.Order.ID {
		t.Errorf("fill sides = %+v", fill)
	}
	if ask.Order.Status != model.OrderPartiallyFilled || ask.Order.Remaining != 300 {
		t.Errorf("ask = %+v", ask.Order)
	}

	book, _ := env.engine.Book(context.Background(), assetID, 5)
	if len(book.Bids) != 0 {
		t.Errorf("bid should be consumed: %+v", book.Bids)
	}
	if len(book.Asks) != 1 || !book.Asks[0].Price.Equal(d(179)) || book.Asks[0].Quantity != 300 {
		t.Errorf("asks = %+v", book.Asks)
	}

	seller := env.position(t, "seller")
	if seller.Quantity != 500 || seller.Reserved != 300 {
		t.Errorf("seller = qty %d reserved %d, want 500/300", seller.Quantity, seller.Reserved)
	}
	if buyer := env.position(t, "buyer"); buyer.Quantity != 500 {
		t.Errorf("buyer = %d", buyer.Quantity)
	}
	bidOrder, _ := env.engine.GetOrder(context.Background(), bid.Order.ID, "buyer")
	if bidOrder.Status != model.OrderFilled {
		t.Errorf("bid status = %s", bidOrder.Status)
	}
}

// --- Matching rules ---

func TestPriceTimePriority(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "early", 10)
	env.grant(t, "late", 10)
	env.grant(t, "worse", 10)

	env.limit(t, "worse", model.Sell, 10, 101)
	early := env.limit(t, "early", model.Sell, 10, 100)
	env.limit(t, "late", model.Sell, 10, 100)

	exec, err := env.market("buyer", model.Buy, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(exec.Fills) != 1 || exec.Fills[0].SellOrderID != early.Order.ID {
		t.Errorf("earlier order at the best price must fill first: %+v", exec.Fills)
	}

	exec, _ = env.market("buyer", model.Buy, 15)
	if len(exec.Fills) != 2 || exec.Fills[0].SellerID != "late" || exec.Fills[1].SellerID != "worse" {
		t.Errorf("second sweep = %+v", exec.Fills)
	}
	if !exec.Fills[1].Price.Equal(d(101)) {
		t.Errorf("second fill price = %s", exec.Fills[1].Price)
	}
}

func TestNoSelfTrade(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "X", 10)
	env.grant(t, "Y", 10)

	own := env.limit(t, "X", model.Sell, 10, 100)
	env.limit(t, "Y", model.Sell, 10, 101)

	exec := env.limit(t, "X", model.Buy, 5, 101)
	if len(exec.Fills) != 1 {
		t.Fatalf("expected 1 fill, got %+v", exec.Fills)
	}
	if exec.Fills[0].SellerID != "Y" || !exec.Fills[0].Price.Equal(d(101)) {
		t.Errorf("matched against own order: %+v", exec.Fills[0])
	}
	ownNow, _ := env.engine.GetOrder(context.Background(), own.Order.ID, "X")
	if ownNow.Remaining != 10 || ownNow.Status != model.OrderPending {
		t.Errorf("own resting order was touched: %+v", ownNow)
	}

	// Only own liquidity: a market order finds nothing.
	env2 := newTestEnv(t)
	env2.grant(t, "X", 10)
	env2.limit(t, "X", model.Sell, 10, 100)
	if _, err := env2.market("X", model.Buy, 1); !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Errorf("expected ErrInsufficientLiquidity, got %v", err)
	}
}

func TestLimitDoesNotCrossBeyondPrice(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "S", 20)
	env.limit(t, "S", model.Sell, 10, 100)
	env.limit(t, "S", model.Sell, 10, 105)

	exec := env.limit(t, "B", model.Buy, 15, 102)
	if len(exec.Fills) != 1 || exec.Fills[0].Quantity != 10 {
		t.Fatalf("fills = %+v", exec.Fills)
	}
	if exec.Order.Status != model.OrderPartiallyFilled || exec.Order.Remaining != 5 {
		t.Errorf("order = %+v", exec.Order)
	}
	bid, ask := env.engine.BestPrices(assetID)
	if !bid.Valid || !bid.Decimal.Equal(d(102)) || !ask.Valid || !ask.Decimal.Equal(d(105)) {
		t.Errorf("top of book = %v / %v", bid, ask)
	}
}

func TestMarketPartialFillMarksRemainderFailed(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "S", 30)
	env.limit(t, "S", model.Sell, 30, 100)

	exec, err := env.market("B", model.Buy, 50)
	if err != nil {
		t.Fatalf("partial market fill is a success: %v", err)
	}
	if exec.Order.Status != model.OrderFailed || exec.Unfilled != 20 || exec.Order.Filled() != 30 {
		t.Errorf("exec = %+v", exec)
	}
	if env.position(t, "B").Quantity != 30 {
		t.Error("committed part of the fill lost")
	}
	if bid, _ := env.engine.BestPrices(assetID); bid.Valid {
		t.Error("market remainder must never rest")
	}
}

func TestMarketSell(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "S", 10)
	env.limit(t, "B1", model.Buy, 4, 150)
	env.limit(t, "B2", model.Buy, 10, 140)

	exec, err := env.market("S", model.Sell, 10)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Order.Status != model.OrderFilled || len(exec.Fills) != 2 {
		t.Fatalf("exec = %+v", exec)
	}
	if !exec.Fills[0].Price.Equal(d(150)) || !exec.Fills[1].Price.Equal(d(140)) {
		t.Errorf("prices = %s, %s", exec.Fills[0].Price, exec.Fills[1].Price)
	}
	if env.position(t, "S").Quantity != 0 {
		t.Error("seller still holds tokens")
	}
}

// --- Validation ---

func TestSubmitOrder_Validation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	base := engine.SubmitRequest{AccountID: "A", AssetID: assetID, Side: model.Buy, Kind: model.Limit, Quantity: 1, LimitPrice: d(1)}

	cases := map[string]struct {
		mutate func(*engine.SubmitRequest)
		want   error
	}{
		"zero quantity":   {func(r *engine.SubmitRequest) { r.Quantity = 0 }, model.ErrInvalidOrder},
		"negative qty":    {func(r *engine.SubmitRequest) { r.Quantity = -5 }, model.ErrInvalidOrder},
		"zero limit":      {func(r *engine.SubmitRequest) { r.LimitPrice = decimal.Zero }, model.ErrInvalidOrder},
		"bad side":        {func(r *engine.SubmitRequest) { r.Side = "hold" }, model.ErrInvalidOrder},
		"bad kind":        {func(r *engine.SubmitRequest) { r.Kind = "stop" }, model.ErrInvalidOrder},
		"no account":      {func(r *engine.SubmitRequest) { r.AccountID = " " }, model.ErrInvalidOrder},
		"over supply":     {func(r *engine.SubmitRequest) { r.Quantity = 100_001 }, model.ErrInvalidOrder},
		"unknown asset":   {func(r *engine.SubmitRequest) { r.AssetID = "nope" }, model.ErrUnknownAsset},
		"unbacked sell":   {func(r *engine.SubmitRequest) { r.Side = model.Sell }, model.ErrInsufficientPosition},
		"unbacked market": {func(r *engine.SubmitRequest) { r.Side = model.Sell; r.Kind = model.Market }, model.ErrInsufficientPosition},
	}
	for name, tc := range cases {
		req := base
		tc.mutate(&req)
		if _, err := env.engine.SubmitOrder(ctx, req); !errors.Is(err, tc.want) {
			t.Errorf("%s: expected %v, got %v", name, tc.want, err)
		}
	}
	if orders, _ := env.store.GetOrdersByAccount(ctx, "A"); len(orders) != 0 {
		t.Errorf("rejected orders were recorded: %d", len(orders))
	}
}

func TestSell_CannotDoubleCommitReservedTokens(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "S", 10)
	env.limit(t, "S", model.Sell, 8, 200)

	_, err := env.engine.SubmitOrder(context.Background(), engine.SubmitRequest{
		AccountID: "S", AssetID: assetID, Side: model.Sell, Kind: model.Limit, Quantity: 3, LimitPrice: d(210),
	})
	if !errors.Is(err, model.ErrInsufficientPosition) {
		t.Errorf("expected ErrInsufficientPosition, got %v", err)
	}
	env.limit(t, "S", model.Sell, 2, 210)
}

// --- Cancellation ---

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "S", 10)
	ask := env.limit(t, "S", model.Sell, 10, 200)

	if _, err := env.engine.CancelOrder(ctx, "missing", "S"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if _, err := env.engine.CancelOrder(ctx, ask.Order.ID, "mallory"); !errors.Is(err, model.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}

	ok, err := env.engine.CancelOrder(ctx, ask.Order.ID, "S")
	if err != nil || !ok {
		t.Fatalf("CancelOrder = %v, %v", ok, err)
	}
	if p := env.position(t, "S"); p.Reserved != 0 || p.Quantity != 10 {
		t.Errorf("cancel must release the reservation: %+v", p)
	}
	o, _ := env.engine.GetOrder(ctx, ask.Order.ID, "S")
	if o.Status != model.OrderCancelled {
		t.Errorf("status = %s", o.Status)
	}

	// Idempotent: a second cancel is rejected and changes nothing.
	ok, err = env.engine.CancelOrder(ctx, ask.Order.ID, "S")
	if ok || !errors.Is(err, model.ErrNotCancellable) {
		t.Errorf("second cancel = %v, %v", ok, err)
	}
	again, _ := env.engine.GetOrder(ctx, ask.Order.ID, "S")
	if again.Status != o.Status || !again.UpdatedAt.Equal(o.UpdatedAt) || again.Remaining != o.Remaining {
		t.Errorf("order mutated by rejected cancel: %+v", again)
	}
}

func TestCancelFilledOrder_NotCancellable(t *testing.T) {
	env := newTestEnv(t)
	env.grant(t, "S", 10)
	ask := env.limit(t, "S", model.Sell, 10, 200)
	if _, err := env.market("B", model.Buy, 10); err != nil {
		t.Fatal(err)
	}

	if _, err := env.engine.CancelOrder(context.Background(), ask.Order.ID, "S"); !errors.Is(err, model.ErrNotCancellable) {
		t.Errorf("expected ErrNotCancellable, got %v", err)
	}
	if p := env.position(t, "S"); p.Quantity != 0 || p.Reserved != 0 {
		t.Errorf("seller = %+v", p)
	}
}

func TestCancelAccountOrdersAndOpenOrders(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "S", 10)
	first := env.limit(t, "S", model.Sell, 4, 200)
	second := env.limit(t, "S", model.Sell, 4, 210)
	env.limit(t, "S", model.Buy, 4, 100)
	env.limit(t, "other", model.Buy, 4, 100)

	open := env.engine.OpenOrders(ctx, "S")
	if len(open) != 3 || open[0].ID != first.Order.ID || open[1].ID != second.Order.ID {
		t.Fatalf("open orders = %+v", open)
	}

	if n := env.engine.CancelAccountOrders(ctx, "S", assetID, "redemption"); n != 3 {
		t.Errorf("cancelled %d, want 3", n)
	}
	if open := env.engine.OpenOrders(ctx, "S"); len(open) != 0 {
		t.Errorf("still open: %+v", open)
	}
	if p := env.position(t, "S"); p.Reserved != 0 {
		t.Errorf("reservations not released: %d", p.Reserved)
	}
	if open := env.engine.OpenOrders(ctx, "other"); len(open) != 1 {
		t.Errorf("other account's order cancelled too")
	}
}

// --- Redemption locks ---

func TestLockedPosition_RejectedAtAcceptance(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "A", 100_000)
	if err := env.positions.Lock(ctx, "A", assetID, 100_000); err != nil {
		t.Fatal(err)
	}

	_, err := env.engine.SubmitOrder(ctx, engine.SubmitRequest{
		AccountID: "A", AssetID: assetID, Side: model.Sell, Kind: model.Limit, Quantity: 1, LimitPrice: d(200),
	})
	if !errors.Is(err, model.ErrPositionLocked) {
		t.Errorf("sell: expected ErrPositionLocked, got %v", err)
	}
	_, err = env.engine.SubmitOrder(ctx, engine.SubmitRequest{
		AccountID: "A", AssetID: assetID, Side: model.Buy, Kind: model.Limit, Quantity: 1, LimitPrice: d(200),
	})
	if !errors.Is(err, model.ErrPositionLocked) {
		t.Errorf("buy: expected ErrPositionLocked, got %v", err)
	}
}

func TestLockedMaker_CancelledAtFillTime(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "S", 100_000)
	ask := env.limit(t, "S", model.Sell, 100, 175)

	// The lock is taken after the ask rested.
	if err := env.positions.Lock(ctx, "S", assetID, 100_000); err != nil {
		t.Fatal(err)
	}

	_, err := env.market("B", model.Buy, 100)
	if !errors.Is(err, model.ErrInsufficientLiquidity) {
		t.Fatalf("expected ErrInsufficientLiquidity, got %v", err)
	}
	o, _ := env.engine.GetOrder(ctx, ask.Order.ID, "S")
	if o.Status != model.OrderCancelled {
		t.Errorf("locked maker status = %s, want cancelled", o.Status)
	}
	if p := env.position(t, "S"); p.Quantity != 100_000 || p.Reserved != 0 {
		t.Errorf("seller = %+v", p)
	}
	if p := env.position(t, "B"); p.Quantity != 0 {
		t.Errorf("buyer credited from a locked seller: %d", p.Quantity)
	}
}

func TestRedeemedAssetNoLongerTrades(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	if err := env.registry.Burn(ctx, assetID); err != nil {
		t.Fatal(err)
	}

	_, err := env.engine.SubmitOrder(ctx, engine.SubmitRequest{
		AccountID: "A", AssetID: assetID, Side: model.Buy, Kind: model.Limit, Quantity: 1, LimitPrice: d(1),
	})
	if !errors.Is(err, model.ErrInvalidOrder) {
		t.Errorf("expected ErrInvalidOrder, got %v", err)
	}
}

// --- Listener / history ---

func TestListenerAndHistory(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.grant(t, "S", 10)
	env.limit(t, "S", model.Sell, 10, 100)
	if _, err := env.market("B", model.Buy, 4); err != nil {
		t.Fatal(err)
	}

	env.listener.mu.Lock()
	fills, orders := len(env.listener.fills), len(env.listener.orders)
	env.listener.mu.Unlock()
	// Resting ask, the maker update and the taker's own order.
	if fills != 1 || orders != 3 {
		t.Errorf("listener saw %d fills and %d order updates", fills, orders)
	}

	history, err := env.engine.Orders(ctx, "S")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 1 || history[0].Status != model.OrderPartiallyFilled || history[0].Remaining != 6 {
		t.Errorf("history = %+v", history)
	}
	if _, err := env.engine.Trades(ctx, "nope", 10); !errors.Is(err, model.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

// --- Concurrency ---

func TestConcurrentSubmissions_ConserveSupply(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	accounts := []string{"a", "b", "c", "d", "e", "f"}
	for _, acct := range accounts {
		env.grant(t, acct, 1000)
	}

	var wg sync.WaitGroup
	for i, acct := range accounts {
		wg.Add(1)
		go func(i int, acct string) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				side := model.Buy
				if (i+j)%2 == 0 {
					side = model.Sell
				}
				price := d(float64(95 + (i*7+j*3)%11))
				_, _ = env.engine.SubmitOrder(ctx, engine.SubmitRequest{
					AccountID: acct, AssetID: assetID, Side: side, Kind: model.Limit, Quantity: int64(1 + j%5), LimitPrice: price,
				})
				if j%10 == 0 {
					_, _ = env.engine.SubmitOrder(ctx, engine.SubmitRequest{
						AccountID: acct, AssetID: assetID, Side: side.Opposite(), Kind: model.Market, Quantity: 3,
					})
				}
			}
		}(i, acct)
	}
	wg.Wait()

	var total, reserved int64
	for _, acct := range accounts {
		p := env.position(t, acct)
		if p.Quantity < 0 || p.Reserved < 0 || p.Reserved > p.Quantity {
			t.Errorf("%s: inconsistent position %+v", acct, p)
		}
		total += p.Quantity
		reserved += p.Reserved
	}
	if total != 6000 {
		t.Errorf("supply not conserved: %d", total)
	}

	var resting int64
	for _, acct := range accounts {
		for _, o := range env.engine.OpenOrders(ctx, acct) {
			if o.Side == model.Sell {
				resting += o.Remaining
			}
		}
	}
	if resting != reserved {
		t.Errorf("resting sell quantity %d != reserved %d", resting, reserved)
	}

	trades, _ := env.store.GetTradesByAsset(ctx, assetID, 0)
	for _, tr := range trades {
		if tr.BuyerID == tr.SellerID {
			t.Fatalf("self-trade recorded: %+v", tr)
		}
	}
}

// Random order flow never creates or destroys tokens, never self-trades and
// always fills at a price acceptable to the taker.
func TestMatching_Invariants(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		accounts := []string{"p", "q", "r"}
		for _, acct := range accounts {
			if err := env.positions.Issue(ctx, acct, assetID, 50, d(100), 100_000); err != nil {
				rt.Fatal(err)
			}
		}

		steps := rapid.IntRange(1, 40).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			req := engine.SubmitRequest{
				AccountID:  rapid.SampledFrom(accounts).Draw(rt, "account"),
				AssetID:    assetID,
				Side:       rapid.SampledFrom([]model.Side{model.Buy, model.Sell}).Draw(rt, "side"),
				Kind:       rapid.SampledFrom([]model.OrderKind{model.Limit, model.Limit, model.Market}).Draw(rt, "kind"),
				Quantity:   rapid.Int64Range(1, 20).Draw(rt, "qty"),
				LimitPrice: decimal.NewFromInt(rapid.Int64Range(95, 105).Draw(rt, "price")),
			}
			exec, err := env.engine.SubmitOrder(ctx, req)
			if err != nil {
				switch model.CodeOf(err) {
				case model.CodeInsufficientPosition, model.CodeInsufficientLiquidity:
					continue
				}
				rt.Fatalf("unexpected error: %v", err)
			}
			for _, f := range exec.Fills {
				if f.BuyerID == f.SellerID {
					rt.Fatalf("self-trade: %+v", f)
				}
				if req.Kind == model.Limit {
					if req.Side == model.Buy && f.Price.GreaterThan(req.LimitPrice) {
						rt.Fatalf("buy limit %s filled at %s", req.LimitPrice, f.Price)
					}
					if req.Side == model.Sell && f.Price.LessThan(req.LimitPrice) {
						rt.Fatalf("sell limit %s filled at %s", req.LimitPrice, f.Price)
					}
				}
			}
			if got := exec.Order.Filled(); got != sumQty(exec.Fills) {
				rt.Fatalf("filled %d but fills sum to %d", got, sumQty(exec.Fills))
			}
		}

		var total int64
		for _, acct := range accounts {
			p, _ := env.positions.Get(ctx, acct, assetID)
			if p.Quantity < 0 {
				rt.Fatalf("%s negative: %d", acct, p.Quantity)
			}
			total += p.Quantity
		}
		if total != 150 {
			rt.Fatalf("supply %d, want 150", total)
		}
	})
}

func sumQty(fills []model.Trade) int64 {
	var n int64
	for _, f := range fills {
		n += f.Quantity
	}
	return n
}

func ExampleEngine_SubmitOrder() {
	ms := store.NewMemoryStore()
	reg, _ := asset.NewRegistry(ms, 100, time.Minute, nil)
	defer reg.Close()
	_, _ = reg.Create(context.Background(), asset.NewAsset{
		ID: "pikachu-illustrator", Symbol: "PIKA", Name: "Pikachu Illustrator", TotalSupply: 1000, SeedPrice: decimal.NewFromInt(50),
	})
	l := ledger.New(reg)
	ps := position.NewStore(l, nil, nil)
	_ = ps.Issue(context.Background(), "issuer", "pikachu-illustrator", 1000, decimal.NewFromInt(50), 1000)
	e := engine.New(engine.Config{Assets: reg, Ledger: l, Positions: ps, Store: ms})

	_, _ = e.SubmitOrder(context.Background(), engine.SubmitRequest{
		AccountID: "issuer", AssetID: "pikachu-illustrator", Side: model.Sell, Kind: model.Limit,
		Quantity: 100, LimitPrice: decimal.NewFromInt(55),
	})
	exec, _ := e.SubmitOrder(context.Background(), engine.SubmitRequest{
		AccountID: "collector", AssetID: "pikachu-illustrator", Side: model.Buy, Kind: model.Market, Quantity: 40,
	})
	fmt.Println(exec.Order.Status, exec.Fills[0].Quantity, exec.Fills[0].Price)
	// Output: filled 40 55
}
