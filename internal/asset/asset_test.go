package asset

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/collectfi/market-engine/internal/model"
	"github.com/collectfi/market-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	r, err := NewRegistry(store.NewMemoryStore(), 1000, time.Minute, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(r.Close)
	return r
}

func validAsset() NewAsset {
	return NewAsset{
		ID:          "charizard-1st-psa10",
		Symbol:      "CHZ1",
		Name:        "Charizard 1st Edition PSA 10",
		TotalSupply: 100_000,
		SeedPrice:   d(150),
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := map[string]func(*NewAsset){
		"uppercase id":   func(n *NewAsset) { n.ID = "Charizard" },
		"short id":       func(n *NewAsset) { n.ID = "c" },
		"leading dash":   func(n *NewAsset) { n.ID = "-charizard" },
		"lower symbol":   func(n *NewAsset) { n.Symbol = "chz" },
		"long symbol":    func(n *NewAsset) { n.Symbol = "ABCDEFGHIJK" },
		"blank name":     func(n *NewAsset) { n.Name = "  " },
		"zero supply":    func(n *NewAsset) { n.TotalSupply = 0 },
		"negative price": func(n *NewAsset) { n.SeedPrice = d(-1) },
		"zero price":     func(n *NewAsset) { n.SeedPrice = decimal.Zero },
	}
	for name, mutate := range tests {
		n := validAsset()
		mutate(&n)
		if err := n.Validate(); !errors.Is(err, model.ErrInvalidRequest) {
			t.Errorf("%s: expected ErrInvalidRequest, got %v", name, err)
		}
	}
}

func TestCreate_FullSupplyCirculates(t *testing.T) {
	r := newTestRegistry(t)
	a, err := r.Create(context.Background(), validAsset())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if a.CirculatingSupply != a.TotalSupply {
		t.Errorf("circulating %d != total %d", a.CirculatingSupply, a.TotalSupply)
	}
	if !a.SeedPrice.Equal(d(150)) {
		t.Errorf("seed price = %s", a.SeedPrice)
	}

	if _, err := r.Create(context.Background(), validAsset()); !errors.Is(err, model.ErrAlreadyExists) {
		t.Errorf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestGet_UnknownAsset(t *testing.T) {
	r := newTestRegistry(t)
	if _, err := r.Get(context.Background(), "nope"); !errors.Is(err, model.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestBurn_ZeroesCirculatingSupply(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	if _, err := r.Create(ctx, validAsset()); err != nil {
		t.Fatal(err)
	}
	// Warm the cache.
	if _, err := r.Get(ctx, "charizard-1st-psa10"); err != nil {
		t.Fatal(err)
	}
	r.cache.Wait()

	if err := r.Burn(ctx, "charizard-1st-psa10"); err != nil {
		t.Fatalf("Burn: %v", err)
	}
	r.cache.Wait()

	a, err := r.Get(ctx, "charizard-1st-psa10")
	if err != nil {
		t.Fatal(err)
	}
	if a.CirculatingSupply != 0 {
		t.Errorf("circulating = %d after burn, want 0", a.CirculatingSupply)
	}
	if a.TotalSupply != 100_000 {
		t.Errorf("total supply must not change, got %d", a.TotalSupply)
	}

	// Idempotent.
	if err := r.Burn(ctx, "charizard-1st-psa10"); err != nil {
		t.Errorf("second burn: %v", err)
	}
	if err := r.Burn(ctx, "nope"); !errors.Is(err, model.ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
}

func TestList_CreationOrder(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	r.now = func() time.Time { tick++; return base.Add(time.Duration(tick) * time.Second) }

	first := validAsset()
	second := validAsset()
	second.ID, second.Symbol = "pikachu-illustrator", "PIKA"
	for _, n := range []NewAsset{first, second} {
		if _, err := r.Create(ctx, n); err != nil {
			t.Fatal(err)
		}
	}
	assets, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(assets) != 2 || assets[0].ID != first.ID || assets[1].ID != second.ID {
		t.Errorf("unexpected list: %+v", assets)
	}
}
