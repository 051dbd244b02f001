package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/collectfi/market-engine/internal/model"
)

//go:embed schema.sql
var schema string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies the idempotent schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("store.Migrate: %w", err)
	}
	return nil
}

// --- Assets ---

func (s *PostgresStore) CreateAsset(ctx context.Context, a *model.Asset) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO assets (id, symbol, name, total_supply, circulating_supply, seed_price, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7)`,
		a.ID, a.Symbol, a.Name, a.TotalSupply, a.CirculatingSupply, a.SeedPrice.String(), a.CreatedAt,
	)
	if isUniqueViolation(err) {
		return model.Errorf(model.CodeAlreadyExists, "asset %s already exists", a.ID)
	}
	if err != nil {
		return fmt.Errorf("store.CreateAsset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAsset(ctx context.Context, id string) (*model.Asset, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, symbol, name, total_supply, circulating_supply, seed_price::TEXT, created_at
		 FROM assets WHERE id = $1`, id)
	a, err := scanAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Errorf(model.CodeUnknownAsset, "asset %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetAsset %s: %w", id, err)
	}
	return a, nil
}

func (s *PostgresStore) ListAssets(ctx context.Context) ([]model.Asset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, symbol, name, total_supply, circulating_supply, seed_price::TEXT, created_at
		 FROM assets ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("store.ListAssets: %w", err)
	}
	defer rows.Close()

	var assets []model.Asset
	for rows.Next() {
		a, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *a)
	}
	return assets, rows.Err()
}

func (s *PostgresStore) UpdateCirculatingSupply(ctx context.Context, id string, circulating int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE assets SET circulating_supply = $2 WHERE id = $1`, id, circulating)
	if err != nil {
		return fmt.Errorf("store.UpdateCirculatingSupply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Errorf(model.CodeUnknownAsset, "asset %s not found", id)
	}
	return nil
}

// --- Trade log ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, asset_id, buy_order_id, sell_order_id, buyer_id, seller_id,
		                     taker_side, price, quantity, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10)`,
		t.ID, t.AssetID, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		string(t.TakerSide), t.Price.String(), t.Quantity, t.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("store.InsertTrade: %w", err)
	}
	return nil
}

const tradeColumns = `id, asset_id, buy_order_id, sell_order_id, buyer_id, seller_id,
	taker_side, price::TEXT, quantity, executed_at`

func (s *PostgresStore) GetTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE asset_id = $1
		 ORDER BY executed_at DESC, id DESC LIMIT $2`, assetID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store.GetTradesByAsset: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

func (s *PostgresStore) GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE buyer_id = $1 OR seller_id = $1
		 ORDER BY executed_at DESC, id DESC LIMIT $2`, accountID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("store.GetTradesByAccount: %w", err)
	}
	defer rows.Close()

	return scanTrades(rows)
}

// --- Order history ---

func (s *PostgresStore) SaveOrder(ctx context.Context, o *model.Order) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO orders (id, account_id, asset_id, side, kind, quantity, remaining,
		                     limit_price, status, seq, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9, $10, $11, $12)
		 ON CONFLICT (id) DO UPDATE
		 SET remaining = EXCLUDED.remaining, status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		o.ID, o.AccountID, o.AssetID, string(o.Side), string(o.Kind), o.Quantity, o.Remaining,
		o.LimitPrice.String(), string(o.Status), int64(o.Seq), o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.SaveOrder: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, asset_id, side, kind, quantity, remaining,
		        limit_price::TEXT, status, seq, created_at, updated_at
		 FROM orders WHERE account_id = $1 ORDER BY seq`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store.GetOrdersByAccount: %w", err)
	}
	defer rows.Close()

	var orders []model.Order
	for rows.Next() {
		var o model.Order
		var side, kind, status, limitS string
		var seq int64
		if err := rows.Scan(&o.ID, &o.AccountID, &o.AssetID, &side, &kind, &o.Quantity, &o.Remaining,
			&limitS, &status, &seq, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		o.Side = model.Side(side)
		o.Kind = model.OrderKind(kind)
		o.Status = model.OrderStatus(status)
		o.Seq = uint64(seq)
		o.LimitPrice, _ = decimal.NewFromString(limitS)
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// --- Redemptions ---

func (s *PostgresStore) SaveRedemption(ctx context.Context, r *model.RedemptionRequest) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO redemptions (id, account_id, asset_id, quantity, status,
		                          shipping_destination, tracking_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 ON CONFLICT (id) DO UPDATE
		 SET status = EXCLUDED.status, tracking_ref = EXCLUDED.tracking_ref, updated_at = EXCLUDED.updated_at`,
		r.ID, r.AccountID, r.AssetID, r.Quantity, string(r.Status),
		r.ShippingDestination, r.TrackingRef, r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("store.SaveRedemption: %w", err)
	}
	return nil
}

const redemptionColumns = `id, account_id, asset_id, quantity, status,
	shipping_destination, tracking_ref, created_at, updated_at`

func (s *PostgresStore) GetRedemption(ctx context.Context, id string) (*model.RedemptionRequest, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+redemptionColumns+` FROM redemptions WHERE id = $1`, id)
	r, err := scanRedemption(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.Errorf(model.CodeNotFound, "redemption %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("store.GetRedemption %s: %w", id, err)
	}
	return r, nil
}

func (s *PostgresStore) GetRedemptionsByAccount(ctx context.Context, accountID string) ([]model.RedemptionRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+redemptionColumns+` FROM redemptions WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, fmt.Errorf("store.GetRedemptionsByAccount: %w", err)
	}
	defer rows.Close()

	var out []model.RedemptionRequest
	for rows.Next() {
		r, err := scanRedemption(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// --- Scan helpers ---

// pgxRow is satisfied by both pgx.Row and pgx.Rows.
type pgxRow interface {
	Scan(dest ...interface{}) error
}

// pgxRows reads pgx rows into slices.
type pgxRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
}

func scanAsset(row pgxRow) (*model.Asset, error) {
	var a model.Asset
	var seedS string
	if err := row.Scan(&a.ID, &a.Symbol, &a.Name, &a.TotalSupply, &a.CirculatingSupply,
		&seedS, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.SeedPrice, _ = decimal.NewFromString(seedS)
	return &a, nil
}

func scanTrades(rows pgxRows) ([]model.Trade, error) {
	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var takerSide, priceS string
		if err := rows.Scan(&t.ID, &t.AssetID, &t.BuyOrderID, &t.SellOrderID, &t.BuyerID, &t.SellerID,
			&takerSide, &priceS, &t.Quantity, &t.ExecutedAt); err != nil {
			return nil, err
		}
		t.TakerSide = model.Side(takerSide)
		t.Price, _ = decimal.NewFromString(priceS)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanRedemption(row pgxRow) (*model.RedemptionRequest, error) {
	var r model.RedemptionRequest
	var status string
	if err := row.Scan(&r.ID, &r.AccountID, &r.AssetID, &r.Quantity, &status,
		&r.ShippingDestination, &r.TrackingRef, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = model.RedemptionStatus(status)
	return &r, nil
}

// sqlLimit maps "no limit" onto NULL, which PostgreSQL's LIMIT treats as ALL.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
