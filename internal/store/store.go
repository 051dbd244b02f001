// Package store defines the persistence interface for the market engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and development).
//
// The store holds reference data and append-only history: assets, the
// immutable trade log, terminal order records and redemption requests.
// Live matching state (books, positions, price series) lives in memory in
// the engine packages.
package store

import (
	"context"

	"github.com/collectfi/market-engine/internal/model"
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Asset reference data ---

	// CreateAsset persists a new asset. Fails with model.ErrAlreadyExists
	// when the id or symbol is taken.
	CreateAsset(ctx context.Context, asset *model.Asset) error

	// GetAsset retrieves an asset by id. Fails with model.ErrUnknownAsset.
	GetAsset(ctx context.Context, id string) (*model.Asset, error)

	// ListAssets returns all assets.
	ListAssets(ctx context.Context) ([]model.Asset, error)

	// UpdateCirculatingSupply records a burn.
	UpdateCirculatingSupply(ctx context.Context, id string, circulating int64) error

	// --- Immutable trade log ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, trade *model.Trade) error

	// GetTradesByAsset returns the most recent trades for an asset, newest
	// first. limit <= 0 returns all of them.
	GetTradesByAsset(ctx context.Context, assetID string, limit int) ([]model.Trade, error)

	// GetTradesByAccount returns the most recent trades where the account
	// was buyer or seller, newest first.
	GetTradesByAccount(ctx context.Context, accountID string, limit int) ([]model.Trade, error)

	// --- Order history ---

	// SaveOrder upserts an order record.
	SaveOrder(ctx context.Context, order *model.Order) error

	// GetOrdersByAccount returns every recorded order for an account,
	// oldest first.
	GetOrdersByAccount(ctx context.Context, accountID string) ([]model.Order, error)

	// --- Redemptions ---

	// SaveRedemption upserts a redemption request.
	SaveRedemption(ctx context.Context, req *model.RedemptionRequest) error

	// GetRedemption retrieves a redemption by id. Fails with model.ErrNotFound.
	GetRedemption(ctx context.Context, id string) (*model.RedemptionRequest, error)

	// GetRedemptionsByAccount returns an account's redemptions, oldest first.
	GetRedemptionsByAccount(ctx context.Context, accountID string) ([]model.RedemptionRequest, error)
}
