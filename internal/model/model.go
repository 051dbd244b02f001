// Package model defines the core domain types shared across the market engine.
// All monetary values use shopspring/decimal; never float64 for money.
// Token quantities are whole units and use int64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Valid reports whether s is a recognised side.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side an order of this side matches against.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderKind distinguishes market orders (take liquidity, never rest) from
// limit orders (match up to a price, remainder rests).
type OrderKind string

const (
	Market OrderKind = "market"
	Limit  OrderKind = "limit"
)

// Valid reports whether k is a recognised order kind.
func (k OrderKind) Valid() bool { return k == Market || k == Limit }

// OrderStatus is the lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderFailed          OrderStatus = "failed"
)

// Terminal reports whether no further mutation is permitted.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderFailed
}

// Asset is a tradable collectible fraction. Everything except
// CirculatingSupply is fixed at creation; circulating supply only shrinks
// when a redemption burns the outstanding tokens.
type Asset struct {
	ID                string          `json:"id" db:"id"`
	Symbol            string          `json:"symbol" db:"symbol"`
	Name              string          `json:"name" db:"name"`
	TotalSupply       int64           `json:"total_supply" db:"total_supply"`
	CirculatingSupply int64           `json:"circulating_supply" db:"circulating_supply"`
	SeedPrice         decimal.Decimal `json:"seed_price" db:"seed_price"`
	CreatedAt         time.Time       `json:"created_at" db:"created_at"`
}

// PricePoint is one sample of an asset's trade history.
type PricePoint struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Volume    int64           `json:"volume"`
	MarketCap decimal.Decimal `json:"market_cap"` // price × circulating supply
}

// Order is a request to trade an asset. Remaining is the unfilled quantity;
// LimitPrice is zero for market orders.
type Order struct {
	ID         string          `json:"id" db:"id"`
	AccountID  string          `json:"account_id" db:"account_id"`
	AssetID    string          `json:"asset_id" db:"asset_id"`
	Side       Side            `json:"side" db:"side"`
	Kind       OrderKind       `json:"kind" db:"kind"`
	Quantity   int64           `json:"quantity" db:"quantity"`
	Remaining  int64           `json:"remaining" db:"remaining"`
	LimitPrice decimal.Decimal `json:"limit_price" db:"limit_price"`
	Status     OrderStatus     `json:"status" db:"status"`
	Seq        uint64          `json:"seq" db:"seq"` // insertion sequence, time-priority tie-break
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at" db:"updated_at"`
}

// Filled returns the quantity executed so far.
func (o *Order) Filled() int64 { return o.Quantity - o.Remaining }

// Trade is an immutable record of one fill. Once created, these are never
// modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	AssetID     string          `json:"asset_id" db:"asset_id"`
	BuyOrderID  string          `json:"buy_order_id" db:"buy_order_id"`
	SellOrderID string          `json:"sell_order_id" db:"sell_order_id"`
	BuyerID     string          `json:"buyer_id" db:"buyer_id"`
	SellerID    string          `json:"seller_id" db:"seller_id"`
	TakerSide   Side            `json:"taker_side" db:"taker_side"`
	Price       decimal.Decimal `json:"price" db:"price"` // maker price
	Quantity    int64           `json:"quantity" db:"quantity"`
	ExecutedAt  time.Time       `json:"executed_at" db:"executed_at"`
}

// Notional returns price × quantity.
func (t *Trade) Notional() decimal.Decimal {
	return t.Price.Mul(decimal.NewFromInt(t.Quantity))
}

// Position is an account's holding in one asset. AverageCost is invalid
// (null) whenever Quantity is zero. Reserved is the part of Quantity
// committed to resting sell orders.
type Position struct {
	AccountID     string              `json:"account_id"`
	AssetID       string              `json:"asset_id"`
	Quantity      int64               `json:"quantity"`
	Reserved      int64               `json:"reserved"`
	AverageCost   decimal.NullDecimal `json:"average_cost"`
	CurrentPrice  decimal.Decimal     `json:"current_price"`
	MarketValue   decimal.Decimal     `json:"market_value"`   // quantity × current price
	UnrealizedPnL decimal.Decimal     `json:"unrealized_pnl"` // market value − quantity × average cost
	Locked        bool                `json:"locked"`         // redemption in flight
}

// Available returns the quantity free to be committed to new sell orders.
func (p *Position) Available() int64 { return p.Quantity - p.Reserved }

// Portfolio aggregates all non-zero positions for an account.
type Portfolio struct {
	AccountID     string          `json:"account_id"`
	Positions     []Position      `json:"positions"`
	TotalValue    decimal.Decimal `json:"total_value"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// RedemptionStatus is the lifecycle state of a physical redemption.
type RedemptionStatus string

const (
	RedemptionPending    RedemptionStatus = "pending"
	RedemptionProcessing RedemptionStatus = "processing"
	RedemptionShipped    RedemptionStatus = "shipped"
	RedemptionDelivered  RedemptionStatus = "delivered"
	RedemptionCancelled  RedemptionStatus = "cancelled"
)

// Active reports whether the request still holds the position lock.
func (s RedemptionStatus) Active() bool {
	return s == RedemptionPending || s == RedemptionProcessing || s == RedemptionShipped
}

// RedemptionRequest claims the physical item behind an asset by burning its
// entire supply.
type RedemptionRequest struct {
	ID                  string           `json:"id" db:"id"`
	AccountID           string           `json:"account_id" db:"account_id"`
	AssetID             string           `json:"asset_id" db:"asset_id"`
	Quantity            int64            `json:"quantity" db:"quantity"` // always the asset's total supply
	Status              RedemptionStatus `json:"status" db:"status"`
	ShippingDestination string           `json:"shipping_destination" db:"shipping_destination"`
	TrackingRef         string           `json:"tracking_ref,omitempty" db:"tracking_ref"`
	CreatedAt           time.Time        `json:"created_at" db:"created_at"`
	UpdatedAt           time.Time        `json:"updated_at" db:"updated_at"`
}
