package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is a known order side
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Opposite returns the counter side
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderStatus is the lifecycle state of an order
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusExpired         OrderStatus = "expired"
)

// Matchable reports whether an order in this status can still trade
func (s OrderStatus) Matchable() bool {
	return s == OrderStatusPending || s == OrderStatusPartiallyFilled
}

// ListingStatus is the lifecycle state of a listing
type ListingStatus string

const (
	ListingStatusActive   ListingStatus = "active"
	ListingStatusSold     ListingStatus = "sold"
	ListingStatusInactive ListingStatus = "inactive"
	ListingStatusExpired  ListingStatus = "expired"
)

// SettlementStatus is the post-trade settlement state; the matching
// engine only ever writes the initial "pending" value
type SettlementStatus string

const (
	SettlementStatusPending   SettlementStatus = "pending"
	SettlementStatusCompleted SettlementStatus = "completed"
	SettlementStatusFailed    SettlementStatus = "failed"
)

// User represents a registered user
type User struct {
	ID           int       `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Organization string    `json:"organization,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Listing is a seller's offered quantity of a commodity. UnitPrice is
// informational; trades execute at order limit prices.
type Listing struct {
	ID                int             `json:"id"`
	SellerID          int             `json:"seller_id"`
	QuantityAvailable decimal.Decimal `json:"quantity_available"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	LocationRegion    string          `json:"location_region"`
	ProductionMethod  string          `json:"production_method"`
	DeliveryTerms     string          `json:"delivery_terms,omitempty"`
	Status            ListingStatus   `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Order is a buy or sell intention against a listing. ListingID is nil
// for criteria-only buy orders, which the matching engine skips.
// CreatedAt carries time priority.
type Order struct {
	ID                int             `json:"id"`
	UserID            int             `json:"user_id"`
	Side              Side            `json:"side"`
	ListingID         *int            `json:"listing_id,omitempty"`
	QuantityRemaining decimal.Decimal `json:"quantity_remaining"`
	LimitPrice        decimal.Decimal `json:"limit_price"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

// Trade is an immutable record of one matched execution
type Trade struct {
	ID               int              `json:"id"`
	BuyOrderID       int              `json:"buy_order_id"`
	SellOrderID      int              `json:"sell_order_id"`
	ListingID        int              `json:"listing_id"`
	Quantity         decimal.Decimal  `json:"quantity"`
	AgreedPrice      decimal.Decimal  `json:"agreed_price"`
	BuyerID          int              `json:"buyer_id"`
	SellerID         int              `json:"seller_id"`
	SettlementStatus SettlementStatus `json:"settlement_status"`
	ExecutedAt       time.Time        `json:"executed_at"`
}

// OrderBook is the display snapshot of a listing's pending orders,
// bids best (highest) price first, asks best (lowest) price first.
type OrderBook struct {
	ListingID int     `json:"listing_id"`
	Bids      []Order `json:"bids"`
	Asks      []Order `json:"asks"`
}
