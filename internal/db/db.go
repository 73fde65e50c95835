package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/commodex/marketplace/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a referenced row does not exist
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is returned when a row exists but its status
	// forbids the requested operation
	ErrInvalidState = errors.New("invalid state")
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB initializes a new database connection pool
func NewDB(ctx context.Context, connString string) (*DB, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close(ctx context.Context) error {
	db.Pool.Close()
	return nil
}

// scanner covers pgx.Row and pgx.Rows
type scanner interface {
	Scan(dest ...any) error
}

const OrderColumns = "id, user_id, side, listing_id, quantity_remaining::text, limit_price::text, status, created_at"

// ScanOrder reads one order row selected with OrderColumns
func ScanOrder(row scanner) (*models.Order, error) {
	var (
		order    models.Order
		qtyStr   string
		priceStr string
	)
	if err := row.Scan(&order.ID, &order.UserID, &order.Side, &order.ListingID,
		&qtyStr, &priceStr, &order.Status, &order.CreatedAt); err != nil {
		return nil, err
	}
	var err error
	if order.QuantityRemaining, err = decimal.NewFromString(qtyStr); err != nil {
		return nil, fmt.Errorf("parse quantity_remaining: %w", err)
	}
	if order.LimitPrice, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse limit_price: %w", err)
	}
	return &order, nil
}

const ListingColumns = "id, seller_id, quantity_available::text, unit_price::text, location_region, production_method, COALESCE(delivery_terms, ''), status, created_at, updated_at"

// ScanListing reads one listing row selected with ListingColumns
func ScanListing(row scanner) (*models.Listing, error) {
	var (
		listing  models.Listing
		qtyStr   string
		priceStr string
	)
	if err := row.Scan(&listing.ID, &listing.SellerID, &qtyStr, &priceStr,
		&listing.LocationRegion, &listing.ProductionMethod, &listing.DeliveryTerms,
		&listing.Status, &listing.CreatedAt, &listing.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if listing.QuantityAvailable, err = decimal.NewFromString(qtyStr); err != nil {
		return nil, fmt.Errorf("parse quantity_available: %w", err)
	}
	if listing.UnitPrice, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse unit_price: %w", err)
	}
	return &listing, nil
}

const TradeColumns = "id, buy_order_id, sell_order_id, listing_id, quantity::text, agreed_price::text, buyer_id, seller_id, settlement_status, executed_at"

// ScanTrade reads one trade row selected with TradeColumns
func ScanTrade(row scanner) (*models.Trade, error) {
	var (
		trade    models.Trade
		qtyStr   string
		priceStr string
	)
	if err := row.Scan(&trade.ID, &trade.BuyOrderID, &trade.SellOrderID, &trade.ListingID,
		&qtyStr, &priceStr, &trade.BuyerID, &trade.SellerID,
		&trade.SettlementStatus, &trade.ExecutedAt); err != nil {
		return nil, err
	}
	var err error
	if trade.Quantity, err = decimal.NewFromString(qtyStr); err != nil {
		return nil, fmt.Errorf("parse quantity: %w", err)
	}
	if trade.AgreedPrice, err = decimal.NewFromString(priceStr); err != nil {
		return nil, fmt.Errorf("parse agreed_price: %w", err)
	}
	return &trade, nil
}

// CreateUser inserts a new user
func (db *DB) CreateUser(ctx context.Context, username, email, passwordHash, organization string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"INSERT INTO users (username, email, password_hash, organization) VALUES ($1, $2, $3, $4) "+
			"RETURNING id, username, email, password_hash, COALESCE(organization, ''), created_at",
		username, email, passwordHash, organization).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Organization, &user.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}
	return user, nil
}

// GetUserByIdentifier retrieves a user by username or email
func (db *DB) GetUserByIdentifier(ctx context.Context, identifier string) (*models.User, error) {
	user := &models.User{}
	err := db.Pool.QueryRow(ctx,
		"SELECT id, username, email, password_hash, COALESCE(organization, ''), created_at "+
			"FROM users WHERE username = $1 OR email = $1",
		identifier).Scan(
		&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.Organization, &user.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

// CreateListing inserts a new listing
func (db *DB) CreateListing(ctx context.Context, listing *models.Listing) (*models.Listing, error) {
	if listing.QuantityAvailable.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if listing.UnitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("unit price must be positive")
	}
	if listing.LocationRegion == "" || listing.ProductionMethod == "" {
		return nil, fmt.Errorf("location_region and production_method are required")
	}

	status := listing.Status
	if status == "" {
		status = models.ListingStatusActive
	}

	row := db.Pool.QueryRow(ctx,
		"INSERT INTO listings (seller_id, quantity_available, unit_price, location_region, production_method, delivery_terms, status) "+
			"VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7) RETURNING "+ListingColumns,
		listing.SellerID, listing.QuantityAvailable.String(), listing.UnitPrice.String(),
		listing.LocationRegion, listing.ProductionMethod, listing.DeliveryTerms, status)
	created, err := ScanListing(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create listing: %w", err)
	}
	return created, nil
}

// GetListing retrieves a listing by id
func (db *DB) GetListing(ctx context.Context, listingID int) (*models.Listing, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+ListingColumns+" FROM listings WHERE id = $1", listingID)
	listing, err := ScanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get listing: %w", err)
	}
	return listing, nil
}

// ListActiveListings retrieves all listings with status 'active'
func (db *DB) ListActiveListings(ctx context.Context) ([]models.Listing, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+ListingColumns+" FROM listings WHERE status = 'active' ORDER BY created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list listings: %w", err)
	}
	defer rows.Close()

	var listings []models.Listing
	for rows.Next() {
		listing, err := ScanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan listing: %w", err)
		}
		listings = append(listings, *listing)
	}
	return listings, rows.Err()
}

// UpdateListing updates a listing's mutable fields if it belongs to the seller
func (db *DB) UpdateListing(ctx context.Context, listing *models.Listing) (*models.Listing, error) {
	row := db.Pool.QueryRow(ctx,
		"UPDATE listings SET quantity_available = $1, unit_price = $2, location_region = $3, "+
			"production_method = $4, delivery_terms = NULLIF($5, ''), status = $6, updated_at = NOW() "+
			"WHERE id = $7 AND seller_id = $8 RETURNING "+ListingColumns,
		listing.QuantityAvailable.String(), listing.UnitPrice.String(), listing.LocationRegion,
		listing.ProductionMethod, listing.DeliveryTerms, listing.Status, listing.ID, listing.SellerID)
	updated, err := ScanListing(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to update listing: %w", err)
	}
	return updated, nil
}

// DeleteListing removes a listing owned by the seller
func (db *DB) DeleteListing(ctx context.Context, listingID, sellerID int) error {
	tag, err := db.Pool.Exec(ctx,
		"DELETE FROM listings WHERE id = $1 AND seller_id = $2", listingID, sellerID)
	if err != nil {
		return fmt.Errorf("failed to delete listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateOrder inserts a new order in pending state
func (db *DB) CreateOrder(ctx context.Context, order *models.Order) (*models.Order, error) {
	if !order.Side.Valid() {
		return nil, fmt.Errorf("side must be 'buy' or 'sell'")
	}
	if order.LimitPrice.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("limit price must be positive")
	}
	if order.QuantityRemaining.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("quantity must be positive")
	}
	if order.Side == models.SideSell && order.ListingID == nil {
		return nil, fmt.Errorf("sell orders require a listing")
	}

	row := db.Pool.QueryRow(ctx,
		"INSERT INTO orders (user_id, side, listing_id, quantity_remaining, limit_price, status) "+
			"VALUES ($1, $2, $3, $4, $5, 'pending') RETURNING "+OrderColumns,
		order.UserID, order.Side, order.ListingID,
		order.QuantityRemaining.String(), order.LimitPrice.String())
	created, err := ScanOrder(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}
	return created, nil
}

// GetOrder retrieves an order by id
func (db *DB) GetOrder(ctx context.Context, orderID int) (*models.Order, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+OrderColumns+" FROM orders WHERE id = $1", orderID)
	order, err := ScanOrder(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	return order, nil
}

// GetUserOrders retrieves all orders placed by a user, newest first
func (db *DB) GetUserOrders(ctx context.Context, userID int) ([]models.Order, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+OrderColumns+" FROM orders WHERE user_id = $1 ORDER BY created_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user orders: %w", err)
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := ScanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

// CancelOrder cancels an order if it belongs to the user and is still
// live (pending or partially_filled). The row is locked for update so
// a concurrent match cannot fill the order mid-cancellation.
func (db *DB) CancelOrder(ctx context.Context, orderID, userID int) error {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var status models.OrderStatus
	err = tx.QueryRow(ctx,
		"SELECT status FROM orders WHERE id = $1 AND user_id = $2 FOR UPDATE",
		orderID, userID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get order: %w", err)
	}

	if !status.Matchable() {
		return fmt.Errorf("%w: order is %s", ErrInvalidState, status)
	}

	if _, err := tx.Exec(ctx,
		"UPDATE orders SET status = 'cancelled' WHERE id = $1", orderID); err != nil {
		return fmt.Errorf("failed to cancel order: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetUserTrades retrieves all trades where the user is buyer or seller
func (db *DB) GetUserTrades(ctx context.Context, userID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+TradeColumns+" FROM trades WHERE buyer_id = $1 OR seller_id = $1 "+
			"ORDER BY executed_at DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to get user trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := ScanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// GetListingTrades retrieves all trades executed against a listing
func (db *DB) GetListingTrades(ctx context.Context, listingID int) ([]models.Trade, error) {
	rows, err := db.Pool.Query(ctx,
		"SELECT "+TradeColumns+" FROM trades WHERE listing_id = $1 ORDER BY executed_at DESC",
		listingID)
	if err != nil {
		return nil, fmt.Errorf("failed to get listing trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		trade, err := ScanTrade(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trade: %w", err)
		}
		trades = append(trades, *trade)
	}
	return trades, rows.Err()
}

// GetTrade retrieves a trade by id
func (db *DB) GetTrade(ctx context.Context, tradeID int) (*models.Trade, error) {
	row := db.Pool.QueryRow(ctx,
		"SELECT "+TradeColumns+" FROM trades WHERE id = $1", tradeID)
	trade, err := ScanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get trade: %w", err)
	}
	return trade, nil
}
