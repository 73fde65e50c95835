// Package engine implements the order-matching core: given a newly
// persisted pending order, it crosses the book of standing orders for
// the same listing under strict price/time priority and applies the
// resulting trade, order, and listing mutations in one transaction.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/commodex/marketplace/internal/db"
	"github.com/commodex/marketplace/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
)

// maxTradesPerMatch caps how many trades one AttemptMatch invocation
// may produce. Remaining quantity on a partially filled incoming order
// is resolved by a later invocation, triggered by the next book change.
const maxTradesPerMatch = 1

// Engine matches incoming orders against the standing book
type Engine struct {
	db     *db.DB
	logger *slog.Logger
}

// New creates an engine backed by the given store
func New(database *db.DB, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{db: database, logger: logger}
}

// AttemptMatch tries to match the order against standing counter-orders.
// It is invoked once after the order is durably inserted as pending,
// and is safe to re-invoke: an order that is no longer pending is a
// no-op. Either every mutation of a produced trade commits (trade row,
// both order rows, listing row) or none do. No-match conditions —
// missing order, non-pending status, no listing reference, no crossing
// candidate, commit failure, transaction conflict — all yield zero
// trades without error; only other storage failures mid-transaction
// return a non-nil error.
func (e *Engine) AttemptMatch(ctx context.Context, orderID int) ([]models.Trade, error) {
	trades, err := e.match(ctx, orderID)
	if err != nil && isTxConflict(err) {
		// Deadlock or serialization abort: the order is untouched and
		// still pending, so the caller may simply re-invoke.
		e.logger.Error("match transaction conflicted, order left pending",
			"order_id", orderID, "error", err)
		return nil, nil
	}
	return trades, err
}

func (e *Engine) match(ctx context.Context, orderID int) ([]models.Trade, error) {
	tx, err := e.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin match transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	// Unlocked peek to learn the listing; the authoritative row-locked
	// read happens after the listing lock below.
	peek, err := readOrder(ctx, tx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.logger.Info("order not found, nothing to match", "order_id", orderID)
			return nil, nil
		}
		return nil, fmt.Errorf("read incoming order: %w", err)
	}
	if peek.ListingID == nil {
		// Criteria-only buy order; the book is keyed by listing.
		e.logger.Info("order has no listing reference, not matchable", "order_id", peek.ID)
		return nil, nil
	}

	// The listing row is the single serialization point for matches on
	// the same listing, and is locked before any order row: two
	// concurrent crossing submissions would otherwise each lock their
	// own order and then cycle on the counter-order.
	listing, err := lockListing(ctx, tx, *peek.ListingID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.logger.Info("listing not found, nothing to match",
				"order_id", peek.ID, "listing_id", *peek.ListingID)
			return nil, nil
		}
		return nil, fmt.Errorf("lock listing: %w", err)
	}

	// Re-read fresh under the listing lock: the order may have been
	// cancelled or filled between insert and trigger.
	incoming, err := lockOrder(ctx, tx, orderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			e.logger.Info("order not found, nothing to match", "order_id", orderID)
			return nil, nil
		}
		return nil, fmt.Errorf("lock incoming order: %w", err)
	}
	if incoming.Status != models.OrderStatusPending {
		e.logger.Info("order not pending, no matching attempted",
			"order_id", incoming.ID, "status", incoming.Status)
		return nil, nil
	}

	candidates, err := crossingCandidates(ctx, tx, incoming)
	if err != nil {
		return nil, fmt.Errorf("query crossing candidates: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	var trades []models.Trade
	for i := range candidates {
		if len(trades) >= maxTradesPerMatch {
			break
		}
		if !incoming.Status.Matchable() || !incoming.QuantityRemaining.IsPositive() {
			break
		}
		candidate := &candidates[i]

		tradeQty := decimal.Min(incoming.QuantityRemaining, candidate.QuantityRemaining)
		if !tradeQty.IsPositive() {
			continue
		}

		if listing.QuantityAvailable.LessThan(tradeQty) {
			// Resting sell quantity and listing inventory are not
			// linked by any invariant; executing here would overdraw
			// the listing. Abort the whole invocation.
			e.logger.Error("listing inventory insufficient for trade, aborting match",
				"listing_id", listing.ID,
				"available", listing.QuantityAvailable.String(),
				"trade_quantity", tradeQty.String(),
				"incoming_order_id", incoming.ID,
				"candidate_order_id", candidate.ID)
			return nil, nil
		}

		trade, err := e.executeTrade(ctx, tx, incoming, candidate, listing, tradeQty)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}

	if len(trades) == 0 {
		return nil, nil
	}

	if err := tx.Commit(ctx); err != nil {
		// Serialization conflicts land here; the caller may re-invoke
		// with the same order id.
		e.logger.Error("failed to commit match transaction",
			"order_id", incoming.ID, "error", err)
		return nil, nil
	}
	committed = true

	e.logger.Info("match committed",
		"order_id", incoming.ID,
		"trades", len(trades),
		"listing_id", listing.ID)
	return trades, nil
}

// executeTrade applies one crossing between the incoming and candidate
// orders: inserts the trade row and updates both orders and the
// listing, all within the caller's transaction. The standing order's
// limit price always wins.
func (e *Engine) executeTrade(ctx context.Context, tx pgx.Tx, incoming, candidate *models.Order, listing *models.Listing, tradeQty decimal.Decimal) (*models.Trade, error) {
	executionPrice := candidate.LimitPrice

	buyOrder, sellOrder := incoming, candidate
	if incoming.Side == models.SideSell {
		buyOrder, sellOrder = candidate, incoming
	}

	row := tx.QueryRow(ctx,
		"INSERT INTO trades (buy_order_id, sell_order_id, listing_id, quantity, agreed_price, buyer_id, seller_id, settlement_status) "+
			"VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending') RETURNING "+db.TradeColumns,
		buyOrder.ID, sellOrder.ID, listing.ID,
		tradeQty.String(), executionPrice.String(),
		buyOrder.UserID, sellOrder.UserID)
	trade, err := db.ScanTrade(row)
	if err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	for _, order := range []*models.Order{incoming, candidate} {
		order.QuantityRemaining = order.QuantityRemaining.Sub(tradeQty)
		if order.QuantityRemaining.IsZero() {
			order.Status = models.OrderStatusFilled
		} else {
			order.Status = models.OrderStatusPartiallyFilled
		}
		if _, err := tx.Exec(ctx,
			"UPDATE orders SET quantity_remaining = $1, status = $2 WHERE id = $3",
			order.QuantityRemaining.String(), order.Status, order.ID); err != nil {
			return nil, fmt.Errorf("update order %d: %w", order.ID, err)
		}
	}

	listing.QuantityAvailable = listing.QuantityAvailable.Sub(tradeQty)
	if listing.QuantityAvailable.IsZero() {
		listing.Status = models.ListingStatusSold
	}
	if _, err := tx.Exec(ctx,
		"UPDATE listings SET quantity_available = $1, status = $2, updated_at = NOW() WHERE id = $3",
		listing.QuantityAvailable.String(), listing.Status, listing.ID); err != nil {
		return nil, fmt.Errorf("update listing %d: %w", listing.ID, err)
	}

	e.logger.Info("trade executed",
		"trade_id", trade.ID,
		"buy_order_id", buyOrder.ID,
		"sell_order_id", sellOrder.ID,
		"quantity", tradeQty.String(),
		"price", executionPrice.String())
	return trade, nil
}

// isTxConflict reports whether err is a Postgres serialization failure
// or deadlock abort, both of which roll the transaction back cleanly
// and are safe to retry.
func isTxConflict(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

// readOrder reads an order inside tx without locking it
func readOrder(ctx context.Context, tx pgx.Tx, orderID int) (*models.Order, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+db.OrderColumns+" FROM orders WHERE id = $1", orderID)
	return db.ScanOrder(row)
}

// lockOrder reads an order inside tx with a row lock
func lockOrder(ctx context.Context, tx pgx.Tx, orderID int) (*models.Order, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+db.OrderColumns+" FROM orders WHERE id = $1 FOR UPDATE", orderID)
	return db.ScanOrder(row)
}

// lockListing reads a listing inside tx with a row lock. Every match
// transaction takes this lock before touching any order row.
func lockListing(ctx context.Context, tx pgx.Tx, listingID int) (*models.Listing, error) {
	row := tx.QueryRow(ctx,
		"SELECT "+db.ListingColumns+" FROM listings WHERE id = $1 FOR UPDATE", listingID)
	return db.ScanListing(row)
}

// crossingCandidates returns the standing counter-orders whose price
// crosses the incoming order's limit, best price first and earliest
// created first among equal prices, row-locked for the transaction.
// Partially filled standing orders are still live in the book; the
// incoming order's own owner is excluded (no self-trade).
func crossingCandidates(ctx context.Context, tx pgx.Tx, incoming *models.Order) ([]models.Order, error) {
	// An incoming buy crosses asks at or below its limit, cheapest
	// first; an incoming sell crosses bids at or above, dearest first.
	priceCmp, priceDir := "<=", "ASC"
	if incoming.Side == models.SideSell {
		priceCmp, priceDir = ">=", "DESC"
	}
	query := "SELECT " + db.OrderColumns + " FROM orders " +
		"WHERE listing_id = $1 AND side = $2 " +
		"AND status IN ('pending', 'partially_filled') AND quantity_remaining > 0 " +
		"AND limit_price " + priceCmp + " $3 AND user_id <> $4 " +
		"ORDER BY limit_price " + priceDir + ", created_at ASC, id ASC FOR UPDATE"

	rows, err := tx.Query(ctx, query,
		*incoming.ListingID, incoming.Side.Opposite(), incoming.LimitPrice.String(), incoming.UserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []models.Order
	for rows.Next() {
		order, err := db.ScanOrder(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, *order)
	}
	return candidates, rows.Err()
}

// OrderBook returns the display snapshot of a listing's book: pending
// bids (highest price first) and asks (lowest price first), earliest
// created first among equal prices. Read-only and never consulted by
// the matching algorithm, which additionally sees partially filled
// standing orders.
func (e *Engine) OrderBook(ctx context.Context, listingID int) (*models.OrderBook, error) {
	bids, err := e.pendingOrders(ctx, listingID, models.SideBuy, "DESC")
	if err != nil {
		return nil, fmt.Errorf("query bids: %w", err)
	}
	asks, err := e.pendingOrders(ctx, listingID, models.SideSell, "ASC")
	if err != nil {
		return nil, fmt.Errorf("query asks: %w", err)
	}
	return &models.OrderBook{ListingID: listingID, Bids: bids, Asks: asks}, nil
}

func (e *Engine) pendingOrders(ctx context.Context, listingID int, side models.Side, priceDir string) ([]models.Order, error) {
	rows, err := e.db.Pool.Query(ctx,
		"SELECT "+db.OrderColumns+" FROM orders "+
			"WHERE listing_id = $1 AND side = $2 AND status = 'pending' "+
			"ORDER BY limit_price "+priceDir+", created_at ASC, id ASC",
		listingID, side)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []models.Order
	for rows.Next() {
		order, err := db.ScanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}
