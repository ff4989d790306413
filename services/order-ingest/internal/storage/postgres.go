package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/market"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/orderbook"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidCursor     = errors.New("invalid cursor")
	ErrInvalidStatus     = errors.New("invalid status transition")
	ErrAlreadyReserved   = errors.New("order already reserved")
	ErrReservedOrderKept = errors.New("order holds a reservation")
)

const (
	orderColumns = `id, user_id, COALESCE(client_order_id, ''), symbol, side, type, amount::text, price::text, cost::text,
		fee::text, fee_currency, filled::text, remaining::text, reserved::text, reserve_currency, wallet_type, status,
		created_at, updated_at`
	referenceTypeOrder = "order"
)

type Store struct {
	pool   *pgxpool.Pool
	ledger *ledger.Store
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, ledgerStore *ledger.Store, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, ledger: ledgerStore, logger: logger}
}

// CreateOrder inserts an OPEN order with no reservation yet. A replayed
// client_order_id returns the existing order with created=false.
func (s *Store) CreateOrder(ctx context.Context, order Order) (*Order, bool, error) {
	if order.ID == uuid.Nil {
		order.ID = uuid.New()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, user_id, client_order_id, symbol, side, type, amount, price, cost, fee, fee_currency,
			filled, remaining, reserved, reserve_currency, wallet_type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, 0, $7, 0, $12, $13, $14, NOW(), NOW())
		ON CONFLICT (user_id, client_order_id) DO NOTHING
		RETURNING `+orderColumns,
		order.ID, order.UserID, nullableString(order.ClientOrderID), order.Symbol, order.Side, order.Type,
		order.Amount.String(), order.Price.String(), order.Cost.String(), order.Fee.String(), order.FeeCurrency,
		order.ReserveCurrency, order.WalletType, OrderStatusOpen)

	stored, err := scanOrderRow(row)
	if err == nil {
		return stored, true, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	existing, err := s.GetOrderByClientID(ctx, order.UserID, order.ClientOrderID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// ReserveForOrder locks the order and the wallet and moves amount into the
// wallet's reservation in one transaction.
func (s *Store) ReserveForOrder(ctx context.Context, orderID uuid.UUID, key ledger.Key, amount decimal.Decimal) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return err
	}
	if order.Status != OrderStatusOpen {
		return ErrInvalidStatus
	}
	if order.Reserved.IsPositive() {
		return ErrAlreadyReserved
	}

	wallet, err := s.ledger.Reserve(ctx, tx, key, amount)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE orders SET reserved = $2, updated_at = NOW() WHERE id = $1
	`, orderID, amount.String()); err != nil {
		return err
	}
	if err := s.ledger.RecordEntry(ctx, tx, wallet, ledger.Entry{
		Kind:          ledger.EntryOrderReserve,
		Amount:        amount.Neg(),
		ReferenceType: referenceTypeOrder,
		ReferenceID:   orderID.String(),
		Description:   fmt.Sprintf("%s %s %s", order.Side, order.Amount.String(), order.Symbol),
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

// DeleteOrder removes an order that never obtained its reservation.
func (s *Store) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM orders WHERE id = $1 AND reserved = 0`, orderID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetOrderByID(ctx, orderID); err == nil {
			return ErrReservedOrderKept
		}
		return ErrNotFound
	}
	return nil
}

// CancelOrder releases whatever the order still holds and marks it
// CANCELLED.
func (s *Store) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*Order, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	order, err := getOrderForUpdate(ctx, tx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrNotFound
	}
	if order.Status != OrderStatusOpen {
		return nil, ErrInvalidStatus
	}

	if order.Reserved.IsPositive() {
		key := ledger.NewKey(order.UserID, order.WalletType, order.ReserveCurrency)
		released, err := s.ledger.Release(ctx, tx, key, order.Reserved)
		if err != nil {
			return nil, err
		}
		if released.IsPositive() {
			wallet, err := s.ledger.Lock(ctx, tx, key)
			if err != nil {
				return nil, err
			}
			if err := s.ledger.RecordEntry(ctx, tx, wallet, ledger.Entry{
				Kind:          ledger.EntryOrderRelease,
				Amount:        released,
				ReferenceType: referenceTypeOrder,
				ReferenceID:   order.ID.String(),
				Description:   "order cancelled",
			}); err != nil {
				return nil, err
			}
		}
	}

	updated, err := scanOrderRow(tx.QueryRow(ctx, `
		UPDATE orders SET status = $2, reserved = 0, updated_at = NOW()
		WHERE id = $1
		RETURNING `+orderColumns, orderID, OrderStatusCancelled))
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	committed = true
	return updated, nil
}

func (s *Store) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	return scanOrderRow(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
}

func (s *Store) GetOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*Order, error) {
	if clientOrderID == "" {
		return nil, ErrNotFound
	}
	return scanOrderRow(s.pool.QueryRow(ctx, `
		SELECT `+orderColumns+` FROM orders WHERE user_id = $1 AND client_order_id = $2
	`, userID, clientOrderID))
}

// ListOpenOrders returns the user's resting limit orders on symbol.
func (s *Store) ListOpenOrders(ctx context.Context, userID uuid.UUID, symbol string) ([]Order, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE user_id = $1 AND symbol = $2 AND status = $3 AND type = $4 AND remaining > 0
	`, userID, symbol, OrderStatusOpen, TypeLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, filter OrderFilter) ([]Order, string, error) {
	limit := clampLimit(filter.Limit)

	query := `SELECT ` + orderColumns + ` FROM orders WHERE user_id = $1`
	args := []any{userID}
	idx := 2

	if filter.Symbol != "" {
		query += fmt.Sprintf(" AND symbol = $%d", idx)
		args = append(args, filter.Symbol)
		idx++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.From != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", idx)
		args = append(args, *filter.From)
		idx++
	}
	if filter.To != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", idx)
		args = append(args, *filter.To)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrderRow(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(orders) > limit {
		orders = orders[:limit]
		last := orders[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	return orders, nextCursor, nil
}

// RestingOrders feeds the order book snapshot provider.
func (s *Store) RestingOrders(ctx context.Context, symbol string) ([]orderbook.Resting, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT side, price::text, SUM(remaining)::text
		FROM orders
		WHERE symbol = $1 AND status = $2 AND type = $3 AND remaining > 0
		GROUP BY side, price
	`, symbol, OrderStatusOpen, TypeLimit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orderbook.Resting
	for rows.Next() {
		var side, priceStr, qtyStr string
		if err := rows.Scan(&side, &priceStr, &qtyStr); err != nil {
			return nil, err
		}
		price, err := decimal.NewFromString(priceStr)
		if err != nil {
			return nil, fmt.Errorf("parse price: %w", err)
		}
		qty, err := decimal.NewFromString(qtyStr)
		if err != nil {
			return nil, fmt.Errorf("parse quantity: %w", err)
		}
		out = append(out, orderbook.Resting{Side: side, Price: price, Quantity: qty})
	}
	return out, rows.Err()
}

// ListMarkets feeds the market metadata cache.
func (s *Store) ListMarkets(ctx context.Context) ([]market.Market, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT symbol, currency, pair, status, amount_precision, price_precision,
			maker_fee::text, taker_fee::text,
			min_amount::text, max_amount::text, min_price::text, max_price::text, min_cost::text, max_cost::text
		FROM markets
		WHERE status = 'active'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []market.Market
	for rows.Next() {
		var m market.Market
		var maker, taker, minAmount, maxAmount, minPrice, maxPrice, minCost, maxCost *string
		if err := rows.Scan(&m.Symbol, &m.Currency, &m.Pair, &m.Status, &m.Precision.Amount, &m.Precision.Price,
			&maker, &taker, &minAmount, &maxAmount, &minPrice, &maxPrice, &minCost, &maxCost); err != nil {
			return nil, err
		}
		var parseErr error
		parse := func(raw *string) *decimal.Decimal {
			if raw == nil || parseErr != nil {
				return nil
			}
			v, err := decimal.NewFromString(*raw)
			if err != nil {
				parseErr = fmt.Errorf("market %s: %w", m.Symbol, err)
				return nil
			}
			return &v
		}
		m.MakerFee = parse(maker)
		m.TakerFee = parse(taker)
		m.Limits.Amount = market.Limit{Min: parse(minAmount), Max: parse(maxAmount)}
		m.Limits.Price = market.Limit{Min: parse(minPrice), Max: parse(maxPrice)}
		m.Limits.Cost = market.Limit{Min: parse(minCost), Max: parse(maxCost)}
		if parseErr != nil {
			return nil, parseErr
		}
		markets = append(markets, m)
	}
	return markets, rows.Err()
}

func getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*Order, error) {
	return scanOrderRow(tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
}

func scanOrderRow(row pgx.Row) (*Order, error) {
	var order Order
	var amount, price, cost, fee, filled, remaining, reserved string
	if err := row.Scan(&order.ID, &order.UserID, &order.ClientOrderID, &order.Symbol, &order.Side, &order.Type,
		&amount, &price, &cost, &fee, &order.FeeCurrency, &filled, &remaining, &reserved,
		&order.ReserveCurrency, &order.WalletType, &order.Status, &order.CreatedAt, &order.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"amount", amount, &order.Amount},
		{"price", price, &order.Price},
		{"cost", cost, &order.Cost},
		{"fee", fee, &order.Fee},
		{"filled", filled, &order.Filled},
		{"remaining", remaining, &order.Remaining},
		{"reserved", reserved, &order.Reserved},
	}
	for _, f := range fields {
		v, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", f.name, err)
		}
		*f.dst = v
	}
	return &order, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}
