package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Querier is satisfied by *pgxpool.Pool and pgx.Tx.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the ledger accessor. Mutating methods take the caller's
// transaction so the wallet change commits or rolls back together with the
// order or trade it backs.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *Metrics
}

func New(pool *pgxpool.Pool, logger *slog.Logger, metrics *Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, metrics: metrics}
}

const walletColumns = `id, user_id, type, currency, balance::text, in_order::text, created_at, updated_at`

func scanWallet(row pgx.Row) (*Wallet, error) {
	var w Wallet
	var balanceStr, inOrderStr string
	if err := row.Scan(&w.ID, &w.UserID, &w.Type, &w.Currency, &balanceStr, &inOrderStr, &w.CreatedAt, &w.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWalletNotFound
		}
		return nil, err
	}
	var err error
	w.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	w.InOrder, err = decimal.NewFromString(inOrderStr)
	if err != nil {
		return nil, fmt.Errorf("parse in_order: %w", err)
	}
	return &w, nil
}

func (s *Store) GetWallet(ctx context.Context, key Key) (*Wallet, error) {
	return scanWallet(s.pool.QueryRow(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND type = $2 AND currency = $3
	`, key.UserID, key.Type, key.Currency))
}

func (s *Store) ListWallets(ctx context.Context, userID uuid.UUID) ([]Wallet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1
		ORDER BY type, currency
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, *w)
	}
	return wallets, rows.Err()
}

func (s *Store) ListEntries(ctx context.Context, filter EntryFilter) ([]Entry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	before := filter.Before
	if before.IsZero() {
		before = time.Now().UTC().Add(time.Minute)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, wallet_id, user_id, wallet_type, currency, kind, amount::text, fee::text,
			reference_type, reference_id, description, created_at
		FROM ledger_entries
		WHERE user_id = $1 AND ($2 = '' OR currency = $2) AND created_at < $3
		ORDER BY created_at DESC, id DESC
		LIMIT $4
	`, filter.UserID, filter.Currency, before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var amountStr, feeStr string
		if err := rows.Scan(&e.ID, &e.WalletID, &e.UserID, &e.WalletType, &e.Currency, &e.Kind, &amountStr, &feeStr,
			&e.ReferenceType, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, fmt.Errorf("parse entry amount: %w", err)
		}
		if e.Fee, err = decimal.NewFromString(feeStr); err != nil {
			return nil, fmt.Errorf("parse entry fee: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Lock loads the wallet row with FOR UPDATE.
func (s *Store) Lock(ctx context.Context, tx pgx.Tx, key Key) (*Wallet, error) {
	return scanWallet(tx.QueryRow(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE user_id = $1 AND type = $2 AND currency = $3
		FOR UPDATE
	`, key.UserID, key.Type, key.Currency))
}

// LockOrCreate locks the wallet, creating an empty one first if needed.
func (s *Store) LockOrCreate(ctx context.Context, tx pgx.Tx, key Key) (*Wallet, error) {
	now := time.Now().UTC()
	if _, err := tx.Exec(ctx, `
		INSERT INTO wallets (id, user_id, type, currency, balance, in_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, 0, $5, $5)
		ON CONFLICT (user_id, type, currency) DO NOTHING
	`, uuid.New(), key.UserID, key.Type, key.Currency, now); err != nil {
		return nil, err
	}
	return s.Lock(ctx, tx, key)
}

func (s *Store) save(ctx context.Context, tx pgx.Tx, w *Wallet) error {
	w.UpdatedAt = time.Now().UTC()
	_, err := tx.Exec(ctx, `
		UPDATE wallets
		SET balance = $1, in_order = $2, updated_at = $3
		WHERE id = $4
	`, w.Balance.String(), w.InOrder.String(), w.UpdatedAt, w.ID)
	return err
}

// Reserve moves amount from spendable into InOrder.
func (s *Store) Reserve(ctx context.Context, tx pgx.Tx, key Key, amount decimal.Decimal) (w *Wallet, err error) {
	defer func() { s.metrics.observe("reserve", err) }()

	w, err = s.Lock(ctx, tx, key)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, &InsufficientFundsError{Key: key, Required: amount, Available: decimal.Zero}
	}
	if err != nil {
		return nil, err
	}
	if err := applyReserve(w, amount); err != nil {
		return nil, err
	}
	if err := s.save(ctx, tx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Release returns amount from InOrder to spendable. Releasing more than is
// reserved clamps at zero and is logged as an invariant violation; the
// returned decimal is what was actually released.
func (s *Store) Release(ctx context.Context, tx pgx.Tx, key Key, amount decimal.Decimal) (released decimal.Decimal, err error) {
	defer func() { s.metrics.observe("release", err) }()

	w, err := s.Lock(ctx, tx, key)
	if err != nil {
		if errors.Is(err, ErrWalletNotFound) {
			s.logger.Error("release on missing wallet",
				"user_id", key.UserID, "wallet_type", key.Type, "currency", key.Currency, "amount", amount.String())
			s.metrics.violation("release")
			return decimal.Zero, nil
		}
		return decimal.Zero, err
	}
	released, clamped := applyRelease(w, amount)
	if clamped {
		s.logger.Error("reservation underflow on release",
			"user_id", key.UserID,
			"wallet_type", key.Type,
			"currency", key.Currency,
			"requested", amount.String(),
			"released", released.String(),
		)
		s.metrics.violation("release")
	}
	if err := s.save(ctx, tx, w); err != nil {
		return decimal.Zero, err
	}
	return released, nil
}

// Debit removes amount from the balance.
func (s *Store) Debit(ctx context.Context, tx pgx.Tx, key Key, amount decimal.Decimal) (w *Wallet, err error) {
	defer func() { s.metrics.observe("debit", err) }()

	w, err = s.Lock(ctx, tx, key)
	if errors.Is(err, ErrWalletNotFound) {
		return nil, &InsufficientFundsError{Key: key, Required: amount, Available: decimal.Zero}
	}
	if err != nil {
		return nil, err
	}
	if err := applyDebit(w, amount); err != nil {
		return nil, err
	}
	if err := s.save(ctx, tx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// Credit adds amount to the balance, creating the wallet when absent.
func (s *Store) Credit(ctx context.Context, tx pgx.Tx, key Key, amount decimal.Decimal) (w *Wallet, err error) {
	defer func() { s.metrics.observe("credit", err) }()

	w, err = s.LockOrCreate(ctx, tx, key)
	if err != nil {
		return nil, err
	}
	if err := applyCredit(w, amount); err != nil {
		return nil, err
	}
	if err := s.save(ctx, tx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// RecordEntry appends a ledger entry. Replays of the same
// (reference, kind, wallet) are ignored.
func (s *Store) RecordEntry(ctx context.Context, tx pgx.Tx, w *Wallet, e Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO ledger_entries (id, wallet_id, user_id, wallet_type, currency, kind, amount, fee,
			reference_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (reference_type, reference_id, kind, wallet_id) DO NOTHING
	`, e.ID, w.ID, w.UserID, w.Type, w.Currency, e.Kind, e.Amount.String(), e.Fee.String(),
		e.ReferenceType, e.ReferenceID, e.Description, e.CreatedAt)
	return err
}
