package storage

import (
	"context"
	"encoding/json"
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

var ErrNotFound = errors.New("not found")

const (
	serializationFailure = "40001"
	deadlockDetected     = "40P01"
	maxTxAttempts        = 3
)

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger}
}

// InTx runs fn in a transaction at the given isolation level and commits if
// fn returns nil. Serialization failures and deadlocks are retried.
func (s *Store) InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.runTx(ctx, iso, fn)
		if err == nil || !retryable(err) {
			return err
		}
		s.logger.Warn("retrying transaction", "attempt", attempt, "isolation", string(iso), "error", err)
	}
	return err
}

func (s *Store) runTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: iso})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == serializationFailure || pgErr.Code == deadlockDetected
	}
	return false
}

const offerColumns = `id, user_id, type, currency, wallet_type, amount_config, price_config, terms, status, created_at, updated_at`

func scanOffer(row pgx.Row) (*Offer, error) {
	var o Offer
	var amountRaw, priceRaw []byte
	if err := row.Scan(&o.ID, &o.UserID, &o.Type, &o.Currency, &o.WalletType, &amountRaw, &priceRaw,
		&o.Terms, &o.Status, &o.CreatedAt, &o.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(amountRaw, &o.AmountConfig); err != nil {
		return nil, fmt.Errorf("decode amount_config for offer %s: %w", o.ID, err)
	}
	if err := json.Unmarshal(priceRaw, &o.PriceConfig); err != nil {
		return nil, fmt.Errorf("decode price_config for offer %s: %w", o.ID, err)
	}
	return &o, nil
}

func (s *Store) InsertOffer(ctx context.Context, tx pgx.Tx, o *Offer) error {
	amountRaw, err := json.Marshal(o.AmountConfig)
	if err != nil {
		return err
	}
	priceRaw, err := json.Marshal(o.PriceConfig)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO p2p_offers (id, user_id, type, currency, wallet_type, amount_config, price_config, terms, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, o.ID, o.UserID, o.Type, o.Currency, o.WalletType, amountRaw, priceRaw, o.Terms, o.Status, o.CreatedAt, o.UpdatedAt)
	return err
}

func (s *Store) GetOffer(ctx context.Context, offerID uuid.UUID) (*Offer, error) {
	return scanOffer(s.pool.QueryRow(ctx, `SELECT `+offerColumns+` FROM p2p_offers WHERE id = $1`, offerID))
}

func (s *Store) LockOffer(ctx context.Context, tx pgx.Tx, offerID uuid.UUID) (*Offer, error) {
	return scanOffer(tx.QueryRow(ctx, `SELECT `+offerColumns+` FROM p2p_offers WHERE id = $1 FOR UPDATE`, offerID))
}

// SaveOffer writes back the mutable fields of a locked offer.
func (s *Store) SaveOffer(ctx context.Context, tx pgx.Tx, o *Offer) error {
	amountRaw, err := json.Marshal(o.AmountConfig)
	if err != nil {
		return err
	}
	o.UpdatedAt = time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE p2p_offers SET amount_config = $2, status = $3, updated_at = $4 WHERE id = $1
	`, o.ID, amountRaw, o.Status, o.UpdatedAt)
	return err
}

// ExpireStaleOffers moves ACTIVE offers with nothing left to trade and no
// activity since before to EXPIRED.
func (s *Store) ExpireStaleOffers(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE p2p_offers SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM p2p_offers
			WHERE status = $2 AND updated_at < $3 AND (amount_config->>'total')::numeric <= 0
			ORDER BY updated_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id
	`, OfferStatusExpired, OfferStatusActive, before, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

const tradeColumns = `id, offer_id, buyer_id, seller_id, amount::text, price::text, buyer_fee::text, seller_fee::text,
	status, timeline, expires_at, payment_confirmed_at, escrow_released_at, completed_at, cancelled_at, created_at, updated_at`

func scanTrade(row pgx.Row) (*Trade, error) {
	var t Trade
	var amount, price, buyerFee, sellerFee string
	var timelineRaw []byte
	if err := row.Scan(&t.ID, &t.OfferID, &t.BuyerID, &t.SellerID, &amount, &price, &buyerFee, &sellerFee,
		&t.Status, &timelineRaw, &t.ExpiresAt, &t.PaymentConfirmedAt, &t.EscrowReleasedAt, &t.CompletedAt,
		&t.CancelledAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var err error
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	if t.Price, err = decimal.NewFromString(price); err != nil {
		return nil, err
	}
	if t.BuyerFee, err = decimal.NewFromString(buyerFee); err != nil {
		return nil, err
	}
	if t.SellerFee, err = decimal.NewFromString(sellerFee); err != nil {
		return nil, err
	}
	if len(timelineRaw) > 0 {
		if err := json.Unmarshal(timelineRaw, &t.Timeline); err != nil {
			return nil, fmt.Errorf("decode timeline for trade %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// InsertTrade records an accepted offer. Trade creation belongs to the
// matching flow; this is used by seeding and tests.
func (s *Store) InsertTrade(ctx context.Context, tx pgx.Tx, t *Trade) error {
	if t.Timeline == nil {
		t.Timeline = []TimelineEvent{}
	}
	timelineRaw, err := json.Marshal(t.Timeline)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO p2p_trades (id, offer_id, buyer_id, seller_id, amount, price, buyer_fee, seller_fee, status, timeline,
			expires_at, payment_confirmed_at, escrow_released_at, completed_at, cancelled_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $16)
	`, t.ID, t.OfferID, t.BuyerID, t.SellerID, t.Amount.String(), t.Price.String(), t.BuyerFee.String(),
		t.SellerFee.String(), t.Status, timelineRaw, t.ExpiresAt, t.PaymentConfirmedAt, t.EscrowReleasedAt,
		t.CompletedAt, t.CancelledAt, t.CreatedAt)
	return err
}

func (s *Store) GetTrade(ctx context.Context, tradeID uuid.UUID) (*Trade, error) {
	return scanTrade(s.pool.QueryRow(ctx, `SELECT `+tradeColumns+` FROM p2p_trades WHERE id = $1`, tradeID))
}

func (s *Store) LockTrade(ctx context.Context, tx pgx.Tx, tradeID uuid.UUID) (*Trade, error) {
	return scanTrade(tx.QueryRow(ctx, `SELECT `+tradeColumns+` FROM p2p_trades WHERE id = $1 FOR UPDATE`, tradeID))
}

// SaveTrade writes status, timeline and timestamps of a locked trade.
func (s *Store) SaveTrade(ctx context.Context, tx pgx.Tx, t *Trade) error {
	timelineRaw, err := json.Marshal(t.Timeline)
	if err != nil {
		return err
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = time.Now().UTC()
	}
	_, err = tx.Exec(ctx, `
		UPDATE p2p_trades
		SET status = $2, timeline = $3, payment_confirmed_at = $4, escrow_released_at = $5,
			completed_at = $6, cancelled_at = $7, updated_at = $8
		WHERE id = $1
	`, t.ID, t.Status, timelineRaw, t.PaymentConfirmedAt, t.EscrowReleasedAt, t.CompletedAt, t.CancelledAt, t.UpdatedAt)
	return err
}

// ListExpiredTradeIDs returns open trades whose deadline passed before now,
// leaving out the ids in exclude.
func (s *Store) ListExpiredTradeIDs(ctx context.Context, now time.Time, limit int, exclude []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM p2p_trades
		WHERE status IN ($1, $2) AND expires_at < $3
		  AND id <> ALL(COALESCE($5::uuid[], '{}'))
		ORDER BY expires_at
		LIMIT $4
	`, TradeStatusPending, TradeStatusPaymentSent, now, limit, exclude)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ListReleasedTradeIDs returns trades released before the given time that
// were never completed, leaving out the ids in exclude.
func (s *Store) ListReleasedTradeIDs(ctx context.Context, before time.Time, limit int, exclude []uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM p2p_trades
		WHERE status = $1 AND escrow_released_at < $2
		  AND id <> ALL(COALESCE($4::uuid[], '{}'))
		ORDER BY escrow_released_at
		LIMIT $3
	`, TradeStatusEscrowReleased, before, limit, exclude)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

// ReputationStats aggregates trade outcomes and review ratings per
// participant.
func (s *Store) ReputationStats(ctx context.Context) ([]ReputationStats, error) {
	rows, err := s.pool.Query(ctx, `
		WITH participants AS (
			SELECT buyer_id AS user_id, status FROM p2p_trades
			UNION ALL
			SELECT seller_id AS user_id, status FROM p2p_trades
		), ratings AS (
			SELECT reviewee_id, AVG(rating) AS avg_rating FROM p2p_reviews GROUP BY reviewee_id
		)
		SELECT p.user_id,
			COUNT(*),
			COUNT(*) FILTER (WHERE p.status = $1),
			COUNT(*) FILTER (WHERE p.status = $2),
			COALESCE(r.avg_rating, 0)::text
		FROM participants p
		LEFT JOIN ratings r ON r.reviewee_id = p.user_id
		GROUP BY p.user_id, r.avg_rating
	`, TradeStatusCompleted, TradeStatusDisputed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ReputationStats
	for rows.Next() {
		var st ReputationStats
		var avg string
		if err := rows.Scan(&st.UserID, &st.TotalTrades, &st.CompletedTrades, &st.DisputedTrades, &avg); err != nil {
			return nil, err
		}
		if st.AvgRating, err = decimal.NewFromString(avg); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *Store) UpsertReputation(ctx context.Context, r Reputation) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO p2p_reputation (user_id, score, total_trades, completed_trades, disputed_trades, avg_rating, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (user_id) DO UPDATE SET
			score = EXCLUDED.score,
			total_trades = EXCLUDED.total_trades,
			completed_trades = EXCLUDED.completed_trades,
			disputed_trades = EXCLUDED.disputed_trades,
			avg_rating = EXCLUDED.avg_rating,
			updated_at = NOW()
	`, r.UserID, r.Score.String(), r.TotalTrades, r.CompletedTrades, r.DisputedTrades, r.AvgRating.StringFixed(2))
	return err
}

func (s *Store) GetReputation(ctx context.Context, userID uuid.UUID) (*Reputation, error) {
	var r Reputation
	var score, avg string
	err := s.pool.QueryRow(ctx, `
		SELECT user_id, score::text, total_trades, completed_trades, disputed_trades, avg_rating::text, updated_at
		FROM p2p_reputation WHERE user_id = $1
	`, userID).Scan(&r.UserID, &score, &r.TotalTrades, &r.CompletedTrades, &r.DisputedTrades, &avg, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if r.Score, err = decimal.NewFromString(score); err != nil {
		return nil, err
	}
	if r.AvgRating, err = decimal.NewFromString(avg); err != nil {
		return nil, err
	}
	return &r, nil
}
