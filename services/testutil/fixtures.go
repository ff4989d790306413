package testutil

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/techcsc21/trade4u-sub030/libs/auth"
)

var (
	DemoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	TraderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	AdminUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000003")
)

func GenerateJWT(userID uuid.UUID, secret []byte, ttl time.Duration) (string, error) {
	return auth.SignJWT(userID.String(), []string{"user"}, ttl, secret)
}

func GenerateAdminJWT(userID uuid.UUID, secret []byte, ttl time.Duration) (string, error) {
	return auth.SignJWT(userID.String(), []string{"user", "admin"}, ttl, secret)
}

// SeedWallet upserts a wallet with the given balance and reservation.
func SeedWallet(ctx context.Context, pool *pgxpool.Pool, userID uuid.UUID, walletType, currency string, balance, inOrder decimal.Decimal) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO wallets (id, user_id, type, currency, balance, in_order, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
		ON CONFLICT (user_id, type, currency)
		DO UPDATE SET balance = EXCLUDED.balance, in_order = EXCLUDED.in_order, updated_at = NOW()
	`, uuid.New(), userID, walletType, currency, balance.String(), inOrder.String())
	return err
}
