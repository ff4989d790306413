package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/techcsc21/trade4u-sub030/libs/auth"
	base "github.com/techcsc21/trade4u-sub030/libs/config"
)

var (
	demoUserID   = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	traderUserID = uuid.MustParse("00000000-0000-0000-0000-000000000002")
	adminUserID  = uuid.MustParse("00000000-0000-0000-0000-000000000003")

	demoOfferID = uuid.MustParse("00000000-0000-0000-0000-000000000401")
	demoTradeID = uuid.MustParse("00000000-0000-0000-0000-000000000501")
)

func main() {
	env := base.EnvString("ENV", "dev")
	if env != "dev" && env != "test" {
		log.Fatalf("refusing to seed: CEX_ENV must be 'dev' or 'test' (got '%s')", env)
	}

	db := base.LoadDB()
	if err := base.Validate(&db); err != nil {
		log.Fatalf("db config: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, db.DSN())
	if err != nil {
		log.Fatalf("connect db: %v", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		log.Fatalf("ping db: %v", err)
	}

	fmt.Println("Seeding database...")

	if err := seedMarkets(ctx, pool); err != nil {
		log.Fatalf("seed markets: %v", err)
	}
	fmt.Println("✓ Markets seeded")

	if err := seedWallets(ctx, pool); err != nil {
		log.Fatalf("seed wallets: %v", err)
	}
	fmt.Println("✓ Wallets seeded")

	if err := seedP2P(ctx, pool); err != nil {
		log.Fatalf("seed p2p: %v", err)
	}
	fmt.Println("✓ P2P offer and trade seeded")

	if os.Getenv("SEED_TESTDATA") == "1" {
		if err := seedTestData(ctx, pool); err != nil {
			log.Fatalf("seed test data: %v", err)
		}
		fmt.Println("✓ Test data seeded")
	}

	fmt.Println("\n=== Seed Complete ===")
	fmt.Printf("\nP2P offer: %s\nP2P trade: %s (seller demo, buyer trader)\n", demoOfferID, demoTradeID)

	secret := base.EnvString("JWT_SECRET", "")
	if env != "dev" || secret == "" {
		return
	}
	fmt.Println("\nAccess tokens (DEV ONLY, 24h):")
	tokens := []struct {
		name  string
		id    uuid.UUID
		roles []string
	}{
		{"demo", demoUserID, []string{"user"}},
		{"trader", traderUserID, []string{"user"}},
		{"admin", adminUserID, []string{"user", "admin"}},
	}
	for _, tok := range tokens {
		signed, err := auth.SignJWT(tok.id.String(), tok.roles, 24*time.Hour, []byte(secret))
		if err != nil {
			log.Fatalf("sign %s token: %v", tok.name, err)
		}
		fmt.Printf("  %s: %s\n", tok.name, signed)
	}
}

func seedMarkets(ctx context.Context, pool *pgxpool.Pool) error {
	markets := []struct {
		currency        string
		pair            string
		amountPrecision int
		pricePrecision  int
		minAmount       string
		minCost         string
	}{
		{"BTC", "USDT", 6, 2, "0.0001", "10"},
		{"ETH", "USDT", 4, 2, "0.001", "10"},
		{"ETH", "BTC", 4, 6, "0.001", "0.0001"},
	}

	for _, m := range markets {
		_, err := pool.Exec(ctx, `
			INSERT INTO markets (symbol, currency, pair, status, amount_precision, price_precision,
				maker_fee, taker_fee, min_amount, min_cost, updated_at)
			VALUES ($1, $2, $3, 'active', $4, $5, $6, $7, $8, $9, NOW())
			ON CONFLICT (symbol) DO UPDATE
			SET status = EXCLUDED.status,
			    amount_precision = EXCLUDED.amount_precision,
			    price_precision = EXCLUDED.price_precision,
			    maker_fee = EXCLUDED.maker_fee,
			    taker_fee = EXCLUDED.taker_fee,
			    min_amount = EXCLUDED.min_amount,
			    min_cost = EXCLUDED.min_cost,
			    updated_at = EXCLUDED.updated_at
		`, m.currency+"/"+m.pair, m.currency, m.pair, m.amountPrecision, m.pricePrecision,
			"0.1", "0.1", m.minAmount, m.minCost)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedWallets(ctx context.Context, pool *pgxpool.Pool) error {
	wallets := []struct {
		userID     uuid.UUID
		walletType string
		currency   string
		balance    string
		inOrder    string
	}{
		{demoUserID, "SPOT", "BTC", "10", "0"},
		{demoUserID, "SPOT", "ETH", "100", "0"},
		{demoUserID, "SPOT", "USDT", "50000", "0"},
		// 1000 left on the offer plus 500 in escrow for the seeded trade.
		{demoUserID, "FUNDING", "USDT", "5000", "1500"},
		{traderUserID, "SPOT", "BTC", "5", "0"},
		{traderUserID, "SPOT", "ETH", "50", "0"},
		{traderUserID, "SPOT", "USDT", "25000", "0"},
		{traderUserID, "FUNDING", "USDT", "0", "0"},
	}

	for _, w := range wallets {
		_, err := pool.Exec(ctx, `
			INSERT INTO wallets (id, user_id, type, currency, balance, in_order, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW())
			ON CONFLICT (user_id, type, currency) DO UPDATE
			SET balance = EXCLUDED.balance,
			    in_order = EXCLUDED.in_order,
			    updated_at = EXCLUDED.updated_at
		`, uuid.New(), w.userID, w.walletType, w.currency, w.balance, w.inOrder)
		if err != nil {
			return err
		}
	}
	return nil
}

func seedP2P(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
		INSERT INTO p2p_offers (id, user_id, type, currency, wallet_type, amount_config, price_config, terms, status, created_at, updated_at)
		VALUES ($1, $2, 'SELL', 'USDT', 'FUNDING', $3::jsonb, $4::jsonb, $5, 'ACTIVE', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET amount_config = EXCLUDED.amount_config,
		    status = EXCLUDED.status,
		    updated_at = EXCLUDED.updated_at
	`, demoOfferID, demoUserID,
		`{"total":"1000","min":"10","max":"500","original_total":"1500"}`,
		`{"model":"FIXED","value":"1.02","fiat_currency":"EUR"}`,
		"SEPA transfer only. Reference the trade id.")
	if err != nil {
		return fmt.Errorf("offer: %w", err)
	}

	timeline := fmt.Sprintf(`[{"event":"CREATED","status":"PENDING","actor_id":"%s","at":"%s"}]`,
		traderUserID, time.Now().UTC().Format(time.RFC3339Nano))
	_, err = pool.Exec(ctx, `
		INSERT INTO p2p_trades (id, offer_id, buyer_id, seller_id, amount, price, buyer_fee, seller_fee,
			status, timeline, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '500', '1.02', '2', '3', 'PENDING', $5::jsonb, NOW() + INTERVAL '30 minutes', NOW(), NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status,
		    timeline = EXCLUDED.timeline,
		    expires_at = EXCLUDED.expires_at,
		    payment_confirmed_at = NULL,
		    escrow_released_at = NULL,
		    completed_at = NULL,
		    cancelled_at = NULL,
		    updated_at = EXCLUDED.updated_at
	`, demoTradeID, demoOfferID, traderUserID, demoUserID, timeline)
	if err != nil {
		return fmt.Errorf("trade: %w", err)
	}
	return nil
}
