package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

var staleTradeID = uuid.MustParse("00000000-0000-0000-0000-000000000502")

// seedTestData adds a PENDING trade that is already past its deadline, so
// the next reaper pass expires it and returns its escrow.
func seedTestData(ctx context.Context, pool *pgxpool.Pool) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO p2p_trades (id, offer_id, buyer_id, seller_id, amount, price, status, timeline,
			expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, '200', '1.02', 'PENDING', '[]'::jsonb,
			NOW() - INTERVAL '1 hour', NOW() - INTERVAL '2 hours', NOW() - INTERVAL '2 hours')
		ON CONFLICT (id) DO NOTHING
	`, staleTradeID, demoOfferID, traderUserID, demoUserID)
	if err != nil {
		return fmt.Errorf("stale trade: %w", err)
	}

	// seedWallets resets the seller wallet, so escrow is re-added while the
	// trade is still pending.
	_, err = tx.Exec(ctx, `
		UPDATE wallets
		SET balance = balance + 200, in_order = in_order + 200, updated_at = NOW()
		WHERE user_id = $1 AND type = 'FUNDING' AND currency = 'USDT'
		  AND EXISTS (SELECT 1 FROM p2p_trades WHERE id = $2 AND status = 'PENDING')
	`, demoUserID, staleTradeID)
	if err != nil {
		return fmt.Errorf("stale trade escrow: %w", err)
	}
	return tx.Commit(ctx)
}
