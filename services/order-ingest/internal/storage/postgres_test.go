package storage

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/services/testutil"
)

func setupStore(t *testing.T) (*Store, *pgxpool.Pool) {
	t.Helper()
	if !testutil.IntegrationEnabled() {
		t.Skip("set RUN_DB_INTEGRATION=1 to run")
	}
	pool, err := testutil.SetupTestDB()
	if err != nil {
		t.Skipf("db connection failed: %v", err)
	}
	t.Cleanup(func() {
		_ = testutil.CleanupTestData(context.Background(), pool)
		pool.Close()
	})
	if err := testutil.CleanupTestData(context.Background(), pool); err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	return New(pool, ledger.New(pool, nil, nil), nil), pool
}

func limitBuy(userID uuid.UUID, clientID string) Order {
	return Order{
		UserID:          userID,
		ClientOrderID:   clientID,
		Symbol:          "BTC/USDT",
		Side:            SideBuy,
		Type:            TypeLimit,
		Amount:          decimal.NewFromInt(1),
		Price:           decimal.NewFromInt(100),
		Cost:            decimal.RequireFromString("100.1"),
		Fee:             decimal.RequireFromString("0.1"),
		FeeCurrency:     "USDT",
		ReserveCurrency: "USDT",
		WalletType:      ledger.WalletTypeSpot,
	}
}

func TestCreateOrderIdempotent(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()

	first, created, err := store.CreateOrder(ctx, limitBuy(userID, "client-1"))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if !created || first.Status != OrderStatusOpen || !first.Remaining.Equal(first.Amount) {
		t.Fatalf("unexpected first order: %+v created=%v", first, created)
	}

	second, created, err := store.CreateOrder(ctx, limitBuy(userID, "client-1"))
	if err != nil {
		t.Fatalf("CreateOrder duplicate: %v", err)
	}
	if created || second.ID != first.ID {
		t.Fatalf("expected replay of %s, got %s created=%v", first.ID, second.ID, created)
	}
}

func TestReserveAndCancelOrder(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()
	if err := testutil.SeedWallet(ctx, pool, userID, "SPOT", "USDT", decimal.NewFromInt(1000), decimal.Zero); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	order, _, err := store.CreateOrder(ctx, limitBuy(userID, ""))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	key := ledger.NewKey(userID, "SPOT", "USDT")
	if err := store.ReserveForOrder(ctx, order.ID, key, order.Cost); err != nil {
		t.Fatalf("ReserveForOrder: %v", err)
	}
	if err := store.ReserveForOrder(ctx, order.ID, key, order.Cost); !errors.Is(err, ErrAlreadyReserved) {
		t.Fatalf("expected ErrAlreadyReserved, got %v", err)
	}

	w, err := store.ledger.GetWallet(ctx, key)
	if err != nil {
		t.Fatalf("GetWallet: %v", err)
	}
	if !w.InOrder.Equal(decimal.RequireFromString("100.1")) {
		t.Fatalf("expected inOrder 100.1, got %s", w.InOrder)
	}

	if err := store.DeleteOrder(ctx, order.ID); !errors.Is(err, ErrReservedOrderKept) {
		t.Fatalf("expected reserved order to be kept, got %v", err)
	}

	cancelled, err := store.CancelOrder(ctx, order.ID, userID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != OrderStatusCancelled || !cancelled.Reserved.IsZero() {
		t.Fatalf("unexpected cancelled order: %+v", cancelled)
	}
	w, _ = store.ledger.GetWallet(ctx, key)
	if !w.InOrder.IsZero() || !w.Balance.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected reservation returned, got balance=%s inOrder=%s", w.Balance, w.InOrder)
	}

	if _, err := store.CancelOrder(ctx, order.ID, userID); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus on second cancel, got %v", err)
	}
}

func TestReserveInsufficientLeavesOrderDeletable(t *testing.T) {
	store, pool := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()
	if err := testutil.SeedWallet(ctx, pool, userID, "SPOT", "USDT", decimal.NewFromInt(50), decimal.Zero); err != nil {
		t.Fatalf("seed wallet: %v", err)
	}

	order, _, err := store.CreateOrder(ctx, limitBuy(userID, ""))
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	err = store.ReserveForOrder(ctx, order.ID, ledger.NewKey(userID, "SPOT", "USDT"), order.Cost)
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if err := store.DeleteOrder(ctx, order.ID); err != nil {
		t.Fatalf("DeleteOrder: %v", err)
	}
	if _, err := store.GetOrderByID(ctx, order.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected order gone, got %v", err)
	}
}

func TestRestingOrdersAggregates(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 2; i++ {
		if _, _, err := store.CreateOrder(ctx, limitBuy(userID, "")); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
	}

	resting, err := store.RestingOrders(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("RestingOrders: %v", err)
	}
	if len(resting) != 1 || !resting[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Fatalf("expected one aggregated level of 2, got %+v", resting)
	}

	open, err := store.ListOpenOrders(ctx, userID, "BTC/USDT")
	if err != nil {
		t.Fatalf("ListOpenOrders: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("expected 2 open orders, got %d", len(open))
	}
}

func TestListOrdersPagination(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()
	userID := uuid.New()

	for i := 0; i < 3; i++ {
		if _, _, err := store.CreateOrder(ctx, limitBuy(userID, "")); err != nil {
			t.Fatalf("CreateOrder: %v", err)
		}
	}

	page, cursor, err := store.ListOrders(ctx, userID, OrderFilter{Limit: 2})
	if err != nil {
		t.Fatalf("ListOrders: %v", err)
	}
	if len(page) != 2 || cursor == "" {
		t.Fatalf("expected 2 orders and a cursor, got %d %q", len(page), cursor)
	}
	rest, next, err := store.ListOrders(ctx, userID, OrderFilter{Limit: 2, Cursor: cursor})
	if err != nil {
		t.Fatalf("ListOrders page 2: %v", err)
	}
	if len(rest) != 1 || next != "" {
		t.Fatalf("expected final page of 1, got %d %q", len(rest), next)
	}

	if _, _, err := store.ListOrders(ctx, userID, OrderFilter{Cursor: "!!"}); !errors.Is(err, ErrInvalidCursor) {
		t.Fatalf("expected invalid cursor, got %v", err)
	}
}
