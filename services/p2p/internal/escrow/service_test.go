package escrow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/techcsc21/trade4u-sub030/libs/idempotency"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/libs/outbox"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
)

var (
	sellerID = uuid.MustParse("00000000-0000-0000-0000-0000000000a1")
	buyerID  = uuid.MustParse("00000000-0000-0000-0000-0000000000b1")
	now      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type queuedTask struct {
	kind    string
	dedupe  string
	payload any
	runAt   time.Time
}

// fakeDB keeps trades, offers and wallets in memory and rolls all of them
// back when a transaction function fails.
type fakeDB struct {
	trades  map[uuid.UUID]*storage.Trade
	offers  map[uuid.UUID]*storage.Offer
	wallets map[ledger.Key]*ledger.Wallet
	entries []ledger.Entry
	tasks   []queuedTask
	txCount int
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		trades:  map[uuid.UUID]*storage.Trade{},
		offers:  map[uuid.UUID]*storage.Offer{},
		wallets: map[ledger.Key]*ledger.Wallet{},
	}
}

func copyTrade(t *storage.Trade) *storage.Trade {
	c := *t
	c.Timeline = append([]storage.TimelineEvent(nil), t.Timeline...)
	return &c
}

func (f *fakeDB) InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error {
	f.txCount++
	trades := map[uuid.UUID]*storage.Trade{}
	for id, t := range f.trades {
		trades[id] = copyTrade(t)
	}
	offers := map[uuid.UUID]*storage.Offer{}
	for id, o := range f.offers {
		c := *o
		offers[id] = &c
	}
	wallets := map[ledger.Key]*ledger.Wallet{}
	for k, w := range f.wallets {
		c := *w
		wallets[k] = &c
	}
	entries := len(f.entries)
	tasks := len(f.tasks)

	if err := fn(nil); err != nil {
		f.trades, f.offers, f.wallets = trades, offers, wallets
		f.entries = f.entries[:entries]
		f.tasks = f.tasks[:tasks]
		return err
	}
	return nil
}

func (f *fakeDB) GetTrade(ctx context.Context, id uuid.UUID) (*storage.Trade, error) {
	t, ok := f.trades[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return copyTrade(t), nil
}

func (f *fakeDB) LockTrade(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*storage.Trade, error) {
	return f.GetTrade(ctx, id)
}

func (f *fakeDB) SaveTrade(ctx context.Context, tx pgx.Tx, t *storage.Trade) error {
	f.trades[t.ID] = copyTrade(t)
	return nil
}

func (f *fakeDB) LockOffer(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*storage.Offer, error) {
	o, ok := f.offers[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	c := *o
	return &c, nil
}

func (f *fakeDB) SaveOffer(ctx context.Context, tx pgx.Tx, o *storage.Offer) error {
	c := *o
	f.offers[o.ID] = &c
	return nil
}

func (f *fakeDB) Lock(ctx context.Context, tx pgx.Tx, key ledger.Key) (*ledger.Wallet, error) {
	w, ok := f.wallets[key]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	c := *w
	return &c, nil
}

func (f *fakeDB) Release(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (decimal.Decimal, error) {
	w, ok := f.wallets[key]
	if !ok {
		return decimal.Zero, ledger.ErrWalletNotFound
	}
	released := decimal.Min(amount, w.InOrder)
	w.InOrder = w.InOrder.Sub(released)
	return released, nil
}

func (f *fakeDB) Debit(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (*ledger.Wallet, error) {
	w, ok := f.wallets[key]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	if w.Spendable().LessThan(amount) {
		return nil, &ledger.InsufficientFundsError{Key: key, Required: amount, Available: w.Spendable()}
	}
	w.Balance = w.Balance.Sub(amount)
	c := *w
	return &c, nil
}

func (f *fakeDB) Credit(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (*ledger.Wallet, error) {
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	w, ok := f.wallets[key]
	if !ok {
		w = &ledger.Wallet{ID: uuid.New(), UserID: key.UserID, Type: key.Type, Currency: key.Currency}
		f.wallets[key] = w
	}
	w.Balance = w.Balance.Add(amount)
	c := *w
	return &c, nil
}

func (f *fakeDB) RecordEntry(ctx context.Context, tx pgx.Tx, w *ledger.Wallet, e ledger.Entry) error {
	e.WalletID = w.ID
	e.UserID = w.UserID
	e.Currency = w.Currency
	f.entries = append(f.entries, e)
	return nil
}

func (f *fakeDB) enqueue(ctx context.Context, db outbox.Execer, kind, dedupe string, payload any, runAt time.Time) error {
	f.tasks = append(f.tasks, queuedTask{kind: kind, dedupe: dedupe, payload: payload, runAt: runAt})
	return nil
}

func (f *fakeDB) wallet(userID uuid.UUID) *ledger.Wallet {
	return f.wallets[ledger.NewKey(userID, "FUNDING", "USDT")]
}

func (f *fakeDB) seedWallet(userID uuid.UUID, balance, inOrder string) {
	key := ledger.NewKey(userID, "FUNDING", "USDT")
	f.wallets[key] = &ledger.Wallet{
		ID:       uuid.New(),
		UserID:   userID,
		Type:     key.Type,
		Currency: key.Currency,
		Balance:  decimal.RequireFromString(balance),
		InOrder:  decimal.RequireFromString(inOrder),
	}
}

func (f *fakeDB) seedTrade(status, amount string, expiresAt time.Time) *storage.Trade {
	offer := &storage.Offer{
		ID:         uuid.New(),
		UserID:     sellerID,
		Type:       storage.OfferTypeSell,
		Currency:   "USDT",
		WalletType: "FUNDING",
		AmountConfig: storage.AmountConfig{
			Total:         decimal.NewFromInt(800),
			Min:           decimal.NewFromInt(10),
			Max:           decimal.NewFromInt(500),
			OriginalTotal: decimal.NewFromInt(1000),
		},
		Status: storage.OfferStatusActive,
	}
	f.offers[offer.ID] = offer
	trade := &storage.Trade{
		ID:        uuid.New(),
		OfferID:   offer.ID,
		BuyerID:   buyerID,
		SellerID:  sellerID,
		Amount:    decimal.RequireFromString(amount),
		Price:     decimal.NewFromInt(1),
		BuyerFee:  decimal.NewFromInt(2),
		SellerFee: decimal.NewFromInt(3),
		Status:    status,
		ExpiresAt: expiresAt,
		CreatedAt: now.Add(-time.Hour),
		UpdatedAt: now.Add(-time.Hour),
	}
	f.trades[trade.ID] = copyTrade(trade)
	return trade
}

func newService(t *testing.T, db *fakeDB, gate *idempotency.Gate) *Service {
	t.Helper()
	svc := NewService(db, db, gate, Config{}, nil, nil)
	svc.enqueue = db.enqueue
	svc.now = func() time.Time { return now }
	return svc
}

func newGate(t *testing.T) (*idempotency.Gate, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.NewGate(idempotency.NewRedisStore(client, "test:"), time.Minute, time.Hour, nil, nil), mr
}

func TestReleaseSettlesWithFees(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "500")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "500", now.Add(time.Hour))
	svc := newService(t, db, nil)

	got, err := svc.Release(context.Background(), trade.ID, sellerID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if got.Status != storage.TradeStatusEscrowReleased {
		t.Fatalf("expected ESCROW_RELEASED, got %s", got.Status)
	}
	if got.EscrowReleasedAt == nil || !got.EscrowReleasedAt.Equal(now) {
		t.Fatalf("expected release timestamp, got %v", got.EscrowReleasedAt)
	}

	seller := db.wallet(sellerID)
	if !seller.Balance.Equal(decimal.NewFromInt(500)) || !seller.InOrder.IsZero() {
		t.Fatalf("unexpected seller wallet: balance=%s in_order=%s", seller.Balance, seller.InOrder)
	}
	buyer := db.wallet(buyerID)
	if buyer == nil || !buyer.Balance.Equal(decimal.NewFromInt(498)) {
		t.Fatalf("expected buyer credited 498, got %+v", buyer)
	}

	kinds := map[string]int{}
	for _, e := range db.entries {
		kinds[e.Kind]++
		if e.ReferenceID != trade.ID.String() || e.ReferenceType != ReferenceTypeTrade {
			t.Fatalf("entry not linked to trade: %+v", e)
		}
	}
	if kinds[ledger.EntryEscrowRelease] != 1 || kinds[ledger.EntryEscrowDebit] != 1 ||
		kinds[ledger.EntryEscrowCredit] != 1 || kinds[ledger.EntryP2PFee] != 2 {
		t.Fatalf("unexpected entries: %v", kinds)
	}

	stored := db.trades[trade.ID]
	last := stored.Timeline[len(stored.Timeline)-1]
	if last.Event != "ESCROW_RELEASED" || last.ActorID == nil || *last.ActorID != sellerID {
		t.Fatalf("unexpected timeline: %+v", stored.Timeline)
	}

	var autoComplete, notify bool
	for _, task := range db.tasks {
		switch task.kind {
		case KindAutoComplete:
			autoComplete = true
			if !task.runAt.Equal(now.Add(DefaultAutoCompleteDelay)) {
				t.Fatalf("expected completion after grace delay, got %s", task.runAt)
			}
		case KindNotify:
			notify = true
			payload := task.payload.(NotifyPayload)
			if len(payload.Recipients) != 2 || payload.Status != storage.TradeStatusEscrowReleased {
				t.Fatalf("unexpected notification: %+v", payload)
			}
		}
	}
	if !autoComplete || !notify {
		t.Fatalf("expected completion and notification tasks, got %+v", db.tasks)
	}
}

func TestReleaseReplaysCachedResult(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "500")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "500", now.Add(time.Hour))
	gate, _ := newGate(t)
	svc := newService(t, db, gate)

	first, err := svc.Release(context.Background(), trade.ID, sellerID)
	if err != nil {
		t.Fatalf("first release: %v", err)
	}
	second, err := svc.Release(context.Background(), trade.ID, sellerID)
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if db.txCount != 1 {
		t.Fatalf("expected a single settlement, got %d transactions", db.txCount)
	}
	if second.ID != first.ID || second.Status != first.Status {
		t.Fatalf("expected identical result, got %+v and %+v", first, second)
	}
	if !db.wallet(buyerID).Balance.Equal(decimal.NewFromInt(498)) {
		t.Fatalf("buyer credited twice: %s", db.wallet(buyerID).Balance)
	}
}

func TestReleaseRejectsConcurrentRequest(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "500")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "500", now.Add(time.Hour))
	gate, mr := newGate(t)
	lockKey := "test:" + idempotency.Key(OpRelease, trade.ID.String()+":"+sellerID.String()) + ":lock"
	if err := mr.Set(lockKey, "locked"); err != nil {
		t.Fatalf("seed lock: %v", err)
	}
	svc := newService(t, db, gate)

	_, err := svc.Release(context.Background(), trade.ID, sellerID)
	if !errors.Is(err, ErrInProgress) {
		t.Fatalf("expected in progress, got %v", err)
	}
	if db.txCount != 0 {
		t.Fatalf("expected no transaction, got %d", db.txCount)
	}
}

func TestReleaseStatusErrors(t *testing.T) {
	cases := []struct {
		status string
		want   error
	}{
		{storage.TradeStatusCompleted, ErrAlreadyFinal},
		{storage.TradeStatusEscrowReleased, ErrAlreadyFinal},
		{storage.TradeStatusCancelled, ErrAlreadyFinal},
		{storage.TradeStatusDisputed, ErrAlreadyFinal},
		{storage.TradeStatusPending, ErrInvalidTransition},
		{storage.TradeStatusExpired, ErrInvalidTransition},
	}
	for _, tc := range cases {
		t.Run(tc.status, func(t *testing.T) {
			db := newFakeDB()
			db.seedWallet(sellerID, "1000", "500")
			trade := db.seedTrade(tc.status, "500", now.Add(time.Hour))
			svc := newService(t, db, nil)

			_, err := svc.Release(context.Background(), trade.ID, sellerID)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if !db.wallet(sellerID).InOrder.Equal(decimal.NewFromInt(500)) {
				t.Fatalf("reservation changed on rejected release")
			}
		})
	}
}

func TestReleaseByOtherUserIsNotFound(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "500")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "500", now.Add(time.Hour))
	svc := newService(t, db, nil)

	if _, err := svc.Release(context.Background(), trade.ID, buyerID); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := svc.Release(context.Background(), uuid.New(), sellerID); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected not found for unknown trade, got %v", err)
	}
}

func TestReleaseShortfallRollsBack(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "100")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "500", now.Add(time.Hour))
	svc := newService(t, db, nil)

	_, err := svc.Release(context.Background(), trade.ID, sellerID)
	if !errors.Is(err, ErrEscrowShortfall) {
		t.Fatalf("expected shortfall, got %v", err)
	}
	if db.trades[trade.ID].Status != storage.TradeStatusPaymentSent {
		t.Fatalf("trade status changed: %s", db.trades[trade.ID].Status)
	}
	seller := db.wallet(sellerID)
	if !seller.Balance.Equal(decimal.NewFromInt(1000)) || !seller.InOrder.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("seller wallet changed: %+v", seller)
	}
	if db.wallet(buyerID) != nil || len(db.entries) != 0 || len(db.tasks) != 0 {
		t.Fatalf("expected no side effects, got buyer=%v entries=%d tasks=%d", db.wallet(buyerID), len(db.entries), len(db.tasks))
	}
}

func TestReleaseRejectsFeeAtOrAboveAmount(t *testing.T) {
	for _, fee := range []string{"500", "501"} {
		db := newFakeDB()
		db.seedWallet(sellerID, "1000", "500")
		trade := db.seedTrade(storage.TradeStatusPaymentSent, "500", now.Add(time.Hour))
		db.trades[trade.ID].BuyerFee = decimal.RequireFromString(fee)
		svc := newService(t, db, nil)

		_, err := svc.Release(context.Background(), trade.ID, sellerID)
		if !errors.Is(err, ErrFeeExceedsAmount) {
			t.Fatalf("fee %s: expected fee error, got %v", fee, err)
		}
		if db.trades[trade.ID].Status != storage.TradeStatusPaymentSent {
			t.Fatalf("fee %s: trade status changed: %s", fee, db.trades[trade.ID].Status)
		}
		seller := db.wallet(sellerID)
		if !seller.Balance.Equal(decimal.NewFromInt(1000)) || !seller.InOrder.Equal(decimal.NewFromInt(500)) {
			t.Fatalf("fee %s: seller wallet changed: %+v", fee, seller)
		}
		if db.wallet(buyerID) != nil || len(db.entries) != 0 || len(db.tasks) != 0 {
			t.Fatalf("fee %s: expected no side effects", fee)
		}
	}
}

func TestExpireUnwindsReservation(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "200")
	trade := db.seedTrade(storage.TradeStatusPending, "200", now.Add(-time.Minute))
	svc := newService(t, db, nil)

	expired, err := svc.Expire(context.Background(), trade.ID)
	if err != nil || !expired {
		t.Fatalf("expire: expired=%v err=%v", expired, err)
	}
	if db.trades[trade.ID].Status != storage.TradeStatusExpired {
		t.Fatalf("expected EXPIRED, got %s", db.trades[trade.ID].Status)
	}
	if !db.wallet(sellerID).InOrder.IsZero() {
		t.Fatalf("expected reservation released, got %s", db.wallet(sellerID).InOrder)
	}
	if total := db.offers[trade.OfferID].AmountConfig.Total; !total.Equal(decimal.NewFromInt(1000)) {
		t.Fatalf("expected offer total restored to 1000, got %s", total)
	}
	if len(db.entries) != 1 || db.entries[0].Kind != ledger.EntryEscrowReturned {
		t.Fatalf("expected escrow returned entry, got %+v", db.entries)
	}
}

func TestExpireSkipsLiveTrade(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "200")
	trade := db.seedTrade(storage.TradeStatusPending, "200", now.Add(time.Minute))
	svc := newService(t, db, nil)

	expired, err := svc.Expire(context.Background(), trade.ID)
	if err != nil || expired {
		t.Fatalf("expected no-op, got expired=%v err=%v", expired, err)
	}
	if db.trades[trade.ID].Status != storage.TradeStatusPending {
		t.Fatalf("status changed: %s", db.trades[trade.ID].Status)
	}
}

func TestExpireWithBrokenReservationStillExpires(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "50")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "200", now.Add(-time.Minute))
	svc := newService(t, db, nil)

	expired, err := svc.Expire(context.Background(), trade.ID)
	if err != nil || !expired {
		t.Fatalf("expire: expired=%v err=%v", expired, err)
	}
	if !db.wallet(sellerID).InOrder.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected reservation untouched, got %s", db.wallet(sellerID).InOrder)
	}
}

func TestCancelRules(t *testing.T) {
	db := newFakeDB()
	db.seedWallet(sellerID, "1000", "200")
	trade := db.seedTrade(storage.TradeStatusPaymentSent, "200", now.Add(time.Hour))
	svc := newService(t, db, nil)

	if _, err := svc.Cancel(context.Background(), trade.ID, sellerID); !errors.Is(err, ErrNotParticipant) {
		t.Fatalf("expected seller cancel after payment to be refused, got %v", err)
	}
	if _, err := svc.Cancel(context.Background(), trade.ID, uuid.New()); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected outsider to get not found, got %v", err)
	}

	got, err := svc.Cancel(context.Background(), trade.ID, buyerID)
	if err != nil {
		t.Fatalf("buyer cancel: %v", err)
	}
	if got.Status != storage.TradeStatusCancelled || got.CancelledAt == nil {
		t.Fatalf("unexpected trade: %+v", got)
	}
	if !db.wallet(sellerID).InOrder.IsZero() {
		t.Fatalf("expected reservation released, got %s", db.wallet(sellerID).InOrder)
	}

	if _, err := svc.Cancel(context.Background(), trade.ID, buyerID); !errors.Is(err, ErrAlreadyFinal) {
		t.Fatalf("expected already final, got %v", err)
	}
}

func TestConfirmPayment(t *testing.T) {
	db := newFakeDB()
	trade := db.seedTrade(storage.TradeStatusPending, "200", now.Add(time.Hour))
	svc := newService(t, db, nil)

	if _, err := svc.ConfirmPayment(context.Background(), trade.ID, sellerID); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected seller confirm to be not found, got %v", err)
	}
	got, err := svc.ConfirmPayment(context.Background(), trade.ID, buyerID)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if got.Status != storage.TradeStatusPaymentSent || got.PaymentConfirmedAt == nil {
		t.Fatalf("unexpected trade: %+v", got)
	}
	tasks := len(db.tasks)
	if _, err := svc.ConfirmPayment(context.Background(), trade.ID, buyerID); err != nil {
		t.Fatalf("repeat confirm: %v", err)
	}
	if len(db.tasks) != tasks || len(db.trades[trade.ID].Timeline) != 1 {
		t.Fatalf("repeat confirm should be a no-op")
	}
}

func TestConfirmPaymentAfterDeadline(t *testing.T) {
	db := newFakeDB()
	trade := db.seedTrade(storage.TradeStatusPending, "200", now.Add(-time.Minute))
	svc := newService(t, db, nil)

	if _, err := svc.ConfirmPayment(context.Background(), trade.ID, buyerID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestComplete(t *testing.T) {
	db := newFakeDB()
	released := db.seedTrade(storage.TradeStatusEscrowReleased, "200", now.Add(time.Hour))
	pending := db.seedTrade(storage.TradeStatusPending, "200", now.Add(time.Hour))
	svc := newService(t, db, nil)

	got, err := svc.Complete(context.Background(), released.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.Status != storage.TradeStatusCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected trade: %+v", got)
	}
	if _, err := svc.Complete(context.Background(), released.ID); err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if _, err := svc.Complete(context.Background(), pending.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
}

func TestGetTradeHidesFromOutsiders(t *testing.T) {
	db := newFakeDB()
	trade := db.seedTrade(storage.TradeStatusPending, "200", now.Add(time.Hour))
	svc := newService(t, db, nil)

	if _, err := svc.GetTrade(context.Background(), trade.ID, buyerID); err != nil {
		t.Fatalf("buyer get: %v", err)
	}
	if _, err := svc.GetTrade(context.Background(), trade.ID, uuid.New()); !errors.Is(err, ErrTradeNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
