package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/market"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/orderbook"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/storage"
)

func d(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func dp(v string) *decimal.Decimal {
	x := d(v)
	return &x
}

type fakeWallets struct {
	mu      sync.Mutex
	wallets map[ledger.Key]*ledger.Wallet
}

func newFakeWallets() *fakeWallets {
	return &fakeWallets{wallets: make(map[ledger.Key]*ledger.Wallet)}
}

func (f *fakeWallets) put(userID uuid.UUID, currency, balance string) {
	key := ledger.NewKey(userID, ledger.WalletTypeSpot, currency)
	f.wallets[key] = &ledger.Wallet{ID: uuid.New(), UserID: userID, Type: key.Type, Currency: key.Currency, Balance: d(balance), InOrder: decimal.Zero}
}

func (f *fakeWallets) GetWallet(ctx context.Context, key ledger.Key) (*ledger.Wallet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w, ok := f.wallets[key]
	if !ok {
		return nil, ledger.ErrWalletNotFound
	}
	copied := *w
	return &copied, nil
}

type fakeStore struct {
	wallets    *fakeWallets
	orders     map[uuid.UUID]*storage.Order
	byClient   map[string]uuid.UUID
	open       []storage.Order
	reserveErr error
	deleted    []uuid.UUID
	reserved   map[uuid.UUID]decimal.Decimal
	cancelErr  error
}

func newFakeStore(wallets *fakeWallets) *fakeStore {
	return &fakeStore{
		wallets:  wallets,
		orders:   make(map[uuid.UUID]*storage.Order),
		byClient: make(map[string]uuid.UUID),
		reserved: make(map[uuid.UUID]decimal.Decimal),
	}
}

func (f *fakeStore) GetOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*storage.Order, error) {
	id, ok := f.byClient[userID.String()+":"+clientOrderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return f.orders[id], nil
}

func (f *fakeStore) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	o, ok := f.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return o, nil
}

func (f *fakeStore) ListOpenOrders(ctx context.Context, userID uuid.UUID, symbol string) ([]storage.Order, error) {
	var out []storage.Order
	for _, o := range f.open {
		if o.UserID == userID && o.Symbol == symbol {
			out = append(out, o)
		}
	}
	return out, nil
}

func (f *fakeStore) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return nil, "", nil
}

func (f *fakeStore) CreateOrder(ctx context.Context, order storage.Order) (*storage.Order, bool, error) {
	if order.ClientOrderID != "" {
		if id, ok := f.byClient[order.UserID.String()+":"+order.ClientOrderID]; ok {
			return f.orders[id], false, nil
		}
		f.byClient[order.UserID.String()+":"+order.ClientOrderID] = order.ID
	}
	order.Status = storage.OrderStatusOpen
	order.Remaining = order.Amount
	order.CreatedAt = time.Now().UTC()
	f.orders[order.ID] = &order
	return &order, true, nil
}

func (f *fakeStore) ReserveForOrder(ctx context.Context, orderID uuid.UUID, key ledger.Key, amount decimal.Decimal) error {
	if f.reserveErr != nil {
		return f.reserveErr
	}
	f.wallets.mu.Lock()
	defer f.wallets.mu.Unlock()
	w, ok := f.wallets.wallets[key]
	if !ok || w.Spendable().LessThan(amount) {
		return ledger.ErrInsufficientFunds
	}
	w.InOrder = w.InOrder.Add(amount)
	f.reserved[orderID] = amount
	return nil
}

func (f *fakeStore) DeleteOrder(ctx context.Context, orderID uuid.UUID) error {
	f.deleted = append(f.deleted, orderID)
	delete(f.orders, orderID)
	return nil
}

func (f *fakeStore) CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*storage.Order, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	o, ok := f.orders[orderID]
	if !ok || o.UserID != userID {
		return nil, storage.ErrNotFound
	}
	o.Status = storage.OrderStatusCancelled
	return o, nil
}

type fakeMarkets struct {
	market *market.Market
	err    error
}

func (f *fakeMarkets) GetMarket(ctx context.Context, currency, pair string) (*market.Market, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := *f.market
	return &m, nil
}

type fakeBooks struct {
	snap *orderbook.Snapshot
	err  error
}

func (f *fakeBooks) GetOrderBook(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	return f.snap, f.err
}

type fakePublisher struct {
	topics []string
	err    error
}

func (f *fakePublisher) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	f.topics = append(f.topics, topic)
	return 0, 0, f.err
}

func (f *fakePublisher) Close() error { return nil }

func btcMarket() *market.Market {
	return &market.Market{
		Symbol:   "BTC/USDT",
		Currency: "BTC",
		Pair:     "USDT",
		Status:   "ACTIVE",
		MakerFee: dp("0.05"),
		TakerFee: dp("0.1"),
	}
}

func book(ask, bid string) *orderbook.Snapshot {
	snap := &orderbook.Snapshot{Symbol: "BTC/USDT"}
	if ask != "" {
		snap.Asks = []orderbook.Level{{Price: d(ask), Quantity: d("1")}}
	}
	if bid != "" {
		snap.Bids = []orderbook.Level{{Price: d(bid), Quantity: d("1")}}
	}
	return snap
}

type fixture struct {
	svc       *OrderService
	store     *fakeStore
	wallets   *fakeWallets
	markets   *fakeMarkets
	books     *fakeBooks
	publisher *fakePublisher
	userID    uuid.UUID
}

func newFixture() *fixture {
	wallets := newFakeWallets()
	f := &fixture{
		store:     newFakeStore(wallets),
		wallets:   wallets,
		markets:   &fakeMarkets{market: btcMarket()},
		books:     &fakeBooks{snap: book("99", "98")},
		publisher: &fakePublisher{},
		userID:    uuid.New(),
	}
	f.svc = NewOrderService(f.store, f.markets, f.books, wallets, f.publisher, nil, nil, "")
	return f
}

func (f *fixture) limit(side, amount, price string) PlaceOrderInput {
	return PlaceOrderInput{UserID: f.userID, Symbol: "BTC/USDT", Side: side, Type: storage.TypeLimit, Amount: d(amount), Price: dp(price)}
}

func TestPlaceOrderHappyPathReservesCost(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "1000")

	res, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Role != RoleTaker {
		t.Fatalf("expected taker, got %s", res.Role)
	}
	if !res.Order.Fee.Equal(d("0.1")) || !res.Order.Cost.Equal(d("100.1")) {
		t.Fatalf("unexpected fee/cost: %s/%s", res.Order.Fee, res.Order.Cost)
	}
	if res.Order.FeeCurrency != "USDT" || res.Order.ReserveCurrency != "USDT" {
		t.Fatalf("unexpected currencies: %+v", res.Order)
	}

	w, _ := f.wallets.GetWallet(context.Background(), ledger.NewKey(f.userID, "SPOT", "USDT"))
	if !w.InOrder.Equal(d("100.1")) {
		t.Fatalf("expected inOrder 100.1, got %s", w.InOrder)
	}
	if len(f.publisher.topics) != 1 || f.publisher.topics[0] != "orders.created" {
		t.Fatalf("expected one orders.created publish, got %v", f.publisher.topics)
	}
}

func TestPlaceOrderMakerWhenBelowAsk(t *testing.T) {
	f := newFixture()
	f.books.snap = book("101", "98")
	f.wallets.put(f.userID, "USDT", "1000")

	res, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if res.Role != RoleMaker {
		t.Fatalf("expected maker, got %s", res.Role)
	}
	if !res.Order.Cost.Equal(d("100.05")) {
		t.Fatalf("expected maker cost 100.05, got %s", res.Order.Cost)
	}
}

func TestClassify(t *testing.T) {
	snap := book("101", "99")
	cases := []struct {
		name  string
		side  string
		typ   string
		price string
		want  string
	}{
		{"market always taker", storage.SideBuy, storage.TypeMarket, "101", RoleTaker},
		{"buy at ask", storage.SideBuy, storage.TypeLimit, "101", RoleTaker},
		{"buy below ask", storage.SideBuy, storage.TypeLimit, "100", RoleMaker},
		{"sell at bid", storage.SideSell, storage.TypeLimit, "99", RoleTaker},
		{"sell above bid", storage.SideSell, storage.TypeLimit, "100", RoleMaker},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := classify(tc.side, tc.typ, d(tc.price), snap, false); got != tc.want {
				t.Fatalf("expected %s, got %s", tc.want, got)
			}
		})
	}
	if got := classify(storage.SideBuy, storage.TypeLimit, d("1"), nil, true); got != RoleTaker {
		t.Fatalf("expected taker without book, got %s", got)
	}
}

func TestPlaceOrderSelfMatch(t *testing.T) {
	f := newFixture()
	f.books.snap = book("", "")
	f.wallets.put(f.userID, "BTC", "10")
	f.store.open = []storage.Order{{
		ID:     uuid.New(),
		UserID: f.userID,
		Symbol: "BTC/USDT",
		Side:   storage.SideBuy,
		Type:   storage.TypeLimit,
		Price:  d("100"),
	}}

	_, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideSell, "1", "95"))
	if !errors.Is(err, ErrSelfMatch) {
		t.Fatalf("expected self match, got %v", err)
	}
	if DetailsOf(err)["conflicting_price"] != "100" {
		t.Fatalf("expected conflicting price detail, got %v", DetailsOf(err))
	}
	if len(f.store.orders) != 0 {
		t.Fatalf("expected no order persisted")
	}

	if _, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideSell, "1", "105")); err != nil {
		t.Fatalf("expected SELL above own bid to pass, got %v", err)
	}
}

func TestPlaceOrderRollbackOnReservationFailure(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "1000")
	f.store.reserveErr = errors.New("deadlock detected")

	_, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if !errors.Is(err, ErrReservationFailed) {
		t.Fatalf("expected reservation failure, got %v", err)
	}
	if len(f.store.deleted) != 1 {
		t.Fatalf("expected compensating delete, got %d", len(f.store.deleted))
	}
	if len(f.store.orders) != 0 {
		t.Fatalf("expected no order left behind")
	}
	if len(f.publisher.topics) != 0 {
		t.Fatalf("expected no broadcast for rolled back order")
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "100")

	_, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	details := DetailsOf(err)
	if details["shortfall"] != "0.1" || details["currency"] != "USDT" {
		t.Fatalf("unexpected details: %v", details)
	}
}

func TestPlaceOrderMissingWalletIsInsufficient(t *testing.T) {
	f := newFixture()
	_, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideSell, "1", "100"))
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
}

func TestPlaceOrderMarketNoLiquidity(t *testing.T) {
	f := newFixture()
	f.books.snap = book("", "98")
	f.wallets.put(f.userID, "USDT", "1000")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: f.userID, Symbol: "BTC/USDT", Side: storage.SideBuy, Type: storage.TypeMarket, Amount: d("1"),
	})
	if !errors.Is(err, ErrNoLiquidity) {
		t.Fatalf("expected no liquidity, got %v", err)
	}
}

func TestPlaceOrderMarketUsesBestPrice(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "BTC", "5")

	res, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: f.userID, Symbol: "BTC/USDT", Side: storage.SideSell, Type: storage.TypeMarket, Amount: d("2"),
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if !res.Order.Price.Equal(d("98")) || res.Role != RoleTaker {
		t.Fatalf("expected taker at best bid 98, got %s/%s", res.Order.Price, res.Role)
	}
	if !res.Order.Cost.Equal(d("2")) || res.Order.ReserveCurrency != "BTC" {
		t.Fatalf("expected SELL to reserve amount in base, got %s %s", res.Order.Cost, res.Order.ReserveCurrency)
	}
}

func TestPlaceOrderBookUnavailable(t *testing.T) {
	f := newFixture()
	f.books.snap = nil
	f.books.err = orderbook.ErrUnavailable
	f.wallets.put(f.userID, "USDT", "1000")

	_, err := f.svc.PlaceOrder(context.Background(), PlaceOrderInput{
		UserID: f.userID, Symbol: "BTC/USDT", Side: storage.SideBuy, Type: storage.TypeMarket, Amount: d("1"),
	})
	if !errors.Is(err, ErrOrderBookUnavailable) {
		t.Fatalf("expected book unavailable, got %v", err)
	}

	res, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if err != nil {
		t.Fatalf("limit order without book: %v", err)
	}
	if res.Role != RoleTaker {
		t.Fatalf("expected taker without book, got %s", res.Role)
	}
}

func TestPlaceOrderMarketConfigError(t *testing.T) {
	f := newFixture()
	f.markets.err = market.ErrMarketConfig

	_, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if !errors.Is(err, ErrMarketConfig) {
		t.Fatalf("expected market config error, got %v", err)
	}

	f.markets.err = market.ErrMarketNotFound
	_, err = f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if !errors.Is(err, ErrMarketConfig) {
		t.Fatalf("expected market config error for unknown market, got %v", err)
	}
}

func TestPlaceOrderBounds(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "100000")
	f.wallets.put(f.userID, "BTC", "100")
	f.markets.market.Limits = market.Limits{
		Amount: market.Limit{Min: dp("0.5"), Max: dp("10")},
		Price:  market.Limit{Min: dp("10"), Max: dp("1000")},
		Cost:   market.Limit{Min: dp("20")},
	}

	cases := []struct {
		name  string
		input PlaceOrderInput
		want  error
	}{
		{"sell below min amount", f.limit(storage.SideSell, "0.1", "500"), ErrAmountOutOfBounds},
		{"buy above max amount", f.limit(storage.SideBuy, "11", "100"), ErrAmountOutOfBounds},
		{"price above max", f.limit(storage.SideBuy, "1", "2000"), ErrPriceOutOfBounds},
		{"price below min", f.limit(storage.SideSell, "1", "5"), ErrPriceOutOfBounds},
		{"buy cost below min", f.limit(storage.SideBuy, "0.1", "100"), ErrCostOutOfBounds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.PlaceOrder(context.Background(), tc.input)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
		})
	}

	if _, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "0.3", "100")); err != nil {
		t.Fatalf("buy below min amount but above min cost should pass: %v", err)
	}
}

func TestPlaceOrderStructuralValidation(t *testing.T) {
	f := newFixture()
	cases := []PlaceOrderInput{
		{UserID: f.userID, Symbol: "BTC/USDT", Side: storage.SideBuy, Type: storage.TypeLimit, Amount: d("0"), Price: dp("1")},
		{UserID: f.userID, Symbol: "BTC/USDT", Side: storage.SideBuy, Type: storage.TypeLimit, Amount: d("1")},
		{UserID: f.userID, Symbol: "BTC/USDT", Side: storage.SideBuy, Type: "STOP", Amount: d("1")},
		{UserID: f.userID, Symbol: "BTCUSDT", Side: storage.SideBuy, Type: storage.TypeMarket, Amount: d("1")},
	}
	for _, input := range cases {
		if _, err := f.svc.PlaceOrder(context.Background(), input); !errors.Is(err, ErrInvalidOrder) {
			t.Fatalf("expected invalid order for %+v, got %v", input, err)
		}
	}
}

func TestPlaceOrderTruncatesToPrecision(t *testing.T) {
	f := newFixture()
	amountPrecision := int32(4)
	f.markets.market.Precision.Amount = &amountPrecision
	f.wallets.put(f.userID, "USDT", "1000")

	res, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1.123456789", "100"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if !res.Order.Amount.Equal(d("1.1234")) {
		t.Fatalf("expected truncated amount 1.1234, got %s", res.Order.Amount)
	}
	// 112.34 * 0.1% = 0.11234 rounded to 4 places
	if !res.Order.Fee.Equal(d("0.1123")) {
		t.Fatalf("expected fee 0.1123, got %s", res.Order.Fee)
	}
}

func TestPlaceOrderClientOrderIDReplay(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "1000")
	input := f.limit(storage.SideBuy, "1", "100")
	input.ClientOrderID = "abc"

	first, err := f.svc.PlaceOrder(context.Background(), input)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := f.svc.PlaceOrder(context.Background(), input)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if !second.Existing || second.Order.ID != first.Order.ID {
		t.Fatalf("expected replay of %s, got %+v", first.Order.ID, second)
	}
	w, _ := f.wallets.GetWallet(context.Background(), ledger.NewKey(f.userID, "SPOT", "USDT"))
	if !w.InOrder.Equal(d("100.1")) {
		t.Fatalf("expected a single reservation, got inOrder %s", w.InOrder)
	}
}

func TestPlaceOrderPublishFailureIsBestEffort(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "1000")
	f.publisher.err = errors.New("broker down")

	if _, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100")); err != nil {
		t.Fatalf("expected order to succeed despite publish failure, got %v", err)
	}
}

func TestCancelOrderErrors(t *testing.T) {
	f := newFixture()

	if _, err := f.svc.CancelOrder(context.Background(), f.userID, uuid.New()); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}

	f.store.cancelErr = storage.ErrInvalidStatus
	if _, err := f.svc.CancelOrder(context.Background(), f.userID, uuid.New()); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected not cancellable, got %v", err)
	}
}

func TestGetOrderHidesOtherUsers(t *testing.T) {
	f := newFixture()
	f.wallets.put(f.userID, "USDT", "1000")
	res, err := f.svc.PlaceOrder(context.Background(), f.limit(storage.SideBuy, "1", "100"))
	if err != nil {
		t.Fatalf("place order: %v", err)
	}

	if _, err := f.svc.GetOrder(context.Background(), uuid.New(), res.Order.ID); !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected not found for other user, got %v", err)
	}
	got, err := f.svc.GetOrder(context.Background(), f.userID, res.Order.ID)
	if err != nil || got.ID != res.Order.ID {
		t.Fatalf("expected own order, got %v %v", got, err)
	}
}
