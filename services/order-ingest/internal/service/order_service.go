package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/techcsc21/trade4u-sub030/libs/kafka"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/libs/trace"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/market"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/orderbook"
	"github.com/techcsc21/trade4u-sub030/services/order-ingest/internal/storage"
)

const (
	RoleMaker = "maker"
	RoleTaker = "taker"

	hundred = 100
)

type OrderStore interface {
	GetOrderByClientID(ctx context.Context, userID uuid.UUID, clientOrderID string) (*storage.Order, error)
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	ListOpenOrders(ctx context.Context, userID uuid.UUID, symbol string) ([]storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	CreateOrder(ctx context.Context, order storage.Order) (*storage.Order, bool, error)
	ReserveForOrder(ctx context.Context, orderID uuid.UUID, key ledger.Key, amount decimal.Decimal) error
	DeleteOrder(ctx context.Context, orderID uuid.UUID) error
	CancelOrder(ctx context.Context, orderID, userID uuid.UUID) (*storage.Order, error)
}

type MarketProvider interface {
	GetMarket(ctx context.Context, currency, pair string) (*market.Market, error)
}

type OrderBookProvider interface {
	GetOrderBook(ctx context.Context, symbol string) (*orderbook.Snapshot, error)
}

type WalletLookup interface {
	GetWallet(ctx context.Context, key ledger.Key) (*ledger.Wallet, error)
}

type OrderService struct {
	store      OrderStore
	markets    MarketProvider
	books      OrderBookProvider
	wallets    WalletLookup
	producer   kafka.Publisher
	logger     *slog.Logger
	metrics    *Metrics
	walletType string
}

type PlaceOrderInput struct {
	UserID        uuid.UUID
	ClientOrderID string
	Symbol        string
	Side          string
	Type          string
	Amount        decimal.Decimal
	Price         *decimal.Decimal
	CorrelationID string
}

type PlaceOrderResult struct {
	Order    *storage.Order
	Role     string
	Existing bool
}

// quote is the priced and classified form of an order request.
type quote struct {
	currency  string
	pair      string
	amount    decimal.Decimal
	price     decimal.Decimal
	role      string
	feeRate   decimal.Decimal
	fee       decimal.Decimal
	cost      decimal.Decimal
	reserveIn string
	required  decimal.Decimal
}

func NewOrderService(store OrderStore, markets MarketProvider, books OrderBookProvider, wallets WalletLookup, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, walletType string) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if walletType == "" {
		walletType = ledger.WalletTypeSpot
	}
	return &OrderService{
		store:      store,
		markets:    markets,
		books:      books,
		wallets:    wallets,
		producer:   producer,
		logger:     logger,
		metrics:    metrics,
		walletType: strings.ToUpper(walletType),
	}
}

// PlaceOrder validates, prices and persists an order together with its
// wallet reservation. Either both exist afterwards or neither does.
func (s *OrderService) PlaceOrder(ctx context.Context, input PlaceOrderInput) (res *PlaceOrderResult, err error) {
	start := time.Now()
	ctx, span := trace.StartSpan(ctx, "orders.place",
		attribute.String("symbol", input.Symbol),
		attribute.String("side", input.Side),
		attribute.String("type", input.Type),
	)
	defer func() {
		s.recordAdmission(err, start)
		trace.EndSpan(span, err)
	}()

	clientOrderID := strings.TrimSpace(input.ClientOrderID)
	if clientOrderID != "" {
		existing, err := s.store.GetOrderByClientID(ctx, input.UserID, clientOrderID)
		if err == nil {
			return &PlaceOrderResult{Order: existing, Existing: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return nil, err
		}
	}

	q, err := s.quote(ctx, input)
	if err != nil {
		return nil, err
	}

	if err := s.checkBalance(ctx, input.UserID, q); err != nil {
		return nil, err
	}
	if err := s.checkSelfMatch(ctx, input, q); err != nil {
		return nil, err
	}

	order := storage.Order{
		ID:              uuid.New(),
		UserID:          input.UserID,
		ClientOrderID:   clientOrderID,
		Symbol:          market.Symbol(q.currency, q.pair),
		Side:            input.Side,
		Type:            input.Type,
		Amount:          q.amount,
		Price:           q.price,
		Cost:            q.cost,
		Fee:             q.fee,
		FeeCurrency:     q.pair,
		ReserveCurrency: q.reserveIn,
		WalletType:      s.walletType,
	}

	stored, created, err := s.store.CreateOrder(ctx, order)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	if !created {
		return &PlaceOrderResult{Order: stored, Existing: true}, nil
	}

	key := ledger.NewKey(input.UserID, s.walletType, q.reserveIn)
	if err := s.store.ReserveForOrder(ctx, stored.ID, key, q.required); err != nil {
		s.compensate(ctx, stored, err)
		return nil, fmt.Errorf("%w: %w", ErrReservationFailed, err)
	}
	stored.Reserved = q.required

	if s.metrics != nil {
		s.metrics.FeeClassifications.WithLabelValues(q.role).Inc()
	}
	s.publishOrderCreated(ctx, input.CorrelationID, stored)

	return &PlaceOrderResult{Order: stored, Role: q.role}, nil
}

// quote runs the validation gates that need no writes: structure, market
// metadata, bounds, pricing, classification and fees.
func (s *OrderService) quote(ctx context.Context, input PlaceOrderInput) (*quote, error) {
	if !input.Amount.IsPositive() {
		return nil, reject(ErrInvalidOrder, "amount must be greater than zero", map[string]string{"amount": input.Amount.String()})
	}
	if input.Side != storage.SideBuy && input.Side != storage.SideSell {
		return nil, reject(ErrInvalidOrder, "side must be BUY or SELL", map[string]string{"side": input.Side})
	}
	if input.Type != storage.TypeLimit && input.Type != storage.TypeMarket {
		return nil, reject(ErrInvalidOrder, "type must be LIMIT or MARKET", map[string]string{"type": input.Type})
	}
	if input.Type == storage.TypeLimit && (input.Price == nil || !input.Price.IsPositive()) {
		return nil, reject(ErrInvalidOrder, "limit orders require a price greater than zero", nil)
	}
	currency, pair, ok := splitSymbol(input.Symbol)
	if !ok {
		return nil, reject(ErrInvalidOrder, "symbol must be CURRENCY/PAIR", map[string]string{"symbol": input.Symbol})
	}

	m, err := s.markets.GetMarket(ctx, currency, pair)
	if err != nil {
		if errors.Is(err, market.ErrMarketNotFound) || errors.Is(err, market.ErrMarketConfig) {
			s.logger.Error("market metadata unusable", "symbol", input.Symbol, "error", err)
			return nil, fmt.Errorf("%w: %v", ErrMarketConfig, err)
		}
		return nil, fmt.Errorf("load market: %w", err)
	}

	q := &quote{currency: m.Currency, pair: m.Pair}
	q.amount = input.Amount.Truncate(m.AmountPrecision())
	if !q.amount.IsPositive() {
		return nil, reject(ErrInvalidOrder, fmt.Sprintf("amount is below precision of %d decimals", m.AmountPrecision()),
			map[string]string{"amount": input.Amount.String()})
	}
	if err := checkAmount(input.Side, q.amount, m.Limits.Amount); err != nil {
		return nil, err
	}

	snapshot, bookErr := s.books.GetOrderBook(ctx, m.Symbol)
	if bookErr != nil {
		if input.Type == storage.TypeMarket {
			return nil, fmt.Errorf("%w: %v", ErrOrderBookUnavailable, bookErr)
		}
		s.logger.Warn("order book unavailable, classifying limit order as taker",
			"symbol", m.Symbol, "error", bookErr)
	}

	if input.Type == storage.TypeLimit {
		q.price = input.Price.Truncate(m.PricePrecision())
		if !q.price.IsPositive() {
			return nil, reject(ErrInvalidOrder, fmt.Sprintf("price is below precision of %d decimals", m.PricePrecision()),
				map[string]string{"price": input.Price.String()})
		}
	} else {
		best, ok := marketPrice(input.Side, snapshot)
		if !ok {
			return nil, reject(ErrNoLiquidity, "no liquidity on the opposite side of the book", map[string]string{"symbol": m.Symbol})
		}
		q.price = best
	}
	if err := checkLimit(ErrPriceOutOfBounds, "price", q.price, m.Limits.Price); err != nil {
		return nil, err
	}

	q.role = classify(input.Side, input.Type, q.price, snapshot, bookErr != nil)
	q.feeRate = *m.MakerFee
	if q.role == RoleTaker {
		q.feeRate = *m.TakerFee
	}
	q.fee, q.cost = feeAndCost(input.Side, q.amount, q.price, q.feeRate, m.AmountPrecision())

	if input.Side == storage.SideBuy {
		if err := checkLimit(ErrCostOutOfBounds, "cost", q.cost, m.Limits.Cost); err != nil {
			return nil, err
		}
		q.reserveIn = m.Pair
		q.required = q.cost
	} else {
		q.reserveIn = m.Currency
		q.required = q.amount
	}
	return q, nil
}

func (s *OrderService) checkBalance(ctx context.Context, userID uuid.UUID, q *quote) error {
	key := ledger.NewKey(userID, s.walletType, q.reserveIn)
	spendable := decimal.Zero
	wallet, err := s.wallets.GetWallet(ctx, key)
	switch {
	case err == nil:
		spendable = wallet.Spendable()
	case errors.Is(err, ledger.ErrWalletNotFound):
	default:
		return fmt.Errorf("load wallet: %w", err)
	}
	if spendable.LessThan(q.required) {
		return reject(ErrInsufficientFunds,
			fmt.Sprintf("insufficient %s balance: need %s more", q.reserveIn, q.required.Sub(spendable).String()),
			map[string]string{
				"currency":  q.reserveIn,
				"required":  q.required.String(),
				"available": spendable.String(),
				"shortfall": q.required.Sub(spendable).String(),
			})
	}
	return nil
}

// checkSelfMatch rejects an order that would cross one of the user's own
// resting limit orders on the same symbol.
func (s *OrderService) checkSelfMatch(ctx context.Context, input PlaceOrderInput, q *quote) error {
	open, err := s.store.ListOpenOrders(ctx, input.UserID, market.Symbol(q.currency, q.pair))
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range open {
		if crosses(input.Side, q.price, o) {
			return reject(ErrSelfMatch, fmt.Sprintf("order would match your own %s order %s at %s", o.Side, o.ID, o.Price.String()),
				map[string]string{
					"conflicting_order_id": o.ID.String(),
					"conflicting_side":     o.Side,
					"conflicting_price":    o.Price.String(),
				})
		}
	}
	return nil
}

// compensate deletes an order whose reservation failed.
func (s *OrderService) compensate(ctx context.Context, order *storage.Order, cause error) {
	status := "success"
	if err := s.store.DeleteOrder(context.WithoutCancel(ctx), order.ID); err != nil {
		status = "error"
		s.logger.Error("compensating order delete failed",
			"order_id", order.ID, "user_id", order.UserID, "cause", cause, "error", err)
	} else {
		s.logger.Warn("order rolled back after reservation failure",
			"order_id", order.ID, "user_id", order.UserID, "amount", order.Amount.String(), "error", cause)
	}
	if s.metrics != nil {
		s.metrics.Compensations.WithLabelValues(status).Inc()
	}
}

func (s *OrderService) CancelOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.CancelOrder(ctx, orderID, userID)
	status := "success"
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		status, err = "not_found", ErrOrderNotFound
	case errors.Is(err, storage.ErrInvalidStatus):
		status, err = "rejected", ErrNotCancellable
	default:
		status = "error"
	}
	if s.metrics != nil {
		s.metrics.OrderCancellations.WithLabelValues(status).Inc()
	}
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *OrderService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return s.store.ListOrders(ctx, userID, filter)
}

func (s *OrderService) publishOrderCreated(ctx context.Context, correlationID string, order *storage.Order) {
	if s.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID(kafka.TopicOrdersCreated, order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, kafka.TopicOrdersCreated, 1, correlationID)
	if err != nil {
		s.logger.Error("build order created envelope failed", "error", err)
		return
	}
	payload := kafka.OrderCreated{
		Envelope:    env,
		OrderID:     order.ID.String(),
		UserID:      order.UserID.String(),
		Symbol:      order.Symbol,
		Side:        order.Side,
		Type:        order.Type,
		Amount:      order.Amount.String(),
		Price:       order.Price.String(),
		Cost:        order.Cost.String(),
		Fee:         order.Fee.String(),
		FeeCurrency: order.FeeCurrency,
	}
	if _, _, err := s.producer.PublishJSON(ctx, kafka.TopicOrdersCreated, order.Symbol, payload); err != nil {
		s.logger.Error("publish order created failed", "order_id", order.ID, "error", err)
	}
}

func (s *OrderService) recordAdmission(err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	outcome := outcomeLabel(err)
	s.metrics.OrderAdmissions.WithLabelValues(outcome).Inc()
	s.metrics.OrderAdmissionLatency.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
}

func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrReservationFailed):
		return "rolled_back"
	case errors.Is(err, ErrMarketConfig), errors.Is(err, ErrOrderBookUnavailable):
		return "unavailable"
	case DetailsOf(err) != nil, errors.Is(err, ErrInvalidOrder):
		return "rejected"
	default:
		return "error"
	}
}

// marketPrice is the best price on the side a market order consumes.
func marketPrice(side string, snap *orderbook.Snapshot) (decimal.Decimal, bool) {
	if side == storage.SideBuy {
		return snap.BestAsk()
	}
	return snap.BestBid()
}

// classify decides the fee role. Without a book a limit order is charged as
// taker.
func classify(side, orderType string, price decimal.Decimal, snap *orderbook.Snapshot, bookUnavailable bool) string {
	if orderType == storage.TypeMarket || bookUnavailable {
		return RoleTaker
	}
	if side == storage.SideBuy {
		if ask, ok := snap.BestAsk(); ok && price.GreaterThanOrEqual(ask) {
			return RoleTaker
		}
		return RoleMaker
	}
	if bid, ok := snap.BestBid(); ok && price.LessThanOrEqual(bid) {
		return RoleTaker
	}
	return RoleMaker
}

// feeAndCost returns fee = round(amount*price*rate/100, precision) and the
// amount to reserve: amount*price+fee for BUY, amount for SELL.
func feeAndCost(side string, amount, price, ratePct decimal.Decimal, precision int32) (decimal.Decimal, decimal.Decimal) {
	notional := amount.Mul(price)
	fee := notional.Mul(ratePct).Div(decimal.NewFromInt(hundred)).Round(precision)
	if side == storage.SideBuy {
		return fee, notional.Add(fee)
	}
	return fee, amount
}

func crosses(side string, price decimal.Decimal, resting storage.Order) bool {
	if resting.Side == side {
		return false
	}
	if side == storage.SideSell {
		return resting.Price.GreaterThanOrEqual(price)
	}
	return resting.Price.LessThanOrEqual(price)
}

// checkAmount applies the amount limits. BUY is bounded above only; SELL is
// an inventory sale and must also meet the minimum.
func checkAmount(side string, amount decimal.Decimal, limit market.Limit) error {
	if limit.Above(amount) {
		return reject(ErrAmountOutOfBounds, fmt.Sprintf("amount %s exceeds maximum %s", amount.String(), limit.Max.String()),
			map[string]string{"amount": amount.String(), "max": limit.Max.String()})
	}
	if side == storage.SideSell && limit.Below(amount) {
		return reject(ErrAmountOutOfBounds, fmt.Sprintf("amount %s is below minimum %s", amount.String(), limit.Min.String()),
			map[string]string{"amount": amount.String(), "min": limit.Min.String()})
	}
	return nil
}

func checkLimit(sentinel error, field string, v decimal.Decimal, limit market.Limit) error {
	if limit.Below(v) {
		return reject(sentinel, fmt.Sprintf("%s %s is below minimum %s", field, v.String(), limit.Min.String()),
			map[string]string{field: v.String(), "min": limit.Min.String()})
	}
	if limit.Above(v) {
		return reject(sentinel, fmt.Sprintf("%s %s exceeds maximum %s", field, v.String(), limit.Max.String()),
			map[string]string{field: v.String(), "max": limit.Max.String()})
	}
	return nil
}

func splitSymbol(symbol string) (string, string, bool) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(symbol)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
