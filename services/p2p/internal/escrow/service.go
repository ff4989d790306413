package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/techcsc21/trade4u-sub030/libs/idempotency"
	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/libs/outbox"
	"github.com/techcsc21/trade4u-sub030/libs/trace"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
)

const (
	OpRelease = "p2p:release"

	KindAutoComplete = "p2p.trade.auto_complete"
	KindNotify       = "p2p.notify"

	DefaultAutoCompleteDelay = time.Minute

	ReferenceTypeTrade = "P2P_TRADE"
)

type Store interface {
	InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error
	GetTrade(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error)
	LockTrade(ctx context.Context, tx pgx.Tx, tradeID uuid.UUID) (*storage.Trade, error)
	SaveTrade(ctx context.Context, tx pgx.Tx, t *storage.Trade) error
	LockOffer(ctx context.Context, tx pgx.Tx, offerID uuid.UUID) (*storage.Offer, error)
	SaveOffer(ctx context.Context, tx pgx.Tx, o *storage.Offer) error
}

// Ledger is the subset of the ledger accessor used for settlement. Every
// call runs inside the caller's transaction.
type Ledger interface {
	Lock(ctx context.Context, tx pgx.Tx, key ledger.Key) (*ledger.Wallet, error)
	Release(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (decimal.Decimal, error)
	Debit(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (*ledger.Wallet, error)
	Credit(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (*ledger.Wallet, error)
	RecordEntry(ctx context.Context, tx pgx.Tx, w *ledger.Wallet, e ledger.Entry) error
}

type EnqueueFunc func(ctx context.Context, db outbox.Execer, kind, dedupeKey string, payload any, runAt time.Time) error

// NotifyPayload is the outbox payload of a trade notification.
type NotifyPayload struct {
	TradeID    uuid.UUID   `json:"trade_id"`
	Event      string      `json:"event"`
	Status     string      `json:"status"`
	Recipients []uuid.UUID `json:"recipients"`
	Amount     string      `json:"amount"`
	Currency   string      `json:"currency"`
	Message    string      `json:"message,omitempty"`
}

type AutoCompletePayload struct {
	TradeID uuid.UUID `json:"trade_id"`
}

type Config struct {
	AutoCompleteDelay time.Duration
}

type Service struct {
	store   Store
	ledger  Ledger
	gate    *idempotency.Gate
	enqueue EnqueueFunc
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewService(store Store, ledgerStore Ledger, gate *idempotency.Gate, cfg Config, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.AutoCompleteDelay <= 0 {
		cfg.AutoCompleteDelay = DefaultAutoCompleteDelay
	}
	return &Service{
		store:   store,
		ledger:  ledgerStore,
		gate:    gate,
		enqueue: outbox.Enqueue,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) GetTrade(ctx context.Context, tradeID, userID uuid.UUID) (*storage.Trade, error) {
	trade, err := s.store.GetTrade(ctx, tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	if !trade.IsParticipant(userID) {
		return nil, ErrTradeNotFound
	}
	return trade, nil
}

// Release hands the escrowed funds of a paid trade to the buyer. Repeated
// calls for the same trade and seller return the first successful result.
func (s *Service) Release(ctx context.Context, tradeID, sellerID uuid.UUID) (trade *storage.Trade, err error) {
	ctx, span := trace.StartSpan(ctx, "p2p.escrow.release", attribute.String("trade_id", tradeID.String()))
	defer func() { trace.EndSpan(span, err) }()

	key := tradeID.String() + ":" + sellerID.String()
	trade, replayed, err := idempotency.Execute(ctx, s.gate, OpRelease, key, func(ctx context.Context) (*storage.Trade, error) {
		return s.release(ctx, tradeID, sellerID)
	})
	switch {
	case err == nil && replayed:
		s.metrics.release("replayed")
	case err == nil:
		s.metrics.release("released")
	case errors.Is(err, ErrInProgress):
		s.metrics.release("in_progress")
	case errors.Is(err, ErrEscrowShortfall):
		s.metrics.release("shortfall")
	case errors.Is(err, ErrFeeExceedsAmount):
		s.metrics.release("invalid_fee")
	default:
		s.metrics.release("rejected")
	}
	return trade, err
}

func (s *Service) release(ctx context.Context, tradeID, sellerID uuid.UUID) (*storage.Trade, error) {
	var result *storage.Trade
	var from string

	err := s.store.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		trade, err := s.lockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.SellerID != sellerID {
			return ErrTradeNotFound
		}
		offer, err := s.store.LockOffer(ctx, tx, trade.OfferID)
		if err != nil {
			return fmt.Errorf("lock offer %s: %w", trade.OfferID, err)
		}

		if releaseFinal(trade.Status) {
			return fmt.Errorf("%w: trade is %s", ErrAlreadyFinal, trade.Status)
		}
		target := storage.TradeStatusCompleted
		if trade.Status == storage.TradeStatusPaymentSent {
			target = storage.TradeStatusEscrowReleased
		}
		if !CanTransition(trade.Status, target) {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, trade.Status, target)
		}

		now := s.now()
		from = trade.Status
		if target == storage.TradeStatusEscrowReleased {
			if err := s.settle(ctx, tx, trade, offer); err != nil {
				return err
			}
			trade.EscrowReleasedAt = &now
			trade.AddEvent("ESCROW_RELEASED", target, &sellerID, "seller released escrow", now)
			if err := s.enqueue(ctx, tx, KindAutoComplete, KindAutoComplete+":"+trade.ID.String(),
				AutoCompletePayload{TradeID: trade.ID}, now.Add(s.cfg.AutoCompleteDelay)); err != nil {
				return fmt.Errorf("schedule completion: %w", err)
			}
		} else {
			trade.CompletedAt = &now
			trade.AddEvent("COMPLETED", target, &sellerID, "trade completed", now)
		}

		if err := s.store.SaveTrade(ctx, tx, trade); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, trade, offer, "escrow released"); err != nil {
			return err
		}
		result = trade
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.metrics.transition(from, result.Status)
	s.logger.Info("escrow released",
		"trade_id", result.ID, "seller_id", result.SellerID, "buyer_id", result.BuyerID,
		"amount", result.Amount.String(), "status", result.Status)
	return result, nil
}

// settle moves the trade amount out of the seller's reservation and credits
// the buyer net of the buyer fee. A buyer fee that would leave nothing to
// credit rejects the release before any wallet is touched.
func (s *Service) settle(ctx context.Context, tx pgx.Tx, trade *storage.Trade, offer *storage.Offer) error {
	if !trade.BuyerFee.LessThan(trade.Amount) {
		s.logger.Error("buyer fee not below trade amount",
			"trade_id", trade.ID,
			"amount", trade.Amount.String(),
			"buyer_fee", trade.BuyerFee.String(),
		)
		s.metrics.violation("release")
		return fmt.Errorf("%w: amount %s, buyer fee %s", ErrFeeExceedsAmount, trade.Amount.String(), trade.BuyerFee.String())
	}

	sellerKey := ledger.NewKey(trade.SellerID, offer.WalletType, offer.Currency)
	buyerKey := ledger.NewKey(trade.BuyerID, offer.WalletType, offer.Currency)

	held := decimal.Zero
	wallet, err := s.ledger.Lock(ctx, tx, sellerKey)
	switch {
	case err == nil:
		held = wallet.InOrder
	case errors.Is(err, ledger.ErrWalletNotFound):
	default:
		return err
	}
	if held.LessThan(trade.Amount) {
		s.logger.Error("escrow reservation below trade amount",
			"trade_id", trade.ID,
			"seller_id", trade.SellerID,
			"currency", offer.Currency,
			"in_order", held.String(),
			"amount", trade.Amount.String(),
		)
		s.metrics.violation("release")
		return fmt.Errorf("%w: in_order %s, amount %s", ErrEscrowShortfall, held.String(), trade.Amount.String())
	}

	if _, err := s.ledger.Release(ctx, tx, sellerKey, trade.Amount); err != nil {
		return err
	}
	sellerWallet, err := s.ledger.Debit(ctx, tx, sellerKey, trade.Amount)
	if err != nil {
		return err
	}
	credit := trade.Amount.Sub(trade.BuyerFee)
	buyerWallet, err := s.ledger.Credit(ctx, tx, buyerKey, credit)
	if err != nil {
		return err
	}

	ref := trade.ID.String()
	entries := []struct {
		wallet *ledger.Wallet
		entry  ledger.Entry
	}{
		{sellerWallet, ledger.Entry{Kind: ledger.EntryEscrowRelease, Amount: trade.Amount, Description: "escrow released from reservation"}},
		{sellerWallet, ledger.Entry{Kind: ledger.EntryEscrowDebit, Amount: trade.Amount.Neg(), Fee: trade.SellerFee, Description: "escrow paid to buyer"}},
		{buyerWallet, ledger.Entry{Kind: ledger.EntryEscrowCredit, Amount: credit, Fee: trade.BuyerFee, Description: "escrow received from seller"}},
	}
	if trade.SellerFee.IsPositive() {
		entries = append(entries, struct {
			wallet *ledger.Wallet
			entry  ledger.Entry
		}{sellerWallet, ledger.Entry{Kind: ledger.EntryP2PFee, Amount: decimal.Zero, Fee: trade.SellerFee, Description: "seller fee"}})
	}
	if trade.BuyerFee.IsPositive() {
		entries = append(entries, struct {
			wallet *ledger.Wallet
			entry  ledger.Entry
		}{buyerWallet, ledger.Entry{Kind: ledger.EntryP2PFee, Amount: decimal.Zero, Fee: trade.BuyerFee, Description: "buyer fee"}})
	}
	for _, e := range entries {
		e.entry.ReferenceType = ReferenceTypeTrade
		e.entry.ReferenceID = ref
		if err := s.ledger.RecordEntry(ctx, tx, e.wallet, e.entry); err != nil {
			return err
		}
	}
	return nil
}

// ConfirmPayment records the buyer's payment. Confirming twice is a no-op.
func (s *Service) ConfirmPayment(ctx context.Context, tradeID, buyerID uuid.UUID) (*storage.Trade, error) {
	var result *storage.Trade
	var from string

	err := s.store.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		trade, err := s.lockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.BuyerID != buyerID {
			return ErrTradeNotFound
		}
		if trade.Status == storage.TradeStatusPaymentSent {
			result = trade
			return nil
		}
		if err := checkTransition(trade.Status, storage.TradeStatusPaymentSent); err != nil {
			return err
		}
		now := s.now()
		if now.After(trade.ExpiresAt) {
			return fmt.Errorf("%w: trade expired at %s", ErrInvalidTransition, trade.ExpiresAt.Format(time.RFC3339))
		}
		offer, err := s.store.LockOffer(ctx, tx, trade.OfferID)
		if err != nil {
			return fmt.Errorf("lock offer %s: %w", trade.OfferID, err)
		}

		from = trade.Status
		trade.PaymentConfirmedAt = &now
		trade.AddEvent("PAYMENT_SENT", storage.TradeStatusPaymentSent, &buyerID, "buyer confirmed payment", now)
		if err := s.store.SaveTrade(ctx, tx, trade); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, trade, offer, "buyer marked payment as sent"); err != nil {
			return err
		}
		result = trade
		return nil
	})
	if err != nil {
		return nil, err
	}
	if from != "" {
		s.metrics.transition(from, result.Status)
	}
	return result, nil
}

// Cancel unwinds an open trade. Either party may cancel while PENDING; once
// payment is marked as sent only the buyer may.
func (s *Service) Cancel(ctx context.Context, tradeID, actorID uuid.UUID) (*storage.Trade, error) {
	var result *storage.Trade
	var from string

	err := s.store.InTx(ctx, pgx.Serializable, func(tx pgx.Tx) error {
		trade, err := s.lockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if !trade.IsParticipant(actorID) {
			return ErrTradeNotFound
		}
		if err := checkTransition(trade.Status, storage.TradeStatusCancelled); err != nil {
			return err
		}
		if trade.Status == storage.TradeStatusPaymentSent && actorID != trade.BuyerID {
			return fmt.Errorf("%w: only the buyer can cancel after payment is sent", ErrNotParticipant)
		}
		offer, err := s.store.LockOffer(ctx, tx, trade.OfferID)
		if err != nil {
			return fmt.Errorf("lock offer %s: %w", trade.OfferID, err)
		}

		now := s.now()
		from = trade.Status
		if err := s.unwind(ctx, tx, trade, offer, "cancel"); err != nil {
			return err
		}
		trade.CancelledAt = &now
		trade.AddEvent("CANCELLED", storage.TradeStatusCancelled, &actorID, "trade cancelled", now)
		if err := s.store.SaveTrade(ctx, tx, trade); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, trade, offer, "trade cancelled"); err != nil {
			return err
		}
		result = trade
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.transition(from, result.Status)
	return result, nil
}

// Expire unwinds a trade whose deadline has passed. It reports false when the
// trade was settled or extended concurrently and nothing was done.
func (s *Service) Expire(ctx context.Context, tradeID uuid.UUID) (bool, error) {
	var from string
	expired := false

	err := s.store.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		trade, err := s.lockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		now := s.now()
		if !CanTransition(trade.Status, storage.TradeStatusExpired) || !trade.ExpiresAt.Before(now) {
			return nil
		}
		offer, err := s.store.LockOffer(ctx, tx, trade.OfferID)
		if err != nil {
			return fmt.Errorf("lock offer %s: %w", trade.OfferID, err)
		}

		from = trade.Status
		if err := s.unwind(ctx, tx, trade, offer, "expire"); err != nil {
			return err
		}
		trade.AddEvent("EXPIRED", storage.TradeStatusExpired, nil, "trade expired without settlement", now)
		if err := s.store.SaveTrade(ctx, tx, trade); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, trade, offer, "trade expired"); err != nil {
			return err
		}
		expired = true
		return nil
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.metrics.transition(from, storage.TradeStatusExpired)
	}
	return expired, nil
}

// Complete finalizes a released trade. Completing a completed trade is a
// no-op.
func (s *Service) Complete(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error) {
	var result *storage.Trade
	changed := false

	err := s.store.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		trade, err := s.lockTrade(ctx, tx, tradeID)
		if err != nil {
			return err
		}
		if trade.Status == storage.TradeStatusCompleted {
			result = trade
			return nil
		}
		if trade.Status != storage.TradeStatusEscrowReleased {
			return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, trade.Status, storage.TradeStatusCompleted)
		}
		offer, err := s.store.LockOffer(ctx, tx, trade.OfferID)
		if err != nil {
			return fmt.Errorf("lock offer %s: %w", trade.OfferID, err)
		}

		now := s.now()
		trade.CompletedAt = &now
		trade.AddEvent("COMPLETED", storage.TradeStatusCompleted, nil, "trade completed", now)
		if err := s.store.SaveTrade(ctx, tx, trade); err != nil {
			return err
		}
		if err := s.notify(ctx, tx, trade, offer, "trade completed"); err != nil {
			return err
		}
		result = trade
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.metrics.transition(storage.TradeStatusEscrowReleased, storage.TradeStatusCompleted)
	}
	return result, nil
}

// unwind returns the seller's reservation and puts the amount back on an
// active offer. A reservation that is no longer intact is logged and left
// alone.
func (s *Service) unwind(ctx context.Context, tx pgx.Tx, trade *storage.Trade, offer *storage.Offer, op string) error {
	key := ledger.NewKey(trade.SellerID, offer.WalletType, offer.Currency)
	wallet, err := s.ledger.Lock(ctx, tx, key)
	switch {
	case err == nil && wallet.InOrder.GreaterThanOrEqual(trade.Amount):
		released, err := s.ledger.Release(ctx, tx, key, trade.Amount)
		if err != nil {
			return err
		}
		if err := s.ledger.RecordEntry(ctx, tx, wallet, ledger.Entry{
			Kind:          ledger.EntryEscrowReturned,
			Amount:        released,
			ReferenceType: ReferenceTypeTrade,
			ReferenceID:   trade.ID.String(),
			Description:   "escrow returned to seller (" + op + ")",
		}); err != nil {
			return err
		}
	case err == nil, errors.Is(err, ledger.ErrWalletNotFound):
		held := decimal.Zero
		if wallet != nil {
			held = wallet.InOrder
		}
		s.logger.Error("escrow reservation not intact, skipping release",
			"op", op,
			"trade_id", trade.ID,
			"seller_id", trade.SellerID,
			"currency", offer.Currency,
			"in_order", held.String(),
			"amount", trade.Amount.String(),
		)
		s.metrics.violation(op)
	default:
		return err
	}

	if offer.Status == storage.OfferStatusActive {
		offer.AmountConfig.Total = offer.AmountConfig.Total.Add(trade.Amount)
		if err := s.store.SaveOffer(ctx, tx, offer); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, trade *storage.Trade, offer *storage.Offer, message string) error {
	payload := NotifyPayload{
		TradeID:    trade.ID,
		Event:      "trade." + trade.Status,
		Status:     trade.Status,
		Recipients: []uuid.UUID{trade.BuyerID, trade.SellerID},
		Amount:     trade.Amount.String(),
		Currency:   offer.Currency,
		Message:    message,
	}
	dedupe := KindNotify + ":" + trade.ID.String() + ":" + trade.Status
	if err := s.enqueue(ctx, tx, KindNotify, dedupe, payload, s.now()); err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}
	return nil
}

func (s *Service) lockTrade(ctx context.Context, tx pgx.Tx, tradeID uuid.UUID) (*storage.Trade, error) {
	trade, err := s.store.LockTrade(ctx, tx, tradeID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrTradeNotFound
		}
		return nil, err
	}
	return trade, nil
}

func checkTransition(from, to string) error {
	if CanTransition(from, to) {
		return nil
	}
	if Terminal(from) || from == storage.TradeStatusEscrowReleased {
		return fmt.Errorf("%w: trade is %s", ErrAlreadyFinal, from)
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, from, to)
}
