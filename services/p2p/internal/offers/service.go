package offers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/techcsc21/trade4u-sub030/libs/ledger"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
)

const (
	DefaultWalletType  = ledger.WalletTypeFunding
	ReferenceTypeOffer = "P2P_OFFER"
)

var (
	ErrInvalidOffer  = errors.New("invalid offer")
	ErrOfferNotFound = errors.New("offer not found")
)

type Store interface {
	InTx(ctx context.Context, iso pgx.TxIsoLevel, fn func(tx pgx.Tx) error) error
	InsertOffer(ctx context.Context, tx pgx.Tx, o *storage.Offer) error
	GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error)
}

type Ledger interface {
	Reserve(ctx context.Context, tx pgx.Tx, key ledger.Key, amount decimal.Decimal) (*ledger.Wallet, error)
	RecordEntry(ctx context.Context, tx pgx.Tx, w *ledger.Wallet, e ledger.Entry) error
}

type CreateOfferInput struct {
	UserID       uuid.UUID
	Type         string
	Currency     string
	WalletType   string
	Total        decimal.Decimal
	Min          decimal.Decimal
	Max          decimal.Decimal
	PriceModel   string
	PriceValue   decimal.Decimal
	FiatCurrency string
	Terms        string
}

// NewOffer validates input and builds an offer with its derived fields set.
// Offers start ACTIVE only when autoApprove is on.
func NewOffer(in CreateOfferInput, autoApprove bool, now time.Time) (*storage.Offer, error) {
	offerType := strings.ToUpper(strings.TrimSpace(in.Type))
	if offerType != storage.OfferTypeBuy && offerType != storage.OfferTypeSell {
		return nil, fmt.Errorf("%w: type must be BUY or SELL", ErrInvalidOffer)
	}
	currency := strings.ToUpper(strings.TrimSpace(in.Currency))
	if currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidOffer)
	}
	walletType := strings.ToUpper(strings.TrimSpace(in.WalletType))
	if walletType == "" {
		walletType = DefaultWalletType
	}
	if walletType != ledger.WalletTypeFunding && walletType != ledger.WalletTypeSpot {
		return nil, fmt.Errorf("%w: unsupported wallet type %q", ErrInvalidOffer, in.WalletType)
	}

	if !in.Total.IsPositive() || !in.Min.IsPositive() || !in.Max.IsPositive() {
		return nil, fmt.Errorf("%w: total, min and max must be positive", ErrInvalidOffer)
	}
	if in.Min.GreaterThan(in.Max) {
		return nil, fmt.Errorf("%w: min %s exceeds max %s", ErrInvalidOffer, in.Min, in.Max)
	}
	if in.Max.GreaterThan(in.Total) {
		return nil, fmt.Errorf("%w: max %s exceeds total %s", ErrInvalidOffer, in.Max, in.Total)
	}

	model := strings.ToUpper(strings.TrimSpace(in.PriceModel))
	if model == "" {
		model = storage.PriceModelFixed
	}
	switch model {
	case storage.PriceModelFixed:
		if !in.PriceValue.IsPositive() {
			return nil, fmt.Errorf("%w: fixed price must be positive", ErrInvalidOffer)
		}
	case storage.PriceModelMargin:
		if in.PriceValue.LessThanOrEqual(decimal.NewFromInt(-100)) {
			return nil, fmt.Errorf("%w: margin must be above -100%%", ErrInvalidOffer)
		}
	default:
		return nil, fmt.Errorf("%w: price model must be FIXED or MARGIN", ErrInvalidOffer)
	}
	fiat := strings.ToUpper(strings.TrimSpace(in.FiatCurrency))
	if fiat == "" {
		return nil, fmt.Errorf("%w: fiat currency is required", ErrInvalidOffer)
	}

	status := storage.OfferStatusPendingApproval
	if autoApprove {
		status = storage.OfferStatusActive
	}
	return &storage.Offer{
		ID:         uuid.New(),
		UserID:     in.UserID,
		Type:       offerType,
		Currency:   currency,
		WalletType: walletType,
		AmountConfig: storage.AmountConfig{
			Total:         in.Total,
			Min:           in.Min,
			Max:           in.Max,
			OriginalTotal: in.Total,
		},
		PriceConfig: storage.PriceConfig{
			Model:        model,
			Value:        in.PriceValue,
			FiatCurrency: fiat,
		},
		Terms:     strings.TrimSpace(in.Terms),
		Status:    status,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

type Metrics struct {
	Created *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Created: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "p2p_offers_created_total",
				Help:      "P2P offers created by type and initial status.",
			},
			[]string{"type", "status"},
		),
	}
	registry.MustRegister(m.Created)
	return m
}

type Service struct {
	store       Store
	ledger      Ledger
	autoApprove bool
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

func NewService(store Store, ledgerStore Ledger, autoApprove bool, logger *slog.Logger, metrics *Metrics) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		ledger:      ledgerStore,
		autoApprove: autoApprove,
		logger:      logger,
		metrics:     metrics,
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// CreateOffer persists a new offer. SELL offers reserve their full total on
// the seller's wallet in the same transaction.
func (s *Service) CreateOffer(ctx context.Context, in CreateOfferInput) (*storage.Offer, error) {
	offer, err := NewOffer(in, s.autoApprove, s.now())
	if err != nil {
		return nil, err
	}

	err = s.store.InTx(ctx, pgx.ReadCommitted, func(tx pgx.Tx) error {
		if err := s.store.InsertOffer(ctx, tx, offer); err != nil {
			return fmt.Errorf("insert offer: %w", err)
		}
		if offer.Type != storage.OfferTypeSell {
			return nil
		}
		key := ledger.NewKey(offer.UserID, offer.WalletType, offer.Currency)
		wallet, err := s.ledger.Reserve(ctx, tx, key, offer.AmountConfig.Total)
		if err != nil {
			return err
		}
		return s.ledger.RecordEntry(ctx, tx, wallet, ledger.Entry{
			Kind:          ledger.EntryOfferReserve,
			Amount:        offer.AmountConfig.Total.Neg(),
			ReferenceType: ReferenceTypeOffer,
			ReferenceID:   offer.ID.String(),
			Description:   "reserved for sell offer",
		})
	})
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.Created.WithLabelValues(offer.Type, offer.Status).Inc()
	}
	s.logger.Info("offer created",
		"offer_id", offer.ID, "user_id", offer.UserID, "type", offer.Type,
		"currency", offer.Currency, "total", offer.AmountConfig.Total.String(), "status", offer.Status)
	return offer, nil
}

func (s *Service) GetOffer(ctx context.Context, offerID uuid.UUID) (*storage.Offer, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrOfferNotFound
		}
		return nil, err
	}
	return offer, nil
}
