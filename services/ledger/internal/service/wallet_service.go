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

	"github.com/techcsc21/trade4u-sub030/libs/ledger"
)

const (
	DefaultEntryLimit = 50
	MaxEntryLimit     = 200
)

var (
	ErrWalletNotFound = errors.New("wallet not found")
	ErrInvalidQuery   = errors.New("invalid query")
)

type Store interface {
	GetWallet(ctx context.Context, key ledger.Key) (*ledger.Wallet, error)
	ListWallets(ctx context.Context, userID uuid.UUID) ([]ledger.Wallet, error)
	ListEntries(ctx context.Context, filter ledger.EntryFilter) ([]ledger.Entry, error)
}

// WalletView is a wallet with its spendable amount spelled out.
type WalletView struct {
	ledger.Wallet
	Spendable decimal.Decimal `json:"spendable"`
}

type EntryQuery struct {
	Currency string
	Before   string
	Limit    int
}

type EntryPage struct {
	Entries    []ledger.Entry `json:"entries"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type WalletService struct {
	store   Store
	logger  *slog.Logger
	metrics *Metrics
}

func NewWalletService(store Store, logger *slog.Logger, metrics *Metrics) *WalletService {
	if logger == nil {
		logger = slog.Default()
	}
	return &WalletService{store: store, logger: logger, metrics: metrics}
}

func (s *WalletService) ListWallets(ctx context.Context, userID uuid.UUID) ([]WalletView, error) {
	start := time.Now()
	wallets, err := s.store.ListWallets(ctx, userID)
	if err != nil {
		s.metrics.observe("list_wallets", "error", start)
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	s.metrics.observe("list_wallets", "success", start)

	views := make([]WalletView, 0, len(wallets))
	for _, w := range wallets {
		views = append(views, WalletView{Wallet: w, Spendable: w.Spendable()})
	}
	return views, nil
}

func (s *WalletService) GetWallet(ctx context.Context, userID uuid.UUID, walletType, currency string) (*WalletView, error) {
	key := ledger.NewKey(userID, walletType, currency)
	if key.Type != ledger.WalletTypeSpot && key.Type != ledger.WalletTypeFunding {
		return nil, fmt.Errorf("%w: unknown wallet type %q", ErrInvalidQuery, walletType)
	}
	if key.Currency == "" {
		return nil, fmt.Errorf("%w: currency is required", ErrInvalidQuery)
	}

	start := time.Now()
	w, err := s.store.GetWallet(ctx, key)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			s.metrics.observe("get_wallet", "not_found", start)
			return nil, ErrWalletNotFound
		}
		s.metrics.observe("get_wallet", "error", start)
		return nil, fmt.Errorf("get wallet: %w", err)
	}
	s.metrics.observe("get_wallet", "success", start)
	return &WalletView{Wallet: *w, Spendable: w.Spendable()}, nil
}

// ListEntries pages through a user's ledger entries, newest first. The
// cursor is the creation time of the last entry returned.
func (s *WalletService) ListEntries(ctx context.Context, userID uuid.UUID, q EntryQuery) (*EntryPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultEntryLimit
	}
	if limit > MaxEntryLimit {
		return nil, fmt.Errorf("%w: limit must be at most %d", ErrInvalidQuery, MaxEntryLimit)
	}

	filter := ledger.EntryFilter{
		UserID:   userID,
		Currency: strings.ToUpper(strings.TrimSpace(q.Currency)),
		Limit:    limit,
	}
	if cursor := strings.TrimSpace(q.Before); cursor != "" {
		before, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid cursor", ErrInvalidQuery)
		}
		filter.Before = before
	}

	start := time.Now()
	entries, err := s.store.ListEntries(ctx, filter)
	if err != nil {
		s.metrics.observe("list_entries", "error", start)
		return nil, fmt.Errorf("list entries: %w", err)
	}
	s.metrics.observe("list_entries", "success", start)

	page := &EntryPage{Entries: entries}
	if page.Entries == nil {
		page.Entries = []ledger.Entry{}
	}
	if len(entries) == limit {
		page.NextCursor = entries[len(entries)-1].CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return page, nil
}
