package orderbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

var ErrUnavailable = errors.New("order book unavailable")

// Resting is one open limit order's contribution to the book.
type Resting struct {
	Side     string
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type Source interface {
	RestingOrders(ctx context.Context, symbol string) ([]Resting, error)
}

type ProviderConfig struct {
	Depth            int
	Timeout          time.Duration
	FailureThreshold int
	Cooldown         time.Duration
}

// Provider builds snapshots from the order store. Repeated source failures
// open a breaker so callers fail fast during the cooldown.
type Provider struct {
	source  Source
	cfg     ProviderConfig
	breaker *circuitBreaker
	logger  *slog.Logger
}

func NewProvider(source Source, cfg ProviderConfig, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	return &Provider{
		source:  source,
		cfg:     cfg,
		breaker: newCircuitBreaker(cfg.FailureThreshold, cfg.Cooldown),
		logger:  logger,
	}
}

func (p *Provider) GetOrderBook(ctx context.Context, symbol string) (*Snapshot, error) {
	if !p.breaker.Allow() {
		return nil, fmt.Errorf("%w: circuit open", ErrUnavailable)
	}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	resting, err := p.source.RestingOrders(fetchCtx, symbol)
	if err != nil {
		p.breaker.RecordFailure()
		p.logger.Warn("order book fetch failed", "symbol", symbol, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	p.breaker.RecordSuccess()

	book := NewBook(symbol)
	for _, r := range resting {
		book.Add(r.Side, r.Price, r.Quantity)
	}
	return book.Snapshot(p.cfg.Depth), nil
}
