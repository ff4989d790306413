package market

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

type Source interface {
	ListMarkets(ctx context.Context) ([]Market, error)
}

// MissReloadInterval bounds how often unknown symbols may force a reload.
const MissReloadInterval = 5 * time.Second

// Cache keeps market metadata in memory. A miss triggers a reload so new
// markets become visible before the next scheduled refresh, at most once per
// MissReloadInterval.
type Cache struct {
	source      Source
	logger      *slog.Logger
	mu          sync.RWMutex
	markets     map[string]Market
	lastRefresh time.Time

	missMu     sync.Mutex
	lastMiss   time.Time
	missWindow time.Duration
	now        func() time.Time
}

func NewCache(source Source, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		source:     source,
		logger:     logger,
		markets:    make(map[string]Market),
		missWindow: MissReloadInterval,
		now:        time.Now,
	}
}

func (c *Cache) Load(ctx context.Context) error {
	markets, err := c.source.ListMarkets(ctx)
	if err != nil {
		return err
	}

	next := make(map[string]Market, len(markets))
	for _, m := range markets {
		m.Currency = strings.ToUpper(strings.TrimSpace(m.Currency))
		m.Pair = strings.ToUpper(strings.TrimSpace(m.Pair))
		if m.Currency == "" || m.Pair == "" {
			continue
		}
		m.Symbol = Symbol(m.Currency, m.Pair)
		next[m.Symbol] = m
	}

	c.mu.Lock()
	c.markets = next
	c.lastRefresh = time.Now().UTC()
	c.mu.Unlock()
	return nil
}

func (c *Cache) lookup(symbol string) (Market, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	m, ok := c.markets[symbol]
	return m, ok
}

// reloadOnMiss reloads unless another miss already did so within the window.
// It reports whether a reload ran.
func (c *Cache) reloadOnMiss(ctx context.Context) (bool, error) {
	c.missMu.Lock()
	defer c.missMu.Unlock()
	now := c.now()
	if !c.lastMiss.IsZero() && now.Sub(c.lastMiss) < c.missWindow {
		return false, nil
	}
	c.lastMiss = now
	return true, c.Load(ctx)
}

// GetMarket returns validated metadata for currency/pair.
func (c *Cache) GetMarket(ctx context.Context, currency, pair string) (*Market, error) {
	symbol := Symbol(currency, pair)
	m, ok := c.lookup(symbol)
	if !ok {
		reloaded, err := c.reloadOnMiss(ctx)
		if err != nil {
			return nil, err
		}
		if !reloaded {
			return nil, ErrMarketNotFound
		}
		if m, ok = c.lookup(symbol); !ok {
			return nil, ErrMarketNotFound
		}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (c *Cache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.markets)
}

func (c *Cache) LastRefresh() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastRefresh
}

func (c *Cache) StartAutoRefresh(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		c.logger.Warn("market cache refresh disabled")
		return
	}

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				refreshCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
				err := c.Load(refreshCtx)
				cancel()
				if err != nil {
					c.logger.Error("market cache refresh failed", "error", err)
				}
			}
		}
	}()
}
