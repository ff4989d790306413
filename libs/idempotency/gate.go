package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultLockTTL   = 30 * time.Second
	DefaultResultTTL = 6 * time.Hour
)

var ErrInProgress = errors.New("operation already in progress")

type Metrics struct {
	Outcomes *prometheus.CounterVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Outcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "idempotency_outcomes_total",
				Help:      "Idempotency gate outcomes by operation.",
			},
			[]string{"op", "outcome"},
		),
	}
	registry.MustRegister(m.Outcomes)
	return m
}

func (m *Metrics) inc(op, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(op, outcome).Inc()
}

// Gate serializes executions of one logical operation and replays its
// cached result. When the store is unreachable the operation still runs,
// without protection.
type Gate struct {
	store     Store
	lockTTL   time.Duration
	resultTTL time.Duration
	logger    *slog.Logger
	metrics   *Metrics
}

func NewGate(store Store, lockTTL, resultTTL time.Duration, logger *slog.Logger, metrics *Metrics) *Gate {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{store: store, lockTTL: lockTTL, resultTTL: resultTTL, logger: logger, metrics: metrics}
}

// Execute runs fn at most once per key while its result is cached. The
// boolean reports whether the result was replayed from the cache. Only
// successful results are cached.
func Execute[T any](ctx context.Context, g *Gate, op, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	var zero T
	if g == nil || g.store == nil {
		res, err := fn(ctx)
		return res, false, err
	}

	resultKey := Key(op, key)
	lockKey := resultKey + ":lock"

	cached, hit, err := lookup[T](ctx, g, op, key, resultKey)
	if err != nil {
		g.logger.Warn("idempotency store unavailable, running unprotected", "op", op, "key", key, "error", err)
		g.metrics.inc(op, "degraded")
		res, err := fn(ctx)
		return res, false, err
	}
	if hit {
		g.metrics.inc(op, "replayed")
		return cached, true, nil
	}

	acquired, err := g.store.SetIfAbsent(ctx, lockKey, []byte("locked"), g.lockTTL)
	if err != nil {
		g.logger.Warn("idempotency lock unavailable, running unprotected", "op", op, "key", key, "error", err)
		g.metrics.inc(op, "degraded")
		res, err := fn(ctx)
		return res, false, err
	}
	if !acquired {
		g.metrics.inc(op, "in_progress")
		return zero, false, ErrInProgress
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := g.store.Delete(cleanupCtx, lockKey); err != nil {
			g.logger.Warn("idempotency lock release failed", "op", op, "key", key, "error", err)
		}
	}()

	// A concurrent holder may have cached its result and unlocked between
	// the first lookup and acquiring the lock.
	cached, hit, err = lookup[T](ctx, g, op, key, resultKey)
	if err == nil && hit {
		g.metrics.inc(op, "replayed")
		return cached, true, nil
	}

	res, err := fn(ctx)
	if err != nil {
		g.metrics.inc(op, "failed")
		return zero, false, err
	}
	g.metrics.inc(op, "executed")

	payload, err := json.Marshal(res)
	if err != nil {
		g.logger.Warn("idempotency result not cacheable", "op", op, "key", key, "error", err)
		return res, false, nil
	}
	if err := g.store.Set(context.WithoutCancel(ctx), resultKey, payload, g.resultTTL); err != nil {
		g.logger.Warn("idempotency result cache failed", "op", op, "key", key, "error", err)
	}
	return res, false, nil
}

// lookup reads a cached result. Unreadable entries count as a miss; err is
// set only when the store itself failed.
func lookup[T any](ctx context.Context, g *Gate, op, key, resultKey string) (T, bool, error) {
	var cached T
	raw, err := g.store.Get(ctx, resultKey)
	if errors.Is(err, ErrMiss) {
		return cached, false, nil
	}
	if err != nil {
		return cached, false, err
	}
	if err := json.Unmarshal(raw, &cached); err != nil {
		g.logger.Warn("discarding unreadable idempotency result", "op", op, "key", key)
		return cached, false, nil
	}
	return cached, true, nil
}
