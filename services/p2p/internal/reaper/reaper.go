package reaper

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"

	"github.com/techcsc21/trade4u-sub030/libs/trace"
	"github.com/techcsc21/trade4u-sub030/services/p2p/internal/storage"
)

const (
	JobExpireTrades     = "expire_trades"
	JobCompleteReleased = "complete_released"
	JobExpireOffers     = "expire_offers"
	JobReputation       = "reputation"
)

type Store interface {
	ListExpiredTradeIDs(ctx context.Context, now time.Time, limit int, exclude []uuid.UUID) ([]uuid.UUID, error)
	ListReleasedTradeIDs(ctx context.Context, before time.Time, limit int, exclude []uuid.UUID) ([]uuid.UUID, error)
	ExpireStaleOffers(ctx context.Context, before time.Time, limit int) ([]uuid.UUID, error)
	ReputationStats(ctx context.Context) ([]storage.ReputationStats, error)
	UpsertReputation(ctx context.Context, r storage.Reputation) error
}

// Trades performs the per-trade transitions. Each call runs in its own
// transaction and re-checks the trade under lock.
type Trades interface {
	Expire(ctx context.Context, tradeID uuid.UUID) (bool, error)
	Complete(ctx context.Context, tradeID uuid.UUID) (*storage.Trade, error)
}

type Config struct {
	Interval           time.Duration
	ReputationInterval time.Duration
	BatchSize          int
	OfferInactivity    time.Duration
	ReleaseGrace       time.Duration
	// MaxRetryBackoff caps how long a trade that keeps failing is skipped.
	// The first skip lasts one Interval.
	MaxRetryBackoff time.Duration
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.ReputationInterval <= 0 {
		c.ReputationInterval = time.Hour
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.OfferInactivity <= 0 {
		c.OfferInactivity = 30 * 24 * time.Hour
	}
	if c.ReleaseGrace <= 0 {
		c.ReleaseGrace = 10 * time.Minute
	}
	if c.MaxRetryBackoff <= 0 {
		c.MaxRetryBackoff = time.Hour
	}
	return c
}

// Report counts what one pass did.
type Report struct {
	ExpiredTrades   int `json:"expired_trades"`
	CompletedTrades int `json:"completed_trades"`
	ExpiredOffers   int `json:"expired_offers"`
	Reputations     int `json:"reputations"`
	Failures        int `json:"failures"`
	Deferred        int `json:"deferred"`
}

type Metrics struct {
	Processed *prometheus.CounterVec
	Failures  *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "p2p_reaper_processed_total",
				Help:      "Items changed by reaper jobs.",
			},
			[]string{"job"},
		),
		Failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "p2p_reaper_failures_total",
				Help:      "Reaper job and item failures.",
			},
			[]string{"job"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trade4u",
				Name:      "p2p_reaper_job_duration_seconds",
				Help:      "Reaper job duration.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}
	registry.MustRegister(m.Processed, m.Failures, m.Duration)
	return m
}

func (m *Metrics) processed(job string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.Processed.WithLabelValues(job).Add(float64(n))
}

func (m *Metrics) failed(job string) {
	if m == nil {
		return
	}
	m.Failures.WithLabelValues(job).Inc()
}

func (m *Metrics) observe(job string, start time.Time) {
	if m == nil {
		return
	}
	m.Duration.WithLabelValues(job).Observe(time.Since(start).Seconds())
}

type Reaper struct {
	store   Store
	trades  Trades
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	expiring   *backoff
	completing *backoff
}

func New(store Store, trades Trades, cfg Config, logger *slog.Logger, metrics *Metrics) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Reaper{
		store:      store,
		trades:     trades,
		cfg:        cfg,
		logger:     logger,
		metrics:    metrics,
		now:        func() time.Time { return time.Now().UTC() },
		expiring:   newBackoff(cfg.Interval, cfg.MaxRetryBackoff),
		completing: newBackoff(cfg.Interval, cfg.MaxRetryBackoff),
	}
}

// Run sweeps trades and offers every Interval and recomputes reputation
// every ReputationInterval until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.Interval)
	defer sweep.Stop()
	reputation := time.NewTicker(r.cfg.ReputationInterval)
	defer reputation.Stop()

	r.logger.Info("reaper started", "interval", r.cfg.Interval, "reputation_interval", r.cfg.ReputationInterval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-sweep.C:
			var report Report
			r.sweep(ctx, &report)
		case <-reputation.C:
			var report Report
			r.recomputeReputation(ctx, &report)
		}
	}
}

// RunOnce runs every job once, reputation included.
func (r *Reaper) RunOnce(ctx context.Context) Report {
	var report Report
	r.sweep(ctx, &report)
	r.recomputeReputation(ctx, &report)
	r.logger.Info("reaper pass finished",
		"expired_trades", report.ExpiredTrades,
		"completed_trades", report.CompletedTrades,
		"expired_offers", report.ExpiredOffers,
		"reputations", report.Reputations,
		"failures", report.Failures,
		"deferred", report.Deferred,
	)
	return report
}

func (r *Reaper) sweep(ctx context.Context, report *Report) {
	r.expireTrades(ctx, report)
	r.completeReleased(ctx, report)
	r.expireOffers(ctx, report)
}

func (r *Reaper) expireTrades(ctx context.Context, report *Report) {
	ctx, span := trace.StartSpan(ctx, "p2p.reaper.expire_trades")
	var err error
	defer func() { trace.EndSpan(span, err) }()
	start := time.Now()
	defer r.metrics.observe(JobExpireTrades, start)

	now := r.now()
	parked := r.expiring.parked(now)
	report.Deferred += len(parked)

	var ids []uuid.UUID
	ids, err = r.store.ListExpiredTradeIDs(ctx, now, r.cfg.BatchSize, parked)
	if err != nil {
		r.fail(JobExpireTrades, report, "list expired trades failed", err)
		return
	}
	span.SetAttributes(attribute.Int("candidates", len(ids)), attribute.Int("deferred", len(parked)))

	for _, id := range ids {
		expired, itemErr := r.trades.Expire(ctx, id)
		if itemErr != nil {
			retryAt := r.expiring.failed(id, now)
			r.fail(JobExpireTrades, report, "expire trade failed", itemErr, "trade_id", id, "retry_at", retryAt)
			continue
		}
		r.expiring.succeeded(id)
		if expired {
			report.ExpiredTrades++
			r.metrics.processed(JobExpireTrades, 1)
			r.logger.Info("trade expired", "trade_id", id)
		}
	}
}

func (r *Reaper) completeReleased(ctx context.Context, report *Report) {
	ctx, span := trace.StartSpan(ctx, "p2p.reaper.complete_released")
	var err error
	defer func() { trace.EndSpan(span, err) }()
	start := time.Now()
	defer r.metrics.observe(JobCompleteReleased, start)

	now := r.now()
	parked := r.completing.parked(now)
	report.Deferred += len(parked)

	var ids []uuid.UUID
	ids, err = r.store.ListReleasedTradeIDs(ctx, now.Add(-r.cfg.ReleaseGrace), r.cfg.BatchSize, parked)
	if err != nil {
		r.fail(JobCompleteReleased, report, "list released trades failed", err)
		return
	}
	for _, id := range ids {
		if _, itemErr := r.trades.Complete(ctx, id); itemErr != nil {
			retryAt := r.completing.failed(id, now)
			r.fail(JobCompleteReleased, report, "complete trade failed", itemErr, "trade_id", id, "retry_at", retryAt)
			continue
		}
		r.completing.succeeded(id)
		report.CompletedTrades++
		r.metrics.processed(JobCompleteReleased, 1)
	}
}

func (r *Reaper) expireOffers(ctx context.Context, report *Report) {
	ctx, span := trace.StartSpan(ctx, "p2p.reaper.expire_offers")
	var err error
	defer func() { trace.EndSpan(span, err) }()
	start := time.Now()
	defer r.metrics.observe(JobExpireOffers, start)

	var ids []uuid.UUID
	ids, err = r.store.ExpireStaleOffers(ctx, r.now().Add(-r.cfg.OfferInactivity), r.cfg.BatchSize)
	if err != nil {
		r.fail(JobExpireOffers, report, "expire stale offers failed", err)
		return
	}
	report.ExpiredOffers += len(ids)
	r.metrics.processed(JobExpireOffers, len(ids))
	for _, id := range ids {
		r.logger.Info("offer expired", "offer_id", id)
	}
}

func (r *Reaper) recomputeReputation(ctx context.Context, report *Report) {
	ctx, span := trace.StartSpan(ctx, "p2p.reaper.reputation")
	var err error
	defer func() { trace.EndSpan(span, err) }()
	start := time.Now()
	defer r.metrics.observe(JobReputation, start)

	var stats []storage.ReputationStats
	stats, err = r.store.ReputationStats(ctx)
	if err != nil {
		r.fail(JobReputation, report, "load reputation stats failed", err)
		return
	}
	for _, st := range stats {
		rep := storage.Reputation{
			UserID:          st.UserID,
			Score:           ComputeReputation(st),
			TotalTrades:     st.TotalTrades,
			CompletedTrades: st.CompletedTrades,
			DisputedTrades:  st.DisputedTrades,
			AvgRating:       st.AvgRating,
		}
		if itemErr := r.store.UpsertReputation(ctx, rep); itemErr != nil {
			r.fail(JobReputation, report, "save reputation failed", itemErr, "user_id", st.UserID)
			continue
		}
		report.Reputations++
	}
	r.metrics.processed(JobReputation, report.Reputations)
}

func (r *Reaper) fail(job string, report *Report, msg string, err error, attrs ...any) {
	report.Failures++
	r.metrics.failed(job)
	r.logger.Error(msg, append(attrs, "job", job, "error", err)...)
}

var (
	hundred = decimal.NewFromInt(100)
	five    = decimal.NewFromInt(5)
)

// ComputeReputation scores a user from 0 to 100: half completion rate, 30%
// average rating out of 5, 20% absence of disputes. Users without trades
// score zero.
func ComputeReputation(st storage.ReputationStats) decimal.Decimal {
	if st.TotalTrades <= 0 {
		return decimal.Zero
	}
	total := decimal.NewFromInt(int64(st.TotalTrades))
	completion := decimal.NewFromInt(int64(st.CompletedTrades)).Div(total)
	disputeRate := decimal.NewFromInt(int64(st.DisputedTrades)).Div(total)
	rating := st.AvgRating.Div(five)

	score := completion.Mul(decimal.RequireFromString("0.5")).
		Add(rating.Mul(decimal.RequireFromString("0.3"))).
		Add(decimal.NewFromInt(1).Sub(disputeRate).Mul(decimal.RequireFromString("0.2"))).
		Mul(hundred)

	if score.IsNegative() {
		score = decimal.Zero
	}
	if score.GreaterThan(hundred) {
		score = hundred
	}
	return score.Round(2)
}
