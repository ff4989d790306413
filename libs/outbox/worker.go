package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ErrPermanent marks a handler failure that must not be retried.
var ErrPermanent = errors.New("permanent task failure")

type Handler func(ctx context.Context, task Task) error

type Metrics struct {
	Processed *prometheus.CounterVec
	Duration  *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		Processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "trade4u",
				Name:      "outbox_tasks_total",
				Help:      "Outbox task executions by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		Duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "trade4u",
				Name:      "outbox_task_duration_seconds",
				Help:      "Outbox handler latency in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
	}
	registry.MustRegister(m.Processed, m.Duration)
	return m
}

func (m *Metrics) observe(kind, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.Processed.WithLabelValues(kind, outcome).Inc()
	m.Duration.WithLabelValues(kind).Observe(time.Since(start).Seconds())
}

type WorkerConfig struct {
	Interval    time.Duration
	BatchSize   int
	Lease       time.Duration
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (c WorkerConfig) withDefaults() WorkerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.Lease <= 0 {
		c.Lease = 30 * time.Second
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 2 * time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Minute
	}
	return c
}

type Worker struct {
	store    TaskStore
	cfg      WorkerConfig
	logger   *slog.Logger
	metrics  *Metrics
	mu       sync.RWMutex
	handlers map[string]Handler
	now      func() time.Time
}

func NewWorker(store TaskStore, cfg WorkerConfig, logger *slog.Logger, metrics *Metrics) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:    store,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
		now:      time.Now,
	}
}

func (w *Worker) Register(kind string, h Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = h
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	w.logger.Info("outbox worker started", "interval", w.cfg.Interval)
	for {
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("outbox poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.Info("outbox worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce claims one batch and executes it. It returns the number of tasks
// claimed.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	tasks, err := w.store.Claim(ctx, w.cfg.BatchSize, w.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox tasks: %w", err)
	}
	for _, task := range tasks {
		w.process(ctx, task)
	}
	return len(tasks), nil
}

func (w *Worker) process(ctx context.Context, task Task) {
	start := time.Now()
	w.mu.RLock()
	handler, ok := w.handlers[task.Kind]
	w.mu.RUnlock()

	if !ok {
		w.logger.Error("outbox task has no handler", "task_id", task.ID, "kind", task.Kind)
		if err := w.store.Fail(ctx, task.ID, "no handler registered"); err != nil {
			w.logger.Error("outbox fail update failed", "task_id", task.ID, "error", err)
		}
		w.metrics.observe(task.Kind, "unhandled", start)
		return
	}

	err := handler(ctx, task)
	if err == nil {
		if err := w.store.Complete(ctx, task.ID); err != nil {
			w.logger.Error("outbox complete update failed", "task_id", task.ID, "error", err)
		}
		w.metrics.observe(task.Kind, "completed", start)
		return
	}

	if errors.Is(err, ErrPermanent) || task.Attempts >= task.MaxAttempts {
		w.logger.Error("outbox task failed permanently",
			"task_id", task.ID, "kind", task.Kind, "attempts", task.Attempts, "error", err)
		if ferr := w.store.Fail(ctx, task.ID, err.Error()); ferr != nil {
			w.logger.Error("outbox fail update failed", "task_id", task.ID, "error", ferr)
		}
		w.metrics.observe(task.Kind, "failed", start)
		return
	}

	next := w.now().Add(w.backoff(task.Attempts))
	w.logger.Warn("outbox task failed, retrying",
		"task_id", task.ID, "kind", task.Kind, "attempts", task.Attempts, "next_run", next, "error", err)
	if rerr := w.store.Retry(ctx, task.ID, next, err.Error()); rerr != nil {
		w.logger.Error("outbox retry update failed", "task_id", task.ID, "error", rerr)
	}
	w.metrics.observe(task.Kind, "retried", start)
}

func (w *Worker) backoff(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := w.cfg.BaseBackoff
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= w.cfg.MaxBackoff {
			return w.cfg.MaxBackoff
		}
	}
	return d
}
