package health

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// Check reports whether a dependency is usable. A nil error means healthy.
type Check func(ctx context.Context) error

type Manager struct {
	ready    atomic.Bool
	mu       sync.RWMutex
	checks   map[string]Check
	optional map[string]bool
	timeout  time.Duration
}

func NewManager(initialReady bool) *Manager {
	m := &Manager{
		checks:   make(map[string]Check),
		optional: make(map[string]bool),
		timeout:  2 * time.Second,
	}
	m.ready.Store(initialReady)
	return m
}

func (m *Manager) SetReady(ready bool) {
	m.ready.Store(ready)
}

func (m *Manager) IsReady() bool {
	return m.ready.Load()
}

// AddCheck registers a dependency the service cannot serve without. A failing
// check makes the readiness endpoint return 503.
func (m *Manager) AddCheck(name string, check Check) {
	m.add(name, check, false)
}

// AddOptionalCheck registers a dependency the service degrades without. A
// failing check is reported in the readiness body but keeps the status at 200.
func (m *Manager) AddOptionalCheck(name string, check Check) {
	m.add(name, check, true)
}

func (m *Manager) add(name string, check Check, optional bool) {
	if check == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
	m.optional[name] = optional
}

// Report is the outcome of one readiness evaluation, failures keyed by name.
type Report struct {
	Failed   map[string]string
	Degraded map[string]string
}

// Run executes every registered check.
func (m *Manager) Run(ctx context.Context) Report {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	checks := make(map[string]Check, len(m.checks))
	optional := make(map[string]bool, len(m.checks))
	for name, check := range m.checks {
		names = append(names, name)
		checks[name] = check
		optional[name] = m.optional[name]
	}
	m.mu.RUnlock()
	sort.Strings(names)

	report := Report{Failed: map[string]string{}, Degraded: map[string]string{}}
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, m.timeout)
		err := checks[name](checkCtx)
		cancel()
		if err == nil {
			continue
		}
		if optional[name] {
			report.Degraded[name] = err.Error()
		} else {
			report.Failed[name] = err.Error()
		}
	}
	return report
}

func LivenessHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func ReadinessHandler(m *Manager) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !m.IsReady() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
			return
		}
		report := m.Run(c.Request.Context())
		if len(report.Failed) > 0 {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "checks": report.Failed})
			return
		}
		if len(report.Degraded) > 0 {
			c.JSON(http.StatusOK, gin.H{"status": "degraded", "checks": report.Degraded})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}
