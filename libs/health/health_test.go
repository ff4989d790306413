package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func serveReady(m *Manager) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/readyz", ReadinessHandler(m))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	return w
}

func TestReadinessNotReady(t *testing.T) {
	w := serveReady(NewManager(false))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadinessWithFailingCheck(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(context.Context) error { return nil })
	m.AddCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	w := serveReady(m)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "redis") {
		t.Fatalf("expected failing check in body, got %s", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "postgres") {
		t.Fatalf("healthy check should not be listed: %s", w.Body.String())
	}
}

func TestReadinessReady(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(context.Context) error { return nil })
	w := serveReady(m)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadinessOptionalCheckDegradesOnly(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(context.Context) error { return nil })
	m.AddOptionalCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	w := serveReady(m)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 with a failing optional check, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "degraded") || !strings.Contains(w.Body.String(), "redis") {
		t.Fatalf("expected degraded redis in body, got %s", w.Body.String())
	}
}

func TestReadinessRequiredFailureWinsOverOptional(t *testing.T) {
	m := NewManager(true)
	m.AddCheck("postgres", func(context.Context) error { return errors.New("timeout") })
	m.AddOptionalCheck("redis", func(context.Context) error { return errors.New("connection refused") })

	w := serveReady(m)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "postgres") {
		t.Fatalf("expected failing required check in body, got %s", w.Body.String())
	}
}
