package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "p2p")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "p2p" {
		t.Fatalf("expected service name p2p, got %s", cfg.ServiceName)
	}
	if cfg.HTTP.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.HTTP.Port)
	}
	if cfg.HTTP.ReadTimeout != 5*time.Second {
		t.Fatalf("expected 5s read timeout, got %s", cfg.HTTP.ReadTimeout)
	}
	if cfg.LogFormat != "json" {
		t.Fatalf("expected json log format, got %s", cfg.LogFormat)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	body := []byte("service_name: ledger\nenv: staging\nlog_level: DEBUG\nhttp:\n  port: 9000\n")
	if err := os.WriteFile(path, body, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path, "ignored")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ServiceName != "ledger" || cfg.Env != "staging" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected normalized log level, got %s", cfg.LogLevel)
	}
	if cfg.HTTP.Port != 9000 {
		t.Fatalf("expected port 9000, got %d", cfg.HTTP.Port)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("env: moon\nhttp:\n  port: -1\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path, "svc"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEnvHelpersPreferPrefixedKey(t *testing.T) {
	t.Setenv("CEX_REAPER_INTERVAL", "15s")
	t.Setenv("REAPER_INTERVAL", "1m")
	if got := EnvDuration("REAPER_INTERVAL", time.Second); got != 15*time.Second {
		t.Fatalf("expected 15s, got %s", got)
	}

	t.Setenv("KAFKA_BROKERS", " a:9092, ,b:9092 ")
	got := EnvCSV("KAFKA_BROKERS", nil)
	if len(got) != 2 || got[0] != "a:9092" || got[1] != "b:9092" {
		t.Fatalf("unexpected brokers %v", got)
	}

	t.Setenv("CEX_DB_PORT", "not-a-number")
	if got := EnvInt("DB_PORT", 5432); got != 5432 {
		t.Fatalf("expected default on parse failure, got %d", got)
	}
}

func TestDBConfigDSN(t *testing.T) {
	cfg := DBConfig{Host: "db", Port: 5432, Name: "trade4u", User: "app", Password: "p@ss", SSLMode: "disable", MaxConns: 10}
	want := "postgres://app:p%40ss@db:5432/trade4u?sslmode=disable&pool_max_conns=10"
	if got := cfg.DSN(); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected validation error: %v", err)
	}
}
