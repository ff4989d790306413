package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DBConfig is the Postgres block shared by every service.
type DBConfig struct {
	Host     string `validate:"required"`
	Port     int    `validate:"gt=0,lt=65536"`
	Name     string `validate:"required"`
	User     string `validate:"required"`
	Password string
	SSLMode  string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int32  `validate:"gte=0"`
}

func (c DBConfig) DSN() string {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(c.User), url.QueryEscape(c.Password), c.Host, c.Port, c.Name, c.SSLMode)
	if c.MaxConns > 0 {
		dsn += fmt.Sprintf("&pool_max_conns=%d", c.MaxConns)
	}
	return dsn
}

// LoadDB reads DB_* (or POSTGRES_*) variables, each optionally CEX_ prefixed.
func LoadDB() DBConfig {
	return DBConfig{
		Host:     EnvString("DB_HOST", EnvString("POSTGRES_HOST", "localhost")),
		Port:     EnvInt("DB_PORT", EnvInt("POSTGRES_PORT", 5432)),
		Name:     EnvString("DB_NAME", EnvString("POSTGRES_DB", "trade4u")),
		User:     EnvString("DB_USER", EnvString("POSTGRES_USER", "trade4u")),
		Password: EnvString("DB_PASSWORD", EnvString("POSTGRES_PASSWORD", "trade4u")),
		SSLMode:  EnvString("DB_SSLMODE", EnvString("POSTGRES_SSLMODE", "disable")),
		MaxConns: int32(EnvInt("DB_MAX_CONNS", 0)),
	}
}

// ServiceViper returns a viper instance over the same file as Load, for
// service-specific keys.
func ServiceViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix("CEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = "config.yaml"
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !isMissingFile(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func lookup(key string) (string, bool) {
	if v := os.Getenv("CEX_" + key); v != "" {
		return v, true
	}
	if v := os.Getenv(key); v != "" {
		return v, true
	}
	return "", false
}

func EnvString(key, def string) string {
	if v, ok := lookup(key); ok {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	if v, ok := lookup(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func EnvBool(key string, def bool) bool {
	if v, ok := lookup(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func EnvDuration(key string, def time.Duration) time.Duration {
	if v, ok := lookup(key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func EnvCSV(key string, def []string) []string {
	v, ok := lookup(key)
	if !ok {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
