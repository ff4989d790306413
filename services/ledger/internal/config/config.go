package config

import (
	"fmt"
	"os"

	base "github.com/techcsc21/trade4u-sub030/libs/config"
)

type Config struct {
	App       base.AppConfig
	DB        base.DBConfig
	JWTSecret string `validate:"required"`
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path, "ledger")
	if err != nil {
		return nil, err
	}

	v, err := base.ServiceViper(path)
	if err != nil {
		return nil, err
	}
	v.SetDefault("jwt_secret", "")

	cfg := &Config{
		App:       *appCfg,
		DB:        base.LoadDB(),
		JWTSecret: base.EnvString("JWT_SECRET", v.GetString("jwt_secret")),
	}

	if err := base.Validate(&cfg.DB); err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := base.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
