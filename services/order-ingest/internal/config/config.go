package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	base "github.com/techcsc21/trade4u-sub030/libs/config"
	"github.com/techcsc21/trade4u-sub030/libs/kafka"
)

type KafkaConfig struct {
	Driver        string   `validate:"oneof=sarama kafka-go"`
	Brokers       []string `validate:"required,min=1,dive,required"`
	OrdersCreated string   `validate:"required"`
	DeadLetter    string   `validate:"required"`
}

type OrderBookConfig struct {
	Depth            int           `validate:"gt=0"`
	Timeout          time.Duration `validate:"gt=0"`
	FailureThreshold int           `validate:"gt=0"`
	Cooldown         time.Duration `validate:"gt=0"`
}

type Config struct {
	App                   base.AppConfig
	DB                    base.DBConfig
	Kafka                 KafkaConfig
	OrderBook             OrderBookConfig
	JWTSecret             string        `validate:"required"`
	WalletType            string        `validate:"oneof=SPOT FUNDING"`
	MarketRefreshInterval time.Duration `validate:"gt=0"`
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path, "order-ingest")
	if err != nil {
		return nil, err
	}

	v, err := base.ServiceViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("kafka.driver", kafka.DriverSarama)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.orders_created", kafka.TopicOrdersCreated)
	v.SetDefault("kafka.topics.dead_letter", kafka.TopicDeadLetter)
	v.SetDefault("orderbook.depth", 50)
	v.SetDefault("orderbook.timeout", "2s")
	v.SetDefault("orderbook.failure_threshold", 5)
	v.SetDefault("orderbook.cooldown", "10s")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("wallet_type", "SPOT")
	v.SetDefault("market_refresh_interval", "1m")

	cfg := &Config{
		App: *appCfg,
		DB:  base.LoadDB(),
		Kafka: KafkaConfig{
			Driver:        base.EnvString("KAFKA_DRIVER", v.GetString("kafka.driver")),
			Brokers:       base.EnvCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			OrdersCreated: base.EnvString("KAFKA_ORDERS_CREATED_TOPIC", v.GetString("kafka.topics.orders_created")),
			DeadLetter:    base.EnvString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
		},
		OrderBook: OrderBookConfig{
			Depth:            base.EnvInt("ORDERBOOK_DEPTH", v.GetInt("orderbook.depth")),
			Timeout:          base.EnvDuration("ORDERBOOK_TIMEOUT", v.GetDuration("orderbook.timeout")),
			FailureThreshold: base.EnvInt("ORDERBOOK_FAILURE_THRESHOLD", v.GetInt("orderbook.failure_threshold")),
			Cooldown:         base.EnvDuration("ORDERBOOK_COOLDOWN", v.GetDuration("orderbook.cooldown")),
		},
		JWTSecret:             base.EnvString("JWT_SECRET", v.GetString("jwt_secret")),
		WalletType:            strings.ToUpper(base.EnvString("WALLET_TYPE", v.GetString("wallet_type"))),
		MarketRefreshInterval: base.EnvDuration("MARKET_REFRESH_INTERVAL", v.GetDuration("market_refresh_interval")),
	}

	if err := base.Validate(&cfg.DB); err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if err := base.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
