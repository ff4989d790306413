package config

import (
	"fmt"
	"os"
	"time"

	base "github.com/techcsc21/trade4u-sub030/libs/config"
	"github.com/techcsc21/trade4u-sub030/libs/kafka"
)

type KafkaConfig struct {
	Driver        string   `validate:"oneof=sarama kafka-go"`
	Brokers       []string `validate:"required,min=1,dive,required"`
	Notifications string   `validate:"required"`
	DeadLetter    string   `validate:"required"`
}

type RedisConfig struct {
	Addr     string `validate:"required"`
	Password string
	DB       int    `validate:"gte=0"`
	Prefix   string `validate:"required"`
}

type EscrowConfig struct {
	LockTTL           time.Duration `validate:"gt=0"`
	ResultTTL         time.Duration `validate:"gt=0"`
	AutoCompleteDelay time.Duration `validate:"gt=0"`
}

type ReaperConfig struct {
	Enabled            bool
	Interval           time.Duration `validate:"gt=0"`
	ReputationInterval time.Duration `validate:"gt=0"`
	BatchSize          int           `validate:"gt=0"`
	OfferInactivity    time.Duration `validate:"gt=0"`
	ReleaseGrace       time.Duration `validate:"gt=0"`
	MaxRetryBackoff    time.Duration `validate:"gt=0"`
}

type OutboxConfig struct {
	Interval    time.Duration `validate:"gt=0"`
	BatchSize   int           `validate:"gt=0"`
	Lease       time.Duration `validate:"gt=0"`
	BaseBackoff time.Duration `validate:"gt=0"`
	MaxBackoff  time.Duration `validate:"gtefield=BaseBackoff"`
}

type Config struct {
	App              base.AppConfig
	DB               base.DBConfig
	Kafka            KafkaConfig
	Redis            RedisConfig
	Escrow           EscrowConfig
	Reaper           ReaperConfig
	Outbox           OutboxConfig
	JWTSecret        string `validate:"required"`
	AutoApproveOffer bool
}

func Load() (*Config, error) {
	path := os.Getenv("CEX_CONFIG")
	appCfg, err := base.Load(path, "p2p")
	if err != nil {
		return nil, err
	}

	v, err := base.ServiceViper(path)
	if err != nil {
		return nil, err
	}

	v.SetDefault("kafka.driver", kafka.DriverSarama)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topics.p2p_notifications", kafka.TopicP2PNotifications)
	v.SetDefault("kafka.topics.dead_letter", kafka.TopicDeadLetter)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "trade4u:idem:")
	v.SetDefault("escrow.lock_ttl", "30s")
	v.SetDefault("escrow.result_ttl", "6h")
	v.SetDefault("escrow.auto_complete_delay", "1m")
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.interval", "1m")
	v.SetDefault("reaper.reputation_interval", "1h")
	v.SetDefault("reaper.batch_size", 100)
	v.SetDefault("reaper.offer_inactivity", "720h")
	v.SetDefault("reaper.release_grace", "10m")
	v.SetDefault("reaper.max_retry_backoff", "1h")
	v.SetDefault("outbox.interval", "1s")
	v.SetDefault("outbox.batch_size", 50)
	v.SetDefault("outbox.lease", "30s")
	v.SetDefault("outbox.base_backoff", "2s")
	v.SetDefault("outbox.max_backoff", "5m")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("auto_approve_offers", true)

	cfg := &Config{
		App: *appCfg,
		DB:  base.LoadDB(),
		Kafka: KafkaConfig{
			Driver:        base.EnvString("KAFKA_DRIVER", v.GetString("kafka.driver")),
			Brokers:       base.EnvCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			Notifications: base.EnvString("KAFKA_P2P_NOTIFICATIONS_TOPIC", v.GetString("kafka.topics.p2p_notifications")),
			DeadLetter:    base.EnvString("KAFKA_DLQ_TOPIC", v.GetString("kafka.topics.dead_letter")),
		},
		Redis: RedisConfig{
			Addr:     base.EnvString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: base.EnvString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       base.EnvInt("REDIS_DB", v.GetInt("redis.db")),
			Prefix:   base.EnvString("REDIS_PREFIX", v.GetString("redis.prefix")),
		},
		Escrow: EscrowConfig{
			LockTTL:           base.EnvDuration("ESCROW_LOCK_TTL", v.GetDuration("escrow.lock_ttl")),
			ResultTTL:         base.EnvDuration("ESCROW_RESULT_TTL", v.GetDuration("escrow.result_ttl")),
			AutoCompleteDelay: base.EnvDuration("ESCROW_AUTO_COMPLETE_DELAY", v.GetDuration("escrow.auto_complete_delay")),
		},
		Reaper: ReaperConfig{
			Enabled:            base.EnvBool("REAPER_ENABLED", v.GetBool("reaper.enabled")),
			Interval:           base.EnvDuration("REAPER_INTERVAL", v.GetDuration("reaper.interval")),
			ReputationInterval: base.EnvDuration("REAPER_REPUTATION_INTERVAL", v.GetDuration("reaper.reputation_interval")),
			BatchSize:          base.EnvInt("REAPER_BATCH_SIZE", v.GetInt("reaper.batch_size")),
			OfferInactivity:    base.EnvDuration("REAPER_OFFER_INACTIVITY", v.GetDuration("reaper.offer_inactivity")),
			ReleaseGrace:       base.EnvDuration("REAPER_RELEASE_GRACE", v.GetDuration("reaper.release_grace")),
			MaxRetryBackoff:    base.EnvDuration("REAPER_MAX_RETRY_BACKOFF", v.GetDuration("reaper.max_retry_backoff")),
		},
		Outbox: OutboxConfig{
			Interval:    base.EnvDuration("OUTBOX_INTERVAL", v.GetDuration("outbox.interval")),
			BatchSize:   base.EnvInt("OUTBOX_BATCH_SIZE", v.GetInt("outbox.batch_size")),
			Lease:       base.EnvDuration("OUTBOX_LEASE", v.GetDuration("outbox.lease")),
			BaseBackoff: base.EnvDuration("OUTBOX_BASE_BACKOFF", v.GetDuration("outbox.base_backoff")),
			MaxBackoff:  base.EnvDuration("OUTBOX_MAX_BACKOFF", v.GetDuration("outbox.max_backoff")),
		},
		JWTSecret:        base.EnvString("JWT_SECRET", v.GetString("jwt_secret")),
		AutoApproveOffer: base.EnvBool("AUTO_APPROVE_OFFERS", v.GetBool("auto_approve_offers")),
	}

	if err := base.Validate(&cfg.DB); err != nil {
		return nil, fmt.Errorf("db: %w", err)
	}
	if cfg.Escrow.LockTTL >= cfg.Escrow.ResultTTL {
		return nil, fmt.Errorf("escrow: lock ttl %s must be shorter than result ttl %s", cfg.Escrow.LockTTL, cfg.Escrow.ResultTTL)
	}
	if err := base.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
