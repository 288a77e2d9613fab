// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/shopspring/decimal"
)

// Config holds all runtime settings. Every field has a default so the
// service boots with zero environment, falling back to the in-memory store.
type Config struct {
	Port string `env:"PORT" env-default:"8080"`

	DatabaseURL string `env:"DATABASE_URL" env-default:""`
	RedisURL    string `env:"REDIS_URL" env-default:""`
	NATSURL     string `env:"NATS_URL" env-default:""`

	CacheTTL time.Duration `env:"CACHE_TTL" env-default:"30s"`

	// PlatformFeeRate is a decimal fraction, e.g. "0.05" for five percent.
	PlatformFeeRate string `env:"PLATFORM_FEE_RATE" env-default:"0.05"`

	// DisputeTimeout is how long a trade session may sit with the seller
	// transferred but the buyer silent before it is flagged for review.
	DisputeTimeout time.Duration `env:"DISPUTE_TIMEOUT" env-default:"72h"`

	SettlementSweepInterval time.Duration `env:"SETTLEMENT_SWEEP_INTERVAL" env-default:"1m"`
	DisputeSweepInterval    time.Duration `env:"DISPUTE_SWEEP_INTERVAL" env-default:"10m"`
	ExpirySweepInterval     time.Duration `env:"EXPIRY_SWEEP_INTERVAL" env-default:"5m"`
	RankingInterval         time.Duration `env:"RANKING_INTERVAL" env-default:"15m"`
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, err
	}
	if _, err := decimal.NewFromString(cfg.PlatformFeeRate); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FeeRate parses the configured platform fee rate. Load has already
// validated the string, so this cannot fail after a successful Load.
func (c *Config) FeeRate() decimal.Decimal {
	rate, _ := decimal.NewFromString(c.PlatformFeeRate)
	return rate
}
