package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config holds all runtime configuration, populated from the environment.
type Config struct {
	Addr     string `env:"ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Unique per process; used for relay source tagging and lease ownership.
	InstanceID string `env:"INSTANCE_ID"`

	DBPath string `env:"DB_PATH" envDefault:"stockduel.db"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`

	SigningSecret         string `env:"SIGNING_SECRET,required"`
	PreviousSigningSecret string `env:"PREVIOUS_SIGNING_SECRET"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	// Directory containing one <SYMBOL>.csv candle series per symbol.
	CandleDataRoot string `env:"CANDLE_DATA_ROOT" envDefault:"data"`

	// Requests per second per user, by bucket.
	RateGeneral float64 `env:"RATE_GENERAL" envDefault:"20"`
	RateTrade   float64 `env:"RATE_TRADE" envDefault:"5"`
	RateCreate  float64 `env:"RATE_CREATE" envDefault:"1"`

	TickInterval   time.Duration `env:"TICK_INTERVAL" envDefault:"5s"`
	LeaseTTL       time.Duration `env:"LEASE_TTL" envDefault:"60s"`
	ReconnectGrace time.Duration `env:"RECONNECT_GRACE" envDefault:"15s"`
	TicketTTL      time.Duration `env:"TICKET_TTL" envDefault:"120s"`

	// Upper bound on concurrently running match schedulers on this instance.
	SchedulerPoolSize int `env:"SCHEDULER_POOL_SIZE" envDefault:"256"`

	// Parameters for matchmaker-created matches. Balance is in whole
	// currency units, like the create endpoint.
	MatchmadeDuration time.Duration `env:"MATCHMADE_DURATION" envDefault:"5m"`
	MatchmadeBalance  int64         `env:"MATCHMADE_BALANCE" envDefault:"100000"`
}

// Load reads .env if present, then parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.InstanceID == "" {
		host, _ := os.Hostname()
		cfg.InstanceID = host + "-" + uuid.NewString()[:8]
	}

	if cfg.TickInterval <= 0 {
		return nil, fmt.Errorf("TICK_INTERVAL must be positive")
	}
	if cfg.LeaseTTL < cfg.TickInterval {
		return nil, fmt.Errorf("LEASE_TTL must be at least one tick interval")
	}

	return cfg, nil
}
