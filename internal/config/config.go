// Package config loads the server configuration from the environment.
// Every variable is prefixed with DUEL_; a .env file in the working
// directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"tokenduel/internal/match"
)

const Prefix = "DUEL_"

type Config struct {
	ServiceName string `env:"SERVICE_NAME" envDefault:"tokenduel"`
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	// ServicePort is the port announced to Consul.
	ServicePort    int      `env:"SERVICE_PORT" envDefault:"8080"`
	WebsocketPath  string   `env:"WS_PATH" envDefault:"/ws"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// Empty DatabaseURL selects the in-memory ledger.
	DatabaseURL     string `env:"DATABASE_URL"`
	StartingBalance int64  `env:"STARTING_BALANCE" envDefault:"1000"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB" envDefault:"0"`
	RedisPrefix   string        `env:"REDIS_PREFIX" envDefault:"tokenduel:session:"`
	RedisTTL      time.Duration `env:"REDIS_TTL" envDefault:"24h"`

	NATSURL     string `env:"NATS_URL"`
	NATSSubject string `env:"NATS_SUBJECT_PREFIX" envDefault:"tokenduel"`

	ConsulAddr string `env:"CONSUL_ADDR"`

	WaitTimeout      time.Duration `env:"WAIT_TIMEOUT" envDefault:"5m"`
	RoundTimeout     time.Duration `env:"ROUND_TIMEOUT" envDefault:"30s"`
	ReconnectGrace   time.Duration `env:"RECONNECT_GRACE" envDefault:"20s"`
	SweepInterval    time.Duration `env:"SWEEP_INTERVAL" envDefault:"1s"`
	MaxRounds        int           `env:"MAX_ROUNDS" envDefault:"9"`
	DisconnectPolicy string        `env:"DISCONNECT_POLICY" envDefault:"forfeit"`
	EventBuffer      int           `env:"EVENT_BUFFER" envDefault:"256"`

	SettleAttempts  int           `env:"SETTLE_ATTEMPTS" envDefault:"5"`
	SettleBackoff   time.Duration `env:"SETTLE_BACKOFF" envDefault:"2s"`
	SettleRetention time.Duration `env:"SETTLE_RETENTION" envDefault:"1h"`
}

// Load reads .env (non-fatal if missing) and parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return Parse(env.Options{Prefix: Prefix})
}

// Parse parses with explicit options; tests pass Environment directly.
func Parse(opts env.Options) (*Config, error) {
	if opts.Prefix == "" {
		opts.Prefix = Prefix
	}
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"WAIT_TIMEOUT":    c.WaitTimeout,
		"ROUND_TIMEOUT":   c.RoundTimeout,
		"RECONNECT_GRACE": c.ReconnectGrace,
		"SWEEP_INTERVAL":  c.SweepInterval,
		"SETTLE_BACKOFF":  c.SettleBackoff,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s%s must be positive, got %s", Prefix, name, d))
		}
	}
	if c.MaxRounds < 0 {
		errs = append(errs, fmt.Errorf("%sMAX_ROUNDS must not be negative", Prefix))
	}
	if c.SettleAttempts < 1 {
		errs = append(errs, fmt.Errorf("%sSETTLE_ATTEMPTS must be at least 1", Prefix))
	}
	if c.StartingBalance < 0 {
		errs = append(errs, fmt.Errorf("%sSTARTING_BALANCE must not be negative", Prefix))
	}
	switch match.DisconnectPolicy(c.DisconnectPolicy) {
	case match.PolicyForfeit, match.PolicyVoid:
	default:
		errs = append(errs, fmt.Errorf("%sDISCONNECT_POLICY must be forfeit or void, got %q", Prefix, c.DisconnectPolicy))
	}
	return errors.Join(errs...)
}

// Lifecycle returns the match timing settings.
func (c *Config) Lifecycle() match.Config {
	return match.Config{
		WaitTimeout:      c.WaitTimeout,
		RoundTimeout:     c.RoundTimeout,
		ReconnectGrace:   c.ReconnectGrace,
		SweepInterval:    c.SweepInterval,
		MaxRounds:        c.MaxRounds,
		DisconnectPolicy: match.DisconnectPolicy(c.DisconnectPolicy),
	}
}
