package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MARKET_"

type Config struct {
	HTTPAddr string `yaml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr string `yaml:"grpc_addr" env:"GRPC_ADDR"`

	Database Database `yaml:"database" envPrefix:"DB_"`
	// RedisAddr enables purchase de-duplication. Empty disables it.
	RedisAddr string `yaml:"redis_addr" env:"REDIS_ADDR"`

	JWTSecret    string `yaml:"jwt_secret" env:"JWT_SECRET"`
	OTelEndpoint string `yaml:"otel_endpoint" env:"OTEL_ENDPOINT"`

	Billing Billing `yaml:"billing" envPrefix:"BILLING_"`
	Market  Market  `yaml:"market"`
}

type Database struct {
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

type Billing struct {
	TickInterval time.Duration `yaml:"tick_interval" env:"TICK_INTERVAL"`
	GracePeriod  time.Duration `yaml:"grace_period" env:"GRACE_PERIOD"`
	RentInterval time.Duration `yaml:"rent_interval" env:"RENT_INTERVAL"`
	WarmUp       time.Duration `yaml:"warm_up" env:"WARM_UP"`
	StopTimeout  time.Duration `yaml:"stop_timeout" env:"STOP_TIMEOUT"`
}

type Market struct {
	ClaimTimeout time.Duration `yaml:"claim_timeout" env:"CLAIM_TIMEOUT"`
	// MaxPrice caps listing prices. Zero disables the cap.
	MaxPrice int64 `yaml:"max_price" env:"MAX_PRICE"`
}

func Default() Config {
	return Config{
		HTTPAddr: ":8080",
		GRPCAddr: ":50051",
		Database: Database{
			Driver:          "mysql",
			DSN:             "root:root@tcp(localhost:3306)/market",
			MaxOpenConns:    50,
			MaxIdleConns:    25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		RedisAddr: "localhost:6379",
		Billing: Billing{
			TickInterval: time.Hour,
			GracePeriod:  time.Hour,
			RentInterval: 24 * time.Hour,
			WarmUp:       30 * time.Second,
			StopTimeout:  10 * time.Second,
		},
		Market: Market{
			ClaimTimeout: 60 * time.Second,
		},
	}
}

// Load layers the YAML file at path (optional) and MARKET_* environment
// variables over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if c.Database.Driver != "mysql" && c.Database.Driver != "sqlite" {
		errs = append(errs, fmt.Errorf("database.driver %q: want mysql or sqlite", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"billing.tick_interval", c.Billing.TickInterval},
		{"billing.grace_period", c.Billing.GracePeriod},
		{"billing.rent_interval", c.Billing.RentInterval},
		{"billing.stop_timeout", c.Billing.StopTimeout},
		{"market.claim_timeout", c.Market.ClaimTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.name, d.d))
		}
	}
	if c.Billing.WarmUp < 0 {
		errs = append(errs, fmt.Errorf("billing.warm_up must not be negative, got %s", c.Billing.WarmUp))
	}
	if c.Market.MaxPrice < 0 {
		errs = append(errs, fmt.Errorf("market.max_price must not be negative, got %d", c.Market.MaxPrice))
	}
	return errors.Join(errs...)
}
