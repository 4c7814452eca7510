// Package config loads server configuration from an optional YAML file
// and OBLIGATIONS_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Log       LogConfig       `mapstructure:"log"`
	Currency  string          `mapstructure:"currency"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig enables the distributed lock. Without it, locks are
// in-process and only safe for a single instance.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SchedulerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	SweepSpec    string        `mapstructure:"sweep_spec"`
	BudgetSpec   string        `mapstructure:"budget_spec"`
	ReminderSpec string        `mapstructure:"reminder_spec"`
	Location     string        `mapstructure:"location"`
	Workers      int           `mapstructure:"workers"`
	JobTimeout   time.Duration `mapstructure:"job_timeout"`
	LockTTL      time.Duration `mapstructure:"lock_ttl"` // at least JobTimeout
}

type LedgerConfig struct {
	Mode            string        `mapstructure:"mode"` // memory, http
	BaseURL         string        `mapstructure:"base_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)

	v.SetDefault("database.path", "./data/obligations.db")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.sweep_spec", "@every 5m")
	v.SetDefault("scheduler.budget_spec", "5 0 1 * *")
	v.SetDefault("scheduler.reminder_spec", "0 8 * * *")
	v.SetDefault("scheduler.location", "UTC")
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.job_timeout", 10*time.Minute)
	v.SetDefault("scheduler.lock_ttl", 15*time.Minute)

	v.SetDefault("ledger.mode", "memory")
	v.SetDefault("ledger.base_url", "")
	v.SetDefault("ledger.timeout", 10*time.Second)
	v.SetDefault("ledger.breaker_failures", 5)
	v.SetDefault("ledger.breaker_cooldown", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("currency", "EUR")
}

// Load reads path (if non-empty), applies environment overrides such as
// OBLIGATIONS_SERVER_PORT and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("OBLIGATIONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	switch c.Ledger.Mode {
	case "memory":
	case "http":
		if c.Ledger.BaseURL == "" {
			errs = append(errs, errors.New("ledger.base_url is required in http mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("ledger.mode must be memory or http, got %q", c.Ledger.Mode))
	}
	if c.Scheduler.Location == "" || c.Scheduler.Location == "Local" {
		errs = append(errs, fmt.Errorf("scheduler.location must name an IANA zone, got %q", c.Scheduler.Location))
	} else if _, err := time.LoadLocation(c.Scheduler.Location); err != nil {
		errs = append(errs, fmt.Errorf("scheduler.location: %w", err))
	}
	// The lease must cover a whole job.
	if c.Scheduler.LockTTL < c.Scheduler.JobTimeout {
		errs = append(errs, fmt.Errorf("scheduler.lock_ttl %s is shorter than scheduler.job_timeout %s",
			c.Scheduler.LockTTL, c.Scheduler.JobTimeout))
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required when redis is enabled"))
	}
	return errors.Join(errs...)
}

// Location returns the scheduler's time zone. Validate has already
// checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Scheduler.Location)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewLogger builds the process logger: production settings for json,
// development settings otherwise.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}

	var zc zap.Config
	if c.Format == "json" {
		zc = zap.NewProductionConfig()
	} else {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
