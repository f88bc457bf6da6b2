// Package config loads process configuration from an optional YAML file
// with environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/econgames/odyssey-engine/internal/correlation"
	"github.com/econgames/odyssey-engine/internal/game"
	"github.com/econgames/odyssey-engine/internal/macro"
)

// Storage backends.
const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
	StorageSQLite   = "sqlite"
)

var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Log struct {
		Level string `yaml:"level"`
		File  string `yaml:"file"`
	} `yaml:"log"`
	Storage struct {
		Backend     string        `yaml:"backend"`
		DatabaseURL string        `yaml:"database_url"`
		RedisURL    string        `yaml:"redis_url"`
		RedisTTL    time.Duration `yaml:"redis_ttl"`
		SQLitePath  string        `yaml:"sqlite_path"`
	} `yaml:"storage"`
	Game struct {
		MaxRounds       int     `yaml:"max_rounds"`
		InitialStake    float64 `yaml:"initial_stake"`
		Seed            int64   `yaml:"seed"` // 0 seeds from the clock
		CashPolicy      string  `yaml:"cash_policy"`
		CorrelationMode string  `yaml:"correlation_mode"`
		AutoAdvance     string  `yaml:"auto_advance"` // default cron spec for scheduled sessions
	} `yaml:"game"`
}

// Load reads config from a YAML file, then applies environment variable
// overrides and defaults. A missing file is not an error; an empty path
// skips the file entirely.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Log.File, "LOG_FILE")
	setString(&c.Storage.Backend, "ODYSSEY_STORAGE")
	setString(&c.Storage.DatabaseURL, "DATABASE_URL")
	setString(&c.Storage.RedisURL, "REDIS_URL")
	setString(&c.Storage.SQLitePath, "ODYSSEY_SQLITE_PATH")
	setString(&c.Game.CashPolicy, "ODYSSEY_CASH_POLICY")
	setString(&c.Game.CorrelationMode, "ODYSSEY_CORRELATION_MODE")
	setString(&c.Game.AutoAdvance, "ODYSSEY_AUTO_ADVANCE")

	if v := os.Getenv("REDIS_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: REDIS_TTL %q: %v", ErrInvalid, v, err)
		}
		c.Storage.RedisTTL = ttl
	}
	if v := os.Getenv("ODYSSEY_MAX_ROUNDS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: ODYSSEY_MAX_ROUNDS %q", ErrInvalid, v)
		}
		c.Game.MaxRounds = n
	}
	if v := os.Getenv("ODYSSEY_INITIAL_STAKE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("%w: ODYSSEY_INITIAL_STAKE %q", ErrInvalid, v)
		}
		c.Game.InitialStake = f
	}
	if v := os.Getenv("ODYSSEY_SEED"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("%w: ODYSSEY_SEED %q", ErrInvalid, v)
		}
		c.Game.Seed = n
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Storage.Backend == "" {
		// DATABASE_URL alone selects postgres.
		if c.Storage.DatabaseURL != "" {
			c.Storage.Backend = StoragePostgres
		} else {
			c.Storage.Backend = StorageMemory
		}
	}
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	if c.Storage.RedisTTL == 0 {
		c.Storage.RedisTTL = 30 * time.Second
	}
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "data/odyssey.db"
	}
	if c.Game.MaxRounds == 0 {
		c.Game.MaxRounds = game.DefaultMaxRounds
	}
	if c.Game.InitialStake == 0 {
		c.Game.InitialStake = game.DefaultInitialStake.InexactFloat64()
	}
	if c.Game.CashPolicy == "" {
		c.Game.CashPolicy = macro.DefaultGrowingBase.Name()
	}
	if c.Game.CorrelationMode == "" {
		c.Game.CorrelationMode = string(correlation.RowWeighted)
	}
	if c.Game.AutoAdvance == "" {
		c.Game.AutoAdvance = "@every 1m"
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.Game.MaxRounds < 1 {
		return fmt.Errorf("%w: game.max_rounds must be at least 1", ErrInvalid)
	}
	if c.Game.InitialStake <= 0 {
		return fmt.Errorf("%w: game.initial_stake must be positive", ErrInvalid)
	}
	switch c.Storage.Backend {
	case StorageMemory, StorageSQLite:
	case StoragePostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("%w: storage.database_url is required for postgres", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown storage backend %q", ErrInvalid, c.Storage.Backend)
	}
	if _, err := macro.PolicyByName(c.Game.CashPolicy); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := correlation.ParseMode(c.Game.CorrelationMode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

// GameConfig converts the game section into an engine configuration.
// Call Validate first.
func (c *Config) GameConfig() (game.Config, error) {
	policy, err := macro.PolicyByName(c.Game.CashPolicy)
	if err != nil {
		return game.Config{}, err
	}
	mode, err := correlation.ParseMode(c.Game.CorrelationMode)
	if err != nil {
		return game.Config{}, err
	}
	return game.Config{
		MaxRounds:    c.Game.MaxRounds,
		InitialStake: decimal.NewFromFloat(c.Game.InitialStake).Round(2),
		Mode:         mode,
		Policy:       policy,
	}, nil
}
