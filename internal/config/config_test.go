package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/econgames/odyssey-engine/internal/correlation"
)

// clearEnv blanks every variable Load reads so the host environment
// cannot leak into a test.
func clearEnv(t *testing.T) {
	for _, k := range []string{
		"PORT", "LOG_LEVEL", "LOG_FILE", "DATABASE_URL", "REDIS_URL", "REDIS_TTL",
		"ODYSSEY_STORAGE", "ODYSSEY_SQLITE_PATH", "ODYSSEY_MAX_ROUNDS",
		"ODYSSEY_INITIAL_STAKE", "ODYSSEY_SEED", "ODYSSEY_CASH_POLICY",
		"ODYSSEY_CORRELATION_MODE", "ODYSSEY_AUTO_ADVANCE",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
	if cfg.Server.Port != "8080" || cfg.Storage.Backend != StorageMemory {
		t.Errorf("unexpected defaults: port %s, storage %s", cfg.Server.Port, cfg.Storage.Backend)
	}
	if cfg.Game.MaxRounds != 20 || cfg.Game.InitialStake != 10000 {
		t.Errorf("unexpected game defaults: %+v", cfg.Game)
	}
	if cfg.Storage.RedisTTL != 30*time.Second {
		t.Errorf("unexpected redis ttl %s", cfg.Storage.RedisTTL)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "odyssey.yaml")
	yaml := `
server:
  port: "9090"
storage:
  backend: SQLite
  sqlite_path: /tmp/o.db
  redis_ttl: 2m
game:
  max_rounds: 10
  initial_stake: 5000
  cash_policy: fixed
  correlation_mode: cholesky
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("ODYSSEY_MAX_ROUNDS", "12")
	t.Setenv("ODYSSEY_SEED", "7")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Port != "9090" || cfg.Storage.Backend != StorageSQLite {
		t.Errorf("file values lost: %+v", cfg)
	}
	if cfg.Storage.RedisTTL != 2*time.Minute {
		t.Errorf("expected 2m ttl, got %s", cfg.Storage.RedisTTL)
	}
	if cfg.Game.MaxRounds != 12 || cfg.Game.Seed != 7 {
		t.Errorf("env did not override: %+v", cfg.Game)
	}

	gc, err := cfg.GameConfig()
	if err != nil {
		t.Fatalf("GameConfig: %v", err)
	}
	if gc.Mode != correlation.Cholesky || gc.Policy.Name() != "fixed" || gc.MaxRounds != 12 {
		t.Errorf("unexpected game config: %+v", gc)
	}
	if gc.InitialStake.String() != "5000" {
		t.Errorf("expected stake 5000, got %s", gc.InitialStake)
	}
}

func TestLoad_DatabaseURLSelectsPostgres(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/odyssey")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Storage.Backend != StoragePostgres {
		t.Errorf("expected postgres, got %s", cfg.Storage.Backend)
	}
}

func TestLoad_BadEnv(t *testing.T) {
	for _, k := range []string{"ODYSSEY_MAX_ROUNDS", "ODYSSEY_INITIAL_STAKE", "ODYSSEY_SEED", "REDIS_TTL"} {
		t.Run(k, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(k, "lots")
			if _, err := Load(""); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative rounds", func(c *Config) { c.Game.MaxRounds = -1 }},
		{"negative stake", func(c *Config) { c.Game.InitialStake = -1 }},
		{"unknown storage", func(c *Config) { c.Storage.Backend = "etcd" }},
		{"postgres without url", func(c *Config) { c.Storage.Backend = StoragePostgres }},
		{"unknown policy", func(c *Config) { c.Game.CashPolicy = "helicopter" }},
		{"unknown mode", func(c *Config) { c.Game.CorrelationMode = "pca" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			cfg, err := Load("")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}
}
