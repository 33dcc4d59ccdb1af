package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("Database.Driver = %q, want sqlite", cfg.Database.Driver)
	}
	if cfg.Attack.MaxTurns != 5 || cfg.Attack.BatchSize != 10 {
		t.Errorf("unexpected attack defaults: %+v", cfg.Attack)
	}
	if cfg.Target.MaxAttempts != 5 || cfg.Target.BackoffMultiplier != 2.0 {
		t.Errorf("unexpected target defaults: %+v", cfg.Target)
	}
	if cfg.Redis.Enabled() {
		t.Error("redis should be disabled by default")
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
database:
  driver: postgres
  host: db.internal
attack:
  maxTurns: 7
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEXT_REDTEAM_ATTACK_MAXBACKTRACKS", "9")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Database.Driver != "postgres" || cfg.Database.Host != "db.internal" {
		t.Errorf("database not loaded from file: %+v", cfg.Database)
	}
	if cfg.Attack.MaxTurns != 7 {
		t.Errorf("MaxTurns = %d, want 7", cfg.Attack.MaxTurns)
	}
	if cfg.Attack.MaxBacktracks != 9 {
		t.Errorf("MaxBacktracks = %d, want 9 from env", cfg.Attack.MaxBacktracks)
	}
	if !strings.Contains(cfg.Database.GetDSN(), "host=db.internal") {
		t.Errorf("GetDSN() = %q", cfg.Database.GetDSN())
	}
}

func TestConfig_Validate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Database: DatabaseConfig{Driver: "sqlite"},
			Storage:  StorageConfig{Type: "local"},
			Attack:   AttackConfig{BatchSize: 1, MaxTurns: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, true},
		{"bad storage", func(c *Config) { c.Storage.Type = "cos" }, true},
		{"zero batch", func(c *Config) { c.Attack.BatchSize = 0 }, true},
		{"zero turns", func(c *Config) { c.Attack.MaxTurns = 0 }, true},
		{"negative backtracks", func(c *Config) { c.Attack.MaxBacktracks = -1 }, true},
		{"negative rpm", func(c *Config) { c.Target.RequestsPerMinute = -5 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			if err := c.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
