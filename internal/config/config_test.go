package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolSize != 3 {
		t.Errorf("PoolSize = %d, want 3", cfg.PoolSize)
	}
	if cfg.SectionTimeout != 30*time.Minute {
		t.Errorf("SectionTimeout = %s, want 30m", cfg.SectionTimeout)
	}
	if !cfg.Limits.StopOnLimitExceeded {
		t.Error("StopOnLimitExceeded should default to true")
	}
	if cfg.DefaultMaxRetries != 2 {
		t.Errorf("DefaultMaxRetries = %d, want 2", cfg.DefaultMaxRetries)
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "foreman.yaml")
	content := `
pool_size: 5
log_level: DEBUG
limits:
  max_total_cost: 25.5
  stop_on_limit_exceeded: false
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.PoolSize != 5 {
		t.Errorf("PoolSize = %d, want 5", cfg.PoolSize)
	}
	if cfg.Limits.MaxTotalCost != 25.5 {
		t.Errorf("MaxTotalCost = %v, want 25.5", cfg.Limits.MaxTotalCost)
	}
	if cfg.Limits.StopOnLimitExceeded {
		t.Error("StopOnLimitExceeded should be false")
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{PoolSize: 1, LogLevel: "INFO"}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "zero pool", mutate: func(c *Config) { c.PoolSize = 0 }, wantErr: true},
		{name: "negative retries", mutate: func(c *Config) { c.DefaultMaxRetries = -1 }, wantErr: true},
		{name: "negative budget", mutate: func(c *Config) { c.Limits.MaxTotalCost = -1 }, wantErr: true},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
		{name: "lowercase log level ok", mutate: func(c *Config) { c.LogLevel = "debug" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
