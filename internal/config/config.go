// Package config loads Foreman configuration from file, environment, and
// flags through viper. Precedence is flags over environment over file over
// defaults.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/foremanlabs/foreman/internal/budget"
)

// Config is the full engine configuration.
type Config struct {
	// RepoRoot is the git repository the engine operates on.
	RepoRoot string `mapstructure:"repo_root"`

	// DataDir holds the run database, logs, and worktrees.
	DataDir string `mapstructure:"data_dir"`

	// IntegrationBranch is the branch sections fork from and merge into.
	IntegrationBranch string `mapstructure:"integration_branch"`

	// PoolSize is the worker parallelism ceiling.
	PoolSize int `mapstructure:"pool_size"`

	// AgentCommand is the argv of the agent process workers run.
	AgentCommand []string `mapstructure:"agent_command"`

	// SectionTimeout bounds one attempt at one section.
	SectionTimeout time.Duration `mapstructure:"section_timeout"`

	// GatePipeline is the path to the gate pipeline YAML. Empty uses the
	// built-in Go defaults.
	GatePipeline string `mapstructure:"gate_pipeline"`

	// BuildVerification toggles the gate pipeline. When false, finished
	// sections integrate without verification.
	BuildVerification bool `mapstructure:"build_verification"`

	// DefaultMaxRetries applies to sections that do not set their own.
	DefaultMaxRetries int `mapstructure:"default_max_retries"`

	// Limits are the budget ceilings.
	Limits budget.Limits `mapstructure:"limits"`

	// LogLevel is DEBUG, INFO, WARN, or ERROR.
	LogLevel string `mapstructure:"log_level"`
}

// RunDBPath returns the SQLite database location.
func (c *Config) RunDBPath() string { return filepath.Join(c.DataDir, "runs.db") }

// WorktreeDir returns where section worktrees are created.
func (c *Config) WorktreeDir() string { return filepath.Join(c.DataDir, "worktrees") }

// LogDir returns where debug logs are written.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

// SetDefaults registers defaults on a viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("repo_root", ".")
	v.SetDefault("data_dir", ".foreman")
	v.SetDefault("integration_branch", "foreman-integration")
	v.SetDefault("pool_size", 3)
	v.SetDefault("agent_command", []string{})
	v.SetDefault("section_timeout", 30*time.Minute)
	v.SetDefault("gate_pipeline", "")
	v.SetDefault("build_verification", true)
	v.SetDefault("default_max_retries", 2)
	v.SetDefault("log_level", "INFO")

	v.SetDefault("limits.max_cost_per_subtask", 0.0)
	v.SetDefault("limits.max_cost_per_section", 0.0)
	v.SetDefault("limits.max_total_cost", 0.0)
	v.SetDefault("limits.max_turns_per_subtask", 0)
	v.SetDefault("limits.stop_on_limit_exceeded", true)
}

// Load reads configuration. cfgFile may be empty; the working directory and
// $HOME/.config/foreman are searched for foreman.yaml. Environment variables
// use the FOREMAN_ prefix with underscores (FOREMAN_POOL_SIZE).
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("foreman")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/foreman")
	}

	v.SetEnvPrefix("FOREMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.PoolSize < 1 {
		return fmt.Errorf("pool_size must be at least 1, got %d", c.PoolSize)
	}
	if c.DefaultMaxRetries < 0 {
		return fmt.Errorf("default_max_retries must not be negative, got %d", c.DefaultMaxRetries)
	}
	if c.SectionTimeout < 0 {
		return fmt.Errorf("section_timeout must not be negative, got %s", c.SectionTimeout)
	}
	if c.Limits.MaxTotalCost < 0 || c.Limits.MaxCostPerSection < 0 || c.Limits.MaxCostPerSubtask < 0 {
		return fmt.Errorf("budget ceilings must not be negative")
	}
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	return nil
}
