package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ChuLiYu/flowtime-anneal/internal/anneal"
	"github.com/ChuLiYu/flowtime-anneal/internal/controller"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when --config is not given.
const DefaultConfigPath = "configs/default.yaml"

// Config represents the complete configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Search  SearchConfig    `yaml:"search"`
	Anneal  anneal.Settings `yaml:"anneal"`
	Metrics MetricsConfig   `yaml:"metrics"`
	Output  OutputConfig    `yaml:"output"`
	Log     LogConfig       `yaml:"log"`
}

// SearchConfig configures the orchestrator
type SearchConfig struct {
	Workers           int           `yaml:"workers"`
	RoundPatience     int           `yaml:"round_patience"`
	RoundTimeout      time.Duration `yaml:"round_timeout"`
	MaxRounds         int           `yaml:"max_rounds"`
	DropFailedWorkers bool          `yaml:"drop_failed_workers"`
	Seed              int64         `yaml:"seed"`
	PinCPU            bool          `yaml:"pin_cpu"`
	Remote            []string      `yaml:"remote"` // search-worker addresses, empty = local engines
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

type OutputConfig struct {
	ResultPath  string `yaml:"result_path"`
	KeepBackups int    `yaml:"keep_backups"`
	JournalPath string `yaml:"journal_path"` // improvement history, empty = disabled
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the built-in defaults
func DefaultConfig() *Config {
	ctrl := controller.DefaultConfig()
	return &Config{
		Search: SearchConfig{
			Workers:       ctrl.WorkerCount,
			RoundPatience: ctrl.RoundPatience,
		},
		Anneal:  anneal.DefaultSettings(),
		Metrics: MetricsConfig{Port: 9090},
		Log:     LogConfig{Level: "info"},
	}
}

// Validate checks every section
func (c *Config) Validate() error {
	if _, err := c.Anneal.Config(); err != nil {
		return fmt.Errorf("anneal: %w", err)
	}
	if err := c.controllerConfig().Validate(); err != nil {
		return fmt.Errorf("search: %w", err)
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return fmt.Errorf("metrics: invalid port %d", c.Metrics.Port)
	}
	if c.Output.KeepBackups < 0 {
		return fmt.Errorf("output: keep_backups must be >= 0 (got %d)", c.Output.KeepBackups)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// controllerConfig maps the search section onto controller.Config
func (c *Config) controllerConfig() controller.Config {
	return controller.Config{
		WorkerCount:       c.Search.Workers,
		RoundPatience:     c.Search.RoundPatience,
		RoundTimeout:      c.Search.RoundTimeout,
		MaxRounds:         c.Search.MaxRounds,
		DropFailedWorkers: c.Search.DropFailedWorkers,
		Seed:              c.Search.Seed,
		PinCPU:            c.Search.PinCPU,
	}
}

// loadConfig reads a YAML file over the defaults. A missing file at the
// default path is not an error: the built-in defaults are used instead.
func loadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// newLogger builds the text logger used by every command
func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}
