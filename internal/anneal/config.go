package anneal

import (
	"fmt"
	"log/slog"

	"github.com/ChuLiYu/flowtime-anneal/internal/cooling"
)

// MinTemperature is the lowest temperature at which a worsening move can
// still be accepted. Below it every worsening move is rejected.
const MinTemperature = 1e-12

// Config holds the parameters of one annealing engine.
type Config struct {
	InitialTemp float64
	// InnerSteps is the number of mutate/accept attempts per iteration,
	// all run at the same temperature.
	InnerSteps int
	// Patience is the number of iterations without a new best after which
	// the engine stops.
	Patience int

	Law cooling.Law

	// OnImprove, if set, is called with every new best metric.
	OnImprove func(iteration int, metric int64)
	Logger    *slog.Logger
}

// DefaultConfig returns the defaults with the mixed cooling law.
func DefaultConfig() Config {
	return Config{
		InitialTemp: 1000,
		InnerSteps:  5,
		Patience:    1000,
		Law:         cooling.Mixed{},
	}
}

// Validate reports the first invalid parameter.
func (c Config) Validate() error {
	if c.InitialTemp <= 0 {
		return fmt.Errorf("initial temperature must be > 0 (got %f)", c.InitialTemp)
	}
	if c.InnerSteps <= 0 {
		return fmt.Errorf("inner steps must be > 0 (got %d)", c.InnerSteps)
	}
	if c.Patience <= 0 {
		return fmt.Errorf("patience must be > 0 (got %d)", c.Patience)
	}
	if c.Law == nil {
		return fmt.Errorf("cooling law is not set")
	}
	return nil
}

// Settings is the serializable form of Config, used in config files and
// requests sent to remote workers.
type Settings struct {
	Law         string  `json:"law" yaml:"law"`
	InitialTemp float64 `json:"initial_temp" yaml:"initial_temp"`
	InnerSteps  int     `json:"inner_steps" yaml:"inner_steps"`
	Patience    int     `json:"patience" yaml:"patience"`
}

// DefaultSettings mirrors DefaultConfig.
func DefaultSettings() Settings {
	return Settings{
		Law:         cooling.DefaultName,
		InitialTemp: 1000,
		InnerSteps:  5,
		Patience:    1000,
	}
}

// Config resolves the law name and validates the result.
func (s Settings) Config() (Config, error) {
	law, err := cooling.Parse(s.Law)
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		InitialTemp: s.InitialTemp,
		InnerSteps:  s.InnerSteps,
		Patience:    s.Patience,
		Law:         law,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
