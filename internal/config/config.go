// Package config loads the calibration configuration: the canonical nominal
// length ordering, prior means, synthetic ground truth and fitter settings.
//
// Defaults are embedded; a YAML file passed to Load overrides any subset of
// them. Slices in the file replace the defaults wholesale.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lox/etapecal/internal/models"
)

//go:embed defaults.yaml
var defaultsYAML []byte

// MaxFileSize bounds config files read from disk.
const MaxFileSize = 1 << 20

type Config struct {
	Lengths            []int      `yaml:"lengths" validate:"required,min=1,unique,dive,gt=0"`
	PriorMeans         []float64  `yaml:"prior_means" validate:"required"`
	SingleSensorLength int        `yaml:"single_sensor_length" validate:"gt=0"`
	Priors             Priors     `yaml:"priors"`
	Simulation         Simulation `yaml:"simulation"`
	Fitter             Fitter     `yaml:"fitter"`
}

type Priors struct {
	AlphaSD    float64 `yaml:"alpha_sd" validate:"gt=0"`
	BetaMean   float64 `yaml:"beta_mean"`
	BetaSD     float64 `yaml:"beta_sd" validate:"gt=0"`
	SigmaScale float64 `yaml:"sigma_scale" validate:"gt=0"`
	GammaSD    float64 `yaml:"gamma_sd" validate:"gt=0"`
}

type Simulation struct {
	Seed       uint64             `yaml:"seed"`
	Replicates int                `yaml:"replicates" validate:"gt=0"`
	DepthsInch []int              `yaml:"depths_inch" validate:"required,min=1,dive,gte=0"`
	Truth      models.GroundTruth `yaml:"truth" validate:"required,min=1,dive"`
}

type Fitter struct {
	URL     string        `yaml:"url" validate:"omitempty,url"`
	Chains  int           `yaml:"chains" validate:"gte=1"`
	Warmup  int           `yaml:"warmup" validate:"gte=1"`
	Samples int           `yaml:"samples" validate:"gte=1"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRhat float64       `yaml:"max_rhat" validate:"gt=1"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Default returns the embedded configuration.
func Default() (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads a YAML file on top of the embedded defaults. An empty path
// returns the defaults.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(defaultsYAML, &cfg); err != nil {
		return nil, fmt.Errorf("parse embedded defaults: %w", err)
	}
	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if info.Size() > MaxFileSize {
			return nil, fmt.Errorf("config %s is %d bytes, limit %d", path, info.Size(), MaxFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs struct tag validation followed by the cross-field checks.
// Every failure is reported as a *models.ConfigurationError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return models.Configf(fe.Namespace(), "failed %q check (value %v)", fe.Tag(), fe.Value())
		}
		return models.Configf("config", "%v", err)
	}

	if len(c.PriorMeans) != len(c.Lengths) {
		return models.Configf("prior_means", "has %d entries, want one per supported length (%d)", len(c.PriorMeans), len(c.Lengths))
	}
	if !c.Supports(c.SingleSensorLength) {
		return models.Configf("single_sensor_length", "%d is not a supported length", c.SingleSensorLength)
	}
	seen := make(map[int]bool, len(c.Simulation.Truth))
	for _, e := range c.Simulation.Truth {
		if !c.Supports(e.Length) {
			return models.Configf("simulation.truth", "length %d is not a supported length", e.Length)
		}
		if seen[e.Length] {
			return models.Configf("simulation.truth", "length %d listed twice", e.Length)
		}
		seen[e.Length] = true
		if e.Slope == 0 {
			return models.Configf("simulation.truth", "slope for length %d is zero", e.Length)
		}
	}
	return nil
}

// Supports reports whether length is one of the configured nominal lengths.
func (c *Config) Supports(length int) bool {
	return c.LengthIndex(length) >= 0
}

// LengthIndex returns the canonical position of length, or -1.
func (c *Config) LengthIndex(length int) int {
	for i, l := range c.Lengths {
		if l == length {
			return i
		}
	}
	return -1
}
