package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/etapecal/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "etapecal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, []int{8, 12, 15, 18, 24}, cfg.Lengths)
	assert.Len(t, cfg.PriorMeans, len(cfg.Lengths))
	assert.Equal(t, uint64(123), cfg.Simulation.Seed)
	assert.Equal(t, 10*time.Minute, cfg.Fitter.Timeout)
	assert.Equal(t, 1.01, cfg.Fitter.MaxRhat)

	truth, ok := cfg.Simulation.Truth.Lookup(15)
	require.True(t, ok)
	assert.Equal(t, 46.0, truth.Intercept)
	assert.Equal(t, -0.017, truth.Slope)
	assert.Equal(t, 0.5, truth.NoiseSD)
}

func TestLoad_EmptyPathReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	def, err := Default()
	require.NoError(t, err)
	assert.Equal(t, def, cfg)
}

func TestLoad_OverridesSubset(t *testing.T) {
	path := writeConfig(t, `
fitter:
  url: http://fitter.internal:9000
  chains: 2
simulation:
  seed: 7
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://fitter.internal:9000", cfg.Fitter.URL)
	assert.Equal(t, 2, cfg.Fitter.Chains)
	assert.Equal(t, 1000, cfg.Fitter.Samples, "untouched fields keep defaults")
	assert.Equal(t, uint64(7), cfg.Simulation.Seed)
	assert.Len(t, cfg.Simulation.Truth, 5)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantField string
	}{
		{
			name:      "prior means shorter than lengths",
			body:      "prior_means: [30, 40]\n",
			wantField: "prior_means",
		},
		{
			name:      "duplicate length",
			body:      "lengths: [8, 8, 12, 15, 18]\n",
			wantField: "Config.Lengths",
		},
		{
			name: "zero slope in ground truth",
			body: `
simulation:
  truth:
    - {length: 8, intercept: 28, slope: 0, noise_sd: 0.3}
`,
			wantField: "simulation.truth",
		},
		{
			name: "truth length not supported",
			body: `
simulation:
  truth:
    - {length: 20, intercept: 28, slope: -0.01, noise_sd: 0.3}
`,
			wantField: "simulation.truth",
		},
		{
			name:      "single sensor length not supported",
			body:      "single_sensor_length: 10\n",
			wantField: "single_sensor_length",
		},
		{
			name:      "rhat threshold at one",
			body:      "fitter:\n  max_rhat: 1.0\n",
			wantField: "Config.Fitter.MaxRhat",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)

			var cerr *models.ConfigurationError
			require.True(t, errors.As(err, &cerr), "want ConfigurationError, got %T: %v", err, err)
			assert.Equal(t, tt.wantField, cerr.Field)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLengthIndex(t *testing.T) {
	cfg, err := Default()
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.LengthIndex(15))
	assert.Equal(t, -1, cfg.LengthIndex(20))
	assert.False(t, cfg.Supports(20))
	assert.True(t, cfg.Supports(24))
}
