package simulate

import (
	"bytes"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/lox/etapecal/internal/ingest"
	"github.com/lox/etapecal/internal/models"
	"github.com/lox/etapecal/internal/prep"
)

var (
	lengths = []int{8, 12, 15, 18, 24}
	priors  = []float64{30, 40, 45, 50, 70}
)

func referenceTruth() models.GroundTruth {
	return models.GroundTruth{
		{Length: 8, Intercept: 28, Slope: -0.010, NoiseSD: 0.3},
		{Length: 12, Intercept: 37, Slope: -0.014, NoiseSD: 0.4},
		{Length: 15, Intercept: 46, Slope: -0.017, NoiseSD: 0.5},
		{Length: 18, Intercept: 52, Slope: -0.020, NoiseSD: 0.6},
		{Length: 24, Intercept: 70, Slope: -0.025, NoiseSD: 0.8},
	}
}

func TestGenerate_Deterministic(t *testing.T) {
	depths := []int{0, 2, 4, 6}
	a, err := Generate(referenceTruth(), depths, 5, 123)
	require.NoError(t, err)
	b, err := Generate(referenceTruth(), depths, 5, 123)
	require.NoError(t, err)

	require.Equal(t, len(a), len(b))
	for i := range a {
		if math.Float64bits(a[i].ResistivityOhm) != math.Float64bits(b[i].ResistivityOhm) {
			t.Fatalf("record %d differs: %v vs %v", i, a[i].ResistivityOhm, b[i].ResistivityOhm)
		}
	}
	assert.Equal(t, a, b)

	c, err := Generate(referenceTruth(), depths, 5, 124)
	require.NoError(t, err)
	assert.NotEqual(t, a[0].ResistivityOhm, c[0].ResistivityOhm, "different seeds should give different draws")
}

func TestGenerate_EnumerationOrder(t *testing.T) {
	depths := []int{1, 3}
	recs, err := Generate(referenceTruth(), depths, 2, 1)
	require.NoError(t, err)
	require.Len(t, recs, 5*2*2)

	i := 0
	for _, e := range referenceTruth() {
		for _, d := range depths {
			for rep := 1; rep <= 2; rep++ {
				r := recs[i]
				assert.Equal(t, e.Length, r.Length, "record %d length", i)
				assert.Equal(t, float64(d), r.WaterDepthInch, "record %d depth", i)
				assert.Equal(t, float64(d)*2.54, r.WaterDepthCm, "record %d depth cm", i)
				assert.Equal(t, rep, r.Replicate, "record %d replicate", i)
				i++
			}
		}
	}
}

func TestExpectedResistance_ReferenceScenario(t *testing.T) {
	e, ok := referenceTruth().Lookup(15)
	require.True(t, ok)
	got := ExpectedResistance(e, 10*models.InchToCm)
	assert.InDelta(t, 1211.7647, got, 1e-3)
}

func TestGenerate_CentredOnExpectedResistance(t *testing.T) {
	recs, err := Generate(referenceTruth(), []int{10}, 400, 123)
	require.NoError(t, err)

	var vals []float64
	for _, r := range recs {
		if r.Length == 15 {
			vals = append(vals, r.ResistivityOhm)
		}
	}
	require.Len(t, vals, 400)

	mean, sd := stat.MeanStdDev(vals, nil)
	assert.InDelta(t, 1211.76, mean, 3*0.5, "mean within a few noise sds of the expected resistance")
	assert.InDelta(t, 0.5, sd, 0.1, "empirical sd close to the configured noise")
}

func TestGenerate_ZeroNoiseIsExact(t *testing.T) {
	truth := models.GroundTruth{{Length: 12, Intercept: 37, Slope: -0.014, NoiseSD: 0}}
	recs, err := Generate(truth, []int{0, 5}, 3, 9)
	require.NoError(t, err)
	for _, r := range recs {
		assert.Equal(t, ExpectedResistance(truth[0], r.WaterDepthCm), r.ResistivityOhm)
	}
}

func TestGenerate_ZeroSlope(t *testing.T) {
	truth := referenceTruth()
	truth[2].Slope = 0
	_, err := Generate(truth, []int{1}, 1, 123)

	var cerr *models.ConfigurationError
	require.True(t, errors.As(err, &cerr), "want ConfigurationError, got %v", err)
	assert.Contains(t, cerr.Reason, "15")
}

func TestGenerate_InvalidParameters(t *testing.T) {
	_, err := Generate(referenceTruth(), []int{1}, -1, 123)
	var cerr *models.ConfigurationError
	assert.True(t, errors.As(err, &cerr))

	truth := referenceTruth()
	truth[0].NoiseSD = -1
	_, err = Generate(truth, []int{1}, 1, 123)
	assert.True(t, errors.As(err, &cerr))
}

func TestGenerate_Empty(t *testing.T) {
	recs, err := Generate(referenceTruth(), nil, 3, 123)
	require.NoError(t, err)
	assert.Empty(t, recs)

	b, err := BuildBundle(recs, lengths, priors)
	require.NoError(t, err)
	assert.Equal(t, 0, b.N)
	assert.Equal(t, 0, b.KL)
	assert.Empty(t, b.APrior)
}

func TestBuildBundle_CanonicalOrder(t *testing.T) {
	// Ground truth listed out of canonical order: index must still follow lengths.
	truth := models.GroundTruth{
		{Length: 24, Intercept: 70, Slope: -0.025, NoiseSD: 0.8},
		{Length: 8, Intercept: 28, Slope: -0.010, NoiseSD: 0.3},
		{Length: 15, Intercept: 46, Slope: -0.017, NoiseSD: 0.5},
	}
	recs, err := Generate(truth, []int{2}, 1, 5)
	require.NoError(t, err)

	b, err := BuildBundle(recs, lengths, priors)
	require.NoError(t, err)

	assert.Equal(t, []int{3, 1, 2}, b.L)
	assert.Equal(t, []int{8, 15, 24}, b.Levels.Lengths)
	assert.Equal(t, []float64{30, 45, 70}, b.APrior)
	assert.Equal(t, 3, b.KL)
	assert.False(t, b.HasUnits())
	assert.Len(t, b.W, len(recs))
}

func TestBuildBundle_UnsupportedLength(t *testing.T) {
	recs := []models.SimulatedRecord{{Length: 20, WaterDepthInch: 1, WaterDepthCm: 2.54, ResistivityOhm: 1000, Replicate: 1}}
	_, err := BuildBundle(recs, lengths, priors)
	var cerr *models.ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

func TestWriteCSV_RoundTripsThroughPipeline(t *testing.T) {
	recs, err := Generate(referenceTruth(), []int{0, 4}, 2, 77)
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, recs))

	raw, err := ingest.ParseCalibration("sim.csv", &buf)
	require.NoError(t, err)
	require.Len(t, raw, len(recs))

	res, err := prep.Prepare(raw, lengths, priors, prep.BundleOptions{})
	require.NoError(t, err)

	direct, err := BuildBundle(recs, lengths, priors)
	require.NoError(t, err)

	assert.Equal(t, direct.L, res.Bundle.L)
	assert.Equal(t, direct.APrior, res.Bundle.APrior)
	assert.InDeltaSlice(t, direct.R, res.Bundle.R, 1e-9)
	assert.InDeltaSlice(t, direct.W, res.Bundle.W, 1e-12)
}
