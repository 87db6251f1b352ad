package posterior

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lox/etapecal/internal/models"
)

// columns builds a posterior parameter from per-group draw columns.
func columns(cols ...[]float64) [][]float64 {
	out := make([][]float64, len(cols[0]))
	for i := range out {
		row := make([]float64, len(cols))
		for g, c := range cols {
			row[g] = c[i]
		}
		out[i] = row
	}
	return out
}

func seq(from, to float64) []float64 {
	var out []float64
	for v := from; v <= to; v++ {
		out = append(out, v)
	}
	return out
}

func repeat(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestSummarize(t *testing.T) {
	g1 := seq(1, 100)
	// Reverse to check the input order does not matter.
	for i, j := 0, len(g1)-1; i < j; i, j = i+1, j-1 {
		g1[i], g1[j] = g1[j], g1[i]
	}
	p := &models.Posterior{Draws: map[string][][]float64{
		"alpha": columns(g1, repeat(5, 100)),
	}}

	got, err := Summarize(p, "alpha")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, 1, got[0].Group)
	assert.InDelta(t, 50.5, got[0].Mean, 1e-12)
	assert.InDelta(t, math.Sqrt(100.0*101.0/12.0), got[0].SD, 1e-9)
	assert.Equal(t, 3.0, got[0].Q025)
	assert.Equal(t, 98.0, got[0].Q975)
	assert.Equal(t, 100, got[0].Draws)
	assert.Equal(t, 95.0, got[0].Width())

	assert.Equal(t, 5.0, got[1].Mean)
	assert.Equal(t, 0.0, got[1].SD)
	assert.Equal(t, 5.0, got[1].Q025)
	assert.Equal(t, 5.0, got[1].Q975)

	assert.Equal(t, 100.0, g1[0], "input draws must not be reordered")
}

func TestSummarize_MissingParam(t *testing.T) {
	p := &models.Posterior{Draws: map[string][][]float64{}}
	_, err := Summarize(p, "gamma")
	assert.Error(t, err)
}

func TestPredict(t *testing.T) {
	p := &models.Posterior{Draws: map[string][][]float64{
		"alpha": columns([]float64{30, 32}, []float64{46, 46}),
		"beta":  columns([]float64{-0.01, -0.01}, []float64{-0.017, -0.017}),
	}}

	got, err := Predict(p, 1000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.InDelta(t, 21, got[0].Mean, 1e-9)
	assert.InDelta(t, 46-17, got[1].Mean, 1e-9)
	assert.Equal(t, "depth_cm", got[0].Param)
}

func TestPredict_MismatchedGroups(t *testing.T) {
	p := &models.Posterior{Draws: map[string][][]float64{
		"alpha": columns([]float64{30}, []float64{40}),
		"beta":  columns([]float64{-0.01}),
	}}
	_, err := Predict(p, 1000)
	assert.Error(t, err)
}

func recoveryFixture(shift float64) (*models.Posterior, models.DatasetBundle, models.GroundTruth) {
	truth := models.GroundTruth{
		{Length: 8, Intercept: 28, Slope: -0.010, NoiseSD: 0.3},
		{Length: 15, Intercept: 46, Slope: -0.017, NoiseSD: 0.5},
	}
	around := func(v, d float64) []float64 { return []float64{v - d, v + d, v - d, v + d} }
	p := &models.Posterior{Draws: map[string][][]float64{
		"alpha": columns(around(28, 1), around(46+shift, 1)),
		"beta":  columns(around(-0.010, 0.001), around(-0.017, 0.001)),
	}}
	b := models.DatasetBundle{KL: 2, APrior: []float64{30, 45}, Levels: models.BundleLevels{Lengths: []int{8, 15}}}
	return p, b, truth
}

func TestCheckRecovery(t *testing.T) {
	p, b, truth := recoveryFixture(0)

	rows, err := CheckRecovery(p, b, truth, 2)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, 8, rows[0].Length)
	assert.Equal(t, "alpha", rows[0].Param)
	assert.Equal(t, "beta", rows[1].Param)
	assert.Equal(t, 15, rows[2].Length)
	for _, r := range rows {
		assert.True(t, r.OK, "%s[%d] not recovered", r.Param, r.Length)
	}
}

func TestCheckRecovery_Failure(t *testing.T) {
	p, b, truth := recoveryFixture(10)

	rows, err := CheckRecovery(p, b, truth, 2)
	var rerr *RecoveryError
	require.True(t, errors.As(err, &rerr), "want RecoveryError, got %v", err)
	require.Len(t, rerr.Failed, 1)
	assert.Equal(t, 15, rerr.Failed[0].Length)
	assert.Equal(t, "alpha", rerr.Failed[0].Param)
	assert.Len(t, rows, 4)
}

func TestCheckRecovery_MissingTruth(t *testing.T) {
	p, b, _ := recoveryFixture(0)
	truth := models.GroundTruth{{Length: 8, Intercept: 28, Slope: -0.01}}

	_, err := CheckRecovery(p, b, truth, 2)
	var cerr *models.ConfigurationError
	assert.True(t, errors.As(err, &cerr))
}

func TestCompare(t *testing.T) {
	pooled := &models.Posterior{Draws: map[string][][]float64{
		"alpha": columns(repeat(28, 4), []float64{36, 38, 36, 38}),
		"beta":  columns(repeat(-0.01, 4), repeat(-0.014, 4)),
	}}
	single := &models.Posterior{Draws: map[string][][]float64{
		"alpha": columns([]float64{36.5, 37.5, 36.5, 37.5}),
		"beta":  columns(repeat(-0.014, 4)),
	}}

	c, err := Compare(pooled, 2, single, 1000)
	require.NoError(t, err)
	assert.InDelta(t, 37-14, c.Pooled.Mean, 1e-9)
	assert.InDelta(t, 37-14, c.Single.Mean, 1e-9)
	assert.InDelta(t, 0, c.MeanDiff, 1e-9)
	assert.InDelta(t, 2, c.WidthRatio, 1e-9)

	_, err = Compare(pooled, 3, single, 1000)
	assert.Error(t, err)
}
