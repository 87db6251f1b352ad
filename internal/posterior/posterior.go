// Package posterior summarises sampler draws: per-group parameter summaries,
// predictive depth at a new resistance, recovery of known truth and the
// pooled versus single-sensor comparison.
package posterior

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/etapecal/internal/models"
)

// Summary describes the draws of one parameter group.
type Summary struct {
	Param string
	Group int // 1-based
	Mean  float64
	SD    float64
	Q025  float64
	Q975  float64
	Draws int
}

// Width is the length of the central 95% interval.
func (s Summary) Width() float64 { return s.Q975 - s.Q025 }

// Summarize returns one summary per group of param.
func Summarize(p *models.Posterior, param string) ([]Summary, error) {
	groups := p.Groups(param)
	if groups == 0 {
		return nil, fmt.Errorf("parameter %q has no draws", param)
	}
	out := make([]Summary, 0, groups)
	for g := 1; g <= groups; g++ {
		draws, ok := p.Param(param, g)
		if !ok {
			return nil, fmt.Errorf("parameter %q: ragged draws at group %d", param, g)
		}
		out = append(out, summarize(param, g, draws))
	}
	return out, nil
}

func summarize(param string, group int, draws []float64) Summary {
	s := Summary{Param: param, Group: group, Draws: len(draws), Mean: math.NaN(), SD: math.NaN(), Q025: math.NaN(), Q975: math.NaN()}
	if len(draws) == 0 {
		return s
	}
	sorted := slices.Clone(draws)
	slices.Sort(sorted)
	s.Mean = stat.Mean(sorted, nil)
	if len(sorted) > 1 {
		s.SD = stat.StdDev(sorted, nil)
	}
	s.Q025 = stat.Quantile(0.025, stat.Empirical, sorted, nil)
	s.Q975 = stat.Quantile(0.975, stat.Empirical, sorted, nil)
	return s
}

// Predict summarises alpha[g] + beta[g]*rNew for every length group. Unit
// and year effects are left out; the prediction is for a new unit.
func Predict(p *models.Posterior, rNew float64) ([]Summary, error) {
	groups := p.Groups("alpha")
	if groups == 0 {
		return nil, fmt.Errorf("predict: posterior has no alpha draws")
	}
	if b := p.Groups("beta"); b != groups {
		return nil, fmt.Errorf("predict: alpha has %d groups but beta has %d", groups, b)
	}

	out := make([]Summary, 0, groups)
	for g := 1; g <= groups; g++ {
		alpha, _ := p.Param("alpha", g)
		beta, ok := p.Param("beta", g)
		if !ok || len(beta) != len(alpha) {
			return nil, fmt.Errorf("predict: ragged draws at group %d", g)
		}
		pred := make([]float64, len(alpha))
		for i := range alpha {
			pred[i] = alpha[i] + beta[i]*rNew
		}
		out = append(out, summarize("depth_cm", g, pred))
	}
	return out, nil
}

// Recovery compares one posterior parameter against its generating value.
type Recovery struct {
	Length int
	Param  string
	Truth  float64
	Mean   float64
	SD     float64
	Z      float64 // (Mean - Truth) / SD
	OK     bool
}

// RecoveryError lists the parameters whose posterior mean was further than
// the allowed number of posterior standard deviations from the truth.
type RecoveryError struct {
	K      float64
	Failed []Recovery
}

func (e *RecoveryError) Error() string {
	parts := make([]string, len(e.Failed))
	for i, r := range e.Failed {
		parts[i] = fmt.Sprintf("%s[%d in] truth %g mean %g (z=%.2f)", r.Param, r.Length, r.Truth, r.Mean, r.Z)
	}
	return fmt.Sprintf("%d parameters not recovered within %g sd: %s", len(e.Failed), e.K, strings.Join(parts, ", "))
}

// CheckRecovery checks that the posterior mean of alpha and beta for every
// length in the bundle lies within k posterior sd of the ground truth. All
// rows are returned; the error is a *RecoveryError when any fail.
func CheckRecovery(p *models.Posterior, b models.DatasetBundle, truth models.GroundTruth, k float64) ([]Recovery, error) {
	if p.Groups("alpha") != b.KL || p.Groups("beta") != b.KL {
		return nil, fmt.Errorf("check recovery: posterior has %d/%d alpha/beta groups, bundle K_L=%d", p.Groups("alpha"), p.Groups("beta"), b.KL)
	}

	var out []Recovery
	var failed []Recovery
	for g, length := range b.Levels.Lengths {
		e, ok := truth.Lookup(length)
		if !ok {
			return nil, models.Configf("simulation.truth", "no ground truth for length %d", length)
		}
		for _, param := range []struct {
			name  string
			truth float64
		}{{"alpha", e.Intercept}, {"beta", e.Slope}} {
			draws, _ := p.Param(param.name, g+1)
			s := summarize(param.name, g+1, draws)
			r := Recovery{Length: length, Param: param.name, Truth: param.truth, Mean: s.Mean, SD: s.SD}
			r.Z = (s.Mean - param.truth) / s.SD
			r.OK = math.Abs(s.Mean-param.truth) <= k*s.SD
			out = append(out, r)
			if !r.OK {
				failed = append(failed, r)
			}
		}
	}
	if len(failed) > 0 {
		return out, &RecoveryError{K: k, Failed: failed}
	}
	return out, nil
}

// Comparison contrasts the pooled model's prediction for one length group
// with the single-sensor model's prediction at the same resistance.
type Comparison struct {
	RNew     float64
	Pooled   Summary
	Single   Summary
	MeanDiff float64 // pooled minus single
	// WidthRatio is pooled over single 95% interval width; above 1 means
	// pooling across units cost precision.
	WidthRatio float64
}

// Compare predicts depth at rNew under both models. pooledGroup is the
// 1-based length index of the single sensor's length in the pooled bundle.
func Compare(pooled *models.Posterior, pooledGroup int, single *models.Posterior, rNew float64) (Comparison, error) {
	pp, err := Predict(pooled, rNew)
	if err != nil {
		return Comparison{}, fmt.Errorf("pooled: %w", err)
	}
	if pooledGroup < 1 || pooledGroup > len(pp) {
		return Comparison{}, fmt.Errorf("pooled group %d out of range [1, %d]", pooledGroup, len(pp))
	}
	sp, err := Predict(single, rNew)
	if err != nil {
		return Comparison{}, fmt.Errorf("single sensor: %w", err)
	}

	c := Comparison{
		RNew:   rNew,
		Pooled: pp[pooledGroup-1],
		Single: sp[0],
	}
	c.MeanDiff = c.Pooled.Mean - c.Single.Mean
	c.WidthRatio = c.Pooled.Width() / c.Single.Width()
	return c, nil
}
