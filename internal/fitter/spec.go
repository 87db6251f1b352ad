// Package fitter describes calibration models and sends them, with a dataset
// bundle, to an external MCMC sampling service.
package fitter

import (
	"bytes"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"text/template"

	"github.com/lox/etapecal/internal/models"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var programTemplate = template.Must(template.New("").Funcs(template.FuncMap{
	"num": func(f float64) string { return strconv.FormatFloat(f, 'g', -1, 64) },
}).ParseFS(templateFS, "templates/*.tmpl"))

// Priors are the hyperparameters shared by every model.
type Priors struct {
	AlphaSD    float64 // sd around aPrior
	BetaMean   float64
	BetaSD     float64
	SigmaScale float64 // half-Cauchy scale
	GammaSD    float64 // unit and year effects
}

// DefaultPriors match the embedded configuration.
var DefaultPriors = Priors{AlphaSD: 10, BetaMean: 0, BetaSD: 0.1, SigmaScale: 5, GammaSD: 2}

// ModelSpec is the one parametrised linear calibration model:
//
//	W ~ normal(alpha[L] + beta[L] * R (+ gamma[I]) (+ delta[Y]), sigma[L] or sigma)
type ModelSpec struct {
	Name          string
	GroupByLength bool // per-length alpha/beta; otherwise one line for all rows
	UnitEffect    bool // additive per-unit gamma[I]
	YearEffect    bool // additive per-year delta[Y]
	NoisePerGroup bool // sigma[L]; otherwise a single sigma
	Priors        Priors
}

// Simulated is the model fitted to synthetic data with known truth.
func Simulated(p Priors) ModelSpec {
	return ModelSpec{Name: "simulated", GroupByLength: true, NoisePerGroup: true, Priors: p}
}

// Pooled is the multi-sensor model over every unit of every length.
func Pooled(p Priors) ModelSpec {
	return ModelSpec{Name: "pooled", GroupByLength: true, NoisePerGroup: true, Priors: p}
}

// PooledUnitEffect adds a per-unit offset to Pooled. Whether any residual unit
// variation exists is an empirical question, so the term is opt-in.
func PooledUnitEffect(p Priors) ModelSpec {
	s := Pooled(p)
	s.Name = "pooled_unit"
	s.UnitEffect = true
	return s
}

// SingleSensor fits one line to the single-sensor sub-study.
func SingleSensor(p Priors) ModelSpec {
	return ModelSpec{Name: "single_sensor", Priors: p}
}

// Preset returns a named preset.
func Preset(name string, p Priors) (ModelSpec, error) {
	switch name {
	case "simulated":
		return Simulated(p), nil
	case "pooled":
		return Pooled(p), nil
	case "pooled_unit":
		return PooledUnitEffect(p), nil
	case "single_sensor":
		return SingleSensor(p), nil
	}
	return ModelSpec{}, models.Configf("model", "unknown model %q (want simulated, pooled, pooled_unit or single_sensor)", name)
}

// Validate rejects inconsistent switch combinations and non-positive scales.
func (s ModelSpec) Validate() error {
	if s.Name == "" {
		return models.Configf("model.name", "must not be empty")
	}
	if s.NoisePerGroup && !s.GroupByLength {
		return models.Configf("model."+s.Name, "per-group noise needs length grouping")
	}
	scales := []struct {
		field string
		v     float64
	}{
		{"alpha_sd", s.Priors.AlphaSD},
		{"beta_sd", s.Priors.BetaSD},
		{"sigma_scale", s.Priors.SigmaScale},
	}
	for _, sc := range scales {
		if !(sc.v > 0) {
			return models.Configf("priors."+sc.field, "must be > 0, got %v", sc.v)
		}
	}
	if (s.UnitEffect || s.YearEffect) && !(s.Priors.GammaSD > 0) {
		return models.Configf("priors.gamma_sd", "must be > 0, got %v", s.Priors.GammaSD)
	}
	return nil
}

// Program renders the Stan program for this model.
func (s ModelSpec) Program() (string, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := programTemplate.ExecuteTemplate(&buf, "model.stan.tmpl", programView{ModelSpec: s}); err != nil {
		return "", fmt.Errorf("render program: %w", err)
	}
	return buf.String(), nil
}

type programView struct {
	ModelSpec
}

// Mean is the linear predictor expression.
func (v programView) Mean() string {
	terms := []string{"alpha + beta * R"}
	if v.GroupByLength {
		terms[0] = "alpha[L] + beta[L] .* R"
	}
	if v.UnitEffect {
		terms = append(terms, "gamma[I]")
	}
	if v.YearEffect {
		terms = append(terms, "delta[Y]")
	}
	return strings.Join(terms, " + ")
}

func (v programView) Sigma() string {
	if v.NoisePerGroup {
		return "sigma[L]"
	}
	return "sigma"
}

// Check verifies that the bundle carries every grouping the model uses and
// that its vectors agree with its cardinalities.
func (s ModelSpec) Check(b models.DatasetBundle) error {
	if len(b.W) != b.N || len(b.R) != b.N || len(b.L) != b.N {
		return mismatch(s.Name, "N", "N=%d but len(W)=%d len(R)=%d len(L)=%d", b.N, len(b.W), len(b.R), len(b.L))
	}
	if len(b.APrior) != b.KL {
		return mismatch(s.Name, "aPrior", "has %d entries for K_L=%d", len(b.APrior), b.KL)
	}
	if !s.GroupByLength && b.KL != 1 {
		return mismatch(s.Name, "K_L", "ungrouped model needs exactly one length, bundle has %d", b.KL)
	}
	if err := checkIndex(s.Name, "L", b.L, b.KL); err != nil {
		return err
	}
	if s.UnitEffect {
		if !b.HasUnits() {
			return mismatch(s.Name, "I", "model uses a unit effect but the bundle has no unit index")
		}
		if len(b.I) != b.N {
			return mismatch(s.Name, "I", "len(I)=%d, N=%d", len(b.I), b.N)
		}
		if err := checkIndex(s.Name, "I", b.I, b.KI); err != nil {
			return err
		}
	}
	if s.YearEffect {
		if !b.HasYears() {
			return mismatch(s.Name, "Y", "model uses a year effect but the bundle has no year index")
		}
		if len(b.Y) != b.N {
			return mismatch(s.Name, "Y", "len(Y)=%d, N=%d", len(b.Y), b.N)
		}
		if err := checkIndex(s.Name, "Y", b.Y, b.KY); err != nil {
			return err
		}
	}
	return nil
}

func checkIndex(model, name string, idx []int, k int) error {
	for i, v := range idx {
		if v < 1 || v > k {
			return mismatch(model, name, "element %d is %d, outside [1, %d]", i, v, k)
		}
	}
	return nil
}

// expectedGroups returns the number of columns each parameter must have.
func (s ModelSpec) expectedGroups(b models.DatasetBundle) map[string]int {
	g := map[string]int{"alpha": 1, "beta": 1, "sigma": 1}
	if s.GroupByLength {
		g["alpha"], g["beta"] = b.KL, b.KL
	}
	if s.NoisePerGroup {
		g["sigma"] = b.KL
	}
	if s.UnitEffect {
		g["gamma"] = b.KI
	}
	if s.YearEffect {
		g["delta"] = b.KY
	}
	return g
}

// CheckDraws verifies returned draws against the bundle cardinalities. A
// response without any draws is rejected.
func (s ModelSpec) CheckDraws(p *models.Posterior, b models.DatasetBundle) error {
	if len(p.Chains) == 0 {
		return mismatch(s.Name, "chains", "fitter returned no draws")
	}
	for name, want := range s.expectedGroups(b) {
		draws, ok := p.Draws[name]
		if !ok {
			return mismatch(s.Name, name, "parameter missing from fitter response")
		}
		if len(draws) != len(p.Chains) {
			return mismatch(s.Name, name, "%d draws but %d chain ids", len(draws), len(p.Chains))
		}
		for i, d := range draws {
			if len(d) != want {
				return mismatch(s.Name, name, "draw %d has %d groups, want %d", i, len(d), want)
			}
		}
	}
	return nil
}
