package fitter

import (
	"fmt"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/etapecal/internal/models"
)

// CheckConvergence computes split R-hat for every parameter column from the
// draws and their chain ids, stores the values in p.Diagnostics.Rhat keyed
// "name[group]", and returns a ConvergenceError when any R-hat exceeds
// maxRhat, the sampler reported divergent transitions, or some column has no
// R-hat at all. Values the fitter reported for columns that cannot be
// computed locally are kept and count as a judgement.
func CheckConvergence(p *models.Posterior, maxRhat float64) error {
	if p.Diagnostics.Rhat == nil {
		p.Diagnostics.Rhat = make(map[string]float64)
	}

	chains := chainIndex(p.Chains)
	names := make([]string, 0, len(p.Draws))
	for name := range p.Draws {
		names = append(names, name)
	}
	slices.Sort(names)

	var unjudged []string
	if len(names) == 0 {
		unjudged = append(unjudged, "all parameters")
	}
	for _, name := range names {
		if p.Groups(name) == 0 {
			unjudged = append(unjudged, name)
			continue
		}
		for g := 1; g <= p.Groups(name); g++ {
			key := fmt.Sprintf("%s[%d]", name, g)
			if draws, ok := p.Param(name, g); ok {
				if r, ok := SplitRhat(draws, chains); ok {
					p.Diagnostics.Rhat[key] = r
					continue
				}
			}
			if _, reported := p.Diagnostics.Rhat[key]; !reported {
				unjudged = append(unjudged, key)
			}
		}
	}

	worst, highest := "", 0.0
	keys := make([]string, 0, len(p.Diagnostics.Rhat))
	for k := range p.Diagnostics.Rhat {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		r := p.Diagnostics.Rhat[k]
		if math.IsNaN(r) {
			continue
		}
		if r > highest {
			worst, highest = k, r
		}
	}

	if highest > maxRhat || p.Diagnostics.Divergent > 0 || len(unjudged) > 0 {
		return &ConvergenceError{
			Threshold:   maxRhat,
			MaxRhat:     highest,
			Worst:       worst,
			Unjudged:    unjudged,
			Diagnostics: p.Diagnostics,
		}
	}
	return nil
}

// MaxRhat returns the largest finite R-hat in d, or 0 when there is none.
func MaxRhat(d models.Diagnostics) float64 {
	var highest float64
	for _, r := range d.Rhat {
		if !math.IsNaN(r) && r > highest {
			highest = r
		}
	}
	return highest
}

// chainIndex groups draw positions by chain id, in order of first appearance.
func chainIndex(ids []int) [][]int {
	pos := make(map[int]int)
	var out [][]int
	for i, id := range ids {
		j, ok := pos[id]
		if !ok {
			j = len(out)
			pos[id] = j
			out = append(out, nil)
		}
		out[j] = append(out[j], i)
	}
	return out
}

// SplitRhat computes the Gelman-Rubin potential scale reduction factor after
// splitting each chain in half. chains lists the draw positions of each
// chain. Chains are truncated to the shortest; ok is false when fewer than
// two draws per half remain.
func SplitRhat(draws []float64, chains [][]int) (float64, bool) {
	n := math.MaxInt
	for _, c := range chains {
		n = min(n, len(c))
	}
	half := n / 2
	if len(chains) == 0 || half < 2 {
		return 0, false
	}

	var means, vars []float64
	buf := make([]float64, half)
	for _, c := range chains {
		for _, seg := range [][]int{c[:half], c[n-half : n]} {
			for i, pos := range seg {
				buf[i] = draws[pos]
			}
			m, v := stat.MeanVariance(buf, nil)
			means = append(means, m)
			vars = append(vars, v)
		}
	}

	nf := float64(half)
	w := stat.Mean(vars, nil)
	b := nf * stat.Variance(means, nil)
	if w == 0 {
		if b == 0 {
			return 1, true
		}
		return math.Inf(1), true
	}
	varPlus := (nf-1)/nf*w + b/nf
	return math.Sqrt(varPlus / w), true
}
