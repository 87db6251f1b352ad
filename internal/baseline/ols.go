// Package baseline fits the frequentist reference: an ordinary least squares
// line of depth on resistance for each nominal length.
package baseline

import (
	"errors"
	"fmt"
	"log"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/etapecal/internal/models"
)

// ErrTooFewResistances marks a group whose line is not identifiable.
var ErrTooFewResistances = errors.New("fewer than 2 distinct resistances")

// Fit is the OLS result for one length. Err is set, and the numeric fields
// are NaN, when the group could not be fitted.
type Fit struct {
	Length     int
	N          int
	Intercept  float64 // cm
	Slope      float64 // cm per ohm
	RSquared   float64
	ResidualSD float64 // NaN with only two points
	MAE        float64
	Err        error
}

// Predict returns the fitted depth in cm at resistance r.
func (f Fit) Predict(r float64) float64 {
	return f.Intercept + f.Slope*r
}

// FitByLength fits WaterDepthCm = Intercept + Slope*ResistivityOhm per
// length, ascending by length. Unfittable groups are reported, not dropped.
func FitByLength(records []models.CalibrationRecord) []Fit {
	type xy struct{ r, w []float64 }
	groups := make(map[int]*xy)
	for _, rec := range records {
		g, ok := groups[rec.EtapeLength]
		if !ok {
			g = &xy{}
			groups[rec.EtapeLength] = g
		}
		g.r = append(g.r, rec.ResistivityOhm)
		g.w = append(g.w, rec.WaterDepthCm)
	}

	lengths := make([]int, 0, len(groups))
	for l := range groups {
		lengths = append(lengths, l)
	}
	slices.Sort(lengths)

	out := make([]Fit, 0, len(lengths))
	for _, l := range lengths {
		g := groups[l]
		f := fitLine(g.r, g.w)
		f.Length = l
		if f.Err != nil {
			log.Printf("baseline: length %d skipped: %v", l, f.Err)
		}
		out = append(out, f)
	}
	return out
}

func fitLine(r, w []float64) Fit {
	f := Fit{
		N:          len(r),
		Intercept:  math.NaN(),
		Slope:      math.NaN(),
		RSquared:   math.NaN(),
		ResidualSD: math.NaN(),
		MAE:        math.NaN(),
	}
	if distinct(r) < 2 {
		f.Err = fmt.Errorf("%d rows: %w", len(r), ErrTooFewResistances)
		return f
	}

	f.Intercept, f.Slope = stat.LinearRegression(r, w, nil, false)
	f.RSquared = stat.RSquared(r, w, nil, f.Intercept, f.Slope)

	var ssr, sae float64
	for i := range r {
		res := w[i] - f.Predict(r[i])
		ssr += res * res
		sae += math.Abs(res)
	}
	f.MAE = sae / float64(len(r))
	if len(r) > 2 {
		f.ResidualSD = math.Sqrt(ssr / float64(len(r)-2))
	}
	return f
}

func distinct(vals []float64) int {
	seen := make(map[float64]struct{}, len(vals))
	for _, v := range vals {
		seen[v] = struct{}{}
	}
	return len(seen)
}
