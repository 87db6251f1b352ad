package prep

import (
	"cmp"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/lox/etapecal/internal/models"
)

// GroupKey identifies a (length, depth) calibration cell.
type GroupKey struct {
	EtapeLength    int
	WaterDepthInch float64
}

// GroupSummary describes the resistance readings of one cell. SD is NaN for a
// single-reading group.
type GroupSummary struct {
	GroupKey
	Mean   float64
	Median float64
	SD     float64
	Min    float64
	Max    float64
	Count  int
}

// Summarize aggregates resistance by (length, depth), ascending on both.
func Summarize(records []models.CalibrationRecord) []GroupSummary {
	groups := make(map[GroupKey][]float64)
	for _, r := range records {
		k := GroupKey{EtapeLength: r.EtapeLength, WaterDepthInch: r.WaterDepthInch}
		groups[k] = append(groups[k], r.ResistivityOhm)
	}

	keys := make([]GroupKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b GroupKey) int {
		if c := cmp.Compare(a.EtapeLength, b.EtapeLength); c != 0 {
			return c
		}
		return cmp.Compare(a.WaterDepthInch, b.WaterDepthInch)
	})

	out := make([]GroupSummary, 0, len(keys))
	for _, k := range keys {
		vals := slices.Clone(groups[k])
		slices.Sort(vals)

		s := GroupSummary{
			GroupKey: k,
			Mean:     stat.Mean(vals, nil),
			Median:   median(vals),
			SD:       math.NaN(),
			Min:      vals[0],
			Max:      vals[len(vals)-1],
			Count:    len(vals),
		}
		if len(vals) > 1 {
			s.SD = stat.StdDev(vals, nil)
		}
		out = append(out, s)
	}
	return out
}

// median of sorted values, averaging the middle pair for even counts.
func median(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
