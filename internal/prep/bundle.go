package prep

import (
	"github.com/lox/etapecal/internal/models"
)

// BundleOptions selects the optional grouping vectors.
type BundleOptions struct {
	Units bool // emit I / K_I
	Years bool // emit Y / K_Y
}

// BuildBundle assigns 1-based indices to each categorical level.
//
// L is dense over the lengths present, ordered by the canonical lengths
// slice, and aPrior is aligned with it. Units and years are indexed in order
// of first appearance. An empty record set yields an empty bundle.
func BuildBundle(records []models.CalibrationRecord, lengths []int, priorMeans []float64, opts BundleOptions) (models.DatasetBundle, error) {
	if len(priorMeans) != len(lengths) {
		return models.DatasetBundle{}, models.Configf("prior_means", "has %d entries for %d supported lengths", len(priorMeans), len(lengths))
	}

	present := make(map[int]bool)
	for _, r := range records {
		if !containsLength(lengths, r.EtapeLength) {
			return models.DatasetBundle{}, models.Configf("etape_length", "row %d: length %d has no prior mean (supported %v)", r.Row, r.EtapeLength, lengths)
		}
		present[r.EtapeLength] = true
	}

	n := len(records)
	b := models.DatasetBundle{
		N:      n,
		W:      make([]float64, n),
		R:      make([]float64, n),
		L:      make([]int, n),
		APrior: []float64{},
		Levels: models.BundleLevels{Lengths: []int{}},
	}

	lengthIndex := make(map[int]int, len(present))
	for i, l := range lengths {
		if !present[l] {
			continue
		}
		b.Levels.Lengths = append(b.Levels.Lengths, l)
		b.APrior = append(b.APrior, priorMeans[i])
		lengthIndex[l] = len(b.Levels.Lengths)
	}
	b.KL = len(b.Levels.Lengths)

	var units, years *levelIndex
	if opts.Units {
		units = newLevelIndex()
		b.I = make([]int, n)
	}
	if opts.Years {
		years = newLevelIndex()
		b.Y = make([]int, n)
	}

	for i, r := range records {
		b.W[i] = r.WaterDepthCm
		b.R[i] = r.ResistivityOhm
		b.L[i] = lengthIndex[r.EtapeLength]
		if units != nil {
			b.I[i] = units.index(r.EtapeID)
		}
		if years != nil {
			b.Y[i] = years.index(r.Year)
		}
	}

	if units != nil {
		b.KI = len(units.labels)
		b.Levels.Units = units.labels
	}
	if years != nil {
		b.KY = len(years.labels)
		b.Levels.Years = years.labels
	}
	return b, nil
}

// levelIndex assigns indices in order of first appearance.
type levelIndex struct {
	ids    map[string]int
	labels []string
}

func newLevelIndex() *levelIndex {
	return &levelIndex{ids: make(map[string]int), labels: []string{}}
}

func (l *levelIndex) index(label string) int {
	if id, ok := l.ids[label]; ok {
		return id
	}
	l.labels = append(l.labels, label)
	id := len(l.labels)
	l.ids[label] = id
	return id
}
