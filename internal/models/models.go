package models

// InchToCm is the exact inch to centimetre conversion factor.
const InchToCm = 2.54

type Quality string

const (
	QualityGood Quality = "good"
	QualityBad  Quality = "bad"
)

// RawRecord is one row of the main calibration table as loaded.
type RawRecord struct {
	Row            int // data row number: its line counted from the header, blank lines included
	Year           string
	WaterDepthInch float64
	ResistivityOhm float64
	EtapeID        string
	EtapeLength    int // nominal length in inches
	Quality        Quality
	Notes          string
}

// CalibrationRecord is a quality-filtered record. The quality flag is gone;
// WaterDepthCm is filled in by prep.DeriveUnits.
type CalibrationRecord struct {
	Row            int
	Year           string
	WaterDepthInch float64
	WaterDepthCm   float64
	ResistivityOhm float64
	EtapeID        string
	EtapeLength    int
	Notes          string
}

// SubStudyRecord is a row of the single-sensor sub-study table.
type SubStudyRecord struct {
	Row            int
	EtapeID        string
	WaterDepthInch float64
	ResistivityOhm float64
}

// SimulatedRecord is a synthetic observation. All simulated rows are good by
// construction and carry no unit identity.
type SimulatedRecord struct {
	Length         int
	WaterDepthInch float64
	WaterDepthCm   float64
	Replicate      int
	ResistivityOhm float64
}

// TruthEntry holds the generating parameters for one nominal length.
// Depth in cm is Intercept + Slope*resistance; NoiseSD is on the resistance scale.
type TruthEntry struct {
	Length    int     `yaml:"length" json:"length" validate:"gt=0"`
	Intercept float64 `yaml:"intercept" json:"intercept"`
	Slope     float64 `yaml:"slope" json:"slope"`
	NoiseSD   float64 `yaml:"noise_sd" json:"noise_sd" validate:"gte=0"`
}

// GroundTruth is ordered; generation enumerates lengths in this order.
type GroundTruth []TruthEntry

// Lookup returns the entry for a nominal length.
func (g GroundTruth) Lookup(length int) (TruthEntry, bool) {
	for _, e := range g {
		if e.Length == length {
			return e, true
		}
	}
	return TruthEntry{}, false
}

// DatasetBundle is the flat structure handed to the model fitter.
// Index vectors are 1-based.
type DatasetBundle struct {
	N      int       `json:"N"`
	W      []float64 `json:"W"`
	R      []float64 `json:"R"`
	L      []int     `json:"L"`
	I      []int     `json:"I,omitempty"`
	Y      []int     `json:"Y,omitempty"`
	KL     int       `json:"K_L"`
	KI     int       `json:"K_I,omitempty"`
	KY     int       `json:"K_Y,omitempty"`
	APrior []float64 `json:"aPrior"`

	Levels BundleLevels `json:"levels"`
}

// BundleLevels decodes index values back to labels; Lengths[k-1] is the
// nominal length for L == k.
type BundleLevels struct {
	Lengths []int    `json:"lengths"`
	Units   []string `json:"units,omitempty"`
	Years   []string `json:"years,omitempty"`
}

// HasUnits reports whether the bundle carries the per-unit grouping.
func (b DatasetBundle) HasUnits() bool {
	return b.I != nil
}

// HasYears reports whether the bundle carries the per-year grouping.
func (b DatasetBundle) HasYears() bool {
	return b.Y != nil
}

// Posterior holds draws returned by the fitter. Draws[param][draw][group];
// scalar parameters have a single group column.
type Posterior struct {
	Draws       map[string][][]float64
	Chains      []int
	Diagnostics Diagnostics
}

type Diagnostics struct {
	Rhat      map[string]float64 // keyed "alpha[1]" etc.
	Divergent int
	Messages  []string
}

// Param returns the draws for one parameter and group index (1-based).
func (p *Posterior) Param(name string, group int) ([]float64, bool) {
	draws, ok := p.Draws[name]
	if !ok || group < 1 {
		return nil, false
	}
	out := make([]float64, 0, len(draws))
	for _, d := range draws {
		if group > len(d) {
			return nil, false
		}
		out = append(out, d[group-1])
	}
	return out, true
}

// Groups returns the number of group columns of a parameter.
func (p *Posterior) Groups(name string) int {
	draws := p.Draws[name]
	if len(draws) == 0 {
		return 0
	}
	return len(draws[0])
}
