// Package simulate draws synthetic calibration data from known ground truth,
// used to check that a model recovers the parameters it was generated with.
package simulate

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/lox/etapecal/internal/metrics"
	"github.com/lox/etapecal/internal/models"
	"github.com/lox/etapecal/internal/prep"
)

// Generate draws replicates noisy resistance readings for every
// (length, depth) pair. The enumeration order is length (as listed in truth),
// then depth, then replicate, and all draws come from one PCG stream seeded
// with seed, so identical arguments give bit-identical output.
func Generate(truth models.GroundTruth, depthsInch []int, replicates int, seed uint64) ([]models.SimulatedRecord, error) {
	if replicates < 0 {
		return nil, models.Configf("replicates", "must not be negative, got %d", replicates)
	}
	for _, e := range truth {
		if e.Slope == 0 {
			return nil, models.Configf("simulation.truth", "slope for length %d is zero; expected resistance is undefined", e.Length)
		}
		if e.NoiseSD < 0 || math.IsNaN(e.NoiseSD) {
			return nil, models.Configf("simulation.truth", "noise sd for length %d must be >= 0, got %v", e.Length, e.NoiseSD)
		}
	}

	src := rand.NewPCG(seed, seed)
	out := make([]models.SimulatedRecord, 0, len(truth)*len(depthsInch)*replicates)
	for _, e := range truth {
		normal := distuv.Normal{Mu: 0, Sigma: e.NoiseSD, Src: src}
		for _, d := range depthsInch {
			depthCm := float64(d) * models.InchToCm
			mu := ExpectedResistance(e, depthCm)
			for rep := 1; rep <= replicates; rep++ {
				out = append(out, models.SimulatedRecord{
					Length:         e.Length,
					WaterDepthInch: float64(d),
					WaterDepthCm:   depthCm,
					Replicate:      rep,
					ResistivityOhm: mu + normal.Rand(),
				})
			}
		}
	}

	metrics.SyntheticRecordsGenerated.Add(float64(len(out)))
	log.Printf("simulate: drew %d records for %d lengths (seed %d)", len(out), len(truth), seed)
	return out, nil
}

// ExpectedResistance inverts depth = intercept + slope*R for R.
// The caller guarantees a non-zero slope.
func ExpectedResistance(e models.TruthEntry, depthCm float64) float64 {
	return (depthCm - e.Intercept) / e.Slope
}

// ToCalibration converts simulated rows into calibration records with a
// synthetic unit id per length, so they flow through the same pipeline.
func ToCalibration(records []models.SimulatedRecord) []models.CalibrationRecord {
	out := make([]models.CalibrationRecord, len(records))
	for i, r := range records {
		out[i] = models.CalibrationRecord{
			Row:            i + 1,
			Year:           "sim",
			WaterDepthInch: r.WaterDepthInch,
			WaterDepthCm:   r.WaterDepthCm,
			ResistivityOhm: r.ResistivityOhm,
			EtapeID:        unitID(r.Length),
			EtapeLength:    r.Length,
		}
	}
	return out
}

// BuildBundle bundles simulated records with the same contract as
// prep.BuildBundle; L follows the canonical lengths ordering.
func BuildBundle(records []models.SimulatedRecord, lengths []int, priorMeans []float64) (models.DatasetBundle, error) {
	return prep.BuildBundle(ToCalibration(records), lengths, priorMeans, prep.BundleOptions{})
}

// WriteCSV writes records in the main calibration table layout.
func WriteCSV(w io.Writer, records []models.SimulatedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"year", "water_depth_inch", "resistivity_ohm", "etape_ID", "etape_length", "good.bad", "notes"}); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	for _, r := range records {
		row := []string{
			"sim",
			strconv.FormatFloat(r.WaterDepthInch, 'g', -1, 64),
			strconv.FormatFloat(r.ResistivityOhm, 'g', -1, 64),
			unitID(r.Length),
			strconv.Itoa(r.Length),
			string(models.QualityGood),
			"replicate " + strconv.Itoa(r.Replicate),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

func unitID(length int) string {
	return "sim-" + strconv.Itoa(length)
}
