// Package prep turns loaded calibration rows into the analysis-ready bundle
// consumed by the model fitter. Every step returns a new slice and leaves its
// input untouched.
package prep

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"

	"github.com/lox/etapecal/internal/metrics"
	"github.com/lox/etapecal/internal/models"
)

// FilterQuality keeps rows flagged good and drops the quality flag. An empty
// result is valid.
func FilterQuality(raw []models.RawRecord) []models.CalibrationRecord {
	out := make([]models.CalibrationRecord, 0, len(raw))
	for _, r := range raw {
		if r.Quality != models.QualityGood {
			continue
		}
		out = append(out, models.CalibrationRecord{
			Row:            r.Row,
			Year:           r.Year,
			WaterDepthInch: r.WaterDepthInch,
			ResistivityOhm: r.ResistivityOhm,
			EtapeID:        r.EtapeID,
			EtapeLength:    r.EtapeLength,
			Notes:          r.Notes,
		})
	}
	if dropped := len(raw) - len(out); dropped > 0 {
		metrics.RecordsDropped.WithLabelValues("quality_bad").Add(float64(dropped))
	}
	return out
}

// Lift turns filtered records back into raw rows flagged good.
func Lift(records []models.CalibrationRecord) []models.RawRecord {
	out := make([]models.RawRecord, len(records))
	for i, r := range records {
		out[i] = models.RawRecord{
			Row:            r.Row,
			Year:           r.Year,
			WaterDepthInch: r.WaterDepthInch,
			ResistivityOhm: r.ResistivityOhm,
			EtapeID:        r.EtapeID,
			EtapeLength:    r.EtapeLength,
			Quality:        models.QualityGood,
			Notes:          r.Notes,
		}
	}
	return out
}

// DeriveUnits fills WaterDepthCm from WaterDepthInch.
func DeriveUnits(records []models.CalibrationRecord) []models.CalibrationRecord {
	out := slices.Clone(records)
	for i := range out {
		out[i].WaterDepthCm = out[i].WaterDepthInch * models.InchToCm
	}
	return out
}

// FromSubStudy converts single-sensor rows into calibration records of the
// given nominal length. Sub-study rows carry no quality or year columns.
func FromSubStudy(rows []models.SubStudyRecord, length int) []models.CalibrationRecord {
	out := make([]models.CalibrationRecord, len(rows))
	for i, r := range rows {
		out[i] = models.CalibrationRecord{
			Row:            r.Row,
			WaterDepthInch: r.WaterDepthInch,
			ResistivityOhm: r.ResistivityOhm,
			EtapeID:        r.EtapeID,
			EtapeLength:    length,
		}
	}
	return out
}

// NormalizeTypes canonicalises labels and checks every record against its
// declared types. Numeric problems are TypeCoercionErrors; a length outside
// the supported set is a ConfigurationError. Nothing is dropped silently.
func NormalizeTypes(records []models.CalibrationRecord, lengths []int) ([]models.CalibrationRecord, error) {
	out := make([]models.CalibrationRecord, len(records))
	for i, r := range records {
		r.Year = strings.TrimSpace(r.Year)
		r.EtapeID = strings.TrimSpace(r.EtapeID)
		r.Notes = strings.TrimSpace(r.Notes)

		for _, flag := range ValidateRecord(&r, lengths) {
			switch flag {
			case FlagDepthNonFinite, FlagDepthNegative:
				return nil, coercionError(r, "water_depth_inch", r.WaterDepthInch, flag)
			case FlagResistanceNonFinite, FlagResistanceNonPositive:
				return nil, coercionError(r, "resistivity_ohm", r.ResistivityOhm, flag)
			case FlagUnitMissing:
				return nil, &models.TypeCoercionError{Row: r.Row, Column: "etape_ID", Value: "", Err: errors.New(flag)}
			case FlagLengthUnsupported:
				return nil, models.Configf("etape_length", "row %d: length %d not in supported set %v", r.Row, r.EtapeLength, lengths)
			}
		}

		r.WaterDepthCm = r.WaterDepthInch * models.InchToCm
		out[i] = r
	}
	return out, nil
}

func coercionError(r models.CalibrationRecord, col string, v float64, flag string) error {
	return &models.TypeCoercionError{Row: r.Row, Column: col, Value: fmt.Sprint(v), Err: errors.New(flag)}
}

// Result is the output of Prepare.
type Result struct {
	Records []models.CalibrationRecord
	Bundle  models.DatasetBundle
	Loaded  int
	Kept    int
}

// Prepare runs filter, unit derivation, type normalisation and bundling.
func Prepare(raw []models.RawRecord, lengths []int, priorMeans []float64, opts BundleOptions) (*Result, error) {
	records := FilterQuality(raw)
	records = DeriveUnits(records)
	records, err := NormalizeTypes(records, lengths)
	if err != nil {
		return nil, fmt.Errorf("normalize: %w", err)
	}

	bundle, err := BuildBundle(records, lengths, priorMeans, opts)
	if err != nil {
		return nil, fmt.Errorf("build bundle: %w", err)
	}

	log.Printf("prep: kept %d of %d rows, K_L=%d K_I=%d K_Y=%d", len(records), len(raw), bundle.KL, bundle.KI, bundle.KY)
	return &Result{
		Records: records,
		Bundle:  bundle,
		Loaded:  len(raw),
		Kept:    len(records),
	}, nil
}
