package baseline

import (
	"errors"
	"math"
	"testing"

	"github.com/lox/etapecal/internal/models"
)

func line(length int, a, b float64, rs ...float64) []models.CalibrationRecord {
	var out []models.CalibrationRecord
	for _, r := range rs {
		out = append(out, models.CalibrationRecord{EtapeLength: length, ResistivityOhm: r, WaterDepthCm: a + b*r})
	}
	return out
}

func TestFitByLength_ExactLine(t *testing.T) {
	recs := line(12, 40, -0.02, 500, 1000, 1500, 2000)
	fits := FitByLength(recs)
	if len(fits) != 1 {
		t.Fatalf("got %d fits, want 1", len(fits))
	}
	f := fits[0]
	if f.Err != nil {
		t.Fatalf("unexpected error: %v", f.Err)
	}
	if f.Length != 12 || f.N != 4 {
		t.Errorf("Length/N = %d/%d, want 12/4", f.Length, f.N)
	}
	if math.Abs(f.Intercept-40) > 1e-9 {
		t.Errorf("Intercept = %v, want 40", f.Intercept)
	}
	if math.Abs(f.Slope+0.02) > 1e-12 {
		t.Errorf("Slope = %v, want -0.02", f.Slope)
	}
	if math.Abs(f.RSquared-1) > 1e-9 {
		t.Errorf("RSquared = %v, want 1", f.RSquared)
	}
	if f.ResidualSD > 1e-9 || f.MAE > 1e-9 {
		t.Errorf("ResidualSD/MAE = %v/%v, want ~0", f.ResidualSD, f.MAE)
	}
	if got := f.Predict(750); math.Abs(got-25) > 1e-9 {
		t.Errorf("Predict(750) = %v, want 25", got)
	}
}

func TestFitByLength_Residuals(t *testing.T) {
	// Points at distance +1, -1, -1, +1 from the line w = 10 + 0*r.
	recs := []models.CalibrationRecord{
		{EtapeLength: 8, ResistivityOhm: 1, WaterDepthCm: 11},
		{EtapeLength: 8, ResistivityOhm: 2, WaterDepthCm: 9},
		{EtapeLength: 8, ResistivityOhm: 3, WaterDepthCm: 9},
		{EtapeLength: 8, ResistivityOhm: 4, WaterDepthCm: 11},
	}
	f := FitByLength(recs)[0]
	if math.Abs(f.Slope) > 1e-12 || math.Abs(f.Intercept-10) > 1e-12 {
		t.Fatalf("line = %v + %v r, want 10 + 0 r", f.Intercept, f.Slope)
	}
	if want := math.Sqrt(4.0 / 2.0); math.Abs(f.ResidualSD-want) > 1e-12 {
		t.Errorf("ResidualSD = %v, want %v", f.ResidualSD, want)
	}
	if math.Abs(f.MAE-1) > 1e-12 {
		t.Errorf("MAE = %v, want 1", f.MAE)
	}
}

func TestFitByLength_Groups(t *testing.T) {
	var recs []models.CalibrationRecord
	recs = append(recs, line(24, 70, -0.025, 1000, 2000, 3000)...)
	recs = append(recs, line(8, 28, -0.01, 900, 900, 900)...)
	recs = append(recs, line(15, 46, -0.017, 1000, 2000)...)

	fits := FitByLength(recs)
	if len(fits) != 3 {
		t.Fatalf("got %d fits, want 3", len(fits))
	}
	for i, want := range []int{8, 15, 24} {
		if fits[i].Length != want {
			t.Errorf("fits[%d].Length = %d, want %d", i, fits[i].Length, want)
		}
	}

	if !errors.Is(fits[0].Err, ErrTooFewResistances) {
		t.Errorf("length 8 Err = %v, want ErrTooFewResistances", fits[0].Err)
	}
	if !math.IsNaN(fits[0].Slope) {
		t.Errorf("skipped group slope = %v, want NaN", fits[0].Slope)
	}
	if fits[0].N != 3 {
		t.Errorf("skipped group N = %d, want 3", fits[0].N)
	}

	if fits[1].Err != nil {
		t.Fatalf("length 15: %v", fits[1].Err)
	}
	if !math.IsNaN(fits[1].ResidualSD) {
		t.Errorf("two-point ResidualSD = %v, want NaN", fits[1].ResidualSD)
	}
	if math.Abs(fits[2].Intercept-70) > 1e-9 {
		t.Errorf("length 24 intercept = %v, want 70", fits[2].Intercept)
	}
}

func TestFitByLength_Empty(t *testing.T) {
	if fits := FitByLength(nil); len(fits) != 0 {
		t.Errorf("got %d fits for no records", len(fits))
	}
}
