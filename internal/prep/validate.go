package prep

import (
	"math"

	"github.com/lox/etapecal/internal/models"
)

const (
	FlagDepthNonFinite        = "depth_non_finite"
	FlagDepthNegative         = "depth_negative"
	FlagResistanceNonFinite   = "resistance_non_finite"
	FlagResistanceNonPositive = "resistance_non_positive"
	FlagUnitMissing           = "unit_missing"
	FlagLengthUnsupported     = "length_unsupported"
)

// ValidateRecord returns the flags raised by a record. lengths is the set of
// supported nominal lengths; a nil set skips the length check.
func ValidateRecord(rec *models.CalibrationRecord, lengths []int) []string {
	var flags []string

	switch {
	case math.IsNaN(rec.WaterDepthInch) || math.IsInf(rec.WaterDepthInch, 0):
		flags = append(flags, FlagDepthNonFinite)
	case rec.WaterDepthInch < 0:
		flags = append(flags, FlagDepthNegative)
	}

	switch {
	case math.IsNaN(rec.ResistivityOhm) || math.IsInf(rec.ResistivityOhm, 0):
		flags = append(flags, FlagResistanceNonFinite)
	case rec.ResistivityOhm <= 0:
		flags = append(flags, FlagResistanceNonPositive)
	}

	if rec.EtapeID == "" {
		flags = append(flags, FlagUnitMissing)
	}

	if lengths != nil && !containsLength(lengths, rec.EtapeLength) {
		flags = append(flags, FlagLengthUnsupported)
	}

	return flags
}

func containsLength(lengths []int, l int) bool {
	for _, v := range lengths {
		if v == l {
			return true
		}
	}
	return false
}
