package fitter

import (
	"fmt"
	"strings"
	"time"

	"github.com/lox/etapecal/internal/models"
)

// DimensionMismatchError reports a bundle or a set of returned draws whose
// shape disagrees with what the model declares. It unwraps to a
// ConfigurationError.
type DimensionMismatchError struct {
	Model string
	Err   *models.ConfigurationError
}

func (e *DimensionMismatchError) Error() string {
	return fmt.Sprintf("dimension mismatch for model %s: %v", e.Model, e.Err)
}

func (e *DimensionMismatchError) Unwrap() error { return e.Err }

func mismatch(model, field, format string, args ...any) *DimensionMismatchError {
	return &DimensionMismatchError{Model: model, Err: models.Configf(field, format, args...)}
}

// FitterTimeoutError means the fit did not complete before the context
// deadline. It is distinct from statistical failures.
type FitterTimeoutError struct {
	Model   string
	Elapsed time.Duration
	Err     error
}

func (e *FitterTimeoutError) Error() string {
	return fmt.Sprintf("fitter timed out after %s for model %s: %v", e.Elapsed.Round(time.Millisecond), e.Model, e.Err)
}

func (e *FitterTimeoutError) Unwrap() error { return e.Err }

// StatusError is a non-2xx response from the fitter service.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("fitter returned status %d", e.Code)
	}
	return fmt.Sprintf("fitter returned status %d: %s", e.Code, e.Message)
}

// ConvergenceError carries the full diagnostics of a fit that must not be
// reported as successful.
type ConvergenceError struct {
	Model       string
	Threshold   float64
	MaxRhat     float64
	Worst       string   // parameter with the largest R-hat
	Unjudged    []string // columns with too few draws for R-hat
	Diagnostics models.Diagnostics
}

func (e *ConvergenceError) Error() string {
	var parts []string
	if e.MaxRhat > e.Threshold {
		parts = append(parts, fmt.Sprintf("max R-hat %.4f (%s) exceeds %.4f", e.MaxRhat, e.Worst, e.Threshold))
	}
	if len(e.Unjudged) > 0 {
		parts = append(parts, fmt.Sprintf("no R-hat for %s (too few draws per chain)", strings.Join(e.Unjudged, ", ")))
	}
	if e.Diagnostics.Divergent > 0 {
		parts = append(parts, fmt.Sprintf("%d divergent transitions", e.Diagnostics.Divergent))
	}
	if len(parts) == 0 {
		parts = append(parts, "sampler reported problems")
	}
	if e.Model == "" {
		return "fit did not converge: " + strings.Join(parts, "; ")
	}
	return fmt.Sprintf("model %s did not converge: %s", e.Model, strings.Join(parts, "; "))
}
