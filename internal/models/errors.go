package models

import (
	"fmt"
	"strings"
)

// MalformedInputError reports an unreadable source or missing columns.
type MalformedInputError struct {
	Source  string
	Missing []string
	Err     error
}

func (e *MalformedInputError) Error() string {
	if len(e.Missing) > 0 {
		return fmt.Sprintf("malformed input %s: missing columns %s", e.Source, strings.Join(e.Missing, ", "))
	}
	return fmt.Sprintf("malformed input %s: %v", e.Source, e.Err)
}

func (e *MalformedInputError) Unwrap() error { return e.Err }

// TypeCoercionError reports a cell that cannot be parsed to its declared type.
// Row is the data row number: the line counted from the header, so the
// first line after the header is 1 and blank lines still count.
type TypeCoercionError struct {
	Row    int
	Column string
	Value  string
	Err    error
}

func (e *TypeCoercionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("row %d column %s: cannot coerce %q: %v", e.Row, e.Column, e.Value, e.Err)
	}
	return fmt.Sprintf("row %d column %s: cannot coerce %q", e.Row, e.Column, e.Value)
}

func (e *TypeCoercionError) Unwrap() error { return e.Err }

// ConfigurationError reports a mismatch between fixed configuration and data,
// or a degenerate configured parameter.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %s", e.Field, e.Reason)
}

// Configf builds a ConfigurationError.
func Configf(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
