// Package ingest loads calibration tables into typed records.
package ingest

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"strconv"
	"strings"

	"github.com/lox/etapecal/internal/metrics"
	"github.com/lox/etapecal/internal/models"
)

// Column names of the main calibration table.
const (
	ColYear           = "year"
	ColWaterDepthInch = "water_depth_inch"
	ColResistivityOhm = "resistivity_ohm"
	ColEtapeID        = "etape_ID"
	ColEtapeLength    = "etape_length"
	ColQuality        = "good.bad"
	ColNotes          = "notes"
)

// CalibrationColumns is the column order written by exporters.
var CalibrationColumns = []string{
	ColYear, ColWaterDepthInch, ColResistivityOhm, ColEtapeID, ColEtapeLength, ColQuality, ColNotes,
}

var calibrationRequired = []string{
	ColYear, ColWaterDepthInch, ColResistivityOhm, ColEtapeID, ColEtapeLength, ColQuality,
}

var subStudyRequired = []string{ColEtapeID, ColWaterDepthInch, ColResistivityOhm}

// LoadCalibration fetches and parses the main calibration table.
func LoadCalibration(ctx context.Context, source string) ([]models.RawRecord, error) {
	body, err := Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	return ParseCalibration(source, bytes.NewReader(body))
}

// LoadSubStudy fetches and parses the single-sensor sub-study table.
func LoadSubStudy(ctx context.Context, source string) ([]models.SubStudyRecord, error) {
	body, err := Fetch(ctx, source)
	if err != nil {
		return nil, err
	}
	return ParseSubStudy(source, bytes.NewReader(body))
}

// ParseCalibration parses the main table. name is only used in errors.
func ParseCalibration(name string, r io.Reader) ([]models.RawRecord, error) {
	t, err := readTable(name, r, calibrationRequired)
	if err != nil {
		return nil, err
	}

	records := make([]models.RawRecord, 0, len(t.rows))
	for _, row := range t.rows {
		c := cells{table: t, row: row.fields, n: row.n}
		rec := models.RawRecord{
			Row:     row.n,
			Year:    c.str(ColYear),
			EtapeID: c.str(ColEtapeID),
			Notes:   c.str(ColNotes),
		}
		if rec.WaterDepthInch, err = c.float(ColWaterDepthInch); err != nil {
			return nil, err
		}
		if rec.ResistivityOhm, err = c.float(ColResistivityOhm); err != nil {
			return nil, err
		}
		if rec.EtapeLength, err = c.integer(ColEtapeLength); err != nil {
			return nil, err
		}
		if rec.Quality, err = c.quality(ColQuality); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	metrics.RecordsLoaded.WithLabelValues("calibration").Add(float64(len(records)))
	log.Printf("ingest: loaded %d calibration rows from %s", len(records), name)
	return records, nil
}

// ParseSubStudy parses the single-sensor sub-study table.
func ParseSubStudy(name string, r io.Reader) ([]models.SubStudyRecord, error) {
	t, err := readTable(name, r, subStudyRequired)
	if err != nil {
		return nil, err
	}

	records := make([]models.SubStudyRecord, 0, len(t.rows))
	for _, row := range t.rows {
		c := cells{table: t, row: row.fields, n: row.n}
		rec := models.SubStudyRecord{
			Row:     row.n,
			EtapeID: c.str(ColEtapeID),
		}
		if rec.WaterDepthInch, err = c.float(ColWaterDepthInch); err != nil {
			return nil, err
		}
		if rec.ResistivityOhm, err = c.float(ColResistivityOhm); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}

	metrics.RecordsLoaded.WithLabelValues("substudy").Add(float64(len(records)))
	log.Printf("ingest: loaded %d sub-study rows from %s", len(records), name)
	return records, nil
}

type table struct {
	index map[string]int
	rows  []tableRow
}

// tableRow keeps the fields of one record with its data row number: the
// line it starts on, counted from the header line. Blank lines still count.
type tableRow struct {
	n      int
	fields []string
}

func readTable(name string, r io.Reader, required []string) (*table, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &models.MalformedInputError{Source: name, Missing: required}
	}
	if err != nil {
		return nil, &models.MalformedInputError{Source: name, Err: fmt.Errorf("read header: %w", err)}
	}

	headerLine, _ := cr.FieldPos(0)
	t := &table{index: make(map[string]int, len(header))}
	for i, h := range header {
		h = strings.Trim(strings.TrimPrefix(h, "\ufeff"), " \t\"")
		if _, dup := t.index[h]; !dup {
			t.index[h] = i
		}
	}

	var missing []string
	for _, col := range required {
		if _, ok := t.index[col]; !ok {
			missing = append(missing, col)
		}
	}
	if len(missing) > 0 {
		return nil, &models.MalformedInputError{Source: name, Missing: missing}
	}

	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &models.MalformedInputError{Source: name, Err: fmt.Errorf("read row: %w", err)}
		}
		if blankRow(row) {
			continue
		}
		line, _ := cr.FieldPos(0)
		t.rows = append(t.rows, tableRow{n: line - headerLine, fields: row})
	}
	return t, nil
}

func blankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

type cells struct {
	table *table
	row   []string
	n     int
}

func (c cells) str(col string) string {
	i, ok := c.table.index[col]
	if !ok || i >= len(c.row) {
		return ""
	}
	return strings.TrimSpace(c.row[i])
}

func (c cells) float(col string) (float64, error) {
	raw := c.str(col)
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, &models.TypeCoercionError{Row: c.n, Column: col, Value: raw, Err: errors.Unwrap(err)}
	}
	return v, nil
}

func (c cells) integer(col string) (int, error) {
	v, err := c.float(col)
	if err != nil {
		return 0, err
	}
	if v != math.Trunc(v) || math.IsInf(v, 0) {
		return 0, &models.TypeCoercionError{Row: c.n, Column: col, Value: c.str(col), Err: errors.New("not a whole number")}
	}
	return int(v), nil
}

func (c cells) quality(col string) (models.Quality, error) {
	raw := c.str(col)
	switch models.Quality(strings.ToLower(raw)) {
	case models.QualityGood:
		return models.QualityGood, nil
	case models.QualityBad:
		return models.QualityBad, nil
	}
	return "", &models.TypeCoercionError{Row: c.n, Column: col, Value: raw, Err: errors.New("want good or bad")}
}
