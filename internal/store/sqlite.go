// Package store archives loaded datasets, raw input tables and model fit
// runs in SQLite.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/lox/etapecal/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open opens (creating if needed) the SQLite database at path and applies
// pending migrations.
func Open(path string) (*Store, error) {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	db, err := sql.Open("sqlite", path+sep+"_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := New(db)
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Dataset describes one archived, prepared record set.
type Dataset struct {
	ID           int64
	Name         string
	Kind         string // "calibration", "substudy", "simulated"
	Source       sql.NullString
	RawPayloadID sql.NullInt64
	RowsLoaded   int
	RowsKept     int
	CreatedAt    time.Time
}

// SaveDataset stores the dataset header and its records in one transaction
// and returns the new dataset id.
func (s *Store) SaveDataset(d Dataset, records []models.CalibrationRecord) (int64, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	res, err := tx.Exec(`
		INSERT INTO datasets (name, kind, source, raw_payload_id, rows_loaded, rows_kept, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.Name, d.Kind, d.Source, d.RawPayloadID, d.RowsLoaded, d.RowsKept, d.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert dataset: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}

	stmt, err := tx.Prepare(`
		INSERT INTO calibration_records
		(dataset_id, row, year, water_depth_inch, water_depth_cm, resistivity_ohm, etape_id, etape_length, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare record insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.Exec(id, r.Row, r.Year, r.WaterDepthInch, r.WaterDepthCm, r.ResistivityOhm, r.EtapeID, r.EtapeLength, r.Notes); err != nil {
			return 0, fmt.Errorf("insert record row %d: %w", r.Row, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit dataset: %w", err)
	}
	return id, nil
}

// GetDataset returns the dataset header, or nil if it does not exist.
func (s *Store) GetDataset(id int64) (*Dataset, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, source, raw_payload_id, rows_loaded, rows_kept, created_at
		FROM datasets WHERE id = ?
	`, id)

	var d Dataset
	err := row.Scan(&d.ID, &d.Name, &d.Kind, &d.Source, &d.RawPayloadID, &d.RowsLoaded, &d.RowsKept, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// GetDatasetRecords returns the records of a dataset in their original row
// order.
func (s *Store) GetDatasetRecords(datasetID int64) ([]models.CalibrationRecord, error) {
	rows, err := s.db.Query(`
		SELECT row, year, water_depth_inch, water_depth_cm, resistivity_ohm, etape_id, etape_length, notes
		FROM calibration_records
		WHERE dataset_id = ?
		ORDER BY row
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.CalibrationRecord
	for rows.Next() {
		var r models.CalibrationRecord
		var year, etapeID, notes sql.NullString
		if err := rows.Scan(&r.Row, &year, &r.WaterDepthInch, &r.WaterDepthCm, &r.ResistivityOhm, &etapeID, &r.EtapeLength, &notes); err != nil {
			return nil, err
		}
		r.Year, r.EtapeID, r.Notes = year.String, etapeID.String, notes.String
		records = append(records, r)
	}
	return records, rows.Err()
}

// ListDatasets returns the most recent datasets first.
func (s *Store) ListDatasets(limit int) ([]Dataset, error) {
	rows, err := s.db.Query(`
		SELECT id, name, kind, source, raw_payload_id, rows_loaded, rows_kept, created_at
		FROM datasets
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Dataset
	for rows.Next() {
		var d Dataset
		if err := rows.Scan(&d.ID, &d.Name, &d.Kind, &d.Source, &d.RawPayloadID, &d.RowsLoaded, &d.RowsKept, &d.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
