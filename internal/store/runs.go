package store

import (
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

// FitRun records one request to the model fitter for auditing.
type FitRun struct {
	ID           string
	DatasetID    sql.NullInt64
	Model        string
	Program      string
	Chains       int
	Warmup       int
	Samples      int
	Seed         uint64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Success      bool
	ErrorMessage sql.NullString
	MaxRhat      sql.NullFloat64
	Divergent    sql.NullInt64
}

// StartFitRun assigns the run an id and inserts it as unfinished.
func (s *Store) StartFitRun(run *FitRun) error {
	run.ID = uuid.NewString()
	run.StartedAt = time.Now().UTC()

	_, err := s.db.Exec(`
		INSERT INTO fit_runs (id, dataset_id, model, program, chains, warmup, samples, seed, started_at, success)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, FALSE)
	`, run.ID, run.DatasetID, run.Model, run.Program, run.Chains, run.Warmup, run.Samples, int64(run.Seed), run.StartedAt)
	if err != nil {
		return fmt.Errorf("insert fit run: %w", err)
	}
	return nil
}

// CompleteFitRun records the outcome. A nil fitErr marks success.
func (s *Store) CompleteFitRun(run *FitRun, fitErr error) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	run.Success = fitErr == nil
	if fitErr != nil {
		run.ErrorMessage = sql.NullString{String: fitErr.Error(), Valid: true}
	}

	_, err := s.db.Exec(`
		UPDATE fit_runs SET
			finished_at = ?,
			success = ?,
			error_message = ?,
			max_rhat = ?,
			divergent = ?
		WHERE id = ?
	`, run.FinishedAt, run.Success, run.ErrorMessage, run.MaxRhat, run.Divergent, run.ID)
	return err
}

// ListFitRuns returns the most recent runs first.
func (s *Store) ListFitRuns(limit int) ([]FitRun, error) {
	rows, err := s.db.Query(`
		SELECT id, dataset_id, model, program, chains, warmup, samples, seed,
		       started_at, finished_at, success, error_message, max_rhat, divergent
		FROM fit_runs
		ORDER BY started_at DESC, rowid DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []FitRun
	for rows.Next() {
		var r FitRun
		var seed int64
		if err := rows.Scan(&r.ID, &r.DatasetID, &r.Model, &r.Program, &r.Chains, &r.Warmup, &r.Samples, &seed,
			&r.StartedAt, &r.FinishedAt, &r.Success, &r.ErrorMessage, &r.MaxRhat, &r.Divergent); err != nil {
			return nil, err
		}
		r.Seed = uint64(seed)
		results = append(results, r)
	}
	return results, rows.Err()
}

// SummaryRow is one archived posterior summary. Undefined statistics are
// stored as NULL and read back as NaN.
type SummaryRow struct {
	Param string
	Group int
	Label string
	Mean  float64
	SD    float64
	Q025  float64
	Q975  float64
	Draws int
}

// SavePosteriorSummaries replaces the summaries stored for a run.
func (s *Store) SavePosteriorSummaries(runID string, rows []SummaryRow) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM posterior_summaries WHERE fit_run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear summaries: %w", err)
	}
	for _, r := range rows {
		_, err := tx.Exec(`
			INSERT INTO posterior_summaries (fit_run_id, param, grp, label, mean, sd, q025, q975, draws)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, runID, r.Param, r.Group, r.Label, nullable(r.Mean), nullable(r.SD), nullable(r.Q025), nullable(r.Q975), r.Draws)
		if err != nil {
			return fmt.Errorf("insert summary %s[%d]: %w", r.Param, r.Group, err)
		}
	}
	return tx.Commit()
}

// GetPosteriorSummaries returns a run's summaries ordered by parameter and
// group.
func (s *Store) GetPosteriorSummaries(runID string) ([]SummaryRow, error) {
	rows, err := s.db.Query(`
		SELECT param, grp, label, mean, sd, q025, q975, draws
		FROM posterior_summaries
		WHERE fit_run_id = ?
		ORDER BY param, grp
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SummaryRow
	for rows.Next() {
		var r SummaryRow
		var label sql.NullString
		var mean, sd, q025, q975 sql.NullFloat64
		if err := rows.Scan(&r.Param, &r.Group, &label, &mean, &sd, &q025, &q975, &r.Draws); err != nil {
			return nil, err
		}
		r.Label = label.String
		r.Mean, r.SD, r.Q025, r.Q975 = orNaN(mean), orNaN(sd), orNaN(q025), orNaN(q975)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(f float64) sql.NullFloat64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func orNaN(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}
