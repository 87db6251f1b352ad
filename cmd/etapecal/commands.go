package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"slices"
	"strconv"
	"text/tabwriter"

	"github.com/lox/etapecal/internal/baseline"
	"github.com/lox/etapecal/internal/fitter"
	"github.com/lox/etapecal/internal/ingest"
	"github.com/lox/etapecal/internal/metrics"
	"github.com/lox/etapecal/internal/models"
	"github.com/lox/etapecal/internal/posterior"
	"github.com/lox/etapecal/internal/prep"
	"github.com/lox/etapecal/internal/simulate"
	"github.com/lox/etapecal/internal/store"
)

// InputFlags select and shape an input table.
type InputFlags struct {
	Input    string `arg:"" help:"Calibration table: a local path or ftp:// URL."`
	SubStudy bool   `name:"substudy" help:"Input is the single-sensor sub-study table."`
}

type PrepareCmd struct {
	InputFlags
	Units bool   `help:"Emit the per-unit index I."`
	Years bool   `help:"Emit the per-year index Y."`
	Out   string `short:"o" help:"Write the bundle JSON here (- for stdout)." default:"-"`
}

func (c *PrepareCmd) Run(app *App) error {
	res, _, err := app.prepare(c.InputFlags, prep.BundleOptions{Units: c.Units, Years: c.Years})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "kept %d of %d rows, K_L=%d K_I=%d K_Y=%d\n", res.Kept, res.Loaded, res.Bundle.KL, res.Bundle.KI, res.Bundle.KY)
	return writeJSON(app.Out, c.Out, res.Bundle)
}

type SummarizeCmd struct {
	InputFlags
}

func (c *SummarizeCmd) Run(app *App) error {
	res, _, err := app.prepare(c.InputFlags, prep.BundleOptions{})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "length\tdepth_in\tn\tmean\tmedian\tsd\tmin\tmax\t")
	for _, s := range prep.Summarize(res.Records) {
		fmt.Fprintf(tw, "%d\t%g\t%d\t%.1f\t%.1f\t%s\t%.1f\t%.1f\t\n",
			s.EtapeLength, s.WaterDepthInch, s.Count, s.Mean, s.Median, fmtNum(s.SD, 2), s.Min, s.Max)
	}
	return tw.Flush()
}

type SimulateCmd struct {
	Seed       *uint64 `help:"Random seed (default from config)."`
	Replicates int     `help:"Replicates per depth (default from config)."`
	CSV        string  `name:"csv" help:"Write the records in calibration table layout (- for stdout)."`
	BundleOut  string  `help:"Write the bundle JSON here."`
}

func (c *SimulateCmd) Run(app *App) error {
	records, bundle, err := app.simulate(c.Seed, c.Replicates)
	if err != nil {
		return err
	}
	if c.CSV != "" {
		if err := withOutput(app.Out, c.CSV, func(w io.Writer) error { return simulate.WriteCSV(w, records) }); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	if c.BundleOut != "" {
		if err := writeJSON(app.Out, c.BundleOut, bundle); err != nil {
			return err
		}
	}
	if app.Store != nil {
		cal := simulate.ToCalibration(records)
		id, err := app.Store.SaveDataset(store.Dataset{Name: "simulated", Kind: "simulated", RowsLoaded: len(cal), RowsKept: len(cal)}, cal)
		if err != nil {
			return fmt.Errorf("archive dataset: %w", err)
		}
		log.Printf("store: saved simulated dataset %d", id)
	}
	fmt.Fprintf(os.Stderr, "generated %d records over %d lengths\n", len(records), bundle.KL)
	return nil
}

type FitCmd struct {
	Model    string  `help:"Model preset." enum:"simulated,pooled,pooled_unit,single_sensor" default:"pooled"`
	Input    string  `arg:"" optional:"" help:"Input table (not used by the simulated model)."`
	Dataset  int64   `help:"Refit an archived dataset instead of reading an input table."`
	SubStudy bool    `name:"substudy" help:"Input is the single-sensor sub-study table."`
	Years    bool    `help:"Add a per-year effect."`
	Recovery float64 `help:"For simulated fits, allowed distance from truth in posterior sd." default:"2"`
}

func (c *FitCmd) Run(app *App) error {
	spec, err := fitter.Preset(c.Model, fitter.Priors(app.Config.Priors))
	if err != nil {
		return err
	}
	spec.YearEffect = spec.YearEffect || c.Years

	var bundle models.DatasetBundle
	var datasetID sql.NullInt64
	switch {
	case spec.Name == "simulated":
		_, bundle, err = app.simulate(nil, 0)
	case c.Dataset != 0:
		bundle, err = app.archivedBundle(c.Dataset, prep.BundleOptions{Units: spec.UnitEffect, Years: spec.YearEffect})
		datasetID = sql.NullInt64{Int64: c.Dataset, Valid: true}
	default:
		if c.Input == "" {
			return fmt.Errorf("model %s needs an input table or --dataset", spec.Name)
		}
		var res *prep.Result
		res, datasetID, err = app.prepare(InputFlags{Input: c.Input, SubStudy: c.SubStudy},
			prep.BundleOptions{Units: spec.UnitEffect, Years: spec.YearEffect})
		if res != nil {
			bundle = res.Bundle
		}
	}
	if err != nil {
		return err
	}

	post, err := app.fit(spec, bundle, datasetID)
	if err != nil {
		return err
	}
	if err := printSummaries(app.Out, post, bundle); err != nil {
		return err
	}

	if spec.Name == "simulated" {
		rows, err := posterior.CheckRecovery(post, bundle, app.Config.Simulation.Truth, c.Recovery)
		printRecovery(app.Out, rows)
		if err != nil {
			return err
		}
	}
	return nil
}

type BaselineCmd struct {
	InputFlags
	RNew float64 `name:"r-new" help:"Also predict depth at this resistance."`
}

func (c *BaselineCmd) Run(app *App) error {
	res, _, err := app.prepare(c.InputFlags, prep.BundleOptions{})
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "length\tn\tintercept\tslope\tr2\tresid_sd\tmae\tpredict\t")
	for _, f := range baseline.FitByLength(res.Records) {
		if f.Err != nil {
			fmt.Fprintf(tw, "%d\t%d\t-\t-\t-\t-\t-\t%v\t\n", f.Length, f.N, f.Err)
			continue
		}
		pred := "-"
		if c.RNew != 0 {
			pred = fmtNum(f.Predict(c.RNew), 2)
		}
		fmt.Fprintf(tw, "%d\t%d\t%.3f\t%.6f\t%.4f\t%s\t%.3f\t%s\t\n",
			f.Length, f.N, f.Intercept, f.Slope, f.RSquared, fmtNum(f.ResidualSD, 3), f.MAE, pred)
	}
	return tw.Flush()
}

type CompareCmd struct {
	Pooled   string  `arg:"" help:"Main calibration table."`
	SubStudy string  `arg:"" help:"Single-sensor sub-study table."`
	RNew     float64 `name:"r-new" help:"Resistance (ohm) at which to compare predicted depth." required:""`
	Units    bool    `help:"Use the pooled model with a per-unit effect."`
}

func (c *CompareCmd) Run(app *App) error {
	pooledSpec := fitter.Pooled(fitter.Priors(app.Config.Priors))
	if c.Units {
		pooledSpec = fitter.PooledUnitEffect(fitter.Priors(app.Config.Priors))
	}
	singleSpec := fitter.SingleSensor(fitter.Priors(app.Config.Priors))

	pooledRes, pooledID, err := app.prepare(InputFlags{Input: c.Pooled}, prep.BundleOptions{Units: pooledSpec.UnitEffect})
	if err != nil {
		return err
	}
	singleRes, singleID, err := app.prepare(InputFlags{Input: c.SubStudy, SubStudy: true}, prep.BundleOptions{})
	if err != nil {
		return err
	}

	length := app.Config.SingleSensorLength
	group := slices.Index(pooledRes.Bundle.Levels.Lengths, length) + 1
	if group == 0 {
		return models.Configf("single_sensor_length", "length %d has no rows in %s", length, c.Pooled)
	}

	pooled, err := app.fit(pooledSpec, pooledRes.Bundle, pooledID)
	if err != nil {
		return err
	}
	single, err := app.fit(singleSpec, singleRes.Bundle, singleID)
	if err != nil {
		return err
	}

	cmp, err := posterior.Compare(pooled, group, single, c.RNew)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintf(tw, "depth_cm at R=%g\tmean\tsd\tq2.5\tq97.5\twidth\t\n", cmp.RNew)
	for _, row := range []struct {
		name string
		s    posterior.Summary
	}{{fmt.Sprintf("pooled (%d in)", length), cmp.Pooled}, {"single sensor", cmp.Single}} {
		fmt.Fprintf(tw, "%s\t%.3f\t%s\t%.3f\t%.3f\t%.3f\t\n", row.name, row.s.Mean, fmtNum(row.s.SD, 3), row.s.Q025, row.s.Q975, row.s.Width())
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(app.Out, "\nmean difference %.3f cm, interval width ratio %.2f\n", cmp.MeanDiff, cmp.WidthRatio)
	return nil
}

type RunsCmd struct {
	Limit int `help:"Number of runs to list." default:"20"`
}

func (c *RunsCmd) Run(app *App) error {
	if app.Store == nil {
		return errors.New("runs: no archive configured (set --db)")
	}
	runs, err := app.Store.ListFitRuns(c.Limit)
	if err != nil {
		return fmt.Errorf("list fit runs: %w", err)
	}
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tstarted\tmodel\tchains\tsuccess\tmax_rhat\terror")
	for _, r := range runs {
		rhat := "-"
		if r.MaxRhat.Valid {
			rhat = strconv.FormatFloat(r.MaxRhat.Float64, 'f', 4, 64)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%t\t%s\t%s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"), r.Model, r.Chains, r.Success, rhat, r.ErrorMessage.String)
	}
	return tw.Flush()
}

type DatasetsCmd struct {
	ID    int64 `arg:"" optional:"" help:"Show the records of this dataset."`
	Limit int   `help:"Number of datasets to list." default:"20"`
	Raw   bool  `help:"With an id, print the input table exactly as it was fetched."`
}

func (c *DatasetsCmd) Run(app *App) error {
	if app.Store == nil {
		return errors.New("datasets: no archive configured (set --db)")
	}
	if c.ID != 0 {
		return c.show(app)
	}

	version, err := app.Store.MigrationVersion()
	if err != nil {
		return fmt.Errorf("schema version: %w", err)
	}
	stats, err := app.Store.GetRawPayloadStats()
	if err != nil {
		return fmt.Errorf("raw payload stats: %w", err)
	}
	fmt.Fprintf(app.Out, "schema v%d, %d raw payloads (%d bytes, %d compressed)\n\n",
		version, stats.TotalCount, stats.TotalSizeBytes, stats.CompressedBytes)

	datasets, err := app.Store.ListDatasets(c.Limit)
	if err != nil {
		return fmt.Errorf("list datasets: %w", err)
	}
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "id\tcreated\tkind\tloaded\tkept\tname")
	for _, d := range datasets {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%s\n",
			d.ID, d.CreatedAt.Format("2006-01-02 15:04:05"), d.Kind, d.RowsLoaded, d.RowsKept, d.Name)
	}
	return tw.Flush()
}

func (c *DatasetsCmd) show(app *App) error {
	d, err := app.Store.GetDataset(c.ID)
	if err != nil {
		return fmt.Errorf("get dataset %d: %w", c.ID, err)
	}
	if d == nil {
		return fmt.Errorf("dataset %d not found", c.ID)
	}

	if c.Raw {
		if !d.RawPayloadID.Valid {
			return fmt.Errorf("dataset %d has no archived input", c.ID)
		}
		body, err := app.Store.GetRawPayload(d.RawPayloadID.Int64)
		if err != nil {
			return fmt.Errorf("get raw payload %d: %w", d.RawPayloadID.Int64, err)
		}
		_, err = app.Out.Write(body)
		return err
	}

	records, err := app.Store.GetDatasetRecords(c.ID)
	if err != nil {
		return fmt.Errorf("get dataset records: %w", err)
	}
	fmt.Fprintf(app.Out, "dataset %d %s (%s): kept %d of %d rows\n\n", d.ID, d.Name, d.Kind, d.RowsKept, d.RowsLoaded)
	tw := tabwriter.NewWriter(app.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "row\tyear\tunit\tlength\tdepth_in\tdepth_cm\tresistance\tnotes")
	for _, r := range records {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%g\t%.2f\t%g\t%s\n",
			r.Row, r.Year, r.EtapeID, r.EtapeLength, r.WaterDepthInch, r.WaterDepthCm, r.ResistivityOhm, r.Notes)
	}
	return tw.Flush()
}

// archivedBundle rebuilds a bundle from a dataset saved by an earlier run.
func (a *App) archivedBundle(id int64, opts prep.BundleOptions) (models.DatasetBundle, error) {
	if a.Store == nil {
		return models.DatasetBundle{}, errors.New("--dataset needs an archive (set --db)")
	}
	d, err := a.Store.GetDataset(id)
	if err != nil {
		return models.DatasetBundle{}, fmt.Errorf("get dataset %d: %w", id, err)
	}
	if d == nil {
		return models.DatasetBundle{}, fmt.Errorf("dataset %d not found", id)
	}
	records, err := a.Store.GetDatasetRecords(id)
	if err != nil {
		return models.DatasetBundle{}, fmt.Errorf("get dataset records: %w", err)
	}
	log.Printf("store: refitting dataset %d (%s, %d rows)", d.ID, d.Name, len(records))
	return prep.BuildBundle(records, a.Config.Lengths, a.Config.PriorMeans, opts)
}

// prepare loads an input table, archives it when a store is configured and
// runs the preparation pipeline.
func (a *App) prepare(in InputFlags, opts prep.BundleOptions) (*prep.Result, sql.NullInt64, error) {
	var datasetID sql.NullInt64

	body, err := ingest.Fetch(a.Ctx, in.Input)
	if err != nil {
		return nil, datasetID, err
	}

	kind := "calibration"
	var raw []models.RawRecord
	if in.SubStudy {
		kind = "substudy"
		rows, err := ingest.ParseSubStudy(in.Input, bytes.NewReader(body))
		if err != nil {
			return nil, datasetID, err
		}
		raw = prep.Lift(prep.FromSubStudy(rows, a.Config.SingleSensorLength))
	} else {
		raw, err = ingest.ParseCalibration(in.Input, bytes.NewReader(body))
		if err != nil {
			return nil, datasetID, err
		}
	}

	res, err := prep.Prepare(raw, a.Config.Lengths, a.Config.PriorMeans, opts)
	if err != nil {
		return nil, datasetID, err
	}

	if a.Store != nil {
		payloadID, dup, err := a.Store.StoreRawPayload(in.Input, body)
		if err != nil {
			return nil, datasetID, fmt.Errorf("archive input: %w", err)
		}
		if dup {
			log.Printf("store: %s already archived as payload %d", in.Input, payloadID)
		}
		id, err := a.Store.SaveDataset(store.Dataset{
			Name:         in.Input,
			Kind:         kind,
			Source:       sql.NullString{String: in.Input, Valid: true},
			RawPayloadID: sql.NullInt64{Int64: payloadID, Valid: true},
			RowsLoaded:   res.Loaded,
			RowsKept:     res.Kept,
		}, res.Records)
		if err != nil {
			return nil, datasetID, fmt.Errorf("archive dataset: %w", err)
		}
		datasetID = sql.NullInt64{Int64: id, Valid: true}
	}
	return res, datasetID, nil
}

// simulate draws synthetic records from the configured ground truth. Zero
// values fall back to the configuration.
func (a *App) simulate(seed *uint64, replicates int) ([]models.SimulatedRecord, models.DatasetBundle, error) {
	sim := a.Config.Simulation
	s := sim.Seed
	if seed != nil {
		s = *seed
	}
	if replicates == 0 {
		replicates = sim.Replicates
	}
	records, err := simulate.Generate(sim.Truth, sim.DepthsInch, replicates, s)
	if err != nil {
		return nil, models.DatasetBundle{}, err
	}
	bundle, err := simulate.BuildBundle(records, a.Config.Lengths, a.Config.PriorMeans)
	if err != nil {
		return nil, models.DatasetBundle{}, err
	}
	return records, bundle, nil
}

// fit runs one model, judges convergence and archives the run. After a
// convergence failure the diagnostics are printed before the error returns.
func (a *App) fit(spec fitter.ModelSpec, bundle models.DatasetBundle, datasetID sql.NullInt64) (*models.Posterior, error) {
	program, err := spec.Program()
	if err != nil {
		return nil, err
	}
	fc := a.Config.Fitter
	opts := fitter.SampleOptions{Chains: fc.Chains, Warmup: fc.Warmup, Samples: fc.Samples, Seed: a.Config.Simulation.Seed}

	run := &store.FitRun{
		DatasetID: datasetID,
		Model:     spec.Name,
		Program:   program,
		Chains:    opts.Chains,
		Warmup:    opts.Warmup,
		Samples:   opts.Samples,
		Seed:      opts.Seed,
	}
	if a.Store != nil {
		if err := a.Store.StartFitRun(run); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithTimeout(a.Ctx, fc.Timeout)
	defer cancel()

	post, err := a.Fitter.Fit(ctx, spec, bundle, opts)
	if err == nil {
		err = fitter.CheckConvergence(post, fc.MaxRhat)
		maxRhat := fitter.MaxRhat(post.Diagnostics)
		metrics.MaxRhat.WithLabelValues(spec.Name).Set(maxRhat)
		run.MaxRhat = sql.NullFloat64{Float64: maxRhat, Valid: true}
		run.Divergent = sql.NullInt64{Int64: int64(post.Diagnostics.Divergent), Valid: true}

		var ce *fitter.ConvergenceError
		if errors.As(err, &ce) {
			ce.Model = spec.Name
			printDiagnostics(a.Out, ce.Diagnostics, fc.MaxRhat)
		}
	}

	if a.Store != nil {
		if cerr := a.Store.CompleteFitRun(run, err); cerr != nil {
			log.Printf("store: complete fit run %s: %v", run.ID, cerr)
		}
		if err == nil {
			if serr := a.Store.SavePosteriorSummaries(run.ID, summaryRows(post, bundle)); serr != nil {
				log.Printf("store: save summaries for %s: %v", run.ID, serr)
			}
		}
	}
	if err != nil {
		return nil, err
	}
	return post, nil
}

// label decodes a parameter group index back to its level name.
func label(param string, group int, b models.DatasetBundle) string {
	var levels []string
	switch param {
	case "alpha", "beta", "sigma":
		for _, l := range b.Levels.Lengths {
			levels = append(levels, strconv.Itoa(l))
		}
	case "gamma":
		levels = b.Levels.Units
	case "delta":
		levels = b.Levels.Years
	}
	if group-1 < len(levels) {
		return levels[group-1]
	}
	return ""
}

func paramNames(p *models.Posterior) []string {
	names := make([]string, 0, len(p.Draws))
	for name := range p.Draws {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func summaryRows(p *models.Posterior, b models.DatasetBundle) []store.SummaryRow {
	var rows []store.SummaryRow
	for _, name := range paramNames(p) {
		sums, err := posterior.Summarize(p, name)
		if err != nil {
			continue
		}
		for _, s := range sums {
			rows = append(rows, store.SummaryRow{
				Param: s.Param, Group: s.Group, Label: label(s.Param, s.Group, b),
				Mean: s.Mean, SD: s.SD, Q025: s.Q025, Q975: s.Q975, Draws: s.Draws,
			})
		}
	}
	return rows
}

func printSummaries(w io.Writer, p *models.Posterior, b models.DatasetBundle) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "param\tlevel\tmean\tsd\tq2.5\tq97.5\trhat\t")
	for _, row := range summaryRows(p, b) {
		rhat := "-"
		if r, ok := p.Diagnostics.Rhat[fmt.Sprintf("%s[%d]", row.Param, row.Group)]; ok {
			rhat = fmtNum(r, 3)
		}
		fmt.Fprintf(tw, "%s[%d]\t%s\t%.5g\t%s\t%.5g\t%.5g\t%s\t\n",
			row.Param, row.Group, row.Label, row.Mean, fmtNum(row.SD, 4), row.Q025, row.Q975, rhat)
	}
	return tw.Flush()
}

func printRecovery(w io.Writer, rows []posterior.Recovery) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "length\tparam\ttruth\tmean\tsd\tz\trecovered\t")
	for _, r := range rows {
		fmt.Fprintf(tw, "%d\t%s\t%g\t%.5g\t%.3g\t%.2f\t%t\t\n", r.Length, r.Param, r.Truth, r.Mean, r.SD, r.Z, r.OK)
	}
	tw.Flush()
}

func printDiagnostics(w io.Writer, d models.Diagnostics, threshold float64) {
	fmt.Fprintf(w, "convergence diagnostics (R-hat threshold %g, %d divergent transitions)\n", threshold, d.Divergent)
	keys := make([]string, 0, len(d.Rhat))
	for k := range d.Rhat {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		flag := ""
		if d.Rhat[k] > threshold {
			flag = "  <- not converged"
		}
		fmt.Fprintf(w, "  %-12s %.4f%s\n", k, d.Rhat[k], flag)
	}
	for _, m := range d.Messages {
		fmt.Fprintf(w, "  sampler: %s\n", m)
	}
}

func fmtNum(f float64, prec int) string {
	if math.IsNaN(f) {
		return "NaN"
	}
	return strconv.FormatFloat(f, 'f', prec, 64)
}

// withOutput runs fn against stdout for "-" or a created file otherwise.
func withOutput(stdout io.Writer, path string, fn func(io.Writer) error) error {
	if path == "-" {
		return fn(stdout)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := fn(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func writeJSON(stdout io.Writer, path string, v any) error {
	return withOutput(stdout, path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	})
}
