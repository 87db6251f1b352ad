package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"github.com/lox/etapecal/internal/config"
	"github.com/lox/etapecal/internal/fitter"
	"github.com/lox/etapecal/internal/metrics"
	"github.com/lox/etapecal/internal/store"
)

type CLI struct {
	Config      string `help:"YAML file overriding the embedded configuration." type:"path" env:"ETAPECAL_CONFIG"`
	DB          string `name:"db" help:"SQLite archive for datasets and fit runs (disabled when empty)." type:"path" env:"ETAPECAL_DB"`
	MetricsFile string `help:"Write Prometheus metrics to this textfile on exit." type:"path" env:"ETAPECAL_METRICS_FILE"`
	FitterURL   string `name:"fitter-url" help:"Base URL of the sampling service (overrides fitter.url)." env:"ETAPECAL_FITTER_URL"`
	EnvFile     string `help:"Load environment variables from this file before anything else." type:"path"`

	Prepare   PrepareCmd   `cmd:"" help:"Load, clean and bundle a calibration table."`
	Summarize SummarizeCmd `cmd:"" help:"Summarise resistance by length and depth."`
	Simulate  SimulateCmd  `cmd:"" help:"Generate synthetic calibration data from ground truth."`
	Fit       FitCmd       `cmd:"" help:"Fit a calibration model with the sampling service."`
	Baseline  BaselineCmd  `cmd:"" help:"Fit per-length least squares lines."`
	Compare   CompareCmd   `cmd:"" help:"Compare the pooled model with the single-sensor model."`
	Runs      RunsCmd      `cmd:"" help:"List archived fit runs."`
	Datasets  DatasetsCmd  `cmd:"" help:"List archived datasets or show one."`
}

// App carries what every command needs.
type App struct {
	Ctx    context.Context
	Config *config.Config
	Store  *store.Store // nil when archiving is disabled
	Fitter *fitter.Client
	Out    io.Writer
}

func main() {
	if err := loadEnvFile(os.Args[1:]); err != nil {
		log.Fatalf("load env file: %v", err)
	}

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("etapecal"),
		kong.Description("Calibration of eTape water-level sensors: data preparation, simulation and Bayesian fits."),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{Compact: true}),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, &cli, kctx, os.Stdout)
	if cli.MetricsFile != "" {
		if werr := metrics.WriteTextfile(cli.MetricsFile); werr != nil {
			log.Printf("metrics: write %s: %v", cli.MetricsFile, werr)
		}
	}
	kctx.FatalIfErrorf(err)
}

func run(ctx context.Context, cli *CLI, kctx *kong.Context, out io.Writer) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cli.FitterURL != "" {
		cfg.Fitter.URL = cli.FitterURL
	}

	app := &App{
		Ctx:    ctx,
		Config: cfg,
		Fitter: fitter.NewClient(cfg.Fitter.URL, cfg.Fitter.Timeout),
		Out:    out,
	}

	if cli.DB != "" {
		st, err := store.Open(cli.DB)
		if err != nil {
			return err
		}
		defer st.Close()
		app.Store = st
		if v, err := st.MigrationVersion(); err == nil {
			log.Printf("store: archiving to %s (schema v%d)", cli.DB, v)
		}
	}

	return kctx.Run(app)
}

// loadEnvFile applies --env-file before flag parsing so its variables can
// feed the env-bound flags.
func loadEnvFile(args []string) error {
	for i, a := range args {
		var path string
		switch {
		case a == "--":
			return nil
		case strings.HasPrefix(a, "--env-file="):
			path = strings.TrimPrefix(a, "--env-file=")
		case a == "--env-file" && i+1 < len(args):
			path = args[i+1]
		default:
			continue
		}
		if path == "" {
			return nil
		}
		return godotenv.Load(path)
	}
	return nil
}
