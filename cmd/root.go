package cmd

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kilianp07/wqforecast/app"
	"github.com/kilianp07/wqforecast/config"
	"github.com/kilianp07/wqforecast/core/errdefs"
	coremon "github.com/kilianp07/wqforecast/core/monitoring"
	"github.com/kilianp07/wqforecast/core/run"
	"github.com/kilianp07/wqforecast/infra/logger"
	"github.com/kilianp07/wqforecast/infra/monitoring"
)

// version is set at build time with -ldflags "-X .../cmd.version=...".
var version = "dev"

// filterWidths are the Gaussian filter widths accepted on the command line.
var filterWidths = []float64{0.5, 1, 1.5, 2, 2.5, 3, 3.5, 4, 4.5, 5}

type rootOptions struct {
	cfgPath string
}

func newRootCmd() *cobra.Command {
	var opts rootOptions
	cmd := &cobra.Command{
		Use:   "wqforecast SOURCE TARGET",
		Short: "Forecast chlorophyll concentration on a gridded dataset",
		Long: "wqforecast reads a gridded time series of water quality variables from SOURCE,\n" +
			"forecasts the target variable chunk by chunk and writes the forecast to TARGET.\n" +
			"SOURCE and TARGET are local paths or s3://bucket/key locations.",
		Version:       version,
		Args:          positional,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForecast(cmd, opts, args[0], args[1])
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return errdefs.Configuration("%w", err)
	})
	cmd.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "", "configuration file (yaml or json)")
	cmd.PersistentFlags().Bool("stack-traces", false, "print the cause chain of an error and the stack of a panicking task")

	f := cmd.Flags()
	f.Int("chunk-size-lat", 0, "chunk size along latitude (-1 whole axis, 0 source chunking)")
	f.Int("chunk-size-lon", 0, "chunk size along longitude (-1 whole axis, 0 source chunking)")
	f.Float64("depth-level", 0, "depth level to select when the source has a depth axis")
	f.String("engine-reader", "", "engine used to read SOURCE (netcdf, zarr)")
	f.String("engine-writer", "", "engine used to write TARGET (netcdf, zarr)")
	f.Float64("gaussian-filter", 0, "full width at half maximum of the lateral Gaussian filter in pixels (0.5 to 5.0, step 0.5)")
	f.Int("horizon", 0, fmt.Sprintf("number of forecast steps (1 to %d)", run.MaxHorizon))
	f.String("log-level", "", "log level (debug, info, warning, error, off)")
	f.String("mode", "", "execution mode (multithreading, synchronous)")
	f.String("model", "", "model preset name or model definition file")
	f.String("mask-variable", "", "variable whose missing values mask the forecast")
	f.Int("nthread", 0, fmt.Sprintf("threads per worker (1 to %d)", run.MaxThreads))
	f.Int("workers", 0, fmt.Sprintf("number of workers (1 to %d)", run.MaxWorkers))
	f.String("prof", "", "write a per-task profile to this file (.jsonl or .db), requires synchronous mode")
	f.Bool("progress", false, "draw a progress bar on stderr")
	f.Bool("test", false, "hindcast every reference step instead of forecasting the end of the series")
	f.String("tmpdir", "", "directory for staged and temporary files")
	f.String("template", "", "YAML attribute template replacing the embedded one")
	f.Bool("acknowledge-copernicus", false, "add the Copernicus Marine acknowledgement to the output")
	f.Bool("acknowledge-ospar", false, "add the OSPAR acknowledgement to the output")

	cmd.AddCommand(newModelsCmd(), newProfileCmd())
	return cmd
}

func positional(_ *cobra.Command, args []string) error {
	if len(args) != 2 {
		return errdefs.Configuration("expected SOURCE and TARGET, got %d argument(s)", len(args))
	}
	return nil
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	return execute(os.Args[1:], os.Stdout, os.Stderr)
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		if trace, _ := cmd.PersistentFlags().GetBool("stack-traces"); trace {
			fmt.Fprint(stderr, errdefs.Trace(err))
		}
	}
	return ExitCode(err)
}

func runForecast(cmd *cobra.Command, opts rootOptions, source, target string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(opts.cfgPath)
	if err != nil {
		return err
	}
	if err := applyFlags(cmd, cfg); err != nil {
		return err
	}

	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return errdefs.Configuration("%w", err)
	}
	if cfg.Logging.File != "" {
		closer, err := logger.AddFile(logger.FileOptions{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return errdefs.Configuration("log file: %w", err)
		}
		defer closer.Close()
	}
	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return errdefs.Configuration("sentry: %w", err)
	}
	coremon.Init(mon)
	defer coremon.Flush(2 * time.Second)

	log := logger.New("main")
	p, err := app.New(cfg, app.WithLogger(logger.New("forecast")), app.WithProgressOutput(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	defer p.Close()

	rep, err := p.Run(ctx, source, target)
	if err != nil {
		log.Errorf("forecast of %s failed: %v", source, err)
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d step(s) of %s from %s, %d chunk(s), %d task(s) in %s\n",
		target, rep.Steps, rep.Target, rep.Model, rep.Chunks, rep.Tasks, rep.Duration.Round(time.Millisecond))
	return nil
}

// applyFlags overrides cfg with the flags set on the command line and
// validates the result.
func applyFlags(cmd *cobra.Command, cfg *config.Config) error {
	f := cmd.Flags()
	fc := &cfg.Forecast
	ints := map[string]func(int){
		"chunk-size-lat": func(v int) { fc.ChunkLat = &v },
		"chunk-size-lon": func(v int) { fc.ChunkLon = &v },
		"horizon":        func(v int) { fc.Horizon = v },
		"nthread":        func(v int) { fc.Threads = v },
		"workers":        func(v int) { fc.Workers = v },
	}
	for name, set := range ints {
		if f.Changed(name) {
			v, _ := f.GetInt(name)
			set(v)
		}
	}
	strs := map[string]func(string){
		"engine-reader": func(v string) { cfg.Reader.Engine = v },
		"engine-writer": func(v string) { cfg.Writer.Engine = v },
		"log-level":     func(v string) { cfg.Logging.Level = v },
		"mode":          func(v string) { fc.Mode = v },
		"model":         func(v string) { fc.Model = v },
		"mask-variable": func(v string) { fc.MaskVariable = &v },
		"prof":          func(v string) { fc.Profile = v },
		"tmpdir":        func(v string) { fc.TmpDir = v },
		"template":      func(v string) { fc.Template = v },
	}
	for name, set := range strs {
		if f.Changed(name) {
			v, _ := f.GetString(name)
			set(v)
		}
	}
	bools := map[string]func(bool){
		"progress":               func(v bool) { fc.Progress = &v },
		"test":                   func(v bool) { fc.Test = v },
		"acknowledge-copernicus": func(v bool) { fc.AcknowledgeCopernicus = v },
		"acknowledge-ospar":      func(v bool) { fc.AcknowledgeOSPAR = v },
	}
	for name, set := range bools {
		if f.Changed(name) {
			v, _ := f.GetBool(name)
			set(v)
		}
	}
	if f.Changed("depth-level") {
		v, _ := f.GetFloat64("depth-level")
		fc.DepthLevel = &v
	}
	if f.Changed("gaussian-filter") {
		v, _ := f.GetFloat64("gaussian-filter")
		if !slices.Contains(filterWidths, v) {
			return errdefs.Configuration("gaussian filter width %g is not one of 0.5, 1.0, ..., 5.0", v)
		}
		fc.FilterFWHM = &v
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return errdefs.Configuration("%w", err)
	}
	return nil
}
