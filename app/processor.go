// Package app wires the forecast pipeline: stage the source, load the model,
// build and execute the task graph, then materialize and upload the result.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kilianp07/wqforecast/config"
	"github.com/kilianp07/wqforecast/core/dataset"
	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/graph"
	"github.com/kilianp07/wqforecast/core/grid"
	coremetrics "github.com/kilianp07/wqforecast/core/metrics"
	"github.com/kilianp07/wqforecast/core/model"
	coremon "github.com/kilianp07/wqforecast/core/monitoring"
	"github.com/kilianp07/wqforecast/core/profile"
	"github.com/kilianp07/wqforecast/core/run"
	"github.com/kilianp07/wqforecast/core/scheduler"
	"github.com/kilianp07/wqforecast/infra/gridio"
	"github.com/kilianp07/wqforecast/infra/logger"
	_ "github.com/kilianp07/wqforecast/infra/metrics" // registers the metrics sinks
	"github.com/kilianp07/wqforecast/infra/objectstore"
	"github.com/kilianp07/wqforecast/infra/progress"
	"github.com/kilianp07/wqforecast/infra/sysinfo"
	"github.com/kilianp07/wqforecast/infra/template"
	"github.com/kilianp07/wqforecast/internal/eventbus"
)

// stager moves datasets between the object store and local disk.
type stager interface {
	Stage(ctx context.Context, u objectstore.URL, dir string) (string, error)
	Upload(ctx context.Context, local string, u objectstore.URL) error
}

// Report describes a completed run.
type Report struct {
	RunID    string
	Model    string
	Target   string
	Tasks    int
	Chunks   int
	Steps    int
	Duration time.Duration
	Stats    dataset.Stats
}

// Processor runs forecasts with one configuration. It may run several
// forecasts in sequence; each run gets its own scheduler.
type Processor struct {
	cfg      *config.Config
	log      logger.Logger
	sink     coremetrics.MetricsSink
	progress io.Writer
	cpus     func() int
	now      func() time.Time
	newStore func(objectstore.Config, logger.Logger) (stager, error)
}

// Option customizes a Processor.
type Option func(*Processor)

// WithLogger sets the logger of the pipeline.
func WithLogger(l logger.Logger) Option { return func(p *Processor) { p.log = l } }

// WithProgressOutput sets where the progress bar is drawn.
func WithProgressOutput(w io.Writer) Option { return func(p *Processor) { p.progress = w } }

// WithMetrics replaces the configured metrics sinks.
func WithMetrics(s coremetrics.MetricsSink) Option { return func(p *Processor) { p.sink = s } }

// WithCPUs overrides the host CPU count used for system-determined defaults.
func WithCPUs(n int) Option { return func(p *Processor) { p.cpus = func() int { return n } } }

func withStager(s stager) Option {
	return func(p *Processor) {
		p.newStore = func(objectstore.Config, logger.Logger) (stager, error) { return s, nil }
	}
}

// New builds a Processor. The metrics sinks of cfg are created unless
// WithMetrics is given.
func New(cfg *config.Config, opts ...Option) (*Processor, error) {
	if cfg == nil {
		return nil, errdefs.Configuration("no configuration")
	}
	p := &Processor{
		cfg:      cfg,
		progress: os.Stderr,
		cpus:     sysinfo.CPUs,
		now:      time.Now,
		newStore: func(c objectstore.Config, l logger.Logger) (stager, error) { return objectstore.New(c, l) },
	}
	for _, o := range opts {
		o(p)
	}
	if p.log == nil {
		p.log = logger.New("processor")
	}
	if p.sink == nil {
		sink, err := coremetrics.NewMetricsSink(cfg.Metrics.Sinks)
		if err != nil {
			return nil, errdefs.Configuration("metrics: %w", err)
		}
		p.sink = sink
	}
	return p, nil
}

// Close flushes and releases the metrics sinks.
func (p *Processor) Close() { coremetrics.Close(p.sink) }

// RunConfig returns the resolved and validated run parameters.
func (p *Processor) RunConfig() (run.Config, error) {
	rc := p.cfg.Forecast.Run(p.cfg.Reader.Engine, p.cfg.Writer.Engine).Resolve(p.cpus())
	if err := rc.Validate(); err != nil {
		return run.Config{}, err
	}
	return rc, nil
}

// Run forecasts source into target. Either may be a local path or an
// s3:// location. The target is written only when every task completed;
// failures are reported to the error monitor.
func (p *Processor) Run(ctx context.Context, source, target string) (*Report, error) {
	runID := uuid.NewString()
	rep, err := p.run(ctx, runID, source, target)
	if err != nil {
		err = interrupted(ctx, err)
		if !errors.Is(err, errdefs.ErrCancelled) {
			tags := coremon.Tags("processor", err)
			tags["run_id"] = runID
			coremon.CaptureException(err, tags)
		}
		return nil, err
	}
	return rep, nil
}

func (p *Processor) run(ctx context.Context, runID, source, target string) (*Report, error) {
	rc, err := p.RunConfig()
	if err != nil {
		return nil, err
	}
	host := sysinfo.Probe()
	fields := host.Fields()
	fields["run_id"] = runID
	fields["source"] = source
	fields["target"] = target
	fields["mode"] = string(rc.Mode)
	fields["workers"] = rc.Workers
	fields["nthread"] = rc.Threads
	p.log.Infow("forecast run", fields)

	tmpl, err := template.Load(p.cfg.Forecast.Template)
	if err != nil {
		return nil, err
	}
	tmpl = template.Acknowledge(tmpl, p.cfg.Forecast.AcknowledgeCopernicus, p.cfg.Forecast.AcknowledgeOSPAR)

	var store stager
	var srcURL, dstURL *objectstore.URL
	for _, loc := range []struct {
		path string
		url  **objectstore.URL
	}{{source, &srcURL}, {target, &dstURL}} {
		if !objectstore.IsRemote(loc.path) {
			continue
		}
		u, err := objectstore.Parse(loc.path)
		if err != nil {
			return nil, errdefs.Configuration("%w", err)
		}
		*loc.url = &u
		if store == nil {
			if store, err = p.newStore(p.cfg.Storage, p.log); err != nil {
				return nil, err
			}
		}
	}

	tmp, err := os.MkdirTemp(rc.TmpDir, "wqf-"+runID[:8]+"-")
	if err != nil {
		return nil, errdefs.Configuration("temporary directory: %w", err)
	}
	defer func() {
		if rerr := os.RemoveAll(tmp); rerr != nil {
			p.log.Warnf("remove %s: %v", tmp, rerr)
		}
	}()

	localSrc, localDst := source, target
	if dstURL != nil {
		localDst = filepath.Join(tmp, "out", dstURL.Base())
		if err := os.MkdirAll(filepath.Dir(localDst), 0o755); err != nil {
			return nil, err
		}
	}
	reader, err := gridio.Resolve(localSrcName(source, srcURL), rc.ReaderEngine, p.cfg.Reader.Options)
	if err != nil {
		return nil, err
	}
	writer, err := gridio.Resolve(localDst, rc.WriterEngine, p.cfg.Writer.Options)
	if err != nil {
		return nil, err
	}

	h, err := model.Load(rc.Model, model.Options{Horizon: rc.Horizon, Threads: rc.Threads})
	if err != nil {
		return nil, err
	}

	if srcURL != nil {
		if localSrc, err = store.Stage(ctx, *srcURL, filepath.Join(tmp, "in")); err != nil {
			return nil, errdefs.Data("stage source: %w", err)
		}
	}
	src, err := reader.Open(localSrc)
	if err != nil {
		return nil, errdefs.Data("open %s: %w", source, err)
	}
	g, err := grid.Open(ctx, src, rc.DepthLevel)
	if err != nil {
		_ = src.Close()
		return nil, err
	}
	defer g.Close()

	gr, err := graph.Build(g, rc, h)
	if err != nil {
		return nil, err
	}
	p.log.Infow("graph built", map[string]any{
		"run_id": runID, "model": h.Name(), "tasks": gr.Len(), "chunks": len(gr.Outputs()),
		"chunk_lat": gr.Meta().ChunkShape.Lat, "chunk_lon": gr.Meta().ChunkShape.Lon, "halo": gr.Meta().Halo,
	})

	opts := scheduler.Options{Mode: rc.Mode, Workers: rc.Workers, RunID: runID, Model: h.Name(), Metrics: p.sink, Logger: p.log}
	if rc.Profiling() {
		ps, err := profile.Open(rc.ProfilePath)
		if err != nil {
			return nil, errdefs.Configuration("profile: %w", err)
		}
		defer ps.Close()
		opts.Profile = ps
	}
	var bar *progress.Bar
	if rc.Progress {
		bus := eventbus.NewTyped[scheduler.Event]()
		bar = progress.Attach(bus, p.progress)
		opts.Bus = bus
	}
	res, err := scheduler.New(opts).Run(ctx, gr)
	if bar != nil {
		opts.Bus.Close()
		bar.Wait()
	}
	if err != nil {
		return nil, err
	}

	out := dataset.Plan(g, res.Meta, tmpl, rc.Attributes(), runID, p.now())
	sink, err := writer.Create(localDst, out.Layout)
	if err != nil {
		return nil, errdefs.Execution("create "+target, err)
	}
	if err := dataset.Write(ctx, res, out, sink); err != nil {
		return nil, err
	}
	if dstURL != nil {
		if err := store.Upload(ctx, localDst, *dstURL); err != nil {
			return nil, errdefs.Execution("upload", err)
		}
	}

	stats := dataset.Summarize(res)
	p.log.Infow("forecast written", map[string]any{
		"run_id": runID, "target": target, "steps": res.Meta.Steps,
		"values": stats.Values, "missing": stats.Missing, "duration": res.Duration.String(),
	})
	return &Report{
		RunID:    runID,
		Model:    h.Name(),
		Target:   res.Meta.Variable,
		Tasks:    res.Tasks,
		Chunks:   len(res.Outputs),
		Steps:    res.Meta.Steps,
		Duration: res.Duration,
		Stats:    stats,
	}, nil
}

// localSrcName is the name engine selection sees for the source.
func localSrcName(source string, u *objectstore.URL) string {
	if u != nil {
		return u.Base()
	}
	return source
}

// interrupted reports err as a cancellation when ctx was cancelled.
func interrupted(ctx context.Context, err error) error {
	cerr := ctx.Err()
	if cerr == nil || errors.Is(err, errdefs.ErrCancelled) {
		return err
	}
	return errdefs.Cancelled(fmt.Errorf("%w: %w", cerr, err))
}
