package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/graph"
	"github.com/kilianp07/wqforecast/core/logger"
	"github.com/kilianp07/wqforecast/core/metrics"
	"github.com/kilianp07/wqforecast/core/profile"
	"github.com/kilianp07/wqforecast/core/run"
	"github.com/kilianp07/wqforecast/internal/eventbus"
)

// Options configure a Scheduler. Only Mode and Workers affect execution;
// the other fields are observers and may be left nil.
type Options struct {
	Mode    run.Mode
	Workers int
	RunID   string
	Model   string
	// Profile receives one record per task. It requires synchronous mode.
	Profile profile.Store
	Bus     *eventbus.TypedBus[Event]
	Metrics metrics.MetricsSink
	Logger  logger.Logger
}

// Output is the final value of one chunk.
type Output struct {
	Chunk chunk.Chunk
	Value any
}

// Result holds the outputs of a completed run in chunk order.
type Result struct {
	RunID    string
	Meta     graph.Meta
	Outputs  []Output
	Tasks    int
	Duration time.Duration
}

// Scheduler executes one graph. It is single-use: a second Run fails.
type Scheduler struct {
	opts Options
	log  logger.Logger
	sink metrics.MetricsSink

	mu    sync.Mutex
	state State
	total int

	// progress serializes the completed count with its publication so
	// observers see a non-decreasing Done.
	progress sync.Mutex
	done     int
}

// New returns an idle scheduler.
func New(opts Options) *Scheduler {
	sink := opts.Metrics
	if sink == nil {
		sink = metrics.NopSink{}
	}
	return &Scheduler{opts: opts, log: logger.OrNop(opts.Logger), sink: sink}
}

// State returns the current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) move(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if !canMove(from, to) {
		s.mu.Unlock()
		return fmt.Errorf("illegal transition %s -> %s", from, to)
	}
	s.state = to
	s.mu.Unlock()
	s.log.Debugw("scheduler state", map[string]any{"run_id": s.opts.RunID, "from": from.String(), "to": to.String()})
	s.publish(Event{State: to, Err: cause})
	return nil
}

func (s *Scheduler) publish(e Event) {
	if s.opts.Bus == nil {
		return
	}
	e.RunID = s.opts.RunID
	e.Total = s.total
	e.Time = time.Now()
	s.opts.Bus.Publish(e)
}

// Run plans and executes g. Task failures are reported as ErrExecution
// wrapping the cause, cancellation of ctx as ErrCancelled. The scheduler
// always ends in a terminal state.
func (s *Scheduler) Run(ctx context.Context, g *graph.Graph) (*Result, error) {
	if err := s.move(Planning, nil); err != nil {
		return nil, errdefs.Configuration("scheduler cannot run: %w", err)
	}
	start := time.Now()
	res, err := s.execute(ctx, g)

	final := Completed
	switch {
	case errors.Is(err, errdefs.ErrCancelled):
		final = Cancelled
	case err != nil:
		final = Failed
	}
	_ = s.move(final, err)
	runsTotal.WithLabelValues(final.String()).Inc()

	ev := metrics.RunEvent{
		RunID:    s.opts.RunID,
		Model:    s.opts.Model,
		State:    final.String(),
		Tasks:    s.total,
		Start:    start,
		Duration: time.Since(start),
	}
	if g != nil {
		ev.Chunks = len(g.Outputs())
	}
	if err != nil {
		ev.Err = err.Error()
	}
	if rerr := metrics.RecordRun(s.sink, ev); rerr != nil {
		s.log.Warnf("record run %s: %v", s.opts.RunID, rerr)
	}
	if err != nil {
		s.log.Errorf("run %s %s after %s: %v", s.opts.RunID, final, ev.Duration, err)
		return nil, err
	}
	res.Duration = ev.Duration
	s.log.Infow("run completed", map[string]any{"run_id": s.opts.RunID, "tasks": s.total, "duration": ev.Duration.String()})
	return res, nil
}

func (s *Scheduler) execute(ctx context.Context, g *graph.Graph) (*Result, error) {
	if g == nil {
		return nil, errdefs.GraphConstruction("no graph to execute")
	}
	if err := g.Validate(); err != nil {
		return nil, errdefs.GraphConstruction("%w", err)
	}
	mode := s.opts.Mode
	if mode == run.ModeAuto {
		mode = run.ModeConcurrent
		if s.opts.Profile != nil {
			mode = run.ModeSynchronous
		}
	}
	if s.opts.Profile != nil && mode == run.ModeConcurrent {
		return nil, errdefs.Configuration("profiling requires synchronous execution, %s mode was requested", mode)
	}
	workers := max(s.opts.Workers, 1)
	if mode == run.ModeSynchronous {
		workers = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, errdefs.Cancelled(err)
	}
	s.total = g.Len()
	if err := s.move(Executing, nil); err != nil {
		return nil, err
	}
	s.log.Infow("executing graph", map[string]any{
		"run_id": s.opts.RunID, "mode": string(mode), "workers": workers,
		"tasks": g.Len(), "chunks": len(g.Outputs()),
	})

	var results []any
	var err error
	if workers == 1 {
		results, err = s.runSync(ctx, g)
	} else {
		results, err = s.runConcurrent(ctx, g, workers)
	}
	if ctx.Err() != nil && (err != nil || results == nil) {
		return nil, errdefs.Cancelled(ctx.Err())
	}
	if err != nil {
		return nil, err
	}

	res := &Result{RunID: s.opts.RunID, Meta: g.Meta(), Tasks: g.Len()}
	for _, o := range g.Outputs() {
		res.Outputs = append(res.Outputs, Output{Chunk: o.Chunk, Value: results[o.Task]})
	}
	return res, nil
}

// tracker drops intermediate results once all their consumers have run.
type tracker struct {
	g         *graph.Graph
	remaining []int
	output    []bool
}

func newTracker(g *graph.Graph) *tracker {
	t := &tracker{g: g, remaining: make([]int, g.Len()), output: make([]bool, g.Len())}
	for _, task := range g.Tasks() {
		t.remaining[task.ID] = len(g.Consumers(task.ID))
	}
	for _, o := range g.Outputs() {
		t.output[o.Task] = true
	}
	return t
}

func (t *tracker) inputs(results []any, task *graph.Task) []any {
	in := make([]any, len(task.Deps))
	for i, d := range task.Deps {
		in[i] = results[d]
	}
	return in
}

func (t *tracker) release(results []any, task *graph.Task) {
	if t.remaining[task.ID] == 0 && !t.output[task.ID] {
		results[task.ID] = nil
	}
	for _, d := range task.Deps {
		t.remaining[d]--
		if t.remaining[d] == 0 && !t.output[d] {
			results[d] = nil
		}
	}
}

func (s *Scheduler) runSync(ctx context.Context, g *graph.Graph) ([]any, error) {
	results := make([]any, g.Len())
	tr := newTracker(g)
	for _, task := range g.Tasks() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		v, err := s.runTask(ctx, task, tr.inputs(results, task))
		if err != nil {
			return nil, err
		}
		results[task.ID] = v
		tr.release(results, task)
	}
	return results, nil
}

type completion struct {
	id    graph.TaskID
	value any
}

// runConcurrent dispatches ready tasks to at most workers goroutines. Only
// the calling goroutine touches results and dependency counters.
func (s *Scheduler) runConcurrent(ctx context.Context, g *graph.Graph, workers int) ([]any, error) {
	n := g.Len()
	results := make([]any, n)
	tr := newTracker(g)
	pending := make([]int, n)
	var ready []graph.TaskID
	for _, task := range g.Tasks() {
		pending[task.ID] = len(task.Deps)
		if pending[task.ID] == 0 {
			ready = append(ready, task.ID)
		}
	}

	done := make(chan completion, n)
	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(workers)
	inflight, finished := 0, 0
loop:
	for finished < n {
		for len(ready) > 0 && gctx.Err() == nil {
			task := g.Task(ready[0])
			ready = ready[1:]
			inputs := tr.inputs(results, task)
			inflight++
			eg.Go(func() error {
				// Go may block on the limit while another task fails.
				if gctx.Err() != nil {
					return nil
				}
				v, err := s.runTask(gctx, task, inputs)
				if err != nil {
					return err
				}
				done <- completion{id: task.ID, value: v}
				return nil
			})
		}
		if inflight == 0 {
			break
		}
		select {
		case c := <-done:
			inflight--
			finished++
			results[c.id] = c.value
			task := g.Task(c.id)
			tr.release(results, task)
			for _, next := range g.Consumers(c.id) {
				pending[next]--
				if pending[next] == 0 {
					ready = append(ready, next)
				}
			}
		case <-gctx.Done():
			break loop
		}
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if finished < n {
		return nil, fmt.Errorf("graph stalled after %d of %d tasks", finished, n)
	}
	return results, nil
}

func (s *Scheduler) runTask(ctx context.Context, task *graph.Task, inputs []any) (v any, err error) {
	start := time.Now()
	tasksRunning.Inc()
	defer func() {
		tasksRunning.Dec()
		if r := recover(); r != nil {
			v, err = nil, errdefs.Panic(task.Name(), r, debug.Stack())
		} else if err != nil {
			err = errdefs.Execution(task.Name(), err)
		}
		s.observe(ctx, task, start, err)
	}()
	return task.Run(ctx, inputs)
}

func (s *Scheduler) observe(ctx context.Context, task *graph.Task, start time.Time, err error) {
	d := time.Since(start)
	status := "ok"
	if err != nil {
		status = "error"
	}
	taskDuration.WithLabelValues(string(task.Op)).Observe(d.Seconds())
	tasksTotal.WithLabelValues(string(task.Op), status).Inc()

	ev := metrics.TaskEvent{RunID: s.opts.RunID, Task: task.Name(), Op: string(task.Op), Start: start, Duration: d, Failed: err != nil}
	if merr := s.sink.RecordTask(ev); merr != nil {
		s.log.Warnf("record task %s: %v", task.Name(), merr)
	}
	if s.opts.Profile != nil {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		rec := profile.Record{
			RunID:     s.opts.RunID,
			Task:      task.Name(),
			Op:        string(task.Op),
			ChunkLat:  task.Chunk.Index[0],
			ChunkLon:  task.Chunk.Index[1],
			Start:     start,
			Duration:  d,
			HeapBytes: ms.HeapAlloc,
		}
		if err != nil {
			rec.Error = err.Error()
		}
		if perr := s.opts.Profile.Append(context.WithoutCancel(ctx), rec); perr != nil {
			s.log.Warnf("profile task %s: %v", task.Name(), perr)
		}
	}

	s.progress.Lock()
	if err == nil {
		s.done++
	}
	s.publish(Event{State: Executing, Task: task.Name(), Op: task.Op, Done: s.done, Err: err})
	s.progress.Unlock()
	s.log.Debugw("task finished", map[string]any{"task": task.Name(), "status": status, "duration": d.String()})
}
