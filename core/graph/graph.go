// Package graph declares the deferred task graph of a forecast run.
//
// A Graph is built once, before anything is read or computed, and handed to
// the scheduler which evaluates every task exactly once. Tasks are stored in
// topological order: a task only depends on tasks added before it.
package graph

import (
	"context"
	"fmt"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/grid"
)

// Op names the operation a task performs on its chunk.
type Op string

const (
	OpLoad     Op = "load"
	OpForecast Op = "forecast"
	OpFilter   Op = "filter"
)

// TaskID indexes a task in its graph.
type TaskID int

// Func computes a task's result from the results of its dependencies, given
// in the order of Task.Deps.
type Func func(ctx context.Context, inputs []any) (any, error)

// Task is one (chunk, operation) node.
type Task struct {
	ID    TaskID
	Op    Op
	Chunk chunk.Chunk
	Deps  []TaskID
	fn    Func
}

// Name identifies the task in logs and errors, e.g. "forecast[0,1]".
func (t *Task) Name() string { return string(t.Op) + t.Chunk.String() }

// Run evaluates the task.
func (t *Task) Run(ctx context.Context, inputs []any) (any, error) { return t.fn(ctx, inputs) }

// Output is the task producing the final values of a chunk.
type Output struct {
	Chunk chunk.Chunk
	Task  TaskID
}

// Meta describes the grid a graph produces.
type Meta struct {
	Variable   string
	Input      grid.Shape
	ChunkShape chunk.Shape
	// Steps is the length of the output time axis and Time its coordinates.
	Steps int
	Time  []float64
	// Halo is the spatial overlap, in pixels, read by filter tasks from
	// neighbouring chunks. TimeHalo is the number of steps each window reads
	// before its reference step.
	Halo     int
	TimeHalo int
	Horizon  int
	Test     bool
}

// Graph is an immutable DAG of tasks once built.
type Graph struct {
	meta      Meta
	tasks     []*Task
	consumers [][]TaskID
	outputs   []Output
}

// New returns an empty graph.
func New(meta Meta) *Graph { return &Graph{meta: meta} }

// Add appends a task. Dependencies must already be in the graph.
func (g *Graph) Add(op Op, c chunk.Chunk, deps []TaskID, fn Func) (TaskID, error) {
	if fn == nil {
		return -1, fmt.Errorf("task %s%s has no function", op, c)
	}
	id := TaskID(len(g.tasks))
	for _, d := range deps {
		if d < 0 || d >= id {
			return -1, fmt.Errorf("task %s%s depends on unknown task %d", op, c, d)
		}
	}
	g.tasks = append(g.tasks, &Task{ID: id, Op: op, Chunk: c, Deps: append([]TaskID(nil), deps...), fn: fn})
	g.consumers = append(g.consumers, nil)
	for _, d := range deps {
		g.consumers[d] = append(g.consumers[d], id)
	}
	return id, nil
}

// MarkOutput records id as the task producing chunk c of the result.
func (g *Graph) MarkOutput(c chunk.Chunk, id TaskID) error {
	if id < 0 || int(id) >= len(g.tasks) {
		return fmt.Errorf("output %s refers to unknown task %d", c, id)
	}
	g.outputs = append(g.outputs, Output{Chunk: c, Task: id})
	return nil
}

func (g *Graph) Meta() Meta { return g.meta }

func (g *Graph) Len() int { return len(g.tasks) }

// Tasks returns the tasks in topological order.
func (g *Graph) Tasks() []*Task { return g.tasks }

func (g *Graph) Task(id TaskID) *Task { return g.tasks[id] }

// Consumers returns the tasks depending on id.
func (g *Graph) Consumers(id TaskID) []TaskID { return g.consumers[id] }

func (g *Graph) Outputs() []Output { return g.outputs }

// IsOutput reports whether id produces a chunk of the result.
func (g *Graph) IsOutput(id TaskID) bool {
	for _, o := range g.outputs {
		if o.Task == id {
			return true
		}
	}
	return false
}

// Counts returns the number of tasks per operation.
func (g *Graph) Counts() map[Op]int {
	out := make(map[Op]int)
	for _, t := range g.tasks {
		out[t.Op]++
	}
	return out
}

// Validate checks that the graph is ordered and that its outputs tile the
// grid exactly once.
func (g *Graph) Validate() error {
	if len(g.tasks) == 0 {
		return fmt.Errorf("graph has no task")
	}
	for _, t := range g.tasks {
		for _, d := range t.Deps {
			if d >= t.ID {
				return fmt.Errorf("task %s depends on later task %d", t.Name(), d)
			}
		}
	}
	chunks := make([]chunk.Chunk, len(g.outputs))
	for i, o := range g.outputs {
		chunks[i] = o.Chunk
	}
	if err := chunk.Covers(g.meta.Input, chunks); err != nil {
		return fmt.Errorf("outputs: %w", err)
	}
	return nil
}
