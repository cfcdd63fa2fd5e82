// Package profile records per-task resource usage of a forecast run.
//
// Profiling is only meaningful when tasks run one at a time, so the
// scheduler refuses a profile store in concurrent mode.
package profile

import (
	"cmp"
	"context"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"
)

// Record is the measurement of one task.
type Record struct {
	RunID     string        `json:"run_id"`
	Task      string        `json:"task"`
	Op        string        `json:"op"`
	ChunkLat  int           `json:"chunk_lat"`
	ChunkLon  int           `json:"chunk_lon"`
	Start     time.Time     `json:"start"`
	Duration  time.Duration `json:"duration_ns"`
	HeapBytes uint64        `json:"heap_bytes"`
	Error     string        `json:"error,omitempty"`
}

// Query filters records. Zero fields match everything.
type Query struct {
	RunID string
	Op    string
	Start time.Time
	End   time.Time
}

func (q Query) match(r Record) bool {
	if q.RunID != "" && r.RunID != q.RunID {
		return false
	}
	if q.Op != "" && r.Op != q.Op {
		return false
	}
	if !q.Start.IsZero() && r.Start.Before(q.Start) {
		return false
	}
	if !q.End.IsZero() && r.Start.After(q.End) {
		return false
	}
	return true
}

// Store persists profile records.
type Store interface {
	Append(ctx context.Context, rec Record) error
	Query(ctx context.Context, q Query) ([]Record, error)
	Close() error
}

// Open returns the store matching the extension of path: ".db", ".sqlite"
// and ".sqlite3" select SQLite, anything else JSON lines.
func Open(path string) (Store, error) {
	if path == "" {
		return nil, fmt.Errorf("empty profile path")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".db", ".sqlite", ".sqlite3":
		return NewSQLiteStore(path)
	default:
		return NewJSONLStore(path)
	}
}

// OpSummary aggregates the records of one operation.
type OpSummary struct {
	Op       string
	Tasks    int
	Failed   int
	Total    time.Duration
	Max      time.Duration
	PeakHeap uint64
}

// Summarize aggregates records per operation, sorted by total duration,
// longest first.
func Summarize(recs []Record) []OpSummary {
	byOp := map[string]*OpSummary{}
	for _, r := range recs {
		s, ok := byOp[r.Op]
		if !ok {
			s = &OpSummary{Op: r.Op}
			byOp[r.Op] = s
		}
		s.Tasks++
		if r.Error != "" {
			s.Failed++
		}
		s.Total += r.Duration
		s.Max = max(s.Max, r.Duration)
		s.PeakHeap = max(s.PeakHeap, r.HeapBytes)
	}
	out := make([]OpSummary, 0, len(byOp))
	for _, s := range byOp {
		out = append(out, *s)
	}
	slices.SortFunc(out, func(a, b OpSummary) int {
		if c := cmp.Compare(b.Total, a.Total); c != 0 {
			return c
		}
		return strings.Compare(a.Op, b.Op)
	})
	return out
}
