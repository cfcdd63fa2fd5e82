// Package run holds the validated, immutable parameters of one forecast run.
package run

import (
	"fmt"
	"strconv"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/errdefs"
)

// Mode selects how the scheduler executes a graph.
type Mode string

const (
	// ModeAuto resolves to ModeConcurrent, or ModeSynchronous when profiling.
	ModeAuto        Mode = ""
	ModeConcurrent  Mode = "multithreading"
	ModeSynchronous Mode = "synchronous"
)

// ParseMode accepts the command line spellings of a mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeAuto, ModeConcurrent, ModeSynchronous:
		return Mode(s), nil
	}
	return ModeAuto, errdefs.Configuration("unknown execution mode %q", s)
}

const (
	MaxHorizon = 7
	MaxWorkers = 8
	MaxThreads = 8
)

// Config is the snapshot of every tunable of a run. It is passed by value and
// never modified once validated.
type Config struct {
	// Model is a preset name or a path to a model definition file.
	Model string
	// Target is the forecast variable; MaskVariable nullifies target steps
	// where it is not finite. An empty MaskVariable disables masking.
	Target       string
	MaskVariable string

	ChunkLat   chunk.Request
	ChunkLon   chunk.Request
	DepthLevel *float64
	// FilterFWHM is the lateral filter width in pixels; nil or 0 disables it.
	FilterFWHM *float64
	Horizon    int
	Test       bool

	Mode Mode
	// Workers and Threads are resolved from the host when zero.
	Workers int
	Threads int
	// ProfilePath enables profiling when not empty.
	ProfilePath string
	Progress    bool

	ReaderEngine string
	WriterEngine string
	TmpDir       string
}

// Defaults returns a configuration with the default target and horizon.
func Defaults() Config {
	return Config{
		Model:        "default",
		Target:       "chl",
		MaskVariable: "no3",
		Horizon:      1,
		Progress:     true,
	}
}

// Profiling reports whether per-task profiling is requested.
func (c Config) Profiling() bool { return c.ProfilePath != "" }

// Filtering reports whether the lateral filter is enabled.
func (c Config) Filtering() bool { return c.FilterFWHM != nil && *c.FilterFWHM > 0 }

// Validate rejects out-of-range and mutually exclusive parameters.
func (c Config) Validate() error {
	if c.Model == "" {
		return errdefs.Configuration("model is required")
	}
	if c.Target == "" {
		return errdefs.Configuration("target variable is required")
	}
	if c.Horizon < 1 || c.Horizon > MaxHorizon {
		return errdefs.Configuration("horizon %d out of range [1, %d]", c.Horizon, MaxHorizon)
	}
	if err := c.ChunkLat.Validate(); err != nil {
		return fmt.Errorf("lat: %w", err)
	}
	if err := c.ChunkLon.Validate(); err != nil {
		return fmt.Errorf("lon: %w", err)
	}
	if c.FilterFWHM != nil && *c.FilterFWHM < 0 {
		return errdefs.Configuration("gaussian filter width %g must not be negative", *c.FilterFWHM)
	}
	if c.Workers < 0 || c.Workers > MaxWorkers {
		return errdefs.Configuration("workers %d out of range [1, %d]", c.Workers, MaxWorkers)
	}
	if c.Threads < 0 || c.Threads > MaxThreads {
		return errdefs.Configuration("nthread %d out of range [1, %d]", c.Threads, MaxThreads)
	}
	if _, err := ParseMode(string(c.Mode)); err != nil {
		return err
	}
	if c.Profiling() && c.Mode == ModeConcurrent {
		return errdefs.Configuration("profiling requires synchronous execution, %s mode was requested", c.Mode)
	}
	return nil
}

// Resolve fills the system-determined values from the number of logical
// CPUs of the host. Workers times threads never exceeds cpus unless either
// was set explicitly.
func (c Config) Resolve(cpus int) Config {
	if cpus < 1 {
		cpus = 1
	}
	if c.Mode == ModeAuto {
		c.Mode = ModeConcurrent
		if c.Profiling() {
			c.Mode = ModeSynchronous
		}
	}
	if c.Mode == ModeSynchronous {
		c.Workers = 1
	} else if c.Workers == 0 {
		c.Workers = min(cpus, MaxWorkers)
	}
	if c.Threads == 0 {
		c.Threads = max(1, min(cpus/c.Workers, MaxThreads))
	}
	return c
}

// Attributes renders the run parameters recorded on the output dataset.
func (c Config) Attributes() map[string]string {
	attrs := map[string]string{
		"model":          c.Model,
		"horizon":        strconv.Itoa(c.Horizon),
		"chunk_size_lat": c.ChunkLat.String(),
		"chunk_size_lon": c.ChunkLon.String(),
		"test":           strconv.FormatBool(c.Test),
		"mode":           string(c.Mode),
	}
	if c.DepthLevel != nil {
		attrs["depth_level"] = strconv.FormatFloat(*c.DepthLevel, 'g', -1, 64)
	}
	if c.FilterFWHM != nil {
		attrs["gaussian_filter"] = strconv.FormatFloat(*c.FilterFWHM, 'g', -1, 64)
	}
	return attrs
}
