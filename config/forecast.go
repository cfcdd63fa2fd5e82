package config

import (
	"fmt"

	"github.com/kilianp07/wqforecast/core/chunk"
	"github.com/kilianp07/wqforecast/core/run"
)

// ForecastConfig is the file and environment form of the run parameters.
// Unset pointer fields keep the run defaults.
type ForecastConfig struct {
	Model        string   `json:"model"`
	Target       string   `json:"target"`
	MaskVariable *string  `json:"mask_variable"`
	ChunkLat     *int     `json:"chunk_size_lat"`
	ChunkLon     *int     `json:"chunk_size_lon"`
	DepthLevel   *float64 `json:"depth_level"`
	FilterFWHM   *float64 `json:"gaussian_filter"`
	Horizon      int      `json:"horizon"`
	Test         bool     `json:"test"`
	Mode         string   `json:"mode"`
	Workers      int      `json:"workers"`
	Threads      int      `json:"nthread"`
	Profile      string   `json:"prof"`
	Progress     *bool    `json:"progress"`
	TmpDir       string   `json:"tmpdir"`
	// Template is a YAML attribute template replacing the embedded one.
	Template              string `json:"template"`
	AcknowledgeCopernicus bool   `json:"acknowledge_copernicus"`
	AcknowledgeOSPAR      bool   `json:"acknowledge_ospar"`
}

// SetDefaults fills the model, target and horizon.
func (c *ForecastConfig) SetDefaults() {
	d := run.Defaults()
	if c.Model == "" {
		c.Model = d.Model
	}
	if c.Target == "" {
		c.Target = d.Target
	}
	if c.Horizon == 0 {
		c.Horizon = d.Horizon
	}
}

// Validate checks the values that do not depend on the engines.
func (c ForecastConfig) Validate() error {
	if _, err := run.ParseMode(c.Mode); err != nil {
		return err
	}
	if c.Horizon < 1 || c.Horizon > run.MaxHorizon {
		return fmt.Errorf("horizon %d out of range [1, %d]", c.Horizon, run.MaxHorizon)
	}
	return nil
}

// Run converts c to run parameters for the given engines. The result is
// not validated.
func (c ForecastConfig) Run(reader, writer string) run.Config {
	r := run.Defaults()
	r.Model = c.Model
	r.Target = c.Target
	if c.MaskVariable != nil {
		r.MaskVariable = *c.MaskVariable
	}
	r.ChunkLat = chunk.FromPtr(c.ChunkLat)
	r.ChunkLon = chunk.FromPtr(c.ChunkLon)
	r.DepthLevel = c.DepthLevel
	r.FilterFWHM = c.FilterFWHM
	r.Horizon = c.Horizon
	r.Test = c.Test
	r.Mode = run.Mode(c.Mode)
	r.Workers = c.Workers
	r.Threads = c.Threads
	r.ProfilePath = c.Profile
	if c.Progress != nil {
		r.Progress = *c.Progress
	}
	r.ReaderEngine = reader
	r.WriterEngine = writer
	r.TmpDir = c.TmpDir
	return r
}
