package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/wqforecast/core/errdefs"
	"github.com/kilianp07/wqforecast/core/metrics"
	"github.com/kilianp07/wqforecast/infra/objectstore"
)

// EnvPrefix prefixes environment overrides. Nested keys are separated by a
// double underscore, e.g. WQF_FORECAST__HORIZON=3.
const EnvPrefix = "WQF_"

type Config struct {
	Forecast ForecastConfig     `json:"forecast"`
	Reader   EngineConfig       `json:"reader"`
	Writer   EngineConfig       `json:"writer"`
	Storage  objectstore.Config `json:"storage"`
	Metrics  metrics.Config     `json:"metrics"`
	Logging  LoggingConfig      `json:"logging"`
	Sentry   SentryConfig       `json:"sentry"`
}

// EngineConfig selects a grid I/O engine and its options.
type EngineConfig struct {
	Engine  string         `json:"engine"`
	Options map[string]any `json:"options"`
}

// Load reads the file at path, applies environment overrides and fills
// defaults. An empty path loads the environment only. Every failure is a
// configuration error.
func Load(path string) (*Config, error) {
	cfg, err := load(path)
	if err != nil {
		return nil, errdefs.Configuration("config: %w", err)
	}
	return cfg, nil
}

func load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills unset fields of every section.
func (c *Config) SetDefaults() {
	c.Forecast.SetDefaults()
	c.Logging.SetDefaults()
	c.Sentry.SetDefaults()
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Forecast.Validate(); err != nil {
		return fmt.Errorf("forecast: %w", err)
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if err := c.Sentry.Validate(); err != nil {
		return fmt.Errorf("sentry: %w", err)
	}
	return nil
}
