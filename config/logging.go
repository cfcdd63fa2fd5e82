package config

import (
	"fmt"
	"strings"
)

// LoggingConfig defines the log level and the optional rotating log file.
type LoggingConfig struct {
	// Level is one of debug, info, warning, error or off.
	Level string `json:"level"`
	// File enables a JSON log file in addition to the console.
	File string `json:"file"`
	// MaxSizeMB triggers rotation when the file exceeds this size in megabytes.
	MaxSizeMB int `json:"max_size_mb"`
	// MaxBackups limits the number of rotated files to keep.
	MaxBackups int `json:"max_backups"`
	// MaxAgeDays removes rotated files older than this number of days.
	MaxAgeDays int `json:"max_age_days"`
}

// Levels lists the accepted log levels.
var Levels = []string{"debug", "info", "warning", "error", "off"}

// SetDefaults applies sane defaults.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	c.Level = strings.ToLower(c.Level)
	if c.File != "" && c.MaxSizeMB == 0 {
		c.MaxSizeMB = 100
	}
}

// Validate checks the level and the rotation settings.
func (c LoggingConfig) Validate() error {
	if !ValidLevel(c.Level) {
		return fmt.Errorf("unknown log level %q (valid: %s)", c.Level, strings.Join(Levels, ", "))
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("rotation settings must not be negative")
	}
	return nil
}

// ValidLevel reports whether s is an accepted log level.
func ValidLevel(s string) bool {
	for _, l := range Levels {
		if s == l {
			return true
		}
	}
	return false
}
