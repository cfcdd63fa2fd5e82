package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileOptions configures the rotating log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

var (
	fileMu sync.RWMutex
	file   io.WriteCloser
)

func currentFile() io.Writer {
	fileMu.RLock()
	defer fileMu.RUnlock()
	if file == nil {
		return nil
	}
	return file
}

// AddFile makes loggers created afterwards also write to a rotating file.
// Closing the returned closer detaches the file.
func AddFile(o FileOptions) (io.Closer, error) {
	if o.Path == "" {
		return nil, fmt.Errorf("log file path is required")
	}
	if dir := filepath.Dir(o.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	lj := &lumberjack.Logger{
		Filename:   o.Path,
		MaxSize:    o.MaxSizeMB,
		MaxBackups: o.MaxBackups,
		MaxAge:     o.MaxAgeDays,
	}
	fileMu.Lock()
	file = lj
	fileMu.Unlock()
	return closerFunc(func() error {
		fileMu.Lock()
		if file == lj {
			file = nil
		}
		fileMu.Unlock()
		return lj.Close()
	}), nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
