// Package monitoring reports failed forecast runs to Sentry.
package monitoring

import (
	"strings"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/kilianp07/wqforecast/config"
	"github.com/kilianp07/wqforecast/core/errdefs"
	coremon "github.com/kilianp07/wqforecast/core/monitoring"
)

// NewSentryMonitor creates a Sentry client from cfg. An empty DSN disables
// reporting.
func NewSentryMonitor(cfg config.SentryConfig) (coremon.Monitor, error) {
	if cfg.DSN == "" {
		return coremon.NopMonitor{}, nil
	}
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		TracesSampleRate: cfg.TracesSampleRate,
		Release:          cfg.Release,
		ServerName:       cfg.ServerName,
	})
	if err != nil {
		return nil, err
	}
	return &sentryMonitor{hub: sentry.NewHub(client, sentry.NewScope())}, nil
}

type sentryMonitor struct {
	hub *sentry.Hub
}

// CaptureException sends err with tags. Events are grouped by error kind and
// by the operation of the failing task, so one broken input does not open an
// issue per chunk.
func (s *sentryMonitor) CaptureException(err error, tags map[string]string) {
	if err == nil {
		return
	}
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetTags(tags)
		scope.SetLevel(level(tags["kind"]))
		if kind := tags["kind"]; kind != "" {
			fp := []string{kind}
			if task := tags["task"]; task != "" {
				op, _, _ := strings.Cut(task, "[")
				fp = append(fp, op)
			}
			scope.SetFingerprint(fp)
		}
		s.hub.CaptureException(err)
	})
}

func (s *sentryMonitor) Flush(timeout time.Duration) { s.hub.Flush(timeout) }

func level(kind string) sentry.Level {
	if kind == errdefs.ErrConfiguration.Error() {
		return sentry.LevelWarning
	}
	return sentry.LevelError
}
