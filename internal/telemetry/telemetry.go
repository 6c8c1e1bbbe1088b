// Package telemetry reports captured job-execution errors to an optional
// Sentry-style DSN endpoint. Reporting failures are swallowed here; the
// executor must never have its own error masked or its finalization delayed
// by a telemetry hiccup.
package telemetry

import (
	"context"
	"log/slog"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/riverfield/crontabber/internal/errs"
)

// Reporter sends captured job errors to Sentry. A zero-value Reporter (no
// DSN configured) is a valid no-op.
type Reporter struct {
	enabled bool
}

// New initializes the Sentry SDK against dsn. An empty dsn disables
// telemetry entirely; every Report call then becomes a no-op.
func New(dsn string) (*Reporter, error) {
	if dsn == "" {
		return &Reporter{}, nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return nil, errs.NewTelemetryError("init", err)
	}
	return &Reporter{enabled: true}, nil
}

// Report sends one job-execution error to Sentry, tagged with the failing
// job's app name. Any failure in the reporting path itself is logged at
// debug level and otherwise discarded.
func (r *Reporter) Report(ctx context.Context, log *slog.Logger, appName string, jobErr error) {
	if r == nil || !r.enabled || jobErr == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			if log != nil {
				log.Debug("telemetry report panicked", "app_name", appName, "panic", p)
			}
		}
	}()

	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("app_name", appName)
	})
	hub.CaptureException(jobErr)
}

// Close flushes any buffered Sentry events; call during shutdown.
func (r *Reporter) Close() {
	if r == nil || !r.enabled {
		return
	}
	sentry.Flush(2 * time.Second)
}
