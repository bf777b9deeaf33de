// Package logging builds the operator log of the import service on log/slog.
//
// Two scopes exist. HTTP handlers log with chi's request id; import jobs log
// with their job id and tenant. A job started from a request keeps both, so
// an upload can be followed from the request through every pipeline phase.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
)

// New returns a logger writing to w. format "json" selects the JSON
// handler; anything else logs text.
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Setup installs a stdout logger as the process default.
func Setup(level, format string) {
	slog.SetDefault(New(os.Stdout, level, format))
}

// ParseLevel maps a configured level name to a slog level. The import log
// severity "critical" logs at error level; unknown names log at info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "critical":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

type jobKey struct{}

type jobScope struct {
	id     string
	tenant int64
}

// WithJob marks ctx as belonging to an import job. Loggers taken from the
// returned context carry job_id and tenant_id.
func WithJob(ctx context.Context, jobID string, tenantID int64) context.Context {
	return context.WithValue(ctx, jobKey{}, jobScope{id: jobID, tenant: tenantID})
}

// FromContext returns the default logger with the request id and job scope
// found in ctx.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if reqID := middleware.GetReqID(ctx); reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	if job, ok := ctx.Value(jobKey{}).(jobScope); ok {
		logger = logger.With("job_id", job.id, "tenant_id", job.tenant)
	}
	return logger
}

// WithFields is FromContext plus extra attributes, e.g.
//
//	logging.WithFields(ctx, "rule_id", rule.ID).Info("mapping rule updated")
func WithFields(ctx context.Context, args ...any) *slog.Logger {
	return FromContext(ctx).With(args...)
}

// ForJob returns the logger shared by the phases of one import run.
func ForJob(ctx context.Context, jobID string, tenantID int64) *slog.Logger {
	return FromContext(WithJob(ctx, jobID, tenantID))
}
