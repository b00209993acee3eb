// Package audit records connection-lifecycle transitions for the external
// audit collaborator. Writes are best-effort: a failed write must never
// fail the transition that produced it.
package audit

import (
	"context"
	"log/slog"
	"time"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Category string

const (
	CategoryConnection Category = "connection"
	CategorySecurity   Category = "security"
	CategoryAdmin      Category = "admin"
)

// Entry is one audit record. UserID is empty when the actor could not be
// identified (e.g. an authentication failure).
type Entry struct {
	UserID    string
	Action    string
	Category  Category
	Severity  Severity
	Metadata  map[string]any
	Timestamp time.Time
}

// Recorder is implemented by the audit sink. Retention and ownership of the
// written entries belong to the sink, not the gateway.
type Recorder interface {
	Record(ctx context.Context, e Entry) error
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, e Entry) error

func (f RecorderFunc) Record(ctx context.Context, e Entry) error {
	return f(ctx, e)
}

// LogRecorder writes entries to the structured log. The default sink when
// no external audit store is wired into the process.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.With(slog.String("component", "audit"))}
}

func (r *LogRecorder) Record(_ context.Context, e Entry) error {
	r.logger.Info("audit",
		slog.String("action", e.Action),
		slog.String("userID", e.UserID),
		slog.String("category", string(e.Category)),
		slog.String("severity", string(e.Severity)),
		slog.Any("metadata", e.Metadata),
		slog.Time("timestamp", e.Timestamp),
	)
	return nil
}
