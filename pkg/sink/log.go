package sink

import (
	"context"
	"log/slog"
	"time"
)

// LogSink writes every update to a structured logger instead of a database.
// It is used when no database is configured and never fails.
type LogSink struct {
	logger *slog.Logger
}

var _ Store = (*LogSink)(nil)

// NewLogSink returns a LogSink. A nil logger selects slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// SetVerdict implements [ResultSink].
func (s *LogSink) SetVerdict(ctx context.Context, sessionID string, u Update) error {
	s.logger.InfoContext(ctx, "call verdict",
		"session_id", sessionID,
		"label", u.Label,
		"confidence", u.Confidence,
		"status", u.StatusHint,
		"metadata", u.Metadata,
	)
	return nil
}

// SetStatus implements [StatusRecorder].
func (s *LogSink) SetStatus(ctx context.Context, sessionID, status string, duration time.Duration) error {
	s.logger.InfoContext(ctx, "call status",
		"session_id", sessionID,
		"status", status,
		"duration", duration,
	)
	return nil
}
