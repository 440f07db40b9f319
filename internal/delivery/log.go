package delivery

import (
	"context"

	"github.com/triage-ai/palisade/services/session_tracker/internal/session"
	"go.uber.org/zap"
)

// LogClient is a fallback DeliveryClient for local development. It writes
// every call to the logger and never fails.
type LogClient struct {
	logger *zap.Logger
}

// NewLogClient creates a LogClient that outputs to the given logger.
func NewLogClient(logger *zap.Logger) *LogClient {
	return &LogClient{logger: logger}
}

func (c *LogClient) CreateSession(_ context.Context, s session.Session) error {
	c.logger.Info("session_create",
		zap.String("session_id", s.ID),
		zap.String("resource_uuid", s.ResourceUUID),
		zap.Any("metadata", s.Metadata),
		zap.Time("created_at", s.CreatedAt),
	)
	return nil
}

func (c *LogClient) AddEvents(_ context.Context, batch session.Batch) error {
	for _, e := range batch.Events {
		fields := []zap.Field{
			zap.String("session_id", batch.SessionID),
			zap.Uint64("sequence", e.Sequence),
			zap.String("event_type", string(e.Type)),
			zap.Time("timestamp", e.Timestamp),
		}
		if e.ToolName != "" {
			fields = append(fields, zap.String("tool_name", e.ToolName))
		}
		if e.DurationMs != nil {
			fields = append(fields, zap.Int64("duration_ms", *e.DurationMs))
		}
		c.logger.Info("session_event", fields...)
	}
	return nil
}

func (c *LogClient) CompleteSession(_ context.Context, sessionID string) error {
	c.logger.Info("session_complete", zap.String("session_id", sessionID))
	return nil
}

// Close is a no-op.
func (c *LogClient) Close() error { return nil }
