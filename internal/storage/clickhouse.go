package storage

import (
	"context"
	"crypto/tls"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"go.uber.org/zap"
)

// ClickHouseSink inserts session events into ClickHouse, one batch per
// add-events request.
//
//	CREATE TABLE session_events (
//	    project_id  String,
//	    session_id  String,
//	    sequence    UInt64,
//	    timestamp   DateTime64(3),
//	    event_type  LowCardinality(String),
//	    tool_name   String,
//	    input_json  String,
//	    output_json String,
//	    error_json  String,
//	    duration_ms Nullable(Int64),
//	    metadata    Map(String, String),
//	    received_at DateTime64(3)
//	) ENGINE = ReplacingMergeTree
//	ORDER BY (project_id, session_id, sequence);
type ClickHouseSink struct {
	conn   driver.Conn
	logger *zap.Logger
}

// NewClickHouseSink opens and pings a ClickHouse connection.
func NewClickHouseSink(dsn string, logger *zap.Logger) (*ClickHouseSink, error) {
	opts, err := clickhouse.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseSink: %w", err)
	}

	if opts.TLS == nil {
		opts.TLS = &tls.Config{}
	}

	conn, err := clickhouse.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("NewClickHouseSink: %w", err)
	}

	if err := conn.Ping(context.Background()); err != nil {
		return nil, fmt.Errorf("NewClickHouseSink: %w", err)
	}

	return &ClickHouseSink{conn: conn, logger: logger}, nil
}

func (s *ClickHouseSink) WriteEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO session_events (
			project_id, session_id, sequence, timestamp, event_type,
			tool_name, input_json, output_json, error_json,
			duration_ms, metadata, received_at
		)
	`)
	if err != nil {
		return fmt.Errorf("WriteEvents: prepare: %w", err)
	}

	for _, r := range rows {
		if err := batch.Append(
			r.ProjectID,
			r.SessionID,
			r.Sequence,
			r.Timestamp,
			r.EventType,
			r.ToolName,
			r.InputJSON,
			r.OutputJSON,
			r.ErrorJSON,
			r.DurationMs,
			r.Metadata,
			r.ReceivedAt,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("WriteEvents: append sequence %d: %w", r.Sequence, err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("WriteEvents: send %d rows: %w", len(rows), err)
	}
	return nil
}

// Close releases the ClickHouse connection.
func (s *ClickHouseSink) Close() {
	if err := s.conn.Close(); err != nil {
		s.logger.Warn("clickhouse close failed", zap.Error(err))
	}
}

// LogSink is a fallback EventSink for local development.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink that outputs events to the given logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) WriteEvents(_ context.Context, rows []EventRow) error {
	for _, r := range rows {
		fields := []zap.Field{
			zap.String("project_id", r.ProjectID),
			zap.String("session_id", r.SessionID),
			zap.Uint64("sequence", r.Sequence),
			zap.String("event_type", r.EventType),
			zap.Time("timestamp", r.Timestamp),
		}
		if r.ToolName != "" {
			fields = append(fields, zap.String("tool_name", r.ToolName))
		}
		if r.DurationMs != nil {
			fields = append(fields, zap.Int64("duration_ms", *r.DurationMs))
		}
		s.logger.Info("session_event_stored", fields...)
	}
	return nil
}

func (s *LogSink) Close() {}
