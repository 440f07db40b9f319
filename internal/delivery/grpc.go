package delivery

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"time"

	"github.com/triage-ai/palisade/services/session_tracker/internal/session"
	"github.com/triage-ai/palisade/services/session_tracker/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// GRPCClientConfig configures a GRPCClient.
type GRPCClientConfig struct {
	Addr     string
	APIKey   string // sent as "authorization: Bearer <key>"
	Insecure bool   // plaintext, for local collectors
	Logger   *zap.Logger
}

// GRPCClient delivers session data to the collector over gRPC.
type GRPCClient struct {
	conn   *grpc.ClientConn
	apiKey string
	logger *zap.Logger
}

// NewGRPCClient creates a client for the collector at cfg.Addr. The
// connection is established lazily on the first call.
func NewGRPCClient(cfg GRPCClientConfig, opts ...grpc.DialOption) (*GRPCClient, error) {
	creds := credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})
	if cfg.Insecure {
		creds = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}
	dialOpts = append(dialOpts, opts...)

	conn, err := grpc.NewClient(cfg.Addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("NewGRPCClient: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCClient{conn: conn, apiKey: cfg.APIKey, logger: logger}, nil
}

func (c *GRPCClient) withAuth(ctx context.Context) context.Context {
	if c.apiKey == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+c.apiKey)
}

func (c *GRPCClient) CreateSession(ctx context.Context, s session.Session) error {
	var ack wire.Ack
	if err := wire.Invoke(c.withAuth(ctx), c.conn, wire.CreateSessionMethod, SessionRecord(s), &ack); err != nil {
		return collectorError("CreateSession", err)
	}
	return nil
}

func (c *GRPCClient) AddEvents(ctx context.Context, batch session.Batch) error {
	req := wire.AddEventsRequest{
		SessionID: batch.SessionID,
		Events:    EventRecords(batch.Events),
	}
	var ack wire.Ack
	if err := wire.Invoke(c.withAuth(ctx), c.conn, wire.AddEventsMethod, req, &ack); err != nil {
		return collectorError("AddEvents", err)
	}
	if ack.Duplicates > 0 {
		c.logger.Debug("collector skipped re-sent events",
			zap.String("session_id", batch.SessionID),
			zap.Int("duplicates", ack.Duplicates),
		)
	}
	return nil
}

func (c *GRPCClient) CompleteSession(ctx context.Context, sessionID string) error {
	req := wire.CompleteSessionRequest{SessionID: sessionID, CompletedAt: time.Now().UTC()}
	var ack wire.Ack
	if err := wire.Invoke(c.withAuth(ctx), c.conn, wire.CompleteSessionMethod, req, &ack); err != nil {
		return collectorError("CompleteSession", err)
	}
	return nil
}

// collectorError wraps err with the session sentinel matching its status
// code so the tracker can tell a lost session or a rejected request from a
// transient failure.
func collectorError(op string, err error) error {
	switch status.Code(err) {
	case codes.NotFound:
		return fmt.Errorf("%s: %w: %w", op, session.ErrSessionUnknown, err)
	case codes.InvalidArgument, codes.FailedPrecondition:
		return fmt.Errorf("%s: %w: %w", op, session.ErrRejected, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Close releases the underlying connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

// SessionRecord converts a session into its wire form.
func SessionRecord(s session.Session) wire.SessionRecord {
	return wire.SessionRecord{
		SessionID:    s.ID,
		ResourceUUID: s.ResourceUUID,
		Metadata:     encodableMetadata(s.Metadata),
		CreatedAt:    s.CreatedAt,
	}
}

// EventRecords converts events into their wire form, preserving order.
func EventRecords(events []session.Event) []wire.EventRecord {
	out := make([]wire.EventRecord, len(events))
	for i, e := range events {
		out[i] = wire.EventRecord{
			Sequence:   e.Sequence,
			Timestamp:  e.Timestamp.UTC(),
			EventType:  string(e.Type),
			ToolName:   e.ToolName,
			InputData:  encodable(e.InputData),
			OutputData: encodable(e.OutputData),
			ErrorData:  encodable(e.ErrorData),
			DurationMs: e.DurationMs,
			Metadata:   encodableMetadata(e.Metadata),
		}
	}
	return out
}

func encodableMetadata(m map[string]any) map[string]any {
	if _, err := json.Marshal(m); err != nil {
		return map[string]any{"unencodable_metadata": err.Error()}
	}
	return m
}

// encodable replaces a payload that cannot be JSON-encoded with a placeholder
// so one bad event cannot make its whole batch undeliverable.
func encodable(v any) any {
	if v == nil {
		return nil
	}
	if _, err := json.Marshal(v); err != nil {
		return map[string]any{
			"unencodable": fmt.Sprintf("%T", v),
			"error":       err.Error(),
		}
	}
	return v
}
