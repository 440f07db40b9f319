package server

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/session_tracker/internal/auth"
	"github.com/triage-ai/palisade/services/session_tracker/internal/metrics"
	"github.com/triage-ai/palisade/services/session_tracker/internal/storage"
	"github.com/triage-ai/palisade/services/session_tracker/internal/store"
	"github.com/triage-ai/palisade/services/session_tracker/internal/wire"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// CollectorServer implements the session collector gRPC service.
type CollectorServer struct {
	auth      auth.Authenticator
	store     store.SessionStore
	sink      storage.EventSink
	validator *wire.EventValidator
	metrics   *metrics.Collector
	logger    *zap.Logger

	mu        sync.Mutex
	sequences map[string]*sequenceState
	idleTTL   time.Duration
	lastSweep time.Time
}

// sequenceIdleTTL bounds how long the dedupe state of a session that stopped
// sending, without completing, is kept in memory.
const sequenceIdleTTL = 30 * time.Minute

// sequenceState tracks the highest sequence stored for one session so that
// batches re-sent after a lost acknowledgement are not written twice.
type sequenceState struct {
	mu   sync.Mutex
	last uint64

	lastSeen time.Time // guarded by CollectorServer.mu
}

// NewCollectorServer creates a new CollectorServer with the given dependencies.
// The authenticator is consulted only when no interceptor has already placed
// a project on the call context.
func NewCollectorServer(
	authenticator auth.Authenticator,
	sessions store.SessionStore,
	sink storage.EventSink,
	validator *wire.EventValidator,
	m *metrics.Collector,
	logger *zap.Logger,
) *CollectorServer {
	return &CollectorServer{
		auth:      authenticator,
		store:     sessions,
		sink:      sink,
		validator: validator,
		metrics:   m,
		logger:    logger,
		sequences: make(map[string]*sequenceState),
		idleTTL:   sequenceIdleTTL,
	}
}

func (s *CollectorServer) project(ctx context.Context, method string) (*auth.Project, error) {
	if p := auth.ProjectFromContext(ctx); p != nil {
		return p, nil
	}
	p, err := s.auth.Authenticate(ctx)
	if err != nil {
		return nil, s.fail(method, codes.Unauthenticated, "authentication failed: %v", err)
	}
	return p, nil
}

func (s *CollectorServer) fail(method string, code codes.Code, format string, args ...any) error {
	s.metrics.RequestError(method, code.String())
	return status.Errorf(code, format, args...)
}

// CreateSession registers a session. Repeating the call for the same session
// is acknowledged without creating a second row.
func (s *CollectorServer) CreateSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const method = "CreateSession"

	project, err := s.project(ctx, method)
	if err != nil {
		return nil, err
	}

	var rec wire.SessionRecord
	if err := wire.Decode(req, &rec); err != nil {
		return nil, s.fail(method, codes.InvalidArgument, "%v", err)
	}
	if _, err := uuid.Parse(rec.SessionID); err != nil {
		return nil, s.fail(method, codes.InvalidArgument, "session_id: %v", err)
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	err = s.store.Create(ctx, &store.Session{
		ID:           rec.SessionID,
		ProjectID:    project.ProjectID,
		ResourceUUID: rec.ResourceUUID,
		Metadata:     rec.Metadata,
		CreatedAt:    rec.CreatedAt,
	})
	if err != nil {
		s.logger.Error("session create failed",
			zap.String("project_id", project.ProjectID),
			zap.String("session_id", rec.SessionID),
			zap.Error(err),
		)
		return nil, s.fail(method, codes.Internal, "store session: %v", err)
	}

	s.metrics.SessionCreated()
	s.logger.Debug("session created",
		zap.String("project_id", project.ProjectID),
		zap.String("session_id", rec.SessionID),
		zap.Bool("degraded_auth", project.Degraded),
	)
	return wire.Encode(wire.Ack{SessionID: rec.SessionID})
}

// AddEvents validates and stores one ordered batch. Events whose sequence is
// not above the last stored one are counted as duplicates and skipped.
func (s *CollectorServer) AddEvents(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const method = "AddEvents"

	project, err := s.project(ctx, method)
	if err != nil {
		return nil, err
	}

	data, err := wire.MarshalJSON(req)
	if err != nil {
		return nil, s.fail(method, codes.InvalidArgument, "%v", err)
	}
	batch, err := s.validator.DecodeAddEvents(data)
	if err != nil {
		return nil, s.fail(method, codes.InvalidArgument, "%v", err)
	}

	sess, err := s.store.Lookup(ctx, project.ProjectID, batch.SessionID)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, s.fail(method, codes.NotFound, "session %s not found", batch.SessionID)
	}
	if err != nil {
		return nil, s.fail(method, codes.Internal, "lookup session: %v", err)
	}
	if sess.Completed() {
		return nil, s.fail(method, codes.FailedPrecondition, "session %s already completed", batch.SessionID)
	}

	seq := s.sequenceState(project.ProjectID, batch.SessionID)
	seq.mu.Lock()
	defer seq.mu.Unlock()

	now := time.Now()
	rows := make([]storage.EventRow, 0, len(batch.Events))
	last := seq.last
	duplicates := 0
	for _, rec := range batch.Events {
		if rec.Sequence <= last {
			duplicates++
			continue
		}
		rows = append(rows, storage.NewEventRow(project.ProjectID, batch.SessionID, rec, now))
		last = rec.Sequence
	}

	if err := s.sink.WriteEvents(ctx, rows); err != nil {
		s.logger.Error("event sink write failed",
			zap.String("project_id", project.ProjectID),
			zap.String("session_id", batch.SessionID),
			zap.Int("events", len(rows)),
			zap.Error(err),
		)
		return nil, s.fail(method, codes.Internal, "store events: %v", err)
	}
	seq.last = last

	s.metrics.EventsReceived(len(rows), duplicates)
	return wire.Encode(wire.Ack{
		SessionID:  batch.SessionID,
		Accepted:   len(rows),
		Duplicates: duplicates,
	})
}

// CompleteSession marks a session finished. Completing twice is acknowledged.
func (s *CollectorServer) CompleteSession(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	const method = "CompleteSession"

	project, err := s.project(ctx, method)
	if err != nil {
		return nil, err
	}

	var rec wire.CompleteSessionRequest
	if err := wire.Decode(req, &rec); err != nil {
		return nil, s.fail(method, codes.InvalidArgument, "%v", err)
	}
	if rec.SessionID == "" {
		return nil, s.fail(method, codes.InvalidArgument, "missing session_id")
	}
	if rec.CompletedAt.IsZero() {
		rec.CompletedAt = time.Now().UTC()
	}

	err = s.store.Complete(ctx, project.ProjectID, rec.SessionID, rec.CompletedAt)
	if errors.Is(err, store.ErrSessionNotFound) {
		return nil, s.fail(method, codes.NotFound, "session %s not found", rec.SessionID)
	}
	if err != nil {
		return nil, s.fail(method, codes.Internal, "complete session: %v", err)
	}

	s.mu.Lock()
	delete(s.sequences, project.ProjectID+":"+rec.SessionID)
	s.mu.Unlock()

	s.metrics.SessionCompleted()
	s.logger.Debug("session completed",
		zap.String("project_id", project.ProjectID),
		zap.String("session_id", rec.SessionID),
	)
	return wire.Encode(wire.Ack{SessionID: rec.SessionID})
}

func (s *CollectorServer) sequenceState(projectID, sessionID string) *sequenceState {
	key := projectID + ":" + sessionID
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastSweep) >= s.idleTTL {
		s.evictIdleLocked(now)
	}
	st, ok := s.sequences[key]
	if !ok {
		st = &sequenceState{}
		s.sequences[key] = st
	}
	st.lastSeen = now
	return st
}

// evictIdleLocked drops the dedupe state of sessions idle for longer than
// idleTTL. A session that resumes afterwards starts from an empty state, and
// any re-sent rows collapse in the event table instead.
func (s *CollectorServer) evictIdleLocked(now time.Time) {
	s.lastSweep = now
	evicted := 0
	for key, st := range s.sequences {
		if now.Sub(st.lastSeen) > s.idleTTL {
			delete(s.sequences, key)
			evicted++
		}
	}
	if evicted > 0 {
		s.logger.Info("evicted idle session dedupe state",
			zap.Int("evicted", evicted),
			zap.Int("tracked", len(s.sequences)),
		)
	}
}
