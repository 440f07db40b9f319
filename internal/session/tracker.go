package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/triage-ai/palisade/services/session_tracker/internal/metrics"
	"go.uber.org/zap"
)

// Tracker owns one session: its lifecycle, its event buffer and the
// background scheduler that delivers buffered events. Create one per
// connection and pass it explicitly; there is no process-wide tracker.
//
// No method returns delivery errors. Failures are logged and absorbed so the
// instrumented service is never blocked or crashed by the collector.
//
// Dropping a Tracker without calling Complete loses buffered events. Call
// Close to at least stop the background goroutine and log the loss.
type Tracker struct {
	cfg     Config
	client  DeliveryClient
	logger  *zap.Logger
	metrics *metrics.Tracker

	mu      sync.RWMutex
	state   State
	session Session

	buffer *EventBuffer
	sched  *FlushScheduler

	regMu      sync.Mutex
	registered bool

	completed chan struct{}
}

// NewTracker creates an INACTIVE tracker. m may be nil.
func NewTracker(client DeliveryClient, cfg Config, logger *zap.Logger, m *metrics.Tracker) *Tracker {
	cfg = cfg.WithDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:       cfg,
		client:    client,
		logger:    logger,
		metrics:   m,
		buffer:    NewEventBuffer(cfg.MaxBufferedEvents, cfg.OverflowPolicy),
		completed: make(chan struct{}),
	}
}

// Start activates the session and launches the background scheduler. The
// session-create call to the collector runs on the scheduler goroutine; if it
// fails the session stays active locally and the call is retried before the
// first batch is delivered. Calling Start twice returns the existing session.
func (t *Tracker) Start(resourceUUID string, metadata map[string]any) Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateInactive {
		t.logger.Warn("session already started",
			zap.String("session_id", t.session.ID),
			zap.Stringer("state", t.state),
		)
		return t.snapshotLocked()
	}

	t.session = Session{
		ID:           uuid.New().String(),
		ResourceUUID: resourceUUID,
		Metadata:     cloneMetadata(metadata),
		CreatedAt:    time.Now().UTC(),
	}
	t.state = StateActive
	t.logger = t.logger.With(zap.String("session_id", t.session.ID))

	t.sched = newFlushScheduler(t.buffer, t.deliverBatch, t.cfg, t.logger, t.metrics)
	t.sched.Start(func(ctx context.Context) {
		_ = t.ensureRegistered(ctx)
	})

	t.metrics.SessionStarted()
	t.logger.Info("session started",
		zap.String("resource_uuid", resourceUUID),
		zap.Duration("flush_interval", t.cfg.FlushInterval),
		zap.Int("watermark", t.cfg.Watermark),
	)
	return t.snapshotLocked()
}

// AddEvent buffers an event. It never blocks on network I/O and is safe for
// concurrent use. Events are discarded with a warning unless the session is
// ACTIVE.
func (t *Tracker) AddEvent(e Event) {
	e, err := t.prepare(e)

	t.mu.RLock()
	logger := t.logger
	if err != nil {
		t.mu.RUnlock()
		t.metrics.EventsDropped(metrics.DropInvalid, 1)
		logger.Warn("invalid event discarded", zap.Error(err))
		return
	}
	if t.state != StateActive {
		state := t.state
		t.mu.RUnlock()
		t.metrics.EventsDropped(metrics.DropInactive, 1)
		logger.Warn("event discarded, session not active",
			zap.Stringer("state", state),
			zap.String("event_type", string(e.Type)),
		)
		return
	}
	size, dropped := t.buffer.Enqueue(e)
	sched := t.sched
	t.mu.RUnlock()

	if dropped > 0 {
		t.metrics.EventsDropped(metrics.DropOverflow, dropped)
		logger.Warn("event buffer full, events dropped",
			zap.Int("dropped", dropped),
			zap.Int("max_buffered_events", t.cfg.MaxBufferedEvents),
			zap.String("policy", string(t.cfg.OverflowPolicy)),
		)
	}
	if dropped == 0 || t.cfg.OverflowPolicy == DropOldest {
		t.metrics.EventEnqueued()
	}
	sched.Notify(size)
}

// prepare applies capture-time processing: validation, timestamp default,
// payload stripping and redaction.
func (t *Tracker) prepare(e Event) (Event, error) {
	if err := e.Validate(); err != nil {
		return e, err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if !t.cfg.CollectArguments {
		e = e.WithoutPayload()
	}
	if t.cfg.Redactor != nil {
		e = t.cfg.Redactor.Redact(e)
	}
	return e, nil
}

// Notify is AddEvent under the name the instrumentation layer uses.
func (t *Tracker) Notify(e Event) { t.AddEvent(e) }

// UpdateMetadata merges m into the session metadata. The previous map is
// never mutated, so earlier snapshots stay valid.
func (t *Tracker) UpdateMetadata(m map[string]any) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateActive {
		t.logger.Warn("metadata update ignored, session not active", zap.Stringer("state", t.state))
		return
	}
	next := cloneMetadata(t.session.Metadata)
	if next == nil {
		next = make(map[string]any, len(m))
	}
	for k, v := range m {
		next[k] = cloneValue(v)
	}
	t.session.Metadata = next
}

// IsActive reports whether the session accepts events.
func (t *Tracker) IsActive() bool {
	return t.State() == StateActive
}

// State returns the current lifecycle state.
func (t *Tracker) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// SessionID returns the session identifier, or "" before Start.
func (t *Tracker) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.session.ID
}

// Session returns a snapshot of the session.
func (t *Tracker) Session() Session {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.snapshotLocked()
}

// Buffered returns the number of events awaiting delivery.
func (t *Tracker) Buffered() int {
	return t.buffer.Size()
}

func (t *Tracker) snapshotLocked() Session {
	s := t.session
	s.Metadata = cloneMetadata(s.Metadata)
	s.State = t.state
	return s
}

// Complete flushes every buffered event, notifies the collector that the
// session is over, and moves the tracker to COMPLETED whatever the outcome.
// It blocks until the final flush resolves or ctx expires. Calling it again
// is a no-op; a concurrent second call waits for the first.
func (t *Tracker) Complete(ctx context.Context) {
	t.mu.Lock()
	logger := t.logger
	switch t.state {
	case StateInactive:
		t.mu.Unlock()
		logger.Warn("complete called on a session that was never started")
		return
	case StateCompleting:
		t.mu.Unlock()
		select {
		case <-t.completed:
		case <-ctx.Done():
		}
		return
	case StateCompleted:
		t.mu.Unlock()
		return
	}
	t.state = StateCompleting
	id := t.session.ID
	t.mu.Unlock()

	start := time.Now()
	t.sched.Stop(ctx)
	delivered := t.sched.Drain(ctx)

	notified := t.notifyComplete(ctx, id)

	t.mu.Lock()
	t.state = StateCompleted
	t.mu.Unlock()
	close(t.completed)

	t.metrics.SessionEnded()
	logger.Info("session completed",
		zap.Int("delivered", delivered),
		zap.Bool("collector_notified", notified),
		zap.Duration("elapsed", time.Since(start)),
	)
}

func (t *Tracker) notifyComplete(ctx context.Context, id string) bool {
	ctx, cancel := context.WithTimeout(ctx, t.cfg.DeliveryTimeout)
	defer cancel()

	if err := t.ensureRegistered(ctx); err != nil {
		return false
	}
	err := t.client.CompleteSession(ctx, id)
	if errors.Is(err, ErrSessionUnknown) {
		t.forgetRegistration()
		if err = t.ensureRegistered(ctx); err != nil {
			return false
		}
		err = t.client.CompleteSession(ctx, id)
	}
	if err != nil {
		t.metrics.DeliveryFailed("complete_session")
		t.logger.Warn("session complete notification failed", zap.Error(err))
		return false
	}
	return true
}

// Close tears the tracker down without a final flush. Buffered events are
// discarded and logged. Prefer Complete.
func (t *Tracker) Close() {
	t.mu.Lock()
	prev := t.state
	if prev == StateCompleting || prev == StateCompleted {
		t.mu.Unlock()
		return
	}
	t.state = StateCompleted
	sched := t.sched
	logger := t.logger
	t.mu.Unlock()

	if sched != nil {
		sched.Close()
	}
	if lost := t.buffer.Clear(); lost > 0 {
		t.metrics.EventsDropped(metrics.DropTeardown, lost)
		logger.Warn("tracker closed without complete, buffered events lost", zap.Int("lost", lost))
	}
	if prev == StateActive {
		t.metrics.SessionEnded()
	}
	close(t.completed)
}

// ensureRegistered performs the session-create call once it first succeeds.
func (t *Tracker) ensureRegistered(ctx context.Context) error {
	t.regMu.Lock()
	defer t.regMu.Unlock()

	if t.registered {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.DeliveryTimeout)
	defer cancel()

	if err := t.client.CreateSession(ctx, t.Session()); err != nil {
		t.metrics.DeliveryFailed("create_session")
		t.logger.Warn("session create failed, buffering locally", zap.Error(err))
		return fmt.Errorf("ensureRegistered: %w", err)
	}
	t.registered = true
	return nil
}

// forgetRegistration makes the next delivery re-create the session.
func (t *Tracker) forgetRegistration() {
	t.regMu.Lock()
	t.registered = false
	t.regMu.Unlock()
	t.logger.Warn("collector lost the session, re-creating before next delivery")
}

func (t *Tracker) deliverBatch(ctx context.Context, events []Event) error {
	if err := t.ensureRegistered(ctx); err != nil {
		return err
	}
	err := t.client.AddEvents(ctx, Batch{SessionID: t.session.ID, Events: events})
	if errors.Is(err, ErrSessionUnknown) {
		t.forgetRegistration()
	}
	return err
}
