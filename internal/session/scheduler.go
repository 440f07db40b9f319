package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/triage-ai/palisade/services/session_tracker/internal/metrics"
	"go.uber.org/zap"
)

// deliverFunc transmits one drained batch.
type deliverFunc func(ctx context.Context, events []Event) error

// FlushScheduler drains an EventBuffer on a timer, on a size watermark, and
// on demand. One background goroutine serves the timer and watermark
// triggers; at most one flush is in flight at any time.
type FlushScheduler struct {
	buffer  *EventBuffer
	deliver deliverFunc
	cfg     Config
	logger  *zap.Logger
	metrics *metrics.Tracker

	// flushMu serialises flushes so batches reach the collector in drain order.
	flushMu sync.Mutex

	// backingOff is set after a failed flush. Watermark signals are ignored
	// until the next tick retries.
	backingOff atomic.Bool

	kick chan struct{}

	cancelLoop    context.CancelFunc
	cancelDeliver context.CancelFunc
	deliverCtx    context.Context
	done          chan struct{}
	stopOnce      sync.Once
}

func newFlushScheduler(buffer *EventBuffer, deliver deliverFunc, cfg Config, logger *zap.Logger, m *metrics.Tracker) *FlushScheduler {
	deliverCtx, cancelDeliver := context.WithCancel(context.Background())
	return &FlushScheduler{
		buffer:        buffer,
		deliver:       deliver,
		cfg:           cfg,
		logger:        logger,
		metrics:       m,
		kick:          make(chan struct{}, 1),
		deliverCtx:    deliverCtx,
		cancelDeliver: cancelDeliver,
	}
}

// Start launches the background loop. onStart, if non-nil, runs on the loop
// goroutine before the first tick so its I/O never lands on the caller.
func (s *FlushScheduler) Start(onStart func(ctx context.Context)) {
	loopCtx, cancel := context.WithCancel(context.Background())
	s.cancelLoop = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, onStart)
}

// Notify tells the scheduler the buffer now holds size events. Reaching the
// watermark wakes the loop without blocking the producer.
func (s *FlushScheduler) Notify(size int) {
	if size < s.cfg.Watermark {
		return
	}
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

func (s *FlushScheduler) loop(ctx context.Context, onStart func(ctx context.Context)) {
	defer close(s.done)

	if onStart != nil {
		onStart(s.deliverCtx)
	}

	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.flushPending(s.deliverCtx)
		case <-s.kick:
			if s.backingOff.Load() {
				continue
			}
			s.flushPending(s.deliverCtx)
		}
	}
}

// flushPending delivers the events buffered when it was called, batch by
// batch, stopping at the first failure. Events enqueued meanwhile wait for
// the next trigger.
func (s *FlushScheduler) flushPending(ctx context.Context) {
	size := s.buffer.Size()
	if size == 0 {
		return
	}
	batches := (size + s.cfg.MaxBatchSize - 1) / s.cfg.MaxBatchSize
	for range batches {
		if _, err := s.flushOnce(ctx); err != nil {
			s.backingOff.Store(true)
			return
		}
	}
	s.backingOff.Store(false)
}

// flushOnce drains one batch and delivers it outside the buffer lock. On
// failure the batch goes back to the front of the buffer, unless the
// collector rejected it outright, in which case it is dropped and logged.
func (s *FlushScheduler) flushOnce(ctx context.Context) (int, error) {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	events := s.buffer.DrainUpTo(s.cfg.MaxBatchSize)
	if len(events) == 0 {
		return 0, nil
	}

	deliverCtx, cancel := context.WithTimeout(ctx, s.cfg.DeliveryTimeout)
	defer cancel()

	if err := s.deliver(deliverCtx, events); err != nil {
		if errors.Is(err, ErrRejected) {
			s.metrics.DeliveryFailed("add_events")
			s.metrics.EventsDropped(metrics.DropRejected, len(events))
			s.logger.Error("event batch rejected by collector, events lost",
				zap.Int("lost", len(events)),
				zap.Uint64("first_sequence", events[0].Sequence),
				zap.Uint64("last_sequence", events[len(events)-1].Sequence),
				zap.Error(err),
			)
			return 0, nil
		}
		dropped := s.buffer.RequeueFront(events)
		s.metrics.DeliveryFailed("add_events")
		s.logger.Error("event batch delivery failed, requeued",
			zap.Int("batch_size", len(events)),
			zap.Uint64("first_sequence", events[0].Sequence),
			zap.Int("buffered", s.buffer.Size()),
			zap.Error(err),
		)
		if dropped > 0 {
			s.metrics.EventsDropped(metrics.DropOverflow, dropped)
			s.logger.Warn("event buffer full after requeue, events dropped",
				zap.Int("dropped", dropped),
				zap.String("policy", string(s.cfg.OverflowPolicy)),
			)
		}
		return 0, err
	}

	s.metrics.BatchDelivered(len(events))
	s.logger.Debug("event batch delivered",
		zap.Int("batch_size", len(events)),
		zap.Uint64("first_sequence", events[0].Sequence),
		zap.Uint64("last_sequence", events[len(events)-1].Sequence),
	)
	return len(events), nil
}

// Stop ends the background loop and waits for it to exit. If ctx expires
// first, any in-flight delivery is cancelled so the loop exits promptly.
func (s *FlushScheduler) Stop(ctx context.Context) {
	if s.done == nil {
		return
	}
	s.stopOnce.Do(s.cancelLoop)
	select {
	case <-s.done:
	case <-ctx.Done():
		s.cancelDeliver()
		<-s.done
	}
}

// Close stops the loop immediately, cancelling any in-flight delivery.
func (s *FlushScheduler) Close() {
	s.cancelDeliver()
	if s.done == nil {
		return
	}
	s.stopOnce.Do(s.cancelLoop)
	<-s.done
}

// Drain flushes until the buffer is empty, bypassing the timers. A failing
// batch is retried up to FinalFlushAttempts times with RetryBackoff between
// attempts. Whatever remains afterwards is discarded and logged as lost.
// It returns the number of events delivered.
func (s *FlushScheduler) Drain(ctx context.Context) int {
	delivered := 0
	failures := 0

drain:
	for s.buffer.Size() > 0 {
		if ctx.Err() != nil {
			break
		}
		n, err := s.flushOnce(ctx)
		if err == nil {
			delivered += n
			failures = 0
			continue
		}
		failures++
		if failures >= s.cfg.FinalFlushAttempts {
			break
		}
		timer := time.NewTimer(s.cfg.RetryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			break drain
		case <-timer.C:
		}
	}

	if lost := s.buffer.Clear(); lost > 0 {
		s.metrics.EventsDropped(metrics.DropFinalFlush, lost)
		s.logger.Warn("final flush incomplete, buffered events lost",
			zap.Int("lost", lost),
			zap.Int("delivered", delivered),
			zap.Int("failed_attempts", failures),
			zap.NamedError("context", ctx.Err()),
		)
	}
	return delivered
}
