package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var errCollectorDown = errors.New("collector unavailable")

// fakeClient records every call. Queued errors are returned in order, one per
// call, before calls start succeeding.
type fakeClient struct {
	mu         sync.Mutex
	calls      []string
	batches    []Batch
	completes  int
	createErrs []error
	addErrs    []error
	alwaysFail bool
	block      chan struct{} // if set, AddEvents waits on it or ctx
}

func (c *fakeClient) CreateSession(_ context.Context, _ Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "create")
	if len(c.createErrs) > 0 {
		err := c.createErrs[0]
		c.createErrs = c.createErrs[1:]
		return err
	}
	return nil
}

func (c *fakeClient) AddEvents(ctx context.Context, batch Batch) error {
	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "add")
	if c.alwaysFail {
		return errCollectorDown
	}
	if len(c.addErrs) > 0 {
		err := c.addErrs[0]
		c.addErrs = c.addErrs[1:]
		return err
	}
	events := make([]Event, len(batch.Events))
	copy(events, batch.Events)
	c.batches = append(c.batches, Batch{SessionID: batch.SessionID, Events: events})
	return nil
}

func (c *fakeClient) CompleteSession(_ context.Context, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "complete")
	c.completes++
	return nil
}

func (c *fakeClient) delivered() []Batch {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Batch, len(c.batches))
	copy(out, c.batches)
	return out
}

func (c *fakeClient) callLog() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *fakeClient) deliveredCount() int {
	n := 0
	for _, b := range c.delivered() {
		n += len(b.Events)
	}
	return n
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func observedLogger() (*zap.Logger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	return zap.New(core), logs
}

// quietConfig never flushes on its own within a test's lifetime.
func quietConfig() Config {
	return Config{
		FlushInterval:    time.Hour,
		Watermark:        10,
		CollectArguments: true,
		RetryBackoff:     time.Millisecond,
	}
}

func TestTracker_CompleteDeliversOneOrderedBatch(t *testing.T) {
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), zap.NewNop(), nil)

	sess := tr.Start("r1", map[string]any{"service": "weather"})
	if !tr.IsActive() {
		t.Fatal("expected tracker to be active after start")
	}
	if sess.ResourceUUID != "r1" || sess.ID == "" {
		t.Fatalf("unexpected session %+v", sess)
	}

	for i := 0; i < 3; i++ {
		tr.AddEvent(NewToolCall("get_weather", map[string]any{"city": "Paris"}, nil))
		tr.AddEvent(NewToolResponse("get_weather", map[string]any{"temp": 21}, 5*time.Millisecond, nil))
	}
	tr.Complete(context.Background())

	batches := client.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected exactly 1 batch, got %d", len(batches))
	}
	batch := batches[0]
	if batch.SessionID != sess.ID {
		t.Fatalf("expected session id %s, got %s", sess.ID, batch.SessionID)
	}
	if len(batch.Events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(batch.Events))
	}
	for i, e := range batch.Events {
		want := EventToolCall
		if i%2 == 1 {
			want = EventToolResponse
		}
		if e.Type != want {
			t.Fatalf("event %d: expected %s, got %s", i, want, e.Type)
		}
		if e.Sequence != uint64(i+1) {
			t.Fatalf("event %d: expected sequence %d, got %d", i, i+1, e.Sequence)
		}
	}

	calls := client.callLog()
	if calls[len(calls)-1] != "complete" {
		t.Fatalf("expected completion last, got %v", calls)
	}
	if calls[0] != "create" {
		t.Fatalf("expected create first, got %v", calls)
	}
	if tr.IsActive() {
		t.Fatal("expected tracker inactive after complete")
	}
	if tr.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", tr.State())
	}
}

func TestTracker_CompleteIsIdempotent(t *testing.T) {
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), zap.NewNop(), nil)
	tr.Start("r1", nil)
	tr.AddEvent(NewUserInput("hello", nil))

	tr.Complete(context.Background())
	tr.Complete(context.Background())

	if client.completes != 1 {
		t.Fatalf("expected 1 completion notification, got %d", client.completes)
	}
	if n := client.deliveredCount(); n != 1 {
		t.Fatalf("expected 1 delivered event, got %d", n)
	}
}

func TestTracker_ConcurrentCompleteNotifiesOnce(t *testing.T) {
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), zap.NewNop(), nil)
	tr.Start("r1", nil)
	tr.AddEvent(NewUserInput("hello", nil))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr.Complete(context.Background())
		}()
	}
	wg.Wait()

	if client.completes != 1 {
		t.Fatalf("expected 1 completion notification, got %d", client.completes)
	}
	if tr.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", tr.State())
	}
}

func TestTracker_WatermarkTriggersFlush(t *testing.T) {
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), zap.NewNop(), nil)
	tr.Start("r1", nil)
	defer tr.Close()

	for i := 0; i < 9; i++ {
		tr.AddEvent(NewUserInput(i, nil))
	}
	time.Sleep(50 * time.Millisecond)
	if n := client.deliveredCount(); n != 0 {
		t.Fatalf("expected no flush below watermark, got %d delivered", n)
	}

	tr.AddEvent(NewUserInput(9, nil))
	waitFor(t, 2*time.Second, func() bool { return client.deliveredCount() == 10 })

	batches := client.delivered()
	if len(batches) != 1 || len(batches[0].Events) != 10 {
		t.Fatalf("expected one batch of 10, got %d batches", len(batches))
	}
}

func TestTracker_IntervalTriggersFlush(t *testing.T) {
	client := &fakeClient{}
	cfg := quietConfig()
	cfg.FlushInterval = 30 * time.Millisecond
	tr := NewTracker(client, cfg, zap.NewNop(), nil)
	tr.Start("r1", nil)
	defer tr.Close()

	for i := 0; i < 3; i++ {
		tr.AddEvent(NewUserInput(i, nil))
	}
	waitFor(t, 2*time.Second, func() bool { return client.deliveredCount() == 3 })
	if tr.Buffered() != 0 {
		t.Fatalf("expected empty buffer, got %d", tr.Buffered())
	}
}

func TestTracker_FailedBatchRetriedOnceDelivered(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{addErrs: []error{errCollectorDown}}
	cfg := quietConfig()
	cfg.FlushInterval = 30 * time.Millisecond
	cfg.Watermark = 3
	tr := NewTracker(client, cfg, logger, nil)
	tr.Start("r1", nil)
	defer tr.Close()

	for i := 0; i < 3; i++ {
		tr.AddEvent(NewToolCall("query_db", map[string]any{"n": i}, nil))
	}
	waitFor(t, 2*time.Second, func() bool { return client.deliveredCount() == 3 })

	batches := client.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected the batch delivered exactly once, got %d", len(batches))
	}
	if got := seqs(batches[0].Events); !equalSeqs(got, []uint64{1, 2, 3}) {
		t.Fatalf("expected sequences [1 2 3], got %v", got)
	}
	if logs.FilterMessage("event batch delivery failed, requeued").Len() != 1 {
		t.Fatal("expected one logged delivery failure")
	}
	adds := 0
	for _, c := range client.callLog() {
		if c == "add" {
			adds++
		}
	}
	if adds != 2 {
		t.Fatalf("expected 2 delivery attempts, got %d", adds)
	}
}

func TestTracker_BackoffSuppressesWatermarkRetries(t *testing.T) {
	client := &fakeClient{alwaysFail: true}
	cfg := quietConfig()
	cfg.Watermark = 2
	tr := NewTracker(client, cfg, zap.NewNop(), nil)
	tr.Start("r1", nil)
	defer tr.Close()

	tr.AddEvent(NewUserInput(1, nil))
	tr.AddEvent(NewUserInput(2, nil))
	waitFor(t, 2*time.Second, func() bool { return len(client.callLog()) >= 2 })

	for i := 0; i < 20; i++ {
		tr.AddEvent(NewUserInput(i, nil))
	}
	time.Sleep(50 * time.Millisecond)

	adds := 0
	for _, c := range client.callLog() {
		if c == "add" {
			adds++
		}
	}
	if adds != 1 {
		t.Fatalf("expected retries to wait for the next tick, got %d attempts", adds)
	}
	if tr.Buffered() != 22 {
		t.Fatalf("expected 22 buffered events, got %d", tr.Buffered())
	}
}

func TestTracker_CompleteSplitsIntoBatches(t *testing.T) {
	client := &fakeClient{}
	cfg := quietConfig()
	cfg.Watermark = 100
	cfg.MaxBatchSize = 4
	tr := NewTracker(client, cfg, zap.NewNop(), nil)
	tr.Start("r1", nil)

	for i := 0; i < 10; i++ {
		tr.AddEvent(NewUserInput(i, nil))
	}
	tr.Complete(context.Background())

	batches := client.delivered()
	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	var last uint64
	for _, b := range batches {
		if b.Events[0].Sequence != last+1 {
			t.Fatalf("batch starts at %d, expected %d", b.Events[0].Sequence, last+1)
		}
		last = b.Events[len(b.Events)-1].Sequence
	}
	if last != 10 {
		t.Fatalf("expected last sequence 10, got %d", last)
	}
}

func TestTracker_AddEventBeforeStartAndAfterComplete(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), logger, nil)

	tr.AddEvent(NewUserInput("early", nil))
	if tr.Buffered() != 0 {
		t.Fatal("expected event before start to be discarded")
	}

	tr.Start("r1", nil)
	tr.Complete(context.Background())
	tr.AddEvent(NewUserInput("late", nil))

	if tr.Buffered() != 0 {
		t.Fatal("expected event after complete to be discarded")
	}
	if n := logs.FilterMessage("event discarded, session not active").Len(); n != 2 {
		t.Fatalf("expected 2 discard warnings, got %d", n)
	}
	if n := client.deliveredCount(); n != 0 {
		t.Fatalf("expected nothing delivered, got %d", n)
	}
}

func TestTracker_InvalidEventDiscarded(t *testing.T) {
	logger, logs := observedLogger()
	tr := NewTracker(&fakeClient{}, quietConfig(), logger, nil)
	tr.Start("r1", nil)
	defer tr.Close()

	negative := int64(-5)
	tr.AddEvent(Event{Type: "bogus"})
	tr.AddEvent(Event{Type: EventToolResponse, DurationMs: &negative})

	if tr.Buffered() != 0 {
		t.Fatalf("expected invalid events discarded, got %d buffered", tr.Buffered())
	}
	if logs.FilterMessage("invalid event discarded").Len() != 2 {
		t.Fatal("expected two invalid event warnings")
	}
}

func TestTracker_MixedPayloadEventDoesNotStallSession(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), logger, nil)
	tr.Start("r1", nil)

	tr.AddEvent(Event{Type: EventToolResponse, InputData: "in", OutputData: "out"})
	tr.AddEvent(Event{Type: EventToolCall, InputData: "in", ErrorData: ErrorDetail{Message: "x"}})
	tr.AddEvent(Event{Type: EventError, OutputData: "out", ErrorData: ErrorDetail{Message: "x"}})
	for i := range 5 {
		tr.AddEvent(NewToolCall("search", map[string]any{"n": i}, nil))
	}
	tr.Complete(context.Background())

	if logs.FilterMessage("invalid event discarded").Len() != 3 {
		t.Fatal("expected three mixed-payload events discarded at capture")
	}
	if got := client.deliveredCount(); got != 5 {
		t.Fatalf("expected the 5 valid events delivered, got %d", got)
	}
	if logs.FilterMessage("final flush incomplete, buffered events lost").Len() != 0 {
		t.Fatal("expected no events lost in the final flush")
	}
}

func TestEvent_ValidatePayloadExclusivity(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"call with input", Event{Type: EventToolCall, InputData: "in"}, false},
		{"call with output", Event{Type: EventToolCall, OutputData: "out"}, true},
		{"response with output", Event{Type: EventToolResponse, OutputData: "out"}, false},
		{"response with input", Event{Type: EventToolResponse, InputData: "in"}, true},
		{"error with detail", Event{Type: EventError, ErrorData: ErrorDetail{Message: "x"}}, false},
		{"error with input", Event{Type: EventError, InputData: "in"}, true},
		{"system message with anything", Event{Type: EventSystemMessage, InputData: "in", OutputData: "out"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidEvent) {
				t.Fatalf("expected ErrInvalidEvent, got %v", err)
			}
		})
	}
}

func TestTracker_UnknownSessionIsRecreated(t *testing.T) {
	logger, logs := observedLogger()
	lost := fmt.Errorf("AddEvents: %w: not found", ErrSessionUnknown)
	client := &fakeClient{addErrs: []error{lost}}
	tr := NewTracker(client, quietConfig(), logger, nil)
	tr.Start("r1", nil)

	tr.AddEvent(NewToolCall("search", nil, nil))
	tr.AddEvent(NewToolCall("search", nil, nil))
	tr.Complete(context.Background())

	calls := client.callLog()
	want := []string{"create", "add", "create", "add", "complete"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
	if client.deliveredCount() != 2 {
		t.Fatalf("expected both events delivered after re-create, got %d", client.deliveredCount())
	}
	if logs.FilterMessage("collector lost the session, re-creating before next delivery").Len() != 1 {
		t.Fatal("expected the lost session to be logged")
	}
}

func TestTracker_RejectedBatchDroppedNotRequeued(t *testing.T) {
	logger, logs := observedLogger()
	rejected := fmt.Errorf("AddEvents: %w: invalid argument", ErrRejected)
	client := &fakeClient{addErrs: []error{rejected}}
	cfg := quietConfig()
	cfg.MaxBatchSize = 2
	tr := NewTracker(client, cfg, logger, nil)
	tr.Start("r1", nil)

	for i := range 4 {
		tr.AddEvent(NewToolCall("search", map[string]any{"n": i}, nil))
	}
	tr.Complete(context.Background())

	batches := client.delivered()
	if len(batches) != 1 {
		t.Fatalf("expected only the second batch delivered, got %d batches", len(batches))
	}
	if got := seqs(batches[0].Events); !equalSeqs(got, []uint64{3, 4}) {
		t.Fatalf("expected sequences [3 4], got %v", got)
	}
	entries := logs.FilterMessage("event batch rejected by collector, events lost").All()
	if len(entries) != 1 {
		t.Fatalf("expected one rejected-batch entry, got %d", len(entries))
	}
	if lostField := entries[0].ContextMap()["lost"]; lostField != int64(2) {
		t.Fatalf("expected 2 events reported lost, got %v", lostField)
	}
	if logs.FilterMessage("event batch delivery failed, requeued").Len() != 0 {
		t.Fatal("expected the rejected batch not to be requeued")
	}
	if logs.FilterMessage("final flush incomplete, buffered events lost").Len() != 0 {
		t.Fatal("expected no final flush loss")
	}
}

func TestTracker_CreateFailureKeepsSessionActive(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{createErrs: []error{errCollectorDown}}
	tr := NewTracker(client, quietConfig(), logger, nil)
	tr.Start("r1", nil)

	waitFor(t, 2*time.Second, func() bool {
		return logs.FilterMessage("session create failed, buffering locally").Len() == 1
	})
	if !tr.IsActive() {
		t.Fatal("expected session to stay active after create failure")
	}

	tr.AddEvent(NewUserInput("buffered", nil))
	tr.Complete(context.Background())

	calls := client.callLog()
	want := []string{"create", "create", "add", "complete"}
	if len(calls) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, calls)
		}
	}
	if client.deliveredCount() != 1 {
		t.Fatal("expected buffered event delivered after create retry")
	}
}

func TestTracker_OverflowDropsOldestWithWarning(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{alwaysFail: true}
	cfg := quietConfig()
	cfg.Watermark = 100
	cfg.MaxBatchSize = 5
	cfg.MaxBufferedEvents = 5
	tr := NewTracker(client, cfg, logger, nil)
	tr.Start("r1", nil)
	defer tr.Close()

	for i := 0; i < 8; i++ {
		tr.AddEvent(NewUserInput(i, nil))
	}
	if tr.Buffered() != 5 {
		t.Fatalf("expected buffer capped at 5, got %d", tr.Buffered())
	}
	dropped := 0
	for _, entry := range logs.FilterMessage("event buffer full, events dropped").All() {
		dropped += int(entry.ContextMap()["dropped"].(int64))
	}
	if dropped != 3 {
		t.Fatalf("expected 3 logged drops, got %d", dropped)
	}
}

func TestTracker_FinalFlushGivesUpAndLogsLoss(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{alwaysFail: true}
	tr := NewTracker(client, quietConfig(), logger, nil)
	tr.Start("r1", nil)
	tr.AddEvent(NewUserInput("a", nil))
	tr.AddEvent(NewUserInput("b", nil))

	tr.Complete(context.Background())

	if tr.State() != StateCompleted {
		t.Fatalf("expected completed despite failures, got %s", tr.State())
	}
	entries := logs.FilterMessage("final flush incomplete, buffered events lost").All()
	if len(entries) != 1 {
		t.Fatalf("expected one loss warning, got %d", len(entries))
	}
	if lost := entries[0].ContextMap()["lost"].(int64); lost != 2 {
		t.Fatalf("expected 2 lost, got %d", lost)
	}
	if client.completes != 1 {
		t.Fatalf("expected completion notified anyway, got %d", client.completes)
	}
}

func TestTracker_CompleteHonoursDeadline(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	defer close(client.block)
	tr := NewTracker(client, quietConfig(), zap.NewNop(), nil)
	tr.Start("r1", nil)
	tr.AddEvent(NewUserInput("stuck", nil))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	tr.Complete(ctx)
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("complete exceeded its deadline: %v", elapsed)
	}
	if tr.State() != StateCompleted {
		t.Fatalf("expected completed, got %s", tr.State())
	}
}

func TestTracker_ArgumentCollectionDisabled(t *testing.T) {
	client := &fakeClient{}
	cfg := quietConfig()
	cfg.CollectArguments = false
	tr := NewTracker(client, cfg, zap.NewNop(), nil)
	tr.Start("r1", nil)

	tr.AddEvent(NewToolCall("send_email", map[string]any{"to": "a@b.c"}, map[string]any{"k": "v"}))
	tr.AddEvent(NewToolResponse("send_email", "sent", 7*time.Millisecond, nil))
	tr.AddEvent(NewError("send_email", errCollectorDown, "trace", 3*time.Millisecond, nil))
	tr.Complete(context.Background())

	batches := client.delivered()
	if len(batches) != 1 || len(batches[0].Events) != 3 {
		t.Fatalf("expected one batch of 3, got %v", batches)
	}
	for _, e := range batches[0].Events {
		if e.InputData != nil || e.OutputData != nil || e.ErrorData != nil {
			t.Fatalf("expected payloads stripped, got %+v", e)
		}
		if e.ToolName != "send_email" {
			t.Fatalf("expected tool name retained, got %q", e.ToolName)
		}
	}
	if batches[0].Events[0].Metadata["k"] != "v" {
		t.Fatal("expected metadata retained")
	}
	if d := batches[0].Events[1].DurationMs; d == nil || *d != 7 {
		t.Fatal("expected duration retained")
	}
}

func TestTracker_ConcurrentProducersNoLossNoDuplication(t *testing.T) {
	client := &fakeClient{}
	cfg := quietConfig()
	cfg.FlushInterval = 10 * time.Millisecond
	cfg.MaxBufferedEvents = 5000
	tr := NewTracker(client, cfg, zap.NewNop(), nil)
	tr.Start("r1", nil)

	var wg sync.WaitGroup
	for p := 0; p < 20; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				tr.AddEvent(NewUserInput(i, nil))
			}
		}()
	}
	wg.Wait()
	tr.Complete(context.Background())

	var last uint64
	total := 0
	for _, b := range client.delivered() {
		for _, e := range b.Events {
			if e.Sequence != last+1 {
				t.Fatalf("expected sequence %d, got %d", last+1, e.Sequence)
			}
			last = e.Sequence
			total++
		}
	}
	if total != 1000 {
		t.Fatalf("expected 1000 delivered events, got %d", total)
	}
}

func TestTracker_MetadataIsCopied(t *testing.T) {
	tr := NewTracker(&fakeClient{}, quietConfig(), zap.NewNop(), nil)
	meta := map[string]any{"env": "prod", "nested": map[string]any{"region": "eu"}}
	tr.Start("r1", meta)
	defer tr.Close()

	meta["env"] = "dev"
	meta["nested"].(map[string]any)["region"] = "us"

	got := tr.Session().Metadata
	if got["env"] != "prod" {
		t.Fatalf("expected env=prod, got %v", got["env"])
	}
	if got["nested"].(map[string]any)["region"] != "eu" {
		t.Fatal("expected nested metadata copied")
	}

	before := tr.Session()
	tr.UpdateMetadata(map[string]any{"env": "staging"})
	if before.Metadata["env"] != "prod" {
		t.Fatal("expected earlier snapshot unchanged")
	}
	if tr.Session().Metadata["env"] != "staging" {
		t.Fatal("expected metadata updated")
	}
}

func TestTracker_StartTwiceReturnsSameSession(t *testing.T) {
	logger, logs := observedLogger()
	tr := NewTracker(&fakeClient{}, quietConfig(), logger, nil)
	first := tr.Start("r1", nil)
	second := tr.Start("r2", nil)
	defer tr.Close()

	if first.ID != second.ID {
		t.Fatalf("expected same session, got %s and %s", first.ID, second.ID)
	}
	if second.ResourceUUID != "r1" {
		t.Fatalf("expected original resource uuid, got %s", second.ResourceUUID)
	}
	if logs.FilterMessage("session already started").Len() != 1 {
		t.Fatal("expected warning for second start")
	}
}

func TestTracker_CloseWithoutCompleteLogsLoss(t *testing.T) {
	logger, logs := observedLogger()
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), logger, nil)
	tr.Start("r1", nil)
	tr.AddEvent(NewUserInput("x", nil))

	tr.Close()
	tr.Complete(context.Background())

	if logs.FilterMessage("tracker closed without complete, buffered events lost").Len() != 1 {
		t.Fatal("expected loss warning on close")
	}
	if client.completes != 0 {
		t.Fatal("expected no completion notification after close")
	}
	if tr.State() != StateCompleted {
		t.Fatalf("expected terminal state, got %s", tr.State())
	}
}

func TestTracker_CompleteBeforeStartIsNoop(t *testing.T) {
	client := &fakeClient{}
	tr := NewTracker(client, quietConfig(), zap.NewNop(), nil)
	tr.Complete(context.Background())

	if tr.State() != StateInactive {
		t.Fatalf("expected inactive, got %s", tr.State())
	}
	if len(client.callLog()) != 0 {
		t.Fatal("expected no collector calls")
	}
}

type maskingRedactor struct{}

func (maskingRedactor) Redact(e Event) Event {
	e.InputData = "[masked]"
	return e
}

func TestTracker_RedactorAppliedBeforeBuffer(t *testing.T) {
	client := &fakeClient{}
	cfg := quietConfig()
	cfg.Redactor = maskingRedactor{}
	tr := NewTracker(client, cfg, zap.NewNop(), nil)
	tr.Start("r1", nil)

	tr.AddEvent(NewToolCall("lookup", map[string]any{"ssn": "123-45-6789"}, nil))
	tr.Complete(context.Background())

	batches := client.delivered()
	if len(batches) != 1 || batches[0].Events[0].InputData != "[masked]" {
		t.Fatalf("expected redacted payload, got %+v", batches)
	}
}
