package session

import "sync"

// EventBuffer is an ordered queue of events awaiting delivery.
// All methods are safe for concurrent use; each holds the lock only for the
// slice manipulation, never across I/O.
type EventBuffer struct {
	mu       sync.Mutex
	events   []Event
	capacity int
	policy   OverflowPolicy
	next     uint64
}

// NewEventBuffer creates a buffer holding at most capacity events.
// capacity <= 0 means unbounded.
func NewEventBuffer(capacity int, policy OverflowPolicy) *EventBuffer {
	if policy == "" {
		policy = DropOldest
	}
	return &EventBuffer{capacity: capacity, policy: policy}
}

// Enqueue stamps the event with the next sequence number and appends it. It
// returns the buffer size afterwards along with the number of events dropped
// to stay within the cap. A rejected event does not consume a sequence number.
func (b *EventBuffer) Enqueue(e Event) (size, dropped int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.full() {
		if b.policy == DropNewest {
			return len(b.events), 1
		}
		b.events[0] = Event{}
		b.events = b.events[1:]
		dropped = 1
	}
	b.next++
	e.Sequence = b.next
	b.events = append(b.events, e)
	return len(b.events), dropped
}

// DrainUpTo removes and returns at most limit events from the front.
func (b *EventBuffer) DrainUpTo(limit int) []Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(limit, len(b.events))
	if n <= 0 {
		return nil
	}
	out := make([]Event, n)
	copy(out, b.events[:n])

	rest := make([]Event, len(b.events)-n, max(len(b.events)-n, 8))
	copy(rest, b.events[n:])
	b.events = rest
	return out
}

// RequeueFront puts events back at the front in their original order, ahead
// of anything enqueued since they were drained. It returns how many events
// were dropped to respect the cap.
func (b *EventBuffer) RequeueFront(events []Event) (dropped int) {
	if len(events) == 0 {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	merged := make([]Event, 0, len(events)+len(b.events))
	merged = append(merged, events...)
	merged = append(merged, b.events...)

	if b.capacity > 0 && len(merged) > b.capacity {
		dropped = len(merged) - b.capacity
		if b.policy == DropNewest {
			merged = merged[:b.capacity]
		} else {
			merged = merged[dropped:]
		}
	}
	b.events = merged
	return dropped
}

// Size returns the number of buffered events.
func (b *EventBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// Clear empties the buffer and returns how many events it held.
func (b *EventBuffer) Clear() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.events)
	b.events = nil
	return n
}

func (b *EventBuffer) full() bool {
	return b.capacity > 0 && len(b.events) >= b.capacity
}
