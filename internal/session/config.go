package session

import (
	"fmt"
	"time"
)

// OverflowPolicy decides which events are dropped once the buffer cap is
// reached. Both policies log the loss; neither blocks producers.
type OverflowPolicy string

const (
	// DropOldest evicts events from the front of the buffer.
	DropOldest OverflowPolicy = "drop_oldest"
	// DropNewest rejects the incoming events.
	DropNewest OverflowPolicy = "drop_newest"
)

const (
	DefaultFlushInterval      = 5 * time.Second
	DefaultWatermark          = 10
	DefaultMaxBufferedEvents  = 1000
	DefaultDeliveryTimeout    = 10 * time.Second
	DefaultFinalFlushAttempts = 3
	DefaultRetryBackoff       = 200 * time.Millisecond
)

// Config controls buffering and delivery for a Tracker.
// Zero values are replaced with defaults by WithDefaults.
type Config struct {
	FlushInterval     time.Duration
	Watermark         int
	MaxBatchSize      int // defaults to Watermark
	MaxBufferedEvents int
	OverflowPolicy    OverflowPolicy

	// CollectArguments keeps input/output/error payloads on captured events.
	// When false they are stripped in AddEvent, before the event is buffered.
	CollectArguments bool

	DeliveryTimeout    time.Duration
	FinalFlushAttempts int
	RetryBackoff       time.Duration

	// Redactor, if set, rewrites every event before it is buffered.
	Redactor Redactor
}

// DefaultConfig returns the default configuration with argument collection
// enabled.
func DefaultConfig() Config {
	return Config{CollectArguments: true}.WithDefaults()
}

// WithDefaults fills zero fields with their defaults.
func (c Config) WithDefaults() Config {
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Watermark <= 0 {
		c.Watermark = DefaultWatermark
	}
	if c.MaxBatchSize <= 0 {
		c.MaxBatchSize = c.Watermark
	}
	if c.MaxBufferedEvents <= 0 {
		c.MaxBufferedEvents = DefaultMaxBufferedEvents
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = DropOldest
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = DefaultDeliveryTimeout
	}
	if c.FinalFlushAttempts <= 0 {
		c.FinalFlushAttempts = DefaultFinalFlushAttempts
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = DefaultRetryBackoff
	}
	return c
}

// Validate reports configuration that cannot be used even after defaults.
func (c Config) Validate() error {
	switch c.OverflowPolicy {
	case DropOldest, DropNewest:
	default:
		return fmt.Errorf("unknown overflow policy %q", c.OverflowPolicy)
	}
	if c.MaxBufferedEvents < c.MaxBatchSize {
		return fmt.Errorf("max buffered events (%d) below max batch size (%d)", c.MaxBufferedEvents, c.MaxBatchSize)
	}
	return nil
}

// ParseOverflowPolicy converts a configuration string into an OverflowPolicy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch p := OverflowPolicy(s); p {
	case DropOldest, DropNewest:
		return p, nil
	case "":
		return DropOldest, nil
	}
	return "", fmt.Errorf("unknown overflow policy %q", s)
}
