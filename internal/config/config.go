// Package config loads tracker and collector settings from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/triage-ai/palisade/services/session_tracker/internal/session"
)

func EnvOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func EnvOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

// EnvOrDefaultDuration accepts Go duration strings ("5s", "250ms").
func EnvOrDefaultDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func EnvOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// Tracker holds the settings of an instrumented process.
type Tracker struct {
	CollectorAddr string
	APIKey        string
	Insecure      bool
	RedactPII     bool
	LogLevel      string
	Session       session.Config
}

// TrackerFromEnv reads SESSION_* variables on top of the session defaults.
func TrackerFromEnv() (Tracker, error) {
	def := session.DefaultConfig().WithDefaults()

	policy, err := session.ParseOverflowPolicy(EnvOrDefault("SESSION_OVERFLOW_POLICY", string(def.OverflowPolicy)))
	if err != nil {
		return Tracker{}, fmt.Errorf("TrackerFromEnv: %w", err)
	}

	watermark := EnvOrDefaultInt("SESSION_WATERMARK", def.Watermark)
	cfg := session.Config{
		FlushInterval:      EnvOrDefaultDuration("SESSION_FLUSH_INTERVAL", def.FlushInterval),
		Watermark:          watermark,
		MaxBatchSize:       EnvOrDefaultInt("SESSION_MAX_BATCH_SIZE", watermark),
		MaxBufferedEvents:  EnvOrDefaultInt("SESSION_MAX_BUFFERED_EVENTS", def.MaxBufferedEvents),
		OverflowPolicy:     policy,
		CollectArguments:   EnvOrDefaultBool("SESSION_COLLECT_ARGUMENTS", def.CollectArguments),
		DeliveryTimeout:    EnvOrDefaultDuration("SESSION_DELIVERY_TIMEOUT", def.DeliveryTimeout),
		FinalFlushAttempts: def.FinalFlushAttempts,
		RetryBackoff:       def.RetryBackoff,
	}.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return Tracker{}, fmt.Errorf("TrackerFromEnv: %w", err)
	}

	return Tracker{
		CollectorAddr: os.Getenv("SESSION_COLLECTOR_ADDR"),
		APIKey:        os.Getenv("SESSION_API_KEY"),
		Insecure:      EnvOrDefaultBool("SESSION_COLLECTOR_INSECURE", false),
		RedactPII:     EnvOrDefaultBool("SESSION_REDACT_PII", false),
		LogLevel:      EnvOrDefault("SESSION_LOG_LEVEL", "info"),
		Session:       cfg,
	}, nil
}

// Collector holds the settings of the collector server.
type Collector struct {
	Port            string
	MetricsPort     string
	LogLevel        string
	AuthCacheTTL    time.Duration
	SessionCacheTTL time.Duration
	AuthFailOpen    bool
	ClickHouseDSN   string
	PostgresDSN     string
}

// CollectorFromEnv reads COLLECTOR_* variables and the database DSNs.
func CollectorFromEnv() Collector {
	return Collector{
		Port:            EnvOrDefault("COLLECTOR_PORT", "50055"),
		MetricsPort:     EnvOrDefault("COLLECTOR_METRICS_PORT", "9095"),
		LogLevel:        EnvOrDefault("COLLECTOR_LOG_LEVEL", "info"),
		AuthCacheTTL:    time.Duration(EnvOrDefaultInt("COLLECTOR_AUTH_CACHE_TTL_S", 30)) * time.Second,
		SessionCacheTTL: time.Duration(EnvOrDefaultInt("COLLECTOR_SESSION_CACHE_TTL_S", 60)) * time.Second,
		AuthFailOpen:    EnvOrDefaultBool("COLLECTOR_AUTH_FAIL_OPEN", true),
		ClickHouseDSN:   os.Getenv("CLICKHOUSE_DSN"),
		PostgresDSN:     os.Getenv("POSTGRES_DSN"),
	}
}
