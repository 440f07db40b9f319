package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/triage-ai/palisade/services/session_tracker/internal/config"
	"github.com/triage-ai/palisade/services/session_tracker/internal/delivery"
	"github.com/triage-ai/palisade/services/session_tracker/internal/logging"
	"github.com/triage-ai/palisade/services/session_tracker/internal/metrics"
	"github.com/triage-ai/palisade/services/session_tracker/internal/redact"
	"github.com/triage-ai/palisade/services/session_tracker/internal/session"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "session-replay [file]",
	Short: "Replay JSONL session events through a tracker",
	Long: `Reads one event per line (JSON objects with event_type, tool_name,
input_data, output_data, error_data, duration_ms, metadata, timestamp) and
feeds them through a session tracker. Events are sent to the collector at
--collector, or logged locally with --dry-run. Reads stdin when no file or
"-" is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	f := rootCmd.Flags()
	f.String("collector", config.EnvOrDefault("SESSION_COLLECTOR_ADDR", ""), "collector address (host:port)")
	f.String("api-key", os.Getenv("SESSION_API_KEY"), "ingest key (tsk_...)")
	f.Bool("insecure", config.EnvOrDefaultBool("SESSION_COLLECTOR_INSECURE", false), "use plaintext gRPC")
	f.Bool("dry-run", false, "log events instead of sending them")
	f.String("resource", "session-replay", "resource UUID recorded on the session")
	f.Duration("complete-timeout", 30*time.Second, "bound on the final flush")
	f.Duration("pace", 0, "delay between events, to exercise the interval trigger")
}

func runReplay(cmd *cobra.Command, args []string) error {
	collector, _ := cmd.Flags().GetString("collector")
	apiKey, _ := cmd.Flags().GetString("api-key")
	insecure, _ := cmd.Flags().GetBool("insecure")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	resource, _ := cmd.Flags().GetString("resource")
	completeTimeout, _ := cmd.Flags().GetDuration("complete-timeout")
	pace, _ := cmd.Flags().GetDuration("pace")

	trackerCfg, err := config.TrackerFromEnv()
	if err != nil {
		return err
	}
	logger := logging.MustBuild(trackerCfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	in := io.Reader(os.Stdin)
	if len(args) == 1 && args[0] != "-" {
		file, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open events: %w", err)
		}
		defer file.Close()
		in = file
	}
	events, err := readEvents(in)
	if err != nil {
		return err
	}

	var client interface {
		session.DeliveryClient
		Close() error
	}
	switch {
	case dryRun:
		client = delivery.NewLogClient(logger)
	case collector == "":
		return fmt.Errorf("no collector address: set --collector or SESSION_COLLECTOR_ADDR, or use --dry-run")
	default:
		grpcClient, err := delivery.NewGRPCClient(delivery.GRPCClientConfig{
			Addr:     collector,
			APIKey:   apiKey,
			Insecure: insecure,
			Logger:   logger,
		})
		if err != nil {
			return err
		}
		client = grpcClient
	}
	defer client.Close()

	sessionCfg := trackerCfg.Session
	if trackerCfg.RedactPII {
		sessionCfg.Redactor = redact.NewPIIRedactor()
	}

	reg := prometheus.NewRegistry()
	trackerMetrics, err := metrics.NewTracker(reg)
	if err != nil {
		return err
	}

	tracker := session.NewTracker(client, sessionCfg, logger, trackerMetrics)
	sess := tracker.Start(resource, map[string]any{"source": "session-replay"})

	for _, e := range events {
		tracker.AddEvent(e)
		if pace > 0 {
			time.Sleep(pace)
		}
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), completeTimeout)
	defer cancel()
	tracker.Complete(ctx)

	summary, err := counterSummary(reg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "session %s: read %d events, delivered %.0f, dropped %.0f\n",
		sess.ID, len(events), summary["palisade_session_events_delivered_total"], summary["palisade_session_events_dropped_total"])
	logger.Info("replay finished", zap.String("session_id", sess.ID), zap.Int("events", len(events)))
	return nil
}

// replayEvent is one JSONL input line.
type replayEvent struct {
	Timestamp  time.Time      `json:"timestamp"`
	EventType  string         `json:"event_type"`
	ToolName   string         `json:"tool_name"`
	InputData  any            `json:"input_data"`
	OutputData any            `json:"output_data"`
	ErrorData  any            `json:"error_data"`
	DurationMs *int64         `json:"duration_ms"`
	Metadata   map[string]any `json:"metadata"`
}

// readEvents parses JSONL events. Blank lines are skipped; a malformed line
// or unknown event type fails with its line number.
func readEvents(r io.Reader) ([]session.Event, error) {
	var events []session.Event
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var re replayEvent
		if err := json.Unmarshal(raw, &re); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		e := session.Event{
			Timestamp:  re.Timestamp,
			Type:       session.EventType(re.EventType),
			ToolName:   re.ToolName,
			InputData:  re.InputData,
			OutputData: re.OutputData,
			ErrorData:  re.ErrorData,
			DurationMs: re.DurationMs,
			Metadata:   re.Metadata,
		}
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return events, nil
}

// counterSummary sums every sample of each counter family in reg.
func counterSummary(reg prometheus.Gatherer) (map[string]float64, error) {
	families, err := reg.Gather()
	if err != nil {
		return nil, fmt.Errorf("gather metrics: %w", err)
	}
	out := make(map[string]float64, len(families))
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if c := m.GetCounter(); c != nil {
				out[mf.GetName()] += c.GetValue()
			}
		}
	}
	return out, nil
}
