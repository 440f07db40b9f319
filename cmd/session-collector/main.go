package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/triage-ai/palisade/services/session_tracker/internal/auth"
	"github.com/triage-ai/palisade/services/session_tracker/internal/config"
	"github.com/triage-ai/palisade/services/session_tracker/internal/logging"
	"github.com/triage-ai/palisade/services/session_tracker/internal/metrics"
	"github.com/triage-ai/palisade/services/session_tracker/internal/server"
	"github.com/triage-ai/palisade/services/session_tracker/internal/storage"
	"github.com/triage-ai/palisade/services/session_tracker/internal/store"
	"github.com/triage-ai/palisade/services/session_tracker/internal/wire"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
)

func main() {
	os.Exit(run())
}

// run wires and serves the collector. It returns the process exit code so
// deferred cleanup runs before main exits.
func run() int {
	cfg := config.CollectorFromEnv()

	// Logger
	logger := logging.MustBuild(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting session collector",
		zap.String("port", cfg.Port),
		zap.String("metrics_port", cfg.MetricsPort),
	)

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collectorMetrics, err := metrics.NewCollector(reg)
	if err != nil {
		logger.Error("failed to register metrics", zap.Error(err))
		return 1
	}

	// Event sink: ClickHouse, or LogSink fallback
	var sink storage.EventSink
	if cfg.ClickHouseDSN != "" {
		chSink, err := storage.NewClickHouseSink(cfg.ClickHouseDSN, logger)
		if err != nil {
			logger.Warn("clickhouse connection failed, falling back to log sink",
				zap.Error(err),
			)
			sink = storage.NewLogSink(logger)
		} else {
			sink = chSink
			logger.Info("clickhouse sink connected")
		}
	} else {
		sink = storage.NewLogSink(logger)
		logger.Info("no CLICKHOUSE_DSN set, using log sink")
	}
	defer sink.Close()

	// Auth and session store: Postgres if DSN provided, otherwise static + in-memory
	var (
		authenticator auth.Authenticator
		sessions      store.SessionStore
	)
	if cfg.PostgresDSN != "" {
		db, err := sql.Open("pgx", cfg.PostgresDSN)
		if err != nil {
			logger.Error("failed to open postgres", zap.Error(err))
			return 1
		}
		defer func() { _ = db.Close() }()
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)
		if err := db.PingContext(context.Background()); err != nil {
			logger.Error("failed to ping postgres", zap.Error(err))
			return 1
		}
		authenticator = auth.NewPostgresAuthenticator(auth.PostgresAuthConfig{
			DB:       db,
			CacheTTL: cfg.AuthCacheTTL,
			FailOpen: cfg.AuthFailOpen,
			Logger:   logger,
		})
		sessions = store.NewCachedStore(store.NewPostgresStore(db, logger), cfg.SessionCacheTTL)
		logger.Info("postgres authenticator and session store connected")
	} else {
		authenticator = auth.NewStaticAuthenticator()
		sessions = store.NewMemoryStore()
		logger.Info("no POSTGRES_DSN set, using static authenticator and in-memory sessions")
	}

	validator, err := wire.NewEventValidator()
	if err != nil {
		logger.Error("failed to compile event schema", zap.Error(err))
		return 1
	}

	// gRPC server
	grpcServer := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle:     5 * time.Minute,
			MaxConnectionAge:      30 * time.Minute,
			MaxConnectionAgeGrace: 10 * time.Second,
			Time:                  30 * time.Second,
			Timeout:               5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             10 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.MaxRecvMsgSize(4*1024*1024),
		grpc.MaxSendMsgSize(4*1024*1024),
		grpc.UnaryInterceptor(auth.UnaryServerInterceptor(authenticator, logger)),
	)

	collectorServer := server.NewCollectorServer(authenticator, sessions, sink, validator, collectorMetrics, logger)
	wire.RegisterCollectorServer(grpcServer, collectorServer)

	// Health service for load balancer checks
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_SERVING)

	// Reflection for debugging with grpcurl
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		logger.Error("failed to listen", zap.String("port", cfg.Port), zap.Error(err))
		return 1
	}

	metricsServer := &http.Server{
		Addr:              ":" + cfg.MetricsPort,
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("session collector listening", zap.String("addr", lis.Addr().String()))
		return grpcServer.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("metrics listening", zap.String("addr", metricsServer.Addr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		healthServer.SetServingStatus(wire.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
		grpcServer.GracefulStop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return metricsServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("session collector stopped with error", zap.Error(err))
		return 1
	}
	logger.Info("session collector stopped")
	return 0
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}
