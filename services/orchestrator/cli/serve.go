package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/creativeghq/batchflow/internal/kafka"
	"github.com/creativeghq/batchflow/internal/orchestrator"
	"github.com/creativeghq/batchflow/internal/postgres"
	"github.com/creativeghq/batchflow/internal/recurrence"
	redisstore "github.com/creativeghq/batchflow/internal/redis"
	"github.com/creativeghq/batchflow/internal/runner"
	"github.com/creativeghq/batchflow/internal/version"
	"github.com/creativeghq/batchflow/pkg/telemetry"
	"github.com/creativeghq/batchflow/services/orchestrator/config"
	"github.com/creativeghq/batchflow/services/orchestrator/handler"
	"github.com/creativeghq/batchflow/services/orchestrator/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the orchestrator and its REST API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("postgres-dsn", "", "PostgreSQL connection string; empty = no durability")
	serveCmd.Flags().String("redis-addr", "", "Redis address (host:port); empty = no state mirror")
	serveCmd.Flags().String("kafka-brokers", "", "comma-separated Kafka broker addresses; empty = no event sink")
	serveCmd.Flags().String("events-topic", kafka.TopicJobEvents, "Kafka topic for job events")
	serveCmd.Flags().Duration("task-timeout", 30*time.Second, "per-attempt task execution timeout")
	serveCmd.Flags().Int("default-max-retries", 3, "default per-task retry budget")
	serveCmd.Flags().Int("default-concurrency", 4, "default per-job concurrency limit")
	serveCmd.Flags().Int("global-task-slots", 0, "max tasks in flight across all jobs; 0 = unbounded")
	serveCmd.Flags().Int("rate-limit-per-min", 0, "per-job-type dispatch limit per minute; 0 = off")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("postgres_dsn", serveCmd.Flags(), "postgres-dsn")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("events_topic", serveCmd.Flags(), "events-topic")
	bindFlag("task_timeout", serveCmd.Flags(), "task-timeout")
	bindFlag("default_max_retries", serveCmd.Flags(), "default-max-retries")
	bindFlag("default_concurrency", serveCmd.Flags(), "default-concurrency")
	bindFlag("global_task_slots", serveCmd.Flags(), "global-task-slots")
	bindFlag("rate_limit_per_min", serveCmd.Flags(), "rate-limit-per-min")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "orchestrator")
	logger.Info("starting", slog.String("build", version.String()))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "orchestrator", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	runners := runner.NewRegistry()
	runners.Register(runner.NewWebhookRunner())
	runners.Register(runner.NewPageFetchRunner())
	if cfg.SMTPHost != "" {
		runners.Register(runner.NewEmailRunner(runner.EmailConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			From:     cfg.SMTPFrom,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
		}))
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithTaskTimeout(cfg.TaskTimeout),
		orchestrator.WithDefaultMaxRetries(cfg.DefaultMaxRetries),
		orchestrator.WithDefaultConcurrency(cfg.DefaultConcurrency),
		orchestrator.WithGlobalTaskSlots(cfg.GlobalTaskSlots),
	}

	if cfg.PostgresDSN != "" {
		initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
		cancel()
		if err != nil {
			return fmt.Errorf("postgres: %w", err)
		}
		defer pool.Close()
		opts = append(opts, orchestrator.WithRepository(postgres.NewRepository(pool)))
	}

	var mirror redisstore.StateMirror
	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redisstore.NewClient(cfg.RedisAddr)
		defer func() { _ = redisClient.Close() }()
		mirror = redisstore.NewStateMirror(redisClient)
		opts = append(opts, orchestrator.WithStateMirror(mirror))
		if cfg.RateLimitPerMin > 0 {
			limiter := redisstore.NewRateLimiter(redisClient, cfg.RateLimitPerMin, time.Minute)
			opts = append(opts, orchestrator.WithRateLimiter(limiter))
		}
	}

	if cfg.KafkaBrokers != "" {
		brokers := strings.Split(cfg.KafkaBrokers, ",")
		producer := kafka.NewProducer(brokers)
		defer func() { _ = producer.Close() }()
		opts = append(opts, orchestrator.WithEventSink(kafka.NewSink(producer, cfg.EventsTopic)))
	}

	orch := orchestrator.New(runners, opts...)
	defer orch.Close()

	restoreCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = orch.Restore(restoreCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("restore jobs: %w", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	templates := recurrence.NewScheduler(orch, redisClient, uuid.New().String(), logger)
	go templates.Run(runCtx)

	restHandler := handler.NewREST(orch, templates, mirror, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(4 << 20)) // 4MB: batch bodies carry many task payloads
	restHandler.Routes(r)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // SSE streams must outlive a fixed write deadline
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("orchestrator HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}
