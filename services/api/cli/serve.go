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
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/delegation"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/github"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/kafka"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/postgres"
	redisstore "github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/redis"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/internal/summarizer"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/pkg/telemetry"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/services/api/config"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/services/api/handler"
	"github.com/kushin77/GCP-landing-zone-Portal-sub002/services/api/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the delegation REST server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("github-token", "", "GitHub API token")
	serveCmd.Flags().String("github-base-url", "https://api.github.com", "GitHub API base URL")
	serveCmd.Flags().Float64("github-rps", 1.0, "sustained GitHub requests per second")
	serveCmd.Flags().String("callback-url", "http://localhost:8090/execute", "task-handler endpoint the runner invokes")
	serveCmd.Flags().Int("max-dispatch", 4, "concurrent task creation during bulk delegate")
	serveCmd.Flags().Int("notify-per-minute", 30, "issue notifications per repository per minute (0 = unlimited)")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("github_token", serveCmd.Flags(), "github-token")
	bindFlag("github_base_url", serveCmd.Flags(), "github-base-url")
	bindFlag("github_rps", serveCmd.Flags(), "github-rps")
	bindFlag("callback_url", serveCmd.Flags(), "callback-url")
	bindFlag("max_dispatch", serveCmd.Flags(), "max-dispatch")
	bindFlag("notify_per_minute", serveCmd.Flags(), "notify-per-minute")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("github_token", "GITHUB_TOKEN")
	_ = viper.BindEnv("anthropic_api_key", "ANTHROPIC_API_KEY")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "api")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "api", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()

	redisClient := redisstore.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	cache := redisstore.NewStatusCache(redisClient)

	initCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := postgres.NewPool(initCtx, cfg.PostgresDSN)
	cancel()
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	store := postgres.NewStore(pool)

	gh := github.NewClient(cfg.GitHubToken,
		github.WithBaseURL(cfg.GitHubBaseURL),
		github.WithRateLimit(cfg.GitHubRPS, 5),
		github.WithLogger(logger),
	)

	var summary delegation.Summarizer
	if cfg.AnthropicAPIKey != "" {
		summary = summarizer.New(cfg.AnthropicAPIKey, cfg.SummaryModel, logger)
	}

	var limiter redisstore.RateLimiter
	if cfg.NotifyPerMinute > 0 {
		limiter = redisstore.NewRateLimiter(redisClient, cfg.NotifyPerMinute, time.Minute)
	}
	notifier := delegation.NewIssueNotifier(gh, limiter, summary, logger)

	dispatcher := delegation.NewDispatcher(producer, cfg.CallbackURL)
	ctl := delegation.NewController(store, gh, dispatcher,
		delegation.WithLogger(logger),
		delegation.WithConcurrency(cfg.MaxDispatch),
		delegation.WithStatusCache(cache),
		delegation.WithNotifier(notifier),
	)

	restHandler := handler.NewREST(ctl, gh, cache, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", restHandler.Healthz)
	r.Get("/readyz", restHandler.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/task-delegation", func(r chi.Router) {
			r.Post("/delegate", restHandler.Delegate)
			r.Get("/tasks", restHandler.ListTasks)
			r.Get("/tasks/{id}", restHandler.GetTask)
			r.Get("/tasks/{id}/status", restHandler.GetTaskStatus)
			r.Post("/tasks/{id}/approve", restHandler.Approve)
			r.Post("/tasks/{id}/cancel", restHandler.Cancel)
		})
		r.Get("/repositories/{owner}/{repo}/issues", restHandler.PreviewIssues)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second, // delegate may wait on GitHub pagination
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("api HTTP starting", slog.String("addr", httpSrv.Addr))
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
