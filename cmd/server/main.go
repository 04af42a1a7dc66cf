package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/avvvet/bookbuddy-intent/internal/booking"
	"github.com/avvvet/bookbuddy-intent/internal/config"
	"github.com/avvvet/bookbuddy-intent/internal/handlers"
	"github.com/avvvet/bookbuddy-intent/internal/health"
	"github.com/avvvet/bookbuddy-intent/internal/llm"
	"github.com/avvvet/bookbuddy-intent/internal/logging"
	"github.com/avvvet/bookbuddy-intent/internal/memory"
	"github.com/avvvet/bookbuddy-intent/internal/metrics"
	"github.com/avvvet/bookbuddy-intent/internal/nlp"
	"github.com/avvvet/bookbuddy-intent/internal/processor"
	"github.com/avvvet/bookbuddy-intent/internal/scheduler"
	"github.com/avvvet/bookbuddy-intent/internal/session"
	"github.com/avvvet/bookbuddy-intent/internal/transport"

	_ "time/tzdata"
)

func main() {
	// Load .env file if it exists (for development)
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stdout, cfg.LogLevel, cfg.LogFormat, cfg.ServiceName)
	if envErr != nil {
		logger.Debug().Msg("No .env file found, using environment variables")
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("❌ service stopped with error")
	}
	logger.Info().Msg("👋 BookBuddy Intent Service stopped")
}

func run(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("nats_url", cfg.NatsURL).
		Str("resolver_mode", cfg.ResolverMode).
		Str("http_addr", cfg.HTTPAddr).
		Msg("🚀 Starting BookBuddy Intent Service...")

	clock := clockwork.NewRealClock()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Redis backs both conversation context and persisted sessions
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	logger.Info().Str("redis_url", cfg.RedisURL).Msg("✅ Redis connected")

	// Closing the memory manager closes the shared client.
	mem := memory.NewManager(
		memory.NewRedisStoreFromClient(client, cfg.ContextTTL),
		clock,
		memory.Options{MaxEntries: cfg.ContextMaxEntries, TTL: cfg.ContextTTL},
		logger,
		m,
	)
	defer func() {
		if err := mem.Close(); err != nil {
			logger.Warn().Err(err).Msg("⚠️ Error closing memory manager")
		}
	}()

	sched := scheduler.New(clock, logger)
	defer sched.Stop()
	if _, err := mem.Schedule(sched, cfg.ContextSweepSchedule); err != nil {
		return err
	}

	remote, prober, err := buildResolver(cfg, clock, logger)
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(prober, clock, cfg.HealthInterval, cfg.HealthTimeout, logger, m)

	bookingClient := booking.NewClient(cfg.BookingAPIURL, cfg.BookingTimeout)
	sessions := session.NewManager(session.Deps{
		Persister:  session.NewRedisPersister(client, 0),
		Auth:       bookingClient,
		BookingAPI: func(token string) booking.API { return bookingClient.WithToken(token) },
		Patterns:   nlp.NewResolver(cfg.ContextualPhrases),
		Remote:     remote,
		Memory:     mem,
		Health:     monitor,
		Processor: processor.Options{
			Threshold:     cfg.ConfidenceThreshold,
			MaxAttempts:   cfg.MaxAttempts,
			QueueSize:     cfg.CommandQueueSize,
			RecentHistory: cfg.RecentHistorySize,
		},
		DefaultTimezone: cfg.DefaultTimezone,
		Clock:           clock,
		Logger:          logger,
		Metrics:         m,
	})
	defer sessions.Shutdown()
	if _, err := sessions.Schedule(sched, cfg.SessionEvictSchedule, cfg.SessionIdleTimeout); err != nil {
		return err
	}

	handler := handlers.NewHandler(sessions, logger)

	nt, err := transport.NewNATSTransport(cfg, handler, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := nt.Close(); err != nil {
			logger.Warn().Err(err).Msg("⚠️ Error closing NATS transport")
		}
	}()
	sessions.Observe(nt.PublishEvent)
	unsubscribe := monitor.Subscribe(nt.PublishHealth)
	defer unsubscribe()

	if err := monitor.Start(ctx, sched); err != nil {
		return err
	}
	defer monitor.Stop()

	if err := nt.Start(); err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           transport.NewRouter(handler, monitor, reg, logger),
		ReadHeaderTimeout: 5 * time.Second,
	}

	logger.Info().
		Str("subject_prefix", cfg.NatsSubjectPrefix).
		Str("resolver", string(monitor.Status().Status)).
		Msg("✅ BookBuddy Intent Service is running!")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("👂 HTTP listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Int("active_sessions", sessions.Len()).Msg("🔄 Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildResolver picks the remote resolver and the prober that decides whether
// it is reachable.
func buildResolver(cfg *config.Config, clock clockwork.Clock, logger zerolog.Logger) (llm.Resolver, health.Prober, error) {
	switch cfg.ResolverMode {
	case config.ResolverModeAnthropic:
		r, err := llm.NewAnthropicResolver(cfg.AnthropicAPIKey, cfg.AnthropicModel, clock, cfg.ResolverTimeout, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info().Str("model", cfg.AnthropicModel).Msg("🤖 Anthropic resolver initialized")
		if cfg.HealthURL != "" {
			return r, health.NewHTTPProber(cfg.HealthURL), nil
		}
		// No health endpoint: failed calls still fall back per command.
		return r, health.ProberFunc(func(context.Context) error { return nil }), nil
	default:
		logger.Info().Str("url", cfg.ResolverURL).Msg("🤖 HTTP resolver initialized")
		return llm.NewHTTPResolver(cfg.ResolverURL, cfg.ResolverTimeout, logger), health.NewHTTPProber(cfg.HealthURL), nil
	}
}
