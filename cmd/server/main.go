package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vozila/voice-bridge/internal/audio"
	"github.com/vozila/voice-bridge/internal/bridge"
	"github.com/vozila/voice-bridge/internal/config"
	"github.com/vozila/voice-bridge/internal/events"
	"github.com/vozila/voice-bridge/internal/events/postgres"
	"github.com/vozila/voice-bridge/internal/observability"
	"github.com/vozila/voice-bridge/internal/resilience"
	"github.com/vozila/voice-bridge/internal/sender"
	"github.com/vozila/voice-bridge/internal/telephony"
	"github.com/vozila/voice-bridge/internal/turn"
	"github.com/vozila/voice-bridge/internal/upstream"
	"github.com/vozila/voice-bridge/internal/waiting"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	streamPath := config.GetEnv("STREAM_PATH", "/streams/twilio")
	logger.Info().
		Str("port", cfg.Port).
		Str("model", cfg.OpenAIModel).
		Str("barge_in_guard", cfg.BargeInGuard).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Bridge Service starting")

	shutdownTracing, err := observability.InitTracing(nil)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize tracing")
	}

	policy, err := config.LoadPolicy(cfg.PolicyFile)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.PolicyFile).Msg("Failed to load interaction policy")
	}

	upstreamBreaker := newBreaker("realtime_upstream", cfg)
	storeBreaker := newBreaker("event_store", cfg)

	store, closeStore := openStore(cfg, logger)

	dialer := upstream.NewDialer(cfg.OpenAIAPIKey,
		upstream.WithBaseURL(cfg.OpenAIRealtimeURL),
		upstream.WithBreaker(upstreamBreaker),
		upstream.WithRetry(&resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        2 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		}),
	)

	manager := telephony.NewStreamManager(telephony.Options{
		Connect: telephony.DialerConnector(dialer),
		Store:   store,
		Policy:  policy,
		Tone:    audio.NewThinkingTone(audio.DefaultToneConfig()),
		Bridge:  bridgeConfig(cfg),
		Emitter: events.EmitterConfig{
			QueueSize:    cfg.EventQueueSize,
			WriteTimeout: cfg.EventWriteTimeoutDuration(),
			Breaker:      storeBreaker,
		},
		Model:              cfg.OpenAIModel,
		TranscriptionModel: cfg.TranscriptionModel,
		SetupTimeout:       cfg.SetupTimeout(),
		Logger:             logger,
	})

	// Create HTTP server
	mux := http.NewServeMux()

	// Register Twilio WebSocket handler
	mux.HandleFunc(streamPath, manager.HandleTwilioWS())

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.DependencyCheck{
			Name: "realtime_upstream",
			Check: func(ctx context.Context) (bool, error) {
				if !upstreamBreaker.Allow() {
					return false, resilience.ErrCircuitOpen
				}
				return true, nil
			},
		},
		observability.DependencyCheck{
			Name: "event_store",
			Check: func(ctx context.Context) (bool, error) {
				if err := store.Ping(ctx); err != nil {
					return false, err
				}
				return true, nil
			},
		},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		endpoint := fmt.Sprintf("ws://localhost:%s%s", cfg.Port, streamPath)
		if cfg.PublicURL != "" {
			endpoint = cfg.PublicURL + streamPath
		}
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", endpoint).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("active_calls", manager.ActiveCalls()).Msg("Shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// End calls first so each one records its shutdown event.
	if err := manager.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Calls still running at shutdown deadline")
	}
	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	closeStore()
	if err := shutdownTracing(ctx); err != nil {
		logger.Warn().Err(err).Msg("Tracer shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newBreaker(name string, cfg *config.Config) *resilience.CircuitBreaker {
	cb := resilience.NewCircuitBreaker(name, cfg.CircuitBreakerMaxFailures, cfg.BreakerResetTimeout())
	cb.OnStateChange(func(breaker string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(breaker, int(to))
		logger := observability.GetLogger()
		logger.Warn().
			Str("breaker", breaker).
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Circuit breaker state changed")
	})
	observability.UpdateCircuitBreakerState(name, int(resilience.StateClosed))
	return cb
}

// eventStore is what the service needs from a lifecycle event store.
type eventStore interface {
	events.Store
	Ping(ctx context.Context) error
}

// openStore connects to Postgres when DATABASE_URL is set, retrying with
// backoff, and falls back to an in-memory store otherwise.
func openStore(cfg *config.Config, logger zerolog.Logger) (eventStore, func()) {
	if cfg.DatabaseURL == "" {
		logger.Warn().Msg("DATABASE_URL not set, lifecycle events are kept in memory")
		return events.NewMemoryStore(), func() {}
	}

	var store *postgres.Store
	err := resilience.Reconnect(context.Background(), logger, "event_store", func(ctx context.Context) error {
		openCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		s, err := postgres.Open(openCtx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		store = s
		return nil
	}, &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open event store")
	}
	logger.Info().Msg("Event store connected, migrations applied")
	return store, store.Close
}

func bridgeConfig(cfg *config.Config) bridge.Config {
	trigger, interval, maxDuration := cfg.WaitTimings()
	minInterval, window := cfg.BargeInTimings()
	return bridge.Config{
		MainLaneFrames:     cfg.MainLaneFrames,
		AuxLaneFrames:      cfg.AuxLaneFrames,
		InboundQueueFrames: cfg.InboundQueueFrames,
		Sender: sender.Config{
			BatchFrames:     cfg.SendBatchFrames,
			PrebufferFrames: cfg.PrebufferFrames,
		},
		Waiting: waiting.Config{
			Enabled:     cfg.WaitingToneEnabled,
			Trigger:     trigger,
			Interval:    interval,
			MaxDuration: maxDuration,
		},
		Guard: turn.GuardConfig{
			Policy:      cfg.BargeInGuard,
			MinInterval: minInterval,
			Window:      window,
			VAD: &audio.VADConfig{
				EnergyThreshold: cfg.VADEnergyThreshold,
				OnsetFrames:     cfg.VADOnsetFrames,
				SilenceFrames:   cfg.VADSilenceFrames,
			},
		},
		ShutdownGrace: cfg.ShutdownGrace(),
	}
}
