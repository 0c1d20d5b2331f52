package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice bridge service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Public base URL for this service (e.g. https://xxx.ngrok-free.dev when behind ngrok).
	// Only used to log the media stream endpoint Twilio should connect to.
	PublicURL string `envconfig:"VOICE_BRIDGE_URL" default:""`

	// Realtime speech model
	OpenAIAPIKey         string `envconfig:"OPENAI_API_KEY" required:"true"`
	OpenAIRealtimeURL    string `envconfig:"OPENAI_REALTIME_URL" default:"wss://api.openai.com/v1/realtime"`
	OpenAIModel          string `envconfig:"OPENAI_REALTIME_MODEL" default:"gpt-realtime"`
	TranscriptionModel   string `envconfig:"OPENAI_TRANSCRIPTION_MODEL" default:"gpt-4o-mini-transcribe"`
	UpstreamSetupTimeout int    `envconfig:"UPSTREAM_SETUP_TIMEOUT" default:"5000"` // milliseconds

	// Interaction-mode policy (voice and instructions per tenant and mode)
	PolicyFile string `envconfig:"POLICY_FILE" default:""`

	// Lane capacities, in 20ms frames
	MainLaneFrames     int `envconfig:"MAIN_LANE_FRAMES" default:"1500"`
	AuxLaneFrames      int `envconfig:"AUX_LANE_FRAMES" default:"250"`
	InboundQueueFrames int `envconfig:"INBOUND_QUEUE_FRAMES" default:"100"`

	// Sender pacing
	SendBatchFrames int `envconfig:"SEND_BATCH_FRAMES" default:"1"` // frames per outbound media message
	PrebufferFrames int `envconfig:"PREBUFFER_FRAMES" default:"3"`  // main frames held before playback starts

	// Waiting tone
	WaitingToneEnabled bool `envconfig:"WAITING_TONE_ENABLED" default:"true"`
	WaitTrigger        int  `envconfig:"WAIT_TRIGGER" default:"800"`        // milliseconds before the tone starts
	WaitInterval       int  `envconfig:"WAIT_INTERVAL" default:"1500"`      // milliseconds between bursts
	WaitMaxDuration    int  `envconfig:"WAIT_MAX_DURATION" default:"20000"` // milliseconds; 0 disables the cap

	// Barge-in guard: none, debounce or energy
	BargeInGuard        string  `envconfig:"BARGE_IN_GUARD" default:"none"`
	BargeInMinInterval  int     `envconfig:"BARGE_IN_MIN_INTERVAL" default:"300"`  // milliseconds, debounce policy
	BargeInEnergyWindow int     `envconfig:"BARGE_IN_ENERGY_WINDOW" default:"500"` // milliseconds, energy policy
	VADEnergyThreshold  float64 `envconfig:"VAD_ENERGY_THRESHOLD" default:"500.0"` // RMS energy threshold for VAD
	VADOnsetFrames      int     `envconfig:"VAD_ONSET_FRAMES" default:"2"`         // Voiced frames to mark speech start
	VADSilenceFrames    int     `envconfig:"VAD_SILENCE_FRAMES" default:"10"`      // Frames of silence to mark speech end

	// Lifecycle events. Without a DATABASE_URL events are kept in memory.
	DatabaseURL       string `envconfig:"DATABASE_URL" default:""`
	EventQueueSize    int    `envconfig:"EVENT_QUEUE_SIZE" default:"64"`
	EventWriteTimeout int    `envconfig:"EVENT_WRITE_TIMEOUT" default:"2000"` // milliseconds
	CallShutdownGrace int    `envconfig:"CALL_SHUTDOWN_GRACE" default:"2000"` // milliseconds

	// Resilience configuration
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery
	RetryMaxAttempts           int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`             // Maximum retry attempts
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"`        // Initial backoff in milliseconds
	ReconnectMaxAttempts       int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`         // Maximum reconnection attempts
	ReconnectBackoff           int `envconfig:"RECONNECT_BACKOFF" default:"1000"`           // Reconnection backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()
	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("OPENAI_API_KEY is required")
	}
	if c.MainLaneFrames < 1 || c.AuxLaneFrames < 1 || c.InboundQueueFrames < 1 {
		return fmt.Errorf("lane capacities must be positive")
	}
	if c.SendBatchFrames < 1 {
		return fmt.Errorf("SEND_BATCH_FRAMES must be at least 1, got %d", c.SendBatchFrames)
	}
	if c.PrebufferFrames < 0 {
		return fmt.Errorf("PREBUFFER_FRAMES must not be negative, got %d", c.PrebufferFrames)
	}
	switch c.BargeInGuard {
	case "none", "debounce", "energy":
	default:
		return fmt.Errorf("BARGE_IN_GUARD must be none, debounce or energy, got %q", c.BargeInGuard)
	}
	return nil
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

// SetupTimeout bounds upstream session negotiation.
func (c *Config) SetupTimeout() time.Duration { return ms(c.UpstreamSetupTimeout) }

// WaitTimings returns the waiting-tone trigger, interval and cap.
func (c *Config) WaitTimings() (trigger, interval, maxDuration time.Duration) {
	return ms(c.WaitTrigger), ms(c.WaitInterval), ms(c.WaitMaxDuration)
}

// BargeInTimings returns the debounce interval and the energy window.
func (c *Config) BargeInTimings() (minInterval, energyWindow time.Duration) {
	return ms(c.BargeInMinInterval), ms(c.BargeInEnergyWindow)
}

// EventWriteTimeoutDuration bounds a single event store write.
func (c *Config) EventWriteTimeoutDuration() time.Duration { return ms(c.EventWriteTimeout) }

// ShutdownGrace bounds call teardown.
func (c *Config) ShutdownGrace() time.Duration { return ms(c.CallShutdownGrace) }

// BreakerResetTimeout is the open period of circuit breakers.
func (c *Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.CircuitBreakerResetTimeout) * time.Second
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
