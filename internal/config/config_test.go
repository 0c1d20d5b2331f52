package config

import (
	"os"
	"strings"
	"testing"
	"time"

	"github.com/vozila/voice-bridge/internal/session"
)

func TestLoad(t *testing.T) {
	// Set required environment variables
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.OpenAIAPIKey != "test-openai-key" {
		t.Errorf("Expected OpenAIAPIKey 'test-openai-key', got '%s'", cfg.OpenAIAPIKey)
	}
}

func TestLoad_MissingRequired(t *testing.T) {
	os.Unsetenv("OPENAI_API_KEY")

	_, err := Load()
	if err == nil {
		t.Error("Expected error when required keys are missing")
	}
}

func TestLoad_Defaults(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Expected default Port '8080', got '%s'", cfg.Port)
	}

	if cfg.OpenAIModel != "gpt-realtime" {
		t.Errorf("Expected default OpenAIModel 'gpt-realtime', got '%s'", cfg.OpenAIModel)
	}

	if cfg.SetupTimeout() != 5*time.Second {
		t.Errorf("Expected default setup timeout 5s, got %v", cfg.SetupTimeout())
	}

	if cfg.SendBatchFrames != 1 || cfg.PrebufferFrames != 3 {
		t.Errorf("Expected batch 1 / prebuffer 3, got %d / %d", cfg.SendBatchFrames, cfg.PrebufferFrames)
	}

	trigger, interval, maxDuration := cfg.WaitTimings()
	if trigger != 800*time.Millisecond || interval != 1500*time.Millisecond || maxDuration != 20*time.Second {
		t.Errorf("Unexpected wait timings %v / %v / %v", trigger, interval, maxDuration)
	}

	if cfg.BargeInGuard != "none" {
		t.Errorf("Expected default BargeInGuard 'none', got '%s'", cfg.BargeInGuard)
	}

	if cfg.VADEnergyThreshold != 500.0 {
		t.Errorf("Expected default VADEnergyThreshold 500.0, got %f", cfg.VADEnergyThreshold)
	}

	if cfg.DatabaseURL != "" {
		t.Errorf("Expected no default DatabaseURL, got '%s'", cfg.DatabaseURL)
	}
}

func TestLoadFromEnv_Overrides(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	os.Setenv("SEND_BATCH_FRAMES", "6")
	os.Setenv("BARGE_IN_GUARD", "debounce")
	defer os.Unsetenv("OPENAI_API_KEY")
	defer os.Unsetenv("SEND_BATCH_FRAMES")
	defer os.Unsetenv("BARGE_IN_GUARD")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() failed: %v", err)
	}

	if cfg.SendBatchFrames != 6 {
		t.Errorf("Expected SendBatchFrames 6, got %d", cfg.SendBatchFrames)
	}
	if cfg.BargeInGuard != "debounce" {
		t.Errorf("Expected BargeInGuard 'debounce', got '%s'", cfg.BargeInGuard)
	}
}

func TestLoadFromEnv_RejectsBadValues(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	os.Setenv("BARGE_IN_GUARD", "psychic")
	defer os.Unsetenv("OPENAI_API_KEY")
	defer os.Unsetenv("BARGE_IN_GUARD")

	if _, err := LoadFromEnv(); err == nil || !strings.Contains(err.Error(), "BARGE_IN_GUARD") {
		t.Errorf("Expected BARGE_IN_GUARD error, got %v", err)
	}
}

func TestGetEnv(t *testing.T) {
	os.Setenv("TEST_KEY", "test-value")
	defer os.Unsetenv("TEST_KEY")

	value := GetEnv("TEST_KEY", "default")
	if value != "test-value" {
		t.Errorf("Expected 'test-value', got '%s'", value)
	}

	value = GetEnv("NON_EXISTENT_KEY", "default")
	if value != "default" {
		t.Errorf("Expected 'default', got '%s'", value)
	}
}

func TestConfig_ResilienceDefaults(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.CircuitBreakerMaxFailures != 5 {
		t.Errorf("Expected default CircuitBreakerMaxFailures 5, got %d", cfg.CircuitBreakerMaxFailures)
	}

	if cfg.BreakerResetTimeout() != 30*time.Second {
		t.Errorf("Expected default breaker reset 30s, got %v", cfg.BreakerResetTimeout())
	}

	if cfg.RetryMaxAttempts != 3 {
		t.Errorf("Expected default RetryMaxAttempts 3, got %d", cfg.RetryMaxAttempts)
	}

	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("Expected default ReconnectMaxAttempts 5, got %d", cfg.ReconnectMaxAttempts)
	}
}

func TestConfig_ObservabilityDefaults(t *testing.T) {
	os.Setenv("OPENAI_API_KEY", "test-openai-key")
	// Clear LOG_LEVEL to ensure we get the default
	os.Unsetenv("LOG_LEVEL")
	defer os.Unsetenv("OPENAI_API_KEY")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("Expected default LogLevel 'info', got '%s'", cfg.LogLevel)
	}

	if cfg.LogPretty {
		t.Error("Expected default LogPretty false, got true")
	}

	if !cfg.MetricsEnabled {
		t.Error("Expected default MetricsEnabled true, got false")
	}
}

const testPolicy = `
modes:
  owner:
    voice: cedar
tenants:
  pizzeria:
    customer:
      instructions: "Take pizza orders."
`

func TestPolicy_Resolve(t *testing.T) {
	p, err := LoadPolicyFromReader(strings.NewReader(testPolicy))
	if err != nil {
		t.Fatalf("LoadPolicyFromReader: %v", err)
	}

	owner := p.Resolve("anyone", session.ModeOwner)
	if owner.Voice != "cedar" || owner.Instructions == "" {
		t.Errorf("Expected owner override on top of defaults, got %+v", owner)
	}

	pizza := p.Resolve("pizzeria", session.ModeCustomer)
	if pizza.Instructions != "Take pizza orders." || pizza.Voice != "marin" {
		t.Errorf("Expected tenant instructions with default voice, got %+v", pizza)
	}

	other := p.Resolve("other", session.ModeCustomer)
	if other != DefaultPolicy().Modes[session.ModeCustomer] {
		t.Errorf("Expected customer defaults for an unknown tenant, got %+v", other)
	}

	if got := p.Resolve("pizzeria", session.InteractionMode("admin")); got != pizza {
		t.Errorf("Expected an unknown mode to resolve as customer, got %+v", got)
	}
}

func TestPolicy_RejectsUnknownFields(t *testing.T) {
	_, err := LoadPolicyFromReader(strings.NewReader("modes:\n  customer:\n    voic: marin\n"))
	if err == nil {
		t.Error("Expected a typo'd key to be rejected")
	}
}

func TestPolicy_RejectsUnknownMode(t *testing.T) {
	_, err := LoadPolicyFromReader(strings.NewReader("modes:\n  admin:\n    voice: marin\n"))
	if err == nil || !strings.Contains(err.Error(), "admin") {
		t.Errorf("Expected unknown mode error, got %v", err)
	}
}

func TestLoadPolicy_EmptyPathUsesDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.Resolve("t", session.ModeCustomer).Voice == "" {
		t.Error("Expected a default voice")
	}
}
