package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Call metrics
	activeCalls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_bridge_active_calls",
		Help: "Number of calls currently bridged",
	})

	totalCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_calls_total",
		Help: "Total number of calls, by interaction mode",
	}, []string{"mode"})

	callDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_call_duration_seconds",
		Help:    "Duration of bridged calls in seconds",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
	})

	callEnds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_call_ends_total",
		Help: "Calls ended, by reason",
	}, []string{"reason"})

	// Upstream session metrics
	setupFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_upstream_setup_failures_total",
		Help: "Upstream sessions that could not be established",
	}, []string{"reason"})

	setupLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_upstream_setup_seconds",
		Help:    "Time from dial to session ready",
		Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0},
	})

	responses = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_responses_total",
		Help: "Assistant responses, by outcome",
	}, []string{"outcome"})

	modalityRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_modality_retries_total",
		Help: "Response requests retried with the safe modality set",
	})

	// Turn metrics
	bargeIns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_barge_ins_total",
		Help: "Assistant responses interrupted by the caller",
	})

	bargeInsSuppressed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_bridge_barge_ins_suppressed_total",
		Help: "Caller speech starts rejected by the barge-in guard",
	})

	// Sender metrics
	framesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_frames_sent_total",
		Help: "Outbound 20ms frames sent, by lane",
	}, []string{"lane"})

	underruns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_underruns_total",
		Help: "Sender ticks with nothing to send, by whether a response was active",
	}, []string{"response_active"})

	tickLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "voice_bridge_send_tick_seconds",
		Help:    "Time spent inside each send tick",
		Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1},
	})

	laneDrops = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_lane_drops_total",
		Help: "Frames evicted by drop-oldest overflow, by lane",
	}, []string{"lane"})

	// Event emitter metrics
	emitterEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_events_total",
		Help: "Lifecycle events, by outcome (stored, duplicate, dropped, failed, invalid, circuit_open)",
	}, []string{"outcome"})

	// Error metrics
	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_errors_total",
		Help: "Total number of errors",
	}, []string{"type", "component"})

	// Circuit breaker metrics
	circuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "voice_bridge_circuit_breaker_state",
		Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"service"})

	circuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_circuit_breaker_failures_total",
		Help: "Total circuit breaker failures",
	}, []string{"service"})

	// Audio metrics
	audioBytesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_bridge_audio_bytes_total",
		Help: "Total audio bytes processed",
	}, []string{"direction"}) // direction: "in" or "out"
)

// Metrics tracks metrics for a single call
type Metrics struct {
	callID    string
	startTime time.Time
	ended     bool
	mu        sync.Mutex
}

// NewCallMetrics creates a new metrics tracker for a call
func NewCallMetrics(callID string) *Metrics {
	return &Metrics{
		callID:    callID,
		startTime: time.Now(),
	}
}

// RecordCallStart records the start of a call
func (m *Metrics) RecordCallStart(mode string) {
	activeCalls.Inc()
	totalCalls.WithLabelValues(mode).Inc()
}

// RecordCallEnd records the end of a call. Only the first call counts.
func (m *Metrics) RecordCallEnd(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ended {
		return
	}
	m.ended = true

	activeCalls.Dec()
	callDuration.Observe(time.Since(m.startTime).Seconds())
	callEnds.WithLabelValues(reason).Inc()
}

// RecordSetup records an upstream session setup attempt.
func (m *Metrics) RecordSetup(latency time.Duration, err error, reason string) {
	if err != nil {
		setupFailures.WithLabelValues(reason).Inc()
		return
	}
	setupLatency.Observe(latency.Seconds())
}

// RecordResponse records an assistant response outcome
// (completed, cancelled, failed, incomplete).
func (m *Metrics) RecordResponse(outcome string) {
	responses.WithLabelValues(outcome).Inc()
}

// RecordModalityRetry counts a response request resent with the safe modalities.
func (m *Metrics) RecordModalityRetry() {
	modalityRetries.Inc()
}

// RecordBargeIn counts an accepted interruption.
func (m *Metrics) RecordBargeIn() {
	bargeIns.Inc()
}

// RecordBargeInSuppressed counts a speech start rejected by the guard.
func (m *Metrics) RecordBargeInSuppressed() {
	bargeInsSuppressed.Inc()
}

// FramesSent implements the sender observer.
func (m *Metrics) FramesSent(lane string, n int) {
	framesSent.WithLabelValues(lane).Add(float64(n))
	audioBytesProcessed.WithLabelValues("out").Add(float64(n * 160))
}

// Underrun implements the sender observer.
func (m *Metrics) Underrun(responseActive bool) {
	if responseActive {
		underruns.WithLabelValues("true").Inc()
		return
	}
	underruns.WithLabelValues("false").Inc()
}

// TickLatency implements the sender observer.
func (m *Metrics) TickLatency(d time.Duration) {
	tickLatency.Observe(d.Seconds())
}

// RecordLaneDrops counts frames evicted from a full lane.
func (m *Metrics) RecordLaneDrops(lane string, n int) {
	if n > 0 {
		laneDrops.WithLabelValues(lane).Add(float64(n))
	}
}

// RecordError records an error
func (m *Metrics) RecordError(errorType, component string) {
	errorsTotal.WithLabelValues(errorType, component).Inc()
}

// RecordAudioBytes records audio bytes processed
func (m *Metrics) RecordAudioBytes(direction string, bytes int64) {
	audioBytesProcessed.WithLabelValues(direction).Add(float64(bytes))
}

// RecordEventOutcome counts a lifecycle event outcome.
func RecordEventOutcome(outcome string) {
	emitterEvents.WithLabelValues(outcome).Inc()
}

// UpdateCircuitBreakerState updates circuit breaker state metric
func UpdateCircuitBreakerState(service string, state int) {
	circuitBreakerState.WithLabelValues(service).Set(float64(state))
}

// IncrementCircuitBreakerFailures increments circuit breaker failure counter
func IncrementCircuitBreakerFailures(service string) {
	circuitBreakerFailures.WithLabelValues(service).Inc()
}
