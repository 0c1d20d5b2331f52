// Package events records call-lifecycle facts off the audio path.
package events

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vozila/voice-bridge/internal/session"
)

// Event types.
const (
	TypeCallStarted         = "flow_a.call_started"
	TypeTranscriptCompleted = "flow_a.transcript_completed"
	TypeResponseCompleted   = "flow_a.response_completed"
	TypeCallStopped         = "flow_a.call_stopped"
)

var (
	// ErrInvalidEvent is returned for events that fail schema validation.
	ErrInvalidEvent = errors.New("events: invalid event")
	// ErrQueueFull is returned when the emitter had to drop an event.
	ErrQueueFull = errors.New("events: queue full")
	// ErrClosed is returned after the emitter has been closed.
	ErrClosed = errors.New("events: emitter closed")
)

// LifecycleEvent is one append-only fact about a call.
type LifecycleEvent struct {
	ID              string                  `json:"id,omitempty"`
	EventType       string                  `json:"event_type"`
	TenantID        string                  `json:"tenant_id"`
	CallID          string                  `json:"call_id"`
	InteractionMode session.InteractionMode `json:"interaction_mode"`
	IdempotencyKey  string                  `json:"idempotency_key"`
	Payload         map[string]any          `json:"payload"`
	CreatedAt       time.Time               `json:"created_at,omitempty"`
}

// Stored is the result of a store write. A duplicate idempotency key
// returns the original record's ID with Duplicate set.
type Stored struct {
	ID        string
	Duplicate bool
}

// Store is the durable event sink.
type Store interface {
	EmitEvent(ctx context.Context, ev LifecycleEvent) (Stored, error)
}

// New builds an event for a call, stamping its identity fields.
func New(sc session.Context, eventType, key string, payload map[string]any) LifecycleEvent {
	if payload == nil {
		payload = map[string]any{}
	}
	return LifecycleEvent{
		EventType:       eventType,
		TenantID:        sc.TenantID,
		CallID:          sc.CallID,
		InteractionMode: sc.Mode,
		IdempotencyKey:  key,
		Payload:         payload,
	}
}

// Idempotency keys. Each names one logical occurrence so that a retried
// emission collapses onto the first record.

func CallStartedKey(callID string) string {
	return callID + ":call_started"
}

func TranscriptKey(callID string, turnSeq uint64) string {
	return fmt.Sprintf("%s:transcript_completed:%d", callID, turnSeq)
}

func ResponseDoneKey(callID, responseID string) string {
	return callID + ":response_done:" + responseID
}

func CallStoppedKey(callID string) string {
	return callID + ":call_stopped"
}

// CallStarted builds the session start event.
func CallStarted(sc session.Context) LifecycleEvent {
	return New(sc, TypeCallStarted, CallStartedKey(sc.CallID), map[string]any{
		"caller_number": sc.CallerNumber,
		"callee_number": sc.CalleeNumber,
		"stream_sid":    sc.StreamSID,
	})
}

// TranscriptCompleted builds the caller-turn event. The full text is kept so
// downstream consumers can act on it.
func TranscriptCompleted(sc session.Context, turnSeq uint64, transcript string) LifecycleEvent {
	transcript = strings.TrimSpace(transcript)
	return New(sc, TypeTranscriptCompleted, TranscriptKey(sc.CallID, turnSeq), map[string]any{
		"turn_seq":       turnSeq,
		"transcript":     transcript,
		"transcript_len": len(transcript),
	})
}

// ResponseCompleted builds the assistant response event. text is the
// assistant transcript when the response produced one.
func ResponseCompleted(sc session.Context, responseID, status, text string) LifecycleEvent {
	payload := map[string]any{
		"response_id": responseID,
		"status":      status,
	}
	if text != "" {
		payload["assistant_text"] = text
	}
	return New(sc, TypeResponseCompleted, ResponseDoneKey(sc.CallID, responseID), payload)
}

// CallStats are the counters reported when a call ends.
type CallStats struct {
	FramesSent uint64
	Underruns  uint64
	BargeIns   uint64
	Duration   time.Duration
}

// CallStopped builds the session end event.
func CallStopped(sc session.Context, reason string, st CallStats) LifecycleEvent {
	return New(sc, TypeCallStopped, CallStoppedKey(sc.CallID), map[string]any{
		"caller_number": sc.CallerNumber,
		"callee_number": sc.CalleeNumber,
		"reason":        reason,
		"frames_sent":   st.FramesSent,
		"underruns":     st.Underruns,
		"barge_ins":     st.BargeIns,
		"duration_ms":   st.Duration.Milliseconds(),
	})
}
