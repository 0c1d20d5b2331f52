package telephony

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/vozila/voice-bridge/internal/audio"
	"github.com/vozila/voice-bridge/internal/bridge"
	"github.com/vozila/voice-bridge/internal/events"
	"github.com/vozila/voice-bridge/internal/session"
	"github.com/vozila/voice-bridge/internal/upstream"
)

type stubUpstream struct {
	events chan upstream.Event

	mu     sync.Mutex
	active string
	sent   int
	cfg    upstream.SessionConfig
	closed bool
}

func newStubUpstream() *stubUpstream {
	return &stubUpstream{events: make(chan upstream.Event, 16)}
}

func (s *stubUpstream) Events() <-chan upstream.Event { return s.events }

func (s *stubUpstream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += len(chunk)
	return nil
}

func (s *stubUpstream) CreateResponse() (uint64, error) { return 1, nil }
func (s *stubUpstream) CancelResponse(string) error     { return nil }

func (s *stubUpstream) ActiveResponseID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (s *stubUpstream) Err() error { return nil }

func (s *stubUpstream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubUpstream) sentBytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

type testServer struct {
	manager *StreamManager
	store   *events.MemoryStore
	up      *stubUpstream
	url     string
	close   func()
}

func newTestServer(t *testing.T, connectErr error) *testServer {
	t.Helper()
	ts := &testServer{store: events.NewMemoryStore(), up: newStubUpstream()}

	cfg := bridge.DefaultConfig()
	cfg.ShutdownGrace = time.Second
	ts.manager = NewStreamManager(Options{
		Connect: func(ctx context.Context, sc upstream.SessionConfig) (bridge.Upstream, error) {
			if connectErr != nil {
				return nil, connectErr
			}
			ts.up.mu.Lock()
			ts.up.cfg = sc
			ts.up.mu.Unlock()
			return ts.up, nil
		},
		Store:        ts.store,
		Tone:         audio.NewThinkingTone(audio.DefaultToneConfig()),
		Bridge:       cfg,
		Emitter:      events.DefaultEmitterConfig(),
		StartTimeout: 2 * time.Second,
		Logger:       zerolog.Nop(),
	})

	srv := httptest.NewServer(ts.manager.HandleTwilioWS())
	ts.url = "ws" + strings.TrimPrefix(srv.URL, "http")
	ts.close = func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = ts.manager.Shutdown(ctx)
		srv.Close()
	}
	t.Cleanup(ts.close)
	return ts
}

func (ts *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendStart(t *testing.T, conn *websocket.Conn, params map[string]any) {
	t.Helper()
	if err := conn.WriteJSON(map[string]any{"event": "connected", "protocol": "Call"}); err != nil {
		t.Fatalf("Write connected: %v", err)
	}
	start := map[string]any{
		"event": "start",
		"start": map[string]any{
			"callSid":          "CA-e2e",
			"streamSid":        "MZ-e2e",
			"tracks":           []string{"inbound"},
			"customParameters": params,
		},
	}
	if err := conn.WriteJSON(start); err != nil {
		t.Fatalf("Write start: %v", err)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s", what)
}

func (ts *testServer) eventsOfType(eventType string) []events.LifecycleEvent {
	all, _ := ts.store.EventsForCall(context.Background(), "CA-e2e")
	var out []events.LifecycleEvent
	for _, ev := range all {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

func TestStreamManager_BridgesCall(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)

	sendStart(t, conn, map[string]any{"tenant_id": "acme", "from_number": "+15550001111"})

	waitFor(t, "call_started", func() bool { return len(ts.eventsOfType(events.TypeCallStarted)) == 1 })
	started := ts.eventsOfType(events.TypeCallStarted)[0]
	if started.InteractionMode != session.ModeCustomer || started.TenantID != "acme" {
		t.Errorf("Unexpected call_started %+v", started)
	}
	if ts.manager.ActiveCalls() != 1 {
		t.Errorf("Expected 1 active call, got %d", ts.manager.ActiveCalls())
	}
	ts.up.mu.Lock()
	voice := ts.up.cfg.Voice
	ts.up.mu.Unlock()
	if voice == "" {
		t.Error("Expected the customer persona voice on the session config")
	}

	// Caller audio reaches the upstream in frames.
	media := map[string]any{
		"event": "media",
		"media": map[string]any{"payload": base64.StdEncoding.EncodeToString(make([]byte, 2*audio.FrameBytes))},
	}
	if err := conn.WriteJSON(media); err != nil {
		t.Fatalf("Write media: %v", err)
	}
	waitFor(t, "caller audio upstream", func() bool { return ts.up.sentBytes() >= 2*audio.FrameBytes })

	// Assistant audio reaches the caller as media messages.
	ts.up.mu.Lock()
	ts.up.active = "resp_1"
	ts.up.mu.Unlock()
	ts.up.events <- upstream.Event{Kind: upstream.EventResponseCreated, ResponseID: "resp_1"}
	ts.up.events <- upstream.Event{Kind: upstream.EventAudioDelta, ResponseID: "resp_1", Audio: make([]byte, 4*audio.FrameBytes)}

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("Read: %v", err)
		}
		if msg["event"] == "media" {
			if msg["streamSid"] != "MZ-e2e" {
				t.Errorf("Expected streamSid MZ-e2e, got %v", msg["streamSid"])
			}
			break
		}
	}

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("Write stop: %v", err)
	}
	waitFor(t, "call_stopped", func() bool { return len(ts.eventsOfType(events.TypeCallStopped)) == 1 })
	stopped := ts.eventsOfType(events.TypeCallStopped)[0]
	if stopped.Payload["reason"] != bridge.ReasonTelephonyStop {
		t.Errorf("Expected telephony_stop, got %v", stopped.Payload["reason"])
	}
	waitFor(t, "call untracked", func() bool { return ts.manager.ActiveCalls() == 0 })
}

func TestStreamManager_SetupFailureClosesSocket(t *testing.T) {
	ts := newTestServer(t, errors.New("dial refused"))
	conn := ts.dial(t)

	sendStart(t, conn, map[string]any{"tenant_id": "acme"})

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := conn.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseInternalServerErr {
		t.Fatalf("Expected close 1011, got %v", err)
	}

	waitFor(t, "call_stopped", func() bool { return len(ts.eventsOfType(events.TypeCallStopped)) == 1 })
	if r := ts.eventsOfType(events.TypeCallStopped)[0].Payload["reason"]; r != bridge.ReasonSetupFailed {
		t.Errorf("Expected setup_failed, got %v", r)
	}
	if n := len(ts.eventsOfType(events.TypeCallStarted)); n != 0 {
		t.Errorf("Expected no call_started on setup failure, got %d", n)
	}
}

func TestStreamManager_ShutdownEndsCalls(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)

	sendStart(t, conn, nil)
	waitFor(t, "call tracked", func() bool { return ts.manager.ActiveCalls() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := ts.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	stopped := ts.eventsOfType(events.TypeCallStopped)
	if len(stopped) != 1 || stopped[0].Payload["reason"] != bridge.ReasonShutdown {
		t.Errorf("Expected one shutdown call_stopped, got %+v", stopped)
	}
	ts.up.mu.Lock()
	closed := ts.up.closed
	ts.up.mu.Unlock()
	if !closed {
		t.Error("Expected upstream session closed")
	}
}

func TestStreamManager_StopBeforeStart(t *testing.T) {
	ts := newTestServer(t, nil)
	conn := ts.dial(t)

	if err := conn.WriteJSON(map[string]any{"event": "stop"}); err != nil {
		t.Fatalf("Write stop: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("Expected the socket to close")
	}
	if ts.store.Len() != 0 {
		t.Errorf("Expected no events, got %d", ts.store.Len())
	}
}

func TestStreamManager_RefusesStreamsAfterShutdown(t *testing.T) {
	ts := newTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ts.manager.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	_, resp, err := websocket.DefaultDialer.Dial(ts.url, nil)
	if err == nil {
		t.Fatal("Expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %v", resp)
	}
}
