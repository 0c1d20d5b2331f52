package telephony

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/codes"

	"github.com/vozila/voice-bridge/internal/audio"
	"github.com/vozila/voice-bridge/internal/bridge"
	"github.com/vozila/voice-bridge/internal/config"
	"github.com/vozila/voice-bridge/internal/events"
	"github.com/vozila/voice-bridge/internal/observability"
	"github.com/vozila/voice-bridge/internal/resilience"
	"github.com/vozila/voice-bridge/internal/session"
	"github.com/vozila/voice-bridge/internal/upstream"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Twilio does not send an Origin header; access is gated upstream
		// of this service.
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Connector opens a negotiated realtime session for a call.
type Connector func(ctx context.Context, cfg upstream.SessionConfig) (bridge.Upstream, error)

// DialerConnector adapts an upstream dialer.
func DialerConnector(d *upstream.Dialer) Connector {
	return func(ctx context.Context, cfg upstream.SessionConfig) (bridge.Upstream, error) {
		c, err := d.Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}

// Options configure a StreamManager.
type Options struct {
	Connect Connector
	Store   events.Store
	Policy  *config.Policy
	Tone    *audio.Tone

	Bridge  bridge.Config
	Emitter events.EmitterConfig

	Model              string
	TranscriptionModel string
	SetupTimeout       time.Duration
	// StartTimeout bounds the wait for Twilio's start message.
	StartTimeout time.Duration

	Logger zerolog.Logger
}

// StreamManager accepts Twilio Media Streams sockets and runs one bridged
// call per socket.
type StreamManager struct {
	opts Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	calls   map[string]*bridge.Call
	closing bool
}

// NewStreamManager creates a manager. Shutdown ends every call it started.
func NewStreamManager(opts Options) *StreamManager {
	if opts.Policy == nil {
		opts.Policy = config.DefaultPolicy()
	}
	if opts.Store == nil {
		opts.Store = events.NewMemoryStore()
	}
	if opts.StartTimeout <= 0 {
		opts.StartTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamManager{
		opts:   opts,
		ctx:    ctx,
		cancel: cancel,
		calls:  make(map[string]*bridge.Call),
	}
}

// HandleTwilioWS is the main entry point for Twilio WebSocket connections
func (m *StreamManager) HandleTwilioWS() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !m.enter() {
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		}
		defer m.wg.Done()

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			m.opts.Logger.Error().Err(err).Msg("Failed to upgrade connection to WebSocket")
			return
		}
		defer conn.Close()
		m.serve(conn)
	}
}

// enter registers a handler unless Shutdown has begun. The check and the
// Add happen under mu so Shutdown's Wait never races a new Add.
func (m *StreamManager) enter() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closing {
		return false
	}
	m.wg.Add(1)
	return true
}

// ActiveCalls returns the number of calls currently bridged.
func (m *StreamManager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

// Shutdown ends every call with the shutdown reason and waits for them to
// finish, or for ctx.
func (m *StreamManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.cancel()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *StreamManager) serve(conn *websocket.Conn) {
	start, err := m.awaitStart(conn)
	if err != nil {
		m.opts.Logger.Warn().Err(err).Msg("Stream ended before start")
		return
	}
	sc, err := ParseStart(start, time.Now())
	if err != nil {
		m.opts.Logger.Warn().Err(err).Msg("Invalid start message")
		return
	}

	ctx, span := observability.StartCallSpan(m.ctx, sc)
	defer span.End()
	logger := observability.CallLogger(observability.CorrelationID(ctx), sc)
	ctx = logger.WithContext(ctx)

	metrics := observability.NewCallMetrics(sc.CallID)
	writer := NewWriter(conn, sc.StreamSID)
	emitter := events.NewEmitter(m.opts.Store, m.opts.Emitter, logger)

	logger.Info().Str("call_sid", sc.CallSID).Msg("Call started")

	persona := m.opts.Policy.Resolve(sc.TenantID, sc.Mode)
	setupStart := time.Now()
	up, err := m.opts.Connect(ctx, upstream.SessionConfig{
		Model:              m.opts.Model,
		Voice:              persona.Voice,
		Instructions:       persona.Instructions,
		TranscriptionModel: m.opts.TranscriptionModel,
		SetupTimeout:       m.opts.SetupTimeout,
	})
	if err != nil {
		m.failSetup(sc, writer, emitter, metrics, logger, err)
		span.SetStatus(codes.Error, "upstream setup failed")
		return
	}
	metrics.RecordSetup(time.Since(setupStart), nil, "")

	call, err := bridge.NewCall(m.opts.Bridge, bridge.Deps{
		Session:   sc,
		Upstream:  up,
		Transport: writer,
		Emitter:   emitter,
		Tone:      m.opts.Tone,
		Metrics:   metrics,
		Logger:    logger,
	})
	if err != nil {
		_ = up.Close()
		m.failSetup(sc, writer, emitter, metrics, logger, err)
		return
	}

	m.track(sc.CallID, call)
	defer m.untrack(sc.CallID)

	call.Start(ctx)
	reason := m.bridgeCall(ctx, conn, call, logger)
	call.Finish(reason)
	_ = writer.Close(websocket.CloseNormalClosure, reason)

	es := emitter.Stats()
	logger.Debug().
		Uint64("stored", es.Stored).
		Uint64("duplicate", es.Duplicate).
		Uint64("dropped", es.Dropped).
		Uint64("failed", es.Failed).
		Uint64("invalid", es.Invalid).
		Msg("Lifecycle events settled")
}

// awaitStart reads until the start message, skipping "connected".
func (m *StreamManager) awaitStart(conn *websocket.Conn) (*TwilioMessage, error) {
	deadline := time.Now().Add(m.opts.StartTimeout)
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetReadDeadline(time.Time{})

	for {
		var msg TwilioMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				continue
			}
			return nil, err
		}
		switch msg.Event {
		case "start":
			return &msg, nil
		case "stop":
			return nil, errors.New("telephony: stop before start")
		}
	}
}

// bridgeCall reads caller media until the stream stops, the socket drops,
// the bridge fails or the manager shuts down. It returns the end reason.
func (m *StreamManager) bridgeCall(ctx context.Context, conn *websocket.Conn, call *bridge.Call, logger zerolog.Logger) string {
	callCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- call.Run(callCtx) }()

	readEnd := make(chan string, 1)
	go func() { readEnd <- m.readCaller(conn, call, logger) }()

	var reason string
	select {
	case reason = <-readEnd:
	case err := <-runErr:
		// The reader unblocks once the handler closes the socket.
		if err == nil {
			return bridge.ReasonShutdown
		}
		if errors.Is(err, bridge.ErrUpstreamClosed) {
			logger.Warn().Err(err).Msg("Realtime session closed before the call ended")
			return bridge.ReasonUpstreamClosed
		}
		logger.Error().Err(err).Msg("Bridge stopped")
		return bridge.ReasonSocketClosed
	case <-m.ctx.Done():
		reason = bridge.ReasonShutdown
	}

	cancel()
	if err := <-runErr; err != nil {
		logger.Warn().Err(err).Msg("Bridge stopped with error")
	}
	return reason
}

func (m *StreamManager) readCaller(conn *websocket.Conn, call *bridge.Call, logger zerolog.Logger) string {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return bridge.ReasonSocketClosed
		}

		var msg TwilioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Debug().Err(err).Msg("Ignoring malformed Twilio message")
			continue
		}

		switch msg.Event {
		case "media":
			if payload, ok := DecodeMedia(msg.Media); ok {
				call.IngestCaller(payload)
			}
		case "stop":
			logger.Info().Msg("Call stopped")
			return bridge.ReasonTelephonyStop
		}
	}
}

func (m *StreamManager) failSetup(sc session.Context, w *Writer, emitter *events.Emitter,
	metrics *observability.Metrics, logger zerolog.Logger, err error) {

	reason := "setup"
	if errors.Is(err, resilience.ErrCircuitOpen) {
		reason = "circuit_open"
	}
	metrics.RecordSetup(0, err, reason)
	logger.Error().Err(err).Msg("Upstream session setup failed, ending call")

	if e := emitter.Emit(events.CallStopped(sc, bridge.ReasonSetupFailed, events.CallStats{})); e != nil {
		logger.Warn().Err(e).Msg("Lifecycle event not queued")
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.Bridge.ShutdownGrace+time.Second)
	defer cancel()
	_ = emitter.Close(ctx)

	_ = w.Close(websocket.CloseInternalServerErr, "upstream unavailable")
}

func (m *StreamManager) track(id string, c *bridge.Call) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls[id] = c
}

func (m *StreamManager) untrack(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.calls, id)
}
