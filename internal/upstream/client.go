// Package upstream is the client side of the realtime speech session. It
// negotiates the session, forwards caller audio and turns server events into
// typed Events for the bridge.
package upstream

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"

	"github.com/vozila/voice-bridge/internal/observability"
	"github.com/vozila/voice-bridge/internal/resilience"
)

const (
	defaultModel   = "gpt-realtime"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"
	defaultVoice   = "marin"

	eventBuffer = 256
)

var (
	// ErrSetup wraps every failure to establish a usable session. Calls that
	// see it must end without bridging audio.
	ErrSetup = errors.New("upstream setup failed")

	// ErrModalityRejected is reported when the safe modality set was also
	// refused.
	ErrModalityRejected = errors.New("upstream rejected response modalities")

	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("upstream session closed")
)

// SessionConfig is what the bridge asks of one realtime session.
type SessionConfig struct {
	Model              string
	Voice              string
	Instructions       string
	TranscriptionModel string
	// Modalities requested in session.update. Empty means audio only.
	Modalities   []string
	SetupTimeout time.Duration
}

// ── Dialer ─────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Dialer.
type Option func(*Dialer)

// WithBaseURL overrides the realtime endpoint. Used in tests to point at a
// local server.
func WithBaseURL(u string) Option {
	return func(d *Dialer) { d.baseURL = u }
}

// WithBreaker guards dials with cb.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(d *Dialer) { d.breaker = cb }
}

// WithRetry sets the dial retry policy.
func WithRetry(cfg *resilience.RetryConfig) Option {
	return func(d *Dialer) { d.retry = cfg }
}

// Dialer opens realtime sessions. It is shared by all calls.
type Dialer struct {
	apiKey  string
	baseURL string
	breaker *resilience.CircuitBreaker
	retry   *resilience.RetryConfig
}

// NewDialer creates a dialer with the given API key and options.
func NewDialer(apiKey string, opts ...Option) *Dialer {
	d := &Dialer{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		retry:   resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Breaker returns the dial circuit breaker, or nil.
func (d *Dialer) Breaker() *resilience.CircuitBreaker {
	return d.breaker
}

// Connect dials the realtime endpoint, configures the session and waits for
// the server to confirm it. Any failure is wrapped in ErrSetup. The logger
// is taken from ctx.
func (d *Dialer) Connect(ctx context.Context, cfg SessionConfig) (*Client, error) {
	if cfg.Model == "" {
		cfg.Model = defaultModel
	}
	if cfg.Voice == "" {
		cfg.Voice = defaultVoice
	}
	if len(cfg.Modalities) == 0 {
		cfg.Modalities = []string{ModalityAudio}
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = 5 * time.Second
	}

	setupCtx, cancel := context.WithTimeout(ctx, cfg.SetupTimeout)
	defer cancel()

	conn, err := d.dial(setupCtx, cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: dial: %w", ErrSetup, err)
	}

	setup, err := configure(setupCtx, conn, cfg)
	if err != nil {
		conn.Close(websocket.StatusInternalError, "session setup failed")
		return nil, fmt.Errorf("%w: %w", ErrSetup, err)
	}

	logger := zerolog.Ctx(ctx).With().Str("component", "upstream").Logger()
	modalities := negotiateModalities(setup.advertised)
	retries := 0
	if setup.fallback {
		// The safe pair sticks for the rest of the call.
		modalities = append([]string(nil), SafeModalities...)
		retries = 1
		logger.Warn().
			Strs("requested", cfg.Modalities).
			Msg("Session modalities rejected, configured with safe set")
	}
	logger.Info().
		Strs("advertised", setup.advertised).
		Strs("modalities", modalities).
		Msg("Realtime session ready")

	sessCtx, sessCancel := context.WithCancel(context.Background())
	c := &Client{
		conn:     conn,
		logger:   logger,
		events:   make(chan Event, eventBuffer),
		ctx:      sessCtx,
		cancel:   sessCancel,
		text:     make(map[string]*strings.Builder),
		state:    ResponseState{ModalitiesInUse: modalities},
		readDone: make(chan struct{}),

		modalityRetries: retries,
	}
	go c.receiveLoop()
	return c, nil
}

func (d *Dialer) dial(ctx context.Context, model string) (*websocket.Conn, error) {
	wsURL := d.baseURL + "?model=" + url.QueryEscape(model)
	opts := &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + d.apiKey},
		},
	}

	var conn *websocket.Conn
	attempt := func(ctx context.Context) error {
		c, resp, err := websocket.Dial(ctx, wsURL, opts)
		if err != nil {
			if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return err
			}
			return resilience.NewRetryableError(err)
		}
		conn = c
		return nil
	}

	run := func() error {
		return resilience.Retry(ctx, attempt, d.retry, resilience.IsRetryableNetworkError)
	}
	var err error
	if d.breaker != nil {
		err = d.breaker.Call(run)
		if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
			observability.IncrementCircuitBreakerFailures(d.breaker.Name())
		}
	} else {
		err = run()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(1 << 20)
	return conn, nil
}

// sessionSetup is what configure learned from the server.
type sessionSetup struct {
	advertised []string
	// fallback is set when the requested modalities were refused and the
	// session was configured with SafeModalities instead.
	fallback bool
}

// configure sends session.update and reads until the server acknowledges it.
// A modality rejection is retried once with SafeModalities.
func configure(ctx context.Context, conn *websocket.Conn, cfg SessionConfig) (sessionSetup, error) {
	var setup sessionSetup
	if err := sendSessionUpdate(ctx, conn, cfg, cfg.Modalities); err != nil {
		return setup, err
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return setup, fmt.Errorf("waiting for session ready: %w", err)
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}
		switch evt.Type {
		case "session.created":
			setup.advertised = evt.Session.advertised()
		case "session.updated":
			if a := evt.Session.advertised(); len(a) > 0 {
				setup.advertised = a
			}
			return setup, nil
		case "error":
			if !setup.fallback && evt.Error.isModalityRejection() && !sameModalities(cfg.Modalities, SafeModalities) {
				setup.fallback = true
				if err := sendSessionUpdate(ctx, conn, cfg, SafeModalities); err != nil {
					return setup, err
				}
				continue
			}
			if evt.Error.isModalityRejection() {
				return setup, fmt.Errorf("%w: %s", ErrModalityRejected, evt.Error)
			}
			return setup, fmt.Errorf("session rejected: %s", evt.Error)
		}
	}
}

func sendSessionUpdate(ctx context.Context, conn *websocket.Conn, cfg SessionConfig, mods []string) error {
	params := sessionParams{
		Type:             "realtime",
		Instructions:     cfg.Instructions,
		OutputModalities: mods,
		Audio: audioParams{
			Input: audioInput{
				Format: audioFormat{Type: audioFormatPCMU},
				TurnDetection: turnDetection{
					Type:              "server_vad",
					CreateResponse:    false,
					InterruptResponse: false,
				},
			},
			Output: audioOutput{
				Format: audioFormat{Type: audioFormatPCMU},
				Voice:  cfg.Voice,
			},
		},
	}
	if cfg.TranscriptionModel != "" {
		params.Audio.Input.Transcription = &transcriptionParams{Model: cfg.TranscriptionModel}
	}
	if err := writeJSON(ctx, conn, sessionUpdateMessage{Type: "session.update", Session: params}); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	return nil
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("upstream: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// ── Events ─────────────────────────────────────────────────────────────────────

// EventKind identifies a surfaced server event.
type EventKind int

const (
	EventSpeechStarted EventKind = iota
	EventTranscriptFinal
	EventResponseCreated
	EventAudioDelta
	EventResponseDone
	EventError
	EventModalityRetry
)

// Event is one server occurrence relevant to the bridge.
type Event struct {
	Kind       EventKind
	ResponseID string
	// Transcript for EventTranscriptFinal; assistant text for EventResponseDone.
	Text string
	// Decoded μ-law bytes for EventAudioDelta.
	Audio []byte
	// Terminal status for EventResponseDone (completed, cancelled, failed, incomplete).
	Status string
	// Err for EventError.
	Err error
	// ResponseFailed marks an EventError that ended a requested response.
	ResponseFailed bool
}

// ResponseState is a snapshot of the session's response bookkeeping.
type ResponseState struct {
	ActiveResponseID string
	TurnSequence     uint64
	ModalitiesInUse  []string
	// Requested is set between response.create and response.created.
	Requested bool
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client is one established realtime session.
type Client struct {
	conn   *websocket.Conn
	logger zerolog.Logger
	events chan Event

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	readDone  chan struct{}

	mu              sync.Mutex
	state           ResponseState
	modalityRetried bool
	modalityRetries int
	text            map[string]*strings.Builder
	closed          bool
	errVal          error
}

// Events returns the channel of surfaced server events. It is closed when
// the session ends.
func (c *Client) Events() <-chan Event { return c.events }

// State returns a copy of the response state.
func (c *Client) State() ResponseState {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.ModalitiesInUse = append([]string(nil), c.state.ModalitiesInUse...)
	return s
}

// ActiveResponseID returns the in-flight response id, if any.
func (c *Client) ActiveResponseID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.ActiveResponseID
}

// ModalityRetries returns how many response requests were resent with the
// safe modality set.
func (c *Client) ModalityRetries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modalityRetries
}

// Err returns the error that ended the session, if any.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// SendAudio forwards one caller chunk of μ-law audio.
func (c *Client) SendAudio(chunk []byte) error {
	if len(chunk) == 0 {
		return nil
	}
	if c.isClosed() {
		return ErrClosed
	}
	return writeJSON(c.ctx, c.conn, appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(chunk),
	})
}

// CreateResponse asks for a response to the finalized caller turn and
// returns its turn sequence number.
func (c *Client) CreateResponse() (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, ErrClosed
	}
	c.state.TurnSequence++
	c.state.Requested = true
	c.modalityRetried = false
	seq := c.state.TurnSequence
	mods := append([]string(nil), c.state.ModalitiesInUse...)
	c.mu.Unlock()

	return seq, c.sendResponseCreate(mods)
}

func (c *Client) sendResponseCreate(mods []string) error {
	return writeJSON(c.ctx, c.conn, responseCreateMessage{
		Type:     "response.create",
		Response: responseParams{OutputModalities: mods},
	})
}

// CancelResponse asks the server to stop response id.
func (c *Client) CancelResponse(id string) error {
	if c.isClosed() {
		return ErrClosed
	}
	return writeJSON(c.ctx, c.conn, responseCancelMessage{Type: "response.cancel", ResponseID: id})
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close terminates the session. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.conn.Close(websocket.StatusNormalClosure, "call ended")
	<-c.readDone
	return nil
}

// receiveLoop owns the events channel and closes it on exit.
func (c *Client) receiveLoop() {
	defer close(c.readDone)
	defer c.closeOnce.Do(func() { close(c.events) })

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(err)
				c.logger.Warn().Err(err).Msg("Realtime session read failed")
			}
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Debug().Err(err).Msg("Ignoring malformed server event")
			continue
		}
		c.handleServerEvent(&evt)
	}
}

func (c *Client) emit(ev Event) {
	select {
	case c.events <- ev:
	case <-c.ctx.Done():
	}
}

func (c *Client) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "input_audio_buffer.speech_started":
		c.emit(Event{Kind: EventSpeechStarted})

	case "conversation.item.input_audio_transcription.completed":
		c.emit(Event{Kind: EventTranscriptFinal, Text: evt.Transcript})

	case "response.created":
		id := ""
		if evt.Response != nil {
			id = evt.Response.ID
		}
		c.mu.Lock()
		c.state.ActiveResponseID = id
		c.state.Requested = false
		c.mu.Unlock()
		c.emit(Event{Kind: EventResponseCreated, ResponseID: id})

	case "response.output_audio.delta", "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audio, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audio) == 0 {
			c.logger.Debug().Err(err).Msg("Dropping undecodable audio delta")
			return
		}
		c.emit(Event{Kind: EventAudioDelta, ResponseID: evt.ResponseID, Audio: audio})

	case "response.output_audio_transcript.delta", "response.audio_transcript.delta",
		"response.output_text.delta", "response.text.delta":
		if evt.Delta == "" {
			return
		}
		c.mu.Lock()
		b, ok := c.text[evt.ResponseID]
		if !ok {
			b = &strings.Builder{}
			c.text[evt.ResponseID] = b
		}
		b.WriteString(evt.Delta)
		c.mu.Unlock()

	case "response.done":
		id, status := "", ""
		if evt.Response != nil {
			id, status = evt.Response.ID, evt.Response.Status
		}
		c.mu.Lock()
		if c.state.ActiveResponseID == id {
			c.state.ActiveResponseID = ""
		}
		text := ""
		if b, ok := c.text[id]; ok {
			text = b.String()
			delete(c.text, id)
		}
		c.mu.Unlock()
		c.emit(Event{Kind: EventResponseDone, ResponseID: id, Status: status, Text: text})

	case "error":
		c.handleErrorEvent(evt.Error)
	}
}

func (c *Client) handleErrorEvent(detail *serverErrorDetail) {
	if detail.isCancelNotActive() {
		c.logger.Debug().Str("error", detail.String()).Msg("Cancel raced response completion")
		return
	}

	c.mu.Lock()
	requested := c.state.Requested
	retry := false
	var mods []string
	if requested && detail.isModalityRejection() && !c.modalityRetried &&
		!sameModalities(c.state.ModalitiesInUse, SafeModalities) {
		retry = true
		c.modalityRetried = true
		c.modalityRetries++
		// The safe pair sticks for the rest of the call.
		c.state.ModalitiesInUse = append([]string(nil), SafeModalities...)
		mods = append([]string(nil), SafeModalities...)
	}
	if !retry && requested {
		c.state.Requested = false
	}
	c.mu.Unlock()

	if retry {
		c.logger.Warn().
			Str("error", detail.String()).
			Strs("modalities", mods).
			Msg("Response modalities rejected, retrying with safe set")
		c.emit(Event{Kind: EventModalityRetry})
		if err := c.sendResponseCreate(mods); err != nil {
			c.emit(Event{Kind: EventError, Err: fmt.Errorf("upstream: modality retry: %w", err), ResponseFailed: true})
		}
		return
	}

	err := fmt.Errorf("upstream: %s", detail)
	if requested && detail.isModalityRejection() {
		err = fmt.Errorf("%w: %s", ErrModalityRejected, detail)
	}
	c.emit(Event{Kind: EventError, Err: err, ResponseFailed: requested})
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}
