// Package bridge runs one telephony call against one realtime speech
// session: caller audio goes up, assistant audio comes back through the
// paced sender, and the turn machine decides when to interrupt.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/vozila/voice-bridge/internal/audio"
	"github.com/vozila/voice-bridge/internal/events"
	"github.com/vozila/voice-bridge/internal/observability"
	"github.com/vozila/voice-bridge/internal/sender"
	"github.com/vozila/voice-bridge/internal/session"
	"github.com/vozila/voice-bridge/internal/turn"
	"github.com/vozila/voice-bridge/internal/upstream"
	"github.com/vozila/voice-bridge/internal/waiting"
)

// End reasons reported on the call_stopped event.
const (
	ReasonTelephonyStop  = "telephony_stop"
	ReasonSocketClosed   = "socket_closed"
	ReasonUpstreamClosed = "upstream_closed"
	ReasonSetupFailed    = "setup_failed"
	ReasonShutdown       = "shutdown"
)

// ErrUpstreamClosed is returned by Run when the realtime session ends
// before the call does.
var ErrUpstreamClosed = errors.New("bridge: upstream session closed")

// maxSignalBatch caps how many already-queued upstream events are folded
// into one turn decision.
const maxSignalBatch = 32

// Upstream is the realtime session as seen by the bridge.
type Upstream interface {
	Events() <-chan upstream.Event
	SendAudio(chunk []byte) error
	CreateResponse() (uint64, error)
	CancelResponse(id string) error
	ActiveResponseID() string
	// Err is why the session ended, or nil.
	Err() error
	Close() error
}

// retryCounter is implemented by sessions that resend refused requests.
type retryCounter interface {
	ModalityRetries() int
}

// Transport is the telephony side: paced media plus the clear control.
type Transport interface {
	sender.Sink
	SendClear() error
}

// Emitter records lifecycle events without blocking.
type Emitter interface {
	Emit(ev events.LifecycleEvent) error
	Close(ctx context.Context) error
}

// Config sizes the per-call buffers and timings.
type Config struct {
	MainLaneFrames     int
	AuxLaneFrames      int
	InboundQueueFrames int
	Sender             sender.Config
	Waiting            waiting.Config
	Guard              turn.GuardConfig
	ShutdownGrace      time.Duration
}

// DefaultConfig returns the standard sizes.
func DefaultConfig() Config {
	return Config{
		MainLaneFrames:     1500,
		AuxLaneFrames:      250,
		InboundQueueFrames: 100,
		Sender:             sender.DefaultConfig(),
		Waiting:            waiting.DefaultConfig(),
		Guard:              turn.GuardConfig{Policy: turn.GuardNone},
		ShutdownGrace:      2 * time.Second,
	}
}

// Deps are the call's collaborators. Upstream must already be negotiated.
type Deps struct {
	Session   session.Context
	Upstream  Upstream
	Transport Transport
	Emitter   Emitter
	Tone      *audio.Tone
	Metrics   *observability.Metrics
	Logger    zerolog.Logger
	Now       func() time.Time
}

// Call is one bridged call.
type Call struct {
	cfg     Config
	sc      session.Context
	up      Upstream
	tx      Transport
	emitter Emitter
	metrics *observability.Metrics
	logger  zerolog.Logger
	now     func() time.Time

	main, aux *audio.Lane
	inbound   *audio.Lane
	inChunker *audio.Chunker
	inMu      sync.Mutex // guards inChunker
	inReady   chan struct{}
	outChunk  *audio.Chunker // upstream audio, event loop only

	machine *turn.Machine
	guard   turn.Guard
	waiter  *waiting.Controller
	loop    *sender.Loop

	spanCtx   context.Context
	spans     map[string]trace.Span // response spans, event loop only
	turnIndex uint64                // finalized caller turns, event loop only
	// requestSeqs are turn sequences of sent requests not yet created.
	requestSeqs []uint64

	finishOnce sync.Once
	ingested   atomic.Uint64
}

// NewCall wires a call. It does not start any goroutine.
func NewCall(cfg Config, deps Deps) (*Call, error) {
	if deps.Upstream == nil || deps.Transport == nil {
		return nil, errors.New("bridge: upstream and transport are required")
	}
	guard, err := turn.NewGuard(cfg.Guard)
	if err != nil {
		return nil, err
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultConfig().ShutdownGrace
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewCallMetrics(deps.Session.CallID)
	}

	c := &Call{
		cfg:       cfg,
		sc:        deps.Session,
		up:        deps.Upstream,
		tx:        deps.Transport,
		emitter:   deps.Emitter,
		metrics:   metrics,
		logger:    deps.Logger,
		now:       now,
		main:      audio.NewLane("main", cfg.MainLaneFrames),
		aux:       audio.NewLane("aux", cfg.AuxLaneFrames),
		inbound:   audio.NewLane("inbound", cfg.InboundQueueFrames),
		inChunker: audio.NewChunker(),
		inReady:   make(chan struct{}, 1),
		outChunk:  audio.NewChunker(),
		guard:     guard,
		spanCtx:   context.Background(),
		spans:     make(map[string]trace.Span),
	}
	c.machine = turn.NewMachine(c.up, guard)
	c.waiter = waiting.NewController(cfg.Waiting, deps.Tone)
	c.loop = sender.NewLoop(cfg.Sender, c.main, c.aux, c.tx,
		sender.WithWaiter(c.waiter),
		sender.WithResponses(c.up),
		sender.WithObserver(metrics),
		sender.WithLogger(c.logger),
		sender.WithClock(now),
	)
	return c, nil
}

// Session returns the call identity.
func (c *Call) Session() session.Context { return c.sc }

// Main and Aux expose the outbound lanes.
func (c *Call) Main() *audio.Lane { return c.main }
func (c *Call) Aux() *audio.Lane  { return c.aux }

// TurnState returns the current floor owner.
func (c *Call) TurnState() turn.State { return c.machine.State() }

// WaitState returns the comfort-tone state.
func (c *Call) WaitState() waiting.State { return c.waiter.State() }

// SenderStats returns the sender counters.
func (c *Call) SenderStats() sender.Stats { return c.loop.Stats() }

// Start records the call start. Call once the upstream session is ready.
func (c *Call) Start(ctx context.Context) {
	c.spanCtx = ctx
	c.metrics.RecordCallStart(string(c.sc.Mode))
	c.emit(events.CallStarted(c.sc))
	c.logger.Info().
		Str("caller", c.sc.CallerNumber).
		Str("callee", c.sc.CalleeNumber).
		Msg("Call bridged")
}

// IngestCaller queues one inbound telephony payload for the upstream. It
// never blocks: when the forwarder falls behind the oldest frames go.
func (c *Call) IngestCaller(payload []byte) {
	if len(payload) == 0 {
		return
	}
	c.inMu.Lock()
	frames := c.inChunker.Chunk(payload)
	c.inMu.Unlock()
	if len(frames) == 0 {
		return
	}

	if obs, ok := c.guard.(turn.Observer); ok {
		now := c.now()
		for _, f := range frames {
			obs.Observe(now, f)
		}
	}
	if dropped := c.inbound.PushAll(frames); dropped > 0 {
		c.metrics.RecordLaneDrops(c.inbound.Name(), dropped)
	}
	c.ingested.Add(uint64(len(frames)))
	c.metrics.RecordAudioBytes("in", int64(len(payload)))

	select {
	case c.inReady <- struct{}{}:
	default:
	}
}

// Run bridges until ctx is done or a side fails. It returns nil when ctx
// ended the call.
func (c *Call) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.forwardCaller(gctx) })
	g.Go(func() error { return c.handleUpstream(gctx) })
	g.Go(func() error { return c.loop.Run(gctx) })

	err := g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Call) forwardCaller(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.inReady:
		}
		for {
			frames := c.inbound.PopN(c.inbound.Cap())
			if len(frames) == 0 {
				break
			}
			buf := make([]byte, 0, len(frames)*audio.FrameBytes)
			for _, f := range frames {
				buf = append(buf, f.Bytes()...)
			}
			if err := c.up.SendAudio(buf); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.metrics.RecordError("send_audio", "upstream")
				return fmt.Errorf("bridge: forward caller audio: %w", err)
			}
		}
	}
}

func (c *Call) handleUpstream(ctx context.Context) error {
	evCh := c.up.Events()
	for {
		var first upstream.Event
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evCh:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return c.upstreamClosed()
			}
			first = ev
		}

		batch := []upstream.Event{first}
		closed := false
	drain:
		for len(batch) < maxSignalBatch {
			select {
			case ev, ok := <-evCh:
				if !ok {
					closed = true
					break drain
				}
				batch = append(batch, ev)
			default:
				break drain
			}
		}

		c.processBatch(batch)
		if closed && ctx.Err() == nil {
			return c.upstreamClosed()
		}
	}
}

// upstreamClosed wraps the session's own failure, when it has one.
func (c *Call) upstreamClosed() error {
	if err := c.up.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrUpstreamClosed, err)
	}
	return ErrUpstreamClosed
}

// processBatch turns upstream events into one turn decision and applies it.
func (c *Call) processBatch(batch []upstream.Event) {
	now := c.now()
	signals := make([]turn.Signal, 0, len(batch))
	responseEnded := false

	for _, ev := range batch {
		switch ev.Kind {
		case upstream.EventSpeechStarted:
			signals = append(signals, turn.Signal{Kind: turn.SpeechStarted})
		case upstream.EventTranscriptFinal:
			signals = append(signals, turn.Signal{Kind: turn.TranscriptFinal, Text: ev.Text})
		case upstream.EventAudioDelta:
			signals = append(signals, turn.Signal{Kind: turn.ResponseAudio, ResponseID: ev.ResponseID, Audio: ev.Audio})
		case upstream.EventResponseCreated:
			c.startResponseSpan(ev.ResponseID)
			signals = append(signals, turn.Signal{Kind: turn.ResponseCreated, ResponseID: ev.ResponseID})
		case upstream.EventResponseDone:
			kind := turn.ResponseDone
			if ev.Status == "failed" {
				kind = turn.ResponseFailed
			}
			signals = append(signals, turn.Signal{Kind: kind, ResponseID: ev.ResponseID})
			c.onResponseDone(ev)
			responseEnded = true
		case upstream.EventModalityRetry:
			c.metrics.RecordModalityRetry()
		case upstream.EventError:
			c.onUpstreamError(ev)
			if ev.ResponseFailed {
				c.popRequestSeq()
				signals = append(signals, turn.Signal{Kind: turn.ResponseFailed})
			}
		}
	}

	if len(signals) == 0 {
		return
	}
	suppressed := c.machine.Suppressed()
	c.apply(c.machine.Apply(now, signals))
	if c.machine.Suppressed() > suppressed {
		c.metrics.RecordBargeInSuppressed()
	}
	if responseEnded {
		c.flushTail()
	}
}

// flushTail completes a trailing partial frame with μ-law silence once a
// response has ended, so it is not glued onto the next response.
func (c *Call) flushTail() {
	pending := c.outChunk.Pending()
	if pending == 0 {
		return
	}
	pad := make([]byte, audio.FrameBytes-pending)
	for i := range pad {
		pad[i] = audio.MulawSilence
	}
	c.main.PushAll(c.outChunk.Chunk(pad))
}

// apply executes a decision. Accepted audio is queued before any clear so a
// barge-in in the same batch discards it.
func (c *Call) apply(d turn.Decision) {
	for _, chunk := range d.AcceptedAudio {
		frames := c.outChunk.Chunk(chunk)
		if dropped := c.main.PushAll(frames); dropped > 0 {
			c.metrics.RecordLaneDrops(c.main.Name(), dropped)
		}
		c.metrics.RecordAudioBytes("out", int64(len(chunk)))
	}

	for _, text := range d.Transcripts {
		c.turnIndex++
		c.emit(events.TranscriptCompleted(c.sc, c.turnIndex, text))
		c.logger.Info().Uint64("turn", c.turnIndex).Int("transcript_len", len(text)).Msg("Caller turn finalized")
	}

	if d.BargeIn {
		c.bargeIn(d)
	} else if d.EndWait {
		c.waiter.WaitEnd(c.aux)
	}

	for _, id := range d.Superseded {
		if err := c.up.CancelResponse(id); err != nil {
			c.logger.Warn().Err(err).Str("response_id", id).Msg("Failed to cancel response")
		}
		c.endResponseSpan(id, "cancelled")
		c.logger.Info().Str("response_id", id).Msg("Canceled response to an interrupted turn")
	}

	if d.RequestResponse {
		seq, err := c.up.CreateResponse()
		if err != nil {
			c.metrics.RecordError("create_response", "upstream")
			c.logger.Error().Err(err).Msg("Failed to request response")
			return
		}
		c.machine.ResponseRequested()
		c.requestSeqs = append(c.requestSeqs, seq)
		c.waiter.WaitStart(c.now())
		c.logger.Debug().Uint64("turn_seq", seq).Msg("Response requested")
	}
}

func (c *Call) bargeIn(d turn.Decision) {
	var clearedMain int
	c.loop.Interrupt(func() {
		if d.ClearMain {
			clearedMain = c.main.Clear()
			c.outChunk.Reset()
		}
		if d.ClearAux {
			c.waiter.OnUserSpeechStarted(c.aux)
		}
		if err := c.tx.SendClear(); err != nil {
			c.logger.Warn().Err(err).Msg("Failed to send clear")
		}
	})

	if d.CancelResponseID != "" {
		if err := c.up.CancelResponse(d.CancelResponseID); err != nil {
			c.logger.Warn().Err(err).Str("response_id", d.CancelResponseID).Msg("Failed to cancel response")
		}
		c.endResponseSpan(d.CancelResponseID, "cancelled")
	}
	c.metrics.RecordBargeIn()
	c.logger.Info().
		Str("canceled_response", d.CancelResponseID).
		Int("cleared_frames", clearedMain).
		Msg("Barge-in")
}

func (c *Call) onResponseDone(ev upstream.Event) {
	status := ev.Status
	if status == "" {
		status = "completed"
	}
	c.metrics.RecordResponse(status)
	c.endResponseSpan(ev.ResponseID, status)
	if ev.ResponseID != "" {
		c.emit(events.ResponseCompleted(c.sc, ev.ResponseID, status, ev.Text))
	}
}

func (c *Call) onUpstreamError(ev upstream.Event) {
	if ev.ResponseFailed {
		c.metrics.RecordResponse("failed")
	}
	c.metrics.RecordError("protocol", "upstream")
	c.logger.Warn().Err(ev.Err).Bool("response_failed", ev.ResponseFailed).Msg("Upstream error")
}

// popRequestSeq returns the turn sequence of the oldest request still
// waiting for the server, or 0 if none is.
func (c *Call) popRequestSeq() uint64 {
	if len(c.requestSeqs) == 0 {
		return 0
	}
	seq := c.requestSeqs[0]
	c.requestSeqs = c.requestSeqs[1:]
	return seq
}

func (c *Call) startResponseSpan(id string) {
	if id == "" {
		return
	}
	_, span := observability.StartResponseSpan(c.spanCtx, c.popRequestSeq())
	span.SetAttributes(attribute.String("response.id", id))
	c.spans[id] = span
}

func (c *Call) endResponseSpan(id, status string) {
	span, ok := c.spans[id]
	if !ok {
		return
	}
	delete(c.spans, id)
	span.SetAttributes(attribute.String("response.status", status))
	if status == "failed" {
		span.SetStatus(codes.Error, "response failed")
	}
	span.End()
}

func (c *Call) emit(ev events.LifecycleEvent) {
	if c.emitter == nil {
		return
	}
	if err := c.emitter.Emit(ev); err != nil {
		c.logger.Warn().Err(err).Str("event_type", ev.EventType).Msg("Lifecycle event not queued")
	}
}

// Finish tears the call down: closes the upstream session, records the
// end event and flushes pending emissions within the shutdown grace.
// Safe to call more than once; only the first reason counts.
func (c *Call) Finish(reason string) {
	c.finishOnce.Do(func() {
		if err := c.up.Close(); err != nil {
			c.logger.Debug().Err(err).Msg("Upstream close")
		}
		for id := range c.spans {
			c.endResponseSpan(id, "abandoned")
		}

		st := c.loop.Stats()
		c.emit(events.CallStopped(c.sc, reason, events.CallStats{
			FramesSent: st.FramesSent,
			Underruns:  st.Underruns,
			BargeIns:   c.machine.BargeIns(),
			Duration:   c.sc.Age(c.now()),
		}))
		c.metrics.RecordCallEnd(reason)

		if c.emitter != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownGrace)
			if err := c.emitter.Close(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("Pending lifecycle events abandoned")
			}
			cancel()
		}

		modalityRetries := 0
		if rc, ok := c.up.(retryCounter); ok {
			modalityRetries = rc.ModalityRetries()
		}
		c.logger.Info().
			Str("reason", reason).
			Uint64("frames_sent", st.FramesSent).
			Uint64("underruns", st.Underruns).
			Uint64("active_underruns", st.ActiveUnderruns).
			Dur("max_tick_latency", st.MaxTickLatency).
			Uint64("barge_ins", c.machine.BargeIns()).
			Uint64("barge_ins_suppressed", c.machine.Suppressed()).
			Uint64("caller_frames", c.ingested.Load()).
			Uint64("main_dropped", c.main.Dropped()).
			Uint64("aux_dropped", c.aux.Dropped()).
			Uint64("inbound_dropped", c.inbound.Dropped()).
			Int("tone_bursts", c.waiter.Bursts()).
			Int("modality_retries", modalityRetries).
			Msg("Call finished")
	})
}
