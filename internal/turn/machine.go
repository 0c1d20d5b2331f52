// Package turn decides who owns the floor on a call and when an assistant
// response must be interrupted.
package turn

import (
	"strings"
	"sync/atomic"
	"time"
)

// State is the floor owner.
type State int32

const (
	AssistantIdle State = iota
	AssistantSpeaking
	UserSpeaking
)

func (s State) String() string {
	switch s {
	case AssistantIdle:
		return "assistant_idle"
	case AssistantSpeaking:
		return "assistant_speaking"
	case UserSpeaking:
		return "user_speaking"
	default:
		return "unknown"
	}
}

// SignalKind identifies an upstream occurrence relevant to turn-taking.
type SignalKind int

const (
	SpeechStarted SignalKind = iota
	TranscriptFinal
	ResponseCreated
	ResponseAudio
	ResponseDone
	ResponseFailed
)

// Signal is one upstream occurrence fed to the machine.
type Signal struct {
	Kind       SignalKind
	ResponseID string
	Text       string
	Audio      []byte
}

// Decision is what the bridge must do after a batch of signals. Effects are
// applied in field order: accepted audio is queued before any clear.
type Decision struct {
	AcceptedAudio [][]byte

	// Transcripts holds every caller turn finalized in the batch.
	Transcripts []string

	// RequestResponse asks upstream for a new response to the last finalized
	// turn. Never set together with BargeIn.
	RequestResponse bool

	// EndWait ends any pending comfort-tone wait.
	EndWait bool

	BargeIn          bool
	CancelResponseID string
	ClearMain        bool
	ClearAux         bool
	Reason           string

	// Superseded lists responses created for a turn the caller already
	// interrupted. They are canceled without another clear.
	Superseded []string
}

// ResponseReader exposes the upstream's in-flight response.
type ResponseReader interface {
	ActiveResponseID() string
}

// Machine is the per-call turn state machine. State may be read from any
// goroutine; Apply and ResponseRequested must only be called from the
// upstream event loop.
type Machine struct {
	state     atomic.Int32
	responses ResponseReader
	guard     Guard

	// activeID is the last response seen created and not yet ended.
	activeID string
	canceled map[string]struct{}
	// pending counts requests sent but not yet created; superseded counts
	// those a barge-in overtook.
	pending    int
	superseded int

	bargeIns   atomic.Uint64
	suppressed atomic.Uint64
}

// NewMachine creates a machine in AssistantIdle. A nil guard allows every
// speech start.
func NewMachine(responses ResponseReader, guard Guard) *Machine {
	if guard == nil {
		guard = NoGuard{}
	}
	return &Machine{responses: responses, guard: guard, canceled: make(map[string]struct{})}
}

// ResponseRequested records that a response.create went out. The response
// it produces is canceled on creation if the caller barges in first.
func (m *Machine) ResponseRequested() {
	m.pending++
}

func (m *Machine) isCanceled(id string) bool {
	_, ok := m.canceled[id]
	return ok
}

func (m *Machine) cancel(id string) {
	m.canceled[id] = struct{}{}
}

// awaitingResponse reports whether a response is requested or playing and
// has not been canceled.
func (m *Machine) awaitingResponse() bool {
	if m.pending > 0 {
		return true
	}
	return m.activeID != "" && !m.isCanceled(m.activeID)
}

// State returns the current floor owner.
func (m *Machine) State() State {
	return State(m.state.Load())
}

// BargeIns returns the number of accepted interruptions.
func (m *Machine) BargeIns() uint64 {
	return m.bargeIns.Load()
}

// Suppressed returns the number of speech starts rejected by the guard.
func (m *Machine) Suppressed() uint64 {
	return m.suppressed.Load()
}

func (m *Machine) set(s State) {
	m.state.Store(int32(s))
}

// Apply processes one batch of signals drained from the upstream event
// stream. Completions are handled in arrival order; a speech start anywhere
// in the batch is handled last, so the caller always wins a tie.
func (m *Machine) Apply(now time.Time, batch []Signal) Decision {
	var (
		d           Decision
		speechStart bool
	)

	for _, sig := range batch {
		switch sig.Kind {
		case SpeechStarted:
			speechStart = true
		case ResponseCreated:
			m.onCreated(sig, &d)
		case ResponseAudio:
			m.onAudio(sig, &d)
		case TranscriptFinal:
			m.onTranscript(sig, &d)
		case ResponseDone, ResponseFailed:
			m.onResponseEnd(sig, &d)
		}
	}

	if speechStart {
		m.onSpeechStarted(now, &d)
	}
	return d
}

func (m *Machine) onAudio(sig Signal, d *Decision) {
	if len(sig.Audio) == 0 {
		return
	}
	if m.State() == UserSpeaking {
		return
	}
	if sig.ResponseID != "" && m.isCanceled(sig.ResponseID) {
		return
	}
	d.AcceptedAudio = append(d.AcceptedAudio, sig.Audio)
	d.EndWait = true
	if m.State() == AssistantIdle {
		m.set(AssistantSpeaking)
	}
}

func (m *Machine) onCreated(sig Signal, d *Decision) {
	id := sig.ResponseID
	if id == "" {
		return
	}
	if m.isCanceled(id) {
		// Canceled by a barge-in that saw it before this event did.
		m.settleRequest()
		return
	}
	// Requests are answered in order, and superseded ones were all sent first.
	if m.superseded > 0 {
		m.superseded--
		m.cancel(id)
		d.Superseded = append(d.Superseded, id)
		return
	}
	if m.pending > 0 {
		m.pending--
	}
	m.activeID = id
}

// settleRequest retires one outstanding request, superseded ones first.
func (m *Machine) settleRequest() {
	switch {
	case m.superseded > 0:
		m.superseded--
	case m.pending > 0:
		m.pending--
	}
}

func (m *Machine) onTranscript(sig Signal, d *Decision) {
	text := strings.TrimSpace(sig.Text)
	if text != "" {
		d.Transcripts = append(d.Transcripts, text)
	}

	switch m.State() {
	case UserSpeaking:
		m.set(AssistantIdle)
		if text != "" && !m.awaitingResponse() {
			d.RequestResponse = true
		}
	case AssistantIdle:
		// The guard swallowed the start edge, but the turn still needs an answer.
		if text != "" && !m.awaitingResponse() && m.responses.ActiveResponseID() == "" {
			d.RequestResponse = true
		}
	}
}

func (m *Machine) onResponseEnd(sig Signal, d *Decision) {
	id := sig.ResponseID
	if id == "" {
		// A response.create the server rejected before creating anything.
		m.settleRequest()
	}
	if id != "" && id == m.activeID {
		m.activeID = ""
	}
	if id != "" && m.isCanceled(id) {
		delete(m.canceled, id)
		return
	}
	d.EndWait = true
	if m.State() == AssistantSpeaking {
		m.set(AssistantIdle)
	}
}

func (m *Machine) onSpeechStarted(now time.Time, d *Decision) {
	// Only an edge counts; the caller already holds the floor.
	if m.State() == UserSpeaking {
		return
	}
	if !m.guard.Allow(now) {
		m.suppressed.Add(1)
		return
	}

	m.set(UserSpeaking)
	m.bargeIns.Add(1)

	d.BargeIn = true
	d.ClearMain = true
	d.ClearAux = true
	d.EndWait = true
	d.Reason = "barge_in"
	// A request decided earlier in this batch was never sent.
	d.RequestResponse = false

	id := m.activeID
	if id == "" {
		id = m.responses.ActiveResponseID()
	}
	if id != "" && !m.isCanceled(id) {
		d.CancelResponseID = id
		m.cancel(id)
	}
	// Whatever is still requested answers a turn the caller just abandoned.
	m.superseded += m.pending
	m.pending = 0
}
