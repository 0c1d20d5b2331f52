package upstream

import (
	"strings"
)

// Wire format shared with the telephony side.
const audioFormatPCMU = "audio/pcmu"

// Modalities.
const (
	ModalityAudio = "audio"
	ModalityText  = "text"
)

// SafeModalities is the combination every realtime model accepts.
var SafeModalities = []string{ModalityAudio, ModalityText}

// ── Outgoing ──────────────────────────────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Type             string      `json:"type"`
	Instructions     string      `json:"instructions,omitempty"`
	OutputModalities []string    `json:"output_modalities,omitempty"`
	Audio            audioParams `json:"audio"`
}

type audioParams struct {
	Input  audioInput  `json:"input"`
	Output audioOutput `json:"output"`
}

type audioInput struct {
	Format        audioFormat          `json:"format"`
	Transcription *transcriptionParams `json:"transcription,omitempty"`
	TurnDetection turnDetection        `json:"turn_detection"`
}

type audioOutput struct {
	Format audioFormat `json:"format"`
	Voice  string      `json:"voice,omitempty"`
}

type audioFormat struct {
	Type string `json:"type"`
}

type transcriptionParams struct {
	Model string `json:"model"`
}

// Responses are requested explicitly per finalized turn and interruptions
// are driven locally, so the server must do neither on its own.
type turnDetection struct {
	Type              string `json:"type"`
	CreateResponse    bool   `json:"create_response"`
	InterruptResponse bool   `json:"interrupt_response"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64 μ-law
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	OutputModalities []string `json:"output_modalities"`
}

type responseCancelMessage struct {
	Type       string `json:"type"`
	ResponseID string `json:"response_id,omitempty"`
}

// ── Incoming ──────────────────────────────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// session.created / session.updated
	Session *serverSession `json:"session,omitempty"`

	// response.created / response.done
	Response *serverResponse `json:"response,omitempty"`

	// audio, transcript and text deltas
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	ItemID     string `json:"item_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverSession struct {
	ID               string   `json:"id,omitempty"`
	OutputModalities []string `json:"output_modalities,omitempty"`
	// Older preview sessions advertise under this name.
	Modalities []string `json:"modalities,omitempty"`
}

func (s *serverSession) advertised() []string {
	if s == nil {
		return nil
	}
	if len(s.OutputModalities) > 0 {
		return s.OutputModalities
	}
	return s.Modalities
}

type serverResponse struct {
	ID     string `json:"id"`
	Status string `json:"status,omitempty"`
}

// serverErrorDetail is the nested object of an error event:
// {"type":"error","error":{"type":"...","code":"...","message":"...","param":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
	Param   string `json:"param,omitempty"`
}

func (e *serverErrorDetail) String() string {
	if e == nil {
		return "unknown error"
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// isModalityRejection reports whether the server refused the requested
// response modalities.
func (e *serverErrorDetail) isModalityRejection() bool {
	if e == nil {
		return false
	}
	return strings.Contains(strings.ToLower(e.Param), "modalities") ||
		strings.Contains(strings.ToLower(e.Message), "modalit")
}

func (e *serverErrorDetail) isCancelNotActive() bool {
	return e != nil && e.Code == "response_cancel_not_active"
}

// negotiateModalities picks the response modalities to request: whatever
// the session advertises when it includes audio, the safe pair otherwise.
func negotiateModalities(advertised []string) []string {
	for _, m := range advertised {
		if m == ModalityAudio {
			out := make([]string, len(advertised))
			copy(out, advertised)
			return out
		}
	}
	return append([]string(nil), SafeModalities...)
}

func sameModalities(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, m := range a {
		seen[m]++
	}
	for _, m := range b {
		if seen[m] == 0 {
			return false
		}
		seen[m]--
	}
	return true
}
