package telephony

import (
	"encoding/base64"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vozila/voice-bridge/internal/audio"
	"github.com/vozila/voice-bridge/internal/session"
)

// TwilioMessage represents a message from Twilio Media Streams
type TwilioMessage struct {
	Event     string       `json:"event"`
	StreamSid string       `json:"streamSid,omitempty"`
	Media     *TwilioMedia `json:"media,omitempty"`
	Start     *TwilioStart `json:"start,omitempty"`
	Stop      *TwilioStop  `json:"stop,omitempty"`
}

// TwilioMedia represents the media payload in a media event
type TwilioMedia struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"` // Base64 encoded μ-law
}

// TwilioStart represents the start event payload
type TwilioStart struct {
	AccountSid       string         `json:"accountSid"`
	CallSid          string         `json:"callSid"`
	Tracks           []string       `json:"tracks"`
	StreamSid        string         `json:"streamSid"`
	CustomParameters map[string]any `json:"customParameters,omitempty"`
}

// TwilioStop represents the stop event payload
type TwilioStop struct {
	AccountSid string `json:"accountSid"`
	CallSid    string `json:"callSid"`
}

// outboundMedia is the media message sent back to Twilio.
type outboundMedia struct {
	Event     string             `json:"event"`
	StreamSid string             `json:"streamSid"`
	Media     outboundMediaChunk `json:"media"`
}

type outboundMediaChunk struct {
	Payload string `json:"payload"`
}

// clearMessage flushes Twilio's playback buffer.
type clearMessage struct {
	Event     string `json:"event"`
	StreamSid string `json:"streamSid"`
}

// ErrNoStart is returned when a start message has no start payload.
var ErrNoStart = errors.New("telephony: start message without payload")

// Custom parameters read from the start message. Everything else is ignored.
const (
	paramTenantID        = "tenant_id"
	paramTenantMode      = "tenant_mode"
	paramInteractionMode = "interaction_mode"
	paramRID             = "rid"
	paramCallID          = "call_id"
	paramFromNumber      = "from_number"
	paramToNumber        = "to_number"
)

// ParseStart builds the call identity from a start message. A missing or
// unknown interaction mode resolves to the restrictive customer mode; the
// call id falls back to the call SID.
func ParseStart(msg *TwilioMessage, now time.Time) (session.Context, error) {
	if msg == nil || msg.Start == nil {
		return session.Context{}, ErrNoStart
	}
	st := msg.Start
	p := func(key string) string {
		if v, ok := st.CustomParameters[key].(string); ok {
			return strings.TrimSpace(v)
		}
		return ""
	}

	mode := p(paramTenantMode)
	if mode == "" {
		mode = p(paramInteractionMode)
	}
	callID := p(paramCallID)
	if callID == "" {
		callID = p(paramRID)
	}
	if callID == "" {
		callID = strings.TrimSpace(st.CallSid)
	}
	if callID == "" {
		callID = "call-" + uuid.NewString()
	}
	streamSid := st.StreamSid
	if streamSid == "" {
		streamSid = msg.StreamSid
	}

	return session.Context{
		CallID:       callID,
		TenantID:     p(paramTenantID),
		Mode:         session.ResolveMode(mode),
		CallerNumber: p(paramFromNumber),
		CalleeNumber: p(paramToNumber),
		StreamSID:    streamSid,
		CallSID:      st.CallSid,
		StartedAt:    now,
	}, nil
}

// DecodeMedia returns the μ-law bytes of a media message, or false when the
// payload is missing or not valid base64.
func DecodeMedia(m *TwilioMedia) ([]byte, bool) {
	if m == nil {
		return nil, false
	}
	encoded := m.Payload
	if encoded == "" {
		encoded = m.Chunk
	}
	if encoded == "" {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil || len(raw) == 0 {
		return nil, false
	}
	return raw, true
}

// newMediaMessage packs frames into one outbound media message.
func newMediaMessage(streamSid string, frames []audio.Frame) outboundMedia {
	buf := make([]byte, 0, len(frames)*audio.FrameBytes)
	for _, f := range frames {
		buf = append(buf, f.Bytes()...)
	}
	return outboundMedia{
		Event:     "media",
		StreamSid: streamSid,
		Media:     outboundMediaChunk{Payload: base64.StdEncoding.EncodeToString(buf)},
	}
}

func newClearMessage(streamSid string) clearMessage {
	return clearMessage{Event: "clear", StreamSid: streamSid}
}
