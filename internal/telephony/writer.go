package telephony

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vozila/voice-bridge/internal/audio"
)

const writeTimeout = time.Second

// Writer serializes outbound messages on a Twilio socket. gorilla/websocket
// allows one concurrent writer, and both the sender loop and barge-in write.
type Writer struct {
	mu        sync.Mutex
	conn      *websocket.Conn
	streamSid string
}

// NewWriter creates a writer for one stream.
func NewWriter(conn *websocket.Conn, streamSid string) *Writer {
	return &Writer{conn: conn, streamSid: streamSid}
}

// SendMedia sends frames as a single media message.
func (w *Writer) SendMedia(frames []audio.Frame) error {
	if len(frames) == 0 {
		return nil
	}
	return w.write(newMediaMessage(w.streamSid, frames))
}

// SendClear tells Twilio to drop any audio it has buffered.
func (w *Writer) SendClear() error {
	return w.write(newClearMessage(w.streamSid))
}

// Close sends a close frame with code and reason.
func (w *Writer) Close(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	msg := websocket.FormatCloseMessage(code, reason)
	return w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func (w *Writer) write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("telephony: set write deadline: %w", err)
	}
	if err := w.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}
