package sse

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Writer streams Server-Sent Events to a single client connection —
// used for both agent-run streaming (on_chat_model_stream, on_tool_start,
// etc.) and the per-user sandbox event relay.
type Writer struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewWriter prepares w for SSE and returns a Writer bound to it. It
// returns nil when w doesn't implement http.Flusher, since without
// flushing no data would ever reach the client mid-stream.
func NewWriter(w http.ResponseWriter) *Writer {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	flusher.Flush()

	return &Writer{w: w, flusher: flusher}
}

// SendEvent writes a named event with a JSON-encoded payload.
func (w *Writer) SendEvent(event string, data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: encode %s event: %w", event, err)
	}
	fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event, body)
	w.flusher.Flush()
	return nil
}

// SendData writes an unnamed ("message") event with a JSON-encoded
// payload.
func (w *Writer) SendData(data any) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("sse: encode data: %w", err)
	}
	fmt.Fprintf(w.w, "data: %s\n\n", body)
	w.flusher.Flush()
	return nil
}

// SendComment writes an SSE comment line, used as a keep-alive ping that
// intermediate proxies and the browser's EventSource both ignore as
// content.
func (w *Writer) SendComment(text string) {
	fmt.Fprintf(w.w, ": %s\n\n", text)
	w.flusher.Flush()
}
