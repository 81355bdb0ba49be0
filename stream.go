package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// StreamEventType identifies the kind of streaming event.
type StreamEventType string

const (
	// EventTextDelta carries an incremental text chunk from the LLM.
	EventTextDelta StreamEventType = "text-delta"
	// EventStage announces a pipeline stage transition (understanding,
	// strategy, planning, synthesis).
	EventStage StreamEventType = "stage"
	// EventHeartbeat is an empty keepalive chunk emitted during long
	// silent stretches so callers do not time out.
	EventHeartbeat StreamEventType = "heartbeat"
)

// StreamEvent is a typed event emitted during streaming generation.
type StreamEvent struct {
	// Type identifies the event kind.
	Type StreamEventType `json:"type"`
	// Name is the stage name (stage events only).
	Name string `json:"name,omitempty"`
	// Content carries the text delta.
	Content string `json:"content,omitempty"`
}

// RelayWithHeartbeat forwards events from src to dst, injecting a
// heartbeat event whenever no event has passed for interval. It returns
// when src is closed or ctx is cancelled, and always closes dst.
//
// The relay exists for long generations on cold heavy models: the backend
// may stay silent for the entire prompt-processing phase, and upstream
// HTTP clients drop the connection without periodic bytes.
func RelayWithHeartbeat(ctx context.Context, src <-chan StreamEvent, dst chan<- StreamEvent, interval time.Duration) {
	defer close(dst)
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return
			}
			select {
			case dst <- ev:
				ticker.Reset(interval)
			case <-ctx.Done():
				return
			}
		case <-ticker.C:
			select {
			case dst <- StreamEvent{Type: EventHeartbeat}:
			case <-ctx.Done():
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// WriteSSEEvent writes a single Server-Sent Event to w and flushes.
// It validates that w implements [http.Flusher], JSON-marshals data into
// the SSE data field, and flushes immediately. eventType is the SSE event
// name (e.g. "text-delta", "done").
func WriteSSEEvent(w http.ResponseWriter, eventType string, data any) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("ResponseWriter does not implement http.Flusher")
	}
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal sse data: %w", err)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", eventType, encoded)
	flusher.Flush()
	return nil
}

// SetSSEHeaders prepares w for an event-stream response.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
}
