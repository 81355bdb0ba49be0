package openaicompat

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"strings"

	maestro "github.com/nevindra/maestro"
)

// StreamSSE reads an SSE stream from body, sends text-delta events to ch,
// and returns the fully accumulated response (content + usage).
//
// The channel is closed when streaming completes. Callers should read from
// ch in a separate goroutine. The context is used to cancel channel sends
// if the consumer is no longer interested.
//
// SSE format expected:
//
//	data: {"id":"...","choices":[...]}\n
//	data: [DONE]\n
func StreamSSE(ctx context.Context, body io.Reader, ch chan<- maestro.StreamEvent) (maestro.ChatResponse, error) {
	defer close(ch)

	scanner := bufio.NewScanner(body)
	// Increase buffer for large SSE payloads.
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)

	var fullContent strings.Builder
	var usage maestro.Usage
	var model string

	for scanner.Scan() {
		line := scanner.Text()

		// SSE lines that carry data start with "data: ".
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		data := strings.TrimPrefix(line, "data: ")

		// End-of-stream sentinel.
		if data == "[DONE]" {
			break
		}

		var chunk ChatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			// Skip malformed chunks.
			continue
		}

		if chunk.Model != "" {
			model = chunk.Model
		}

		// Extract usage from chunks that include it. Some servers send a
		// final usage-only chunk with no choices.
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta == nil || delta.Content == "" {
			continue
		}

		fullContent.WriteString(delta.Content)
		select {
		case ch <- maestro.StreamEvent{Type: maestro.EventTextDelta, Content: delta.Content}:
		case <-ctx.Done():
			return maestro.ChatResponse{}, ctx.Err()
		}
	}

	if err := scanner.Err(); err != nil {
		return maestro.ChatResponse{}, err
	}

	return maestro.ChatResponse{
		Content: fullContent.String(),
		Model:   model,
		Usage:   usage,
	}, nil
}
