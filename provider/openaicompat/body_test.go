package openaicompat

import (
	"encoding/json"
	"strings"
	"testing"

	maestro "github.com/nevindra/maestro"
)

func TestBuildBody_Basic(t *testing.T) {
	messages := []maestro.ChatMessage{
		maestro.SystemMessage("You are terse."),
		maestro.UserMessage("Hello"),
	}

	body := BuildBody(messages, "qwen2.5:7b")

	if body.Model != "qwen2.5:7b" {
		t.Errorf("Model = %q, want %q", body.Model, "qwen2.5:7b")
	}
	if len(body.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(body.Messages))
	}
	if body.Messages[0].Role != "system" || body.Messages[0].Content != "You are terse." {
		t.Errorf("unexpected system message: %+v", body.Messages[0])
	}
	if body.Messages[1].Role != "user" || body.Messages[1].Content != "Hello" {
		t.Errorf("unexpected user message: %+v", body.Messages[1])
	}
	if body.Stream {
		t.Error("Stream should default to false")
	}
}

func TestBuildBody_Options(t *testing.T) {
	body := BuildBody(
		[]maestro.ChatMessage{maestro.UserMessage("hi")},
		"m",
		WithTemperature(0.2),
		WithTopP(0.9),
		WithMaxTokens(512),
		WithStop("\n\n"),
		WithSeed(42),
	)

	if body.Temperature == nil || *body.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", body.Temperature)
	}
	if body.TopP == nil || *body.TopP != 0.9 {
		t.Errorf("TopP = %v, want 0.9", body.TopP)
	}
	if body.MaxTokens != 512 {
		t.Errorf("MaxTokens = %d, want 512", body.MaxTokens)
	}
	if len(body.Stop) != 1 || body.Stop[0] != "\n\n" {
		t.Errorf("Stop = %v", body.Stop)
	}
	if body.Seed == nil || *body.Seed != 42 {
		t.Errorf("Seed = %v, want 42", body.Seed)
	}
}

func TestBuildBody_OmitsUnsetFields(t *testing.T) {
	body := BuildBody([]maestro.ChatMessage{maestro.UserMessage("hi")}, "m")

	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	s := string(raw)
	for _, field := range []string{"temperature", "top_p", "max_tokens", "stop", "seed", "stream_options", `"stream"`} {
		if strings.Contains(s, field) {
			t.Errorf("marshaled body should omit %s, got %s", field, s)
		}
	}
}

func TestBuildBody_PenaltyOptions(t *testing.T) {
	body := BuildBody(
		[]maestro.ChatMessage{maestro.UserMessage("hi")},
		"m",
		WithFrequencyPenalty(0.5),
		WithPresencePenalty(-0.5),
	)

	if body.FrequencyPenalty == nil || *body.FrequencyPenalty != 0.5 {
		t.Errorf("FrequencyPenalty = %v, want 0.5", body.FrequencyPenalty)
	}
	if body.PresencePenalty == nil || *body.PresencePenalty != -0.5 {
		t.Errorf("PresencePenalty = %v, want -0.5", body.PresencePenalty)
	}
}

func TestBuildBody_EmptyMessages(t *testing.T) {
	body := BuildBody(nil, "m")
	if len(body.Messages) != 0 {
		t.Errorf("expected empty messages, got %d", len(body.Messages))
	}
}
