package resolve

import (
	"testing"
)

func TestDefaultBaseURL(t *testing.T) {
	tests := []struct {
		provider string
		want     string
	}{
		{"ollama", "http://localhost:11434/v1"},
		{"mlx", "http://localhost:8080/v1"},
		{"lmstudio", "http://localhost:1234/v1"},
		{"vllm", "http://localhost:8000/v1"},
		{"openai", "https://api.openai.com/v1"},
		{"unknown", ""},
	}
	for _, tt := range tests {
		if got := defaultBaseURL(tt.provider); got != tt.want {
			t.Errorf("defaultBaseURL(%q) = %q, want %q", tt.provider, got, tt.want)
		}
	}
}

func TestProvider_Ollama(t *testing.T) {
	p, err := Provider(Config{
		Provider: "ollama",
		Model:    "qwen2.5:7b",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("provider is nil")
	}
	if p.Name() != "ollama" {
		t.Errorf("Name() = %q, want %q", p.Name(), "ollama")
	}
}

func TestProvider_WithOptions(t *testing.T) {
	temp := 0.2
	topP := 0.9
	p, err := Provider(Config{
		Provider:    "mlx",
		Model:       "mlx-community/Qwen2.5-32B",
		BaseURL:     "http://localhost:9090/v1",
		Temperature: &temp,
		TopP:        &topP,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Name() != "mlx" {
		t.Errorf("Name() = %q, want %q", p.Name(), "mlx")
	}
}

func TestProvider_Unknown(t *testing.T) {
	_, err := Provider(Config{Provider: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestEmbeddingProvider(t *testing.T) {
	e, err := EmbeddingProvider(EmbeddingConfig{
		Provider:   "ollama",
		Model:      "nomic-embed-text",
		Dimensions: 768,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Dimensions() != 768 {
		t.Errorf("Dimensions() = %d, want 768", e.Dimensions())
	}
	if e.Name() != "ollama" {
		t.Errorf("Name() = %q, want %q", e.Name(), "ollama")
	}
}

func TestEmbeddingProvider_MissingBaseURL(t *testing.T) {
	_, err := EmbeddingProvider(EmbeddingConfig{
		Provider:   "carrier-pigeon",
		Model:      "m",
		Dimensions: 768,
	})
	if err == nil {
		t.Fatal("expected error when no base URL can be derived")
	}
}

func TestEmbeddingProvider_MissingDimensions(t *testing.T) {
	_, err := EmbeddingProvider(EmbeddingConfig{
		Provider: "ollama",
		Model:    "nomic-embed-text",
	})
	if err == nil {
		t.Fatal("expected error when dimensions are unset")
	}
}
