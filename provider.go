package maestro

import "context"

// Provider abstracts one LLM backend family endpoint.
type Provider interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
	// ChatStream streams events into ch, then returns the final response
	// with usage stats. Implementations close ch before returning.
	ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error)
	// Name returns the provider name (e.g. "ollama", "mlx").
	Name() string
}

// ModelLister is an optional Provider capability for live model discovery.
// Providers backed by servers with a list-models endpoint implement this;
// the catalog discovers it via type assertion and refreshes from it.
type ModelLister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// EmbeddingProvider abstracts text embedding.
type EmbeddingProvider interface {
	// Embed returns embedding vectors for the given texts.
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	// Dimensions returns the embedding vector size.
	Dimensions() int
	// Name returns the provider name.
	Name() string
}
