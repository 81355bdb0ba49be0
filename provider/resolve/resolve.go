// Package resolve creates providers from string-keyed configuration, so the
// composition root and config files never import concrete provider packages.
package resolve

import (
	"fmt"

	maestro "github.com/nevindra/maestro"
	"github.com/nevindra/maestro/provider/openaicompat"
)

// Config holds provider-agnostic configuration for creating a chat Provider.
type Config struct {
	Provider string // "ollama", "mlx", "lmstudio", "vllm", "openai"
	APIKey   string
	Model    string // default model when a request names none
	BaseURL  string // auto-filled for known providers when empty

	// Common cross-provider options (nil = use provider default).
	Temperature *float64
	TopP        *float64
}

// EmbeddingConfig holds provider-agnostic configuration for creating an
// EmbeddingProvider.
type EmbeddingConfig struct {
	Provider   string
	APIKey     string
	Model      string
	BaseURL    string
	Dimensions int
}

// Provider creates a maestro.Provider from a provider-agnostic Config.
// Every supported kind speaks the OpenAI chat completions protocol; the
// kind picks the default port and the name used in logs.
func Provider(cfg Config) (maestro.Provider, error) {
	switch cfg.Provider {
	case "ollama", "mlx", "lmstudio", "vllm", "openai":
		return openaiCompatProvider(cfg), nil
	default:
		return nil, fmt.Errorf("resolve: unknown provider %q", cfg.Provider)
	}
}

// EmbeddingProvider creates a maestro.EmbeddingProvider from a
// provider-agnostic EmbeddingConfig.
func EmbeddingProvider(cfg EmbeddingConfig) (maestro.EmbeddingProvider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: embedding provider %q needs a base URL", cfg.Provider)
	}
	if cfg.Dimensions <= 0 {
		return nil, fmt.Errorf("resolve: embedding provider %q needs dimensions", cfg.Provider)
	}
	return openaicompat.NewEmbedding(cfg.APIKey, cfg.Model, baseURL, cfg.Dimensions,
		openaicompat.WithEmbeddingName(cfg.Provider)), nil
}

func openaiCompatProvider(cfg Config) maestro.Provider {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	provOpts := []openaicompat.ProviderOption{openaicompat.WithName(cfg.Provider)}

	var reqOpts []openaicompat.Option
	if cfg.Temperature != nil {
		reqOpts = append(reqOpts, openaicompat.WithTemperature(*cfg.Temperature))
	}
	if cfg.TopP != nil {
		reqOpts = append(reqOpts, openaicompat.WithTopP(*cfg.TopP))
	}
	if len(reqOpts) > 0 {
		provOpts = append(provOpts, openaicompat.WithOptions(reqOpts...))
	}
	return openaicompat.New(cfg.APIKey, cfg.Model, baseURL, provOpts...)
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "ollama":
		return "http://localhost:11434/v1"
	case "mlx":
		return "http://localhost:8080/v1"
	case "lmstudio":
		return "http://localhost:1234/v1"
	case "vllm":
		return "http://localhost:8000/v1"
	case "openai":
		return "https://api.openai.com/v1"
	default:
		return ""
	}
}
