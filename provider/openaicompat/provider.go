package openaicompat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	maestro "github.com/nevindra/maestro"
)

// Provider implements maestro.Provider for any OpenAI-compatible API.
// It uses the shared helpers in this package (BuildBody, StreamSSE,
// ParseResponse) to handle body building, streaming, and response parsing.
//
// Works with Ollama, LM Studio, vLLM, MLX-based servers, and any hosted
// endpoint that implements the OpenAI chat completions API. The request's
// Model field overrides the provider's default model, which is how the
// dispatcher targets specific models on one server.
type Provider struct {
	apiKey  string
	model   string
	baseURL string
	client  *http.Client
	name    string
	opts    []Option
}

// New creates an OpenAI-compatible chat provider.
//
// baseURL is the API base (e.g. "http://localhost:11434/v1",
// "http://localhost:8080/v1"). The /chat/completions path is appended
// automatically. model is the default used when a request names none.
// Local servers usually take an empty apiKey.
func New(apiKey, model, baseURL string, opts ...ProviderOption) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   model,
		baseURL: baseURL,
		client:  &http.Client{},
		name:    "openai",
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider name (default "openai", configurable via WithName).
func (p *Provider) Name() string { return p.name }

func (p *Provider) modelFor(req maestro.ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	return p.model
}

func (p *Provider) requestOpts(req maestro.ChatRequest) []Option {
	if req.MaxTokens <= 0 {
		return p.opts
	}
	opts := make([]Option, len(p.opts), len(p.opts)+1)
	copy(opts, p.opts)
	return append(opts, WithMaxTokens(req.MaxTokens))
}

// Chat sends a non-streaming chat request and returns the complete response.
func (p *Provider) Chat(ctx context.Context, req maestro.ChatRequest) (maestro.ChatResponse, error) {
	body := BuildBody(req.Messages, p.modelFor(req), p.requestOpts(req)...)
	return p.doRequest(ctx, body)
}

// ChatStream streams text-delta events into ch, then returns the final accumulated response.
// The channel is closed when streaming completes (via StreamSSE) or on error.
func (p *Provider) ChatStream(ctx context.Context, req maestro.ChatRequest, ch chan<- maestro.StreamEvent) (maestro.ChatResponse, error) {
	body := BuildBody(req.Messages, p.modelFor(req), p.requestOpts(req)...)
	body.Stream = true
	body.StreamOptions = &StreamOptions{IncludeUsage: true}

	resp, err := p.sendHTTP(ctx, "/chat/completions", body)
	if err != nil {
		close(ch)
		return maestro.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		close(ch)
		return maestro.ChatResponse{}, p.httpErr(resp)
	}

	// StreamSSE closes ch when done.
	out, err := StreamSSE(ctx, resp.Body, ch)
	if err == nil && out.Model == "" {
		out.Model = body.Model
	}
	return out, err
}

// ListModels returns the IDs served by the endpoint's GET /models.
func (p *Provider) ListModels(ctx context.Context) ([]string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/models", nil)
	if err != nil {
		return nil, &maestro.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, p.httpErr(resp)
	}

	var list ModelList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &maestro.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode models: %v", err)}
	}
	out := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		if m.ID != "" {
			out = append(out, m.ID)
		}
	}
	return out, nil
}

// doRequest sends a non-streaming request and parses the response.
func (p *Provider) doRequest(ctx context.Context, body ChatRequest) (maestro.ChatResponse, error) {
	resp, err := p.sendHTTP(ctx, "/chat/completions", body)
	if err != nil {
		return maestro.ChatResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return maestro.ChatResponse{}, p.httpErr(resp)
	}

	var chatResp ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return maestro.ChatResponse{}, &maestro.ErrLLM{Provider: p.name, Message: fmt.Sprintf("decode response: %v", err)}
	}

	return ParseResponse(chatResp)
}

// sendHTTP marshals the request body and posts it to the endpoint path.
func (p *Provider) sendHTTP(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &maestro.ErrLLM{Provider: p.name, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, &maestro.ErrLLM{Provider: p.name, Message: fmt.Sprintf("create request: %v", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	return p.client.Do(httpReq)
}

// httpErr reads the response body and returns an ErrHTTP for retry middleware.
// Parses the Retry-After header when present (429/503 responses).
func (p *Provider) httpErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &maestro.ErrHTTP{
		Status:     resp.StatusCode,
		Body:       string(body),
		RetryAfter: maestro.ParseRetryAfter(resp.Header.Get("Retry-After")),
	}
}

// Compile-time interface checks.
var (
	_ maestro.Provider    = (*Provider)(nil)
	_ maestro.ModelLister = (*Provider)(nil)
)
