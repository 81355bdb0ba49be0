package maestro

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrLLMError(t *testing.T) {
	tests := []struct {
		provider string
		message  string
		want     string
	}{
		{"ollama", "rate limited", "ollama: rate limited"},
		{"mlx", "malformed response", "mlx: malformed response"},
	}
	for _, tt := range tests {
		e := &ErrLLM{Provider: tt.provider, Message: tt.message}
		if got := e.Error(); got != tt.want {
			t.Errorf("ErrLLM{%q, %q}.Error() = %q, want %q", tt.provider, tt.message, got, tt.want)
		}
	}
}

func TestErrHTTPError(t *testing.T) {
	e := &ErrHTTP{Status: 429, Body: "too many requests"}
	if got, want := e.Error(), "http 429: too many requests"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestErrRouteUnwrap(t *testing.T) {
	cause := &ErrHTTP{Status: 503, Body: "busy"}
	e := &ErrRoute{Kind: RouteUnavailable, Family: FamilyMLX, Model: "qwen3:32b", Err: cause}

	var httpErr *ErrHTTP
	if !errors.As(e, &httpErr) {
		t.Fatal("ErrRoute should unwrap to ErrHTTP")
	}
	if httpErr.Status != 503 {
		t.Errorf("unwrapped status = %d, want 503", httpErr.Status)
	}
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want FailKind
	}{
		{"nil", nil, FailOther},
		{"echo", &ErrEcho{Model: "qwen2.5:7b"}, FailEcho},
		{"route timeout", &ErrRoute{Kind: RouteTimeout}, FailTimeout},
		{"route echo", &ErrRoute{Kind: RouteEcho}, FailEcho},
		{"route rate limited", &ErrRoute{Kind: RouteRateLimited}, FailConnection},
		{"route unavailable", &ErrRoute{Kind: RouteUnavailable}, FailConnection},
		{"route transport oom", &ErrRoute{Kind: RouteTransport, Err: errors.New("Metal allocator ran out of memory")}, FailOOM},
		{"deadline", context.DeadlineExceeded, FailTimeout},
		{"wrapped deadline", fmt.Errorf("call: %w", context.DeadlineExceeded), FailTimeout},
		{"http oom body", &ErrHTTP{Status: 500, Body: "insufficient memory for model"}, FailOOM},
		{"http plain", &ErrHTTP{Status: 502, Body: "bad gateway"}, FailConnection},
		{"text timeout", errors.New("request timeout exceeded"), FailTimeout},
		{"text refused", errors.New("dial tcp: connection refused"), FailConnection},
		{"text eof", errors.New("unexpected EOF"), FailConnection},
		{"opaque", errors.New("что-то пошло не так"), FailOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeError(tt.err); got != tt.want {
				t.Errorf("NormalizeError(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"120", 120 * time.Second},
		{" 5 ", 5 * time.Second},
		{"-3", 0},
		{"мусор", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseRetryAfterHTTPDate(t *testing.T) {
	future := time.Now().Add(90 * time.Second).UTC().Format(time.RFC1123)
	got := ParseRetryAfter(future)
	if got < 80*time.Second || got > 90*time.Second {
		t.Errorf("ParseRetryAfter(http-date) = %v, want about 90s", got)
	}

	past := time.Now().Add(-time.Minute).UTC().Format(time.RFC1123)
	if got := ParseRetryAfter(past); got != 0 {
		t.Errorf("ParseRetryAfter(past date) = %v, want 0", got)
	}
}

func TestErrOverloadedMessage(t *testing.T) {
	e := &ErrOverloaded{RetryAfter: 2 * time.Second}
	if got, want := e.Error(), "overloaded, retry after 2s"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
