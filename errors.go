package maestro

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrTaskNotFound is returned by task lookups for unknown IDs. The HTTP
// layer renders it as 404.
var ErrTaskNotFound = errors.New("task not found")

// ErrLLM reports a backend failure that is not an HTTP status error
// (marshal failures, malformed responses, connection refusals).
type ErrLLM struct {
	Provider string
	Message  string
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// ErrHTTP reports a non-200 response from a backend. RetryAfter carries the
// parsed Retry-After header when the server sent one (429/503 responses).
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrEcho reports a model response indistinguishable from the prompt:
// the model parroted its input instead of answering.
type ErrEcho struct {
	Model string
}

func (e *ErrEcho) Error() string {
	return fmt.Sprintf("echo response from %s", e.Model)
}

// ErrDimensionMismatch reports an embedding whose length differs from the
// configured dimension. Mismatched vectors are rejected at write sites,
// never silently truncated.
type ErrDimensionMismatch struct {
	Want int
	Got  int
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: want %d, got %d", e.Want, e.Got)
}

// ErrOverloaded is returned when the synchronous request budget is
// exhausted. The HTTP layer renders it as 503 with a Retry-After hint.
type ErrOverloaded struct {
	RetryAfter time.Duration
}

func (e *ErrOverloaded) Error() string {
	return fmt.Sprintf("overloaded, retry after %s", e.RetryAfter)
}

// ErrConfig reports a deterministic caller mistake (unknown expert name,
// malformed seed entry). Never retried.
type ErrConfig struct {
	Field  string
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// RouteErrorKind classifies a Router failure after failover is exhausted.
type RouteErrorKind string

const (
	RouteRateLimited RouteErrorKind = "rate_limited"
	RouteTransport   RouteErrorKind = "transport"
	RouteTimeout     RouteErrorKind = "timeout"
	RouteUnavailable RouteErrorKind = "unavailable"
	RouteEcho        RouteErrorKind = "echo"
)

// ErrRoute is the typed error the Router surfaces when both backend
// families have been tried and failed. Err holds the last underlying cause.
type ErrRoute struct {
	Kind   RouteErrorKind
	Family Family
	Model  string
	Err    error
}

func (e *ErrRoute) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("route %s (%s/%s): %v", e.Kind, e.Family, e.Model, e.Err)
	}
	return fmt.Sprintf("route %s (%s/%s)", e.Kind, e.Family, e.Model)
}

func (e *ErrRoute) Unwrap() error { return e.Err }

// FailKind is the normalized failure vocabulary persisted in task metadata
// as last_error. Every execution failure maps into exactly one kind.
type FailKind string

const (
	FailTimeout    FailKind = "timeout"
	FailEmptyShort FailKind = "empty_or_short_response"
	FailValidation FailKind = "validation_failed"
	FailConnection FailKind = "connection_error"
	FailOOM        FailKind = "oom_or_metal"
	FailEcho       FailKind = "echo"
	FailOther      FailKind = "other"
)

// NormalizeError maps any execution error to a FailKind for task metadata.
// Classification checks the most specific shape first: typed route/echo
// errors, then context deadlines, then HTTP status classes, then message
// sniffing for out-of-memory conditions reported as plain text by local
// inference servers.
func NormalizeError(err error) FailKind {
	if err == nil {
		return FailOther
	}

	var echoErr *ErrEcho
	if errors.As(err, &echoErr) {
		return FailEcho
	}

	var routeErr *ErrRoute
	if errors.As(err, &routeErr) {
		switch routeErr.Kind {
		case RouteTimeout:
			return FailTimeout
		case RouteEcho:
			return FailEcho
		case RouteRateLimited, RouteUnavailable:
			return FailConnection
		case RouteTransport:
			if isOOMText(routeErr.Error()) {
				return FailOOM
			}
			return FailConnection
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return FailTimeout
	}

	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		if isOOMText(httpErr.Body) {
			return FailOOM
		}
		return FailConnection
	}

	msg := err.Error()
	switch {
	case isOOMText(msg):
		return FailOOM
	case strings.Contains(msg, "timeout"), strings.Contains(msg, "deadline"):
		return FailTimeout
	case strings.Contains(msg, "connection"), strings.Contains(msg, "refused"), strings.Contains(msg, "EOF"):
		return FailConnection
	default:
		return FailOther
	}
}

// isOOMText sniffs backend error text for out-of-memory and Metal allocator
// failures, which MLX-style servers report as 500s with a prose body.
func isOOMText(s string) bool {
	low := strings.ToLower(s)
	return strings.Contains(low, "out of memory") ||
		strings.Contains(low, "oom") ||
		strings.Contains(low, "metal") ||
		strings.Contains(low, "insufficient memory")
}

// ParseRetryAfter parses a Retry-After header value into a duration.
// Accepts both delta-seconds ("120") and HTTP-date formats.
// Returns 0 for empty or unparseable values.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
