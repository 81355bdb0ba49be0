package maestro

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"
)

// retryPolicy is shared by the chat and embedding retry wrappers. Local
// backends answer 503 while a model is still loading into memory and 429
// when their queue is full; both clear on their own, so a short backed-off
// retry against the same endpoint is cheaper than failing the family over.
// Every other error goes straight up to the router.
type retryPolicy struct {
	maxAttempts int
	baseDelay   time.Duration
	timeout     time.Duration // wall budget across all attempts; 0 = unbounded
	logger      *slog.Logger
}

// RetryOption configures the retry wrappers.
type RetryOption func(*retryPolicy)

// RetryMaxAttempts sets the attempt ceiling (default 3).
func RetryMaxAttempts(n int) RetryOption {
	return func(p *retryPolicy) { p.maxAttempts = n }
}

// RetryBaseDelay sets the delay before the second attempt (default 1s).
// Later delays double: base, 2×base, 4×base, …
func RetryBaseDelay(d time.Duration) RetryOption {
	return func(p *retryPolicy) { p.baseDelay = d }
}

// RetryTimeout bounds the whole retry sequence. Once the budget is spent
// the loop gives up instead of sleeping again. The zero value (default)
// disables the bound.
func RetryTimeout(d time.Duration) RetryOption {
	return func(p *retryPolicy) { p.timeout = d }
}

// RetryLogger sets the structured logger. Retries log at WARN and
// exhaustion at ERROR; without a logger nothing is printed.
func RetryLogger(l *slog.Logger) RetryOption {
	return func(p *retryPolicy) { p.logger = l }
}

func newRetryPolicy(opts []RetryOption) retryPolicy {
	p := retryPolicy{maxAttempts: 3, baseDelay: time.Second, logger: nopLogger}
	for _, opt := range opts {
		opt(&p)
	}
	if p.logger == nil {
		p.logger = nopLogger
	}
	return p
}

// transient reports whether the backend asked to be called again: 429 or
// 503 on the wire.
func (p retryPolicy) transient(err error) bool {
	var he *ErrHTTP
	return errors.As(err, &he) && (he.Status == 429 || he.Status == 503)
}

// delay picks the sleep before attempt i+2: exponential backoff with up to
// 50% jitter, floored by the server's Retry-After when it sent one.
func (p retryPolicy) delay(i int, err error) time.Duration {
	d := p.baseDelay * (1 << i)
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	var he *ErrHTTP
	if errors.As(err, &he) && he.RetryAfter > d {
		return he.RetryAfter
	}
	return d
}

// bound applies the policy timeout unless the caller's context already
// expires sooner. The returned cancel must always be called.
func (p retryPolicy) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	deadline := time.Now().Add(p.timeout)
	if cur, ok := ctx.Deadline(); ok && cur.Before(deadline) {
		return ctx, func() {}
	}
	return context.WithDeadline(ctx, deadline)
}

// sleep waits out a backoff, bailing early when ctx ends.
func (p retryPolicy) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func httpStatus(err error) int {
	var he *ErrHTTP
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

// runWithRetry drives fn under the policy. Non-transient errors and
// successes return immediately; transient ones burn an attempt and sleep.
func runWithRetry[T any](ctx context.Context, p retryPolicy, name string, fn func() (T, error)) (T, error) {
	var zero T
	var last error
	for i := 0; i < p.maxAttempts; i++ {
		out, err := fn()
		if err == nil || !p.transient(err) {
			return out, err
		}
		last = err
		p.logger.Warn("transient backend error, retrying",
			"provider", name,
			"status", httpStatus(err),
			"attempt", i+1,
			"max_attempts", p.maxAttempts)
		if i < p.maxAttempts-1 {
			if serr := p.sleep(ctx, p.delay(i, last)); serr != nil {
				return zero, serr
			}
		}
	}
	p.logger.Error("retry budget exhausted",
		"provider", name,
		"attempts", p.maxAttempts,
		"error", last)
	return zero, last
}

// retryProvider retries transient chat failures against the same endpoint.
type retryProvider struct {
	inner  Provider
	policy retryPolicy
}

// WithRetry wraps p so transient HTTP errors (429, 503) are retried with
// exponential backoff and jitter. A Retry-After duration parsed from the
// response sets the minimum wait. Compose with any Provider:
//
//	fast = maestro.WithRetry(openaicompat.New("", model, ollamaURL))
//	fast = maestro.WithRetry(fast, maestro.RetryMaxAttempts(5))
func WithRetry(p Provider, opts ...RetryOption) Provider {
	return &retryProvider{inner: p, policy: newRetryPolicy(opts)}
}

func (r *retryProvider) Name() string { return r.inner.Name() }

func (r *retryProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	ctx, cancel := r.policy.bound(ctx)
	defer cancel()
	return runWithRetry(ctx, r.policy, r.inner.Name(), func() (ChatResponse, error) {
		return r.inner.Chat(ctx, req)
	})
}

// ChatStream retries only while nothing has been relayed to the caller:
// once a delta is out, a retry would duplicate already-delivered content.
// ch is always closed before returning.
func (r *retryProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	ctx, cancel := r.policy.bound(ctx)
	defer cancel()
	defer close(ch)

	var last error
	for i := 0; i < r.policy.maxAttempts; i++ {
		resp, relayed, err := r.streamOnce(ctx, req, ch)
		if err == nil || !r.policy.transient(err) || relayed {
			return resp, err
		}
		last = err
		r.policy.logger.Warn("transient backend error, retrying stream",
			"provider", r.inner.Name(),
			"status", httpStatus(err),
			"attempt", i+1,
			"max_attempts", r.policy.maxAttempts)
		if i < r.policy.maxAttempts-1 {
			if serr := r.policy.sleep(ctx, r.policy.delay(i, last)); serr != nil {
				return ChatResponse{}, serr
			}
		}
	}
	r.policy.logger.Error("retry budget exhausted (stream)",
		"provider", r.inner.Name(),
		"attempts", r.policy.maxAttempts,
		"error", last)
	return ChatResponse{}, last
}

// streamOnce runs one streaming attempt through a relay channel and
// reports whether any event reached the caller.
func (r *retryProvider) streamOnce(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, bool, error) {
	mid := make(chan StreamEvent, 64)
	var (
		resp ChatResponse
		err  error
	)
	done := make(chan struct{})
	go func() {
		defer close(done)
		resp, err = r.inner.ChatStream(ctx, req, mid)
	}()

	relayed := false
	for ev := range mid {
		relayed = true
		ch <- ev
	}
	<-done
	return resp, relayed, err
}

// retryEmbedding applies the same policy to an EmbeddingProvider. The
// knowledge pipeline embeds in batches, so one 503 during a model load
// would otherwise fail a whole ingest chunk.
type retryEmbedding struct {
	inner  EmbeddingProvider
	policy retryPolicy
}

// WithEmbeddingRetry wraps p so transient embedding failures (429, 503)
// are retried like chat calls. Accepts the same RetryOption set:
//
//	emb = maestro.WithEmbeddingRetry(openaicompat.NewEmbedding(ollamaURL, model, dim))
func WithEmbeddingRetry(p EmbeddingProvider, opts ...RetryOption) EmbeddingProvider {
	return &retryEmbedding{inner: p, policy: newRetryPolicy(opts)}
}

func (r *retryEmbedding) Name() string    { return r.inner.Name() }
func (r *retryEmbedding) Dimensions() int { return r.inner.Dimensions() }

func (r *retryEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	ctx, cancel := r.policy.bound(ctx)
	defer cancel()
	return runWithRetry(ctx, r.policy, r.inner.Name(), func() ([][]float32, error) {
		return r.inner.Embed(ctx, texts)
	})
}

var (
	_ Provider          = (*retryProvider)(nil)
	_ EmbeddingProvider = (*retryEmbedding)(nil)
)
