package maestro

import (
	"context"
	"sync"
	"time"
)

// budgetWindow is a minute-long sliding window of weighted events, the
// accounting unit behind both the request and the token budget.
type budgetWindow struct {
	limit  int
	events []budgetEvent
}

type budgetEvent struct {
	at     time.Time
	weight int
}

func (w *budgetWindow) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	w.events = w.events[i:]
}

func (w *budgetWindow) spent() int {
	total := 0
	for _, e := range w.events {
		total += e.weight
	}
	return total
}

// open reports whether another event fits. A zero limit disables the
// window entirely.
func (w *budgetWindow) open() bool {
	return w.limit <= 0 || w.spent() < w.limit
}

func (w *budgetWindow) add(at time.Time, weight int) {
	if w.limit > 0 && weight > 0 {
		w.events = append(w.events, budgetEvent{at: at, weight: weight})
	}
}

// freesAt returns when the oldest event leaves the window.
func (w *budgetWindow) freesAt() (time.Time, bool) {
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[0].at.Add(time.Minute), true
}

// rateLimitProvider holds requests at the door until the minute budgets
// allow them through. The fast family usually shares its host with other
// workloads, so pacing here is proactive; the router's 429 cooldowns only
// kick in after the backend already pushed back.
type rateLimitProvider struct {
	inner Provider

	mu       sync.Mutex
	requests budgetWindow // one event per admitted request
	tokens   budgetWindow // usage recorded after each response
}

// RateLimitOption configures a rate-limited provider.
type RateLimitOption func(*rateLimitProvider)

// RPM caps admitted requests per minute.
func RPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.requests.limit = n }
}

// TPM caps tokens per minute, input and output combined. Token counts come
// from ChatResponse.Usage after the fact, so this is a soft limit: the
// request that crosses the budget completes, and later requests wait for
// the window to slide.
func TPM(n int) RateLimitOption {
	return func(r *rateLimitProvider) { r.tokens.limit = n }
}

// WithRateLimit wraps p with proactive rate limiting. Compose freely with
// the other wrappers:
//
//	fast = maestro.WithRateLimit(provider, maestro.RPM(60))
//	fast = maestro.WithRateLimit(provider, maestro.RPM(60), maestro.TPM(100000))
//	fast = maestro.WithRateLimit(maestro.WithRetry(provider), maestro.RPM(60))
func WithRateLimit(p Provider, opts ...RateLimitOption) Provider {
	r := &rateLimitProvider{inner: p}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *rateLimitProvider) Name() string { return r.inner.Name() }

func (r *rateLimitProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		return ChatResponse{}, err
	}
	resp, err := r.inner.Chat(ctx, req)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

func (r *rateLimitProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	if err := r.admit(ctx); err != nil {
		close(ch)
		return ChatResponse{}, err
	}
	resp, err := r.inner.ChatStream(ctx, req, ch)
	if err == nil {
		r.recordUsage(resp.Usage)
	}
	return resp, err
}

// admit blocks until both budgets have room, then charges the request
// window. Returns ctx.Err() when the caller gives up first.
func (r *rateLimitProvider) admit(ctx context.Context) error {
	for {
		r.mu.Lock()
		now := time.Now()
		cutoff := now.Add(-time.Minute)
		r.requests.prune(cutoff)
		r.tokens.prune(cutoff)

		if r.requests.open() && r.tokens.open() {
			r.requests.add(now, 1)
			r.mu.Unlock()
			return nil
		}

		// Sleep until the oldest entry of a blocking window slides out.
		var wait time.Duration
		for _, w := range []*budgetWindow{&r.requests, &r.tokens} {
			if w.open() {
				continue
			}
			if at, ok := w.freesAt(); ok {
				d := at.Sub(now)
				if wait == 0 || d < wait {
					wait = d
				}
			}
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		r.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (r *rateLimitProvider) recordUsage(u Usage) {
	r.mu.Lock()
	r.tokens.add(time.Now(), u.InputTokens+u.OutputTokens)
	r.mu.Unlock()
}

var _ Provider = (*rateLimitProvider)(nil)
