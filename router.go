package maestro

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// GenRequest is one generation request routed across the backend families.
type GenRequest struct {
	Prompt string
	System string
	// History holds prior conversation turns inserted between the system
	// prompt and the final user message.
	History []ChatMessage
	// Category steers the default family and model choice.
	Category Category
	// PreferredFamily, when set, is tried first unless cooling down or
	// overloaded.
	PreferredFamily Family
	// PreferredModel is honored when the chosen family currently serves it.
	PreferredModel string
	MaxTokens      int
	// Timeout is the overall wall-clock budget across all attempts.
	// Zero means the router default.
	Timeout time.Duration
}

// GenResult is a successful generation.
type GenResult struct {
	Text   string
	Model  string
	Family Family
	Usage  Usage
}

// familyState tracks one backend family's concurrency.
type familyState struct {
	family   Family
	provider Provider
	sem      chan struct{}
	active   atomic.Int32
	waiting  atomic.Int32
}

func (s *familyState) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		s.active.Add(1)
		return nil
	default:
	}
	s.waiting.Add(1)
	defer s.waiting.Add(-1)
	select {
	case s.sem <- struct{}{}:
		s.active.Add(1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *familyState) release() {
	s.active.Add(-1)
	<-s.sem
}

type cooldownKey struct {
	family Family
	cat    Category
}

// Router dispatches generation requests across the two backend families,
// picking family and model per category, enforcing per-family concurrency,
// and failing over on rate limits, transport errors, timeouts, and echo
// responses. Embedding requests delegate to the attached Embedder.
type Router struct {
	families map[Family]*familyState
	catalog  *ModelCatalog
	embedder *Embedder
	timings  TimingTable

	defaultTimeout time.Duration
	cooldownFor    time.Duration
	maxWaiting     int32

	mu        sync.Mutex
	cooldowns map[cooldownKey]time.Time

	logger  *slog.Logger
	metrics *Metrics
	tracer  Tracer
	now     func() time.Time
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithRouterLogger sets the structured logger.
func WithRouterLogger(l *slog.Logger) RouterOption {
	return func(r *Router) { r.logger = l }
}

// WithRouterMetrics sets the metrics sink.
func WithRouterMetrics(m *Metrics) RouterOption {
	return func(r *Router) { r.metrics = m }
}

// WithRouterTracer sets the tracer for generation spans.
func WithRouterTracer(t Tracer) RouterOption {
	return func(r *Router) { r.tracer = t }
}

// WithFamilyLimit sets the in-flight request ceiling for one family.
// Default: 4 per family.
func WithFamilyLimit(f Family, n int) RouterOption {
	return func(r *Router) {
		if state, ok := r.families[f]; ok && n > 0 {
			state.sem = make(chan struct{}, n)
		}
	}
}

// WithRouterEmbedder attaches the embedding path.
func WithRouterEmbedder(e *Embedder) RouterOption {
	return func(r *Router) { r.embedder = e }
}

// WithTimingTable sets per-model timeout envelopes. Models missing from the
// table fall back to the request or router default timeout.
func WithTimingTable(t TimingTable) RouterOption {
	return func(r *Router) { r.timings = t }
}

// WithRouterTimeout sets the default overall budget per request.
// Default: 300s.
func WithRouterTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.defaultTimeout = d
		}
	}
}

// WithRouterCooldown sets how long a (family, category) pair is deprioritized
// after a 429. Default: 60s.
func WithRouterCooldown(d time.Duration) RouterOption {
	return func(r *Router) {
		if d > 0 {
			r.cooldownFor = d
		}
	}
}

// NewRouter creates a Router over the fast and heavy family providers.
func NewRouter(fast, heavy Provider, catalog *ModelCatalog, opts ...RouterOption) *Router {
	r := &Router{
		families: map[Family]*familyState{
			FamilyOllama: {family: FamilyOllama, provider: fast, sem: make(chan struct{}, 4)},
			FamilyMLX:    {family: FamilyMLX, provider: heavy, sem: make(chan struct{}, 4)},
		},
		catalog:        catalog,
		timings:        TimingTable{},
		defaultTimeout: 300 * time.Second,
		cooldownFor:    60 * time.Second,
		maxWaiting:     3,
		cooldowns:      make(map[cooldownKey]time.Time),
		logger:         nopLogger,
		tracer:         NopTracer{},
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ActiveRequests returns the in-flight request count for a family.
func (r *Router) ActiveRequests(f Family) int {
	if s := r.families[f]; s != nil {
		return int(s.active.Load())
	}
	return 0
}

// OverloadedFamily reports whether a family is at its ceiling with a queue
// building behind it.
func (r *Router) OverloadedFamily(f Family) bool {
	s := r.families[f]
	if s == nil {
		return true
	}
	return int(s.active.Load()) >= cap(s.sem) || s.waiting.Load() > r.maxWaiting
}

// FamilyReady reports whether a family currently serves at least one model.
func (r *Router) FamilyReady(f Family) bool {
	return len(r.catalog.Models(f)) > 0
}

func (r *Router) coolingDown(f Family, cat Category) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	until, ok := r.cooldowns[cooldownKey{f, cat}]
	if !ok {
		return false
	}
	if r.now().After(until) {
		delete(r.cooldowns, cooldownKey{f, cat})
		return false
	}
	return true
}

func (r *Router) setCooldown(f Family, cat Category) {
	r.mu.Lock()
	r.cooldowns[cooldownKey{f, cat}] = r.now().Add(r.cooldownFor)
	r.mu.Unlock()
}

// defaultFamilyFor maps categories onto the family best suited for them:
// code and decomposition work goes heavy, conversational work goes fast.
func defaultFamilyFor(cat Category) Family {
	switch cat {
	case CategoryCoding, CategoryMultiStep, CategoryInvestigate, CategoryExecution:
		return FamilyMLX
	default:
		return FamilyOllama
	}
}

// pickOrder decides the attempt order. The preferred family leads unless it
// is cooling down after a rate limit or overloaded, in which case the other
// family gets the first try.
func (r *Router) pickOrder(cat Category, pref Family) [2]Family {
	primary := pref
	if primary != FamilyOllama && primary != FamilyMLX {
		primary = defaultFamilyFor(cat)
	}
	if r.coolingDown(primary, cat) || r.OverloadedFamily(primary) {
		primary = primary.Other()
	}
	return [2]Family{primary, primary.Other()}
}

func (r *Router) modelFor(f Family, req GenRequest) string {
	if req.PreferredModel != "" && r.catalog.Has(f, req.PreferredModel) {
		return req.PreferredModel
	}
	return r.catalog.PickModel(f, req.Category)
}

// Generate routes one request, trying at most two families. The returned
// error is an *ErrRoute once all attempts are exhausted.
func (r *Router) Generate(ctx context.Context, req GenRequest) (GenResult, error) {
	return r.generate(ctx, req, nil)
}

// GenerateStream is Generate with text deltas forwarded to ch as they
// arrive. Failover happens only while no delta has been sent; once tokens
// are out, the stream is committed to its family. The router never closes
// ch.
func (r *Router) GenerateStream(ctx context.Context, req GenRequest, ch chan<- StreamEvent) (GenResult, error) {
	return r.generate(ctx, req, ch)
}

var errNoModel = errors.New("maestro: no model available")

func (r *Router) generate(ctx context.Context, req GenRequest, ch chan<- StreamEvent) (GenResult, error) {
	if req.Timeout <= 0 {
		req.Timeout = r.defaultTimeout
	}
	overall := r.now().Add(req.Timeout)
	order := r.pickOrder(req.Category, req.PreferredFamily)

	ctx, span := r.tracer.Start(ctx, "router.generate",
		StringAttr("category", string(req.Category)),
		StringAttr("family.first", string(order[0])))
	defer span.End()

	var (
		lastErr   error
		lastKind  = RouteUnavailable
		lastFam   Family
		lastModel string
		streamed  bool
	)
	for i, fam := range order {
		state := r.families[fam]
		if state == nil || state.provider == nil {
			continue
		}
		model := r.modelFor(fam, req)
		if model == "" {
			lastErr, lastKind, lastFam = errNoModel, RouteUnavailable, fam
			continue
		}

		res, sent, err := r.attempt(ctx, state, model, req, overall, ch)
		streamed = streamed || sent
		if err == nil {
			span.SetAttr(StringAttr("model", model), StringAttr("family", string(fam)))
			return res, nil
		}
		lastErr, lastFam, lastModel = err, fam, model

		kind, failover := r.classify(err, fam, req.Category)
		lastKind = kind
		if streamed || !failover || i == len(order)-1 {
			break
		}
		r.metrics.Failover(fam, string(kind))
		r.logger.Warn("failing over to other family",
			"from", string(fam), "model", model, "reason", string(kind))
	}

	routeErr := &ErrRoute{Kind: lastKind, Family: lastFam, Model: lastModel, Err: lastErr}
	span.Error(routeErr)
	return GenResult{}, routeErr
}

// classify maps an attempt error to its route kind and decides whether the
// other family gets a try. Rate limits also start the (family, category)
// cooldown. Timeouts fail over only from the heavy family: if the fast
// family could not answer in budget, the heavy one will not either.
func (r *Router) classify(err error, fam Family, cat Category) (RouteErrorKind, bool) {
	var httpErr *ErrHTTP
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.Status == 429:
			r.setCooldown(fam, cat)
			r.metrics.RateLimitHit(fam)
			return RouteRateLimited, true
		case httpErr.Status >= 500:
			return RouteTransport, true
		default:
			return RouteTransport, false
		}
	}

	var echoErr *ErrEcho
	if errors.As(err, &echoErr) {
		return RouteEcho, true
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return RouteTimeout, fam == FamilyMLX
	}
	if errors.Is(err, context.Canceled) {
		return RouteTimeout, false
	}
	if errors.Is(err, errNoModel) {
		return RouteUnavailable, true
	}
	return RouteTransport, true
}

// attempt runs one generation on one family. The per-attempt deadline is the
// model's timing budget clipped to the remaining overall budget, so failover
// never doubles the caller's wall-clock cost.
func (r *Router) attempt(ctx context.Context, state *familyState, model string, req GenRequest, overall time.Time, ch chan<- StreamEvent) (GenResult, bool, error) {
	budget := r.timings.Budget(model, req.MaxTokens, req.Timeout)
	if remaining := overall.Sub(r.now()); budget > remaining {
		budget = remaining
	}
	if budget <= 0 {
		return GenResult{}, false, context.DeadlineExceeded
	}
	actx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	if err := state.acquire(actx); err != nil {
		return GenResult{}, false, err
	}
	defer func() {
		state.release()
		r.metrics.SetFamilyActive(state.family, int(state.active.Load()))
	}()
	r.metrics.SetFamilyActive(state.family, int(state.active.Load()))

	msgs := make([]ChatMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, SystemMessage(req.System))
	}
	msgs = append(msgs, req.History...)
	msgs = append(msgs, UserMessage(req.Prompt))
	creq := ChatRequest{Model: model, Messages: msgs, MaxTokens: req.MaxTokens}

	start := r.now()
	var (
		resp ChatResponse
		err  error
		sent atomic.Bool
	)
	if ch != nil {
		mid := make(chan StreamEvent, 16)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range mid {
				if ev.Type == EventTextDelta && ev.Content != "" {
					sent.Store(true)
				}
				select {
				case ch <- ev:
				case <-ctx.Done():
					// Keep draining so the provider can finish.
				}
			}
		}()
		resp, err = state.provider.ChatStream(actx, creq, mid)
		<-done
	} else {
		resp, err = state.provider.Chat(actx, creq)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	r.metrics.LLMRequest(state.family, model, status)
	r.metrics.ObserveStage("llm", time.Since(start).Seconds())

	if err != nil {
		return GenResult{}, sent.Load(), err
	}
	if isEcho(req.Prompt, resp.Content) {
		return GenResult{}, sent.Load(), &ErrEcho{Model: model}
	}
	return GenResult{
		Text:   resp.Content,
		Model:  model,
		Family: state.family,
		Usage:  resp.Usage,
	}, sent.Load(), nil
}

// isEcho reports whether the output just parrots the prompt. Exact match
// after trimming always counts; short outputs also count when either string
// prefixes the other.
func isEcho(prompt, output string) bool {
	p := strings.TrimSpace(prompt)
	o := strings.TrimSpace(output)
	if p == "" || o == "" {
		return false
	}
	if o == p {
		return true
	}
	if len(o) < 200 && (strings.HasPrefix(p, o) || strings.HasPrefix(o, p)) {
		return true
	}
	return false
}

// Embed returns the cached embedding for text. The router must have been
// built with WithRouterEmbedder.
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("maestro: router has no embedding provider")
	}
	return r.embedder.Embed(ctx, text)
}

// EmbedBatch embeds several texts in one provider call.
func (r *Router) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if r.embedder == nil {
		return nil, errors.New("maestro: router has no embedding provider")
	}
	return r.embedder.EmbedBatch(ctx, texts)
}

// Dimensions returns the embedding vector size, or 0 without an embedder.
func (r *Router) Dimensions() int {
	if r.embedder == nil {
		return 0
	}
	return r.embedder.Dimensions()
}
