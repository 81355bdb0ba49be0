package maestro

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Snippet is one knowledge node shaped for prompt inclusion.
type Snippet struct {
	NodeID     string  `json:"node_id"`
	Content    string  `json:"content"`
	Similarity float64 `json:"similarity"`
	Domain     string  `json:"domain,omitempty"`
}

// ContextBlock is the assembled retrieval context for one goal: the prompt
// text plus the node provenance needed for usage accounting.
type ContextBlock struct {
	Text     string    `json:"text"`
	NodeIDs  []string  `json:"node_ids,omitempty"`
	Snippets []Snippet `json:"snippets,omitempty"`
	// FromCache marks blocks served from the context cache.
	FromCache bool `json:"-"`
}

// Empty reports whether retrieval found nothing usable.
func (b ContextBlock) Empty() bool { return len(b.Snippets) == 0 }

// Embedding is the single-text embedding capability the retriever needs.
// Satisfied by *Router and *Embedder.
type Embedding interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// StageTimings holds the last observed duration of each retrieval stage in
// milliseconds.
type StageTimings struct {
	EmbedMS   int64 `json:"embed_ms"`
	PrepareMS int64 `json:"prepare_ms"`
	PlanMS    int64 `json:"llm_plan_ms"`
}

// LatencySnapshot is the point-in-time view served on the status endpoint.
type LatencySnapshot struct {
	Last       StageTimings `json:"last"`
	SlowCount  int64        `json:"slow_count"`
	LastSlowAt int64        `json:"last_slow_at,omitempty"`
	Thresholds StageTimings `json:"thresholds_ms"`
}

// LatencyWatch tracks per-stage retrieval latency against slow thresholds.
// The conductor shares one watch with the retriever so planning latency
// lands in the same snapshot.
type LatencyWatch struct {
	mu         sync.Mutex
	last       StageTimings
	thresholds StageTimings
	slowCount  atomic.Int64
	lastSlowAt atomic.Int64

	now func() time.Time
}

// NewLatencyWatch creates a watch with the default slow thresholds:
// 800ms embedding, 1500ms preparation, 5000ms planning.
func NewLatencyWatch() *LatencyWatch {
	return &LatencyWatch{
		thresholds: StageTimings{EmbedMS: 800, PrepareMS: 1500, PlanMS: 5000},
		now:        time.Now,
	}
}

// SetThresholds overrides the slow thresholds; zero fields keep defaults.
func (w *LatencyWatch) SetThresholds(t StageTimings) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t.EmbedMS > 0 {
		w.thresholds.EmbedMS = t.EmbedMS
	}
	if t.PrepareMS > 0 {
		w.thresholds.PrepareMS = t.PrepareMS
	}
	if t.PlanMS > 0 {
		w.thresholds.PlanMS = t.PlanMS
	}
}

// RecordEmbed records an embedding stage duration.
func (w *LatencyWatch) RecordEmbed(ms int64) {
	w.record(func(t *StageTimings) { t.EmbedMS = ms }, w.thresholds.EmbedMS, ms)
}

// RecordPrepare records a search-and-shaping stage duration.
func (w *LatencyWatch) RecordPrepare(ms int64) {
	w.record(func(t *StageTimings) { t.PrepareMS = ms }, w.thresholds.PrepareMS, ms)
}

// RecordPlan records a planning LLM call duration.
func (w *LatencyWatch) RecordPlan(ms int64) {
	w.record(func(t *StageTimings) { t.PlanMS = ms }, w.thresholds.PlanMS, ms)
}

func (w *LatencyWatch) record(set func(*StageTimings), threshold, ms int64) {
	w.mu.Lock()
	set(&w.last)
	w.mu.Unlock()
	if threshold > 0 && ms > threshold {
		w.slowCount.Add(1)
		w.lastSlowAt.Store(w.now().Unix())
	}
}

// Snapshot returns the current latency view.
func (w *LatencyWatch) Snapshot() LatencySnapshot {
	w.mu.Lock()
	last, thresholds := w.last, w.thresholds
	w.mu.Unlock()
	return LatencySnapshot{
		Last:       last,
		SlowCount:  w.slowCount.Load(),
		LastSlowAt: w.lastSlowAt.Load(),
		Thresholds: thresholds,
	}
}

// Retriever assembles knowledge context for goals: vector search first,
// keyword search topping the result up to topK (and carrying the whole
// request when embedding is down), optional length-aware reranking, snippet
// shaping, and a TTL cache in front of it all.
type Retriever struct {
	store KnowledgeStore
	embed Embedding
	cache ContextCache

	topK          int
	simThreshold  float64
	snippetChars  int
	top1FullChars int
	rerank        bool
	cacheTTL      time.Duration

	watch   *LatencyWatch
	logger  *slog.Logger
	metrics *Metrics
	tracer  Tracer
}

// RetrieverOption configures a Retriever.
type RetrieverOption func(*Retriever)

// WithRetrieverCache sets the context cache backend. Default: in-memory.
func WithRetrieverCache(c ContextCache) RetrieverOption {
	return func(r *Retriever) { r.cache = c }
}

// WithRetrieverCacheTTL sets how long assembled context stays cached.
// Default: 120s.
func WithRetrieverCacheTTL(d time.Duration) RetrieverOption {
	return func(r *Retriever) {
		if d > 0 {
			r.cacheTTL = d
		}
	}
}

// WithTopK sets how many nodes a search returns. Default: 5.
func WithTopK(k int) RetrieverOption {
	return func(r *Retriever) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithSimilarityThreshold sets the minimum similarity for vector hits.
// Default: 0.6.
func WithSimilarityThreshold(t float64) RetrieverOption {
	return func(r *Retriever) { r.simThreshold = t }
}

// WithSnippetChars sets the per-snippet truncation length. Default: 500.
func WithSnippetChars(n int) RetrieverOption {
	return func(r *Retriever) {
		if n > 0 {
			r.snippetChars = n
		}
	}
}

// WithTop1FullChars sets the expanded length granted to the top snippet when
// it is the unique best match. Default: 2000.
func WithTop1FullChars(n int) RetrieverOption {
	return func(r *Retriever) {
		if n > 0 {
			r.top1FullChars = n
		}
	}
}

// WithRerank enables length-aware reranking over a widened candidate set.
func WithRerank(on bool) RetrieverOption {
	return func(r *Retriever) { r.rerank = on }
}

// WithLatencyWatch shares a latency watch with the caller.
func WithLatencyWatch(w *LatencyWatch) RetrieverOption {
	return func(r *Retriever) { r.watch = w }
}

// WithRetrieverLogger sets the structured logger.
func WithRetrieverLogger(l *slog.Logger) RetrieverOption {
	return func(r *Retriever) { r.logger = l }
}

// WithRetrieverMetrics sets the metrics sink.
func WithRetrieverMetrics(m *Metrics) RetrieverOption {
	return func(r *Retriever) { r.metrics = m }
}

// WithRetrieverTracer sets the tracer for retrieval spans.
func WithRetrieverTracer(t Tracer) RetrieverOption {
	return func(r *Retriever) { r.tracer = t }
}

// NewRetriever creates a Retriever over the knowledge store and embedding
// path.
func NewRetriever(store KnowledgeStore, embed Embedding, opts ...RetrieverOption) *Retriever {
	r := &Retriever{
		store:         store,
		embed:         embed,
		topK:          5,
		simThreshold:  0.6,
		snippetChars:  500,
		top1FullChars: 2000,
		cacheTTL:      120 * time.Second,
		logger:        nopLogger,
		tracer:        NopTracer{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.cache == nil {
		r.cache = NewMemoryContextCache()
	}
	if r.watch == nil {
		r.watch = NewLatencyWatch()
	}
	return r
}

// Watch returns the shared latency watch.
func (r *Retriever) Watch() *LatencyWatch { return r.watch }

// Context assembles the knowledge context for a goal. precomputed, when
// non-nil, skips the embedding call (callers that already embedded the goal
// for other purposes pass it through). Embedding failures degrade to the
// keyword path rather than failing the request.
func (r *Retriever) Context(ctx context.Context, goal string, precomputed []float32) (ContextBlock, error) {
	ctx, span := r.tracer.Start(ctx, "retrieval.context")
	defer span.End()

	key := ContextCacheKey(goal)
	if block, ok := r.cache.Get(ctx, key); ok {
		r.metrics.CacheHit("rag")
		span.SetAttr(BoolAttr("cache.hit", true))
		block.FromCache = true
		return block, nil
	}
	r.metrics.CacheMiss("rag")

	vec := precomputed
	if vec == nil && r.embed != nil {
		start := time.Now()
		var err error
		vec, err = r.embed.Embed(ctx, goal)
		r.watch.RecordEmbed(time.Since(start).Milliseconds())
		r.metrics.ObserveStage("embed", time.Since(start).Seconds())
		if err != nil {
			span.Event("embed.failed")
			r.logger.Warn("goal embedding failed, using keyword search", "error", err)
			vec = nil
		}
	}

	start := time.Now()
	block, err := r.search(ctx, goal, vec)
	r.watch.RecordPrepare(time.Since(start).Milliseconds())
	r.metrics.ObserveStage("prepare", time.Since(start).Seconds())
	if err != nil {
		span.Error(err)
		return ContextBlock{}, err
	}

	span.SetAttr(IntAttr("nodes", len(block.Snippets)))
	r.cache.Set(ctx, key, block, r.cacheTTL)
	return block, nil
}

func (r *Retriever) search(ctx context.Context, goal string, vec []float32) (ContextBlock, error) {
	var hits []ScoredNode
	if vec != nil {
		k := r.topK
		if r.rerank {
			k = 2 * r.topK
		}
		nodes, err := r.store.SearchNodes(ctx, vec, k)
		if err != nil {
			return ContextBlock{}, fmt.Errorf("maestro: vector search: %w", err)
		}
		for _, n := range nodes {
			if float64(n.Score) >= r.simThreshold {
				hits = append(hits, n)
			}
		}
		if r.rerank {
			hits = RerankNodes(hits)
		}
		if len(hits) > r.topK {
			hits = hits[:r.topK]
		}
	}

	// Keyword search tops the vector results up to topK; nodes without an
	// embedding are only reachable this way.
	if len(hits) < r.topK {
		keywords := TopKeywords(goal, 3)
		if len(keywords) == 0 {
			return r.shape(hits), nil
		}
		nodes, err := r.store.SearchNodesKeyword(ctx, keywords, r.topK-len(hits))
		if err != nil {
			return ContextBlock{}, fmt.Errorf("maestro: keyword search: %w", err)
		}
		seen := make(map[string]bool, len(hits))
		for _, h := range hits {
			seen[h.ID] = true
		}
		for _, n := range nodes {
			if seen[n.ID] {
				continue
			}
			hits = append(hits, ScoredNode{KnowledgeNode: n})
		}
	}

	return r.shape(hits), nil
}

// shape turns scored nodes into the prompt block. Every snippet is truncated
// to the snippet limit; the first one gets the expanded limit when it is the
// strict best match.
func (r *Retriever) shape(hits []ScoredNode) ContextBlock {
	if len(hits) == 0 {
		return ContextBlock{}
	}

	uniqueTop := len(hits) == 1 || hits[0].Score > hits[1].Score
	var (
		snippets []Snippet
		ids      []string
		parts    []string
	)
	for i, n := range hits {
		limit := r.snippetChars
		if i == 0 && uniqueTop {
			limit = r.top1FullChars
		}
		content := truncateRunes(n.Content, limit)
		snippets = append(snippets, Snippet{
			NodeID:     n.ID,
			Content:    content,
			Similarity: float64(n.Score),
			Domain:     n.Meta.Domain,
		})
		ids = append(ids, n.ID)
		parts = append(parts, "- "+content)
	}

	return ContextBlock{
		Text:     "Факты из базы знаний:\n" + strings.Join(parts, "\n"),
		NodeIDs:  ids,
		Snippets: snippets,
	}
}

// Warmup runs retrieval for typical goals so the first real request hits a
// warm cache. Errors only get logged; run it in a goroutine.
func (r *Retriever) Warmup(ctx context.Context, goals []string) {
	for _, goal := range goals {
		if ctx.Err() != nil {
			return
		}
		if _, err := r.Context(ctx, goal, nil); err != nil {
			r.logger.Debug("warmup retrieval failed", "goal", goal, "error", err)
		}
	}
	r.logger.Info("retrieval warmup done", "goals", len(goals))
}

// RerankNodes reorders candidates by similarity weighted with a length
// factor: content near 1000 runes is neutral, very short snippets are
// discounted, long ones get a modest boost. The factor is clamped to
// [0.5, 1.5] so similarity stays dominant. Sorting is stable.
func RerankNodes(nodes []ScoredNode) []ScoredNode {
	reranked := append([]ScoredNode(nil), nodes...)
	sort.SliceStable(reranked, func(i, j int) bool {
		return rerankScore(reranked[i]) > rerankScore(reranked[j])
	})
	return reranked
}

func rerankScore(n ScoredNode) float64 {
	factor := float64(len([]rune(n.Content))) / 1000
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.5 {
		factor = 1.5
	}
	return float64(n.Score) * factor
}

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}]+`)

// TopKeywords extracts up to max keywords from a goal for the keyword
// fallback: unique words of three or more runes, longest first, ties kept
// in text order.
func TopKeywords(goal string, max int) []string {
	words := wordPattern.FindAllString(strings.ToLower(NormalizeText(goal)), -1)
	seen := make(map[string]bool, len(words))
	var keywords []string
	for _, w := range words {
		if len([]rune(w)) < 3 || seen[w] {
			continue
		}
		seen[w] = true
		keywords = append(keywords, w)
	}
	sort.SliceStable(keywords, func(i, j int) bool {
		return len([]rune(keywords[i])) > len([]rune(keywords[j]))
	})
	if len(keywords) > max {
		keywords = keywords[:max]
	}
	return keywords
}

// truncateRunes cuts s to at most limit runes, appending an ellipsis when
// something was dropped.
func truncateRunes(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	if limit <= 1 {
		return string(runes[:limit])
	}
	return string(runes[:limit-1]) + "…"
}
