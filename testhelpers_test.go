package maestro

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

// memStore is a full in-memory Store shared across the package tests.
// Transition semantics mirror the SQL stores: every status write is
// conditional on the expected prior status.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	experts   map[string]*Expert
	nodes     map[string]*KnowledgeNode
	exchanges []SessionExchange
	decisions map[string]BoardDecision

	failSearch bool
}

func newMemStore() *memStore {
	return &memStore{
		tasks:     map[string]*Task{},
		experts:   map[string]*Expert{},
		nodes:     map[string]*KnowledgeNode{},
		decisions: map[string]BoardDecision{},
	}
}

func (s *memStore) Init(context.Context) error { return nil }
func (s *memStore) Close() error               { return nil }

// --- TaskStore ---

func (s *memStore) CreateTask(_ context.Context, t Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *memStore) GetTask(_ context.Context, id string) (Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return Task{}, ErrTaskNotFound
	}
	return *t, nil
}

func (s *memStore) ListUnassignedTasks(_ context.Context, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status == StatusPending && t.Assignee == "" {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) AssignTask(_ context.Context, id, assignee string, source Family, model string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Assignee != "" {
		return false, nil
	}
	t.Assignee = assignee
	t.Meta.PreferredSource = source
	t.Meta.PreferredModel = model
	return true, nil
}

func (s *memStore) PullReadyTasks(_ context.Context, now int64, limit int) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Task
	for _, t := range s.tasks {
		if t.Status != StatusPending || t.Assignee == "" {
			continue
		}
		if t.NextRetryAt != 0 && t.NextRetryAt >= now {
			continue
		}
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool {
		if ri, rj := out[i].Priority.Rank(), out[j].Priority.Rank(); ri != rj {
			return ri > rj
		}
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) ClaimTask(_ context.Context, id string, now int64) (Task, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != StatusPending {
		return Task{}, false, nil
	}
	t.Status = StatusInProgress
	t.AttemptCount++
	t.UpdatedAt = now
	return *t, true, nil
}

func (s *memStore) HeartbeatTask(_ context.Context, id string, now int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[id]; ok {
		t.UpdatedAt = now
	}
	return nil
}

func (s *memStore) TransitionTask(_ context.Context, id string, from, to TaskStatus, opts ...TransitionOption) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	p := ApplyTransitionOptions(opts)
	t.Status = to
	if p.LastError != nil {
		t.Meta.LastError = *p.LastError
	}
	if p.NextRetryAt != nil {
		t.NextRetryAt = *p.NextRetryAt
	}
	if p.Result != nil {
		t.Meta.Result = *p.Result
	}
	if p.ValidationScore != nil {
		t.Meta.ValidationScore = *p.ValidationScore
	}
	if p.AppendAttempt != nil {
		t.Meta.Attempts = append(t.Meta.Attempts, *p.AppendAttempt)
	}
	if p.BoardEscalated {
		t.Meta.BoardEscalated = true
	}
	if p.DeferredToHuman {
		t.Meta.DeferredToHuman = true
	}
	return true, nil
}

func (s *memStore) SweepStuckTasks(_ context.Context, olderThan, now int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tasks {
		if t.Status == StatusInProgress && t.UpdatedAt < olderThan {
			t.Status = StatusPending
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *memStore) CountTasksByStatus(context.Context) (map[TaskStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := map[TaskStatus]int{}
	for _, t := range s.tasks {
		out[t.Status]++
	}
	return out, nil
}

// --- ExpertStore ---

func (s *memStore) UpsertExperts(_ context.Context, experts []Expert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range experts {
		if cur, ok := s.experts[e.Name]; ok {
			cur.Role = e.Role
			cur.Department = e.Department
			cur.SystemPrompt = e.SystemPrompt
			continue
		}
		cp := e
		s.experts[e.Name] = &cp
	}
	return nil
}

func (s *memStore) ListExperts(context.Context) ([]Expert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Expert, 0, len(s.experts))
	for _, e := range s.experts {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *memStore) AdjustExpertWorkload(_ context.Context, name string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.experts[name]; ok {
		e.Workload += delta
		if e.Workload < 0 {
			e.Workload = 0
		}
	}
	return nil
}

func (s *memStore) RecordExpertOutcome(_ context.Context, name string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.experts[name]; ok {
		outcome := 0.0
		if success {
			outcome = 1.0
		}
		e.SuccessRate = 0.9*e.SuccessRate + 0.1*outcome
	}
	return nil
}

// --- KnowledgeStore ---

func (s *memStore) UpsertNode(_ context.Context, node KnowledgeNode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := node
	s.nodes[node.ID] = &cp
	return nil
}

func (s *memStore) SearchNodes(_ context.Context, embedding []float32, topK int) ([]ScoredNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSearch {
		return nil, errors.New("search unavailable")
	}
	var out []ScoredNode
	for _, n := range s.nodes {
		if len(n.Embedding) == 0 {
			continue
		}
		out = append(out, ScoredNode{KnowledgeNode: *n, Score: cosine32(embedding, n.Embedding)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].UsageCount > out[j].UsageCount
	})
	if topK > 0 && len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

func (s *memStore) SearchNodesKeyword(_ context.Context, terms []string, limit int) ([]KnowledgeNode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []KnowledgeNode
	for _, n := range s.nodes {
		lower := strings.ToLower(n.Content)
		for _, term := range terms {
			if term != "" && strings.Contains(lower, strings.ToLower(term)) {
				out = append(out, *n)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		return out[i].CreatedAt > out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) IncrementNodeUsage(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			n.UsageCount++
		}
	}
	return nil
}

// --- SessionStore ---

func (s *memStore) AppendExchange(_ context.Context, ex SessionExchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchanges = append(s.exchanges, ex)
	return nil
}

func (s *memStore) RecentExchanges(_ context.Context, sessionID string, maxCount, maxChars int) ([]SessionExchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var mine []SessionExchange
	for _, ex := range s.exchanges {
		if ex.SessionID == sessionID {
			mine = append(mine, ex)
		}
	}
	// Newest first while budgeting, then flipped back to chronological.
	var picked []SessionExchange
	chars := 0
	for i := len(mine) - 1; i >= 0; i-- {
		ex := mine[i]
		cost := len(ex.User) + len(ex.Assistant)
		if maxCount > 0 && len(picked) >= maxCount {
			break
		}
		if maxChars > 0 && chars+cost > maxChars && len(picked) > 0 {
			break
		}
		picked = append(picked, ex)
		chars += cost
	}
	for i, j := 0, len(picked)-1; i < j; i, j = i+1, j-1 {
		picked[i], picked[j] = picked[j], picked[i]
	}
	return picked, nil
}

func (s *memStore) SessionSummaries(_ context.Context, excludeSessionID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return nil, nil
	}
	latest := map[string]SessionExchange{}
	for _, ex := range s.exchanges {
		if ex.SessionID == excludeSessionID {
			continue
		}
		if cur, ok := latest[ex.SessionID]; !ok || ex.CreatedAt >= cur.CreatedAt {
			latest[ex.SessionID] = ex
		}
	}
	all := make([]SessionExchange, 0, len(latest))
	for _, ex := range latest {
		all = append(all, ex)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt > all[j].CreatedAt })
	if len(all) > limit {
		all = all[:limit]
	}
	out := make([]string, len(all))
	for i, ex := range all {
		out[i] = SummarizeExchange(ex.User, ex.Assistant)
	}
	return out, nil
}

// --- BoardStore ---

func (s *memStore) SaveDecision(_ context.Context, d BoardDecision) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions[d.TaskID] = d
	return nil
}

func (s *memStore) DecisionForTask(_ context.Context, taskID string) (BoardDecision, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.decisions[taskID]
	return d, ok, nil
}

func cosine32(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// --- Provider mocks ---

// scriptProvider replays scripted responses in order and records every
// request. When the script runs out, the last entry repeats.
type scriptProvider struct {
	mu        sync.Mutex
	name      string
	responses []string
	errs      []error
	calls     []ChatRequest
	delay     time.Duration
	model     string
}

func newScriptProvider(name string, responses ...string) *scriptProvider {
	return &scriptProvider{name: name, responses: responses}
}

func (p *scriptProvider) next() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := len(p.calls) - 1
	if i < len(p.errs) && p.errs[i] != nil {
		return "", p.errs[i]
	}
	if len(p.responses) == 0 {
		return "ок", nil
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptProvider) record(req ChatRequest) {
	p.mu.Lock()
	p.calls = append(p.calls, req)
	p.mu.Unlock()
}

func (p *scriptProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *scriptProvider) lastCall() ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return ChatRequest{}
	}
	return p.calls[len(p.calls)-1]
}

func (p *scriptProvider) call(i int) ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	if i < 0 || i >= len(p.calls) {
		return ChatRequest{}
	}
	return p.calls[i]
}

func (p *scriptProvider) Chat(ctx context.Context, req ChatRequest) (ChatResponse, error) {
	p.record(req)
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ChatResponse{}, ctx.Err()
		}
	}
	text, err := p.next()
	if err != nil {
		return ChatResponse{}, err
	}
	model := req.Model
	if model == "" {
		model = p.model
	}
	return ChatResponse{Content: text, Model: model, Usage: Usage{InputTokens: 5, OutputTokens: 7}}, nil
}

func (p *scriptProvider) ChatStream(ctx context.Context, req ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	defer close(ch)
	resp, err := p.Chat(ctx, req)
	if err != nil {
		return ChatResponse{}, err
	}
	select {
	case ch <- StreamEvent{Type: EventTextDelta, Content: resp.Content}:
	case <-ctx.Done():
		return ChatResponse{}, ctx.Err()
	}
	return resp, nil
}

func (p *scriptProvider) Name() string { return p.name }

// errProvider fails every call with the given error.
type errProvider struct {
	name string
	err  error
}

func (p errProvider) Chat(context.Context, ChatRequest) (ChatResponse, error) {
	return ChatResponse{}, p.err
}

func (p errProvider) ChatStream(_ context.Context, _ ChatRequest, ch chan<- StreamEvent) (ChatResponse, error) {
	close(ch)
	return ChatResponse{}, p.err
}

func (p errProvider) Name() string { return p.name }

// --- Embedding mocks ---

// fakeEmbedding returns pinned vectors for known texts and a deterministic
// hash-derived vector otherwise.
type fakeEmbedding struct {
	mu    sync.Mutex
	vecs  map[string][]float32
	dim   int
	calls int
	err   error
}

func newFakeEmbedding(dim int) *fakeEmbedding {
	return &fakeEmbedding{vecs: map[string][]float32{}, dim: dim}
}

func (f *fakeEmbedding) pin(text string, vec []float32) { f.vecs[text] = vec }

func (f *fakeEmbedding) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
			continue
		}
		out[i] = hashVec(t, f.dim)
	}
	return out, nil
}

func (f *fakeEmbedding) Dimensions() int { return f.dim }
func (f *fakeEmbedding) Name() string    { return "fake-embed" }

func (f *fakeEmbedding) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func hashVec(text string, dim int) []float32 {
	vec := make([]float32, dim)
	h := fnv.New64a()
	for i := range vec {
		h.Write([]byte(text))
		h.Write([]byte{byte(i)})
		vec[i] = float32(h.Sum64()%2000)/1000 - 1
	}
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		vec[0] = 1
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	for i := range vec {
		vec[i] *= scale
	}
	return vec
}

// --- Catalog helpers ---

// staticCatalog builds a catalog whose snapshot is fixed; no refresh loop.
func staticCatalog(opts ...CatalogOption) *ModelCatalog {
	base := []CatalogOption{
		WithStaticModels(FamilyOllama, "qwen2.5:7b", "qwen2.5-coder:7b"),
		WithStaticModels(FamilyMLX, "qwen3:32b"),
		WithHeavyModels("qwen3:32b"),
		WithCategoryModels(CategorySimple, ModelRef{Family: FamilyOllama, Name: "qwen2.5:7b"}),
		WithCategoryModels(CategoryCoding,
			ModelRef{Family: FamilyOllama, Name: "qwen2.5-coder:7b"},
			ModelRef{Family: FamilyMLX, Name: "qwen3:32b"}),
		WithCategoryModels(CategoryInvestigate,
			ModelRef{Family: FamilyMLX, Name: "qwen3:32b"},
			ModelRef{Family: FamilyOllama, Name: "qwen2.5:7b"}),
		WithCategoryModels(CategoryMultiStep, ModelRef{Family: FamilyMLX, Name: "qwen3:32b"}),
		WithCategoryModels(CategoryExecution, ModelRef{Family: FamilyOllama, Name: "qwen2.5:7b"}),
	}
	return NewModelCatalog(nil, append(base, opts...)...)
}

// testRouter wires a router over script providers with the static catalog.
func testRouter(fast, heavy Provider, opts ...RouterOption) *Router {
	return NewRouter(fast, heavy, staticCatalog(), opts...)
}
