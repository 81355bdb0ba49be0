package maestro

import "context"

// TransitionParams holds optional field updates applied atomically with a
// task status transition. Populated by TransitionOption functions.
type TransitionParams struct {
	LastError       *FailKind
	NextRetryAt     *int64
	Result          *string
	ValidationScore *float64
	AppendAttempt   *string
	BoardEscalated  bool
	DeferredToHuman bool
}

// TransitionOption customises a TransitionTask call.
type TransitionOption func(*TransitionParams)

// WithLastError records the normalized failure kind in task metadata.
func WithLastError(k FailKind) TransitionOption {
	return func(p *TransitionParams) { p.LastError = &k }
}

// WithNextRetryAt sets the earliest time (Unix seconds) the task may be
// pulled again.
func WithNextRetryAt(ts int64) TransitionOption {
	return func(p *TransitionParams) { p.NextRetryAt = &ts }
}

// WithResult stores the accepted output and its validator score.
func WithResult(text string, score float64) TransitionOption {
	return func(p *TransitionParams) {
		p.Result = &text
		p.ValidationScore = &score
	}
}

// WithAttemptOutput appends a failed attempt's output to the metadata
// trail consumed by the board synthesizer.
func WithAttemptOutput(out string) TransitionOption {
	return func(p *TransitionParams) { p.AppendAttempt = &out }
}

// WithBoardEscalation marks the task as resolved by board escalation.
func WithBoardEscalation() TransitionOption {
	return func(p *TransitionParams) { p.BoardEscalated = true }
}

// WithHumanDeferral flags the task for human review.
func WithHumanDeferral() TransitionOption {
	return func(p *TransitionParams) { p.DeferredToHuman = true }
}

// ApplyTransitionOptions collects options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// TaskStore is the durable task queue. Per-task transitions are serialized
// by conditional updates: every status write names the expected prior
// status and reports whether it took effect.
type TaskStore interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id string) (Task, error)

	// ListUnassignedTasks returns pending tasks with no assignee, oldest
	// first, for the assignment pass.
	ListUnassignedTasks(ctx context.Context, limit int) ([]Task, error)
	// AssignTask sets the assignee and routing hints, guarded by
	// "assignee IS NULL" so concurrent passes stay idempotent. Returns
	// false when another pass won.
	AssignTask(ctx context.Context, id, assignee string, source Family, model string) (bool, error)

	// PullReadyTasks returns up to limit pending tasks that have an
	// assignee and whose retry backoff has elapsed, ordered by priority
	// then age.
	PullReadyTasks(ctx context.Context, now int64, limit int) ([]Task, error)
	// ClaimTask transitions pending → in_progress, increments the attempt
	// counter, and refreshes updated_at. Returns the claimed row and false
	// when the task was no longer pending.
	ClaimTask(ctx context.Context, id string, now int64) (Task, bool, error)
	// HeartbeatTask refreshes updated_at for an in_progress task.
	HeartbeatTask(ctx context.Context, id string, now int64) error
	// TransitionTask moves a task from the expected prior status to a new
	// one, applying option updates atomically. Returns false when the
	// prior status did not match (another writer won).
	TransitionTask(ctx context.Context, id string, from, to TaskStatus, opts ...TransitionOption) (bool, error)

	// SweepStuckTasks reverts in_progress tasks whose updated_at is older
	// than the threshold back to pending, attempts unchanged. Returns the
	// number of tasks reclaimed.
	SweepStuckTasks(ctx context.Context, olderThan, now int64) (int, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)
}

// ExpertStore persists the expert registry and its rolling statistics.
type ExpertStore interface {
	// UpsertExperts synchronizes seed entries into the registry. Existing
	// workload and success-rate statistics survive the upsert.
	UpsertExperts(ctx context.Context, experts []Expert) error
	ListExperts(ctx context.Context) ([]Expert, error)
	AdjustExpertWorkload(ctx context.Context, name string, delta int) error
	// RecordExpertOutcome folds one completion into the expert's rolling
	// success rate (exponentially weighted).
	RecordExpertOutcome(ctx context.Context, name string, success bool) error
}

// KnowledgeStore persists retrievable facts with optional embeddings.
type KnowledgeStore interface {
	UpsertNode(ctx context.Context, node KnowledgeNode) error
	// SearchNodes returns up to topK nodes ordered by cosine similarity
	// descending, then confidence, then usage count. Nodes without
	// embeddings are not returned here.
	SearchNodes(ctx context.Context, embedding []float32, topK int) ([]ScoredNode, error)
	// SearchNodesKeyword returns nodes whose content matches any of the
	// given substrings, ordered by confidence descending (nulls last)
	// then recency. Serves nodes without embeddings.
	SearchNodesKeyword(ctx context.Context, terms []string, limit int) ([]KnowledgeNode, error)
	IncrementNodeUsage(ctx context.Context, ids []string) error
}

// SessionStore persists per-session short-term memory.
type SessionStore interface {
	AppendExchange(ctx context.Context, ex SessionExchange) error
	// RecentExchanges returns the newest exchanges for a session in
	// chronological order, bounded by count and total characters.
	RecentExchanges(ctx context.Context, sessionID string, maxCount, maxChars int) ([]SessionExchange, error)
	// SessionSummaries returns compact summaries of other sessions,
	// newest first, for long-term context merging.
	SessionSummaries(ctx context.Context, excludeSessionID string, limit int) ([]string, error)
}

// BoardStore persists escalation decisions.
type BoardStore interface {
	SaveDecision(ctx context.Context, d BoardDecision) error
	// DecisionForTask returns the decision recorded for a task, with
	// found=false when none exists.
	DecisionForTask(ctx context.Context, taskID string) (BoardDecision, bool, error)
}

// Store combines all persistence capabilities behind one connection pool.
type Store interface {
	TaskStore
	ExpertStore
	KnowledgeStore
	SessionStore
	BoardStore

	Init(ctx context.Context) error
	Close() error
}
