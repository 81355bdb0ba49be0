package maestro

// --- Task plane (database records) ---

// TaskStatus is the lifecycle state of a durable task.
type TaskStatus string

const (
	StatusPending         TaskStatus = "pending"
	StatusInProgress      TaskStatus = "in_progress"
	StatusCompleted       TaskStatus = "completed"
	StatusFailed          TaskStatus = "failed"
	StatusCancelled       TaskStatus = "cancelled"
	StatusDeferredToHuman TaskStatus = "deferred_to_human"
)

// IsTerminal reports whether the status is absorbing for the worker loop.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusDeferredToHuman:
		return true
	default:
		return false
	}
}

// TaskPriority orders tasks within a pull batch. Higher values pull first.
type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
	PriorityUrgent TaskPriority = "urgent"
)

// Rank returns the numeric sort weight for a priority (urgent highest).
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

// Family identifies one of the two local inference backend families.
type Family string

const (
	// FamilyOllama is the fast family: CPU-friendly small models.
	FamilyOllama Family = "ollama"
	// FamilyMLX is the heavy family: GPU-accelerated large models.
	FamilyMLX Family = "mlx"
)

// Other returns the opposite family, used for cross-family failover.
func (f Family) Other() Family {
	if f == FamilyMLX {
		return FamilyOllama
	}
	return FamilyMLX
}

// TaskMeta is the free-form metadata mapping persisted with each task.
// It carries routing hints, the failure trail, and the final result.
type TaskMeta struct {
	LastError       FailKind `json:"last_error,omitempty"`
	BatchGroup      string   `json:"batch_group,omitempty"`
	ParentTask      string   `json:"parent_task,omitempty"`
	PreferredSource Family   `json:"preferred_source,omitempty"`
	PreferredModel  string   `json:"preferred_model,omitempty"`
	WebBlock        bool     `json:"web_block,omitempty"`
	Category        Category `json:"category,omitempty"`
	CorrelationID   string   `json:"correlation_id,omitempty"`

	// Result holds the accepted output once the task completes.
	Result string `json:"result,omitempty"`
	// ValidationScore is the validator score of the accepted output.
	ValidationScore float64 `json:"validation_score,omitempty"`
	// Attempts holds truncated outputs of failed attempts, oldest first,
	// fed to the board synthesizer on escalation.
	Attempts []string `json:"attempts,omitempty"`

	BoardEscalated  bool `json:"board_escalated,omitempty"`
	DeferredToHuman bool `json:"deferred_to_human,omitempty"`
}

// Task is the unit of durable work. Created by the Conductor or by external
// ingesters with an empty assignee; enriched with an assignee by the
// Executor's assignment pass; mutated by exactly one worker at a time.
type Task struct {
	ID             string       `json:"id"`
	Goal           string       `json:"goal"`
	ProjectContext string       `json:"project_context"`
	Assignee       string       `json:"assignee,omitempty"`
	Status         TaskStatus   `json:"status"`
	Priority       TaskPriority `json:"priority"`
	AttemptCount   int          `json:"attempt_count"`
	CreatedAt      int64        `json:"created_at"`
	UpdatedAt      int64        `json:"updated_at"`
	NextRetryAt    int64        `json:"next_retry_after,omitempty"`
	Meta           TaskMeta     `json:"metadata"`
}

// AssigneeDirect is the reserved assignee for tasks executed without an
// expert persona (plain prompt, no role templating).
const AssigneeDirect = "direct"

// --- Experts ---

// Expert is a named role that models impersonate via prompt templating.
// Behavior lives entirely in SystemPrompt; there is no code per expert.
type Expert struct {
	Name         string  `json:"name"`
	Role         string  `json:"role"`
	Department   string  `json:"department"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Workload     int     `json:"workload"`
	SuccessRate  float64 `json:"success_rate"`
}

// --- Knowledge ---

// KnowledgeNode is a retrievable fact. Embedding may be absent; retrieval
// degrades to substring matching for such nodes.
type KnowledgeNode struct {
	ID         string        `json:"id"`
	Content    string        `json:"content"`
	Embedding  []float32     `json:"-"`
	Meta       KnowledgeMeta `json:"metadata"`
	Confidence float64       `json:"confidence_score"`
	Verified   bool          `json:"is_verified"`
	UsageCount int           `json:"usage_count"`
	CreatedAt  int64         `json:"created_at"`
}

// KnowledgeMeta describes where a node came from and how it may be used.
type KnowledgeMeta struct {
	Domain   string `json:"domain,omitempty"`
	Source   string `json:"source,omitempty"`
	Standard bool   `json:"standard,omitempty"`
}

// ScoredNode pairs a knowledge node with its retrieval similarity in [0,1].
type ScoredNode struct {
	KnowledgeNode
	Score float32 `json:"score"`
}

// --- Sessions ---

// SessionExchange is one (user, assistant) pair in a session's short-term
// memory log. Exchanges within a session are appended in arrival order.
type SessionExchange struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	User      string `json:"user"`
	Assistant string `json:"assistant"`
	CreatedAt int64  `json:"created_at"`
}

// --- Board ---

// BoardDecision is the structured artifact produced when escalation
// synthesizes a final answer after automated execution is exhausted.
type BoardDecision struct {
	ID          string   `json:"id"`
	TaskID      string   `json:"task_id"`
	Decision    string   `json:"decision"`
	Rationale   string   `json:"rationale"`
	Risks       []string `json:"risks"`
	Confidence  float64  `json:"confidence"`
	HumanReview bool     `json:"recommend_human_review"`
	CreatedAt   int64    `json:"created_at"`
}

// --- LLM protocol types ---

type ChatMessage struct {
	Role    string `json:"role"` // "system", "user", "assistant"
	Content string `json:"content"`
}

// ChatRequest is the provider-facing request. Model may be empty, in which
// case the provider's default model is used.
type ChatRequest struct {
	Model     string        `json:"model,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type ChatResponse struct {
	Content string `json:"content"`
	Model   string `json:"model,omitempty"`
	Usage   Usage  `json:"usage"`
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// --- ChatMessage constructors ---

func UserMessage(text string) ChatMessage {
	return ChatMessage{Role: "user", Content: text}
}

func SystemMessage(text string) ChatMessage {
	return ChatMessage{Role: "system", Content: text}
}

func AssistantMessage(text string) ChatMessage {
	return ChatMessage{Role: "assistant", Content: text}
}
