package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
)

const boardSystemPrompt = `You are a board of senior experts reviewing a task that kept failing. Weigh the goal, the failure history, and the organization's standards, then respond with strict JSON only:
{"decision": "<what to do>", "rationale": "<why, 1-3 sentences>", "risks": ["<risk>", ...], "confidence": <0.0-1.0>, "recommend_human_review": <true|false>}
Answer in the goal's language. Recommend human review whenever the failure pattern suggests a problem outside the system's control.`

// Board resolves tasks the executor could not finish: it consults the
// heavy family against organizational standards and records a decision.
// When the model is unreachable too, a deterministic decision defers the
// task to a human, so escalation itself never fails.
type Board struct {
	store  Store
	router *Router

	maxStandards int
	logger       *slog.Logger
	tracer       Tracer
}

// BoardOption configures a Board.
type BoardOption func(*Board)

// WithBoardLogger sets the structured logger.
func WithBoardLogger(l *slog.Logger) BoardOption {
	return func(b *Board) { b.logger = l }
}

// WithBoardTracer sets the tracer for escalation spans.
func WithBoardTracer(t Tracer) BoardOption {
	return func(b *Board) { b.tracer = t }
}

// WithBoardStandards caps how many standards nodes feed one consultation.
// Default: 5.
func WithBoardStandards(n int) BoardOption {
	return func(b *Board) {
		if n > 0 {
			b.maxStandards = n
		}
	}
}

// NewBoard creates a Board over the store and router.
func NewBoard(store Store, router *Router, opts ...BoardOption) *Board {
	b := &Board{
		store:        store,
		router:       router,
		maxStandards: 5,
		logger:       nopLogger,
		tracer:       NopTracer{},
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Escalate consults the board about an exhausted task and persists the
// decision. The returned decision always exists, whatever failed along
// the way.
func (b *Board) Escalate(ctx context.Context, task Task) (BoardDecision, error) {
	ctx, span := b.tracer.Start(ctx, "board.escalate", StringAttr("task", task.ID))
	defer span.End()

	decision := b.Consult(ctx, task.Goal, failureSummary(task))
	decision.TaskID = task.ID

	if err := b.store.SaveDecision(ctx, decision); err != nil {
		span.Error(err)
		return decision, fmt.Errorf("maestro: save board decision: %w", err)
	}
	b.logger.Info("board decision recorded",
		"task", task.ID,
		"human_review", decision.HumanReview,
		"confidence", decision.Confidence)
	return decision, nil
}

// Consult asks the board about a goal and its failure history without
// persisting anything. Useful for advisory calls from the API.
func (b *Board) Consult(ctx context.Context, goal, failures string) BoardDecision {
	standards := b.standards(ctx, goal)

	var prompt strings.Builder
	prompt.WriteString("Задача: ")
	prompt.WriteString(goal)
	if failures != "" {
		prompt.WriteString("\n\nИстория неудач: ")
		prompt.WriteString(failures)
	}
	if len(standards) > 0 {
		prompt.WriteString("\n\nСтандарты организации:\n- ")
		prompt.WriteString(strings.Join(standards, "\n- "))
	}

	res, err := b.router.Generate(ctx, GenRequest{
		Prompt:          prompt.String(),
		System:          boardSystemPrompt,
		Category:        CategoryInvestigate,
		PreferredFamily: FamilyMLX,
		MaxTokens:       600,
	})
	if err != nil {
		b.logger.Warn("board model unavailable, deferring to human", "error", err)
		return fallbackDecision(failures)
	}

	decision, ok := parseBoardDecision(res.Text)
	if !ok {
		b.logger.Warn("board decision unparseable, deferring to human")
		return fallbackDecision(failures)
	}
	return decision
}

// standards pulls the organization's standard nodes relevant to the goal.
func (b *Board) standards(ctx context.Context, goal string) []string {
	terms := append(TopKeywords(goal, 2), "standard", "стандарт")
	nodes, err := b.store.SearchNodesKeyword(ctx, terms, b.maxStandards*3)
	if err != nil {
		b.logger.Warn("standards lookup failed", "error", err)
		return nil
	}
	var out []string
	for _, n := range nodes {
		if !n.Meta.Standard {
			continue
		}
		out = append(out, truncateRunes(n.Content, 400))
		if len(out) >= b.maxStandards {
			break
		}
	}
	return out
}

// parseBoardDecision accepts the board schema leniently: extra fields are
// ignored, confidence is clamped, and a missing decision string fails.
func parseBoardDecision(raw string) (BoardDecision, bool) {
	var parsed struct {
		Decision    string   `json:"decision"`
		Rationale   string   `json:"rationale"`
		Risks       []string `json:"risks"`
		Confidence  float64  `json:"confidence"`
		HumanReview bool     `json:"recommend_human_review"`
	}
	if err := json.Unmarshal([]byte(extractJSON(raw)), &parsed); err != nil {
		return BoardDecision{}, false
	}
	if strings.TrimSpace(parsed.Decision) == "" {
		return BoardDecision{}, false
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return BoardDecision{
		ID:          NewID(),
		Decision:    strings.TrimSpace(parsed.Decision),
		Rationale:   strings.TrimSpace(parsed.Rationale),
		Risks:       parsed.Risks,
		Confidence:  parsed.Confidence,
		HumanReview: parsed.HumanReview,
		CreatedAt:   NowUnix(),
	}, true
}

// fallbackDecision is the deterministic outcome when the board itself is
// unreachable: defer to a human, low confidence.
func fallbackDecision(failures string) BoardDecision {
	rationale := "Экспертная оценка недоступна, задача передана человеку."
	if failures != "" {
		rationale += " Последние ошибки: " + truncateRunes(failures, 300)
	}
	return BoardDecision{
		ID:          NewID(),
		Decision:    "Передать задачу на рассмотрение человеку.",
		Rationale:   rationale,
		Risks:       []string{"автоматическая оценка не выполнена"},
		Confidence:  0.1,
		HumanReview: true,
		CreatedAt:   NowUnix(),
	}
}

// failureSummary condenses a task's failure history for the board prompt.
func failureSummary(task Task) string {
	var parts []string
	if task.Meta.LastError != "" {
		parts = append(parts, fmt.Sprintf("последняя ошибка: %s", task.Meta.LastError))
	}
	if task.AttemptCount > 0 {
		parts = append(parts, fmt.Sprintf("попыток: %d", task.AttemptCount))
	}
	if task.Meta.ValidationScore > 0 {
		parts = append(parts, fmt.Sprintf("оценка валидации: %.2f", task.Meta.ValidationScore))
	}
	return strings.Join(parts, ", ")
}
