package maestro

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// RunRequest is one orchestration request.
type RunRequest struct {
	Goal           string
	ProjectContext string
	SessionID      string
	// History carries inline conversation turns from the caller, merged
	// with stored session memory under the history budget.
	History []ChatMessage
	// Priority applies to durable tasks created for this request.
	Priority TaskPriority
	// Verbose requests per-stage annotations on the result.
	Verbose bool
	// CorrelationID, when empty, is generated.
	CorrelationID string
	// Stream, when non-nil, receives stage transitions and text deltas.
	// The conductor never closes it.
	Stream chan<- StreamEvent
}

// TaskStatusReport is the externally visible state of a durable task.
type TaskStatusReport struct {
	TaskID string     `json:"task_id"`
	State  string     `json:"status"`
	Result *RunResult `json:"result,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

// DeclineMessage is the deterministic answer for goals outside the
// orchestrator's abilities.
const DeclineMessage = "Этот запрос вне моих возможностей: я работаю с локальными знаниями и задачами, " +
	"без доступа к внешним системам. Попробуйте переформулировать цель."

const answerSystemPrompt = `You are the orchestrator's answering model. Answer the user's goal directly, in the goal's language (Russian or English). Use the provided knowledge facts when they are relevant; never invent facts about the user's projects. If the knowledge is insufficient, say so plainly.`

// Conductor is the front door of the orchestrator: it understands a goal,
// picks a strategy, and either answers directly, clarifies, declines, or
// decomposes the goal into subtasks and synthesizes their results.
type Conductor struct {
	store        Store
	router       *Router
	retriever    *Retriever
	understander *Understander
	memory       *SessionMemory
	templates    Templates
	policy       *Policy

	sem             chan struct{}
	maxGoalChars    int
	fanoutMax       int
	maxSubtasks     int
	strategyEnabled bool
	retryDelay      time.Duration
	asyncPoll       time.Duration
	asyncBudget     time.Duration

	watch   *LatencyWatch
	logger  *slog.Logger
	metrics *Metrics
	tracer  Tracer
}

// ConductorOption configures a Conductor.
type ConductorOption func(*Conductor)

// WithConductorLogger sets the structured logger.
func WithConductorLogger(l *slog.Logger) ConductorOption {
	return func(c *Conductor) { c.logger = l }
}

// WithConductorMetrics sets the metrics sink.
func WithConductorMetrics(m *Metrics) ConductorOption {
	return func(c *Conductor) { c.metrics = m }
}

// WithConductorTracer sets the tracer for run spans.
func WithConductorTracer(t Tracer) ConductorOption {
	return func(c *Conductor) { c.tracer = t }
}

// WithSyncLimit caps concurrent synchronous runs. Requests beyond the cap
// fail fast with ErrOverloaded. Default: 50.
func WithSyncLimit(n int) ConductorOption {
	return func(c *Conductor) {
		if n > 0 {
			c.sem = make(chan struct{}, n)
		}
	}
}

// WithMaxGoalChars bounds accepted goal length. Default: 8000.
func WithMaxGoalChars(n int) ConductorOption {
	return func(c *Conductor) {
		if n > 0 {
			c.maxGoalChars = n
		}
	}
}

// WithFanout sets the parallel subtask limit and the plan size cap.
// Defaults: 4 parallel, 6 subtasks.
func WithFanout(parallel, maxSubtasks int) ConductorOption {
	return func(c *Conductor) {
		if parallel > 0 {
			c.fanoutMax = parallel
		}
		if maxSubtasks > 0 {
			c.maxSubtasks = maxSubtasks
		}
	}
}

// WithStrategyStage toggles the LLM strategy selection stage. Disabled, the
// category mapping decides. Default: enabled.
func WithStrategyStage(on bool) ConductorOption {
	return func(c *Conductor) { c.strategyEnabled = on }
}

// WithTemplates sets the canonical answer templates.
func WithTemplates(t Templates) ConductorOption {
	return func(c *Conductor) { c.templates = t }
}

// WithPolicy sets the project registry and web-access gate.
func WithPolicy(p *Policy) ConductorOption {
	return func(c *Conductor) { c.policy = p }
}

// WithUnderstander sets the understanding stage.
func WithUnderstander(u *Understander) ConductorOption {
	return func(c *Conductor) { c.understander = u }
}

// WithSessionMemory sets the session memory layer.
func WithSessionMemory(m *SessionMemory) ConductorOption {
	return func(c *Conductor) { c.memory = m }
}

// WithConductorWatch shares the latency watch with the retriever.
func WithConductorWatch(w *LatencyWatch) ConductorOption {
	return func(c *Conductor) { c.watch = w }
}

// WithAsyncPolling sets the poll interval and overall budget for waiting on
// durable subtasks. Defaults: 2s poll, 15min budget.
func WithAsyncPolling(poll, budget time.Duration) ConductorOption {
	return func(c *Conductor) {
		if poll > 0 {
			c.asyncPoll = poll
		}
		if budget > 0 {
			c.asyncBudget = budget
		}
	}
}

// WithRetryDelay sets the delay written on failed async parents before the
// executor retries them. Default: 90s.
func WithRetryDelay(d time.Duration) ConductorOption {
	return func(c *Conductor) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// NewConductor creates a Conductor over the store, router, and retriever.
func NewConductor(store Store, router *Router, retriever *Retriever, opts ...ConductorOption) *Conductor {
	c := &Conductor{
		store:           store,
		router:          router,
		retriever:       retriever,
		sem:             make(chan struct{}, 50),
		maxGoalChars:    8000,
		fanoutMax:       4,
		maxSubtasks:     6,
		strategyEnabled: true,
		retryDelay:      90 * time.Second,
		asyncPoll:       2 * time.Second,
		asyncBudget:     15 * time.Minute,
		templates:       DefaultTemplates(),
		logger:          nopLogger,
		tracer:          NopTracer{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.policy == nil {
		c.policy = NewPolicy(nil, "general")
	}
	if c.understander == nil {
		c.understander = NewUnderstander(nil)
	}
	if c.memory == nil {
		c.memory = NewSessionMemory(store)
	}
	if c.watch == nil && retriever != nil {
		c.watch = retriever.Watch()
	}
	if c.watch == nil {
		c.watch = NewLatencyWatch()
	}
	return c
}

// Watch returns the shared latency watch.
func (c *Conductor) Watch() *LatencyWatch { return c.watch }

// Run executes one request synchronously. Validation mistakes and overload
// come back as errors; pipeline failures come back as a failure-kind
// RunResult so the caller still gets a correlation ID and a normalized
// failure class.
func (c *Conductor) Run(ctx context.Context, req RunRequest) (RunResult, error) {
	if err := c.validate(&req); err != nil {
		return RunResult{}, err
	}

	select {
	case c.sem <- struct{}{}:
	default:
		return RunResult{}, &ErrOverloaded{RetryAfter: 2 * time.Second}
	}
	defer func() { <-c.sem }()

	ctx, span := c.tracer.Start(ctx, "conductor.run",
		StringAttr("correlation_id", req.CorrelationID),
		StringAttr("project", req.ProjectContext))
	defer span.End()

	res := c.pipeline(ctx, req)
	if res.Kind == ResultFailure {
		span.SetAttr(StringAttr("fail_kind", string(res.FailKind)))
	}
	return res, nil
}

func (c *Conductor) validate(req *RunRequest) error {
	req.Goal = strings.TrimSpace(req.Goal)
	if req.Goal == "" {
		return &ErrConfig{Field: "goal", Reason: "empty"}
	}
	if len(req.Goal) > c.maxGoalChars {
		return &ErrConfig{Field: "goal", Reason: fmt.Sprintf("longer than %d chars", c.maxGoalChars)}
	}
	if req.CorrelationID == "" {
		req.CorrelationID = NewCorrelationID()
	}
	if req.Priority == "" {
		req.Priority = PriorityMedium
	}
	req.ProjectContext = c.policy.ResolveProject(req.ProjectContext)
	return nil
}

// pipeline is the shared run pipeline: policy gate, understanding,
// ambiguity, strategy, then one of the four strategy paths.
func (c *Conductor) pipeline(ctx context.Context, req RunRequest) RunResult {
	var steps []string
	note := func(format string, args ...any) {
		if req.Verbose {
			steps = append(steps, fmt.Sprintf(format, args...))
		}
	}
	finish := func(res RunResult) RunResult {
		res.Steps = steps
		return res
	}

	if blocked, pattern := c.policy.BlocksWeb(req.Goal); blocked {
		note("policy: web access blocked (%s)", pattern)
		c.memory.Persist(ctx, req.SessionID, req.Goal, WebDeclineMessage)
		return finish(successResult(req.CorrelationID, WebDeclineMessage))
	}

	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "understanding"})
	summary := c.memory.Summary(ctx, req.SessionID)
	und, err := c.understander.Understand(ctx, req.Goal, summary, req.ProjectContext)
	if err != nil {
		return finish(failureResult(req.CorrelationID, NormalizeError(err), "understanding failed"))
	}
	note("understanding: category=%s cached=%t", und.Category, und.FromCache)

	if tpl, ok := c.templates.For(und.Category); ok {
		note("canonical: %s", und.Category)
		c.memory.Persist(ctx, req.SessionID, req.Goal, tpl)
		return finish(successResult(req.CorrelationID, tpl))
	}

	if IsAmbiguous(req.Goal, und.Category) {
		note("ambiguity: score=%d", AmbiguityScore(req.Goal, und.Category))
		questions, restated := c.understander.ClarifyQuestions(ctx, req.Goal)
		if restated == "" {
			restated = und.Restated
		}
		return finish(clarifyResult(req.CorrelationID, questions, restated))
	}

	strat := c.understander.ChooseStrategy(ctx, req.Goal, und, c.strategyEnabled)
	note("strategy: %s confidence=%.2f", strat.Choice, strat.Confidence)

	// A short concrete imperative never fans out, whatever the strategy
	// model thinks.
	if strat.Choice == StrategyDeep && IsSimpleOneShot(req.Goal) {
		note("one-shot override: direct execution")
		strat.Choice = StrategyQuick
	}

	switch strat.Choice {
	case StrategyClarify:
		questions, restated := c.understander.ClarifyQuestions(ctx, req.Goal)
		if restated == "" {
			restated = und.Restated
		}
		return finish(clarifyResult(req.CorrelationID, questions, restated))
	case StrategyDecline:
		c.memory.Persist(ctx, req.SessionID, req.Goal, DeclineMessage)
		return finish(successResult(req.CorrelationID, DeclineMessage))
	case StrategyDeep:
		return finish(c.runDeep(ctx, req, und, note))
	default:
		return finish(c.runQuick(ctx, req, und, note))
	}
}

// runQuick answers with a single routed generation over assembled context.
func (c *Conductor) runQuick(ctx context.Context, req RunRequest, und Understanding, note func(string, ...any)) RunResult {
	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "retrieval"})
	block := c.assembleContext(ctx, req)
	note("retrieval: %d nodes cached=%t", len(block.Snippets), block.FromCache)

	history := c.memory.BuildHistory(ctx, req.SessionID, req.History)

	prompt := req.Goal
	if block.Text != "" {
		prompt = block.Text + "\n\nВопрос: " + req.Goal
	}
	greq := GenRequest{
		Prompt:   prompt,
		System:   answerSystemPrompt,
		History:  history,
		Category: und.Category,
	}

	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "generation"})
	var (
		res GenResult
		err error
	)
	if req.Stream != nil {
		res, err = c.router.GenerateStream(ctx, greq, req.Stream)
	} else {
		res, err = c.router.Generate(ctx, greq)
	}
	if err != nil {
		c.logger.Error("quick answer generation failed", "correlation_id", req.CorrelationID, "error", err)
		return failureResult(req.CorrelationID, NormalizeError(err), "модели недоступны, попробуйте позже")
	}
	if strings.TrimSpace(res.Text) == "" {
		return failureResult(req.CorrelationID, FailEmptyShort, "модель вернула пустой ответ")
	}

	c.remember(ctx, req, res.Text)
	out := successResult(req.CorrelationID, res.Text)
	out.KnowledgeIDs = block.NodeIDs
	out.Model = res.Model
	out.Family = res.Family
	return out
}

// runDeep decomposes the goal, fans out subtasks in-process, revises the
// plan once when outputs come back empty, and synthesizes the final answer.
func (c *Conductor) runDeep(ctx context.Context, req RunRequest, und Understanding, note func(string, ...any)) RunResult {
	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "retrieval"})
	block := c.assembleContext(ctx, req)
	note("retrieval: %d nodes", len(block.Snippets))

	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "planning"})
	plan, err := c.buildPlan(ctx, req.Goal, block.Text)
	if err != nil {
		c.logger.Error("planning failed", "correlation_id", req.CorrelationID, "error", err)
		return failureResult(req.CorrelationID, NormalizeError(err), "не удалось разбить цель на подзадачи")
	}
	note("plan: %d subtasks, %d waves", len(plan.Subtasks), len(plan.Waves()))

	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "execution"})
	outputs, err := c.runPlanDirect(ctx, plan, block.Text, nil)
	if err != nil {
		c.logger.Error("subtask execution failed", "correlation_id", req.CorrelationID, "error", err)
		return failureResult(req.CorrelationID, NormalizeError(err), "подзадачи не выполнились")
	}

	if empty := emptyOutputIDs(plan, outputs); len(empty) > 0 {
		note("revision: %d empty outputs", len(empty))
		plan = c.revisePlan(ctx, req.Goal, plan, empty)
		more, err := c.runPlanDirect(ctx, plan, block.Text, outputs)
		if err == nil {
			outputs = more
		}
	}

	c.emit(ctx, req.Stream, StreamEvent{Type: EventStage, Name: "synthesis"})
	final, err := c.synthesize(ctx, req.Goal, plan, outputs)
	if err != nil {
		return failureResult(req.CorrelationID, NormalizeError(err), "не удалось собрать итоговый ответ")
	}
	if strings.TrimSpace(final) == "" {
		return failureResult(req.CorrelationID, FailEmptyShort, "подзадачи не дали пригодного результата")
	}
	if req.Stream != nil {
		c.emit(ctx, req.Stream, StreamEvent{Type: EventTextDelta, Content: final})
	}

	c.remember(ctx, req, final)
	out := successResult(req.CorrelationID, final)
	out.KnowledgeIDs = block.NodeIDs
	return out
}

// assembleContext merges retrieval with cross-session summaries. Retrieval
// failures degrade to an empty block.
func (c *Conductor) assembleContext(ctx context.Context, req RunRequest) ContextBlock {
	var block ContextBlock
	if c.retriever != nil {
		var err error
		block, err = c.retriever.Context(ctx, req.Goal, nil)
		if err != nil {
			c.logger.Warn("retrieval failed, continuing without context", "error", err)
			block = ContextBlock{}
		}
	}
	if summaries := c.memory.CrossSession(ctx, req.SessionID); len(summaries) > 0 {
		block.Text = strings.TrimSpace(block.Text + "\n\nИз прошлых сессий:\n- " + strings.Join(summaries, "\n- "))
	}
	return block
}

// remember persists the finished exchange and, for substantive answers,
// writes a self-sourced knowledge node in the background.
func (c *Conductor) remember(ctx context.Context, req RunRequest, answer string) {
	c.memory.Persist(ctx, req.SessionID, req.Goal, answer)

	if len([]rune(answer)) < 200 || c.store == nil {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	goal, project := req.Goal, req.ProjectContext
	go func() {
		writeCtx, cancel := context.WithTimeout(bgCtx, 15*time.Second)
		defer cancel()

		content := truncateRunes("Q: "+goal+"\nA: "+answer, 2000)
		node := KnowledgeNode{
			ID:      NewID(),
			Content: content,
			Meta: KnowledgeMeta{
				Domain: inferDomain(goal, ClassifyGoal(goal)),
				Source: "self",
			},
			Confidence: 0.6,
			CreatedAt:  NowUnix(),
		}
		if vec, err := c.router.Embed(writeCtx, content); err == nil {
			node.Embedding = vec
		}
		if err := c.store.UpsertNode(writeCtx, node); err != nil {
			c.logger.Warn("knowledge write-back failed", "project", project, "error", err)
		}
	}()
}

// MarkHelpful records explicit positive feedback: the knowledge nodes that
// contributed to an answer get their usage counters bumped.
func (c *Conductor) MarkHelpful(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	return c.store.IncrementNodeUsage(ctx, nodeIDs)
}

func (c *Conductor) emit(ctx context.Context, ch chan<- StreamEvent, ev StreamEvent) {
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// RunAsync persists the request as a durable parent task and runs the
// pipeline in the background: subtasks go through the executor's durable
// queue, and the final answer lands in the parent's metadata. Returns the
// parent task ID immediately.
//
// If this process dies mid-run, the stuck sweep reverts the parent to
// pending and the executor retries it as a plain direct task, so the goal
// is never lost.
func (c *Conductor) RunAsync(ctx context.Context, req RunRequest) (string, error) {
	if err := c.validate(&req); err != nil {
		return "", err
	}

	now := NowUnix()
	task := Task{
		ID:             NewID(),
		Goal:           req.Goal,
		ProjectContext: req.ProjectContext,
		Status:         StatusPending,
		Priority:       req.Priority,
		CreatedAt:      now,
		UpdatedAt:      now,
		Meta: TaskMeta{
			CorrelationID: req.CorrelationID,
		},
	}
	if err := c.store.CreateTask(ctx, task); err != nil {
		return "", fmt.Errorf("maestro: create async task: %w", err)
	}

	bgCtx := context.WithoutCancel(ctx)
	spawnRun(bgCtx, task.ID, c.logger, func(runCtx context.Context) (RunResult, error) {
		runCtx, cancel := context.WithTimeout(runCtx, c.asyncBudget)
		defer cancel()
		return c.runAsyncTask(runCtx, task, req)
	})
	return task.ID, nil
}

// runAsyncTask claims the parent and drives the pipeline with durable
// subtask execution. Losing the claim means another worker got there first;
// that worker owns the outcome.
func (c *Conductor) runAsyncTask(ctx context.Context, task Task, req RunRequest) (RunResult, error) {
	claimed, ok, err := c.store.ClaimTask(ctx, task.ID, NowUnix())
	if err != nil {
		return RunResult{}, fmt.Errorf("maestro: claim async task: %w", err)
	}
	if !ok {
		c.logger.Info("async task already claimed elsewhere", "task", task.ID)
		return RunResult{}, nil
	}
	task = claimed

	res := c.asyncPipeline(ctx, req, task.ID)
	if res.Kind == ResultSuccess || res.Kind == ResultClarify {
		output := res.Output
		if res.Kind == ResultClarify {
			output = "Нужны уточнения:\n- " + strings.Join(res.Questions, "\n- ")
		}
		ok, terr := c.store.TransitionTask(ctx, task.ID, StatusInProgress, StatusCompleted, WithResult(output, 1))
		if terr != nil || !ok {
			c.logger.Error("async task completion transition failed", "task", task.ID, "error", terr)
		}
		return res, nil
	}

	// Pipeline failure: hand the parent back to the executor for a plain
	// retry after the delay.
	ok, terr := c.store.TransitionTask(ctx, task.ID, StatusInProgress, StatusPending,
		WithLastError(res.FailKind),
		WithNextRetryAt(NowUnix()+int64(c.retryDelay.Seconds())))
	if terr != nil || !ok {
		c.logger.Error("async task retry transition failed", "task", task.ID, "error", terr)
	}
	return res, nil
}

// asyncPipeline mirrors pipeline but sends deep-analysis subtasks through
// the durable queue instead of in-process fan-out.
func (c *Conductor) asyncPipeline(ctx context.Context, req RunRequest, parentID string) RunResult {
	if blocked, _ := c.policy.BlocksWeb(req.Goal); blocked {
		return successResult(req.CorrelationID, WebDeclineMessage)
	}

	summary := c.memory.Summary(ctx, req.SessionID)
	und, err := c.understander.Understand(ctx, req.Goal, summary, req.ProjectContext)
	if err != nil {
		return failureResult(req.CorrelationID, NormalizeError(err), "understanding failed")
	}
	if tpl, ok := c.templates.For(und.Category); ok {
		return successResult(req.CorrelationID, tpl)
	}
	if IsAmbiguous(req.Goal, und.Category) {
		questions, restated := c.understander.ClarifyQuestions(ctx, req.Goal)
		if restated == "" {
			restated = und.Restated
		}
		return clarifyResult(req.CorrelationID, questions, restated)
	}

	strat := c.understander.ChooseStrategy(ctx, req.Goal, und, c.strategyEnabled)
	if strat.Choice == StrategyDeep && IsSimpleOneShot(req.Goal) {
		strat.Choice = StrategyQuick
	}

	switch strat.Choice {
	case StrategyClarify:
		questions, restated := c.understander.ClarifyQuestions(ctx, req.Goal)
		if restated == "" {
			restated = und.Restated
		}
		return clarifyResult(req.CorrelationID, questions, restated)
	case StrategyDecline:
		return successResult(req.CorrelationID, DeclineMessage)
	case StrategyDeep:
		return c.runDeepDurable(ctx, req, parentID)
	default:
		return c.runQuick(ctx, req, und, func(string, ...any) {})
	}
}

// runDeepDurable plans, submits subtasks to the durable queue, waits for the
// executor to finish them, and synthesizes.
func (c *Conductor) runDeepDurable(ctx context.Context, req RunRequest, parentID string) RunResult {
	block := c.assembleContext(ctx, req)

	plan, err := c.buildPlan(ctx, req.Goal, block.Text)
	if err != nil {
		return failureResult(req.CorrelationID, NormalizeError(err), "не удалось разбить цель на подзадачи")
	}

	ids, err := c.submitPlanDurable(ctx, plan, parentID, req.ProjectContext, req.Priority, req.CorrelationID)
	if err != nil {
		return failureResult(req.CorrelationID, NormalizeError(err), "не удалось поставить подзадачи в очередь")
	}

	byTask, err := c.waitForTasks(ctx, ids, c.asyncPoll)
	if err != nil {
		return failureResult(req.CorrelationID, NormalizeError(err), "подзадачи не завершились в срок")
	}

	// Re-key outputs from task IDs back to plan subtask IDs (same order).
	outputs := make(map[string]string, len(plan.Subtasks))
	for i, st := range plan.Subtasks {
		if i < len(ids) {
			outputs[st.ID] = byTask[ids[i]]
		}
	}

	final, err := c.synthesize(ctx, req.Goal, plan, outputs)
	if err != nil {
		return failureResult(req.CorrelationID, NormalizeError(err), "не удалось собрать итоговый ответ")
	}
	if strings.TrimSpace(final) == "" {
		return failureResult(req.CorrelationID, FailEmptyShort, "подзадачи не дали пригодного результата")
	}

	c.remember(ctx, req, final)
	out := successResult(req.CorrelationID, final)
	out.KnowledgeIDs = block.NodeIDs
	return out
}

// Status reports the externally visible state of a durable task.
func (c *Conductor) Status(ctx context.Context, taskID string) (TaskStatusReport, error) {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return TaskStatusReport{}, err
	}

	report := TaskStatusReport{TaskID: task.ID}
	switch task.Status {
	case StatusPending:
		report.State = "queued"
	case StatusInProgress:
		report.State = "running"
	case StatusCompleted:
		report.State = "completed"
		res := successResult(task.Meta.CorrelationID, task.Meta.Result)
		if task.Meta.BoardEscalated {
			if decision, ok, derr := c.store.DecisionForTask(ctx, task.ID); derr == nil && ok {
				res.Board = &decision
			}
		}
		report.Result = &res
	case StatusFailed:
		report.State = "failed"
		report.Reason = string(task.Meta.LastError)
		res := failureResult(task.Meta.CorrelationID, task.Meta.LastError, "задача не выполнена")
		report.Result = &res
	case StatusCancelled:
		report.State = "cancelled"
	case StatusDeferredToHuman:
		report.State = "deferred_to_human"
		res := failureResult(task.Meta.CorrelationID, task.Meta.LastError, "передано на рассмотрение человеку")
		if decision, ok, derr := c.store.DecisionForTask(ctx, task.ID); derr == nil && ok {
			res.Board = &decision
		}
		report.Result = &res
	default:
		report.State = string(task.Status)
	}
	return report, nil
}
