package maestro

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const workerSystemPrompt = "Выполни задачу полностью и верни только результат, без рассуждений о процессе."

// Executor drains the durable task queue: it assigns pending tasks to
// experts, claims ready ones under an adaptive worker budget, executes them
// through the router, validates the outputs, and retries or escalates what
// failed. One Executor per process; concurrent processes stay safe because
// every status write is conditional.
type Executor struct {
	store     Store
	router    *Router
	catalog   *ModelCatalog
	validator *Validator
	board     *Board
	retriever *Retriever

	maxAttempts    int
	retryDelay     time.Duration
	stuckAfter     time.Duration
	pollInterval   time.Duration
	sweepInterval  time.Duration
	heartbeatEvery time.Duration
	batchSize      int
	interleave     bool
	adaptive       bool
	minWorkers     int
	maxWorkers     int
	heavyMax       map[Family]int
	hostStats      HostStats

	active      atomic.Int32
	heavyMLX    atomic.Int32
	heavyOllama atomic.Int32
	lastSweep   int64

	expertMu sync.RWMutex
	experts  map[string]Expert

	logger  *slog.Logger
	metrics *Metrics
	tracer  Tracer
	now     func() int64
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithExecutorLogger sets the structured logger.
func WithExecutorLogger(l *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = l }
}

// WithExecutorMetrics sets the metrics sink.
func WithExecutorMetrics(m *Metrics) ExecutorOption {
	return func(e *Executor) { e.metrics = m }
}

// WithExecutorTracer sets the tracer for execution spans.
func WithExecutorTracer(t Tracer) ExecutorOption {
	return func(e *Executor) { e.tracer = t }
}

// WithExecutorWorkers bounds the adaptive worker pool. Defaults: 2 to 8.
func WithExecutorWorkers(min, max int) ExecutorOption {
	return func(e *Executor) {
		if min > 0 {
			e.minWorkers = min
		}
		if max >= e.minWorkers {
			e.maxWorkers = max
		}
	}
}

// WithExecutorAdaptive toggles worker scaling from queue depth and host
// load. Off pins the budget at the pool maximum. Default: on.
func WithExecutorAdaptive(on bool) ExecutorOption {
	return func(e *Executor) { e.adaptive = on }
}

// WithExecutorHostStats feeds host CPU and memory utilisation into the
// adaptive budget. Without it only queue depth and in-flight request
// counts are considered.
func WithExecutorHostStats(s HostStats) ExecutorOption {
	return func(e *Executor) { e.hostStats = s }
}

// WithExecutorBatchSize caps how many same-group tasks share one model
// call. Default: 4. A size of 1 disables batching.
func WithExecutorBatchSize(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithExecutorInterleave toggles alternating fast- and heavy-family blocks
// in dispatch order. Default: on. Off preserves queue order.
func WithExecutorInterleave(on bool) ExecutorOption {
	return func(e *Executor) { e.interleave = on }
}

// WithExecutorHeavyCeilings caps concurrently executing heavy-model tasks
// per family. A block that would cross its family's ceiling is skipped at
// claim time and stays pending. Defaults: 2 and 2.
func WithExecutorHeavyCeilings(mlx, ollama int) ExecutorOption {
	return func(e *Executor) {
		if mlx > 0 {
			e.heavyMax[FamilyMLX] = mlx
		}
		if ollama > 0 {
			e.heavyMax[FamilyOllama] = ollama
		}
	}
}

// WithExecutorRetry sets the attempt ceiling and the fixed delay between
// attempts. Defaults: 3 attempts, 90s delay.
func WithExecutorRetry(maxAttempts int, delay time.Duration) ExecutorOption {
	return func(e *Executor) {
		if maxAttempts > 0 {
			e.maxAttempts = maxAttempts
		}
		if delay > 0 {
			e.retryDelay = delay
		}
	}
}

// WithExecutorIntervals sets the dispatch poll interval, the stuck-task
// sweep interval, and the in-progress age after which a task counts as
// stuck. Defaults: 2s, 60s, 15min.
func WithExecutorIntervals(poll, sweep, stuck time.Duration) ExecutorOption {
	return func(e *Executor) {
		if poll > 0 {
			e.pollInterval = poll
		}
		if sweep > 0 {
			e.sweepInterval = sweep
		}
		if stuck > 0 {
			e.stuckAfter = stuck
		}
	}
}

// WithExecutorHeartbeat sets how often claimed tasks refresh updated_at.
// Default: 15s. Must stay well under the stuck threshold.
func WithExecutorHeartbeat(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.heartbeatEvery = d
		}
	}
}

// WithExecutorRetriever lets task execution pull knowledge context before
// generation.
func WithExecutorRetriever(r *Retriever) ExecutorOption {
	return func(e *Executor) { e.retriever = r }
}

// NewExecutor creates an Executor over the store, router, catalog,
// validator, and board.
func NewExecutor(store Store, router *Router, catalog *ModelCatalog, validator *Validator, board *Board, opts ...ExecutorOption) *Executor {
	e := &Executor{
		store:          store,
		router:         router,
		catalog:        catalog,
		validator:      validator,
		board:          board,
		maxAttempts:    3,
		retryDelay:     90 * time.Second,
		stuckAfter:     15 * time.Minute,
		pollInterval:   2 * time.Second,
		sweepInterval:  60 * time.Second,
		heartbeatEvery: 15 * time.Second,
		batchSize:      4,
		interleave:     true,
		adaptive:       true,
		minWorkers:     2,
		maxWorkers:     8,
		heavyMax:       map[Family]int{FamilyMLX: 2, FamilyOllama: 2},
		experts:        map[string]Expert{},
		logger:         nopLogger,
		tracer:         NopTracer{},
		now:            NowUnix,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Start runs the executor loop until the context is cancelled. In-flight
// tasks are abandoned on shutdown; the stuck sweep reclaims them later.
func (e *Executor) Start(ctx context.Context) error {
	e.logger.Info("executor started",
		"workers", e.maxWorkers,
		"max_attempts", e.maxAttempts,
		"poll", e.pollInterval)
	for {
		e.tick(ctx)
		select {
		case <-ctx.Done():
			e.logger.Info("executor stopped")
			return nil
		case <-time.After(e.pollInterval):
		}
	}
}

func (e *Executor) tick(ctx context.Context) {
	now := e.now()
	if now-e.lastSweep >= int64(e.sweepInterval.Seconds()) {
		e.sweep(ctx, now)
		e.lastSweep = now
	}
	e.assignPass(ctx)
	e.dispatch(ctx, now)

	e.metrics.SetActiveWorkers(int(e.active.Load()))
	e.metrics.SetFamilyActive(FamilyOllama, e.router.ActiveRequests(FamilyOllama))
	e.metrics.SetFamilyActive(FamilyMLX, e.router.ActiveRequests(FamilyMLX))
}

// sweep reclaims in_progress tasks whose owner stopped heartbeating.
// Attempt counters are left alone: a crash is not the task's fault.
func (e *Executor) sweep(ctx context.Context, now int64) {
	n, err := e.store.SweepStuckTasks(ctx, now-int64(e.stuckAfter.Seconds()), now)
	if err != nil {
		e.logger.Warn("stuck sweep failed", "error", err)
		return
	}
	if n > 0 {
		e.logger.Warn("reclaimed stuck tasks", "count", n)
	}
}

// assignPass matches unassigned pending tasks with experts and routing
// hints. Guarded assignment keeps concurrent passes idempotent.
func (e *Executor) assignPass(ctx context.Context) {
	experts, err := e.store.ListExperts(ctx)
	if err != nil {
		e.logger.Warn("expert registry unavailable", "error", err)
	} else {
		e.setExperts(experts)
	}

	tasks, err := e.store.ListUnassignedTasks(ctx, 50)
	if err != nil {
		e.logger.Warn("unassigned listing failed", "error", err)
		return
	}
	for _, t := range tasks {
		cat := t.Meta.Category
		if cat == "" {
			cat = ClassifyGoal(t.Goal)
		}
		fam := defaultFamilyFor(cat)
		assignee := AssigneeDirect
		if exp, ok := PickExpert(experts, inferDomain(t.Goal, cat)); ok {
			assignee = exp.Name
			if departmentFamily(exp.Department) == FamilyMLX {
				fam = FamilyMLX
			}
		}
		model := e.catalog.PickModel(fam, cat)

		ok, err := e.store.AssignTask(ctx, t.ID, assignee, fam, model)
		if err != nil {
			e.logger.Warn("assignment failed", "task", t.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if assignee != AssigneeDirect {
			if err := e.store.AdjustExpertWorkload(ctx, assignee, 1); err != nil {
				e.logger.Debug("workload bump failed", "expert", assignee, "error", err)
			}
		}
		e.logger.Debug("task assigned", "task", t.ID, "assignee", assignee, "family", fam, "model", model)
	}
}

// dispatch claims ready tasks under the adaptive budget and hands them to
// worker goroutines. Blocks whose family is saturated stay pending for the
// next tick.
func (e *Executor) dispatch(ctx context.Context, now int64) {
	allowed := e.maxWorkers
	if e.adaptive {
		counts, err := e.store.CountTasksByStatus(ctx)
		if err != nil {
			e.logger.Warn("queue depth unavailable", "error", err)
			return
		}
		load := HostLoad{
			Active: e.router.ActiveRequests(FamilyOllama) + e.router.ActiveRequests(FamilyMLX),
		}
		if e.hostStats != nil {
			load.CPUPct, load.MemPct = e.hostStats.Sample()
		}
		allowed = AdaptiveWorkers(counts[StatusPending], load, e.minWorkers, e.maxWorkers)
	}
	budget := allowed - int(e.active.Load())
	if budget <= 0 {
		return
	}

	tasks, err := e.store.PullReadyTasks(ctx, now, budget)
	if err != nil {
		e.logger.Warn("pull failed", "error", err)
		return
	}
	if len(tasks) == 0 {
		return
	}

	blocks := groupTasks(tasks, e.batchSize)
	if e.interleave {
		blocks = interleaveBlocks(blocks)
	}
	for _, block := range blocks {
		fam := blockFamily(block)
		if e.router.OverloadedFamily(fam) {
			continue
		}
		heavy := e.blockHeavy(block)
		if heavy && int(e.heavyActive(fam).Load())+len(block) > e.heavyMax[fam] {
			continue
		}
		claimed := make([]Task, 0, len(block))
		for _, t := range block {
			got, ok, err := e.store.ClaimTask(ctx, t.ID, now)
			if err != nil {
				e.logger.Warn("claim failed", "task", t.ID, "error", err)
				continue
			}
			if ok {
				claimed = append(claimed, got)
			}
		}
		if len(claimed) == 0 {
			continue
		}
		e.active.Add(int32(len(claimed)))
		if heavy {
			e.heavyActive(fam).Add(int32(len(claimed)))
		}
		go func(block []Task, fam Family, heavy bool) {
			defer e.active.Add(-int32(len(block)))
			if heavy {
				defer e.heavyActive(fam).Add(-int32(len(block)))
			}
			e.executeBatch(ctx, block)
		}(claimed, fam, heavy)
	}
}

// blockHeavy reports whether a block counts against the heavy ceilings:
// its declared model is heavy, or it targets the heavy family with no
// declared model.
func (e *Executor) blockHeavy(block []Task) bool {
	if len(block) == 0 {
		return false
	}
	if m := block[0].Meta.PreferredModel; m != "" {
		return e.catalog.IsHeavy(m)
	}
	return blockFamily(block) == FamilyMLX
}

func (e *Executor) heavyActive(f Family) *atomic.Int32 {
	if f == FamilyMLX {
		return &e.heavyMLX
	}
	return &e.heavyOllama
}

// AdaptiveWorkers picks a worker count from queue depth and host load: one
// worker per two pending tasks, less half the in-flight model requests.
// Above the high CPU or memory watermark the budget halves; above the
// critical one it pins to min. The result clamps to [min, max].
func AdaptiveWorkers(pending int, load HostLoad, min, max int) int {
	if load.CPUPct >= cpuCriticalPct || load.MemPct >= memCriticalPct {
		return min
	}
	n := (pending+1)/2 - load.Active/2
	if load.CPUPct >= cpuHighPct || load.MemPct >= memHighPct {
		n /= 2
	}
	if n < min {
		n = min
	}
	if n > max {
		n = max
	}
	return n
}

type batchKey struct {
	group  string
	family Family
	model  string
}

// groupTasks folds tasks that share a batch group and routing hints into
// blocks of at most batchSize; everything else becomes a singleton block.
// First-seen order is preserved.
func groupTasks(tasks []Task, batchSize int) [][]Task {
	var blocks [][]Task
	open := map[batchKey]int{}
	for _, t := range tasks {
		if t.Meta.BatchGroup == "" || batchSize <= 1 {
			blocks = append(blocks, []Task{t})
			continue
		}
		key := batchKey{t.Meta.BatchGroup, t.Meta.PreferredSource, t.Meta.PreferredModel}
		if i, ok := open[key]; ok && len(blocks[i]) < batchSize {
			blocks[i] = append(blocks[i], t)
			continue
		}
		blocks = append(blocks, []Task{t})
		open[key] = len(blocks) - 1
	}
	return blocks
}

// interleaveBlocks alternates fast- and heavy-family blocks so one
// family's backlog cannot starve the other.
func interleaveBlocks(blocks [][]Task) [][]Task {
	var fast, heavy [][]Task
	for _, b := range blocks {
		if blockFamily(b) == FamilyMLX {
			heavy = append(heavy, b)
		} else {
			fast = append(fast, b)
		}
	}
	out := make([][]Task, 0, len(blocks))
	for len(fast) > 0 || len(heavy) > 0 {
		if len(fast) > 0 {
			out = append(out, fast[0])
			fast = fast[1:]
		}
		if len(heavy) > 0 {
			out = append(out, heavy[0])
			heavy = heavy[1:]
		}
	}
	return out
}

func blockFamily(block []Task) Family {
	if len(block) == 0 {
		return FamilyOllama
	}
	if f := block[0].Meta.PreferredSource; f != "" {
		return f
	}
	return defaultFamilyFor(block[0].Meta.Category)
}

// executeBatch runs a block through one model call when it holds several
// tasks, falling back to individual runs when the batched answer does not
// follow the marker protocol.
func (e *Executor) executeBatch(ctx context.Context, block []Task) {
	if len(block) == 1 {
		e.executeOne(ctx, block[0])
		return
	}

	stop := e.heartbeat(ctx, block)
	defer stop()

	goals := make([]string, len(block))
	for i, t := range block {
		goals[i] = t.Goal
	}
	res, err := e.router.Generate(ctx, GenRequest{
		Prompt:          buildBatchPrompt(goals),
		System:          workerSystemPrompt,
		Category:        block[0].Meta.Category,
		PreferredFamily: block[0].Meta.PreferredSource,
		PreferredModel:  block[0].Meta.PreferredModel,
	})
	if err == nil {
		if outputs, ok := parseBatchOutputs(res.Text, len(block)); ok {
			for i, t := range block {
				e.finishValidated(ctx, t, outputs[i])
			}
			return
		}
		e.logger.Warn("batched answer ignored the marker protocol, re-running individually",
			"group", block[0].Meta.BatchGroup, "tasks", len(block))
	} else {
		e.logger.Warn("batched generation failed, re-running individually",
			"group", block[0].Meta.BatchGroup, "error", err)
	}
	for _, t := range block {
		e.executeOne(ctx, t)
	}
}

// executeOne runs a single claimed task end to end.
func (e *Executor) executeOne(ctx context.Context, task Task) {
	ctx, span := e.tracer.Start(ctx, "executor.task",
		StringAttr("task", task.ID),
		IntAttr("attempt", task.AttemptCount))
	defer span.End()

	stop := e.heartbeat(ctx, []Task{task})
	defer stop()

	output, err := e.generateFor(ctx, task)
	if err != nil {
		span.Error(err)
		e.logger.Warn("generation failed", "task", task.ID, "attempt", task.AttemptCount, "error", err)
		e.retryOrEscalate(ctx, task, NormalizeError(err), "")
		return
	}
	if strings.TrimSpace(output) == "" {
		e.retryOrEscalate(ctx, task, FailEmptyShort, "")
		return
	}
	e.finishValidated(ctx, task, output)
}

// finishValidated scores an output and completes or retries the task.
func (e *Executor) finishValidated(ctx context.Context, task Task, output string) {
	verdict := e.validator.Validate(ctx, task.Goal, output)
	if e.validator.Pass(verdict) {
		e.complete(ctx, task, output, verdict.Score)
		return
	}
	e.logger.Info("output failed validation",
		"task", task.ID,
		"score", verdict.Score,
		"feedback", verdict.Feedback)
	e.retryOrEscalate(ctx, task, FailValidation, output)
}

func (e *Executor) generateFor(ctx context.Context, task Task) (string, error) {
	cat := task.Meta.Category
	if cat == "" {
		cat = ClassifyGoal(task.Goal)
	}
	prompt := task.Goal
	if e.retriever != nil {
		if block, err := e.retriever.Context(ctx, task.Goal, nil); err == nil && block.Text != "" {
			prompt = block.Text + "\n\nЗадача: " + task.Goal
		}
	}
	res, err := e.router.Generate(ctx, GenRequest{
		Prompt:          prompt,
		System:          e.systemPromptFor(task),
		Category:        cat,
		PreferredFamily: task.Meta.PreferredSource,
		PreferredModel:  task.Meta.PreferredModel,
	})
	if err != nil {
		return "", err
	}
	return res.Text, nil
}

func (e *Executor) systemPromptFor(task Task) string {
	if exp, ok := e.expert(task.Assignee); ok && exp.SystemPrompt != "" {
		return exp.SystemPrompt
	}
	return workerSystemPrompt
}

func (e *Executor) complete(ctx context.Context, task Task, output string, score float64) {
	ok, err := e.store.TransitionTask(ctx, task.ID, StatusInProgress, StatusCompleted, WithResult(output, score))
	if err != nil || !ok {
		e.logger.Error("completion transition lost", "task", task.ID, "error", err)
		return
	}
	e.recordOutcome(ctx, task, true)
	e.logger.Info("task completed", "task", task.ID, "attempts", task.AttemptCount, "score", score)
}

// retryOrEscalate sends a failed attempt back to pending with a fixed
// delay, until attempts run out. Then a rule-passing output is accepted
// as-is; everything else goes to the board.
func (e *Executor) retryOrEscalate(ctx context.Context, task Task, kind FailKind, lastOutput string) {
	if task.AttemptCount < e.maxAttempts {
		opts := []TransitionOption{
			WithLastError(kind),
			WithNextRetryAt(e.now() + int64(e.retryDelay.Seconds())),
		}
		if lastOutput != "" {
			opts = append(opts, WithAttemptOutput(truncateRunes(lastOutput, 2000)))
		}
		ok, err := e.store.TransitionTask(ctx, task.ID, StatusInProgress, StatusPending, opts...)
		if err != nil || !ok {
			e.logger.Error("retry transition lost", "task", task.ID, "error", err)
		}
		return
	}

	if lastOutput != "" {
		if rule := ruleVerdict(task.Goal, lastOutput); rule.Score >= e.validator.Threshold() {
			e.logger.Warn("accepting sub-threshold output after final attempt",
				"task", task.ID, "score", rule.Score)
			e.complete(ctx, task, lastOutput, rule.Score)
			return
		}
	}
	e.escalate(ctx, task, kind)
}

// escalate hands an exhausted task to the board and applies its decision.
func (e *Executor) escalate(ctx context.Context, task Task, kind FailKind) {
	task.Meta.LastError = kind
	decision, err := e.board.Escalate(ctx, task)
	if err != nil {
		e.logger.Error("board escalation errored, decision may be unrecorded", "task", task.ID, "error", err)
	}

	text := decision.Decision
	if decision.Rationale != "" {
		text += "\n\n" + decision.Rationale
	}
	// The task closes as completed either way; a human-review verdict is
	// recorded in metadata so operators can pick it up from there.
	mods := []TransitionOption{
		WithResult(text, decision.Confidence),
		WithBoardEscalation(),
		WithLastError(kind),
	}
	if decision.HumanReview {
		mods = append(mods, WithHumanDeferral())
	}
	ok, terr := e.store.TransitionTask(ctx, task.ID, StatusInProgress, StatusCompleted, mods...)
	if terr != nil || !ok {
		e.logger.Error("board completion transition lost", "task", task.ID, "error", terr)
	}
	if decision.HumanReview {
		e.metrics.TaskDeferred(kind)
		e.logger.Warn("task deferred to human", "task", task.ID, "reason", kind)
	} else {
		e.logger.Info("task resolved by board", "task", task.ID, "confidence", decision.Confidence)
	}
	e.recordOutcome(ctx, task, false)
}

// recordOutcome releases the expert's workload slot and folds the result
// into their rolling success rate. Called once per terminal transition.
func (e *Executor) recordOutcome(ctx context.Context, task Task, success bool) {
	if task.Assignee == "" || task.Assignee == AssigneeDirect {
		return
	}
	if err := e.store.AdjustExpertWorkload(ctx, task.Assignee, -1); err != nil {
		e.logger.Debug("workload release failed", "expert", task.Assignee, "error", err)
	}
	if err := e.store.RecordExpertOutcome(ctx, task.Assignee, success); err != nil {
		e.logger.Debug("outcome record failed", "expert", task.Assignee, "error", err)
	}
}

// heartbeat refreshes updated_at for claimed tasks until stopped, keeping
// them out of the stuck sweep while they run.
func (e *Executor) heartbeat(ctx context.Context, tasks []Task) (stop func()) {
	hbCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(e.heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				now := e.now()
				for _, t := range tasks {
					if err := e.store.HeartbeatTask(hbCtx, t.ID, now); err != nil {
						e.logger.Debug("heartbeat failed", "task", t.ID, "error", err)
					}
				}
			}
		}
	}()
	return cancel
}

func (e *Executor) setExperts(list []Expert) {
	byName := make(map[string]Expert, len(list))
	for _, exp := range list {
		byName[exp.Name] = exp
	}
	e.expertMu.Lock()
	e.experts = byName
	e.expertMu.Unlock()
}

func (e *Executor) expert(name string) (Expert, bool) {
	e.expertMu.RLock()
	defer e.expertMu.RUnlock()
	exp, ok := e.experts[name]
	return exp, ok
}
