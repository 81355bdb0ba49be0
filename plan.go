package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

// Subtask is one unit of a decomposed goal.
type Subtask struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	// Department routes the subtask to an expert pool: engineering,
	// research, communications, operations.
	Department string `json:"department,omitempty"`
	Role       string `json:"role,omitempty"`
	// DependsOn lists subtask IDs that must complete first.
	DependsOn       []string `json:"depends_on,omitempty"`
	CanParallel     bool     `json:"can_parallel"`
	SuccessCriteria []string `json:"success_criteria,omitempty"`
}

// Plan is the decomposition of a goal into subtasks.
type Plan struct {
	Subtasks []Subtask `json:"subtasks"`
	// Requirements are constraints the synthesis step must honor.
	Requirements []string `json:"requirements,omitempty"`
}

const planSystemPrompt = `You decompose goals into subtasks for a team of specialist executors. The user writes in Russian or English; write subtask descriptions in the goal's language.

Return ONLY a JSON object:
{"subtasks": [
  {"id": "s1",
   "description": "<one self-contained unit of work>",
   "department": "<engineering|research|communications|operations>",
   "role": "<short role hint, optional>",
   "depends_on": ["<ids of prerequisite subtasks>"],
   "can_parallel": true,
   "success_criteria": ["<checkable criterion>"]}
 ],
 "requirements": ["<constraint the final answer must honor>"]}

Rules:
- 2 to 6 subtasks; each must be executable without asking questions back.
- depends_on only when output of one subtask feeds another.
- No subtask may require live internet access.
- No extra text, no markdown fences.`

// ParsePlan parses planner output into a normalized Plan: fences stripped,
// missing IDs filled, duplicate IDs and dangling dependencies dropped,
// subtask count capped.
func ParsePlan(raw string, maxSubtasks int) (Plan, error) {
	var plan Plan
	if err := json.Unmarshal([]byte(extractJSON(raw)), &plan); err != nil {
		return Plan{}, fmt.Errorf("maestro: parse plan: %w", err)
	}
	if len(plan.Subtasks) == 0 {
		return Plan{}, fmt.Errorf("maestro: parse plan: no subtasks")
	}
	if maxSubtasks > 0 && len(plan.Subtasks) > maxSubtasks {
		plan.Subtasks = plan.Subtasks[:maxSubtasks]
	}

	ids := make(map[string]bool, len(plan.Subtasks))
	kept := plan.Subtasks[:0]
	for i, st := range plan.Subtasks {
		st.Description = strings.TrimSpace(st.Description)
		if st.Description == "" {
			continue
		}
		if st.ID == "" || ids[st.ID] {
			st.ID = fmt.Sprintf("s%d", i+1)
		}
		if ids[st.ID] {
			continue
		}
		ids[st.ID] = true
		kept = append(kept, st)
	}
	plan.Subtasks = kept
	if len(plan.Subtasks) == 0 {
		return Plan{}, fmt.Errorf("maestro: parse plan: no usable subtasks")
	}

	for i := range plan.Subtasks {
		deps := plan.Subtasks[i].DependsOn[:0]
		for _, dep := range plan.Subtasks[i].DependsOn {
			if ids[dep] && dep != plan.Subtasks[i].ID {
				deps = append(deps, dep)
			}
		}
		plan.Subtasks[i].DependsOn = deps
	}
	return plan, nil
}

// Subtask returns the subtask with the given ID.
func (p Plan) Subtask(id string) (Subtask, bool) {
	for _, st := range p.Subtasks {
		if st.ID == id {
			return st, true
		}
	}
	return Subtask{}, false
}

// Waves groups subtask IDs into execution waves: every subtask appears in
// the first wave where all its dependencies are already done. Dependency
// cycles cannot stall execution; anything unreachable lands in a final
// forced wave.
func (p Plan) Waves() [][]string {
	done := make(map[string]bool, len(p.Subtasks))
	var waves [][]string
	remaining := len(p.Subtasks)

	for remaining > 0 {
		var wave []string
		for _, st := range p.Subtasks {
			if done[st.ID] {
				continue
			}
			ready := true
			for _, dep := range st.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, st.ID)
			}
		}
		if len(wave) == 0 {
			// Cycle: force everything left into one last wave.
			for _, st := range p.Subtasks {
				if !done[st.ID] {
					wave = append(wave, st.ID)
				}
			}
		}
		for _, id := range wave {
			done[id] = true
		}
		remaining -= len(wave)
		waves = append(waves, wave)
	}
	return waves
}

// buildPlan asks the planner for a decomposition of the goal. The planning
// call duration lands in the shared latency watch.
func (c *Conductor) buildPlan(ctx context.Context, goal string, contextText string) (Plan, error) {
	prompt := goal
	if contextText != "" {
		prompt = contextText + "\n\nGoal: " + goal
	}

	start := time.Now()
	res, err := c.router.Generate(ctx, GenRequest{
		Prompt:   prompt,
		System:   planSystemPrompt,
		Category: CategoryMultiStep,
	})
	c.watch.RecordPlan(time.Since(start).Milliseconds())
	if err != nil {
		return Plan{}, fmt.Errorf("maestro: plan generation: %w", err)
	}
	return ParsePlan(res.Text, c.maxSubtasks)
}

// revisePlan asks the planner to repair a plan whose listed subtasks came
// back empty. One revision round only; a failed revision keeps the original
// plan.
func (c *Conductor) revisePlan(ctx context.Context, goal string, plan Plan, emptyIDs []string) Plan {
	encoded, err := json.Marshal(plan)
	if err != nil {
		return plan
	}
	prompt := fmt.Sprintf(
		"Goal: %s\n\nPrevious plan:\n%s\n\nSubtasks %s produced empty output. Rewrite the plan so each subtask is concrete enough to produce a non-empty result. Same JSON schema, no extra text.",
		goal, encoded, strings.Join(emptyIDs, ", "))

	res, err := c.router.Generate(ctx, GenRequest{
		Prompt:   prompt,
		System:   planSystemPrompt,
		Category: CategoryMultiStep,
	})
	if err != nil {
		c.logger.Warn("plan revision failed, keeping original", "error", err)
		return plan
	}
	revised, err := ParsePlan(res.Text, c.maxSubtasks)
	if err != nil {
		c.logger.Warn("plan revision unparseable, keeping original", "error", err)
		return plan
	}
	return revised
}

// runPlanDirect executes a plan in-process: wave by wave, subtasks inside a
// wave fan out on a bounded errgroup. Outputs of finished waves are appended
// to the shared context for later waves. Subtasks whose ID already maps to a
// non-empty output in have are carried over without re-running. Returns
// outputs by subtask ID.
func (c *Conductor) runPlanDirect(ctx context.Context, plan Plan, baseContext string, have map[string]string) (map[string]string, error) {
	outputs := make(map[string]string, len(plan.Subtasks))

	for _, wave := range plan.Waves() {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.fanoutMax)

		results := make([]string, len(wave))
		for i, id := range wave {
			st, ok := plan.Subtask(id)
			if !ok {
				continue
			}
			if prev, ok := have[id]; ok && strings.TrimSpace(prev) != "" {
				results[i] = prev
				continue
			}
			i := i
			g.Go(func() error {
				prompt := st.Description
				if baseContext != "" {
					prompt = baseContext + "\n\nЗадача: " + st.Description
				}
				res, err := c.router.Generate(gctx, GenRequest{
					Prompt:   prompt,
					System:   subtaskSystemPrompt(st),
					Category: categoryForDepartment(st.Department),
				})
				if err != nil {
					return fmt.Errorf("subtask %s: %w", st.ID, err)
				}
				results[i] = res.Text
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return outputs, err
		}

		var doneParts []string
		for i, id := range wave {
			outputs[id] = results[i]
			if strings.TrimSpace(results[i]) != "" {
				doneParts = append(doneParts, fmt.Sprintf("[%s] %s", id, truncateRunes(results[i], 800)))
			}
		}
		if len(doneParts) > 0 {
			baseContext = strings.TrimSpace(baseContext + "\n\nРезультаты выполненных подзадач:\n" + strings.Join(doneParts, "\n"))
		}
	}
	return outputs, nil
}

func subtaskSystemPrompt(st Subtask) string {
	var b strings.Builder
	b.WriteString("Выполни подзадачу полностью и верни только результат, без рассуждений о процессе.")
	if st.Role != "" {
		b.WriteString(" Действуй как ")
		b.WriteString(st.Role)
		b.WriteString(".")
	}
	if len(st.SuccessCriteria) > 0 {
		b.WriteString("\nКритерии успеха:\n- ")
		b.WriteString(strings.Join(st.SuccessCriteria, "\n- "))
	}
	return b.String()
}

// categoryForDepartment maps a plan department onto a routing category.
func categoryForDepartment(dept string) Category {
	switch strings.ToLower(dept) {
	case "engineering":
		return CategoryCoding
	case "research":
		return CategoryInvestigate
	case "operations":
		return CategoryExecution
	default:
		return CategorySimple
	}
}

// submitPlanDurable persists every subtask as a pending store task under the
// parent, returning the created task IDs in plan order. Same-wave subtasks
// share a batch group so the executor can batch them per model.
func (c *Conductor) submitPlanDurable(ctx context.Context, plan Plan, parentID, project string, priority TaskPriority, correlationID string) ([]string, error) {
	waveOf := make(map[string]int, len(plan.Subtasks))
	for i, wave := range plan.Waves() {
		for _, id := range wave {
			waveOf[id] = i
		}
	}

	ids := make([]string, 0, len(plan.Subtasks))
	for _, st := range plan.Subtasks {
		now := NowUnix()
		task := Task{
			ID:             NewID(),
			Goal:           st.Description,
			ProjectContext: project,
			Status:         StatusPending,
			Priority:       priority,
			CreatedAt:      now,
			UpdatedAt:      now,
			Meta: TaskMeta{
				ParentTask:    parentID,
				BatchGroup:    fmt.Sprintf("%s-w%d-%s", parentID, waveOf[st.ID], strings.ToLower(st.Department)),
				Category:      categoryForDepartment(st.Department),
				CorrelationID: correlationID,
			},
		}
		if err := c.store.CreateTask(ctx, task); err != nil {
			return ids, fmt.Errorf("maestro: submit subtask: %w", err)
		}
		ids = append(ids, task.ID)
	}
	return ids, nil
}

// waitForTasks polls the store until every listed task is terminal or the
// context expires. Returns outputs by task ID for tasks that completed.
func (c *Conductor) waitForTasks(ctx context.Context, ids []string, poll time.Duration) (map[string]string, error) {
	outputs := make(map[string]string, len(ids))
	pending := make(map[string]bool, len(ids))
	for _, id := range ids {
		pending[id] = true
	}

	for len(pending) > 0 {
		select {
		case <-ctx.Done():
			return outputs, ctx.Err()
		case <-time.After(poll):
		}
		for id := range pending {
			task, err := c.store.GetTask(ctx, id)
			if err != nil {
				c.logger.Warn("subtask poll failed", "task", id, "error", err)
				continue
			}
			if !task.Status.IsTerminal() {
				continue
			}
			delete(pending, id)
			if task.Status == StatusCompleted {
				outputs[id] = task.Meta.Result
			}
		}
	}
	return outputs, nil
}
