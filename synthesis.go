package maestro

import (
	"context"
	"fmt"
	"strings"
)

const synthesisSystemPrompt = `You merge subtask results into one final answer for the user's goal. Write in the goal's language (Russian or English).

Rules:
- Answer the goal directly; do not describe the subtasks or the process.
- Merge overlapping results, drop contradictions in favor of the more specific result.
- Honor every listed requirement.
- Plain text or markdown, no JSON.`

// synthesize merges subtask outputs into the final answer. When the
// synthesis model is unavailable the outputs are joined deterministically so
// a finished plan still produces an answer.
func (c *Conductor) synthesize(ctx context.Context, goal string, plan Plan, outputs map[string]string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n", goal)
	if len(plan.Requirements) > 0 {
		b.WriteString("Requirements:\n- ")
		b.WriteString(strings.Join(plan.Requirements, "\n- "))
		b.WriteString("\n")
	}
	b.WriteString("\nSubtask results:\n")
	for _, st := range plan.Subtasks {
		out := strings.TrimSpace(outputs[st.ID])
		if out == "" {
			continue
		}
		fmt.Fprintf(&b, "\n[%s] %s\n%s\n", st.ID, st.Description, out)
	}

	res, err := c.router.Generate(ctx, GenRequest{
		Prompt:   b.String(),
		System:   synthesisSystemPrompt,
		Category: CategoryMultiStep,
	})
	if err != nil {
		c.logger.Warn("synthesis model unavailable, joining subtask outputs", "error", err)
		return joinOutputs(plan, outputs), nil
	}
	if strings.TrimSpace(res.Text) == "" {
		return joinOutputs(plan, outputs), nil
	}
	return res.Text, nil
}

// joinOutputs is the deterministic synthesis fallback: subtask outputs in
// plan order under their descriptions.
func joinOutputs(plan Plan, outputs map[string]string) string {
	var parts []string
	for _, st := range plan.Subtasks {
		out := strings.TrimSpace(outputs[st.ID])
		if out == "" {
			continue
		}
		parts = append(parts, fmt.Sprintf("## %s\n%s", st.Description, out))
	}
	return strings.Join(parts, "\n\n")
}

// emptyOutputIDs lists subtasks whose output came back blank.
func emptyOutputIDs(plan Plan, outputs map[string]string) []string {
	var empty []string
	for _, st := range plan.Subtasks {
		if strings.TrimSpace(outputs[st.ID]) == "" {
			empty = append(empty, st.ID)
		}
	}
	return empty
}
