package maestro

import (
	"strings"
	"testing"
)

func TestJoinOutputs(t *testing.T) {
	plan := Plan{Subtasks: []Subtask{
		{ID: "s1", Description: "собрать данные"},
		{ID: "s2", Description: "проанализировать"},
		{ID: "s3", Description: "пустая"},
	}}
	outputs := map[string]string{
		"s1": "данные собраны",
		"s2": "анализ готов",
		"s3": "   ",
	}

	joined := joinOutputs(plan, outputs)
	if !strings.Contains(joined, "## собрать данные\nданные собраны") {
		t.Errorf("joined = %q", joined)
	}
	// Plan order, not map order.
	if strings.Index(joined, "собрать данные") > strings.Index(joined, "проанализировать") {
		t.Error("outputs not in plan order")
	}
	if strings.Contains(joined, "пустая") {
		t.Error("blank output section must be omitted")
	}
}

func TestJoinOutputsAllEmpty(t *testing.T) {
	plan := Plan{Subtasks: []Subtask{{ID: "s1", Description: "x"}}}
	if got := joinOutputs(plan, map[string]string{}); got != "" {
		t.Errorf("joinOutputs = %q, want empty", got)
	}
}

func TestEmptyOutputIDs(t *testing.T) {
	plan := Plan{Subtasks: []Subtask{
		{ID: "s1"}, {ID: "s2"}, {ID: "s3"},
	}}
	outputs := map[string]string{"s1": "готово", "s2": "\n\t ", "s3": ""}

	empty := emptyOutputIDs(plan, outputs)
	if len(empty) != 2 || empty[0] != "s2" || empty[1] != "s3" {
		t.Errorf("emptyOutputIDs = %v", empty)
	}

	full := map[string]string{"s1": "a", "s2": "b", "s3": "c"}
	if got := emptyOutputIDs(plan, full); len(got) != 0 {
		t.Errorf("emptyOutputIDs = %v, want none", got)
	}
}
