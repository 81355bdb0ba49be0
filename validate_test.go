package maestro

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestRuleVerdict(t *testing.T) {
	tests := []struct {
		name   string
		goal   string
		output string
		want   float64
	}{
		{"empty", "сделай X", "", 0},
		{"whitespace", "сделай X", "   \n\t", 0},
		{"echo", "напиши функцию сортировки", "напиши функцию сортировки", 0.2},
		{"short", "сделай X", "готово", 0.3},
		{"substantial", "сделай X", "Вот подробное решение задачи с объяснением каждого шага и примером использования.", 0.7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ruleVerdict(tt.goal, tt.output); got.Score != tt.want {
				t.Errorf("ruleVerdict score = %f, want %f (%q)", got.Score, tt.want, got.Feedback)
			}
		})
	}
}

func TestValidateSkipsModelForBrokenOutput(t *testing.T) {
	fast := newScriptProvider("ollama", `{"score": 0.95, "feedback": "ок"}`)
	v := NewValidator(testRouter(fast, errProvider{name: "mlx", err: errors.New("down")}))

	verdict := v.Validate(context.Background(), "сделай X", "")
	if verdict.Score != 0 {
		t.Errorf("Score = %f, want rule verdict 0", verdict.Score)
	}
	if fast.callCount() != 0 {
		t.Errorf("model consulted for an obviously broken output (%d calls)", fast.callCount())
	}
}

func TestValidateUsesModelVerdict(t *testing.T) {
	fast := newScriptProvider("ollama", `{"score": 0.92, "feedback": "полностью решает задачу"}`)
	v := NewValidator(testRouter(fast, errProvider{name: "mlx", err: errors.New("down")}))

	verdict := v.Validate(context.Background(), "объясни сборку мусора в Go",
		"Сборщик мусора в Go работает конкурентно с программой и использует трёхцветную маркировку объектов.")
	if verdict.Score != 0.92 {
		t.Errorf("Score = %f, want model score", verdict.Score)
	}
	if verdict.Feedback != "полностью решает задачу" {
		t.Errorf("Feedback = %q", verdict.Feedback)
	}
	if !v.Pass(verdict) {
		t.Error("verdict above threshold must pass")
	}
}

func TestValidateClampsModelScore(t *testing.T) {
	fast := newScriptProvider("ollama", `{"score": 1.8, "feedback": "x"}`)
	v := NewValidator(testRouter(fast, errProvider{name: "mlx", err: errors.New("down")}))

	verdict := v.Validate(context.Background(), "goal",
		"Достаточно длинный и содержательный ответ, который проходит базовую проверку на длину.")
	if verdict.Score != 1 {
		t.Errorf("Score = %f, want clamped to 1", verdict.Score)
	}
}

func TestValidateFallsBackWhenModelFails(t *testing.T) {
	v := NewValidator(testRouter(
		errProvider{name: "ollama", err: errors.New("refused")},
		errProvider{name: "mlx", err: errors.New("refused")},
	))

	out := "Достаточно длинный и содержательный ответ, который проходит базовую проверку на длину."
	verdict := v.Validate(context.Background(), "goal", out)
	if verdict.Score != 0.7 {
		t.Errorf("Score = %f, want rule fallback 0.7", verdict.Score)
	}
}

func TestValidateFallsBackOnGarbageVerdict(t *testing.T) {
	fast := newScriptProvider("ollama", "по-моему неплохо получилось")
	v := NewValidator(testRouter(fast, errProvider{name: "mlx", err: errors.New("down")}))

	out := "Достаточно длинный и содержательный ответ, который проходит базовую проверку на длину."
	verdict := v.Validate(context.Background(), "goal", out)
	if verdict.Score != 0.7 {
		t.Errorf("Score = %f, want rule fallback 0.7", verdict.Score)
	}
}

func TestValidatorThreshold(t *testing.T) {
	v := NewValidator(nil, WithValidatorThreshold(0.8))
	if v.Threshold() != 0.8 {
		t.Errorf("Threshold = %f", v.Threshold())
	}
	if v.Pass(Verdict{Score: 0.79}) {
		t.Error("0.79 must not pass a 0.8 threshold")
	}
	if !v.Pass(Verdict{Score: 0.8}) {
		t.Error("0.8 must pass a 0.8 threshold")
	}

	// Out-of-range values keep the default.
	v = NewValidator(nil, WithValidatorThreshold(7))
	if v.Threshold() != 0.5 {
		t.Errorf("Threshold = %f, want default 0.5", v.Threshold())
	}
}

func TestBuildBatchPrompt(t *testing.T) {
	prompt := buildBatchPrompt([]string{"первая задача", "вторая задача"})
	for _, marker := range []string{"Задача 1", "Задача 2", "[RESULT_1]", "[/RESULT_2]"} {
		if !strings.Contains(prompt, marker) {
			t.Errorf("prompt missing %q", marker)
		}
	}
}

func TestParseBatchOutputs(t *testing.T) {
	raw := "Вот результаты:\n[RESULT_1]первый\nответ[/RESULT_1]\nмежду делом\n[RESULT_2]второй[/RESULT_2]"
	outputs, ok := parseBatchOutputs(raw, 2)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if outputs[0] != "первый\nответ" {
		t.Errorf("outputs[0] = %q", outputs[0])
	}
	if outputs[1] != "второй" {
		t.Errorf("outputs[1] = %q", outputs[1])
	}
}

func TestParseBatchOutputsIncomplete(t *testing.T) {
	// One of two goals missing: the whole batch is rejected.
	if _, ok := parseBatchOutputs("[RESULT_1]только первый[/RESULT_1]", 2); ok {
		t.Error("incomplete batch must not parse")
	}
	if _, ok := parseBatchOutputs("модель проигнорировала формат", 1); ok {
		t.Error("answer without markers must not parse")
	}
}

func TestParseBatchOutputsIgnoresStrayIndexes(t *testing.T) {
	raw := "[RESULT_1]a[/RESULT_1][RESULT_9]мусор[/RESULT_9][RESULT_2]b[/RESULT_2]"
	outputs, ok := parseBatchOutputs(raw, 2)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if outputs[0] != "a" || outputs[1] != "b" {
		t.Errorf("outputs = %v", outputs)
	}
}

func TestParseBatchOutputsMismatchedMarkers(t *testing.T) {
	// Opening and closing indexes must agree; a crossed pair is not a result.
	if _, ok := parseBatchOutputs("[RESULT_1]ответ[/RESULT_2]", 1); ok {
		t.Error("crossed markers must not parse")
	}
	// A crossed pair before a proper one is skipped, not fatal.
	raw := "[RESULT_1]мусор[/RESULT_2][RESULT_1]ответ[/RESULT_1]"
	outputs, ok := parseBatchOutputs(raw, 1)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if outputs[0] != "ответ" {
		t.Errorf("outputs[0] = %q", outputs[0])
	}
}

func TestParseBatchOutputsKeepsFirstDuplicate(t *testing.T) {
	raw := "[RESULT_1]первый[/RESULT_1][RESULT_1]дубль[/RESULT_1]"
	outputs, ok := parseBatchOutputs(raw, 1)
	if !ok {
		t.Fatal("expected successful parse")
	}
	if outputs[0] != "первый" {
		t.Errorf("outputs[0] = %q, want the first occurrence", outputs[0])
	}
}
