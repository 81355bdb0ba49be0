package maestro

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// Verdict is a validator's judgement of one task output.
type Verdict struct {
	Score    float64 `json:"score"`
	Feedback string  `json:"feedback"`
}

const validateSystemPrompt = `You review whether a task output actually addresses its goal. Respond with strict JSON only:
{"score": <0.0-1.0>, "feedback": "<one short sentence, in the goal's language>"}
Score 1.0 means the output fully solves the goal; 0.0 means it is empty, off-topic, or just repeats the goal. Judge substance, not style.`

// Validator scores task outputs. The model's judgement is advisory: when it
// is unreachable or returns garbage, deterministic rules decide instead, so
// validation never blocks the pipeline.
type Validator struct {
	router    *Router
	threshold float64
	logger    *slog.Logger
	tracer    Tracer
}

// ValidatorOption configures a Validator.
type ValidatorOption func(*Validator)

// WithValidatorThreshold sets the pass mark. Default: 0.5.
func WithValidatorThreshold(t float64) ValidatorOption {
	return func(v *Validator) {
		if t > 0 && t <= 1 {
			v.threshold = t
		}
	}
}

// WithValidatorLogger sets the structured logger.
func WithValidatorLogger(l *slog.Logger) ValidatorOption {
	return func(v *Validator) { v.logger = l }
}

// WithValidatorTracer sets the tracer for validation spans.
func WithValidatorTracer(t Tracer) ValidatorOption {
	return func(v *Validator) { v.tracer = t }
}

// NewValidator creates a Validator that scores through the router's fast
// family.
func NewValidator(router *Router, opts ...ValidatorOption) *Validator {
	v := &Validator{
		router:    router,
		threshold: 0.5,
		logger:    nopLogger,
		tracer:    NopTracer{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Threshold returns the pass mark.
func (v *Validator) Threshold() float64 { return v.threshold }

// Pass reports whether a verdict clears the threshold.
func (v *Validator) Pass(verdict Verdict) bool { return verdict.Score >= v.threshold }

// Validate scores output against goal. Obviously broken outputs are judged
// by rules without a model call; the rest go to the fast family, falling
// back to rules when the model is unavailable.
func (v *Validator) Validate(ctx context.Context, goal, output string) Verdict {
	rule := ruleVerdict(goal, output)
	if rule.Score < v.threshold {
		return rule
	}
	if v.router == nil {
		return rule
	}

	ctx, span := v.tracer.Start(ctx, "validate.score")
	defer span.End()

	res, err := v.router.Generate(ctx, GenRequest{
		Prompt:          "Goal:\n" + goal + "\n\nOutput:\n" + truncateRunes(output, 4000),
		System:          validateSystemPrompt,
		Category:        CategorySimple,
		PreferredFamily: FamilyOllama,
		MaxTokens:       200,
	})
	if err != nil {
		span.Error(err)
		v.logger.Warn("validation model unavailable, using rule verdict", "error", err)
		return rule
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(extractJSON(res.Text)), &verdict); err != nil {
		v.logger.Warn("validation verdict unparseable, using rule verdict", "error", err)
		return rule
	}
	if verdict.Score < 0 {
		verdict.Score = 0
	}
	if verdict.Score > 1 {
		verdict.Score = 1
	}
	if verdict.Feedback == "" {
		verdict.Feedback = rule.Feedback
	}
	return verdict
}

// ruleVerdict is the deterministic floor under model validation.
func ruleVerdict(goal, output string) Verdict {
	trimmed := strings.TrimSpace(output)
	switch {
	case trimmed == "":
		return Verdict{Score: 0, Feedback: "пустой ответ"}
	case isEcho(goal, trimmed):
		return Verdict{Score: 0.2, Feedback: "ответ повторяет формулировку задачи"}
	case len([]rune(trimmed)) < 20:
		return Verdict{Score: 0.3, Feedback: "ответ слишком короткий"}
	default:
		return Verdict{Score: 0.7, Feedback: "базовая проверка пройдена"}
	}
}

// RE2 has no backreferences, so the closing index is captured separately
// and checked against the opening one in parseBatchOutputs.
var batchResultPattern = regexp.MustCompile(`(?s)\[RESULT_(\d+)\](.*?)\[/RESULT_(\d+)\]`)

// buildBatchPrompt folds several goals into one prompt whose answer carries
// per-goal outputs between numbered markers.
func buildBatchPrompt(goals []string) string {
	var b strings.Builder
	b.WriteString("Выполни независимые задачи ниже. Для каждой задачи верни результат строго между её маркерами, ничего вне маркеров.\n")
	for i, g := range goals {
		fmt.Fprintf(&b, "\nЗадача %d: %s\nФормат ответа: [RESULT_%d]...результат...[/RESULT_%d]\n", i+1, g, i+1, i+1)
	}
	return b.String()
}

// parseBatchOutputs extracts the n per-goal outputs from a batched answer.
// False means the answer did not follow the marker protocol and the goals
// must be re-run individually.
func parseBatchOutputs(raw string, n int) ([]string, bool) {
	matches := batchResultPattern.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, false
	}
	outputs := make([]string, n)
	seen := 0
	for _, m := range matches {
		if m[1] != m[3] {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil || idx < 1 || idx > n {
			continue
		}
		if outputs[idx-1] == "" {
			outputs[idx-1] = strings.TrimSpace(m[2])
			seen++
		}
	}
	if seen < n {
		return nil, false
	}
	return outputs, true
}
