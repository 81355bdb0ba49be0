package maestro

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Understanding is the structured reading of a goal produced before any
// strategy or planning decision.
type Understanding struct {
	Restated  string   `json:"restated"`
	Category  Category `json:"category"`
	FirstStep string   `json:"first_step,omitempty"`
	// FromCache marks results served from the understanding cache.
	FromCache bool `json:"-"`
}

// understandSystemPrompt asks the planner model for a strict-JSON reading of
// the goal. The category list must match knownCategories.
const understandSystemPrompt = `You classify user goals for a task orchestrator. The user writes in Russian or English.

Return ONLY a JSON object:
{"restated": "<the goal restated in one clear sentence, same language as the goal>",
 "category": "<one of: simple, investigate, multi_step, status_query, greeting, what_can_you_do, coding, execution>",
 "first_step": "<the first concrete step, or empty string>"}

Categories:
- simple: a question answerable in one reply from general or project knowledge
- investigate: requires digging through information, comparing, summarizing sources
- multi_step: a compound goal that needs decomposition into several subtasks
- status_query: asks about the orchestrator's own state or progress
- greeting: a greeting or small talk opener
- what_can_you_do: asks about the orchestrator's capabilities
- coding: asks to write, fix, or review code
- execution: asks to run a concrete command or operation

No extra text, no markdown fences.`

// Understander turns a raw goal into an Understanding, caching results and
// falling back to the deterministic classifier when the model is unavailable
// or returns garbage.
type Understander struct {
	planner Provider
	cache   *lruCache[Understanding]
	logger  *slog.Logger
	metrics *Metrics
	tracer  Tracer
}

// UnderstanderOption configures an Understander.
type UnderstanderOption func(*Understander)

// WithUnderstanderLogger sets the structured logger.
func WithUnderstanderLogger(l *slog.Logger) UnderstanderOption {
	return func(u *Understander) { u.logger = l }
}

// WithUnderstanderMetrics sets the metrics sink for cache hit/miss counters.
func WithUnderstanderMetrics(m *Metrics) UnderstanderOption {
	return func(u *Understander) { u.metrics = m }
}

// WithUnderstanderTracer sets the tracer for understanding spans.
func WithUnderstanderTracer(t Tracer) UnderstanderOption {
	return func(u *Understander) { u.tracer = t }
}

// WithUnderstandCache sizes the understanding cache. Defaults: 200 entries,
// 300s TTL.
func WithUnderstandCache(maxEntries int, ttl time.Duration) UnderstanderOption {
	return func(u *Understander) { u.cache = newLRUCache[Understanding](maxEntries, ttl) }
}

// NewUnderstander creates an Understander backed by the planner provider.
// planner may be nil, in which case every goal goes through the deterministic
// classifier.
func NewUnderstander(planner Provider, opts ...UnderstanderOption) *Understander {
	u := &Understander{planner: planner}
	for _, opt := range opts {
		opt(u)
	}
	if u.cache == nil {
		u.cache = newLRUCache[Understanding](200, 300*time.Second)
	}
	if u.logger == nil {
		u.logger = nopLogger
	}
	if u.tracer == nil {
		u.tracer = NopTracer{}
	}
	return u
}

// Understand produces the Understanding for a goal. Identical
// (goal, sessionSummary, project) triples within the TTL are served from
// cache. Canonical goals (greetings, capability and status questions) are
// recognized without a model call.
func (u *Understander) Understand(ctx context.Context, goal, sessionSummary, project string) (Understanding, error) {
	if cat, ok := quickCategory(goal); ok {
		return Understanding{Restated: strings.TrimSpace(goal), Category: cat}, nil
	}

	key := understandCacheKey(goal, sessionSummary, project)
	if cached, ok := u.cache.Get(key); ok {
		u.metrics.CacheHit("understand")
		cached.FromCache = true
		return cached, nil
	}
	u.metrics.CacheMiss("understand")

	und := u.classify(ctx, goal, sessionSummary)
	u.cache.Set(key, und)
	return und, nil
}

func (u *Understander) classify(ctx context.Context, goal, sessionSummary string) Understanding {
	if u.planner == nil {
		return fallbackUnderstanding(goal)
	}

	ctx, span := u.tracer.Start(ctx, "understand.classify")
	defer span.End()

	user := goal
	if sessionSummary != "" {
		user = "Recent conversation:\n" + sessionSummary + "\n\nGoal: " + goal
	}
	resp, err := u.planner.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(understandSystemPrompt),
			UserMessage(user),
		},
	})
	if err != nil {
		span.Error(err)
		u.logger.Warn("understanding model unavailable, using keyword classifier", "error", err)
		return fallbackUnderstanding(goal)
	}

	var parsed Understanding
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil {
		u.logger.Warn("unparseable understanding output, using keyword classifier", "error", err)
		return fallbackUnderstanding(goal)
	}
	if !knownCategories[parsed.Category] {
		parsed.Category = ClassifyGoal(goal)
	}
	if strings.TrimSpace(parsed.Restated) == "" {
		parsed.Restated = strings.TrimSpace(goal)
	}
	return parsed
}

func fallbackUnderstanding(goal string) Understanding {
	return Understanding{
		Restated: strings.TrimSpace(goal),
		Category: ClassifyGoal(goal),
	}
}

func understandCacheKey(goal, sessionSummary, project string) string {
	h := md5.Sum([]byte(project + "\x1f" + sessionSummary + "\x1f" + strings.TrimSpace(strings.ToLower(goal))))
	return hex.EncodeToString(h[:])
}

// --- deterministic classification ---

var (
	greetingWords = map[string]bool{
		"привет": true, "здравствуй": true, "здравствуйте": true, "хай": true,
		"добрый": true, "доброе": true, "здорово": true, "ку": true,
		"hello": true, "hi": true, "hey": true, "yo": true,
	}
	capabilityPhrases = []string{
		"что ты умеешь", "что умеешь", "твои возможности", "какие у тебя возможности",
		"чем можешь помочь", "what can you do", "what are your capabilities", "help me understand what you",
	}
	statusPhrases = []string{
		"как дела", "статус", "что по задачам", "как прогресс", "что сейчас выполняется",
		"how are you", "status report", "what's the status", "what is the status",
	}
	codingWords = []string{
		"код", "функци", "класс", "скрипт", "багу", "баг", "рефактор", "тест", "компил",
		"code", "function", "script", "bug", "refactor", "implement", "compile", "debug",
	}
	executionWords = []string{
		"запусти", "выполни", "останови", "перезапусти", "задеплой", "собери",
		"run", "execute", "deploy", "restart", "stop", "install",
	}
	investigateWords = []string{
		"исследуй", "изучи", "сравни", "проанализируй", "разберись", "почему",
		"investigate", "research", "analyze", "compare", "why",
	}
	multiStepWords = []string{
		"спланируй", "поэтапно", "по шагам", "разбей", "организуй",
		"plan out", "step by step", "roadmap", "organize",
	}
)

// quickCategory recognizes canonical goals without a model call. Only exact
// short forms qualify; anything longer goes through full classification.
func quickCategory(goal string) (Category, bool) {
	lower := strings.ToLower(NormalizeText(goal))
	lower = strings.Trim(lower, " \t\n!?.,")
	words := strings.Fields(lower)
	if len(words) == 0 {
		return "", false
	}
	if len(words) <= 3 && greetingWords[words[0]] {
		return CategoryGreeting, true
	}
	for _, p := range capabilityPhrases {
		if strings.Contains(lower, p) {
			return CategoryWhatCanYouDo, true
		}
	}
	if len(words) <= 4 {
		for _, p := range statusPhrases {
			if strings.HasPrefix(lower, p) {
				return CategoryStatusQuery, true
			}
		}
	}
	return "", false
}

// ClassifyGoal is the deterministic keyword classifier used when the
// understanding model is unavailable or returns an unknown category.
func ClassifyGoal(goal string) Category {
	if cat, ok := quickCategory(goal); ok {
		return cat
	}
	lower := strings.ToLower(NormalizeText(goal))

	for _, w := range multiStepWords {
		if strings.Contains(lower, w) {
			return CategoryMultiStep
		}
	}
	if countConjunctions(lower) >= 2 {
		return CategoryMultiStep
	}
	for _, w := range codingWords {
		if strings.Contains(lower, w) {
			return CategoryCoding
		}
	}
	for _, w := range executionWords {
		if strings.Contains(lower, w) {
			return CategoryExecution
		}
	}
	for _, w := range investigateWords {
		if strings.Contains(lower, w) {
			return CategoryInvestigate
		}
	}
	return CategorySimple
}

// --- ambiguity ---

var (
	barePronouns = map[string]bool{
		"он": true, "она": true, "оно": true, "они": true, "это": true,
		"его": true, "её": true, "ее": true, "их": true, "этот": true, "эта": true,
		"it": true, "he": true, "she": true, "they": true, "this": true, "that": true, "them": true,
	}
	indefinitePhrases = []string{
		"что-то", "кое-что", "что-нибудь", "как-нибудь", "как-то", "чём-то", "чем-то",
		"something", "somehow", "anything", "и т.д", "и т.п", "etc",
	}
	conjunctionWords = map[string]bool{
		"и": true, "а": true, "но": true, "или": true, "либо": true,
		"затем": true, "потом": true, "and": true, "or": true, "but": true, "then": true,
	}
)

func countConjunctions(lower string) int {
	n := 0
	for _, w := range strings.Fields(lower) {
		if conjunctionWords[strings.Trim(w, ".,;:!?")] {
			n++
		}
	}
	return n
}

// AmbiguityScore sums independent vagueness signals over the goal:
// very short goals, bare pronouns with no antecedent, indefinite wording,
// stacked conjunctions, and compound goals stated too briefly to decompose.
func AmbiguityScore(goal string, cat Category) int {
	lower := strings.ToLower(NormalizeText(goal))
	words := strings.Fields(lower)

	score := 0
	if len(words) < 3 {
		score++
	}
	for _, w := range words {
		if barePronouns[strings.Trim(w, ".,;:!?")] {
			score++
			break
		}
	}
	for _, p := range indefinitePhrases {
		if strings.Contains(lower, p) {
			score++
			break
		}
	}
	if countConjunctions(lower) >= 2 {
		score++
	}
	if cat == CategoryMultiStep && len(words) < 6 {
		score++
	}
	return score
}

// IsAmbiguous reports whether the goal is too vague to act on.
func IsAmbiguous(goal string, cat Category) bool {
	return AmbiguityScore(goal, cat) >= 2
}

const clarifySystemPrompt = `The user's goal is too vague to act on. Write at most 3 short clarifying questions, in the same language as the goal, that would let an assistant proceed. Return ONLY a JSON object:
{"questions": ["...", "..."], "restated": "<your best guess at what the user meant, one sentence>"}`

// ClarifyQuestions produces at most three clarifying questions for an
// ambiguous goal, with a deterministic fallback when the model fails.
func (u *Understander) ClarifyQuestions(ctx context.Context, goal string) (questions []string, restated string) {
	if u.planner != nil {
		resp, err := u.planner.Chat(ctx, ChatRequest{
			Messages: []ChatMessage{
				SystemMessage(clarifySystemPrompt),
				UserMessage(goal),
			},
		})
		if err == nil {
			var parsed struct {
				Questions []string `json:"questions"`
				Restated  string   `json:"restated"`
			}
			if jsonErr := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); jsonErr == nil && len(parsed.Questions) > 0 {
				if len(parsed.Questions) > 3 {
					parsed.Questions = parsed.Questions[:3]
				}
				return parsed.Questions, strings.TrimSpace(parsed.Restated)
			}
		} else {
			u.logger.Debug("clarify model unavailable, using canned questions", "error", err)
		}
	}
	return []string{
		"Уточните, пожалуйста, о чём идёт речь?",
		"Какой результат вы хотите получить?",
		"Есть ли проект или файл, к которому относится запрос?",
	}, ""
}

// --- simple one-shot detection ---

var (
	imperativeVerbs = map[string]bool{
		"запусти": true, "покажи": true, "выведи": true, "открой": true, "прочитай": true,
		"проверь": true, "удали": true, "создай": true, "переименуй": true, "собери": true,
		"run": true, "show": true, "list": true, "open": true, "read": true,
		"print": true, "check": true, "build": true, "delete": true, "create": true, "rename": true,
	}
	commandWords = map[string]bool{
		"ls": true, "cat": true, "grep": true, "git": true, "make": true, "go": true,
		"npm": true, "docker": true, "pytest": true, "python": true, "curl": true,
	}
	fileTokenPattern = regexp.MustCompile(`\.[a-zA-Z0-9]{1,6}$`)
)

// IsSimpleOneShot reports whether a goal is a single short imperative over a
// concrete file or command, suitable for direct execution without planning.
// The check is a pure function of the goal text: same input, same answer,
// across restarts.
func IsSimpleOneShot(goal string) bool {
	lower := strings.ToLower(NormalizeText(goal))
	if strings.ContainsAny(lower, ";\n") {
		return false
	}
	words := strings.Fields(lower)
	if len(words) == 0 || len(words) > 8 {
		return false
	}

	verbs := 0
	concrete := false
	for _, w := range words {
		t := strings.Trim(w, ".,;:!?\"'")
		if conjunctionWords[t] {
			return false
		}
		if imperativeVerbs[t] {
			verbs++
		}
		if commandWords[t] || strings.Contains(t, "/") || fileTokenPattern.MatchString(t) {
			concrete = true
		}
	}
	return verbs == 1 && concrete
}

// --- strategy selection ---

const strategySystemPrompt = `Pick the execution strategy for the user's goal. Return ONLY a JSON object:
{"strategy": "<one of: quick_answer, deep_analysis, need_clarification, decline_or_redirect>",
 "confidence": <0.0-1.0>,
 "uncertainty_reason": "<why confidence is below 0.8, or empty string>"}

- quick_answer: one model reply suffices
- deep_analysis: needs decomposition into subtasks and synthesis
- need_clarification: the goal is too vague to act on
- decline_or_redirect: outside the orchestrator's abilities (live web, physical actions)`

// knownStrategies guards parsing of LLM strategy output.
var knownStrategies = map[StrategyChoice]bool{
	StrategyQuick:   true,
	StrategyDeep:    true,
	StrategyClarify: true,
	StrategyDecline: true,
}

// strategyForCategory is the deterministic strategy mapping used when the
// strategy stage is disabled or the model output is unusable.
func strategyForCategory(cat Category) Strategy {
	switch cat {
	case CategoryMultiStep, CategoryInvestigate:
		return Strategy{Choice: StrategyDeep, Confidence: 0.6}
	case CategoryCoding, CategoryExecution:
		return Strategy{Choice: StrategyDeep, Confidence: 0.6}
	default:
		return Strategy{Choice: StrategyQuick, Confidence: 0.6}
	}
}

// ChooseStrategy picks the execution strategy for an understood goal.
// When enabled is false or the model fails, the category mapping decides.
func (u *Understander) ChooseStrategy(ctx context.Context, goal string, und Understanding, enabled bool) Strategy {
	if !enabled || u.planner == nil {
		return strategyForCategory(und.Category)
	}

	resp, err := u.planner.Chat(ctx, ChatRequest{
		Messages: []ChatMessage{
			SystemMessage(strategySystemPrompt),
			UserMessage(fmt.Sprintf("Goal: %s\nCategory: %s\nRestated: %s", goal, und.Category, und.Restated)),
		},
	})
	if err != nil {
		u.logger.Warn("strategy model unavailable, using category mapping", "error", err)
		return strategyForCategory(und.Category)
	}

	var parsed Strategy
	if err := json.Unmarshal([]byte(extractJSON(resp.Content)), &parsed); err != nil || !knownStrategies[parsed.Choice] {
		u.logger.Warn("unparseable strategy output, using category mapping")
		return strategyForCategory(und.Category)
	}
	if parsed.Confidence < 0 {
		parsed.Confidence = 0
	}
	if parsed.Confidence > 1 {
		parsed.Confidence = 1
	}
	return parsed
}

// extractJSON finds the first JSON object in a string (handles code fences).
func extractJSON(input string) string {
	trimmed := strings.TrimSpace(input)

	if strings.HasPrefix(trimmed, "```json") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	} else if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(trimmed, "```")
		trimmed = strings.TrimSpace(trimmed)
	}

	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start >= 0 && end > start {
		return trimmed[start : end+1]
	}

	return trimmed
}
