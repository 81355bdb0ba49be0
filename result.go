package maestro

// Category is the goal classification produced by the understanding stage.
type Category string

const (
	CategorySimple       Category = "simple"
	CategoryInvestigate  Category = "investigate"
	CategoryMultiStep    Category = "multi_step"
	CategoryStatusQuery  Category = "status_query"
	CategoryGreeting     Category = "greeting"
	CategoryWhatCanYouDo Category = "what_can_you_do"
	CategoryCoding       Category = "coding"
	CategoryExecution    Category = "execution"
)

// knownCategories guards parsing of LLM classification output.
var knownCategories = map[Category]bool{
	CategorySimple:       true,
	CategoryInvestigate:  true,
	CategoryMultiStep:    true,
	CategoryStatusQuery:  true,
	CategoryGreeting:     true,
	CategoryWhatCanYouDo: true,
	CategoryCoding:       true,
	CategoryExecution:    true,
}

// StrategyChoice is the execution strategy picked per request.
type StrategyChoice string

const (
	StrategyQuick   StrategyChoice = "quick_answer"
	StrategyDeep    StrategyChoice = "deep_analysis"
	StrategyClarify StrategyChoice = "need_clarification"
	StrategyDecline StrategyChoice = "decline_or_redirect"
)

// Strategy is the full strategy decision with confidence annotation.
type Strategy struct {
	Choice            StrategyChoice `json:"strategy"`
	Confidence        float64        `json:"confidence"`
	UncertaintyReason string         `json:"uncertainty_reason,omitempty"`
}

// ResultKind tags the variant carried by a RunResult.
type ResultKind string

const (
	ResultSuccess ResultKind = "success"
	ResultClarify ResultKind = "needs_clarification"
	ResultFailure ResultKind = "failure"
)

// RunResult is the outcome of a conductor run. Exactly one variant's fields
// are meaningful, selected by Kind:
//
//   - ResultSuccess: Output, KnowledgeIDs, Model, Family, Steps
//   - ResultClarify: Questions, SuggestedRestatement
//   - ResultFailure: FailKind, Message, Board
//
// CorrelationID is set on every variant.
type RunResult struct {
	Kind          ResultKind `json:"kind"`
	CorrelationID string     `json:"correlation_id"`

	// Success fields.
	Output       string   `json:"output,omitempty"`
	KnowledgeIDs []string `json:"knowledge_ids,omitempty"`
	Model        string   `json:"model,omitempty"`
	Family       Family   `json:"family,omitempty"`
	// Steps holds verbose per-stage annotations when the caller asked for
	// them (understanding, strategy, per-subtask outcomes).
	Steps []string `json:"steps,omitempty"`

	// Clarify fields.
	Questions            []string `json:"clarification_questions,omitempty"`
	SuggestedRestatement string   `json:"suggested_restatement,omitempty"`

	// Failure fields.
	FailKind FailKind `json:"fail_kind,omitempty"`
	Message  string   `json:"message,omitempty"`
	// Board carries the escalation decision when a deferred task's result
	// is surfaced; HumanReview flags the advisory manual-review marker.
	Board *BoardDecision `json:"board,omitempty"`
}

// Succeeded reports whether the run produced an accepted answer.
func (r RunResult) Succeeded() bool { return r.Kind == ResultSuccess }

// successResult builds the success variant.
func successResult(correlationID, output string) RunResult {
	return RunResult{Kind: ResultSuccess, CorrelationID: correlationID, Output: output}
}

// clarifyResult builds the needs_clarification variant.
func clarifyResult(correlationID string, questions []string, restatement string) RunResult {
	return RunResult{
		Kind:                 ResultClarify,
		CorrelationID:        correlationID,
		Questions:            questions,
		SuggestedRestatement: restatement,
	}
}

// failureResult builds the failure variant.
func failureResult(correlationID string, kind FailKind, message string) RunResult {
	return RunResult{Kind: ResultFailure, CorrelationID: correlationID, FailKind: kind, Message: message}
}
