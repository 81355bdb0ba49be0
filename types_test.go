package maestro

import "testing"

func TestTaskStatusIsTerminal(t *testing.T) {
	tests := []struct {
		status TaskStatus
		want   bool
	}{
		{StatusPending, false},
		{StatusInProgress, false},
		{StatusFailed, false},
		{StatusCompleted, true},
		{StatusCancelled, true},
		{StatusDeferredToHuman, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestPriorityRank(t *testing.T) {
	order := []TaskPriority{PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent}
	for i := 1; i < len(order); i++ {
		if order[i].Rank() <= order[i-1].Rank() {
			t.Errorf("%s.Rank() = %d should exceed %s.Rank() = %d",
				order[i], order[i].Rank(), order[i-1], order[i-1].Rank())
		}
	}
	if got := TaskPriority("nonsense").Rank(); got != 0 {
		t.Errorf("unknown priority rank = %d, want 0", got)
	}
}

func TestFamilyOther(t *testing.T) {
	if got := FamilyOllama.Other(); got != FamilyMLX {
		t.Errorf("ollama.Other() = %s, want mlx", got)
	}
	if got := FamilyMLX.Other(); got != FamilyOllama {
		t.Errorf("mlx.Other() = %s, want ollama", got)
	}
}

func TestMessageConstructors(t *testing.T) {
	if msg := UserMessage("привет"); msg.Role != "user" || msg.Content != "привет" {
		t.Errorf("UserMessage = %+v", msg)
	}
	if msg := SystemMessage("ты оркестратор"); msg.Role != "system" {
		t.Errorf("SystemMessage role = %q", msg.Role)
	}
	if msg := AssistantMessage("готово"); msg.Role != "assistant" {
		t.Errorf("AssistantMessage role = %q", msg.Role)
	}
}
