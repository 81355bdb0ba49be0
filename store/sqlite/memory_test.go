package sqlite

import (
	"context"
	"strings"
	"testing"

	"github.com/nevindra/maestro"
)

func TestRecentExchangesOrderAndBudget(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	exchanges := []maestro.SessionExchange{
		{ID: "e1", SessionID: "s1", User: "первый вопрос", Assistant: "первый ответ", CreatedAt: 1000},
		{ID: "e2", SessionID: "s1", User: "второй вопрос", Assistant: "второй ответ", CreatedAt: 2000},
		{ID: "e3", SessionID: "s1", User: "третий вопрос", Assistant: "третий ответ", CreatedAt: 3000},
		{ID: "x1", SessionID: "other", User: "чужой", Assistant: "чужой", CreatedAt: 2500},
	}
	for _, ex := range exchanges {
		if err := s.AppendExchange(ctx, ex); err != nil {
			t.Fatalf("AppendExchange: %v", err)
		}
	}

	got, err := s.RecentExchanges(ctx, "s1", 2, 100_000)
	if err != nil {
		t.Fatalf("RecentExchanges: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("returned %d exchanges, want 2", len(got))
	}
	if got[0].ID != "e2" || got[1].ID != "e3" {
		t.Errorf("order: %s, %s (want e2, e3)", got[0].ID, got[1].ID)
	}

	// A tight char budget keeps only the newest exchange.
	small := len("третий вопрос") + len("третий ответ")
	got, err = s.RecentExchanges(ctx, "s1", 10, small)
	if err != nil {
		t.Fatalf("RecentExchanges with budget: %v", err)
	}
	if len(got) != 1 || got[0].ID != "e3" {
		t.Errorf("budget clip: got %d exchanges", len(got))
	}
}

func TestSessionSummaries(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	pairs := []maestro.SessionExchange{
		{ID: "a1", SessionID: "a", User: "вопрос a1", Assistant: "ответ a1", CreatedAt: 100},
		{ID: "a2", SessionID: "a", User: "вопрос a2", Assistant: "ответ a2", CreatedAt: 300},
		{ID: "b1", SessionID: "b", User: "вопрос b1", Assistant: "ответ b1", CreatedAt: 200},
		{ID: "c1", SessionID: "current", User: "текущий", Assistant: "текущий", CreatedAt: 400},
	}
	for _, ex := range pairs {
		s.AppendExchange(ctx, ex)
	}

	got, err := s.SessionSummaries(ctx, "current", 10)
	if err != nil {
		t.Fatalf("SessionSummaries: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("returned %d summaries, want 2", len(got))
	}
	// Newest session first; each session contributes its latest exchange.
	if !strings.Contains(got[0], "a2") {
		t.Errorf("first summary should come from session a's latest exchange: %q", got[0])
	}
	if !strings.Contains(got[1], "b1") {
		t.Errorf("second summary should come from session b: %q", got[1])
	}
	if !strings.HasPrefix(got[0], "Q: ") || !strings.Contains(got[0], "| A: ") {
		t.Errorf("summary format: %q", got[0])
	}
}
