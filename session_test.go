package maestro

import (
	"context"
	"strings"
	"testing"
	"time"
)

func seedExchanges(t *testing.T, store *memStore, sessionID string, pairs ...[2]string) {
	t.Helper()
	for i, p := range pairs {
		err := store.AppendExchange(context.Background(), SessionExchange{
			ID:        NewID(),
			SessionID: sessionID,
			User:      p[0],
			Assistant: p[1],
			CreatedAt: int64(1000 + i),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestSessionSummary(t *testing.T) {
	store := newMemStore()
	seedExchanges(t, store, "s1",
		[2]string{"как дела с отчётом?", "отчёт готов наполовину"},
		[2]string{"когда будет готов?", "к вечеру"},
	)
	m := NewSessionMemory(store)

	sum := m.Summary(context.Background(), "s1")
	if !strings.Contains(sum, "как дела с отчётом?") || !strings.Contains(sum, "к вечеру") {
		t.Errorf("summary = %q", sum)
	}

	if got := m.Summary(context.Background(), "empty-session"); got != "" {
		t.Errorf("summary of unknown session = %q, want empty", got)
	}
	if got := m.Summary(context.Background(), ""); got != "" {
		t.Errorf("summary without session id = %q, want empty", got)
	}
}

func TestBuildHistoryMergesStoredAndInline(t *testing.T) {
	store := newMemStore()
	seedExchanges(t, store, "s1", [2]string{"первый вопрос", "первый ответ"})
	m := NewSessionMemory(store)

	inline := []ChatMessage{UserMessage("инлайн вопрос"), AssistantMessage("инлайн ответ")}
	history := m.BuildHistory(context.Background(), "s1", inline)

	if len(history) != 4 {
		t.Fatalf("history = %d messages: %+v", len(history), history)
	}
	// Stored exchanges first, inline last.
	if history[0].Content != "первый вопрос" || history[3].Content != "инлайн ответ" {
		t.Errorf("history order wrong: %+v", history)
	}
}

func TestBuildHistoryBudget(t *testing.T) {
	store := newMemStore()
	var pairs [][2]string
	for i := 0; i < 20; i++ {
		pairs = append(pairs, [2]string{"вопрос", "ответ"})
	}
	seedExchanges(t, store, "s1", pairs...)
	m := NewSessionMemory(store, WithHistoryBudget(2, 6000))

	history := m.BuildHistory(context.Background(), "s1", nil)
	if len(history) > 4 {
		t.Errorf("history = %d messages, want at most 2 turns (4 messages)", len(history))
	}
}

func TestClipHistory(t *testing.T) {
	msgs := []ChatMessage{
		UserMessage(strings.Repeat("а", 100)),
		AssistantMessage(strings.Repeat("б", 100)),
		UserMessage("короткий"),
	}

	// Message budget: oldest dropped first.
	clipped := clipHistory(msgs, 2, 10000)
	if len(clipped) != 2 || clipped[1].Content != "короткий" {
		t.Errorf("clipped = %+v", clipped)
	}

	// Char budget: keep trimming from the front until it fits.
	clipped = clipHistory(msgs, 10, 250)
	if len(clipped) != 2 {
		t.Errorf("char-clipped = %d messages", len(clipped))
	}

	if got := clipHistory(nil, 4, 100); len(got) != 0 {
		t.Errorf("clipHistory(nil) = %+v", got)
	}
}

func TestCrossSession(t *testing.T) {
	store := newMemStore()
	seedExchanges(t, store, "s1", [2]string{"вопрос один", "ответ один"})
	seedExchanges(t, store, "s2", [2]string{"вопрос два", "ответ два"})
	seedExchanges(t, store, "s3", [2]string{"вопрос три", "ответ три"})
	seedExchanges(t, store, "s4", [2]string{"вопрос четыре", "ответ четыре"})
	m := NewSessionMemory(store)

	// Three other sessions exist, but the default budget merges only two.
	summaries := m.CrossSession(context.Background(), "s1")
	if len(summaries) != 2 {
		t.Fatalf("summaries = %v, want the default budget of 2", summaries)
	}
	for _, s := range summaries {
		if strings.Contains(s, "вопрос один") {
			t.Errorf("excluded session leaked into summaries: %q", s)
		}
	}

	// Zero budget disables the lookup entirely.
	m = NewSessionMemory(store, WithSummaryCount(0))
	if got := m.CrossSession(context.Background(), "s1"); got != nil {
		t.Errorf("summaries with zero budget = %v", got)
	}
}

func TestPersistSurvivesCancelledContext(t *testing.T) {
	store := newMemStore()
	m := NewSessionMemory(store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	m.Persist(ctx, "s1", "вопрос", "ответ")

	deadline := time.After(2 * time.Second)
	for {
		exchanges, _ := store.RecentExchanges(context.Background(), "s1", 10, 0)
		if len(exchanges) == 1 {
			if exchanges[0].User != "вопрос" {
				t.Errorf("persisted exchange = %+v", exchanges[0])
			}
			return
		}
		select {
		case <-deadline:
			t.Fatal("exchange was not persisted after context cancellation")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestSummarizeExchange(t *testing.T) {
	got := SummarizeExchange("  как   дела\nсегодня  ", "нормально")
	if got != "Q: как дела сегодня | A: нормально" {
		t.Errorf("SummarizeExchange = %q", got)
	}

	long := strings.Repeat("слово ", 100)
	sum := SummarizeExchange(long, long)
	if len([]rune(sum)) > 300 {
		t.Errorf("summary not truncated: %d runes", len([]rune(sum)))
	}
}
