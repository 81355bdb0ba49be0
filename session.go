package maestro

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// SessionMemory assembles the conversational context around a goal: recent
// exchanges from the same session, inline history sent with the request, and
// compact summaries of other sessions. Everything is bounded by turn and
// character budgets so prompts stay a predictable size.
type SessionMemory struct {
	store SessionStore

	maxTurns     int
	maxChars     int
	summaryCount int

	logger *slog.Logger
}

// SessionMemoryOption configures a SessionMemory.
type SessionMemoryOption func(*SessionMemory)

// WithHistoryBudget bounds the merged history: at most maxTurns exchanges
// and maxChars total characters. Defaults: 8 turns, 6000 chars.
func WithHistoryBudget(maxTurns, maxChars int) SessionMemoryOption {
	return func(m *SessionMemory) {
		if maxTurns > 0 {
			m.maxTurns = maxTurns
		}
		if maxChars > 0 {
			m.maxChars = maxChars
		}
	}
}

// WithSummaryCount sets how many other-session summaries are merged in.
// Default: 2.
func WithSummaryCount(n int) SessionMemoryOption {
	return func(m *SessionMemory) {
		if n >= 0 {
			m.summaryCount = n
		}
	}
}

// WithSessionLogger sets the structured logger.
func WithSessionLogger(l *slog.Logger) SessionMemoryOption {
	return func(m *SessionMemory) { m.logger = l }
}

// NewSessionMemory creates a SessionMemory over the session store.
func NewSessionMemory(store SessionStore, opts ...SessionMemoryOption) *SessionMemory {
	m := &SessionMemory{
		store:        store,
		maxTurns:     8,
		maxChars:     6000,
		summaryCount: 2,
		logger:       nopLogger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Summary returns a compact one-string digest of the session's recent
// exchanges, used to key the understanding cache and to ground
// classification. Empty when the session has no history.
func (m *SessionMemory) Summary(ctx context.Context, sessionID string) string {
	if sessionID == "" || m.store == nil {
		return ""
	}
	exchanges, err := m.store.RecentExchanges(ctx, sessionID, 3, 1200)
	if err != nil {
		m.logger.Warn("session summary lookup failed", "session", sessionID, "error", err)
		return ""
	}
	if len(exchanges) == 0 {
		return ""
	}
	parts := make([]string, 0, len(exchanges))
	for _, ex := range exchanges {
		parts = append(parts, fmt.Sprintf("Q: %s | A: %s",
			truncateRunes(ex.User, 120), truncateRunes(ex.Assistant, 160)))
	}
	return strings.Join(parts, "\n")
}

// BuildHistory merges stored exchanges for the session with the inline
// history from the request, newest last, bounded by the turn and character
// budgets. Inline turns win ties since they are what the caller actually
// sees on their side.
func (m *SessionMemory) BuildHistory(ctx context.Context, sessionID string, inline []ChatMessage) []ChatMessage {
	var merged []ChatMessage
	if sessionID != "" && m.store != nil {
		exchanges, err := m.store.RecentExchanges(ctx, sessionID, m.maxTurns, m.maxChars)
		if err != nil {
			m.logger.Warn("session history lookup failed", "session", sessionID, "error", err)
		}
		for _, ex := range exchanges {
			merged = append(merged, UserMessage(ex.User), AssistantMessage(ex.Assistant))
		}
	}
	merged = append(merged, inline...)
	return clipHistory(merged, 2*m.maxTurns, m.maxChars)
}

// clipHistory drops oldest messages until the slice fits both budgets.
func clipHistory(msgs []ChatMessage, maxMsgs, maxChars int) []ChatMessage {
	if len(msgs) > maxMsgs {
		msgs = msgs[len(msgs)-maxMsgs:]
	}
	total := 0
	for _, msg := range msgs {
		total += len(msg.Content)
	}
	for len(msgs) > 0 && total > maxChars {
		total -= len(msgs[0].Content)
		msgs = msgs[1:]
	}
	return msgs
}

// CrossSession returns compact summaries of other sessions for long-term
// context. Failures degrade to no summaries.
func (m *SessionMemory) CrossSession(ctx context.Context, excludeSessionID string) []string {
	if m.store == nil || m.summaryCount == 0 {
		return nil
	}
	summaries, err := m.store.SessionSummaries(ctx, excludeSessionID, m.summaryCount)
	if err != nil {
		m.logger.Warn("cross-session summaries lookup failed", "error", err)
		return nil
	}
	return summaries
}

// Persist appends the finished exchange to the session in the background.
// The write survives cancellation of the request context; failures only log.
func (m *SessionMemory) Persist(ctx context.Context, sessionID, userText, assistantText string) {
	if sessionID == "" || m.store == nil {
		return
	}
	bgCtx := context.WithoutCancel(ctx)
	go func() {
		writeCtx, cancel := context.WithTimeout(bgCtx, 10*time.Second)
		defer cancel()
		err := m.store.AppendExchange(writeCtx, SessionExchange{
			ID:        NewID(),
			SessionID: sessionID,
			User:      userText,
			Assistant: assistantText,
			CreatedAt: NowUnix(),
		})
		if err != nil {
			m.logger.Warn("session persist failed", "session", sessionID, "error", err)
		}
	}()
}

// SummarizeExchange renders one question/answer pair as a single compact
// line for cross-session summaries. Store implementations share this
// format so summaries look the same regardless of backend.
func SummarizeExchange(user, assistant string) string {
	user = strings.Join(strings.Fields(user), " ")
	assistant = strings.Join(strings.Fields(assistant), " ")
	return "Q: " + truncateRunes(user, 120) + " | A: " + truncateRunes(assistant, 160)
}
