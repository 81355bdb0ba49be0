package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/nevindra/maestro"
)

// AppendExchange records one question/answer pair for a session.
func (s *Store) AppendExchange(ctx context.Context, ex maestro.SessionExchange) error {
	if ex.ID == "" {
		ex.ID = maestro.NewID()
	}
	if ex.CreatedAt == 0 {
		ex.CreatedAt = maestro.NowUnix()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_exchanges (id, session_id, user_text, assistant_text, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		ex.ID, ex.SessionID, ex.User, ex.Assistant, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("append exchange: %w", err)
	}
	return nil
}

// RecentExchanges returns the newest exchanges for a session in
// chronological order. maxCount bounds the number of exchanges and
// maxChars the total text size; exchanges past either budget are dropped
// oldest-first.
func (s *Store) RecentExchanges(ctx context.Context, sessionID string, maxCount, maxChars int) ([]maestro.SessionExchange, error) {
	if sessionID == "" || maxCount <= 0 {
		return nil, nil
	}
	start := time.Now()
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, user_text, assistant_text, created_at
		 FROM session_exchanges
		 WHERE session_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?`, sessionID, maxCount)
	if err != nil {
		return nil, fmt.Errorf("recent exchanges: %w", err)
	}
	defer rows.Close()

	var newest []maestro.SessionExchange
	for rows.Next() {
		var ex maestro.SessionExchange
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.User, &ex.Assistant, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan exchange: %w", err)
		}
		newest = append(newest, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	out := clipExchanges(newest, maxChars)
	s.logger.Debug("sqlite: recent exchanges", "session", sessionID, "returned", len(out), "duration", time.Since(start))
	return out, nil
}

// clipExchanges takes exchanges ordered newest first, keeps as many as fit
// the char budget, and returns them oldest first.
func clipExchanges(newest []maestro.SessionExchange, maxChars int) []maestro.SessionExchange {
	var out []maestro.SessionExchange
	total := 0
	for _, ex := range newest {
		total += len(ex.User) + len(ex.Assistant)
		if maxChars > 0 && total > maxChars {
			break
		}
		out = append(out, ex)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// SessionSummaries returns one compact line per other session, newest
// session first, built from each session's latest exchange.
func (s *Store) SessionSummaries(ctx context.Context, excludeSessionID string, limit int) ([]string, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT user_text, assistant_text FROM (
			SELECT user_text, assistant_text, created_at,
				ROW_NUMBER() OVER (PARTITION BY session_id ORDER BY created_at DESC, id DESC) AS rn
			FROM session_exchanges
			WHERE session_id <> ?
		 ) WHERE rn = 1
		 ORDER BY created_at DESC
		 LIMIT ?`, excludeSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("session summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var user, assistant string
		if err := rows.Scan(&user, &assistant); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		out = append(out, maestro.SummarizeExchange(user, assistant))
	}
	return out, rows.Err()
}
