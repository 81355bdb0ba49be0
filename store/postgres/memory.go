package postgres

import (
	"context"
	"fmt"

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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO session_exchanges (id, session_id, user_text, assistant_text, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		ex.ID, ex.SessionID, ex.User, ex.Assistant, ex.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: append exchange: %w", err)
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
	rows, err := s.pool.Query(ctx,
		`SELECT id, session_id, user_text, assistant_text, created_at
		 FROM session_exchanges
		 WHERE session_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT $2`, sessionID, maxCount)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent exchanges: %w", err)
	}
	defer rows.Close()

	var newest []maestro.SessionExchange
	for rows.Next() {
		var ex maestro.SessionExchange
		if err := rows.Scan(&ex.ID, &ex.SessionID, &ex.User, &ex.Assistant, &ex.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan exchange: %w", err)
		}
		newest = append(newest, ex)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return clipExchanges(newest, maxChars), nil
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
	rows, err := s.pool.Query(ctx,
		`SELECT user_text, assistant_text FROM (
			SELECT DISTINCT ON (session_id) session_id, user_text, assistant_text, created_at
			FROM session_exchanges
			WHERE session_id <> $1
			ORDER BY session_id, created_at DESC
		 ) latest
		 ORDER BY created_at DESC
		 LIMIT $2`, excludeSessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: session summaries: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var user, assistant string
		if err := rows.Scan(&user, &assistant); err != nil {
			return nil, fmt.Errorf("postgres: scan summary: %w", err)
		}
		out = append(out, maestro.SummarizeExchange(user, assistant))
	}
	return out, rows.Err()
}
