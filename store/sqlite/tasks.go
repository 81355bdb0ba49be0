package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nevindra/maestro"
)

const taskColumns = `id, goal, project_context, assignee, status, priority, attempt_count, created_at, updated_at, next_retry_at, metadata`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (maestro.Task, error) {
	var t maestro.Task
	var status, priority, metaJSON string
	err := row.Scan(&t.ID, &t.Goal, &t.ProjectContext, &t.Assignee, &status, &priority,
		&t.AttemptCount, &t.CreatedAt, &t.UpdatedAt, &t.NextRetryAt, &metaJSON)
	if err != nil {
		return maestro.Task{}, err
	}
	t.Status = maestro.TaskStatus(status)
	t.Priority = maestro.TaskPriority(priority)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &t.Meta); err != nil {
			return maestro.Task{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t maestro.Task) error {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return fmt.Errorf("encode task metadata: %w", err)
	}
	s.logger.Debug("sqlite: create task", "id", t.ID, "priority", t.Priority)
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Goal, t.ProjectContext, t.Assignee, string(t.Status), string(t.Priority),
		t.AttemptCount, t.CreatedAt, t.UpdatedAt, t.NextRetryAt, string(meta))
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (maestro.Task, error) {
	t, err := scanTask(s.db.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return maestro.Task{}, fmt.Errorf("get task %s: %w", id, maestro.ErrTaskNotFound)
	}
	if err != nil {
		return maestro.Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListUnassignedTasks returns pending tasks with no assignee, oldest first.
func (s *Store) ListUnassignedTasks(ctx context.Context, limit int) ([]maestro.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = 'pending' AND assignee = ''
		 ORDER BY created_at, id
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list unassigned: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AssignTask sets the assignee and routing hints. The read and the guarded
// write run inside one transaction on the single shared connection, so
// concurrent assignment passes cannot both win.
func (s *Store) AssignTask(ctx context.Context, id, assignee string, source maestro.Family, model string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin assign: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var current, metaJSON string
	err = tx.QueryRowContext(ctx,
		`SELECT assignee, metadata FROM tasks WHERE id = ?`, id).Scan(&current, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("assign read: %w", err)
	}
	if current != "" {
		return false, nil
	}

	var meta maestro.TaskMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return false, fmt.Errorf("assign decode metadata: %w", err)
		}
	}
	meta.PreferredSource = source
	meta.PreferredModel = model
	metaOut, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("assign encode metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET assignee = ?, updated_at = ?, metadata = ? WHERE id = ? AND assignee = ''`,
		assignee, maestro.NowUnix(), string(metaOut), id)
	if err != nil {
		return false, fmt.Errorf("assign task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit assign: %w", err)
	}
	return n == 1, nil
}

// PullReadyTasks returns pending tasks with an assignee whose retry backoff
// has elapsed, highest priority first, then oldest.
func (s *Store) PullReadyTasks(ctx context.Context, now int64, limit int) ([]maestro.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = 'pending' AND assignee <> '' AND next_retry_at <= ?
		 ORDER BY CASE priority
				WHEN 'urgent' THEN 3
				WHEN 'high' THEN 2
				WHEN 'medium' THEN 1
				ELSE 0
			END DESC,
			created_at, id
		 LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("pull ready: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimTask transitions pending → in_progress and increments the attempt
// counter. found=false means another claimer won or the task left the
// pending state.
func (s *Store) ClaimTask(ctx context.Context, id string, now int64) (maestro.Task, bool, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return maestro.Task{}, false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = 'in_progress', attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ? AND status = 'pending'`, now, id)
	if err != nil {
		return maestro.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return maestro.Task{}, false, fmt.Errorf("claim task: %w", err)
	}
	if n == 0 {
		return maestro.Task{}, false, nil
	}
	t, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return maestro.Task{}, false, fmt.Errorf("claim readback: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return maestro.Task{}, false, fmt.Errorf("commit claim: %w", err)
	}
	s.logger.Debug("sqlite: task claimed", "id", id, "attempt", t.AttemptCount, "duration", time.Since(start))
	return t, true, nil
}

// HeartbeatTask refreshes updated_at so the sweeper leaves the task alone.
func (s *Store) HeartbeatTask(ctx context.Context, id string, now int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET updated_at = ? WHERE id = ? AND status = 'in_progress'`, now, id)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	return nil
}

// TransitionTask moves a task from the expected prior status to a new one,
// applying option updates in the same transaction. A status mismatch leaves
// the row untouched and reports false.
func (s *Store) TransitionTask(ctx context.Context, id string, from, to maestro.TaskStatus, opts ...maestro.TransitionOption) (bool, error) {
	p := maestro.ApplyTransitionOptions(opts)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var curStatus, metaJSON string
	var nextRetry int64
	err = tx.QueryRowContext(ctx,
		`SELECT status, next_retry_at, metadata FROM tasks WHERE id = ?`, id).
		Scan(&curStatus, &nextRetry, &metaJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("transition read: %w", err)
	}
	if curStatus != string(from) {
		return false, nil
	}

	var meta maestro.TaskMeta
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
			return false, fmt.Errorf("transition decode metadata: %w", err)
		}
	}
	if p.LastError != nil {
		meta.LastError = *p.LastError
	}
	if p.Result != nil {
		meta.Result = *p.Result
	}
	if p.ValidationScore != nil {
		meta.ValidationScore = *p.ValidationScore
	}
	if p.AppendAttempt != nil {
		meta.Attempts = append(meta.Attempts, *p.AppendAttempt)
	}
	if p.BoardEscalated {
		meta.BoardEscalated = true
	}
	if p.DeferredToHuman {
		meta.DeferredToHuman = true
	}
	if p.NextRetryAt != nil {
		nextRetry = *p.NextRetryAt
	}
	metaOut, err := json.Marshal(meta)
	if err != nil {
		return false, fmt.Errorf("transition encode metadata: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, updated_at = ?, next_retry_at = ?, metadata = ?
		 WHERE id = ? AND status = ?`,
		string(to), maestro.NowUnix(), nextRetry, string(metaOut), id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit transition: %w", err)
	}
	s.logger.Debug("sqlite: task transition", "id", id, "from", from, "to", to, "applied", n == 1)
	return n == 1, nil
}

// SweepStuckTasks reverts in_progress tasks with a stale heartbeat back to
// pending. Attempt counters stay as they are: the claim already charged
// the attempt.
func (s *Store) SweepStuckTasks(ctx context.Context, olderThan, now int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = 'pending', updated_at = ?
		 WHERE status = 'in_progress' AND updated_at < ?`, now, olderThan)
	if err != nil {
		return 0, fmt.Errorf("sweep stuck: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sweep stuck: %w", err)
	}
	if n > 0 {
		s.logger.Debug("sqlite: swept stuck tasks", "count", n)
	}
	return int(n), nil
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[maestro.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[maestro.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[maestro.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]maestro.Task, error) {
	var out []maestro.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpsertExperts synchronizes seed entries into the registry inside one
// transaction. Workload and success-rate statistics survive the upsert.
func (s *Store) UpsertExperts(ctx context.Context, experts []maestro.Expert) error {
	if len(experts) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert experts: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, e := range experts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO experts (name, role, department, system_prompt, workload, success_rate)
			 VALUES (?, ?, ?, ?, ?, ?)
			 ON CONFLICT (name) DO UPDATE SET
				role = excluded.role,
				department = excluded.department,
				system_prompt = excluded.system_prompt`,
			e.Name, e.Role, e.Department, e.SystemPrompt, e.Workload, e.SuccessRate)
		if err != nil {
			return fmt.Errorf("upsert expert %s: %w", e.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit upsert experts: %w", err)
	}
	s.logger.Debug("sqlite: experts upserted", "count", len(experts))
	return nil
}

func (s *Store) ListExperts(ctx context.Context) ([]maestro.Expert, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, role, department, system_prompt, workload, success_rate
		 FROM experts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list experts: %w", err)
	}
	defer rows.Close()

	var out []maestro.Expert
	for rows.Next() {
		var e maestro.Expert
		if err := rows.Scan(&e.Name, &e.Role, &e.Department, &e.SystemPrompt, &e.Workload, &e.SuccessRate); err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdjustExpertWorkload shifts the expert's in-flight counter, floored at
// zero so a double decrement cannot go negative.
func (s *Store) AdjustExpertWorkload(ctx context.Context, name string, delta int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE experts SET workload = MAX(0, workload + ?) WHERE name = ?`, delta, name)
	if err != nil {
		return fmt.Errorf("adjust workload: %w", err)
	}
	return nil
}

// RecordExpertOutcome folds one completion into the rolling success rate:
// rate = 0.9*rate + 0.1*outcome.
func (s *Store) RecordExpertOutcome(ctx context.Context, name string, success bool) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE experts SET success_rate = 0.9 * success_rate + 0.1 * ? WHERE name = ?`,
		outcome, name)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	return nil
}

// SaveDecision persists a board decision, replacing any earlier write with
// the same ID.
func (s *Store) SaveDecision(ctx context.Context, d maestro.BoardDecision) error {
	risks := d.Risks
	if risks == nil {
		risks = []string{}
	}
	risksJSON, err := json.Marshal(risks)
	if err != nil {
		return fmt.Errorf("encode risks: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO board_decisions (id, task_id, decision, rationale, risks, confidence, human_review, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			decision = excluded.decision,
			rationale = excluded.rationale,
			risks = excluded.risks,
			confidence = excluded.confidence,
			human_review = excluded.human_review`,
		d.ID, d.TaskID, d.Decision, d.Rationale, string(risksJSON), d.Confidence, boolToInt(d.HumanReview), d.CreatedAt)
	if err != nil {
		return fmt.Errorf("save decision: %w", err)
	}
	return nil
}

// DecisionForTask returns the newest decision recorded for a task.
func (s *Store) DecisionForTask(ctx context.Context, taskID string) (maestro.BoardDecision, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, task_id, decision, rationale, risks, confidence, human_review, created_at
		 FROM board_decisions
		 WHERE task_id = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, taskID)

	var d maestro.BoardDecision
	var risksJSON string
	var humanReview int
	err := row.Scan(&d.ID, &d.TaskID, &d.Decision, &d.Rationale, &risksJSON, &d.Confidence, &humanReview, &d.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return maestro.BoardDecision{}, false, nil
	}
	if err != nil {
		return maestro.BoardDecision{}, false, fmt.Errorf("decision for task: %w", err)
	}
	d.HumanReview = humanReview != 0
	if risksJSON != "" {
		if err := json.Unmarshal([]byte(risksJSON), &d.Risks); err != nil {
			return maestro.BoardDecision{}, false, fmt.Errorf("decode risks: %w", err)
		}
	}
	return d, true, nil
}
