package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/nevindra/maestro"
)

const taskColumns = `id, goal, project_context, assignee, status, priority, attempt_count, created_at, updated_at, next_retry_at, metadata`

// scanTask reads one task row including its JSONB metadata.
func scanTask(row pgx.Row) (maestro.Task, error) {
	var t maestro.Task
	var status, priority string
	var meta []byte
	err := row.Scan(&t.ID, &t.Goal, &t.ProjectContext, &t.Assignee, &status, &priority,
		&t.AttemptCount, &t.CreatedAt, &t.UpdatedAt, &t.NextRetryAt, &meta)
	if err != nil {
		return maestro.Task{}, err
	}
	t.Status = maestro.TaskStatus(status)
	t.Priority = maestro.TaskPriority(priority)
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &t.Meta); err != nil {
			return maestro.Task{}, fmt.Errorf("decode metadata: %w", err)
		}
	}
	return t, nil
}

func (s *Store) CreateTask(ctx context.Context, t maestro.Task) error {
	meta, err := json.Marshal(t.Meta)
	if err != nil {
		return fmt.Errorf("postgres: encode task metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		t.ID, t.Goal, t.ProjectContext, t.Assignee, string(t.Status), string(t.Priority),
		t.AttemptCount, t.CreatedAt, t.UpdatedAt, t.NextRetryAt, meta)
	if err != nil {
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (maestro.Task, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return maestro.Task{}, fmt.Errorf("postgres: get task %s: %w", id, maestro.ErrTaskNotFound)
	}
	if err != nil {
		return maestro.Task{}, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

// ListUnassignedTasks returns pending tasks with no assignee, oldest first.
func (s *Store) ListUnassignedTasks(ctx context.Context, limit int) ([]maestro.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = 'pending' AND assignee = ''
		 ORDER BY created_at, id
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list unassigned: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// AssignTask sets the assignee and routing hints. The empty-assignee guard
// keeps concurrent assignment passes idempotent: only one writer wins.
func (s *Store) AssignTask(ctx context.Context, id, assignee string, source maestro.Family, model string) (bool, error) {
	patch := map[string]string{}
	if source != "" {
		patch["preferred_source"] = string(source)
	}
	if model != "" {
		patch["preferred_model"] = model
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("postgres: encode assignment: %w", err)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET assignee = $2, updated_at = $3, metadata = metadata || $4::jsonb
		 WHERE id = $1 AND assignee = ''`,
		id, assignee, maestro.NowUnix(), patchJSON)
	if err != nil {
		return false, fmt.Errorf("postgres: assign task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PullReadyTasks returns pending tasks with an assignee whose retry backoff
// has elapsed, highest priority first, then oldest.
func (s *Store) PullReadyTasks(ctx context.Context, now int64, limit int) ([]maestro.Task, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+taskColumns+`
		 FROM tasks
		 WHERE status = 'pending' AND assignee <> '' AND next_retry_at <= $1
		 ORDER BY CASE priority
				WHEN 'urgent' THEN 3
				WHEN 'high' THEN 2
				WHEN 'medium' THEN 1
				ELSE 0
			END DESC,
			created_at, id
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: pull ready: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ClaimTask transitions pending → in_progress and increments the attempt
// counter in one conditional update. found=false means another claimer won
// or the task left the pending state.
func (s *Store) ClaimTask(ctx context.Context, id string, now int64) (maestro.Task, bool, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE tasks
		 SET status = 'in_progress', attempt_count = attempt_count + 1, updated_at = $2
		 WHERE id = $1 AND status = 'pending'
		 RETURNING `+taskColumns, id, now)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return maestro.Task{}, false, nil
	}
	if err != nil {
		return maestro.Task{}, false, fmt.Errorf("postgres: claim task: %w", err)
	}
	return t, true, nil
}

// HeartbeatTask refreshes updated_at so the sweeper leaves the task alone.
func (s *Store) HeartbeatTask(ctx context.Context, id string, now int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE tasks SET updated_at = $2 WHERE id = $1 AND status = 'in_progress'`, id, now)
	if err != nil {
		return fmt.Errorf("postgres: heartbeat: %w", err)
	}
	return nil
}

// TransitionTask moves a task from the expected prior status to a new one,
// folding option updates into the same statement. next_retry_at and the
// metadata patch only apply when the status guard matches, so a lost race
// leaves the row untouched.
func (s *Store) TransitionTask(ctx context.Context, id string, from, to maestro.TaskStatus, opts ...maestro.TransitionOption) (bool, error) {
	p := maestro.ApplyTransitionOptions(opts)

	patch := map[string]any{}
	if p.LastError != nil {
		patch["last_error"] = string(*p.LastError)
	}
	if p.Result != nil {
		patch["result"] = *p.Result
	}
	if p.ValidationScore != nil {
		patch["validation_score"] = *p.ValidationScore
	}
	if p.BoardEscalated {
		patch["board_escalated"] = true
	}
	if p.DeferredToHuman {
		patch["deferred_to_human"] = true
	}
	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return false, fmt.Errorf("postgres: encode transition: %w", err)
	}

	var attemptJSON []byte
	if p.AppendAttempt != nil {
		attemptJSON, err = json.Marshal(*p.AppendAttempt)
		if err != nil {
			return false, fmt.Errorf("postgres: encode attempt: %w", err)
		}
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks
		 SET status = $2,
			updated_at = $3,
			next_retry_at = COALESCE($4, next_retry_at),
			metadata = CASE
				WHEN $6::jsonb IS NULL THEN metadata || $5::jsonb
				ELSE jsonb_set(metadata || $5::jsonb, '{attempts}',
					COALESCE(metadata->'attempts', '[]'::jsonb) || $6::jsonb)
			END
		 WHERE id = $1 AND status = $7`,
		id, string(to), maestro.NowUnix(), p.NextRetryAt, patchJSON, attemptJSON, string(from))
	if err != nil {
		return false, fmt.Errorf("postgres: transition task: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SweepStuckTasks reverts in_progress tasks with a stale heartbeat back to
// pending. Attempt counters stay as they are: the claim already charged
// the attempt.
func (s *Store) SweepStuckTasks(ctx context.Context, olderThan, now int64) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tasks SET status = 'pending', updated_at = $2
		 WHERE status = 'in_progress' AND updated_at < $1`, olderThan, now)
	if err != nil {
		return 0, fmt.Errorf("postgres: sweep stuck: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[maestro.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("postgres: count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[maestro.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("postgres: scan count: %w", err)
		}
		counts[maestro.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows pgx.Rows) ([]maestro.Task, error) {
	var out []maestro.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin upsert experts: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, e := range experts {
		_, err := tx.Exec(ctx,
			`INSERT INTO experts (name, role, department, system_prompt, workload, success_rate)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (name) DO UPDATE SET
				role = EXCLUDED.role,
				department = EXCLUDED.department,
				system_prompt = EXCLUDED.system_prompt`,
			e.Name, e.Role, e.Department, e.SystemPrompt, e.Workload, e.SuccessRate)
		if err != nil {
			return fmt.Errorf("postgres: upsert expert %s: %w", e.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit upsert experts: %w", err)
	}
	return nil
}

func (s *Store) ListExperts(ctx context.Context) ([]maestro.Expert, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, role, department, system_prompt, workload, success_rate
		 FROM experts ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list experts: %w", err)
	}
	defer rows.Close()

	var out []maestro.Expert
	for rows.Next() {
		var e maestro.Expert
		if err := rows.Scan(&e.Name, &e.Role, &e.Department, &e.SystemPrompt, &e.Workload, &e.SuccessRate); err != nil {
			return nil, fmt.Errorf("postgres: scan expert: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// AdjustExpertWorkload shifts the expert's in-flight counter, floored at
// zero so a double decrement cannot go negative.
func (s *Store) AdjustExpertWorkload(ctx context.Context, name string, delta int) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE experts SET workload = GREATEST(0, workload + $2) WHERE name = $1`, name, delta)
	if err != nil {
		return fmt.Errorf("postgres: adjust workload: %w", err)
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
	_, err := s.pool.Exec(ctx,
		`UPDATE experts SET success_rate = 0.9 * success_rate + 0.1 * $2 WHERE name = $1`,
		name, outcome)
	if err != nil {
		return fmt.Errorf("postgres: record outcome: %w", err)
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
		return fmt.Errorf("postgres: encode risks: %w", err)
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO board_decisions (id, task_id, decision, rationale, risks, confidence, human_review, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO UPDATE SET
			decision = EXCLUDED.decision,
			rationale = EXCLUDED.rationale,
			risks = EXCLUDED.risks,
			confidence = EXCLUDED.confidence,
			human_review = EXCLUDED.human_review`,
		d.ID, d.TaskID, d.Decision, d.Rationale, risksJSON, d.Confidence, d.HumanReview, d.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: save decision: %w", err)
	}
	return nil
}

// DecisionForTask returns the newest decision recorded for a task.
func (s *Store) DecisionForTask(ctx context.Context, taskID string) (maestro.BoardDecision, bool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, task_id, decision, rationale, risks, confidence, human_review, created_at
		 FROM board_decisions
		 WHERE task_id = $1
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`, taskID)

	var d maestro.BoardDecision
	var risks []byte
	err := row.Scan(&d.ID, &d.TaskID, &d.Decision, &d.Rationale, &risks, &d.Confidence, &d.HumanReview, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return maestro.BoardDecision{}, false, nil
	}
	if err != nil {
		return maestro.BoardDecision{}, false, fmt.Errorf("postgres: decision for task: %w", err)
	}
	if len(risks) > 0 {
		if err := json.Unmarshal(risks, &d.Risks); err != nil {
			return maestro.BoardDecision{}, false, fmt.Errorf("postgres: decode risks: %w", err)
		}
	}
	return d, true, nil
}
