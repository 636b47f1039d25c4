package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"humanrpc/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict marks rejections the caller can branch on: duplicate vote,
	// terminal task, vote racing a phase transition.
	ErrConflict = errors.New("conflict")
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const taskColumns = `id,agent_id,COALESCE(summary,'') AS summary,status,tier,phase,certainty,required_voters,threshold,yes_votes,no_votes,deadline,verdict_json,created_at,updated_at,settled_at`

func scanTask(row *sql.Row) (domain.Task, error) {
	var t domain.Task
	var deadline, verdictJSON, settledAt sql.NullString
	err := row.Scan(&t.ID, &t.AgentID, &t.Summary, &t.Status, &t.Tier, &t.Phase, &t.Certainty,
		&t.RequiredVoters, &t.Threshold, &t.YesVotes, &t.NoVotes, &deadline, &verdictJSON, &t.CreatedAt, &t.UpdatedAt, &settledAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if deadline.Valid {
		t.Deadline = &deadline.String
	}
	if settledAt.Valid {
		t.SettledAt = &settledAt.String
	}
	if verdictJSON.Valid && verdictJSON.String != "" {
		var v domain.Verdict
		if err := json.Unmarshal([]byte(verdictJSON.String), &v); err != nil {
			return t, fmt.Errorf("task %s verdict: %w", t.ID, err)
		}
		t.Verdict = &v
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	q := querierOf(r.DB, tx)
	_, err := q.ExecContext(ctx, `INSERT INTO tasks(id,agent_id,summary,status,tier,phase,certainty,required_voters,threshold,yes_votes,no_votes,deadline,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.AgentID, nullable(t.Summary), t.Status, t.Tier, t.Phase, t.Certainty,
		t.RequiredVoters, t.Threshold, t.YesVotes, t.NoVotes, nullableStringPtr(t.Deadline), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetTaskTx reads the task inside an open transaction so vote handling sees a
// consistent snapshot of tallies and phase.
func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) ListTasks(ctx context.Context, status string, limit int) ([]domain.Task, error) {
	clauses := []string{}
	args := []any{}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		var t domain.Task
		var deadline, verdictJSON, settledAt sql.NullString
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Summary, &t.Status, &t.Tier, &t.Phase, &t.Certainty,
			&t.RequiredVoters, &t.Threshold, &t.YesVotes, &t.NoVotes, &deadline, &verdictJSON, &t.CreatedAt, &t.UpdatedAt, &settledAt); err != nil {
			return nil, err
		}
		if deadline.Valid {
			t.Deadline = &deadline.String
		}
		if settledAt.Valid {
			t.SettledAt = &settledAt.String
		}
		if verdictJSON.Valid && verdictJSON.String != "" {
			var v domain.Verdict
			if err := json.Unmarshal([]byte(verdictJSON.String), &v); err == nil {
				t.Verdict = &v
			}
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTasksByAgent(ctx context.Context, agentID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id FROM tasks WHERE agent_id=? AND status IN ('pending','urgent')`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	var res []domain.Task
	for _, id := range ids {
		t, err := r.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

// BumpTally increments one side's tally, guarded on the phase the vote was
// evaluated against and on the task still being open. Returns ErrConflict
// when the guard misses (phase advanced or task settled underneath us).
func (r Repo) BumpTally(ctx context.Context, tx *sql.Tx, taskID, decision string, phase int, now string) error {
	column := "yes_votes"
	if decision == "no" {
		column = "no_votes"
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET `+column+`=`+column+`+1, updated_at=? WHERE id=? AND phase=? AND status IN ('pending','urgent')`,
		now, taskID, phase)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s phase moved or settled: %w", taskID, ErrConflict)
	}
	return nil
}

// AdvancePhase is the phase-escalation compare-and-swap: it only fires if the
// task is still open and still in fromPhase, and clears tallies and votes in
// the same statement scope.
func (r Repo) AdvancePhase(ctx context.Context, tx *sql.Tx, taskID string, fromPhase int, now string) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET phase=phase+1, yes_votes=0, no_votes=0, updated_at=? WHERE id=? AND phase=? AND status IN ('pending','urgent')`,
		now, taskID, fromPhase)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s already escalated: %w", taskID, ErrConflict)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE task_id=?`, taskID); err != nil {
		return err
	}
	return nil
}

// SettleTask is the settlement compare-and-swap: pending/urgent -> terminal,
// exactly once. Returns ErrConflict if the task is already terminal.
func (r Repo) SettleTask(ctx context.Context, tx *sql.Tx, taskID, status string, verdict domain.Verdict, now string) error {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status=?, verdict_json=?, settled_at=?, updated_at=? WHERE id=? AND status IN ('pending','urgent')`,
		status, string(payload), now, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s already settled: %w", taskID, ErrConflict)
	}
	return nil
}

// UpdateVerdict rewrites the verdict payload after the reward distribution has
// filled in winner count and distributed units.
func (r Repo) UpdateVerdict(ctx context.Context, taskID string, verdict domain.Verdict) error {
	payload, err := json.Marshal(verdict)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `UPDATE tasks SET verdict_json=? WHERE id=?`, string(payload), taskID)
	return err
}

// MarkUrgent flips still-open tasks whose deadline has passed.
func (r Repo) MarkUrgent(ctx context.Context, now string) (int64, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE tasks SET status='urgent', updated_at=? WHERE status='pending' AND deadline IS NOT NULL AND deadline <= ?`, now, now)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (r Repo) CountTasksByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func querierOf(db *sql.DB, tx *sql.Tx) querier {
	if tx != nil {
		return tx
	}
	return db
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
