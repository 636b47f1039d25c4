package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"humanrpc/internal/domain"
)

// InsertVote records a vote inside the submission transaction. The partial
// unique index on (task_id, voter_id) backs the one-vote-per-voter invariant;
// a duplicate surfaces as ErrConflict.
func (r Repo) InsertVote(ctx context.Context, tx *sql.Tx, v domain.Vote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO votes(task_id,voter_id,decision,phase,created_at) VALUES (?,?,?,?,?)`,
		v.TaskID, nullableStringPtr(v.VoterID), v.Decision, v.Phase, v.CreatedAt)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("voter already voted on task %s: %w", v.TaskID, ErrConflict)
	}
	return err
}

// HasVote checks for an existing vote by this voter within the transaction.
// The unique index is the authoritative guard; this check exists to produce
// a clean Conflict before attempting the insert.
func (r Repo) HasVote(ctx context.Context, tx *sql.Tx, taskID, voterID string) (bool, error) {
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM votes WHERE task_id=? AND voter_id=? LIMIT 1`, taskID, voterID)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) ListVotes(ctx context.Context, taskID string) ([]domain.Vote, error) {
	return r.listVotes(ctx, r.DB, taskID)
}

// ListVotesTx returns the task's votes inside the settlement transaction, so
// the fan-out scores exactly the votes that produced the verdict.
func (r Repo) ListVotesTx(ctx context.Context, tx *sql.Tx, taskID string) ([]domain.Vote, error) {
	return r.listVotes(ctx, tx, taskID)
}

func (r Repo) listVotes(ctx context.Context, q querier, taskID string) ([]domain.Vote, error) {
	rows, err := q.QueryContext(ctx, `SELECT task_id,voter_id,decision,phase,created_at FROM votes WHERE task_id=? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Vote
	for rows.Next() {
		var v domain.Vote
		var voterID sql.NullString
		if err := rows.Scan(&v.TaskID, &voterID, &v.Decision, &v.Phase, &v.CreatedAt); err != nil {
			return nil, err
		}
		if voterID.Valid {
			v.VoterID = &voterID.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
