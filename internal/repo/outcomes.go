package repo

import (
	"context"

	"humanrpc/internal/domain"
)

func (r Repo) InsertOutcome(ctx context.Context, rec domain.VoteOutcomeRecord) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO vote_outcomes(id,voter_id,task_id,decision,verdict,correct,created_at) VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.VoterID, rec.TaskID, rec.Decision, rec.Verdict, rec.Correct, rec.CreatedAt)
	return err
}

// ListOutcomesSince returns a voter's outcome records at or after the cutoff,
// oldest first. The streak tracker reads its whole window through this.
func (r Repo) ListOutcomesSince(ctx context.Context, voterID, since string) ([]domain.VoteOutcomeRecord, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT id,voter_id,task_id,decision,verdict,correct,created_at FROM vote_outcomes WHERE voter_id=? AND created_at>=? ORDER BY created_at ASC`,
		voterID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VoteOutcomeRecord
	for rows.Next() {
		var rec domain.VoteOutcomeRecord
		if err := rows.Scan(&rec.ID, &rec.VoterID, &rec.TaskID, &rec.Decision, &rec.Verdict, &rec.Correct, &rec.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// CountIncorrectSince feeds the senior-tier repeat-offender check.
func (r Repo) CountIncorrectSince(ctx context.Context, voterID, since string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vote_outcomes WHERE voter_id=? AND correct=0 AND created_at>=?`, voterID, since).Scan(&n)
	return n, err
}
