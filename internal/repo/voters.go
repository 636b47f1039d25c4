package repo

import (
	"context"
	"database/sql"

	"humanrpc/internal/domain"
)

const voterColumns = `id,score,tier,vote_count,correct_count,stake,banned,badge,badge_awarded_at,streak_days,streak_started_at,created_at`

func scanVoter(row *sql.Row) (domain.Voter, error) {
	var v domain.Voter
	var badgeAt, streakAt sql.NullString
	err := row.Scan(&v.ID, &v.Score, &v.Tier, &v.VoteCount, &v.CorrectCount, &v.Stake,
		&v.Banned, &v.Badge, &badgeAt, &v.StreakDays, &streakAt, &v.CreatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if badgeAt.Valid {
		v.BadgeAwardedAt = &badgeAt.String
	}
	if streakAt.Valid {
		v.StreakStartedAt = &streakAt.String
	}
	return v, nil
}

func (r Repo) InsertVoter(ctx context.Context, v domain.Voter) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO voters(id,score,tier,vote_count,correct_count,stake,banned,badge,streak_days,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.Score, v.Tier, v.VoteCount, v.CorrectCount, v.Stake, v.Banned, v.Badge, v.StreakDays, v.CreatedAt)
	return err
}

func (r Repo) GetVoter(ctx context.Context, id string) (domain.Voter, error) {
	return scanVoter(r.DB.QueryRowContext(ctx, `SELECT `+voterColumns+` FROM voters WHERE id=?`, id))
}

func (r Repo) GetVoterTx(ctx context.Context, tx *sql.Tx, id string) (domain.Voter, error) {
	return scanVoter(tx.QueryRowContext(ctx, `SELECT `+voterColumns+` FROM voters WHERE id=?`, id))
}

// ListVotersRanked returns non-banned voters ordered by score descending,
// ties broken by earliest account creation. This ordering is the input to
// the phase eligibility cutoffs.
func (r Repo) ListVotersRanked(ctx context.Context) ([]domain.Voter, error) {
	return r.listVotersRanked(ctx, r.DB)
}

// ListVotersRankedTx ranks voters inside the vote-submission transaction so
// the eligibility check and the vote insert see the same leaderboard.
func (r Repo) ListVotersRankedTx(ctx context.Context, tx *sql.Tx) ([]domain.Voter, error) {
	return r.listVotersRanked(ctx, tx)
}

func (r Repo) listVotersRanked(ctx context.Context, q querier) ([]domain.Voter, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+voterColumns+` FROM voters WHERE banned=0 ORDER BY score DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Voter
	for rows.Next() {
		var v domain.Voter
		var badgeAt, streakAt sql.NullString
		if err := rows.Scan(&v.ID, &v.Score, &v.Tier, &v.VoteCount, &v.CorrectCount, &v.Stake,
			&v.Banned, &v.Badge, &badgeAt, &v.StreakDays, &streakAt, &v.CreatedAt); err != nil {
			return nil, err
		}
		if badgeAt.Valid {
			v.BadgeAwardedAt = &badgeAt.String
		}
		if streakAt.Valid {
			v.StreakStartedAt = &streakAt.String
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// AddScore applies a score delta, clamped at zero.
func (r Repo) AddScore(ctx context.Context, id string, delta int) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE voters SET score=MAX(0, score+?) WHERE id=?`, delta, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) ResetScore(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET score=0 WHERE id=?`, id)
	return err
}

func (r Repo) SetTier(ctx context.Context, id, tier string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET tier=? WHERE id=?`, tier, id)
	return err
}

// BurnStake removes units from a voter's staked collateral, clamped at zero,
// and returns the amount actually burned. The update is guarded on the stake
// value it read so concurrent burns cannot drive the balance negative; a lost
// race retries against the fresh balance.
func (r Repo) BurnStake(ctx context.Context, id string, units int64) (int64, error) {
	for {
		var stake int64
		err := r.DB.QueryRowContext(ctx, `SELECT stake FROM voters WHERE id=?`, id).Scan(&stake)
		if err == sql.ErrNoRows {
			return 0, ErrNotFound
		}
		if err != nil {
			return 0, err
		}
		burn := units
		if burn > stake {
			burn = stake
		}
		res, err := r.DB.ExecContext(ctx, `UPDATE voters SET stake=stake-? WHERE id=? AND stake=?`, burn, id, stake)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return burn, nil
		}
	}
}

func (r Repo) BanVoter(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET banned=1 WHERE id=?`, id)
	return err
}

func (r Repo) BumpVoteCounters(ctx context.Context, id string, correct bool) error {
	correctDelta := 0
	if correct {
		correctDelta = 1
	}
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET vote_count=vote_count+1, correct_count=correct_count+? WHERE id=?`, correctDelta, id)
	return err
}

func (r Repo) AwardBadge(ctx context.Context, id, awardedAt string) error {
	// badge=0 guard keeps the award idempotent and permanent.
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET badge=1, badge_awarded_at=? WHERE id=? AND badge=0`, awardedAt, id)
	return err
}

func (r Repo) SetStreak(ctx context.Context, id string, days int, startedAt *string) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET streak_days=?, streak_started_at=? WHERE id=?`, days, nullableStringPtr(startedAt), id)
	return err
}

func (r Repo) AddStake(ctx context.Context, id string, units int64) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE voters SET stake=stake+? WHERE id=?`, units, id)
	return err
}
