package engine

import (
	"context"

	"humanrpc/internal/domain"
)

// applyScores converts each final-phase vote into a point delta: agreement
// with the verdict earns correct_points, disagreement costs incorrect_points.
// Scores are clamped at zero in the store.
func (e Engine) applyScores(ctx context.Context, votes []domain.Vote, verdict string) error {
	var firstErr error
	for _, v := range votes {
		if v.VoterID == nil {
			continue
		}
		correct := v.Decision == verdict
		delta := e.Config.Scoring.IncorrectPoints
		if correct {
			delta = e.Config.Scoring.CorrectPoints
		}
		if err := e.Repo.AddScore(ctx, *v.VoterID, delta); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.Repo.BumpVoteCounters(ctx, *v.VoterID, correct); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// TierForScore is the rank engine's pure mapping from cumulative score to
// tier. Thresholds are monotonic by config validation.
func (e Engine) TierForScore(score int) string {
	switch {
	case score >= e.Config.Tiers.SeniorScore:
		return "senior"
	case score >= e.Config.Tiers.MidScore:
		return "mid"
	default:
		return "entry"
	}
}

// recomputeTiers re-derives each participating voter's tier from the score
// the scoring and penalty engines just left behind.
func (e Engine) recomputeTiers(ctx context.Context, votes []domain.Vote) error {
	var firstErr error
	for _, id := range voterIDs(votes) {
		v, err := e.Repo.GetVoter(ctx, id)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if tier := e.TierForScore(v.Score); tier != v.Tier {
			if err := e.Repo.SetTier(ctx, id, tier); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}
