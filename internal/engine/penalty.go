package engine

import (
	"context"

	"humanrpc/internal/domain"
	"humanrpc/internal/events"
)

// applyPenalties punishes voters whose final-phase decision disagreed with
// the verdict. The consequence depends on the tier the voter held when the
// task settled (rank recompute runs after this step):
//
//	entry:  score reset to zero
//	mid:    burn mid_burn_fraction of staked collateral
//	senior: repeat offenders inside the 24h window are permanently banned
//	        and their remaining collateral drained
func (e Engine) applyPenalties(ctx context.Context, votes []domain.Vote, verdict string) error {
	var firstErr error
	for _, vote := range votes {
		if vote.VoterID == nil || vote.Decision == verdict {
			continue
		}
		if err := e.penalize(ctx, vote); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e Engine) penalize(ctx context.Context, vote domain.Vote) error {
	voterID := *vote.VoterID
	voter, err := e.Repo.GetVoter(ctx, voterID)
	if err != nil {
		return err
	}
	switch voter.Tier {
	case "entry":
		if err := e.Repo.ResetScore(ctx, voterID); err != nil {
			return err
		}
		return e.Events.Append(ctx, nil, events.PenaltyEntryReset, vote.TaskID, voterID, events.EventPayload{
			"score_before": voter.Score,
		})
	case "mid":
		burn := int64(float64(voter.Stake) * e.Config.Penalties.MidBurnFraction)
		burned, err := e.Repo.BurnStake(ctx, voterID, burn)
		if err != nil {
			return err
		}
		return e.Events.Append(ctx, nil, events.PenaltyMidBurn, vote.TaskID, voterID, events.EventPayload{
			"burned": burned, "stake_before": voter.Stake,
		})
	case "senior":
		// outcome records for this settlement land in the streak step, so
		// the count here is prior incorrect votes; the current one is +1.
		since := e.windowStart(e.Config.Penalties.SeniorWindowHours)
		prior, err := e.Repo.CountIncorrectSince(ctx, voterID, since)
		if err != nil {
			return err
		}
		if prior+1 <= e.Config.Penalties.SeniorMaxIncorrect {
			return nil
		}
		drained, err := e.Repo.BurnStake(ctx, voterID, voter.Stake)
		if err != nil {
			return err
		}
		if err := e.Repo.BanVoter(ctx, voterID); err != nil {
			return err
		}
		return e.Events.Append(ctx, nil, events.PenaltySeniorBan, vote.TaskID, voterID, events.EventPayload{
			"incorrect_in_window": prior + 1, "drained": drained,
		})
	}
	return nil
}
