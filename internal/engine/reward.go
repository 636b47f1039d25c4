package engine

import (
	"context"

	"humanrpc/internal/events"
)

// PayoutRequest is handed to the on-chain settlement collaborator: the core
// computes the split, fund movement is delegated.
type PayoutRequest struct {
	TaskID         string   `json:"task_id"`
	WinnerVoterIDs []string `json:"winner_voter_ids"`
	TotalPoolUnits int64    `json:"total_pool_units"`
	ShareUnits     int64    `json:"share_units"`
}

// PayoutSink receives payout requests for execution elsewhere.
type PayoutSink interface {
	Submit(ctx context.Context, req PayoutRequest) error
}

// eventPayoutSink is the default sink: it records one reward.paid event per
// winner on the durable stream, from which an external executor can pick
// the transfer up.
type eventPayoutSink struct {
	events events.Writer
}

func (s eventPayoutSink) Submit(ctx context.Context, req PayoutRequest) error {
	var firstErr error
	for _, voterID := range req.WinnerVoterIDs {
		err := s.events.Append(ctx, nil, events.RewardPaid, req.TaskID, voterID, events.EventPayload{
			"share_units": req.ShareUnits,
			"pool_units":  req.TotalPoolUnits,
			"winners":     len(req.WinnerVoterIDs),
		})
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// distributeRewards splits the fixed pool evenly among voters who sided with
// the verdict. Integer division; the remainder stays undistributed. Winner
// count and distributed total are recorded on the verdict.
func (e Engine) distributeRewards(ctx context.Context, s *settledTask, verdict string) error {
	var winners []string
	for _, v := range s.votes {
		if v.VoterID != nil && v.Decision == verdict {
			winners = append(winners, *v.VoterID)
		}
	}
	pool := s.verdict.PoolUnits
	if len(winners) == 0 || pool <= 0 {
		return nil
	}
	share := pool / int64(len(winners))
	s.verdict.WinnerCount = len(winners)
	s.verdict.Distributed = share * int64(len(winners))
	if err := e.Repo.UpdateVerdict(ctx, s.task.ID, s.verdict); err != nil {
		return err
	}
	return e.Payouts.Submit(ctx, PayoutRequest{
		TaskID:         s.task.ID,
		WinnerVoterIDs: winners,
		TotalPoolUnits: pool,
		ShareUnits:     share,
	})
}
