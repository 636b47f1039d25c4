package engine

import (
	"context"
	"database/sql"
	"time"

	"humanrpc/internal/domain"
	"humanrpc/internal/events"
)

// settledTask carries the committed verdict plus the final-phase votes into
// the post-commit fan-out.
type settledTask struct {
	task    domain.Task
	verdict domain.Verdict
	votes   []domain.Vote
}

// settleTx applies the authoritative settlement transition inside the
// caller's transaction: a compare-and-swap from pending/urgent to
// completed/failed, with the verdict payload. The final-phase votes are
// snapshotted in the same transaction so the fan-out scores exactly the
// ballots that produced the verdict.
func (e Engine) settleTx(ctx context.Context, tx *sql.Tx, t domain.Task, res ConsensusResult, nowStr string) (settledTask, error) {
	verdict := domain.Verdict{
		YesVotes:  t.YesVotes,
		NoVotes:   t.NoVotes,
		Phase:     t.Phase,
		SettledAt: nowStr,
	}
	status := "failed"
	if res.Reached {
		status = "completed"
		decision := res.Decision
		verdict.Decision = &decision
		verdict.PoolUnits = e.Config.Rewards.PoolUnits
	}
	votes, err := e.Repo.ListVotesTx(ctx, tx, t.ID)
	if err != nil {
		return settledTask{}, err
	}
	if err := e.Repo.SettleTask(ctx, tx, t.ID, status, verdict, nowStr); err != nil {
		return settledTask{}, err
	}
	t.Status = status
	return settledTask{task: t, verdict: verdict, votes: votes}, nil
}

// fanOut runs the post-settlement engines. The verdict is already committed;
// each step runs in its own failure boundary so one engine's error is logged
// and the rest still run. Nothing here may touch the task's status.
func (e Engine) fanOut(ctx context.Context, s settledTask) {
	if s.verdict.Decision == nil {
		// no-consensus termination: only the final event is emitted
		e.runStep("notify", func() error {
			return e.Events.Append(ctx, nil, events.ConsensusNone, s.task.ID, "", events.EventPayload{
				"phase": s.verdict.Phase, "yes": s.verdict.YesVotes, "no": s.verdict.NoVotes,
			})
		})
		return
	}
	verdict := *s.verdict.Decision
	e.runStep("scoring", func() error { return e.applyScores(ctx, s.votes, verdict) })
	e.runStep("penalty", func() error { return e.applyPenalties(ctx, s.votes, verdict) })
	e.runStep("rank", func() error { return e.recomputeTiers(ctx, s.votes) })
	e.runStep("reward", func() error { return e.distributeRewards(ctx, &s, verdict) })
	e.runStep("streak", func() error { return e.trackStreaks(ctx, s, verdict) })
	e.runStep("notify", func() error { return e.notifyVoters(ctx, s, verdict) })
}

func (e Engine) runStep(name string, fn func() error) {
	if err := fn(); err != nil {
		e.logf("settlement: %s step failed: %v", name, err)
	}
}

func (e Engine) notifyVoters(ctx context.Context, s settledTask, verdict string) error {
	var firstErr error
	for _, v := range s.votes {
		if v.VoterID == nil {
			continue
		}
		evtType := events.ConsensusLoss
		payload := events.EventPayload{"decision": v.Decision, "verdict": verdict, "score_delta": e.Config.Scoring.IncorrectPoints}
		if v.Decision == verdict {
			evtType = events.ConsensusWin
			payload["score_delta"] = e.Config.Scoring.CorrectPoints
		}
		if err := e.Events.Append(ctx, nil, evtType, s.task.ID, *v.VoterID, payload); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// voterIDs returns the distinct non-anonymous voters on the settled task.
func voterIDs(votes []domain.Vote) []string {
	seen := map[string]bool{}
	var ids []string
	for _, v := range votes {
		if v.VoterID == nil || seen[*v.VoterID] {
			continue
		}
		seen[*v.VoterID] = true
		ids = append(ids, *v.VoterID)
	}
	return ids
}

func (e Engine) windowStart(hours int) string {
	return e.now().UTC().Add(-time.Duration(hours) * time.Hour).Format(time.RFC3339)
}
