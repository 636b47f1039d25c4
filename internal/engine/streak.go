package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"humanrpc/internal/domain"
	"humanrpc/internal/events"
)

// trackStreaks appends one immutable VoteOutcomeRecord per settled vote and
// re-evaluates standing-badge eligibility for voters who do not hold it yet.
func (e Engine) trackStreaks(ctx context.Context, s settledTask, verdict string) error {
	var firstErr error
	for _, v := range s.votes {
		if v.VoterID == nil {
			continue
		}
		rec := domain.VoteOutcomeRecord{
			ID:        uuid.New().String(),
			VoterID:   *v.VoterID,
			TaskID:    s.task.ID,
			Decision:  v.Decision,
			Verdict:   verdict,
			Correct:   v.Decision == verdict,
			CreatedAt: s.verdict.SettledAt,
		}
		if err := e.Repo.InsertOutcome(ctx, rec); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := e.evaluateBadge(ctx, *v.VoterID); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// evaluateBadge checks the voter's outcome records over the streak window.
// Any incorrect record, or an empty window, resets the tracked streak.
// The badge requires windowDays distinct all-correct calendar days, reached
// either as one consecutive run or as a full-span window with no misses.
// Awarding is idempotent and permanent.
func (e Engine) evaluateBadge(ctx context.Context, voterID string) error {
	voter, err := e.Repo.GetVoter(ctx, voterID)
	if err != nil {
		return err
	}
	if voter.Badge {
		return nil
	}
	windowDays := e.Config.Streak.WindowDays
	now := e.now().UTC()
	since := now.AddDate(0, 0, -windowDays).Format(time.RFC3339)
	recs, err := e.Repo.ListOutcomesSince(ctx, voterID, since)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return e.Repo.SetStreak(ctx, voterID, 0, nil)
	}
	for _, rec := range recs {
		if !rec.Correct {
			return e.Repo.SetStreak(ctx, voterID, 0, nil)
		}
	}

	days := distinctDays(recs)
	runLen, runStart := trailingRun(days)
	startStr := runStart.Format(time.RFC3339)
	if err := e.Repo.SetStreak(ctx, voterID, runLen, &startStr); err != nil {
		return err
	}

	if len(days) < windowDays {
		return nil
	}
	spanDays := int(days[len(days)-1].Sub(days[0]).Hours()/24) + 1
	if runLen < windowDays && spanDays < windowDays {
		return nil
	}
	awardedAt := now.Format(time.RFC3339)
	if err := e.Repo.AwardBadge(ctx, voterID, awardedAt); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.BadgeAwarded, "", voterID, events.EventPayload{
		"streak_days": len(days),
	})
}

// distinctDays collapses records onto UTC calendar days, sorted ascending.
func distinctDays(recs []domain.VoteOutcomeRecord) []time.Time {
	seen := map[time.Time]bool{}
	var days []time.Time
	for _, rec := range recs {
		ts, err := time.Parse(time.RFC3339, rec.CreatedAt)
		if err != nil {
			continue
		}
		day := ts.UTC().Truncate(24 * time.Hour)
		if !seen[day] {
			seen[day] = true
			days = append(days, day)
		}
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days
}

// trailingRun returns the length and start of the consecutive-day run ending
// at the most recent recorded day.
func trailingRun(days []time.Time) (int, time.Time) {
	if len(days) == 0 {
		return 0, time.Time{}
	}
	run := 1
	start := days[len(days)-1]
	for i := len(days) - 1; i > 0; i-- {
		if days[i].Sub(days[i-1]) != 24*time.Hour {
			break
		}
		run++
		start = days[i-1]
	}
	return run, start
}
