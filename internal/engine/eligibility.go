package engine

import "humanrpc/internal/domain"

// EligibleForPhase returns the voters admitted to vote in the given phase.
// ranked must be non-banned voters ordered by score descending, ties broken
// by earliest account creation (repo.ListVotersRanked).
//
// Phase 1 admits everyone. Phase 2 admits the top half of the leaderboard,
// phase 3 the top decile (at least one voter). In both cases the cutoff is
// extended to include every voter tied in score with the last admitted one,
// so equal standing never depends on registration order.
func EligibleForPhase(ranked []domain.Voter, phase int) []domain.Voter {
	n := len(ranked)
	if phase <= 1 || n == 0 {
		return ranked
	}
	var cut int
	switch phase {
	case 2:
		cut = n / 2
	default:
		cut = n / 10
		if cut < 1 {
			cut = 1
		}
	}
	if cut >= n {
		return ranked
	}
	if cut == 0 {
		return nil
	}
	cutoffScore := ranked[cut-1].Score
	for cut < n && ranked[cut].Score == cutoffScore {
		cut++
	}
	return ranked[:cut]
}

// TierAllowed reports whether a voter of the given tier may vote on a task
// of the given tier. This gate is orthogonal to phase eligibility: entry
// voters see training tasks only, mid adds live-fire, senior adds dispute.
func TierAllowed(voterTier, taskTier string) bool {
	switch taskTier {
	case "training":
		return true
	case "live-fire":
		return voterTier == "mid" || voterTier == "senior"
	case "dispute":
		return voterTier == "senior"
	}
	return false
}
