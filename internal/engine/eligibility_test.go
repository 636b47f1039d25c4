package engine

import (
	"fmt"
	"testing"

	"humanrpc/internal/domain"
)

func rankedVoters(scores ...int) []domain.Voter {
	voters := make([]domain.Voter, len(scores))
	for i, s := range scores {
		voters[i] = domain.Voter{ID: fmt.Sprintf("v%d", i), Score: s}
	}
	return voters
}

func ids(voters []domain.Voter) []string {
	out := make([]string, len(voters))
	for i, v := range voters {
		out[i] = v.ID
	}
	return out
}

func TestEligiblePhaseOne(t *testing.T) {
	ranked := rankedVoters(10, 5, 1)
	if got := EligibleForPhase(ranked, 1); len(got) != 3 {
		t.Fatalf("phase 1 should admit everyone, got %d", len(got))
	}
}

func TestEligiblePhaseTwoCutoff(t *testing.T) {
	// scores [10,10,8,8,5]: cutoff 2, last admitted scores 10, index 2 is 8
	// so no extension
	got := EligibleForPhase(rankedVoters(10, 10, 8, 8, 5), 2)
	if len(got) != 2 {
		t.Fatalf("expected the two 10-scorers, got %v", ids(got))
	}
}

func TestEligiblePhaseTwoTieExtension(t *testing.T) {
	// scores [10,10,10,8,5]: cutoff 2 but the third 10 ties the last
	// admitted voter, so all three are in
	got := EligibleForPhase(rankedVoters(10, 10, 10, 8, 5), 2)
	if len(got) != 3 {
		t.Fatalf("expected tie extension to admit 3, got %v", ids(got))
	}
	for _, v := range got {
		if v.Score != 10 {
			t.Fatalf("admitted voter with score %d", v.Score)
		}
	}
}

func TestEligiblePhaseThree(t *testing.T) {
	ranked := rankedVoters(50, 40, 30, 20, 10, 9, 8, 7, 6, 5, 4, 3)
	got := EligibleForPhase(ranked, 3)
	// floor(12 * 0.10) = 1
	if len(got) != 1 || got[0].ID != "v0" {
		t.Fatalf("phase 3 should admit only the top voter, got %v", ids(got))
	}
}

func TestEligiblePhaseThreeAtLeastOne(t *testing.T) {
	got := EligibleForPhase(rankedVoters(3, 2, 1), 3)
	if len(got) != 1 {
		t.Fatalf("phase 3 must admit at least one voter, got %d", len(got))
	}
}

func TestTierAllowed(t *testing.T) {
	cases := []struct {
		voterTier, taskTier string
		want                bool
	}{
		{"entry", "training", true},
		{"entry", "live-fire", false},
		{"entry", "dispute", false},
		{"mid", "training", true},
		{"mid", "live-fire", true},
		{"mid", "dispute", false},
		{"senior", "dispute", true},
		{"senior", "live-fire", true},
	}
	for _, tc := range cases {
		if got := TierAllowed(tc.voterTier, tc.taskTier); got != tc.want {
			t.Fatalf("TierAllowed(%s, %s)=%v want %v", tc.voterTier, tc.taskTier, got, tc.want)
		}
	}
}
