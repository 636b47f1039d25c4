package engine

import (
	"testing"

	"humanrpc/internal/config"
	"humanrpc/internal/domain"
)

func TestEvaluateConsensus(t *testing.T) {
	cases := []struct {
		name      string
		yes, no   int
		required  int
		threshold float64
		reached   bool
		decision  string
		exhausted bool
	}{
		{name: "no votes", required: 5, threshold: 0.6},
		{name: "early win yes", yes: 3, no: 0, required: 5, threshold: 0.6, reached: true, decision: "yes"},
		{name: "early win no", yes: 1, no: 3, required: 5, threshold: 0.6, reached: true, decision: "no"},
		{name: "pending below needed", yes: 2, no: 1, required: 5, threshold: 0.6},
		{name: "impossible split falls back", yes: 3, no: 2, required: 5, threshold: 0.9, exhausted: true},
		{name: "needed met at full jury", yes: 4, no: 3, required: 7, threshold: 0.51, reached: true, decision: "yes"},
		{name: "exact threshold counts", yes: 3, no: 2, required: 5, threshold: 0.6, reached: true, decision: "yes"},
		{name: "tie at full jury not reached", yes: 3, no: 3, required: 6, threshold: 0.51, exhausted: true},
		{name: "two yes settle tiny jury", yes: 2, no: 0, required: 3, threshold: 0.51, reached: true, decision: "yes"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res := EvaluateConsensus(tc.yes, tc.no, tc.required, tc.threshold)
			if res.Reached != tc.reached {
				t.Fatalf("reached=%v want %v (%+v)", res.Reached, tc.reached, res)
			}
			if res.Decision != tc.decision {
				t.Fatalf("decision=%q want %q", res.Decision, tc.decision)
			}
			if res.Exhausted != tc.exhausted {
				t.Fatalf("exhausted=%v want %v", res.Exhausted, tc.exhausted)
			}
		})
	}
}

func TestEvaluateConsensusMajorityPct(t *testing.T) {
	res := EvaluateConsensus(0, 0, 5, 0.6)
	if res.MajorityPct != 0 {
		t.Fatalf("empty tallies should report 0 pct, got %v", res.MajorityPct)
	}
	res = EvaluateConsensus(3, 1, 10, 0.9)
	if res.MajorityPct != 0.75 {
		t.Fatalf("expected 0.75, got %v", res.MajorityPct)
	}
}

func TestSlidingScaleMonotonic(t *testing.T) {
	scale := ScaleFromConfig(config.Default())
	prevVoters, prevThreshold := scale.Size(0.0)
	for c := 0.05; c <= 1.0; c += 0.05 {
		voters, threshold := scale.Size(c)
		if voters > prevVoters {
			t.Fatalf("jury grew with rising certainty at c=%v: %d > %d", c, voters, prevVoters)
		}
		if threshold > prevThreshold+1e-9 {
			t.Fatalf("threshold grew with rising certainty at c=%v: %v > %v", c, threshold, prevThreshold)
		}
		prevVoters, prevThreshold = voters, threshold
	}
}

func TestSlidingScaleBounds(t *testing.T) {
	scale := ScaleFromConfig(config.Default())
	voters, threshold := scale.Size(1.0)
	if voters != 3 || threshold != 0.51 {
		t.Fatalf("full certainty should hit minimums, got %d voters %v threshold", voters, threshold)
	}
	voters, threshold = scale.Size(0.0)
	if voters != 15 || threshold != 0.90 {
		t.Fatalf("zero certainty should hit maximums, got %d voters %v threshold", voters, threshold)
	}
	voters, _ = scale.Size(0.75)
	if voters%2 == 0 {
		t.Fatalf("jury size should be odd, got %d", voters)
	}
}

func TestNextPhase(t *testing.T) {
	task := domain.Task{Phase: 1}
	if got := NextPhase(task, ConsensusResult{Reached: true}); got != PhaseSettle {
		t.Fatalf("reached should settle, got %v", got)
	}
	if got := NextPhase(task, ConsensusResult{}); got != PhaseHold {
		t.Fatalf("pending should hold, got %v", got)
	}
	if got := NextPhase(task, ConsensusResult{Exhausted: true}); got != PhaseEscalate {
		t.Fatalf("phase 1 exhaustion should escalate, got %v", got)
	}
	task.Phase = MaxPhase
	if got := NextPhase(task, ConsensusResult{Exhausted: true}); got != PhaseFail {
		t.Fatalf("final phase exhaustion should fail, got %v", got)
	}
}
