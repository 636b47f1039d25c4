package engine

import "humanrpc/internal/domain"

// MaxPhase is the last voting round; exhaustion there terminates the task.
const MaxPhase = 3

// PhaseOutcome is the controller's decision for an open task after a vote.
type PhaseOutcome int

const (
	// PhaseHold: keep collecting votes in the current phase.
	PhaseHold PhaseOutcome = iota
	// PhaseSettle: consensus reached, hand off to settlement.
	PhaseSettle
	// PhaseEscalate: jury exhausted without consensus, advance to the next
	// phase with cleared tallies and stricter eligibility.
	PhaseEscalate
	// PhaseFail: jury exhausted in the final phase, settle as failed with a
	// nil decision.
	PhaseFail
)

// NextPhase maps the evaluator's result onto the phase state machine for the
// given task snapshot. It is stateless: the caller applies the transition
// with a compare-and-swap on (task id, phase) so two racing exhaustion
// detections cannot both escalate.
func NextPhase(t domain.Task, res ConsensusResult) PhaseOutcome {
	switch {
	case res.Reached:
		return PhaseSettle
	case !res.Exhausted:
		return PhaseHold
	case t.Phase < MaxPhase:
		return PhaseEscalate
	default:
		return PhaseFail
	}
}
