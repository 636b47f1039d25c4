package engine

import "math"

// ConsensusResult is the evaluator's verdict on the current tallies.
type ConsensusResult struct {
	Reached bool `json:"reached"`
	// Decision is "yes" or "no" when Reached, empty otherwise.
	Decision string `json:"decision,omitempty"`
	// Needed is the early-win vote count: ceil(requiredVoters * threshold).
	Needed int `json:"needed"`
	Total  int `json:"total"`
	// MajorityPct is max(yes,no)/total for progress display, 0 when no votes.
	MajorityPct float64 `json:"majority_pct"`
	// Exhausted means the jury is full and no consensus exists; the phase
	// controller turns this into an escalation or a final failure.
	Exhausted bool `json:"exhausted"`
}

// EvaluateConsensus decides whether the tallies already settle the task.
//
// Either side wins early by reaching needed votes outright. If neither side
// can still get there with the ballots remaining, the evaluator waits for a
// full jury and falls back to majority share >= threshold (>=, so an exact
// hit counts). Anything else is pending.
func EvaluateConsensus(yes, no, requiredVoters int, threshold float64) ConsensusResult {
	total := yes + no
	needed := int(math.Ceil(float64(requiredVoters) * threshold))
	res := ConsensusResult{Needed: needed, Total: total}
	if total == 0 {
		return res
	}
	res.MajorityPct = float64(maxInt(yes, no)) / float64(total)

	switch {
	case yes >= needed:
		res.Reached = true
		res.Decision = "yes"
	case no >= needed:
		res.Reached = true
		res.Decision = "no"
	default:
		remaining := requiredVoters - total
		if yes+remaining < needed && no+remaining < needed && total >= requiredVoters {
			if res.MajorityPct >= threshold {
				res.Reached = true
				if yes > no {
					res.Decision = "yes"
				} else {
					res.Decision = "no"
				}
			}
		}
	}
	res.Exhausted = !res.Reached && total >= requiredVoters
	return res
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
