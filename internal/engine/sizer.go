package engine

import "humanrpc/internal/config"

// JuryPolicy maps an agent's self-reported certainty to the jury size and
// acceptance threshold for its task. Implementations must be monotonic:
// lower certainty never yields a smaller jury or a lower threshold.
type JuryPolicy interface {
	Size(certainty float64) (requiredVoters int, threshold float64)
}

// SlidingScale is the inverse confidence sliding scale: the less certain the
// agent, the more voters are summoned and the stricter the consensus bar.
type SlidingScale struct {
	MinVoters    int
	MaxVoters    int
	MinThreshold float64
	MaxThreshold float64
	MinCertainty float64
}

// ScaleFromConfig builds the default policy from the consensus section.
func ScaleFromConfig(cfg *config.Config) SlidingScale {
	return SlidingScale{
		MinVoters:    cfg.Consensus.MinVoters,
		MaxVoters:    cfg.Consensus.MaxVoters,
		MinThreshold: cfg.Consensus.MinThreshold,
		MaxThreshold: cfg.Consensus.MaxThreshold,
		MinCertainty: cfg.Consensus.MinCertainty,
	}
}

func (s SlidingScale) Size(certainty float64) (int, float64) {
	c := clampFloat(certainty, s.MinCertainty, 1)
	spread := 1 - s.MinCertainty
	u := 0.0
	if spread > 0 {
		u = clampFloat((1-c)/spread, 0, 1)
	}

	voters := s.MinVoters + int(u*float64(s.MaxVoters-s.MinVoters)+0.5)
	if voters%2 == 0 {
		// odd jury sizes prevent dead-even splits
		voters++
	}
	voters = clampInt(voters, s.MinVoters, s.MaxVoters)
	if voters < 1 {
		voters = 1
	}

	threshold := s.MinThreshold + u*(s.MaxThreshold-s.MinThreshold)
	threshold = clampFloat(threshold, s.MinThreshold, s.MaxThreshold)
	return voters, threshold
}

func clampFloat(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
