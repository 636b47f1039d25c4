package domain

// Task is a claim under adjudication by the voter pool.
type Task struct {
	ID             string   `json:"id"`
	AgentID        string   `json:"agent_id"`
	Summary        string   `json:"summary,omitempty"`
	Status         string   `json:"status" enum:"pending,urgent,completed,failed,aborted"`
	Tier           string   `json:"tier" enum:"training,live-fire,dispute"`
	Phase          int      `json:"phase"`
	Certainty      float64  `json:"certainty"`
	RequiredVoters int      `json:"required_voters"`
	Threshold      float64  `json:"threshold"`
	YesVotes       int      `json:"yes_votes"`
	NoVotes        int      `json:"no_votes"`
	Deadline       *string  `json:"deadline,omitempty" format:"date-time"`
	Verdict        *Verdict `json:"verdict,omitempty"`
	CreatedAt      string   `json:"created_at" format:"date-time"`
	UpdatedAt      string   `json:"updated_at" format:"date-time"`
	SettledAt      *string  `json:"settled_at,omitempty" format:"date-time"`
}

// Terminal reports whether the task can no longer accept votes.
func (t Task) Terminal() bool {
	switch t.Status {
	case "completed", "failed", "aborted":
		return true
	}
	return false
}

// Verdict is the settlement artifact written exactly once per task.
// Decision is nil when the final phase exhausted without consensus.
type Verdict struct {
	Decision    *string `json:"decision,omitempty" enum:"yes,no"`
	YesVotes    int     `json:"yes_votes"`
	NoVotes     int     `json:"no_votes"`
	Phase       int     `json:"phase"`
	WinnerCount int     `json:"winner_count"`
	PoolUnits   int64   `json:"pool_units"`
	Distributed int64   `json:"distributed"`
	SettledAt   string  `json:"settled_at" format:"date-time"`
}

// Vote is one voter's decision on one task in its current phase.
// VoterID is nil for anonymous/legacy votes.
type Vote struct {
	TaskID    string  `json:"task_id"`
	VoterID   *string `json:"voter_id,omitempty"`
	Decision  string  `json:"decision" enum:"yes,no"`
	Phase     int     `json:"phase"`
	CreatedAt string  `json:"created_at" format:"date-time"`
}

// Voter is a participant with standing.
type Voter struct {
	ID              string  `json:"id"`
	Score           int     `json:"score"`
	Tier            string  `json:"tier" enum:"entry,mid,senior"`
	VoteCount       int     `json:"vote_count"`
	CorrectCount    int     `json:"correct_count"`
	Stake           int64   `json:"stake"`
	Banned          bool    `json:"banned"`
	Badge           bool    `json:"badge"`
	BadgeAwardedAt  *string `json:"badge_awarded_at,omitempty" format:"date-time"`
	StreakDays      int     `json:"streak_days"`
	StreakStartedAt *string `json:"streak_started_at,omitempty" format:"date-time"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

// VoteOutcomeRecord is an immutable audit row written once per settled vote.
type VoteOutcomeRecord struct {
	ID        string `json:"id"`
	VoterID   string `json:"voter_id"`
	TaskID    string `json:"task_id"`
	Decision  string `json:"decision" enum:"yes,no"`
	Verdict   string `json:"verdict" enum:"yes,no"`
	Correct   bool   `json:"correct"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only settlement/audit stream.
type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	TaskID  string `json:"task_id,omitempty"`
	VoterID string `json:"voter_id,omitempty"`
	Payload string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	VoterID   string `json:"voter_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
