package server

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"humanrpc/internal/domain"
	"humanrpc/internal/engine"
	"humanrpc/internal/repo"
)

// Request payloads

type CreateTaskRequest struct {
	ID        *string `json:"id,omitempty"`
	AgentID   string  `json:"agent_id"`
	Summary   *string `json:"summary,omitempty"`
	Certainty float64 `json:"certainty" minimum:"0" maximum:"1"`
	Tier      *string `json:"tier,omitempty" enum:"training,live-fire,dispute"`
	Deadline  *string `json:"deadline,omitempty" format:"date-time"`
}

type CastVoteRequest struct {
	Decision  string `json:"decision" enum:"yes,no"`
	Anonymous bool   `json:"anonymous,omitempty"`
}

type RegisterVoterRequest struct {
	ID    *string `json:"id,omitempty"`
	Stake int64   `json:"stake,omitempty" minimum:"0"`
}

type CreateAPIKeyRequest struct {
	Name string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	VoterID string `json:"voter_id"`
}

// Response payloads

type TaskResponse struct {
	ID             string           `json:"id"`
	AgentID        string           `json:"agent_id"`
	Summary        string           `json:"summary,omitempty"`
	Status         string           `json:"status" enum:"pending,urgent,completed,failed,aborted"`
	Tier           string           `json:"tier" enum:"training,live-fire,dispute"`
	Phase          int              `json:"phase"`
	Certainty      float64          `json:"certainty"`
	RequiredVoters int              `json:"required_voters"`
	Threshold      float64          `json:"threshold"`
	YesVotes       int              `json:"yes_votes"`
	NoVotes        int              `json:"no_votes"`
	Deadline       *string          `json:"deadline,omitempty" format:"date-time"`
	Verdict        *VerdictResponse `json:"verdict,omitempty"`
	CreatedAt      string           `json:"created_at" format:"date-time"`
	UpdatedAt      string           `json:"updated_at" format:"date-time"`
	SettledAt      *string          `json:"settled_at,omitempty" format:"date-time"`
}

type VerdictResponse struct {
	Decision    *string `json:"decision,omitempty" enum:"yes,no"`
	YesVotes    int     `json:"yes_votes"`
	NoVotes     int     `json:"no_votes"`
	Phase       int     `json:"phase"`
	WinnerCount int     `json:"winner_count"`
	PoolUnits   int64   `json:"pool_units"`
	Distributed int64   `json:"distributed"`
	SettledAt   string  `json:"settled_at" format:"date-time"`
}

type VoteResponse struct {
	Accepted    bool             `json:"accepted"`
	Task        TaskResponse     `json:"task"`
	Reached     bool             `json:"consensus_reached"`
	Needed      int              `json:"needed"`
	MajorityPct float64          `json:"majority_pct"`
	Escalated   bool             `json:"escalated"`
	Verdict     *VerdictResponse `json:"verdict,omitempty"`
}

type VoterResponse struct {
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

type LeaderboardEntry struct {
	Rank int `json:"rank"`
	VoterResponse
}

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	TaskID  string         `json:"task_id,omitempty"`
	VoterID string         `json:"voter_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	VoterID   string `json:"voter_id"`
	Name      string `json:"name,omitempty"`
	Key       string `json:"key,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type StatusResponse struct {
	Network    string         `json:"network"`
	TaskCounts map[string]int `json:"task_counts"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	resp := TaskResponse{
		ID:             t.ID,
		AgentID:        t.AgentID,
		Summary:        t.Summary,
		Status:         t.Status,
		Tier:           t.Tier,
		Phase:          t.Phase,
		Certainty:      t.Certainty,
		RequiredVoters: t.RequiredVoters,
		Threshold:      t.Threshold,
		YesVotes:       t.YesVotes,
		NoVotes:        t.NoVotes,
		Deadline:       t.Deadline,
		CreatedAt:      t.CreatedAt,
		UpdatedAt:      t.UpdatedAt,
		SettledAt:      t.SettledAt,
	}
	if t.Verdict != nil {
		v := verdictResponse(*t.Verdict)
		resp.Verdict = &v
	}
	return resp
}

func verdictResponse(v domain.Verdict) VerdictResponse {
	return VerdictResponse(v)
}

func voteResponse(res engine.VoteResult) VoteResponse {
	out := VoteResponse{
		Accepted:    res.Accepted,
		Task:        taskResponse(res.Task),
		Reached:     res.Consensus.Reached,
		Needed:      res.Consensus.Needed,
		MajorityPct: res.Consensus.MajorityPct,
		Escalated:   res.Escalated,
	}
	if res.Verdict != nil {
		v := verdictResponse(*res.Verdict)
		out.Verdict = &v
	}
	return out
}

func voterResponse(v domain.Voter) VoterResponse {
	return VoterResponse(v)
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		TaskID:  e.TaskID,
		VoterID: e.VoterID,
		Payload: decodeJSONMap(e.Payload),
	}
}

func domainAPIKey(voterID, name, raw string) domain.APIKey {
	return domain.APIKey{
		ID:        uuid.NewString(),
		VoterID:   voterID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(raw),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}
