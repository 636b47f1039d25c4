// Package hrpc is a minimal client for the Human RPC HTTP API.
package hrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a Human RPC server. Set either Token (JWT bearer) or
// APIKey; both empty works against a server running in open mode.
type Client struct {
	BaseURL    string
	Token      string
	APIKey     string
	VoterID    string
	HTTPClient *http.Client
}

func New(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// APIError is the server's error envelope.
type APIError struct {
	Status  int
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

type Task struct {
	ID             string   `json:"id"`
	AgentID        string   `json:"agent_id"`
	Summary        string   `json:"summary,omitempty"`
	Status         string   `json:"status"`
	Tier           string   `json:"tier"`
	Phase          int      `json:"phase"`
	Certainty      float64  `json:"certainty"`
	RequiredVoters int      `json:"required_voters"`
	Threshold      float64  `json:"threshold"`
	YesVotes       int      `json:"yes_votes"`
	NoVotes        int      `json:"no_votes"`
	Deadline       *string  `json:"deadline,omitempty"`
	Verdict        *Verdict `json:"verdict,omitempty"`
	CreatedAt      string   `json:"created_at"`
	UpdatedAt      string   `json:"updated_at"`
	SettledAt      *string  `json:"settled_at,omitempty"`
}

type Verdict struct {
	Decision    *string `json:"decision,omitempty"`
	YesVotes    int     `json:"yes_votes"`
	NoVotes     int     `json:"no_votes"`
	Phase       int     `json:"phase"`
	WinnerCount int     `json:"winner_count"`
	PoolUnits   int64   `json:"pool_units"`
	Distributed int64   `json:"distributed"`
	SettledAt   string  `json:"settled_at"`
}

type VoteResult struct {
	Accepted    bool     `json:"accepted"`
	Task        Task     `json:"task"`
	Reached     bool     `json:"consensus_reached"`
	Needed      int      `json:"needed"`
	MajorityPct float64  `json:"majority_pct"`
	Escalated   bool     `json:"escalated"`
	Verdict     *Verdict `json:"verdict,omitempty"`
}

type Voter struct {
	ID           string `json:"id"`
	Score        int    `json:"score"`
	Tier         string `json:"tier"`
	VoteCount    int    `json:"vote_count"`
	CorrectCount int    `json:"correct_count"`
	Stake        int64  `json:"stake"`
	Banned       bool   `json:"banned"`
	Badge        bool   `json:"badge"`
	StreakDays   int    `json:"streak_days"`
	CreatedAt    string `json:"created_at"`
}

type CreateTaskRequest struct {
	ID        string  `json:"id,omitempty"`
	AgentID   string  `json:"agent_id"`
	Summary   string  `json:"summary,omitempty"`
	Certainty float64 `json:"certainty"`
	Tier      string  `json:"tier,omitempty"`
	Deadline  string  `json:"deadline,omitempty"`
}

func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPost, "/tasks", req, &out)
	return out, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodGet, "/tasks/"+id, nil, &out)
	return out, err
}

func (c *Client) ListTasks(ctx context.Context, status string) ([]Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + status
	}
	var out []Task
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) AbortTask(ctx context.Context, id string) (Task, error) {
	var out Task
	err := c.do(ctx, http.MethodPost, "/tasks/"+id+"/abort", nil, &out)
	return out, err
}

// CastVote votes as the client's authenticated voter. Anonymous votes count
// toward tallies but carry no standing.
func (c *Client) CastVote(ctx context.Context, taskID, decision string, anonymous bool) (VoteResult, error) {
	var out VoteResult
	err := c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/votes", map[string]any{
		"decision":  decision,
		"anonymous": anonymous,
	}, &out)
	return out, err
}

func (c *Client) RegisterVoter(ctx context.Context, id string, stake int64) (Voter, error) {
	var out Voter
	err := c.do(ctx, http.MethodPost, "/voters", map[string]any{
		"id":    id,
		"stake": stake,
	}, &out)
	return out, err
}

func (c *Client) GetVoter(ctx context.Context, id string) (Voter, error) {
	var out Voter
	err := c.do(ctx, http.MethodGet, "/voters/"+id, nil, &out)
	return out, err
}

// WaitForVerdict polls until the task settles, the context expires, or the
// task is aborted.
func (c *Client) WaitForVerdict(ctx context.Context, taskID string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		t, err := c.GetTask(ctx, taskID)
		if err != nil {
			return Task{}, err
		}
		switch t.Status {
		case "completed", "failed", "aborted":
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	} else if c.APIKey != "" {
		req.Header.Set("X-Api-Key", c.APIKey)
	} else if c.VoterID != "" {
		req.Header.Set("X-Voter-Id", c.VoterID)
	}
	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &envelope); err == nil && envelope.Error.Code != "" {
			envelope.Error.Status = res.StatusCode
			return &envelope.Error
		}
		return fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(data, out)
}
