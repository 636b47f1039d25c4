package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"humanrpc/internal/config"
	"humanrpc/internal/domain"
	"humanrpc/internal/events"
	"humanrpc/internal/repo"
)

var (
	// ErrValidation covers malformed input; nothing was mutated and retrying
	// the same request can never work without changing it.
	ErrValidation = errors.New("invalid request")
	// ErrIneligible covers voters shut out by ban, tier or phase gating.
	ErrIneligible = errors.New("ineligible")
)

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Jury    JuryPolicy
	Payouts PayoutSink
	Logger  *log.Logger
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	e := Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Jury:   ScaleFromConfig(cfg),
		Logger: log.Default(),
		Now:    time.Now,
	}
	e.Payouts = eventPayoutSink{events: e.Events}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logf(format string, args ...any) {
	logger := e.Logger
	if logger == nil {
		logger = log.Default()
	}
	logger.Printf(format, args...)
}

// TaskCreateOptions are parameters for submitting a claim for adjudication.
type TaskCreateOptions struct {
	ID        string
	AgentID   string
	Summary   string
	Certainty float64
	Tier      string
	Deadline  *time.Time
}

// CreateTask registers a claim: jury size and threshold are derived from the
// agent's certainty through the configured policy, phase starts at 1 with
// zero tallies.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if e.Config == nil {
		return domain.Task{}, errors.New("config not loaded")
	}
	if opts.AgentID == "" {
		return domain.Task{}, fmt.Errorf("agent is required: %w", ErrValidation)
	}
	if opts.Certainty < 0 || opts.Certainty > 1 {
		return domain.Task{}, fmt.Errorf("certainty must be in [0,1]: %w", ErrValidation)
	}
	if opts.Tier == "" {
		opts.Tier = "training"
	}
	switch opts.Tier {
	case "training", "live-fire", "dispute":
	default:
		return domain.Task{}, fmt.Errorf("unknown task tier %s: %w", opts.Tier, ErrValidation)
	}
	voters, threshold := e.Jury.Size(opts.Certainty)
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.NewSHA1(uuid.NameSpaceOID, []byte(opts.AgentID+"|"+opts.Summary+"|"+now)).String()
	}
	t := domain.Task{
		ID:             id,
		AgentID:        opts.AgentID,
		Summary:        opts.Summary,
		Status:         "pending",
		Tier:           opts.Tier,
		Phase:          1,
		Certainty:      opts.Certainty,
		RequiredVoters: voters,
		Threshold:      threshold,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if opts.Deadline != nil {
		d := opts.Deadline.UTC().Format(time.RFC3339)
		t.Deadline = &d
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, t.ID, "", events.EventPayload{
		"agent_id":        t.AgentID,
		"tier":            t.Tier,
		"certainty":       t.Certainty,
		"required_voters": t.RequiredVoters,
		"threshold":       t.Threshold,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// VoteOptions is one voter's decision. VoterID may be empty for anonymous
// legacy votes, which count toward tallies but carry no standing.
type VoteOptions struct {
	TaskID   string
	VoterID  string
	Decision string
}

// VoteResult is what the voter learns: whether the vote was recorded, the
// updated tallies, and whether it triggered consensus. Internal settlement
// failures are never surfaced here.
type VoteResult struct {
	Accepted  bool            `json:"accepted"`
	Task      domain.Task     `json:"task"`
	Consensus ConsensusResult `json:"consensus"`
	Escalated bool            `json:"escalated"`
	Verdict   *domain.Verdict `json:"verdict,omitempty"`
}

// SubmitVote runs the whole per-vote pipeline in one transaction: read the
// task, gate the voter, record the vote, bump tallies, evaluate consensus,
// and either settle or escalate. Guards on phase and status repeat inside
// the write statements, so racing submissions resolve in the store rather
// than by call order.
func (e Engine) SubmitVote(ctx context.Context, opts VoteOptions) (VoteResult, error) {
	if e.Config == nil {
		return VoteResult{}, errors.New("config not loaded")
	}
	if opts.TaskID == "" {
		return VoteResult{}, fmt.Errorf("task id is required: %w", ErrValidation)
	}
	if opts.Decision != "yes" && opts.Decision != "no" {
		return VoteResult{}, fmt.Errorf("decision must be yes or no: %w", ErrValidation)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return VoteResult{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.TaskID)
	if err != nil {
		return VoteResult{}, err
	}
	if t.Terminal() {
		return VoteResult{}, fmt.Errorf("task %s is %s: %w", t.ID, t.Status, repo.ErrConflict)
	}
	if opts.VoterID != "" {
		if err := e.checkVoter(ctx, tx, t, opts.VoterID); err != nil {
			return VoteResult{}, err
		}
	}

	nowStr := e.now().UTC().Format(time.RFC3339)
	v := domain.Vote{
		TaskID:    t.ID,
		Decision:  opts.Decision,
		Phase:     t.Phase,
		CreatedAt: nowStr,
	}
	if opts.VoterID != "" {
		v.VoterID = &opts.VoterID
	}
	if err := e.Repo.InsertVote(ctx, tx, v); err != nil {
		return VoteResult{}, err
	}
	if err := e.Repo.BumpTally(ctx, tx, t.ID, opts.Decision, t.Phase, nowStr); err != nil {
		return VoteResult{}, err
	}
	t, err = e.Repo.GetTaskTx(ctx, tx, t.ID)
	if err != nil {
		return VoteResult{}, err
	}

	res := EvaluateConsensus(t.YesVotes, t.NoVotes, t.RequiredVoters, t.Threshold)
	result := VoteResult{Accepted: true, Task: t, Consensus: res}

	switch NextPhase(t, res) {
	case PhaseHold:
		if err := e.Events.Append(ctx, tx, events.VoteAccepted, t.ID, opts.VoterID, events.EventPayload{
			"decision": opts.Decision, "phase": t.Phase, "yes": t.YesVotes, "no": t.NoVotes,
		}); err != nil {
			return VoteResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return VoteResult{}, err
		}
		return result, nil

	case PhaseEscalate:
		if err := e.Repo.AdvancePhase(ctx, tx, t.ID, t.Phase, nowStr); err != nil {
			return VoteResult{}, err
		}
		if err := e.Events.Append(ctx, tx, events.PhaseEscalated, t.ID, "", events.EventPayload{
			"from_phase": t.Phase, "to_phase": t.Phase + 1, "yes": t.YesVotes, "no": t.NoVotes,
		}); err != nil {
			return VoteResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return VoteResult{}, err
		}
		result.Escalated = true
		result.Task, err = e.Repo.GetTask(ctx, t.ID)
		if err != nil {
			return VoteResult{}, err
		}
		return result, nil

	case PhaseSettle, PhaseFail:
		settled, err := e.settleTx(ctx, tx, t, res, nowStr)
		if err != nil {
			return VoteResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return VoteResult{}, err
		}
		// the verdict is committed; downstream bookkeeping must not undo it
		e.fanOut(ctx, settled)
		result.Task, err = e.Repo.GetTask(ctx, t.ID)
		if err != nil {
			return VoteResult{}, err
		}
		result.Verdict = result.Task.Verdict
		return result, nil
	}
	return VoteResult{}, errors.New("unreachable phase outcome")
}

func (e Engine) checkVoter(ctx context.Context, tx *sql.Tx, t domain.Task, voterID string) error {
	voter, err := e.Repo.GetVoterTx(ctx, tx, voterID)
	if err != nil {
		return err
	}
	if voter.Banned {
		return fmt.Errorf("voter %s is banned: %w", voterID, ErrIneligible)
	}
	if !TierAllowed(voter.Tier, t.Tier) {
		return fmt.Errorf("%s-tier voter cannot vote on %s task: %w", voter.Tier, t.Tier, ErrIneligible)
	}
	if t.Phase > 1 {
		ranked, err := e.Repo.ListVotersRankedTx(ctx, tx)
		if err != nil {
			return err
		}
		admitted := false
		for _, v := range EligibleForPhase(ranked, t.Phase) {
			if v.ID == voterID {
				admitted = true
				break
			}
		}
		if !admitted {
			return fmt.Errorf("voter %s not in phase %d jury: %w", voterID, t.Phase, ErrIneligible)
		}
	}
	voted, err := e.Repo.HasVote(ctx, tx, t.ID, voterID)
	if err != nil {
		return err
	}
	if voted {
		return fmt.Errorf("voter %s already voted on task %s: %w", voterID, t.ID, repo.ErrConflict)
	}
	return nil
}

// AbortTask force-terminates a still-open task, used when the owning agent's
// session ends before consensus. No settlement fan-out runs.
func (e Engine) AbortTask(ctx context.Context, taskID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if t.Terminal() {
		return domain.Task{}, fmt.Errorf("task %s is %s: %w", t.ID, t.Status, repo.ErrConflict)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='aborted', updated_at=? WHERE id=? AND status IN ('pending','urgent')`, nowStr, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Task{}, fmt.Errorf("task %s already terminal: %w", taskID, repo.ErrConflict)
	}
	if err := e.Events.Append(ctx, tx, events.TaskAborted, taskID, "", events.EventPayload{"prior_status": t.Status}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return e.Repo.GetTask(ctx, taskID)
}

// AbortAgentTasks terminates every open task owned by the agent, returning
// the ids aborted. Used by session teardown.
func (e Engine) AbortAgentTasks(ctx context.Context, agentID string) ([]string, error) {
	open, err := e.Repo.ListTasksByAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	var aborted []string
	for _, t := range open {
		if _, err := e.AbortTask(ctx, t.ID); err != nil {
			if errors.Is(err, repo.ErrConflict) {
				continue
			}
			return aborted, err
		}
		aborted = append(aborted, t.ID)
	}
	return aborted, nil
}

// MarkUrgentTasks flips open tasks past their deadline to urgent.
func (e Engine) MarkUrgentTasks(ctx context.Context) (int64, error) {
	return e.Repo.MarkUrgent(ctx, e.now().UTC().Format(time.RFC3339))
}

// RegisterVoter creates a voter account with an initial stake.
func (e Engine) RegisterVoter(ctx context.Context, id string, stake int64) (domain.Voter, error) {
	if id == "" {
		return domain.Voter{}, fmt.Errorf("voter id is required: %w", ErrValidation)
	}
	if stake < 0 {
		return domain.Voter{}, fmt.Errorf("stake must not be negative: %w", ErrValidation)
	}
	v := domain.Voter{
		ID:        id,
		Tier:      "entry",
		Stake:     stake,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertVoter(ctx, v); err != nil {
		return domain.Voter{}, err
	}
	return v, nil
}
