package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"humanrpc/internal/config"
	"humanrpc/internal/db"
	"humanrpc/internal/engine"
	"humanrpc/internal/migrate"
	"humanrpc/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    time.Time
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	env := &testEnv{
		Engine: engine.New(conn, cfg),
		Ctx:    context.Background(),
		now:    time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	env.Engine.Now = func() time.Time { return env.now }
	return env
}

func (env *testEnv) advance(d time.Duration) {
	env.now = env.now.Add(d)
}

func (env *testEnv) registerVoters(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if _, err := env.Engine.RegisterVoter(env.Ctx, id, 100); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
		// distinct created_at so leaderboard tie-breaks are deterministic
		env.advance(time.Second)
	}
}

// smallJury pins the jury at 3 voters so tests control exhaustion directly.
func smallJury(threshold float64) *config.Config {
	cfg := config.Default()
	cfg.Consensus.MinVoters = 3
	cfg.Consensus.MaxVoters = 3
	cfg.Consensus.MinThreshold = threshold
	cfg.Consensus.MaxThreshold = threshold
	return cfg
}

func TestEarlyConsensusSettlement(t *testing.T) {
	env := newTestEnv(t, smallJury(0.51))
	env.registerVoters(t, "alice", "bob", "carol")
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Summary: "claim", Certainty: 0.95})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	// needed = ceil(3 * 0.51) = 2; two yes votes settle early
	if _, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"}); err != nil {
		t.Fatalf("vote 1: %v", err)
	}
	res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
	if err != nil {
		t.Fatalf("vote 2: %v", err)
	}
	if !res.Consensus.Reached || res.Consensus.Decision != "yes" {
		t.Fatalf("expected early consensus, got %+v", res.Consensus)
	}
	if res.Task.Status != "completed" {
		t.Fatalf("expected completed, got %s", res.Task.Status)
	}
	if res.Verdict == nil || res.Verdict.Decision == nil || *res.Verdict.Decision != "yes" {
		t.Fatalf("expected yes verdict, got %+v", res.Verdict)
	}
	alice, err := env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if alice.Score != 3 || alice.VoteCount != 1 || alice.CorrectCount != 1 {
		t.Fatalf("unexpected standing after win: %+v", alice)
	}
}

func TestDuplicateVoteConflict(t *testing.T) {
	env := newTestEnv(t, smallJury(0.9))
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})
	if _, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"}); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "no"})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestConcurrentDuplicateVotes(t *testing.T) {
	env := newTestEnv(t, smallJury(0.9))
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
		}(i)
	}
	wg.Wait()
	var ok, conflicts int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, repo.ErrConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != 1 || conflicts != 1 {
		t.Fatalf("expected exactly one accepted vote, got ok=%d conflicts=%d", ok, conflicts)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.YesVotes != 1 {
		t.Fatalf("expected one counted vote, got %d", got.YesVotes)
	}
}

func TestConcurrentStakeBurnsClampAtZero(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVoters(t, "alice")

	// two burns of 60 against a stake of 100 must total 100, never 120
	var wg sync.WaitGroup
	burned := make([]int64, 2)
	for i := range burned {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := env.Engine.Repo.BurnStake(env.Ctx, "alice", 60)
			if err != nil {
				t.Errorf("burn stake: %v", err)
				return
			}
			burned[i] = n
		}(i)
	}
	wg.Wait()
	if total := burned[0] + burned[1]; total != 100 {
		t.Fatalf("expected the two burns to drain exactly the stake, got %d", total)
	}
	alice, err := env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if alice.Stake != 0 {
		t.Fatalf("stake must clamp at zero, got %d", alice.Stake)
	}
}

func TestInvalidDecisionRejected(t *testing.T) {
	env := newTestEnv(t, nil)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})
	_, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, Decision: "maybe"})
	if !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if got.YesVotes+got.NoVotes != 0 {
		t.Fatalf("rejected vote must not mutate tallies")
	}
}

func TestPhaseEscalationClearsVotes(t *testing.T) {
	env := newTestEnv(t, smallJury(0.9))
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})

	// needed = ceil(3 * 0.9) = 3; a 2/1 split exhausts the jury
	for _, v := range []struct{ id, d string }{{"alice", "yes"}, {"bob", "yes"}} {
		if _, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: v.id, Decision: v.d}); err != nil {
			t.Fatalf("vote %s: %v", v.id, err)
		}
	}
	res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "no"})
	if err != nil {
		t.Fatalf("exhausting vote: %v", err)
	}
	if !res.Escalated {
		t.Fatalf("expected escalation, got %+v", res)
	}
	if res.Task.Phase != 2 || res.Task.YesVotes != 0 || res.Task.NoVotes != 0 {
		t.Fatalf("phase transition should clear tallies: %+v", res.Task)
	}
	votes, err := env.Engine.Repo.ListVotes(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 0 {
		t.Fatalf("old votes must not survive escalation, got %d", len(votes))
	}
}

func TestFinalPhaseNoConsensus(t *testing.T) {
	env := newTestEnv(t, smallJury(0.9))
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})

	// all voters tie at score 0, so every phase admits all three
	for phase := 1; phase <= 3; phase++ {
		for _, v := range []struct{ id, d string }{{"alice", "yes"}, {"bob", "yes"}, {"carol", "no"}} {
			if _, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: v.id, Decision: v.d}); err != nil {
				t.Fatalf("phase %d vote %s: %v", phase, v.id, err)
			}
		}
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != "failed" {
		t.Fatalf("expected failed after phase 3 exhaustion, got %s", got.Status)
	}
	if got.Verdict == nil || got.Verdict.Decision != nil {
		t.Fatalf("no-consensus verdict must carry a nil decision: %+v", got.Verdict)
	}
	// scores untouched: no verdict means no scoring fan-out
	alice, _ := env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if alice.Score != 0 || alice.VoteCount != 0 {
		t.Fatalf("no-consensus settlement must not score voters: %+v", alice)
	}
}

func TestVoteOnTerminalTaskConflicts(t *testing.T) {
	env := newTestEnv(t, smallJury(0.51))
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.95})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
	_, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "yes"})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("expected conflict on settled task, got %v", err)
	}
}

func TestSettlementIdempotent(t *testing.T) {
	env := newTestEnv(t, smallJury(0.51))
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.95})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})

	got, _ := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	err = env.Engine.Repo.SettleTask(env.Ctx, tx, task.ID, "failed", *got.Verdict, "2024-06-02T00:00:00Z")
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("second settlement must be a no-op conflict, got %v", err)
	}
}

func TestEntryPenaltyResetsScore(t *testing.T) {
	env := newTestEnv(t, smallJury(0.51))
	env.registerVoters(t, "alice", "bob", "carol")
	if err := env.Engine.Repo.AddScore(env.Ctx, "carol", 12); err != nil {
		t.Fatal(err)
	}
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.95})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "no"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})

	carol, err := env.Engine.Repo.GetVoter(env.Ctx, "carol")
	if err != nil {
		t.Fatal(err)
	}
	if carol.Score != 0 {
		t.Fatalf("entry penalty must reset score to 0, got %d", carol.Score)
	}
	if carol.Banned {
		t.Fatalf("entry penalty must not ban")
	}
}

func TestMidTierStakeBurn(t *testing.T) {
	env := newTestEnv(t, smallJury(0.51))
	env.registerVoters(t, "alice", "bob", "carol")
	env.Engine.Repo.AddScore(env.Ctx, "carol", 150)
	env.Engine.Repo.SetTier(env.Ctx, "carol", "mid")

	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.95})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "no"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})

	carol, _ := env.Engine.Repo.GetVoter(env.Ctx, "carol")
	if carol.Stake != 50 {
		t.Fatalf("mid penalty must burn half the stake, got %d", carol.Stake)
	}
	if carol.Score != 149 {
		t.Fatalf("mid penalty must not reset score, got %d", carol.Score)
	}
}

func TestSeniorBanAfterRepeatOffenses(t *testing.T) {
	cfg := smallJury(0.51)
	cfg.Penalties.SeniorMaxIncorrect = 1
	env := newTestEnv(t, cfg)
	env.registerVoters(t, "alice", "bob", "carol")
	env.Engine.Repo.AddScore(env.Ctx, "carol", 600)
	env.Engine.Repo.SetTier(env.Ctx, "carol", "senior")

	wrongVote := func() {
		t.Helper()
		task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.95})
		if err != nil {
			t.Fatal(err)
		}
		if _, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "no"}); err != nil {
			t.Fatal(err)
		}
		env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
		env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
		env.advance(time.Minute)
	}

	wrongVote()
	carol, _ := env.Engine.Repo.GetVoter(env.Ctx, "carol")
	if carol.Banned {
		t.Fatalf("first offense within limit must not ban")
	}
	// senior tier survives the first loss (600 - 1 point)
	wrongVote()
	carol, _ = env.Engine.Repo.GetVoter(env.Ctx, "carol")
	if !carol.Banned {
		t.Fatalf("repeat offense must ban")
	}
	if carol.Stake != 0 {
		t.Fatalf("ban must drain remaining stake, got %d", carol.Stake)
	}
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.95})
	_, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "yes"})
	if !errors.Is(err, engine.ErrIneligible) {
		t.Fatalf("banned voter must be ineligible, got %v", err)
	}
}

func TestRewardSplitRemainderUndistributed(t *testing.T) {
	env := newTestEnv(t, smallJury(0.51))
	env.registerVoters(t, "alice", "bob", "carol", "dave", "erin")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})
	// jury pinned at 3; three yes votes, needed = 2, but alice+bob settle it
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict.WinnerCount != 2 {
		t.Fatalf("expected 2 winners, got %d", res.Verdict.WinnerCount)
	}
	// pool 100 over 2 winners: 50 each, nothing left over
	if res.Verdict.Distributed != 100 {
		t.Fatalf("expected 100 distributed, got %d", res.Verdict.Distributed)
	}
}

func TestRewardSplitThreeWinners(t *testing.T) {
	cfg := smallJury(0.9)
	env := newTestEnv(t, cfg)
	env.registerVoters(t, "alice", "bob", "carol")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})
	// needed = ceil(3 * 0.9) = 3: unanimous jury
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
	res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	// pool 100 over 3 winners: 33 each, 1 unit undistributed
	if res.Verdict.WinnerCount != 3 || res.Verdict.Distributed != 99 {
		t.Fatalf("expected 3x33=99 distributed, got %+v", res.Verdict)
	}
}

func TestPhaseTwoIneligibleVoterRejected(t *testing.T) {
	env := newTestEnv(t, smallJury(0.9))
	env.registerVoters(t, "alice", "bob", "carol")
	env.Engine.Repo.AddScore(env.Ctx, "alice", 10)

	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
	res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "carol", Decision: "no"})
	if err != nil || !res.Escalated {
		t.Fatalf("expected escalation to phase 2: %v %+v", err, res)
	}
	// phase 2 admits top floor(3/2)=1 by score: only alice
	_, err = env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "bob", Decision: "yes"})
	if !errors.Is(err, engine.ErrIneligible) {
		t.Fatalf("expected phase gate rejection, got %v", err)
	}
	if _, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"}); err != nil {
		t.Fatalf("top-ranked voter must stay eligible: %v", err)
	}
}

func TestTaskTierGating(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVoters(t, "alice")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5, Tier: "live-fire"})
	_, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	if !errors.Is(err, engine.ErrIneligible) {
		t.Fatalf("entry voter on live-fire task must be rejected, got %v", err)
	}
}

func TestAbortTask(t *testing.T) {
	env := newTestEnv(t, nil)
	env.registerVoters(t, "alice")
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.5})
	got, err := env.Engine.AbortTask(env.Ctx, task.ID)
	if err != nil || got.Status != "aborted" {
		t.Fatalf("abort: %v %+v", err, got)
	}
	_, err = env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("vote on aborted task must conflict, got %v", err)
	}
	_, err = env.Engine.AbortTask(env.Ctx, task.ID)
	if !errors.Is(err, repo.ErrConflict) {
		t.Fatalf("double abort must conflict, got %v", err)
	}
}

func TestAbortAgentTasks(t *testing.T) {
	env := newTestEnv(t, nil)
	t1, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Summary: "a", Certainty: 0.5})
	t2, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Summary: "b", Certainty: 0.6})
	env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-2", Summary: "c", Certainty: 0.7})

	aborted, err := env.Engine.AbortAgentTasks(env.Ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(aborted) != 2 {
		t.Fatalf("expected both agent-1 tasks aborted, got %v", aborted)
	}
	for _, id := range []string{t1.ID, t2.ID} {
		got, _ := env.Engine.Repo.GetTask(env.Ctx, id)
		if got.Status != "aborted" {
			t.Fatalf("task %s not aborted: %s", id, got.Status)
		}
	}
}
