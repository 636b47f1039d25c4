package engine_test

import (
	"testing"
	"time"

	"humanrpc/internal/config"
	"humanrpc/internal/engine"
)

// soloJury settles on the first vote so badge tests can run one verdict per
// simulated day.
func soloJury() *config.Config {
	cfg := config.Default()
	cfg.Consensus.MinVoters = 1
	cfg.Consensus.MaxVoters = 1
	cfg.Consensus.MinThreshold = 0.51
	cfg.Consensus.MaxThreshold = 0.51
	return cfg
}

func settleCorrectVerdict(t *testing.T, env *testEnv, voterID string) {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.8})
	if err != nil {
		t.Fatal(err)
	}
	res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: voterID, Decision: "yes"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Verdict == nil {
		t.Fatalf("expected immediate settlement, got %+v", res)
	}
}

func TestStreakBadgeAfterThirtyDays(t *testing.T) {
	env := newTestEnv(t, soloJury())
	env.registerVoters(t, "alice")

	windowDays := env.Engine.Config.Streak.WindowDays
	for day := 0; day < windowDays; day++ {
		settleCorrectVerdict(t, env, "alice")
		if day < windowDays-1 {
			alice, err := env.Engine.Repo.GetVoter(env.Ctx, "alice")
			if err != nil {
				t.Fatal(err)
			}
			if alice.Badge {
				t.Fatalf("badge awarded early on day %d", day+1)
			}
			if alice.StreakDays != day+1 {
				t.Fatalf("day %d: streak=%d", day+1, alice.StreakDays)
			}
			env.advance(24 * time.Hour)
		}
	}
	alice, err := env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !alice.Badge {
		t.Fatalf("expected badge after %d correct days, got %+v", windowDays, alice)
	}
	if alice.StreakDays != windowDays {
		t.Fatalf("expected streak %d, got %d", windowDays, alice.StreakDays)
	}
}

func TestStreakResetOnIncorrectVote(t *testing.T) {
	cfg := smallJury(0.51)
	env := newTestEnv(t, cfg)
	env.registerVoters(t, "alice")

	// needed = ceil(3 * 0.51) = 2; anonymous votes fill out the jury
	correctDay := func() {
		t.Helper()
		task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.8})
		env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "yes"})
		if res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, Decision: "yes"}); err != nil || res.Verdict == nil {
			t.Fatalf("expected settlement: %v %+v", err, res)
		}
	}

	for day := 0; day < 5; day++ {
		correctDay()
		env.advance(24 * time.Hour)
	}
	alice, _ := env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if alice.StreakDays != 5 {
		t.Fatalf("expected streak 5, got %d", alice.StreakDays)
	}

	// alice dissents, the anonymous majority carries the verdict
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.8})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "no"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, Decision: "yes"})
	if res, err := env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, Decision: "yes"}); err != nil || res.Verdict == nil {
		t.Fatalf("expected settlement: %v %+v", err, res)
	}

	alice, _ = env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if alice.StreakDays != 0 {
		t.Fatalf("incorrect vote must reset streak, got %d", alice.StreakDays)
	}
	if alice.Badge {
		t.Fatalf("badge must not be awarded over a broken window")
	}
}

func TestBadgeIsPermanent(t *testing.T) {
	env := newTestEnv(t, soloJury())
	env.Engine.Config.Streak.WindowDays = 2
	env.registerVoters(t, "alice")

	settleCorrectVerdict(t, env, "alice")
	env.advance(24 * time.Hour)
	settleCorrectVerdict(t, env, "alice")
	alice, _ := env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if !alice.Badge {
		t.Fatalf("expected badge after the window, got %+v", alice)
	}

	// a later incorrect outcome resets the streak but never the badge
	cfgBackup := *env.Engine.Config
	env.Engine.Config = smallJury(0.51)
	env.Engine.Config.Streak = cfgBackup.Streak
	env.Engine.Jury = engine.ScaleFromConfig(env.Engine.Config)
	env.advance(24 * time.Hour)
	task, _ := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{AgentID: "agent-1", Certainty: 0.8})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, VoterID: "alice", Decision: "no"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, Decision: "yes"})
	env.Engine.SubmitVote(env.Ctx, engine.VoteOptions{TaskID: task.ID, Decision: "yes"})

	alice, _ = env.Engine.Repo.GetVoter(env.Ctx, "alice")
	if !alice.Badge {
		t.Fatalf("badge must be permanent")
	}
}
