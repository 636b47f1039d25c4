package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"humanrpc/internal/app"
	"humanrpc/internal/config"
	"humanrpc/internal/db"
	"humanrpc/internal/domain"
	"humanrpc/internal/engine"
	"humanrpc/internal/repo"
	"humanrpc/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "hrpc",
	Short: "Human RPC CLI",
	Long: `Human RPC mediates disputes between AI-agent claims and human judgment.
Agents submit claims with a certainty score; the lower the certainty, the
larger the jury and the stricter the consensus threshold. Votes are yes/no,
tasks escalate through up to three phases with tighter voter eligibility,
and settlement pays, scores, and penalizes exactly once.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("HUMANRPC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("voter-id", "", "voter identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("voter-id", rootCmd.PersistentFlags().Lookup("voter-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(voteCmd())
	rootCmd.AddCommand(voterCmd())
	rootCmd.AddCommand(leaderboardCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default humanrpc.yml into the workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				counts, err := e.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"network":     e.Config.Network.ID,
					"task_counts": counts,
				})
			})
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage claims under adjudication"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskAbortCmd())
	task.AddCommand(taskVotesCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var agentID, summary, tier, deadline string
	var certainty float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a claim for adjudication",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" {
				return fmt.Errorf("--agent required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.TaskCreateOptions{
					AgentID:   agentID,
					Summary:   summary,
					Certainty: certainty,
					Tier:      tier,
				}
				if deadline != "" {
					d, err := time.Parse(time.RFC3339, deadline)
					if err != nil {
						return fmt.Errorf("--deadline must be RFC 3339: %w", err)
					}
					opts.Deadline = &d
				}
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&summary, "summary", "", "claim summary")
	cmd.Flags().Float64Var(&certainty, "certainty", 0.5, "agent certainty in [0,1]")
	cmd.Flags().StringVar(&tier, "tier", "training", "task tier (training, live-fire, dispute)")
	cmd.Flags().StringVar(&deadline, "deadline", "", "RFC 3339 deadline")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Agent", "Status", "Tier", "Phase", "Certainty", "Yes", "No", "Jury", "Threshold"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.AgentID, t.Status, t.Tier, t.Phase, t.Certainty, t.YesVotes, t.NoVotes, t.RequiredVoters, fmt.Sprintf("%.2f", t.Threshold)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, urgent, completed, failed, aborted)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func taskAbortCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "abort [id]",
		Short: "Abort an open task, or all open tasks of an agent",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if agentID != "" {
					aborted, err := e.AbortAgentTasks(ctx, agentID)
					if err != nil {
						return err
					}
					return printJSONOrTable(map[string]any{"agent_id": agentID, "aborted": aborted})
				}
				if len(args) == 0 {
					return fmt.Errorf("task id or --agent required")
				}
				t, err := e.AbortTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "abort every open task owned by this agent")
	return cmd
}

func taskVotesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "votes <id>",
		Short: "List current-phase votes on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				votes, err := e.Repo.ListVotes(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(votes)
			})
		},
	}
	return cmd
}

func voteCmd() *cobra.Command {
	vote := &cobra.Command{Use: "vote", Short: "Cast votes"}
	vote.AddCommand(voteCastCmd())
	return vote
}

func voteCastCmd() *cobra.Command {
	var decision string
	var anonymous bool
	cmd := &cobra.Command{
		Use:   "cast <task-id>",
		Short: "Cast a yes/no vote on a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			voterID := viper.GetString("voter-id")
			if !anonymous && voterID == "" {
				return fmt.Errorf("--voter-id required unless --anonymous")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.VoteOptions{TaskID: args[0], Decision: decision}
				if !anonymous {
					opts.VoterID = voterID
				}
				res, err := e.SubmitVote(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "yes or no")
	cmd.Flags().BoolVar(&anonymous, "anonymous", false, "record the vote without voter standing")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func voterCmd() *cobra.Command {
	voter := &cobra.Command{Use: "voter", Short: "Manage voters"}
	voter.AddCommand(voterRegisterCmd())
	voter.AddCommand(voterShowCmd())
	return voter
}

func voterRegisterCmd() *cobra.Command {
	var stake int64
	cmd := &cobra.Command{
		Use:   "register <id>",
		Short: "Register a voter with an initial stake",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.RegisterVoter(ctx, args[0], stake)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().Int64Var(&stake, "stake", 0, "initial stake units")
	return cmd
}

func voterShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show voter standing",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Repo.GetVoter(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func leaderboardCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Voters ranked by score",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				ranked, err := e.Repo.ListVotersRanked(ctx)
				if err != nil {
					return err
				}
				if len(ranked) > limit {
					ranked = ranked[:limit]
				}
				if viper.GetBool("json") {
					return printJSON(ranked)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Rank", "Voter", "Score", "Tier", "Votes", "Correct", "Stake", "Badge", "Streak"})
				for i, v := range ranked {
					badge := ""
					if v.Badge {
						badge = "30-day"
					}
					tw.AppendRow(table.Row{i + 1, v.ID, v.Score, v.Tier, v.VoteCount, v.CorrectCount, v.Stake, badge, v.StreakDays})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Settlement and audit event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.TailEvents(ctx, n, taskID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Mint an API key for a voter",
		RunE: func(cmd *cobra.Command, args []string) error {
			voterID := viper.GetString("voter-id")
			if voterID == "" {
				return fmt.Errorf("--voter-id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := "hrpc_" + strings.ReplaceAll(uuid.NewString(), "-", "")
				key := domain.APIKey{
					ID:        uuid.NewString(),
					VoterID:   voterID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				fmt.Printf("API key (shown once): %s\n", raw)
				return printJSONOrTable(key)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys for a voter",
		RunE: func(cmd *cobra.Command, args []string) error {
			voterID := viper.GetString("voter-id")
			if voterID == "" {
				return fmt.Errorf("--voter-id required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, voterID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	}
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowVoterHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			a, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer a.Close()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("HUMANRPC_JWT_SECRET"),
				AllowLegacyVoterHeader: allowVoterHeader,
			}
			handler, err := server.New(server.Config{Engine: a.Engine, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Human RPC API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&allowVoterHeader, "allow-voter-header", false, "accept X-Voter-Id without auth (dev only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	a, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine.Repo)
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
