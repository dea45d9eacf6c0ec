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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"reviewgate/internal/bus"
	"reviewgate/internal/checks"
	"reviewgate/internal/config"
	"reviewgate/internal/db"
	"reviewgate/internal/domain"
	"reviewgate/internal/engine"
	"reviewgate/internal/gate"
	"reviewgate/internal/marker"
	"reviewgate/internal/migrate"
	"reviewgate/internal/repo"
	"reviewgate/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "rg",
	Short: "Reviewgate CLI",
	Long: `Reviewgate coordinates review-gated work sessions.
A session moves one task through setup, planning, implementation, validation,
review and reflection. Reviewers hold gates: nothing advances until each of
them explicitly confirms, and every finding they raise must be fixed,
deferred with a justified reason, or escalated. The session record in
.reviewgate/ is the single source of truth; 'rg serve' exposes it over HTTP.`,
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
	viper.SetEnvPrefix("REVIEWGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(findingsCmd())
	rootCmd.AddCommand(rollbackCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(apikeyCmd())
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Workspace = workspace
	return fn(ctx, e)
}

func resolveSession(ctx context.Context, e engine.Engine, arg string) (domain.Session, error) {
	if arg != "" {
		return e.Repo.GetSession(ctx, arg)
	}
	return e.Repo.LatestSession(ctx)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func sessionCmd() *cobra.Command {
	s := &cobra.Command{Use: "session", Short: "Manage work sessions"}
	s.AddCommand(sessionStartCmd())
	s.AddCommand(sessionRunCmd())
	s.AddCommand(sessionListCmd())
	s.AddCommand(sessionShowCmd())
	s.AddCommand(sessionAbandonCmd())
	return s
}

func sessionStartCmd() *cobra.Command {
	var task, mode, specialist, repoDir string
	var paths []string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a session",
		Long: `Create the session record and its actor roster. With --repo, the
current commit is captured as the start marker for later rollback.
Lightweight mode is rejected when --path names a sensitive file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.StartSession(ctx, engine.SessionStartOptions{
					Task:         task,
					Mode:         mode,
					Specialist:   specialist,
					RepoDir:      repoDir,
					ChangedPaths: paths,
					ActorID:      viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s started (%s mode", s.ID, s.Mode)
				if s.Specialist != "" {
					fmt.Printf(", specialist %s", s.Specialist)
				}
				fmt.Println(")")
				if mode == "lightweight" && s.Mode == "full" {
					fmt.Println("Note: lightweight was rejected because the change touches a sensitive path.")
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task description (required)")
	cmd.Flags().StringVar(&mode, "mode", "full", "session mode: full or lightweight")
	cmd.Flags().StringVar(&specialist, "specialist", "", "override specialist classification")
	cmd.Flags().StringVar(&repoDir, "repo", "", "git repository to capture the start marker from")
	cmd.Flags().StringArrayVar(&paths, "path", nil, "changed path, repeatable; used for sensitive-path checks")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func sessionRunCmd() *cobra.Command {
	var natsURL, repoDir string
	cmd := &cobra.Command{
		Use:   "run [session-id]",
		Short: "Drive a session through its phases",
		Long: `Run the orchestrator loop for a session. Actors attach to the
message bus on their mailbox subjects (mailbox.<session>.<actor>), so an
external NATS server shared with the agents is expected via --nats-url;
without one an embedded server is started, which is only useful when the
agents run inside this process.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				arg := ""
				if len(args) > 0 {
					arg = args[0]
				}
				s, err := resolveSession(ctx, e, arg)
				if err != nil {
					return err
				}

				var b *bus.Bus
				if natsURL != "" {
					b, err = bus.Connect(natsURL)
				} else {
					b, err = bus.NewEmbedded()
				}
				if err != nil {
					return err
				}
				defer b.Close()

				runner := &engine.Runner{
					Engine:  e,
					Bus:     b,
					Gates:   gate.NewController(),
					Checks:  checks.New(e.Config.Validation.Layers),
					RepoDir: repoDir,
				}
				final, err := runner.Run(ctx, s.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(final)
				}
				fmt.Printf("Session %s finished: %s\n", final.ID, final.Phase)
				if final.AbandonReason != "" {
					fmt.Printf("Reason: %s\n", final.AbandonReason)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&natsURL, "nats-url", "", "external NATS server URL")
	cmd.Flags().StringVar(&repoDir, "repo", "", "worktree the validation layers run in")
	return cmd
}

func sessionListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				sessions, err := e.Repo.ListSessions(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(sessions)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Task", "Mode", "Phase", "Specialist", "Created"})
				for _, s := range sessions {
					tw.AppendRow(table.Row{s.ID, truncate(s.Task, 40), s.Mode, s.Phase, s.Specialist, s.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func sessionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show [session-id]",
		Short: "Show a session's record",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				arg := ""
				if len(args) > 0 {
					arg = args[0]
				}
				s, err := resolveSession(ctx, e, arg)
				if err != nil {
					return err
				}
				actors, err := e.Repo.ListActors(ctx, s.ID)
				if err != nil {
					return err
				}
				gates, err := e.Repo.ListGates(ctx, s.ID)
				if err != nil {
					return err
				}
				verdicts, err := e.Repo.ListVerdicts(ctx, s.ID)
				if err != nil {
					return err
				}
				out := map[string]any{
					"session":  s,
					"actors":   actors,
					"gates":    gates,
					"verdicts": verdicts,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Session %s: %s\n", s.ID, s.Task)
				fmt.Printf("  mode=%s phase=%s specialist=%s\n", s.Mode, s.Phase, s.Specialist)
				if s.StartMarker != "" {
					fmt.Printf("  branch=%s marker=%s\n", s.Branch, s.StartMarker)
				}
				fmt.Printf("  validation runs=%d review cycles=%d\n", s.ValidationRun, s.ReviewCycle)
				if s.AbandonReason != "" {
					fmt.Printf("  abandoned: %s\n", s.AbandonReason)
				}
				fmt.Println("Actors:")
				for _, a := range actors {
					fmt.Printf("  %s (%s) %s\n", a.Name, a.Role, a.Status)
				}
				for _, g := range gates {
					fmt.Printf("Gate %s: %s round %d/%d, confirmed %s\n",
						g.Name, g.Status, g.Round, g.MaxRounds, strings.Join(g.Confirmed, ","))
				}
				for _, v := range verdicts {
					fmt.Printf("Verdict %s: %s\n", v.Reviewer, v.Verdict)
				}
				return nil
			})
		},
	}
	return cmd
}

func sessionAbandonCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "abandon [session-id]",
		Short: "Abandon a session",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				arg := ""
				if len(args) > 0 {
					arg = args[0]
				}
				s, err := resolveSession(ctx, e, arg)
				if err != nil {
					return err
				}
				s, err = e.Abandon(ctx, s.ID, engine.Escalation{
					Reason: reason,
					Phase:  s.Phase,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				fmt.Printf("Session %s abandoned\n", s.ID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "abandoned by operator", "abandonment reason")
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the latest session's status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Repo.LatestSession(ctx)
				if err != nil {
					return err
				}
				findings, err := e.Repo.ListFindings(ctx, s.ID)
				if err != nil {
					return err
				}
				open := 0
				for _, f := range findings {
					if f.Status == domain.FindingOpen || f.Status == domain.FindingDeferredProposed {
						open++
					}
				}
				out := map[string]any{
					"session_id":     s.ID,
					"phase":          s.Phase,
					"mode":           s.Mode,
					"validation_run": s.ValidationRun,
					"review_cycle":   s.ReviewCycle,
					"open_findings":  open,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Session: %s (%s, %s)\n", s.ID, s.Mode, s.Phase)
				fmt.Printf("Validation runs: %d  Review cycles: %d  Open findings: %d\n",
					s.ValidationRun, s.ReviewCycle, open)
				return nil
			})
		},
	}
	return cmd
}

func findingsCmd() *cobra.Command {
	var sessionID, reviewer string
	cmd := &cobra.Command{
		Use:   "findings",
		Short: "List review findings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				var findings []domain.Finding
				if reviewer != "" {
					findings, err = e.Repo.ListFindingsByReviewer(ctx, s.ID, reviewer)
				} else {
					findings, err = e.Repo.ListFindings(ctx, s.ID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(findings)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Raised by", "Severity", "Status", "Description"})
				for _, f := range findings {
					tw.AppendRow(table.Row{f.ID, f.RaisedBy, f.Severity, f.Status, truncate(f.Description, 50)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to latest)")
	cmd.Flags().StringVar(&reviewer, "reviewer", "", "filter by raising reviewer")
	return cmd
}

func rollbackCmd() *cobra.Command {
	var repoDir, mode, sessionID string
	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Inspect or revert to a session's start marker",
		Long: `Compare the worktree against the session's start marker, or revert to
it. 'soft' keeps the working tree and resets the index; 'hard' discards
everything after the marker.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				if s.StartMarker == "" {
					return fmt.Errorf("session %s has no start marker; it was started without --repo", s.ID)
				}
				switch mode {
				case "inspect":
					report, err := marker.Inspect(repoDir, s.StartMarker)
					if err != nil {
						return err
					}
					if viper.GetBool("json") {
						return printJSON(report)
					}
					if report.Clean() {
						fmt.Printf("Worktree matches start marker %s\n", s.StartMarker)
						return nil
					}
					fmt.Printf("Marker: %s  HEAD: %s\n", report.Marker, report.Head)
					for _, p := range report.Committed {
						fmt.Printf("  committed: %s\n", p)
					}
					for _, p := range report.Uncommitted {
						fmt.Printf("  uncommitted: %s\n", p)
					}
					return nil
				case "soft":
					if err := marker.SoftRevert(repoDir, s.StartMarker); err != nil {
						return err
					}
					fmt.Printf("Reset to %s, working tree preserved\n", s.StartMarker)
					return nil
				case "hard":
					if err := marker.HardRevert(repoDir, s.StartMarker); err != nil {
						return err
					}
					fmt.Printf("Hard reset to %s\n", s.StartMarker)
					return nil
				default:
					return fmt.Errorf("invalid mode %q: want inspect, soft or hard", mode)
				}
			})
		},
	}
	cmd.Flags().StringVar(&repoDir, "repo", ".", "git repository directory")
	cmd.Flags().StringVar(&mode, "mode", "inspect", "inspect, soft or hard")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to latest)")
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var sessionID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := resolveSession(ctx, e, sessionID)
				if err != nil {
					return err
				}
				events, err := e.Repo.ListEvents(ctx, s.ID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for _, evt := range events {
					fmt.Printf("%s %-28s %s/%s %s\n", evt.TS, evt.Type, evt.EntityKind, evt.EntityID, evt.Payload)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (defaults to latest)")
	return cmd
}

func configCmd() *cobra.Command {
	c := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	c.AddCommand(configShowCmd())
	c.AddCommand(configInitCmd())
	return c
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(cfg)
			}
			data, err := cfg.ToYAML()
			if err != nil {
				return err
			}
			fmt.Print(string(data))
			return nil
		},
	}
	return cmd
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			data, err := config.Default().ToYAML()
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var open bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg)
			e.Workspace = workspace
			authCfg := server.AuthConfig{
				JWTSecret: os.Getenv("REVIEWGATE_JWT_SECRET"),
				Open:      open,
			}
			if !open && authCfg.JWTSecret == "" {
				return fmt.Errorf("REVIEWGATE_JWT_SECRET is required unless --open is set")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
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
			fmt.Printf("Serving Reviewgate API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&open, "open", false, "disable authentication (localhost use)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	k.AddCommand(apikeyCreateCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the current actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				key, err := repo.GenerateAPIKey()
				if err != nil {
					return err
				}
				record := domain.APIKey{
					ID:      key.ID,
					ActorID: viper.GetString("actor-id"),
					Name:    name,
					KeyHash: repo.HashAPIKey(key.Secret),
				}
				if err := e.Repo.InsertAPIKey(ctx, record); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "key": key.Secret})
				}
				fmt.Printf("API key %s created. Store it now; only the hash is kept:\n%s\n", key.ID, key.Secret)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
