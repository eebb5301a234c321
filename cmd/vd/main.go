package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"vaultd/internal/capability"
	"vaultd/internal/config"
	"vaultd/internal/dashboard"
	"vaultd/internal/db"
	"vaultd/internal/domain"
	"vaultd/internal/gate"
	"vaultd/internal/logger"
	"vaultd/internal/migrate"
	"vaultd/internal/orch"
	"vaultd/internal/registry"
	"vaultd/internal/repo"
	"vaultd/internal/vault"
	"vaultd/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "vd",
	Short: "Vaultd file-vault lifecycle daemon",
	Long: `Vaultd watches a folder vault and drives every dropped file through a
strict lifecycle: detect, classify, plan, then either auto-execute or wait
for a human decision. Decisions are made by moving the approval request
file to Approved/ or Rejected/; everything is recorded in an append-only
audit log the task registry can be rebuilt from.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.Setup(logger.ParseLevel(viper.GetString("log-level")))
	},
}

func main() {
	cobra.OnInitialize(initViper)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initViper() {
	viper.SetEnvPrefix("VAULTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("root", "r", ".", "vault root directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("root", rootCmd.PersistentFlags().Lookup("root"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(approveCmd())
	rootCmd.AddCommand(rejectCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(logCmd())
}

// env bundles the opened vault components one command invocation needs.
type env struct {
	cfg    *config.Config
	layout vault.Layout
	reg    *registry.Registry
}

func (e *env) renderer() dashboard.Renderer {
	return dashboard.Renderer{Repo: e.reg.Repo, Layout: e.layout}
}

func (e *env) gate() *gate.Gate {
	return gate.New(e.reg, e.layout)
}

func (e *env) orchestrator() *orch.Orchestrator {
	return &orch.Orchestrator{
		Config:     e.cfg,
		Layout:     e.layout,
		Registry:   e.reg,
		Gate:       e.gate(),
		Watcher:    watch.New(e.layout, e.cfg.PollInterval()),
		Classifier: capability.KeywordClassifier{},
		Planner:    capability.LinePlanner{PlansDir: e.layout.Plans()},
		Policy: capability.KeywordPolicy{
			Keywords:        e.cfg.Policy.Keywords,
			AmountThreshold: e.cfg.Policy.AmountThreshold,
		},
		Executor: capability.DraftExecutor{DraftsDir: e.layout.Drafts(), DryRun: e.cfg.Actions.DryRun},
		Log:      e.reg.Log,
	}
}

// withVault opens the database, migrates, rebuilds the registry from the
// audit log, and hands the environment to fn.
func withVault(ctx context.Context, fn func(context.Context, *env) error) error {
	root := viper.GetString("root")
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}
	if cfg.Vault.Root == "" || cfg.Vault.Root == "." {
		cfg.Vault.Root = root
	}
	layout := vault.NewLayout(cfg.Vault.Root)
	if err := layout.Ensure(); err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Root: cfg.Vault.Root})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	reg := registry.New(conn)
	if err := reg.Rebuild(ctx); err != nil {
		return err
	}
	e := &env{cfg: cfg, layout: layout, reg: reg}
	return fn(ctx, e)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault folders, default config and database",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := viper.GetString("root")
			layout := vault.NewLayout(root)
			if err := layout.Ensure(); err != nil {
				return err
			}
			cfgPath := config.Path(root)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
			}
			conn, err := db.Open(db.Config{Root: root})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := dashboard.Renderer{Repo: repo.Repo{DB: conn}, Layout: layout}
			if err := r.Refresh(cmd.Context()); err != nil {
				return err
			}
			v, err := migrate.Version(conn)
			if err != nil {
				return err
			}
			fmt.Printf("Vault initialized at %s (schema v%d)\n", root, v)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the lifecycle daemon until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withVault(ctx, func(ctx context.Context, e *env) error {
				e.reg.Hook = e.renderer()
				o := e.orchestrator()
				o.Log.Info("vaultd running", "root", e.cfg.Vault.Root, "dry_run", e.cfg.Actions.DryRun)
				err := o.Run(ctx)
				if err == context.Canceled {
					return nil
				}
				return err
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show task counts by state and folder",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, e *env) error {
				counts, err := e.reg.Repo.CountByState(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"State", "Tasks"})
				for _, s := range []domain.TaskState{
					domain.StateDetected, domain.StateClassified, domain.StateAutoRouted,
					domain.StatePendingApproval, domain.StateApproved, domain.StateRejected,
					domain.StateExpired, domain.StateCompleted,
				} {
					tw.AppendRow(table.Row{string(s), counts[s]})
				}
				tw.Render()
				fmt.Printf("\nInbox: %d  Needs_Action: %d  Pending_Approval: %d  Done: %d\n",
					vault.CountFiles(e.layout.Inbox()), vault.CountFiles(e.layout.NeedsAction()),
					vault.CountFiles(e.layout.PendingApproval()), vault.CountFiles(e.layout.Done()))
				return nil
			})
		},
	}
}

func taskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "task", Short: "Inspect tasks"}
	cmd.AddCommand(taskListCmd())
	cmd.AddCommand(taskShowCmd())
	cmd.AddCommand(taskHistoryCmd())
	return cmd
}

func taskListCmd() *cobra.Command {
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, e *env) error {
				tasks, err := e.reg.Repo.ListTasks(ctx, domain.TaskState(state))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identity", "File", "Urgency", "State", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.Identity, t.CurrentName, string(t.Urgency), string(t.State), t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "state filter")
	return cmd
}

func taskShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <identity>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, e *env) error {
				t, err := e.reg.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(t)
			})
		},
	}
}

func taskHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <identity>",
		Short: "Show a task's transition history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, e *env) error {
				entries, err := e.reg.Repo.ListHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Note", "Time"})
				for _, h := range entries {
					tw.AppendRow(table.Row{string(h.FromState), string(h.ToState), h.Note, h.TS})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func approveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "approve <identity>",
		Short: "Approve a pending task and execute its action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd.Context(), args[0], domain.DecisionApproved)
		},
	}
}

func rejectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reject <identity>",
		Short: "Reject a pending task and archive its file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd.Context(), args[0], domain.DecisionRejected)
		},
	}
}

// decide applies a decision the same way the daemon would when the human
// moves the request file, then refreshes the dashboard.
func decide(ctx context.Context, identity string, decision domain.Decision) error {
	return withVault(ctx, func(ctx context.Context, e *env) error {
		o := e.orchestrator()
		requestPath := filepath.Join(e.layout.PendingApproval(), vault.RequestFileName(identity))
		if err := o.HandleDecision(ctx, watch.DecisionEvent{
			Identity: identity,
			Decision: decision,
			Path:     requestPath,
		}); err != nil {
			return err
		}
		if err := e.renderer().Refresh(ctx); err != nil {
			return err
		}
		t, _ := e.reg.Lookup(identity)
		fmt.Printf("%s: %s\n", identity, t.State)
		return nil
	})
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire approval requests past their deadline",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, e *env) error {
				g := e.gate()
				expired, err := g.SweepExpired(ctx, g.Now())
				if err != nil {
					return err
				}
				if err := e.renderer().Refresh(ctx); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(expired)
				}
				if len(expired) == 0 {
					fmt.Println("Nothing expired.")
					return nil
				}
				for _, identity := range expired {
					fmt.Println("expired:", identity)
				}
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the audit log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var kind, task string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withVault(cmd.Context(), func(ctx context.Context, e *env) error {
				entries, err := e.reg.Repo.LatestAuditEvents(ctx, n, kind, task)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Time", "Task", "Kind", "Detail"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.TS, entry.TaskIdentity, entry.Kind, entry.Detail})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "lines", "n", 20, "number of entries")
	cmd.Flags().StringVar(&kind, "kind", "", "event kind filter")
	cmd.Flags().StringVar(&task, "task", "", "task identity filter")
	return cmd
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
