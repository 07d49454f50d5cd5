package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"autocycle/internal/app"
	"autocycle/internal/config"
	"autocycle/internal/engine"
	"autocycle/internal/events"
	"autocycle/internal/knowledge"
	"autocycle/internal/logging"
	"autocycle/internal/metrics"
	"autocycle/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "autocycle",
	Short: "Autonomous cycle orchestrator",
	Long: `autocycle runs independent periodic task groups, keeps their accumulated state across restarts
and picks among candidate strategies with a first-success policy.
- Tasks: learning (research topics into the knowledge registry), value (try strategies in priority order),
  health (ping providers and storage), backup (rolling knowledge snapshots) and snapshot (flush retries).
- Workspace: autocycle.yml plus a .autocycle directory holding the database, artifacts and logs.
- Event log: operator diary of task failures, recorded actions and persistence alerts ('autocycle log tail').`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AUTOCYCLE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "console", "log format (console or json)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-format", rootCmd.PersistentFlags().Lookup("log-format"))
}

func registerCommands() {
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(knowledgeCmd())
	rootCmd.AddCommand(backupCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(resetCmd())
}

func runCmd() *cobra.Command {
	var addr string
	var noServer bool
	var seed uint64
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the orchestrator until SIGINT/SIGTERM or POST /control/stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			log, err := newLogger(workspace)
			if err != nil {
				return err
			}
			defer log.Close()
			ws, err := app.Open(workspace)
			if err != nil {
				return err
			}
			defer ws.Close()
			if !cmd.Flags().Changed("seed") {
				seed = uint64(time.Now().UnixNano())
			}
			m := metrics.New()
			e, err := ws.Engine(log.Logger, m, seed)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = ws.Config.Server.Addr
			}

			var srv *http.Server
			if !noServer {
				handler, err := server.New(server.Config{
					Engine:   e,
					Metrics:  m,
					BasePath: ws.Config.Server.BasePath,
					Auth:     server.AuthConfig{JWTSecret: viper.GetString("jwt-secret")},
					Logger:   log.With().Str("component", "http").Logger(),
				})
				if err != nil {
					return err
				}
				srv = &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			g, gctx := errgroup.WithContext(ctx)
			runDone := make(chan struct{})
			g.Go(func() error {
				defer close(runDone)
				return e.Run(gctx)
			})
			if srv != nil {
				g.Go(func() error {
					select {
					case <-gctx.Done():
					case <-runDone:
					}
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					log.Info().Str("addr", addr).Str("base_path", ws.Config.Server.BasePath).Msg("serving control API")
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						e.Stop()
						return fmt.Errorf("http server: %w", err)
					}
					return nil
				})
			}
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "control API listen address (default from config)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "do not start the control API")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "seed for the simulated providers")
	return cmd
}

func statusCmd() *cobra.Command {
	var recent int
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted counters, strategy usage and recent actions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *app.Workspace, e *engine.Engine) error {
				st := e.Status(recent)
				if viper.GetBool("json") {
					return printJSON(st)
				}
				c := st.Counters
				fmt.Printf("Cycles completed: %d\n", c.CyclesCompleted)
				if c.LastCycleAt != nil {
					fmt.Printf("Last cycle:       %s\n", c.LastCycleAt.Format(time.RFC3339))
				}
				fmt.Printf("Actions executed: %d\n", c.ActionsExecuted)
				fmt.Printf("Value generated:  %.2f\n", c.TotalValueGenerated)
				fmt.Printf("Knowledge:        %d entries\n", st.Knowledge)
				if n := len(st.Growth); n > 1 {
					fmt.Printf("Knowledge growth: %+d over %d samples\n", st.Growth[n-1].Size-st.Growth[0].Size, n)
				}
				fmt.Printf("Schema:           v%d\n", ws.Schema)

				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Strategy", "Attempts", "Successes", "No opportunity", "Failures", "Value", "Last error"})
				for _, u := range st.Usage {
					tw.AppendRow(table.Row{u.StrategyID, u.Attempts, u.Successes, u.NoOpportunity, u.Failures, fmt.Sprintf("%.2f", u.TotalValue), u.LastError})
				}
				tw.Render()

				if len(st.RecentActions) > 0 {
					tw = table.NewWriter()
					tw.SetOutputMirror(os.Stdout)
					tw.AppendHeader(table.Row{"Action", "Strategy", "Value", "At"})
					for _, a := range st.RecentActions {
						tw.AppendRow(table.Row{a.ID, a.StrategyID, fmt.Sprintf("%.2f", a.Value), a.Timestamp.Format(time.RFC3339)})
					}
					tw.Render()
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&recent, "recent", 10, "number of recent actions")
	return cmd
}

func knowledgeCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "knowledge",
		Short: "Inspect the knowledge registry",
	}
	k.AddCommand(knowledgeListCmd())
	k.AddCommand(knowledgeShowCmd())
	return k
}

func knowledgeListCmd() *cobra.Command {
	var prefix string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List knowledge keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *app.Workspace, e *engine.Engine) error {
				type item struct {
					Key        string    `json:"key"`
					ProducedAt time.Time `json:"produced_at"`
					Bytes      int       `json:"bytes"`
				}
				var items []item
				for _, key := range e.Knowledge.Keys() {
					if !strings.HasPrefix(key, prefix) {
						continue
					}
					entry, _ := e.Knowledge.Get(key)
					items = append(items, item{Key: key, ProducedAt: entry.ProducedAt, Bytes: len(entry.Payload)})
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Produced", "Bytes"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Key, it.ProducedAt.Format(time.RFC3339), it.Bytes})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&prefix, "prefix", "", "only keys with this prefix (e.g. defi_)")
	return cmd
}

func knowledgeShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <key>",
		Short: "Print one knowledge entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, ws *app.Workspace, e *engine.Engine) error {
				entry, ok := e.Knowledge.Get(args[0])
				if !ok {
					return fmt.Errorf("knowledge entry %s not found", args[0])
				}
				return printJSON(entry)
			})
		},
	}
	return cmd
}

func backupCmd() *cobra.Command {
	b := &cobra.Command{
		Use:   "backup",
		Short: "Manage knowledge backups",
		Long:  "Backups are timestamped copies of the knowledge snapshot; only the newest backup.retention copies are kept.",
	}
	b.AddCommand(backupListCmd())
	b.AddCommand(backupCreateCmd())
	b.AddCommand(backupRestoreCmd())
	return b
}

func backupListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List retained backups",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				items, err := backups(ws).List(cmd.Context())
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Created", "Bytes"})
				for _, it := range items {
					tw.AppendRow(table.Row{it.Name, it.CreatedAt.Format(time.RFC3339), it.Size})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func backupCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Back up the current knowledge snapshot now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				bk, pruned, err := backups(ws).Create(cmd.Context())
				if err != nil {
					return err
				}
				ev := events.Writer{DB: ws.DB}
				_ = ev.Append(cmd.Context(), events.KnowledgeBackedUp, "", "", events.EventPayload{"name": bk.Name, "size": bk.Size, "pruned": pruned, "manual": true})
				return printJSONOrTable(map[string]any{"backup": bk, "pruned": pruned})
			})
		},
	}
}

func backupRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <name>",
		Short: "Replace the knowledge snapshot with a backup (stop the orchestrator first)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				entries, err := backups(ws).Restore(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"restored": args[0], "entries": len(entries)})
			})
		},
	}
}

func backups(ws *app.Workspace) knowledge.Backups {
	return knowledge.Backups{Backend: ws.Backend, Retention: ws.Config.Backup.Retention}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The operator diary: task failures, recorded actions, backups, persistence alerts and lifecycle events.",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, taskID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withWorkspace(func(ws *app.Workspace) error {
				items, err := events.Writer{DB: ws.DB}.Latest(cmd.Context(), n, evtType, taskID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "TS", "Type", "Task", "Payload"})
				for _, evt := range items {
					payload, _ := json.Marshal(evt.Payload)
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.TaskID, string(payload)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&taskID, "task", "", "task id filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage autocycle.yml",
		Long:  "autocycle.yml sets the storage backend, task intervals and timeouts, learning topics and the strategy priority list. Missing fields keep their defaults.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default autocycle.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
}

func configValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate autocycle.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
}

func resetCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Zero the counters, action log and strategy usage (knowledge is kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return errors.New("reset discards all counters and the action log; pass --yes to confirm")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, ws *app.Workspace, e *engine.Engine) error {
				before := e.State.Counters()
				e.State.Reset()
				if err := e.State.Save(ctx); err != nil {
					return err
				}
				_ = e.Events.Append(ctx, events.CountersReset, "", "", events.EventPayload{
					"cycles":  before.CyclesCompleted,
					"actions": before.ActionsExecuted,
					"value":   before.TotalValueGenerated,
				})
				fmt.Println("counters reset")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}

// --- helpers ---

func newLogger(workspace string) (*logging.Logger, error) {
	return logging.New(logging.Options{
		Level:     viper.GetString("log-level"),
		Format:    viper.GetString("log-format"),
		Workspace: workspace,
	})
}

func withWorkspace(fn func(*app.Workspace) error) error {
	ws, err := app.Open(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer ws.Close()
	return fn(ws)
}

// withEngine recovers persisted state into an engine that is never run, for
// commands that only read or rewrite the artifacts.
func withEngine(ctx context.Context, fn func(context.Context, *app.Workspace, *engine.Engine) error) error {
	log, err := newLogger("")
	if err != nil {
		return err
	}
	return withWorkspace(func(ws *app.Workspace) error {
		e, err := ws.Engine(log.Level(zerolog.WarnLevel), nil, 0)
		if err != nil {
			return err
		}
		e.Recover(ctx)
		return fn(ctx, ws, e)
	})
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
