package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"agentline/internal/app"
	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/domain"
	"agentline/internal/engine"
	"agentline/internal/migrate"
	"agentline/internal/repo"
	"agentline/internal/server"
	"agentline/internal/toolserver"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:   "al",
	Short: "Agentline coordination server and CLI",
	Long: `Agentline coordinates a tree of AI agents working on shared tasks.
- Workspace: a scope that owns agents, tasks, notes and sessions.
- Agents: coordinators delegate tasks to implementors and verifiers, which report back.
- Tasks: units of work with a version counter; stale writes are rejected.
- Events: agents subscribe to lifecycle events and receive them as pending deliveries.
- Sessions: agent processes spawned by the orchestrator, reachable over MCP (HTTP or WebSocket).
State lives in .agentline/agentline.db under the workspace directory; settings in agentline.yml.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger(viper.GetString("log-format"), viper.GetString("log-level"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("AGENTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	flags := rootCmd.PersistentFlags()
	flags.StringP("workspace", "w", ".", "workspace directory")
	flags.Bool("json", false, "output JSON")
	flags.String("actor-id", server.LocalActor, "actor recorded in the audit trail")
	flags.String("log-format", "text", "log format: text or json")
	flags.String("log-level", "info", "log level: debug, info, warn or error")
	for _, name := range []string{"workspace", "json", "actor-id", "log-format", "log-level"} {
		_ = viper.BindPFlag(name, flags.Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(dbCmd())
	rootCmd.AddCommand(workspaceCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(noteCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(toolsCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run:   func(cmd *cobra.Command, args []string) { fmt.Println(version) },
	})
}

func newLogger(format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q", format)
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the coordination server",
		Long:  "Serves the resource API, the MCP endpoint (streamable HTTP and WebSocket) and /metrics on one listener.",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := app.LoadConfig(workspace)
			if err != nil {
				return err
			}
			if mode := viper.GetString("tool-mode"); mode != "" {
				cfg.Tools.Mode = mode
			}
			if addr := viper.GetString("addr"); addr != "" {
				cfg.Server.Addr = addr
			}
			a, err := app.New(cmd.Context(), app.Options{
				Workspace: workspace,
				Config:    cfg,
				JWTSecret: viper.GetString("jwt-secret"),
				Version:   version,
				Logger:    slog.Default(),
				NoSpawn:   viper.GetBool("no-spawn"),
			})
			if err != nil {
				return err
			}
			return a.Serve(cmd.Context(), cfg.Server.Addr)
		},
	}
	cmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	cmd.Flags().String("tool-mode", "", "tool catalog: essential or full (overrides tools.mode)")
	cmd.Flags().Bool("no-spawn", false, "run without spawning agent processes")
	_ = viper.BindPFlag("addr", cmd.Flags().Lookup("addr"))
	_ = viper.BindPFlag("tool-mode", cmd.Flags().Lookup("tool-mode"))
	_ = viper.BindPFlag("no-spawn", cmd.Flags().Lookup("no-spawn"))
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage agentline.yml"}
	var provider string
	var force bool
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default agentline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; pass --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(provider)), 0o644); err != nil {
				return err
			}
			fmt.Printf("%s wrote %s\n", color.GreenString("✓"), path)
			return nil
		},
	}
	initCmd.Flags().StringVar(&provider, "provider", "claude", "default provider name")
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := app.LoadConfig(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	}
	validate := &cobra.Command{
		Use:   "validate",
		Short: "Validate agentline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := config.Load(viper.GetString("workspace"))
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": errString(err)})
			}
			if err != nil {
				return err
			}
			fmt.Printf("%s config OK\n", color.GreenString("✓"))
			return nil
		},
	}
	cfg.AddCommand(initCmd, show, validate)
	return cfg
}

func dbCmd() *cobra.Command {
	d := &cobra.Command{Use: "db", Short: "Workspace database"}
	info := &cobra.Command{
		Use:   "info",
		Short: "Show the database path and applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				applied, err := migrate.Applied(ctx, e.DB)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"path": db.Path(workspace), "migrations": applied})
				}
				fmt.Println("path:", db.Path(workspace))
				tw := newTable(table.Row{"Version", "Name", "Applied"})
				for _, r := range applied {
					tw.AppendRow(table.Row{r.Version, r.Name, r.AppliedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	d.AddCommand(info)
	return d
}

func workspaceCmd() *cobra.Command {
	ws := &cobra.Command{Use: "workspace", Aliases: []string{"ws"}, Short: "Manage workspaces"}

	var id string
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.CreateWorkspace(ctx, engine.WorkspaceCreateOptions{ID: id, Title: args[0], ActorID: actor()})
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	create.Flags().StringVar(&id, "id", "", "workspace id (generated when empty)")

	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListWorkspaces(ctx, status)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Created"})
				for _, w := range items {
					tw.AppendRow(table.Row{w.ID, w.Title, w.Status, w.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "active or archived")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.GetWorkspace(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	archive := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.ArchiveWorkspace(ctx, args[0], actor())
				if err != nil {
					return err
				}
				return printJSONOrTable(w)
			})
		},
	}
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an empty workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteWorkspace(ctx, args[0], actor())
			})
		},
	}
	ws.AddCommand(create, list, show, archive, del)
	return ws
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}

	var opts engine.AgentCreateOptions
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Name = args[0]
				opts.ActorID = actor()
				a, err := e.CreateAgent(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	create.Flags().StringVar(&opts.WorkspaceID, "workspace-id", "", "owning workspace")
	create.Flags().StringVar(&opts.Role, "role", domain.RoleSolo, "COORDINATOR, IMPLEMENTOR, VERIFIER or SOLO")
	create.Flags().StringVar(&opts.ParentID, "parent", "", "parent agent id")
	create.Flags().StringVar(&opts.ModelTier, "model-tier", "", "FAST, BALANCED or SMART")

	var f repo.AgentFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Role", "Status", "Parent", "Workspace"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.Name, a.Role, colorStatus(a.Status), deref(a.ParentID), a.WorkspaceID})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "workspace filter")
	list.Flags().StringVar(&f.ParentID, "parent", "", "parent filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.Role, "role", "", "role filter")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent's summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.GetSummary(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}

	var limit int
	messages := &cobra.Command{
		Use:   "messages <id>",
		Short: "Print an agent's conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListMessages(ctx, repo.MessageFilters{AgentID: args[0], Limit: limit})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				for _, m := range items {
					fmt.Printf("[%s] %s: %s\n", m.CreatedAt, m.Role, m.Content)
				}
				return nil
			})
		},
	}
	messages.Flags().IntVar(&limit, "limit", 50, "most recent messages to show")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteAgent(ctx, args[0], actor())
			})
		},
	}
	ag.AddCommand(create, list, show, messages, del)
	return ag
}

func taskCmd() *cobra.Command {
	tk := &cobra.Command{Use: "task", Short: "Manage tasks"}

	var opts engine.TaskCreateOptions
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Title = args[0]
				opts.ActorID = actor()
				t, err := e.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	create.Flags().StringVar(&opts.WorkspaceID, "workspace-id", "", "owning workspace")
	create.Flags().StringVar(&opts.Objective, "objective", "", "what done looks like")
	create.Flags().StringVar(&opts.Scope, "scope", "", "files or areas in scope")
	create.Flags().StringSliceVar(&opts.AcceptanceCriteria, "accept", nil, "acceptance criterion (repeatable)")
	create.Flags().StringSliceVar(&opts.VerificationCommands, "verify", nil, "verification command (repeatable)")
	create.Flags().StringSliceVar(&opts.Dependencies, "depends-on", nil, "task dependency (repeatable)")
	create.Flags().StringVar(&opts.ParallelGroup, "parallel-group", "", "parallel group label")
	create.Flags().StringVar(&opts.AssignedTo, "assign", "", "assignee agent id")

	var f repo.TaskFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := newTable(table.Row{"ID", "Title", "Status", "Assignee", "Version", "Group"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, colorStatus(t.Status), deref(t.AssignedTo), t.Version, deref(t.ParallelGroup)})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "workspace filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")
	list.Flags().StringVar(&f.AssignedTo, "assigned-to", "", "assignee filter")
	list.Flags().StringVar(&f.ParallelGroup, "parallel-group", "", "parallel group filter")

	show := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}

	var (
		expected                     int
		title, status, assign, group string
		summary                      string
	)
	update := &cobra.Command{
		Use:   "update <id>",
		Short: "Update a task",
		Long:  "Only flags that are set are written. With --expected-version the write is rejected if the task changed since that version.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var patch domain.TaskPatch
			flags := cmd.Flags()
			if flags.Changed("title") {
				patch.Title = &title
			}
			if flags.Changed("status") {
				patch.Status = &status
			}
			if flags.Changed("assign") {
				patch.AssignedTo = &assign
			}
			if flags.Changed("parallel-group") {
				patch.ParallelGroup = &group
			}
			if flags.Changed("summary") {
				patch.CompletionSummary = &summary
			}
			opts := engine.TaskUpdateOptions{ID: args[0], ActorID: actor(), Patch: patch}
			if flags.Changed("expected-version") {
				opts.ExpectedVersion = &expected
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.UpdateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	update.Flags().IntVar(&expected, "expected-version", 0, "reject the write unless the task is at this version")
	update.Flags().StringVar(&title, "title", "", "new title")
	update.Flags().StringVar(&status, "status", "", "new status")
	update.Flags().StringVar(&assign, "assign", "", "assignee agent id")
	update.Flags().StringVar(&group, "parallel-group", "", "parallel group label")
	update.Flags().StringVar(&summary, "summary", "", "completion summary")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteTask(ctx, args[0], actor())
			})
		},
	}
	tk.AddCommand(create, list, show, update, del)
	return tk
}

func noteCmd() *cobra.Command {
	nt := &cobra.Command{Use: "note", Short: "Manage shared notes"}

	var opts engine.NoteCreateOptions
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Write a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Title = args[0]
				opts.ActorID = actor()
				n, err := e.CreateNote(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(n)
			})
		},
	}
	create.Flags().StringVar(&opts.WorkspaceID, "workspace-id", "", "owning workspace")
	create.Flags().StringVar(&opts.AgentID, "agent-id", "", "author agent")
	create.Flags().StringVar(&opts.Content, "content", "", "note body")
	create.Flags().StringSliceVar(&opts.Tags, "tag", nil, "tag (repeatable)")

	var f repo.NoteFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List notes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListNotes(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Title", "Tags", "Author", "Created"})
				for _, n := range items {
					tw.AppendRow(table.Row{n.ID, n.Title, strings.Join(n.Tags, ","), deref(n.AgentID), n.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "workspace filter")
	list.Flags().StringVar(&f.AgentID, "agent-id", "", "author filter")
	list.Flags().StringVar(&f.Tag, "tag", "", "tag filter")
	list.Flags().IntVar(&f.Limit, "limit", 0, "maximum notes")

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteNote(ctx, args[0], actor())
			})
		},
	}
	nt.AddCommand(create, list, del)
	return nt
}

func sessionCmd() *cobra.Command {
	ss := &cobra.Command{Use: "session", Short: "Inspect agent process sessions"}

	var f repo.SessionFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListSessions(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Agent", "Provider", "Status", "PID", "Cwd"})
				for _, s := range items {
					pid := ""
					if s.PID != nil {
						pid = fmt.Sprint(*s.PID)
					}
					tw.AppendRow(table.Row{s.ID, s.AgentID, s.Provider, colorStatus(s.Status), pid, s.Cwd})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.WorkspaceID, "workspace-id", "", "workspace filter")
	list.Flags().StringVar(&f.AgentID, "agent-id", "", "agent filter")
	list.Flags().StringVar(&f.Status, "status", "", "status filter")

	// Processes belong to the serving process; this only removes the record.
	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a session record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteSession(ctx, args[0], actor())
			})
		},
	}
	ss.AddCommand(list, del)
	return ss
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Audit trail"}
	var n int
	var workspaceID string
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListEvents(ctx, workspaceID, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor"})
				for _, evt := range items {
					tw.AppendRow(table.Row{evt.ID, evt.TS, evt.Type, evt.EntityKind + ":" + evt.EntityID, evt.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	tail.Flags().StringVar(&workspaceID, "workspace-id", "", "workspace filter")
	lg.AddCommand(tail)
	return lg
}

func toolsCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the MCP tools served in a mode",
		RunE: func(cmd *cobra.Command, args []string) error {
			if mode == "" {
				cfg, err := app.LoadConfig(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				mode = cfg.Tools.Mode
			}
			if mode != config.ToolModeEssential && mode != config.ToolModeFull {
				return fmt.Errorf("unknown tool mode %q", mode)
			}
			names := (&toolserver.Server{Mode: mode}).Tools()
			if viper.GetBool("json") {
				return printJSON(map[string]any{"mode": mode, "tools": names})
			}
			for _, n := range names {
				fmt.Println(n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&mode, "mode", "", "essential or full (defaults to tools.mode)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the resource API",
		Long:  "Signs an HS256 token with AGENTLINE_JWT_SECRET. Intended for local development.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := server.SignToken(viper.GetString("jwt-secret"), args[0], ttl)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]string{"token": token})
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime (0 for none)")
	return cmd
}

// --- helpers ---

func actor() string {
	if a := viper.GetString("actor-id"); a != "" {
		return a
	}
	return server.LocalActor
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	e, conn, err := app.OpenEngine(viper.GetString("workspace"), slog.Default())
	if err != nil {
		return err
	}
	defer func(c *sql.DB) { _ = c.Close() }(conn)
	return fn(ctx, e)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var fields map[string]any
	if err := json.Unmarshal(b, &fields); err != nil {
		return printJSON(v)
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	tw := newTable(table.Row{"Field", "Value"})
	for _, k := range keys {
		val := fields[k]
		switch val.(type) {
		case map[string]any, []any:
			enc, _ := json.Marshal(val)
			val = string(enc)
		}
		tw.AppendRow(table.Row{k, val})
	}
	tw.Render()
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// colorStatus highlights task, agent and session states; color is off when
// stdout is not a terminal or NO_COLOR is set.
func colorStatus(status string) string {
	var attr color.Attribute
	switch status {
	case domain.TaskCompleted, domain.SessionRunning:
		attr = color.FgGreen
	case domain.TaskInProgress, domain.AgentActive:
		attr = color.FgCyan
	case domain.TaskNeedsFix, domain.TaskBlocked, domain.TaskReviewRequired:
		attr = color.FgYellow
	case domain.AgentError, domain.SessionFailed:
		attr = color.FgRed
	default:
		return status
	}
	return color.New(attr).Sprint(status)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		return ve.Reason
	}
	return err.Error()
}
