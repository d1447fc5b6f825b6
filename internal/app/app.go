// Package app assembles the coordination server from its parts and owns
// their startup and shutdown order.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"agentline/internal/config"
	"agentline/internal/db"
	"agentline/internal/engine"
	"agentline/internal/events"
	"agentline/internal/git"
	"agentline/internal/metrics"
	"agentline/internal/migrate"
	"agentline/internal/orchestrator"
	"agentline/internal/repo"
	"agentline/internal/server"
	"agentline/internal/toolserver"
)

type Options struct {
	Workspace string
	// Config overrides the workspace's agentline.yml.
	Config    *config.Config
	JWTSecret string
	Version   string
	Logger    *slog.Logger
	// NoSpawn runs without an orchestrator; spawning operations then fail
	// with orchestrator unavailable.
	NoSpawn bool
	// Spawner replaces the process spawner.
	Spawner orchestrator.Spawner
}

// App is a running server's object graph.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Bus          *events.Bus
	Engine       engine.Engine
	Metrics      *metrics.Collector
	Orchestrator *orchestrator.Orchestrator
	Tools        *toolserver.Server
	Sessions     *toolserver.SessionRouter
	WS           *toolserver.WSHandler
	Webhooks     *server.WebhookDispatcher
	Handler      http.Handler

	logger *slog.Logger
	stop   context.CancelFunc
}

// LoadConfig reads agentline.yml from the workspace, falling back to defaults.
func LoadConfig(workspace string) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	return cfg, nil
}

// OpenEngine opens and migrates the workspace database and returns an engine
// without a live bus. The caller closes the returned DB.
func OpenEngine(workspace string, logger *slog.Logger) (engine.Engine, *sql.DB, error) {
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return engine.Engine{}, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return engine.Engine{}, nil, fmt.Errorf("migrate: %w", err)
	}
	e := engine.New(conn, nil)
	if logger != nil {
		e.Logger = logger
	}
	return e, conn, nil
}

// New wires storage, the event bus, the engine, the orchestrator and both
// protocol transports behind one HTTP handler.
func New(ctx context.Context, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cfg := opts.Config
	if cfg == nil {
		loaded, err := LoadConfig(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	collector := metrics.New()
	bus := events.NewBus(repo.SubscriptionStore{Repo: repo.Repo{DB: conn}}, logger)
	bus.OnPublish = collector.EventPublished
	if err := bus.Restore(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("restore subscriptions: %w", err)
	}
	eng := engine.New(conn, bus)
	eng.Logger = logger

	runCtx, stop := context.WithCancel(context.Background())
	a := &App{
		Config:  cfg,
		DB:      conn,
		Bus:     bus,
		Engine:  eng,
		Metrics: collector,
		logger:  logger,
		stop:    stop,
	}

	tools := &toolserver.Server{
		Engine:  eng,
		Bus:     bus,
		Git:     git.NewRunner(gitDir(opts.Workspace, cfg)),
		Mode:    cfg.Tools.Mode,
		Version: opts.Version,
		Metrics: collector,
		Logger:  logger,
	}
	var orch server.Orchestrator
	if !opts.NoSpawn {
		spawner := opts.Spawner
		if spawner == nil {
			spawner = orchestrator.ProcessSpawner{Providers: cfg.Orchestrator.Providers, Logger: logger}
		}
		a.Orchestrator = orchestrator.New(eng, bus, spawner, orchestrator.Options{
			DefaultProvider: cfg.Orchestrator.DefaultProvider,
			DefaultCwd:      cfg.Orchestrator.DefaultCwd,
			Providers:       cfg.Orchestrator.Providers,
			MCPURL:          mcpURL(cfg),
			Metrics:         collector,
			Logger:          logger,
		})
		tools.Delegator = a.Orchestrator
		orch = a.Orchestrator
	}
	a.Tools = tools
	a.Sessions = toolserver.NewSessionRouter(tools, toolserver.RouterOptions{
		IdleTimeout: cfg.SessionIdleTimeout(),
		Heartbeat:   30 * time.Second,
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      logger,
	})
	a.WS = toolserver.NewWSHandler(tools, cfg.Server.CORSOrigins)

	handler, err := server.New(server.Config{
		Engine:       eng,
		Orchestrator: orch,
		BasePath:     cfg.Server.APIBasePath,
		Version:      opts.Version,
		Logger:       logger,
		Auth: server.AuthConfig{
			JWTSecret:        opts.JWTSecret,
			RequireAuth:      cfg.Auth.RequireAuth,
			AllowAgentHeader: cfg.Auth.AllowAgentHeader,
			Logger:           logger,
		},
		MCPPath: cfg.Server.MCPPath,
		MCP:     a.Sessions,
		WSPath:  cfg.Server.WSPath,
		WS:      a.WS,
		Metrics: collector.Handler(),
	})
	if err != nil {
		a.Close(ctx)
		return nil, err
	}
	a.Handler = handler

	a.Webhooks = server.NewWebhookDispatcher(eng.Repo, cfg.Webhooks, logger)
	a.Webhooks.Start(runCtx)
	return a, nil
}

// Serve listens on addr until ctx is done, then shuts the server down.
func (a *App) Serve(ctx context.Context, addr string) error {
	if addr == "" {
		addr = a.Config.Server.Addr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: a.Handler, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	a.logger.Info("agentline serving",
		"addr", ln.Addr().String(),
		"api", a.Config.Server.APIBasePath,
		"mcp", a.Config.Server.MCPPath,
		"ws", a.Config.Server.WSPath,
		"tools", a.Config.Tools.Mode,
		"spawn", a.Orchestrator != nil,
	)
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Long-lived protocol streams would hold Shutdown open.
	a.Sessions.Close()
	a.WS.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", "err", err)
	}
	return a.Close(shutdownCtx)
}

// Close stops background work, terminates spawned processes and closes the
// database. It is safe to call more than once.
func (a *App) Close(ctx context.Context) error {
	if a.stop != nil {
		a.stop()
	}
	if a.Sessions != nil {
		a.Sessions.Close()
	}
	if a.WS != nil {
		a.WS.Close()
	}
	var errs []error
	if a.Orchestrator != nil {
		if err := a.Orchestrator.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("orchestrator: %w", err))
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			errs = append(errs, err)
		}
		a.DB = nil
	}
	return errors.Join(errs...)
}

func mcpURL(cfg *config.Config) string {
	base := strings.TrimRight(cfg.Server.PublicURL, "/")
	if base == "" {
		host := cfg.Server.Addr
		if strings.HasPrefix(host, ":") {
			host = "127.0.0.1" + host
		}
		base = "http://" + host
	}
	return base + cfg.Server.MCPPath
}

func gitDir(workspace string, cfg *config.Config) string {
	if cfg.Orchestrator.DefaultCwd != "" {
		return cfg.Orchestrator.DefaultCwd
	}
	if workspace == "" {
		return "."
	}
	return filepath.Clean(workspace)
}
