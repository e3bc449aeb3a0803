// Package app wires the runtime once at process start: config, stores,
// LLM client, MCP pool, tools, agents, and the orchestrator.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pipewise/pipewise"
	"github.com/pipewise/pipewise/internal/agents"
	"github.com/pipewise/pipewise/internal/config"
	"github.com/pipewise/pipewise/mcp"
	"github.com/pipewise/pipewise/observer"
	"github.com/pipewise/pipewise/provider/openaicompat"
	"github.com/pipewise/pipewise/store/postgres"
	"github.com/pipewise/pipewise/store/sqlite"
	"github.com/pipewise/pipewise/tools/crm"
)

// App is the fully wired runtime.
type App struct {
	Orchestrator *pipewise.Orchestrator
	Registry     *pipewise.Registry
	Memory       *pipewise.MemoryManager

	volatile *pipewise.VolatileStore
	pool     *mcp.Pool
	pgPool   *pgxpool.Pool
	sqlite   *sqlite.Store
	otelDown func(context.Context) error
	logger   *slog.Logger
}

// New builds the runtime from config. Call Close on shutdown.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app := &App{logger: logger}

	// Telemetry first so everything below can use it.
	var tracer pipewise.Tracer
	var recorder pipewise.Recorder = pipewise.NopRecorder{}
	if cfg.Observer.Enabled {
		inst, shutdown, err := observer.Init(ctx)
		if err != nil {
			return nil, fmt.Errorf("app: observer init: %w", err)
		}
		app.otelDown = shutdown
		tracer = observer.NewTracer()
		recorder = observer.NewRecorder(inst)
	}

	// Memory stores.
	var backend pipewise.MemoryBackend
	switch cfg.Database.Driver {
	case "postgres":
		pgPool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("app: postgres pool: %w", err)
		}
		store := postgres.New(pgPool)
		if err := store.Init(ctx); err != nil {
			pgPool.Close()
			return nil, fmt.Errorf("app: postgres init: %w", err)
		}
		app.pgPool = pgPool
		backend = store
	case "sqlite":
		store := sqlite.New(cfg.Database.Path)
		if err := store.Init(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("app: sqlite init: %w", err)
		}
		app.sqlite = store
		backend = store
	case "":
		logger.Warn("no database driver configured, persistent memory disabled")
	default:
		return nil, fmt.Errorf("app: unknown database driver %q", cfg.Database.Driver)
	}

	app.volatile = pipewise.NewVolatileStore(
		pipewise.WithVolatileTTL(time.Duration(cfg.Volatile.DefaultTTLSeconds)*time.Second),
		pipewise.WithVolatileLogger(logger),
	)
	app.volatile.StartSweeper(time.Duration(cfg.Volatile.SweepIntervalSeconds) * time.Second)

	app.Memory = pipewise.NewMemoryManager(app.volatile, backend,
		pipewise.WithManagerLogger(logger),
		pipewise.WithManagerRecorder(recorder),
	)

	// Tool registry: CRM local tools plus MCP proxies.
	app.Registry = pipewise.NewRegistry()

	var servers []mcp.ServerConfig
	for name, mc := range cfg.MCP {
		servers = append(servers, mcp.ServerConfig{
			Name:                name,
			URL:                 mc.URL,
			Headers:             mc.Headers,
			CallTimeout:         time.Duration(mc.CallTimeoutSeconds) * time.Second,
			ReconnectBackoffCap: time.Duration(mc.ReconnectBackoffCapSeconds) * time.Second,
			ClientName:          mcpClientName(name, mc.Agent, cfg.CRM.CalendlyServer),
		})
	}
	app.pool = mcp.NewPool(app.Registry, servers,
		mcp.WithPoolLogger(logger),
		mcp.WithPoolRecorder(recorder),
	)
	if err := app.pool.Connect(ctx); err != nil {
		app.shutdownPartial()
		return nil, fmt.Errorf("app: mcp connect: %w", err)
	}

	crmTools := crm.New(
		crm.WithRemote(app.pool, cfg.CRM.CalendlyServer),
		crm.WithFallbackURL(cfg.CRM.FallbackURL),
		crm.WithLogger(logger),
	)
	if err := crmTools.Register(app.Registry); err != nil {
		app.shutdownPartial()
		return nil, err
	}

	// Agents.
	mode := agents.Reactive
	if c, ok := cfg.Agents[pipewise.AgentCoordinator]; ok && c.CoordinatorMode == string(agents.Proactive) {
		mode = agents.Proactive
	}
	descriptors := agents.Descriptors(crmTools.Names(), mode)
	for _, d := range descriptors {
		d.MaxIterations = cfg.AgentMaxIterations(d.ID)
		if a, ok := cfg.Agents[d.ID]; ok {
			if a.Model != "" {
				d.Model = a.Model
			}
			d.Temperature = a.Temperature
		}
	}
	agentSet, err := pipewise.NewAgentSet(app.Registry, descriptors...)
	if err != nil {
		app.shutdownPartial()
		return nil, fmt.Errorf("app: agent set: %w", err)
	}

	// LLM client with classified retry.
	llm := pipewise.WithRetry(
		openaicompat.New(cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.BaseURL,
			openaicompat.WithHTTPClient(&http.Client{
				Timeout: time.Duration(cfg.LLM.TimeoutSeconds) * time.Second,
			})),
		pipewise.WithRetryAttempts(cfg.LLM.RetryTransientAttempts+1),
		pipewise.WithRetryLogger(logger),
		pipewise.WithRetryRecorder(recorder),
	)

	runner := pipewise.NewRunner(app.Registry, llm, app.Memory,
		pipewise.WithRunnerTracer(tracer),
		pipewise.WithRunnerLogger(logger),
		pipewise.WithRunnerRecorder(recorder),
		pipewise.WithMaxToolResultBytes(cfg.ToolResult.MaxBytes),
		pipewise.WithDefaultModel(cfg.LLM.Model),
	)
	handoff := pipewise.NewHandoffEngine(agentSet, app.Memory,
		pipewise.WithHandoffLogger(logger),
		pipewise.WithHandoffRecorder(recorder),
	)
	app.Orchestrator = pipewise.NewOrchestrator(agentSet, runner, handoff, app.Memory,
		pipewise.WithMaxHandoffs(cfg.Workflow.MaxHandoffs),
		pipewise.WithWorkflowTimeout(time.Duration(cfg.Workflow.TimeoutSeconds)*time.Second),
		pipewise.WithOrchestratorTracer(tracer),
		pipewise.WithOrchestratorLogger(logger),
		pipewise.WithOrchestratorRecorder(recorder),
	)
	return app, nil
}

// Close shuts everything down in reverse wiring order.
func (a *App) Close(ctx context.Context) error {
	var firstErr error
	if a.pool != nil {
		if err := a.pool.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.volatile != nil {
		if err := a.volatile.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.pgPool != nil {
		a.pgPool.Close()
	}
	if a.sqlite != nil {
		if err := a.sqlite.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if a.otelDown != nil {
		if err := a.otelDown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// mcpClientName derives the identity a server binds user state to. The
// configured serving agent wins; the calendly server defaults to the
// meeting scheduler.
func mcpClientName(server, agent, calendlyServer string) string {
	if agent == "" && server == calendlyServer {
		agent = pipewise.AgentMeetingScheduler
	}
	if agent == "" {
		return ""
	}
	return agent + "_user"
}

func (a *App) shutdownPartial() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = a.Close(shutdownCtx)
}
