// Package app wires the eight components into a single running process:
// shared Message Bus, History Store and Workflow Engine, plus a factory
// that stands up a fresh Agent Factory/Registry, Conversation Tracker and
// Orchestrator for every newly created TaskExecution, grounded on this
// codebase's unified-binary wiring pattern (one shared event bus, one
// router, many per-task service instances).
package app

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/config"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/conversation"
	"github.com/kandev-labs/agentsquad/internal/db"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
	"github.com/kandev-labs/agentsquad/internal/orchestrator"
	"github.com/kandev-labs/agentsquad/internal/registry"
	"github.com/kandev-labs/agentsquad/internal/runtime"
	"github.com/kandev-labs/agentsquad/internal/streaming"
	"github.com/kandev-labs/agentsquad/internal/workflow/engine"
)

// execution bundles the per-TaskExecution instances the App keeps alive
// for as long as that execution is running.
type execution struct {
	orch    *orchestrator.Orchestrator
	factory *registry.Factory
	subs    []agentbus.Subscription
}

// App is the process-wide runtime: one Bus, History Store and Workflow
// Engine shared by every execution, one Broadcast Stream Hub observers
// attach to regardless of which execution they're watching.
type App struct {
	cfg *config.Config
	log *logger.Logger

	bus       agentbus.Bus
	closeBus  func() error
	pool      *db.Pool
	histStore history.Store
	engine    *engine.Engine
	execStore orchestrator.ExecutionCreator
	defs      registry.DefinitionStore
	sessions  runtime.SessionStore
	thinker   registry.ThinkerBuilder

	Hub    *streaming.Hub
	Stream *streaming.Handler

	mu         sync.RWMutex
	executions map[string]*execution
}

// New wires every shared component from cfg and returns a ready App.
// Callers must call Close to release the bus connection and backing pool.
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	provided, closeBus, err := agentbus.Provide(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("app: provide bus: %w", err)
	}

	pool, err := db.Provide(cfg.Database)
	if err != nil {
		closeBus()
		return nil, fmt.Errorf("app: provide database: %w", err)
	}

	var (
		histStore history.Store
		engStore  engine.Store
	)
	if pool != nil {
		sqlHist := history.NewSQLStore(pool)
		sqlEng := engine.NewSQLStore(pool)
		if err := sqlHist.Migrate(context.Background()); err != nil {
			closeBus()
			return nil, fmt.Errorf("app: migrate history store: %w", err)
		}
		if err := sqlEng.Migrate(context.Background()); err != nil {
			closeBus()
			return nil, fmt.Errorf("app: migrate workflow engine store: %w", err)
		}
		histStore = sqlHist
		engStore = sqlEng
	} else {
		histStore = history.NewMemoryStore()
		engStore = engine.NewMemoryStore()
	}

	eng := engine.New(engStore, histStore, provided.Bus, log)

	execStore, ok := engStore.(orchestrator.ExecutionCreator)
	if !ok {
		closeBus()
		return nil, fmt.Errorf("app: workflow engine store does not implement ExecutionCreator")
	}

	hub := streaming.NewHub(log, cfg.Stream.BufferSize)

	a := &App{
		cfg:       cfg,
		log:       log,
		bus:       provided.Bus,
		closeBus:  closeBus,
		pool:      pool,
		histStore: histStore,
		engine:    eng,
		execStore: execStore,
		defs:      registry.DefaultDefinitionStore(),
		sessions:  runtime.NewMemorySessionStore(),
		thinker: func(def registry.RoleDefinition, model registry.ModelConfig) (runtime.Thinker, error) {
			return runtime.NullThinker{}, nil
		},
		Hub:        hub,
		executions: make(map[string]*execution),
	}
	a.Stream = streaming.NewHandler(hub, histStore, cfg.Stream.HeartbeatInterval(), a.roleLookup, log)
	return a, nil
}

// roleLookup resolves agentID's SquadMember role within executionID via
// that execution's live Agent Factory, satisfying streaming.RoleLookup
// for the Broadcast Stream's end-user visibility filter (spec §4.G).
func (a *App) roleLookup(executionID, agentID string) (domain.Role, bool) {
	a.mu.RLock()
	ex, ok := a.executions[executionID]
	a.mu.RUnlock()
	if !ok {
		return "", false
	}
	agent, ok := ex.factory.Get(agentID)
	if !ok {
		return "", false
	}
	return agent.Role, true
}

// CreateExecution starts a brand-new TaskExecution: it stands up a fresh
// Agent Factory scoped to the execution, creates the project_manager
// agent, bridges the execution's agent and state traffic onto the shared
// Broadcast Stream Hub, and runs the Orchestrator's dispatch protocol.
func (a *App) CreateExecution(ctx context.Context, taskID, squadID, pmAgentID, taskDescription string) (string, error) {
	executionID := uuid.NewString()

	factory := registry.New(executionID, a.defs, a.thinker, runtime.NullToolCaller{}, a.sessions, a.bus, a.histStore, a.log)
	tracker := conversation.New(conversation.NewMemoryRepository(), a.bus, factory, a.log, a.cfg.Conversation)

	orch := orchestrator.New(executionID, squadID, a.engine, a.execStore, a.bus, tracker, factory, a.histStore,
		orchestrator.NewMemoryLocker(), a.log, a.cfg.Orchestrator.LockTTL())

	if _, err := factory.Create(ctx, pmAgentID, domain.RoleProjectManager, registry.ModelConfig{}, ""); err != nil {
		return "", fmt.Errorf("app: create project manager agent: %w", err)
	}

	// Registered before the bridges/orchestrator start so a.roleLookup can
	// already resolve this execution's agents once traffic starts flowing.
	a.mu.Lock()
	a.executions[executionID] = &execution{orch: orch, factory: factory}
	a.mu.Unlock()

	// The two broadcast bridges subscribe to independent subjects, so they
	// are stood up concurrently; errgroup collects the first failure (if
	// any) from either goroutine.
	var agentSub, stateSub agentbus.Subscription
	var g errgroup.Group
	g.Go(func() error {
		var err error
		agentSub, err = streaming.BridgeExecution(a.bus, a.Hub, executionID, a.roleLookup, a.log)
		return err
	})
	g.Go(func() error {
		var err error
		stateSub, err = streaming.BridgeState(a.bus, a.Hub, executionID, a.roleLookup, a.log)
		return err
	})
	if err := g.Wait(); err != nil {
		a.mu.Lock()
		delete(a.executions, executionID)
		a.mu.Unlock()
		return "", fmt.Errorf("app: bridge execution traffic to stream: %w", err)
	}

	a.mu.Lock()
	a.executions[executionID].subs = []agentbus.Subscription{agentSub, stateSub}
	a.mu.Unlock()

	if err := orch.Start(ctx, taskID, pmAgentID, taskDescription); err != nil {
		return "", fmt.Errorf("app: start orchestrator: %w", err)
	}
	orch.StartStandupDigests(ctx, a.cfg.Orchestrator.StandupInterval())

	a.log.Info("execution started", zap.String("execution_id", executionID), zap.String("task_id", taskID))
	return executionID, nil
}

// Orchestrator returns the running Orchestrator for executionID, if any.
func (a *App) Orchestrator(executionID string) (*orchestrator.Orchestrator, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ex, ok := a.executions[executionID]
	if !ok {
		return nil, false
	}
	return ex.orch, true
}

// ReloadRoleDefinitions re-reads role definitions from the durable
// DefinitionStore and pushes any changed system_prompt onto every live
// agent of every running execution (§4.H hot reload), rather than only
// affecting the next execution's first Create. Errors from individual
// executions are aggregated with multierr so one bad definitions file
// doesn't mask failures reloading the rest.
func (a *App) ReloadRoleDefinitions(ctx context.Context) (int, error) {
	a.mu.RLock()
	factories := make([]*registry.Factory, 0, len(a.executions))
	for _, ex := range a.executions {
		factories = append(factories, ex.factory)
	}
	a.mu.RUnlock()

	var errs error
	updated := 0
	for _, factory := range factories {
		n, err := factory.Reload(ctx)
		updated += n
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return updated, errs
}

// EndExecution releases the per-execution Orchestrator's lease and stops
// bridging its traffic to the Broadcast Stream Hub; observers already
// subscribed keep draining buffered frames until they disconnect.
func (a *App) EndExecution(ctx context.Context, executionID string) error {
	a.mu.Lock()
	ex, ok := a.executions[executionID]
	if ok {
		delete(a.executions, executionID)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("app: unknown execution %q", executionID)
	}

	for _, sub := range ex.subs {
		if err := sub.Unsubscribe(); err != nil {
			a.log.Warn("app: unsubscribe stream bridge failed", zap.String("execution_id", executionID), zap.Error(err))
		}
	}
	return ex.orch.Close(ctx)
}

// Close releases the bus connection and backing database pool.
func (a *App) Close() error {
	if a.pool != nil {
		if err := a.pool.Close(); err != nil {
			return err
		}
	}
	return a.closeBus()
}
