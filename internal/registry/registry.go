// Package registry implements the Agent Factory/Registry (spec §4.H): it
// constructs runtime.Agent instances from durable role definitions and
// keeps a process-local cache of the live instances for an execution.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
	"github.com/kandev-labs/agentsquad/internal/runtime"
)

var (
	// ErrUnsupportedRole is returned by Create for any role that isn't
	// one of the nine SquadMember roles.
	ErrUnsupportedRole = errors.New("registry: unsupported role")
	// ErrAgentNotFound is returned by Get/Remove for an unknown agent_id.
	ErrAgentNotFound = errors.New("registry: agent not found")
)

// ModelConfig names the LLM provider/model an agent should reason with.
// The factory only threads this through to ThinkerBuilder; it never
// interprets the values itself (spec §1 Non-goals: LLM reasoning is an
// opaque external capability).
type ModelConfig struct {
	Provider string
	Model    string
}

// RoleDefinition is the durable, per-role configuration loaded from a
// DefinitionStore: the system prompt a newly created agent of that role
// should reason under.
type RoleDefinition struct {
	Role         domain.Role
	SystemPrompt string
}

// DefinitionStore is the durable source of RoleDefinitions. A Factory
// caches its first Load and only re-reads on an explicit Reload call.
type DefinitionStore interface {
	Load(ctx context.Context) (map[domain.Role]RoleDefinition, error)
}

// ThinkerBuilder constructs the opaque think(prompt, context) -> text
// capability for a newly created agent. Supplied by the caller because
// the concrete LLM integration lives outside this module's scope.
type ThinkerBuilder func(def RoleDefinition, model ModelConfig) (runtime.Thinker, error)

// Factory constructs and caches runtime.Agent instances for a single
// execution. It is safe for concurrent use.
type Factory struct {
	executionID string

	definitions DefinitionStore
	thinker     ThinkerBuilder
	tools       runtime.ToolCaller
	sessions    runtime.SessionStore
	bus         agentbus.Bus
	history     history.Store
	log         *logger.Logger

	mu     sync.RWMutex
	live   map[string]*runtime.Agent
	models map[string]ModelConfig

	defsMu sync.RWMutex
	defs   map[domain.Role]RoleDefinition
}

// New constructs a Factory scoped to one execution. tools may be nil if
// no tool integrations are configured.
func New(executionID string, definitions DefinitionStore, thinker ThinkerBuilder, tools runtime.ToolCaller, sessions runtime.SessionStore, b agentbus.Bus, hist history.Store, log *logger.Logger) *Factory {
	return &Factory{
		executionID: executionID,
		definitions: definitions,
		thinker:     thinker,
		tools:       tools,
		sessions:    sessions,
		bus:         b,
		history:     hist,
		log:         log.WithFields(zap.String("execution_id", executionID)),
		live:        make(map[string]*runtime.Agent),
		models:      make(map[string]ModelConfig),
	}
}

// Create constructs or resumes an agent for role, caching it under
// agentID. If sessionID is non-empty the returned agent continues that
// prior conversation on its first ProcessMessage call; otherwise a
// session is started lazily on demand.
func (f *Factory) Create(ctx context.Context, agentID string, role domain.Role, model ModelConfig, sessionID string) (*runtime.Agent, error) {
	if !role.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedRole, role)
	}

	defs, err := f.loadDefinitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: load role definitions: %w", err)
	}
	def, ok := defs[role]
	if !ok {
		return nil, fmt.Errorf("%w: %q (no definition loaded)", ErrUnsupportedRole, role)
	}

	think, err := f.thinker(def, model)
	if err != nil {
		return nil, fmt.Errorf("registry: build thinker for role %q: %w", role, err)
	}

	agent := runtime.New(agentID, f.executionID, role, think, f.tools, f.sessions, f.bus, f.history, f.log)
	if sessionID != "" {
		agent.ResumeSession(sessionID)
	}

	f.mu.Lock()
	f.live[agentID] = agent
	f.models[agentID] = model
	f.mu.Unlock()

	f.log.Info("agent created", zap.String("agent_id", agentID), zap.String("role", string(role)))
	return agent, nil
}

// loadDefinitions returns the cached role definitions, populating the
// cache from the DefinitionStore on first use. A definition edit written
// to the backing store after that only reaches this Factory's already
// -created agents once Reload is called.
func (f *Factory) loadDefinitions(ctx context.Context) (map[domain.Role]RoleDefinition, error) {
	f.defsMu.RLock()
	defs := f.defs
	f.defsMu.RUnlock()
	if defs != nil {
		return defs, nil
	}
	_, defs, err := f.reload(ctx)
	return defs, err
}

// Reload re-reads the DefinitionStore and rebuilds the thinker of every live
// agent whose role has a definition (changed or not), installing it via
// Agent.SetThinker, so an operator
// can edit a role's prompt and have it take effect immediately rather than
// waiting for the next Create (§4.H hot reload), grounded on this
// codebase's registry default-config table pattern. It returns the number
// of live agents whose thinker was rebuilt, and an aggregate error
// (go.uber.org/multierr) of every per-agent rebuild failure; agents whose
// rebuild failed keep their previous thinker.
func (f *Factory) Reload(ctx context.Context) (int, error) {
	updated, _, err := f.reload(ctx)
	return updated, err
}

func (f *Factory) reload(ctx context.Context) (int, map[domain.Role]RoleDefinition, error) {
	defs, err := f.definitions.Load(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("registry: load role definitions: %w", err)
	}
	f.defsMu.Lock()
	f.defs = defs
	f.defsMu.Unlock()

	f.mu.RLock()
	type liveAgent struct {
		agent *runtime.Agent
		model ModelConfig
	}
	live := make(map[string]liveAgent, len(f.live))
	for id, agent := range f.live {
		live[id] = liveAgent{agent: agent, model: f.models[id]}
	}
	f.mu.RUnlock()

	var errs error
	updated := 0
	for id, la := range live {
		def, ok := defs[la.agent.Role]
		if !ok {
			continue
		}
		think, err := f.thinker(def, la.model)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("registry: rebuild thinker for agent %q: %w", id, err))
			continue
		}
		la.agent.SetThinker(think)
		updated++
	}

	f.log.Info("role definitions reloaded", zap.Int("role_count", len(defs)), zap.Int("agents_updated", updated))
	return updated, defs, errs
}

// Get returns the cached live agent for agentID, if any.
func (f *Factory) Get(agentID string) (*runtime.Agent, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	agent, ok := f.live[agentID]
	return agent, ok
}

// Remove evicts agentID from the live cache. This only drops the
// runtime instance; the agent's session (and its transcript) is
// untouched and will be resumed on a future Create with session_id set.
func (f *Factory) Remove(agentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[agentID]; !ok {
		return fmt.Errorf("%w: %q", ErrAgentNotFound, agentID)
	}
	delete(f.live, agentID)
	delete(f.models, agentID)
	f.log.Info("agent removed from cache", zap.String("agent_id", agentID))
	return nil
}

// ResolveAgent implements conversation.RoleResolver: it picks a live
// cached agent of the given role belonging to executionID so the
// Conversation Tracker can escalate to a real participant. Iteration
// order over the cache is unspecified; callers needing a stable pick
// among multiple same-role agents should route by agent_id instead.
func (f *Factory) ResolveAgent(ctx context.Context, executionID string, role domain.Role) (string, error) {
	if executionID != f.executionID {
		return "", fmt.Errorf("registry: factory scoped to execution %q, got %q", f.executionID, executionID)
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	for id, agent := range f.live {
		if agent.Role == role {
			return id, nil
		}
	}
	return "", fmt.Errorf("registry: no live agent for role %q", role)
}
