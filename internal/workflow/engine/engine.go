package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
)

// Store persists TaskExecution rows and the idempotency ledger for
// transition operations.
type Store interface {
	Get(ctx context.Context, executionID string) (*domain.TaskExecution, error)
	Save(ctx context.Context, exec *domain.TaskExecution) error

	// IsOperationApplied/MarkOperationApplied implement the operation-ID
	// dedup idiom: a transition carrying an operationID already marked
	// applied is a no-op retry, not a fresh attempt.
	IsOperationApplied(ctx context.Context, operationID string) (bool, error)
	MarkOperationApplied(ctx context.Context, operationID string) error
}

// Engine is the Workflow Engine (§4.E): the fixed TaskExecution state
// machine and its single atomic transition operation.
type Engine struct {
	store   Store
	history history.Store
	bus     agentbus.Bus
	log     *logger.Logger

	// mu serializes Transition end to end so validate/record/persist/
	// publish is atomic with respect to concurrent callers in this
	// process. A multi-process deployment additionally needs a
	// per-execution row lock in Store.
	mu sync.Mutex
}

// New wires a workflow Engine against its persistence, history, and
// broadcast dependencies.
func New(store Store, hist history.Store, b agentbus.Bus, log *logger.Logger) *Engine {
	return &Engine{store: store, history: hist, bus: b, log: log}
}

// Get returns the current TaskExecution row for executionID, e.g. for a
// periodic standup digest summarizing workflow_state/progress_pct.
func (e *Engine) Get(ctx context.Context, executionID string) (*domain.TaskExecution, error) {
	return e.store.Get(ctx, executionID)
}

// Transition executes transition(execution_id, to_state, actor_id, reason?)
// exactly as specified: validate, write a history event, update the
// execution row, publish state_changed. A non-empty operationID makes a
// repeated call with the same ID a no-op that returns the progress
// already recorded by the first application.
func (e *Engine) Transition(ctx context.Context, executionID string, to domain.WorkflowState, actorID, reason, operationID string) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if operationID != "" {
		applied, err := e.store.IsOperationApplied(ctx, operationID)
		if err != nil {
			return 0, fmt.Errorf("engine: check operation applied: %w", err)
		}
		if applied {
			exec, err := e.store.Get(ctx, executionID)
			if err != nil {
				return 0, fmt.Errorf("engine: reload after idempotent replay: %w", err)
			}
			return exec.ProgressPct, nil
		}
	}

	exec, err := e.store.Get(ctx, executionID)
	if err != nil {
		return 0, fmt.Errorf("engine: load execution: %w", err)
	}

	from := exec.WorkflowState
	if !IsValidTransition(from, to, exec.PreBlockState) {
		return 0, ErrIllegalTransition
	}

	progress := exec.ProgressPct
	if pct, ok := ProgressFor(to); ok {
		progress = pct
	}

	preBlock := exec.PreBlockState
	switch {
	case to == domain.StateBlocked:
		preBlock = from
	case from == domain.StateBlocked:
		preBlock = ""
	}

	now := time.Now().UTC()
	event := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    executionID,
		SenderID:       actorID,
		BroadcastScope: domain.ScopeExecution,
		Type:           domain.MessageStateChanged,
		Content:        reason,
		Metadata: domain.Metadata{
			"from":         string(from),
			"to":           string(to),
			"progress_pct": progress,
		},
		CreatedAt: now,
	}
	if err := e.history.Append(ctx, event); err != nil {
		return 0, fmt.Errorf("engine: record history event: %w", err)
	}

	exec.WorkflowState = to
	exec.ProgressPct = progress
	exec.PreBlockState = preBlock
	if to.IsTerminal() {
		exec.CompletedAt = &now
	}
	if to == domain.StateFailed && reason != "" {
		exec.Error = reason
	}

	if err := e.store.Save(ctx, exec); err != nil {
		return 0, fmt.Errorf("engine: persist execution: %w", err)
	}

	if err := e.bus.Publish(ctx, agentbus.StateSubject(executionID), event); err != nil {
		// The row and its history event are already durable; Broadcast
		// Stream delivery is best-effort (§4.G), so a publish failure does
		// not roll back the transition. Subscribers reconcile via query().
		e.log.Warn("engine: publish state_changed failed", zap.String("execution_id", executionID), zap.Error(err))
	}

	if operationID != "" {
		if err := e.store.MarkOperationApplied(ctx, operationID); err != nil {
			return progress, fmt.Errorf("engine: mark operation applied: %w", err)
		}
	}

	return progress, nil
}

// Resume restores an execution from BLOCKED back to the state it was in
// immediately before blocking, matching the blocker-recovery example.
func (e *Engine) Resume(ctx context.Context, executionID, actorID, reason, operationID string) (int, error) {
	e.mu.Lock()
	exec, err := e.store.Get(ctx, executionID)
	e.mu.Unlock()
	if err != nil {
		return 0, fmt.Errorf("engine: load execution: %w", err)
	}
	if exec.WorkflowState != domain.StateBlocked {
		return 0, ErrIllegalTransition
	}
	return e.Transition(ctx, executionID, exec.PreBlockState, actorID, reason, operationID)
}
