// Package runtime implements the Agent Runtime (spec §4.D): the per-agent
// cooperative loop that consumes inbox messages, reasons through an
// external capability, acts by sending further messages or invoking
// tools, and persists its conversational memory across restarts.
package runtime

import (
	"context"
	"errors"
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

// The LLM reasoning inside an agent and its tool integrations are external
// collaborators (spec §1 Non-goals); the runtime only depends on the
// narrow contracts below.
var (
	ErrLLMUnavailable  = errors.New("runtime: LLM unavailable")
	ErrToolFailure     = errors.New("runtime: tool call failed")
	ErrSessionCorrupted = errors.New("runtime: session corrupted")
)

// Thinker is the opaque think(prompt, context) -> text capability.
type Thinker interface {
	Think(ctx context.Context, prompt string, turns []Turn) (string, error)
}

// ToolCaller is the narrow tool-call interface external integrations
// (git sandboxes, repository indexers, webhooks) are consumed through.
type ToolCaller interface {
	Call(ctx context.Context, name string, args map[string]any) (any, error)
}

// Turn is one entry in a Session's conversational transcript.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// SessionStore owns Session persistence. Resolve lazily creates a Session
// on an agent's first processed message; Append/Transcript give the
// runtime access to that Session's history without re-reading
// AgentMessage history (spec §4.D: "the runtime itself does not re-read
// AgentMessage history for this purpose").
type SessionStore interface {
	Resolve(ctx context.Context, agentID string) (*domain.Session, error)
	Append(ctx context.Context, sessionID string, turn Turn) error
	Transcript(ctx context.Context, sessionID string) ([]Turn, error)
}

// Agent is one cooperative unit in the capability set named by spec §4.D:
// {think, tools.call, bus.publish, bus.subscribe, session.load/save}.
type Agent struct {
	ID          string
	ExecutionID string
	Role        domain.Role

	think    Thinker
	tools    ToolCaller
	sessions SessionStore
	bus      agentbus.Bus
	history  history.Store
	log      *logger.Logger

	// mu enforces per-agent serial processing (spec §4.D concurrency):
	// one message at a time per agent, FIFO by publish order.
	mu sync.Mutex

	sessionIDMu sync.Mutex
	sessionID   string

	delegation DelegationGuard
}

// New constructs an Agent bound to a single executing role instance.
func New(id, executionID string, role domain.Role, think Thinker, tools ToolCaller, sessions SessionStore, b agentbus.Bus, hist history.Store, log *logger.Logger) *Agent {
	return &Agent{
		ID:          id,
		ExecutionID: executionID,
		Role:        role,
		think:       think,
		tools:       tools,
		sessions:    sessions,
		bus:         b,
		history:     hist,
		log:         log.WithFields(zap.String("agent_id", id), zap.String("role", string(role))),
	}
}

// SetThinker swaps the agent's reasoning capability, taking effect on
// the next ProcessMessage call. Used by registry.Factory.Reload to push
// a hot-reloaded system_prompt onto an already-running agent without
// recreating it.
func (a *Agent) SetThinker(think Thinker) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.think = think
}

// ResumeSession pins the agent to a known session_id, skipping the
// lazy Resolve lookup so the first ProcessMessage call continues that
// prior conversation rather than starting a new one.
func (a *Agent) ResumeSession(sessionID string) {
	a.sessionIDMu.Lock()
	defer a.sessionIDMu.Unlock()
	a.sessionID = sessionID
}

// resolveSession lazily resolves and caches this agent's session_id,
// restoring conversational history from the session store on first use.
func (a *Agent) resolveSession(ctx context.Context) (string, error) {
	a.sessionIDMu.Lock()
	defer a.sessionIDMu.Unlock()
	if a.sessionID != "" {
		return a.sessionID, nil
	}
	sess, err := a.sessions.Resolve(ctx, a.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
	}
	a.sessionID = sess.SessionID
	return a.sessionID, nil
}

// ProcessMessage routes content through the agent's LLM capability,
// appends the exchange to its session, and returns the produced text.
// Callers hold no lock across this call other than the Agent's own
// per-agent serialization.
func (a *Agent) ProcessMessage(ctx context.Context, content string, msgContext map[string]any) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	sessionID, err := a.resolveSession(ctx)
	if err != nil {
		return "", err
	}

	transcript, err := a.sessions.Transcript(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
	}

	if err := a.sessions.Append(ctx, sessionID, Turn{Role: "user", Content: content}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
	}

	response, err := a.think.Think(ctx, content, transcript)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLLMUnavailable, err)
	}

	if err := a.sessions.Append(ctx, sessionID, Turn{Role: "assistant", Content: response}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrSessionCorrupted, err)
	}

	return response, nil
}

// CallTool invokes a named external tool on the agent's behalf, wrapping
// any failure as ErrToolFailure so callers can apply the permanent/
// transient retry policy named in spec §8.
func (a *Agent) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	if a.tools == nil {
		return nil, fmt.Errorf("%w: no tool caller configured", ErrToolFailure)
	}
	result, err := a.tools.Call(ctx, name, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrToolFailure, err)
	}
	return result, nil
}

// DelegationGuard validates a task_assignment before it is published,
// independent of the sending agent's own reasoning (spec §4.F). Nil
// means no enforcement, which is the default for tests and for roles
// that never send task_assignment.
type DelegationGuard interface {
	CheckDelegation(ctx context.Context, senderID string, senderRole domain.Role, recipientID string) error
}

// SetDelegationGuard installs g; subsequent task_assignment sends are
// checked against it before publish.
func (a *Agent) SetDelegationGuard(g DelegationGuard) {
	a.delegation = g
}

// SendMessage publishes a message addressed point-to-point: history is
// written first, then the bus, matching spec §4.D's ordering. A
// task_assignment rejected by the installed DelegationGuard is never
// published; the guard is responsible for notifying the sender.
func (a *Agent) SendMessage(ctx context.Context, recipientID, content string, typ domain.MessageType, metadata domain.Metadata) (string, error) {
	if typ == domain.MessageTaskAssignment && a.delegation != nil {
		if err := a.delegation.CheckDelegation(ctx, a.ID, a.Role, recipientID); err != nil {
			return "", err
		}
	}

	msg := &domain.AgentMessage{
		ID:          uuid.NewString(),
		ExecutionID: a.ExecutionID,
		SenderID:    a.ID,
		RecipientID: recipientID,
		Type:        typ,
		Content:     content,
		Metadata:    metadata,
		CreatedAt:   time.Now().UTC(),
	}
	if err := a.publish(ctx, msg, agentbus.PointToPoint(a.ExecutionID, a.Role, recipientID)); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// BroadcastMessage is the fanout variant of SendMessage.
func (a *Agent) BroadcastMessage(ctx context.Context, scope domain.BroadcastScope, content string, typ domain.MessageType, metadata domain.Metadata) (string, error) {
	msg := &domain.AgentMessage{
		ID:             uuid.NewString(),
		ExecutionID:    a.ExecutionID,
		SenderID:       a.ID,
		BroadcastScope: scope,
		Type:           typ,
		Content:        content,
		Metadata:       metadata,
		CreatedAt:      time.Now().UTC(),
	}
	if err := a.publish(ctx, msg, agentbus.Broadcast(a.ExecutionID, scope)); err != nil {
		return "", err
	}
	return msg.ID, nil
}

func (a *Agent) publish(ctx context.Context, msg *domain.AgentMessage, subject string) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := a.history.Append(ctx, msg); err != nil {
		return fmt.Errorf("runtime: journal message: %w", err)
	}
	if err := a.bus.Publish(ctx, subject, msg); err != nil {
		return fmt.Errorf("runtime: publish message: %w", err)
	}
	return nil
}

// ReceiveLoop subscribes to this agent's inbox and drives ProcessMessage
// for each arriving message, single-threaded per spec §4.D. The returned
// Subscription's Unsubscribe stops the loop.
func (a *Agent) ReceiveLoop(ctx context.Context) (agentbus.Subscription, error) {
	pattern := agentbus.InboxPattern(a.ExecutionID, a.ID)
	return a.bus.Subscribe(pattern, "agent-"+a.ID, func(ctx context.Context, msg *domain.AgentMessage) error {
		if msg.SenderID == a.ID {
			return nil
		}
		_, err := a.ProcessMessage(ctx, msg.Content, map[string]any{
			"message_id":      msg.ID,
			"sender_id":       msg.SenderID,
			"type":            string(msg.Type),
			"conversation_id": msg.ConversationID,
		})
		if err != nil {
			a.log.Error("process_message failed", zap.String("message_id", msg.ID), zap.Error(err))
			return err
		}
		return nil
	})
}
