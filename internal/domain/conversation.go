package domain

import "time"

// ConversationState is a Conversation's position in the lifecycle FSM
// described in spec.md §4.B:
//
//	initiated -> waiting -> (timeout -> follow_up)* -> (escalating -> escalated)* -> answered | cancelled
type ConversationState string

const (
	ConvInitiated  ConversationState = "initiated"
	ConvWaiting    ConversationState = "waiting"
	ConvTimeout    ConversationState = "timeout"
	ConvFollowUp   ConversationState = "follow_up"
	ConvEscalating ConversationState = "escalating"
	ConvEscalated  ConversationState = "escalated"
	ConvAnswered   ConversationState = "answered"
	ConvCancelled  ConversationState = "cancelled"
)

// IsTerminal reports whether s has no outgoing transitions. Terminal states
// are answered and cancelled (§3 invariant).
func (s ConversationState) IsTerminal() bool {
	return s == ConvAnswered || s == ConvCancelled
}

// Conversation tracks the lifecycle of a single question/answer exchange.
type Conversation struct {
	ID                string            `json:"id" db:"id"`
	ExecutionID       string            `json:"execution_id" db:"execution_id"`
	InitialMessageID  string            `json:"initial_message_id" db:"initial_message_id"`
	State             ConversationState `json:"state" db:"state"`
	AskerID           string            `json:"asker_id" db:"asker_id"`
	CurrentResponderID string           `json:"current_responder_id" db:"current_responder_id"`
	EscalationLevel   int               `json:"escalation_level" db:"escalation_level"`
	DeadlineAt        time.Time         `json:"deadline_at" db:"deadline_at"`
	AckedAt           *time.Time        `json:"acked_at,omitempty" db:"acked_at"`
	CreatedAt         time.Time         `json:"created_at" db:"created_at"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty" db:"closed_at"`

	// Version is an optimistic-concurrency counter: every transition
	// increments it, and a transition is rejected if the caller's observed
	// version is stale (§5 "guarded by an optimistic version check").
	Version int `json:"version" db:"version"`
}

// ClosedAtConsistent reports whether ClosedAt is set iff State is terminal.
func (c *Conversation) ClosedAtConsistent() bool {
	if c.State.IsTerminal() {
		return c.ClosedAt != nil
	}
	return c.ClosedAt == nil
}

// ConversationEvent is an append-only audit record of a single state
// transition, written durably before the Conversation row is updated.
type ConversationEvent struct {
	ID                 string            `json:"id" db:"id"`
	ConversationID      string            `json:"conversation_id" db:"conversation_id"`
	EventType           string            `json:"event_type" db:"event_type"`
	FromState           ConversationState `json:"from_state" db:"from_state"`
	ToState             ConversationState `json:"to_state" db:"to_state"`
	MessageID           string            `json:"message_id,omitempty" db:"message_id"`
	TriggeredByAgentID  string            `json:"triggered_by_agent_id,omitempty" db:"triggered_by_agent_id"`
	CreatedAt           time.Time         `json:"created_at" db:"created_at"`
}

// Session is opaque per-agent conversational memory owned by the Agent
// Runtime. It is never deleted by the core.
type Session struct {
	SessionID  string `json:"session_id" db:"session_id"`
	AgentID    string `json:"agent_id" db:"agent_id"`
	HistoryRef string `json:"history_ref" db:"history_ref"`
}
