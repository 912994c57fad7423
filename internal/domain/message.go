package domain

import (
	"errors"
	"time"
)

// MessageType enumerates the AgentMessage kinds named in spec.md §3.
type MessageType string

const (
	MessageTaskAssignment          MessageType = "task_assignment"
	MessageQuestion                MessageType = "question"
	MessageAnswer                  MessageType = "answer"
	MessageStatusUpdate            MessageType = "status_update"
	MessageCodeReviewRequest       MessageType = "code_review_request"
	MessageCodeReviewResponse      MessageType = "code_review_response"
	MessageTaskCompletion          MessageType = "task_completion"
	MessageStandup                MessageType = "standup"
	MessageHumanInterventionReq   MessageType = "human_intervention_required"
	MessageStateChanged            MessageType = "state_changed"
)

// BroadcastScope identifies the recipient set of a non-point-to-point
// message.
type BroadcastScope string

const (
	ScopeSquad     BroadcastScope = "squad"
	ScopeExecution BroadcastScope = "execution"
)

// RolePrefix builds a "role:<role>" broadcast scope.
func RolePrefix(r Role) BroadcastScope {
	return BroadcastScope("role:" + string(r))
}

// Visibility controls whether an end-user subscriber may observe a message
// on the Broadcast Stream (§4.G).
type Visibility string

const (
	VisibilityPublic   Visibility = "public"
	VisibilityInternal Visibility = "internal"
)

// MessageFlags are the boolean annotations carried on every AgentMessage.
type MessageFlags struct {
	Acknowledgment bool `json:"ack"`
	FollowUp       bool `json:"follow_up"`
	Escalation     bool `json:"escalation"`
}

// Metadata is the free-form side-channel carried on every AgentMessage; the
// "visibility" and "blocked" keys are interpreted by the core (§4.G, §4.F).
type Metadata map[string]interface{}

func (m Metadata) Visibility() Visibility {
	if m == nil {
		return VisibilityInternal
	}
	if v, ok := m["visibility"].(string); ok {
		return Visibility(v)
	}
	return VisibilityInternal
}

func (m Metadata) Blocked() bool {
	if m == nil {
		return false
	}
	b, _ := m["blocked"].(bool)
	return b
}

// Approved reports the "approved" metadata flag carried on a
// code_review_response, defaulting to false (changes requested) when absent.
func (m Metadata) Approved() bool {
	if m == nil {
		return false
	}
	b, _ := m["approved"].(bool)
	return b
}

// ErrRecipientAmbiguous is returned when a message specifies both or
// neither of RecipientID / BroadcastScope, violating the §3 xor invariant.
var ErrRecipientAmbiguous = errors.New("exactly one of recipient_id or broadcast_scope must be set")

// AgentMessage is immutable once written. Corrections are new messages
// with ParentMessageID set — there is no edit path.
type AgentMessage struct {
	ID              string         `json:"id" db:"id"`
	ExecutionID     string         `json:"execution_id" db:"execution_id"`
	SenderID        string         `json:"sender_id" db:"sender_id"`
	RecipientID     string         `json:"recipient_id,omitempty" db:"recipient_id"`
	BroadcastScope  BroadcastScope `json:"broadcast_scope,omitempty" db:"broadcast_scope"`
	Type            MessageType    `json:"type" db:"type"`
	Content         string         `json:"content" db:"content"`
	Metadata        Metadata       `json:"metadata,omitempty" db:"metadata"`
	ConversationID  string         `json:"conversation_id,omitempty" db:"conversation_id"`
	ParentMessageID string         `json:"parent_message_id,omitempty" db:"parent_message_id"`
	Flags           MessageFlags   `json:"flags" db:"flags"`
	CreatedAt       time.Time      `json:"created_at" db:"created_at"`
}

// Validate enforces the §3 "recipient_id xor broadcast_scope" invariant.
func (m *AgentMessage) Validate() error {
	hasRecipient := m.RecipientID != ""
	hasScope := m.BroadcastScope != ""
	if hasRecipient == hasScope {
		return ErrRecipientAmbiguous
	}
	return nil
}

// IsBroadcast reports whether the message targets a broadcast scope rather
// than a single recipient.
func (m *AgentMessage) IsBroadcast() bool {
	return m.BroadcastScope != ""
}
