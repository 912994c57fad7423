// Package bus implements the Message Bus (spec §4.A): persistent pub/sub
// of AgentMessages with at-least-once delivery, subject-based fanout, and
// dedup-by-message-id on the consumer side.
package bus

import (
	"context"
	"errors"
	"time"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

// ErrBusUnavailable is returned by Publish when persistence cannot be
// confirmed within the ack timeout. Callers must retry with the same
// message ID; the bus deduplicates.
var ErrBusUnavailable = errors.New("bus: publish could not be durably confirmed")

// Handler processes one delivered message. Returning an error marks the
// delivery failed: NATSBus naks the message so JetStream redelivers it;
// MemoryBus only logs the error and does not redeliver.
type Handler func(ctx context.Context, msg *domain.AgentMessage) error

// Subscription is a live subscription to a subject pattern.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Stats reports the observability counters named in spec §4.A.
type Stats struct {
	MessagesStored int64
	BytesStored    int64
	Subscribers    int
	StreamCount    int
}

// Bus is the Message Bus contract. Subject patterns support the NATS-style
// wildcards `*` (single token) and `>` (trailing, multi-token).
type Bus interface {
	// Publish durably stores msg and delivers it to matching subscribers.
	// Publishing the same msg.ID twice is a no-op from the caller's point
	// of view (idempotent by dedup).
	Publish(ctx context.Context, subject string, msg *domain.AgentMessage) error

	// Subscribe creates a durable subscription to subject. durableName
	// identifies the consumer across reconnects/restarts; redelivery after
	// the ack-wait deadline uses this identity.
	Subscribe(subject, durableName string, handler Handler) (Subscription, error)

	// Stats reports bus-wide observability counters.
	Stats() (Stats, error)

	// Close releases the bus's resources.
	Close() error

	// IsConnected reports whether the underlying transport is reachable.
	IsConnected() bool
}

// Subject-building helpers, matching the wire-level scheme in spec §6.

// PointToPoint builds "agent.msg.<exec_id>.<recipient_role>.<recipient_id>".
func PointToPoint(executionID string, role domain.Role, recipientID string) string {
	return "agent.msg." + executionID + "." + string(role) + "." + recipientID
}

// Broadcast builds "agent.msg.<exec_id>.broadcast.<scope>".
func Broadcast(executionID string, scope domain.BroadcastScope) string {
	return "agent.msg." + executionID + ".broadcast." + string(scope)
}

// InboxPattern builds the wildcard subject a recipient subscribes on to
// receive all point-to-point messages regardless of dispatch role:
// "agent.msg.<exec_id>.*.<my_id>".
func InboxPattern(executionID, recipientID string) string {
	return "agent.msg." + executionID + ".*." + recipientID
}

// ConversationSubject builds "conv.<exec_id>.<conversation_id>".
func ConversationSubject(executionID, conversationID string) string {
	return "conv." + executionID + "." + conversationID
}

// StateSubject builds "state.<exec_id>".
func StateSubject(executionID string) string {
	return "state." + executionID
}

// RetentionPolicy configures the bus's persistence window for a stream.
type RetentionPolicy struct {
	MaxMessages int64
	MaxAge      time.Duration
}

// DefaultRetention matches spec §4.A's stated defaults: 1M messages, 7 days.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{MaxMessages: 1_000_000, MaxAge: 7 * 24 * time.Hour}
}
