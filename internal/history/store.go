// Package history implements the History Store (spec §4.C): a durable,
// append-only log of every AgentMessage, queryable in (created_at, id)
// order per execution, agent, or conversation.
package history

import (
	"context"
	"time"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

// Query selects a slice of the history. Exactly one of ExecutionID,
// AgentID, ConversationID should be set; the store does not reject
// combinations but most callers narrow by a single dimension.
type Query struct {
	ExecutionID    string
	AgentID        string
	ConversationID string

	// Since restricts to messages ordered strictly after this cursor, for
	// keyset pagination. Zero value means "from the start".
	Since Cursor

	// Limit caps the number of returned messages; 0 means unbounded.
	Limit int
}

// Cursor identifies a position in the (created_at, id) total order.
type Cursor struct {
	CreatedAt time.Time
	ID        string
}

// IsZero reports whether the cursor marks "from the start".
func (c Cursor) IsZero() bool {
	return c.CreatedAt.IsZero() && c.ID == ""
}

// Store is the History Store contract.
type Store interface {
	// Append durably persists msg. It must complete before the caller
	// publishes msg on the Message Bus (write-ahead ordering, §4.C): any
	// message observable on the bus is retrievable from history.
	Append(ctx context.Context, msg *domain.AgentMessage) error

	// Query returns messages matching q in (created_at, id) order.
	Query(ctx context.Context, q Query) ([]*domain.AgentMessage, error)

	// DeleteBefore removes all messages for executionID older than cutoff,
	// implementing the operator-configured per-execution retention TTL.
	// The store never rewrites a message; retention is by deletion only.
	DeleteBefore(ctx context.Context, executionID string, cutoff time.Time) (int64, error)

	Close() error
}

// CursorOf returns the Cursor a caller should pass as Since to resume
// immediately after msg.
func CursorOf(msg *domain.AgentMessage) Cursor {
	return Cursor{CreatedAt: msg.CreatedAt, ID: msg.ID}
}
