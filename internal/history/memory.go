package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

// MemoryStore is an in-process Store backed by a slice, used in tests and
// single-node deployments that run without a SQLite/Postgres backend.
type MemoryStore struct {
	mu       sync.RWMutex
	messages []*domain.AgentMessage
	seen     map[string]bool
}

// NewMemoryStore creates an empty in-memory history store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]bool)}
}

func (s *MemoryStore) Append(ctx context.Context, msg *domain.AgentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.seen[msg.ID] {
		return nil
	}
	s.seen[msg.ID] = true

	cp := *msg
	s.messages = append(s.messages, &cp)
	sort.SliceStable(s.messages, func(i, j int) bool {
		if s.messages[i].CreatedAt.Equal(s.messages[j].CreatedAt) {
			return s.messages[i].ID < s.messages[j].ID
		}
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
	return nil
}

func (s *MemoryStore) Query(ctx context.Context, q Query) ([]*domain.AgentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*domain.AgentMessage
	for _, msg := range s.messages {
		if q.ExecutionID != "" && msg.ExecutionID != q.ExecutionID {
			continue
		}
		if q.ConversationID != "" && msg.ConversationID != q.ConversationID {
			continue
		}
		if q.AgentID != "" && msg.RecipientID != q.AgentID && msg.SenderID != q.AgentID {
			continue
		}
		if !q.Since.IsZero() {
			cur := Cursor{CreatedAt: msg.CreatedAt, ID: msg.ID}
			if !after(cur, q.Since) {
				continue
			}
		}
		cp := *msg
		out = append(out, &cp)
		if q.Limit > 0 && len(out) >= q.Limit {
			break
		}
	}
	return out, nil
}

func (s *MemoryStore) DeleteBefore(ctx context.Context, executionID string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var kept []*domain.AgentMessage
	var removed int64
	for _, msg := range s.messages {
		if msg.ExecutionID == executionID && msg.CreatedAt.Before(cutoff) {
			removed++
			continue
		}
		kept = append(kept, msg)
	}
	s.messages = kept
	return removed, nil
}

func (s *MemoryStore) Close() error { return nil }

// after reports whether cur sorts strictly after since in (created_at, id) order.
func after(cur, since Cursor) bool {
	if cur.CreatedAt.After(since.CreatedAt) {
		return true
	}
	if cur.CreatedAt.Equal(since.CreatedAt) {
		return cur.ID > since.ID
	}
	return false
}
