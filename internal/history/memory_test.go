package history

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

func newMsg(id, execID string, at time.Time) *domain.AgentMessage {
	return &domain.AgentMessage{
		ID:             id,
		ExecutionID:    execID,
		SenderID:       "pm-1",
		RecipientID:    "dev-1",
		Type:           domain.MessageStatusUpdate,
		Content:        "progress",
		CreatedAt:      at,
		ConversationID: "conv-1",
	}
}

func TestMemoryStore_AppendAndQueryOrdering(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()

	require.NoError(t, store.Append(context.Background(), newMsg("b", "exec-1", base.Add(time.Second))))
	require.NoError(t, store.Append(context.Background(), newMsg("a", "exec-1", base)))

	got, err := store.Query(context.Background(), Query{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
}

func TestMemoryStore_AppendIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	msg := newMsg("dup-1", "exec-1", time.Now().UTC())

	require.NoError(t, store.Append(context.Background(), msg))
	require.NoError(t, store.Append(context.Background(), msg))

	got, err := store.Query(context.Background(), Query{ExecutionID: "exec-1"})
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestMemoryStore_QuerySince(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()

	m1 := newMsg("a", "exec-1", base)
	m2 := newMsg("b", "exec-1", base.Add(time.Second))
	require.NoError(t, store.Append(context.Background(), m1))
	require.NoError(t, store.Append(context.Background(), m2))

	got, err := store.Query(context.Background(), Query{ExecutionID: "exec-1", Since: CursorOf(m1)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
}

func TestMemoryStore_DeleteBefore(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()

	require.NoError(t, store.Append(context.Background(), newMsg("old", "exec-1", base.Add(-time.Hour))))
	require.NoError(t, store.Append(context.Background(), newMsg("new", "exec-1", base)))

	removed, err := store.DeleteBefore(context.Background(), "exec-1", base.Add(-time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)

	got, err := store.Query(context.Background(), Query{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "new", got[0].ID)
}

func TestMemoryStore_QueryByConversation(t *testing.T) {
	store := NewMemoryStore()
	base := time.Now().UTC()
	require.NoError(t, store.Append(context.Background(), newMsg("a", "exec-1", base)))

	got, err := store.Query(context.Background(), Query{ConversationID: "conv-1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
}
