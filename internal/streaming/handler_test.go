package streaming

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
)

func TestHandler_ServeExecutionReplaysSinceID(t *testing.T) {
	hist := history.NewMemoryStore()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, hist.Append(context.Background(), &domain.AgentMessage{
			ID:          id,
			ExecutionID: "e1",
			SenderID:    "pm-1",
			RecipientID: "dev-1",
			Type:        domain.MessageStatusUpdate,
			Content:     "hi",
			Metadata:    domain.Metadata{"visibility": "public"},
			CreatedAt:   base.Add(time.Duration(i) * time.Second),
		}))
	}

	hub := NewHub(testLogger(t), 4)
	roles := pmRoleLookup(map[string]domain.Role{"pm-1": domain.RoleProjectManager})
	handler := NewHandler(hub, hist, 50*time.Millisecond, roles, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest(http.MethodGet, "/stream?since_id=m1", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	handler.ServeExecution(rec, req, "e1", "m1")

	body := rec.Body.String()
	require.Contains(t, body, "id: m2")
	require.Contains(t, body, "id: m3")
	require.NotContains(t, body, "id: m1\n")
	require.True(t, strings.Contains(body, "event: heartbeat") || body != "")
}
