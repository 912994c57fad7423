package runtime

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
)

type echoThinker struct {
	lastPrompt string
	lastTurns  []Turn
	fail       error
}

func (e *echoThinker) Think(ctx context.Context, prompt string, turns []Turn) (string, error) {
	if e.fail != nil {
		return "", e.fail
	}
	e.lastPrompt = prompt
	e.lastTurns = turns
	return "echo: " + prompt, nil
}

func newTestAgent(t *testing.T, id, executionID string, think Thinker) (*Agent, agentbus.Bus, history.Store) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	b := agentbus.NewMemoryBus(log, agentbus.DefaultRetention())
	hist := history.NewMemoryStore()
	sessions := NewMemorySessionStore()
	return New(id, executionID, domain.RoleBackendDeveloper, think, nil, sessions, b, hist, log), b, hist
}

func TestAgent_ProcessMessageAppendsSessionTranscript(t *testing.T) {
	thinker := &echoThinker{}
	agent, _, _ := newTestAgent(t, "dev-1", "exec-1", thinker)

	resp, err := agent.ProcessMessage(context.Background(), "status?", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: status?", resp)

	resp2, err := agent.ProcessMessage(context.Background(), "more?", nil)
	require.NoError(t, err)
	assert.Equal(t, "echo: more?", resp2)
	require.Len(t, thinker.lastTurns, 2, "second call should see the first exchange in transcript")
}

func TestAgent_ProcessMessageWrapsLLMFailure(t *testing.T) {
	thinker := &echoThinker{fail: errors.New("timeout")}
	agent, _, _ := newTestAgent(t, "dev-1", "exec-1", thinker)

	_, err := agent.ProcessMessage(context.Background(), "status?", nil)
	assert.ErrorIs(t, err, ErrLLMUnavailable)
}

func TestAgent_SendMessageJournalsThenPublishes(t *testing.T) {
	agent, b, hist := newTestAgent(t, "dev-1", "exec-1", &echoThinker{})

	received := make(chan *domain.AgentMessage, 1)
	_, err := b.Subscribe(agentbus.InboxPattern("exec-1", "pm-1"), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	msgID, err := agent.SendMessage(context.Background(), "pm-1", "done", domain.MessageStatusUpdate, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, msgID)

	select {
	case msg := <-received:
		assert.Equal(t, msgID, msg.ID)
	default:
		t.Fatal("expected message to be delivered synchronously")
	}

	stored, err := hist.Query(context.Background(), history.Query{ExecutionID: "exec-1"})
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, msgID, stored[0].ID)
}

func TestAgent_BroadcastMessage(t *testing.T) {
	agent, b, _ := newTestAgent(t, "pm-1", "exec-1", &echoThinker{})

	received := make(chan *domain.AgentMessage, 1)
	_, err := b.Subscribe(agentbus.Broadcast("exec-1", domain.ScopeExecution), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = agent.BroadcastMessage(context.Background(), domain.ScopeExecution, "standup", domain.MessageStandup, nil)
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, domain.MessageStandup, msg.Type)
	default:
		t.Fatal("expected broadcast to be delivered")
	}
}

func TestAgent_ReceiveLoopProcessesInboxMessages(t *testing.T) {
	agent, b, _ := newTestAgent(t, "dev-1", "exec-1", &echoThinker{})

	sub, err := agent.ReceiveLoop(context.Background())
	require.NoError(t, err)
	defer sub.Unsubscribe()

	msg := &domain.AgentMessage{
		ID:          "m-1",
		ExecutionID: "exec-1",
		SenderID:    "pm-1",
		RecipientID: "dev-1",
		Type:        domain.MessageTaskAssignment,
		Content:     "build the thing",
	}
	require.NoError(t, b.Publish(context.Background(), agentbus.PointToPoint("exec-1", domain.RoleBackendDeveloper, "dev-1"), msg))

	transcript, err := agent.sessions.Transcript(context.Background(), agent.sessionID)
	require.NoError(t, err)
	require.NotEmpty(t, transcript)
	assert.Equal(t, "build the thing", transcript[0].Content)
}
