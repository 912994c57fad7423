package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/config"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
)

func newTestTracker(t *testing.T, cfg config.ConversationConfig) (*Tracker, *MemoryRepository, *agentbus.MemoryBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	repo := NewMemoryRepository()
	b := agentbus.NewMemoryBus(log, agentbus.DefaultRetention())
	tr := New(repo, b, nil, log, cfg)
	return tr, repo, b
}

func TestTracker_InitiateCreatesConversation(t *testing.T) {
	tr, repo, _ := newTestTracker(t, config.ConversationConfig{AckTimeoutSec: 60, AnswerTimeoutSec: 600, MaxEscalation: 2, FollowUpPolicy: "single"})

	question := &domain.AgentMessage{
		ID:          "q-1",
		ExecutionID: "exec-1",
		SenderID:    "pm-1",
		RecipientID: "dev-1",
		Type:        domain.MessageQuestion,
		Content:     "what's the status?",
		CreatedAt:   time.Now().UTC(),
	}

	require.NoError(t, tr.HandleMessage(context.Background(), question))
	require.NotEmpty(t, question.ConversationID)

	conv, err := repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvInitiated, conv.State)
	assert.Equal(t, "pm-1", conv.AskerID)
}

func TestTracker_AckTransitionsToWaiting(t *testing.T) {
	tr, repo, _ := newTestTracker(t, config.ConversationConfig{AckTimeoutSec: 60, AnswerTimeoutSec: 600, MaxEscalation: 2, FollowUpPolicy: "single"})

	question := &domain.AgentMessage{
		ID: "q-1", ExecutionID: "exec-1", SenderID: "pm-1", RecipientID: "dev-1",
		Type: domain.MessageQuestion, Content: "status?", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), question))

	ack := &domain.AgentMessage{
		ID: "m-2", ExecutionID: "exec-1", SenderID: "dev-1", RecipientID: "pm-1",
		Type: domain.MessageStatusUpdate, Content: "on it", ConversationID: question.ConversationID,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), ack))

	conv, err := repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvWaiting, conv.State)
	require.NotNil(t, conv.AckedAt)
}

func TestTracker_AnswerClosesConversation(t *testing.T) {
	tr, repo, _ := newTestTracker(t, config.ConversationConfig{AckTimeoutSec: 60, AnswerTimeoutSec: 600, MaxEscalation: 2, FollowUpPolicy: "single"})

	question := &domain.AgentMessage{
		ID: "q-1", ExecutionID: "exec-1", SenderID: "pm-1", RecipientID: "dev-1",
		Type: domain.MessageQuestion, Content: "status?", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), question))

	answer := &domain.AgentMessage{
		ID: "m-2", ExecutionID: "exec-1", SenderID: "dev-1", RecipientID: "pm-1",
		Type: domain.MessageAnswer, Content: "done", ParentMessageID: question.ID,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), answer))

	conv, err := repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.True(t, conv.State.IsTerminal())
	assert.Equal(t, domain.ConvAnswered, conv.State)
	require.NotNil(t, conv.ClosedAt)
}

func TestTracker_Cancel(t *testing.T) {
	tr, repo, _ := newTestTracker(t, config.ConversationConfig{AckTimeoutSec: 60, AnswerTimeoutSec: 600, MaxEscalation: 2, FollowUpPolicy: "single"})

	question := &domain.AgentMessage{
		ID: "q-1", ExecutionID: "exec-1", SenderID: "pm-1", RecipientID: "dev-1",
		Type: domain.MessageQuestion, Content: "status?", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), question))
	require.NoError(t, tr.Cancel(context.Background(), question.ConversationID, "pm-1"))

	conv, err := repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvCancelled, conv.State)
}

func TestTracker_TimeoutEscalatesToHumanInterventionWithoutResolver(t *testing.T) {
	tr, repo, b := newTestTracker(t, config.ConversationConfig{AckTimeoutSec: 0, AnswerTimeoutSec: 0, MaxEscalation: 2, FollowUpPolicy: "single"})

	notices := make(chan *domain.AgentMessage, 4)
	_, err := b.Subscribe(agentbus.Broadcast("exec-1", domain.RolePrefix(domain.RoleHumanIntervention)), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		notices <- msg
		return nil
	})
	require.NoError(t, err)

	question := &domain.AgentMessage{
		ID: "q-1", ExecutionID: "exec-1", SenderID: "pm-1", RecipientID: "dev-1",
		Type: domain.MessageQuestion, Content: "status?", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), question))

	select {
	case msg := <-notices:
		assert.Equal(t, domain.MessageHumanInterventionReq, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a human_intervention_required message")
	}

	conv, err := repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvEscalated, conv.State)
}

// fakeResolver always resolves a role to a fixed agent ID, simulating a
// live registry.Factory for a two-agent squad (tech_lead, project_manager).
type fakeResolver struct {
	agents map[domain.Role]string
}

func (r *fakeResolver) ResolveAgent(ctx context.Context, executionID string, role domain.Role) (string, error) {
	id, ok := r.agents[role]
	if !ok {
		return "", nil
	}
	return id, nil
}

// TestTracker_EscalatedTimeoutAdvancesToNextRoleThenHumanIntervention drives
// the full multi-round escalation chain through a real resolver: the
// redelivered question to the tech lead goes unanswered, the tracker
// escalates again to the project manager, and once that also times out
// with the chain exhausted, human intervention is raised. MaxEscalation is
// 3 so that the project manager is still reached: with the default of 2,
// human intervention is raised as soon as the tech lead is silent.
func TestTracker_EscalatedTimeoutAdvancesToNextRoleThenHumanIntervention(t *testing.T) {
	resolver := &fakeResolver{agents: map[domain.Role]string{
		domain.RoleTechLead:       "tl-1",
		domain.RoleProjectManager: "pm-1",
	}}

	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)
	repo := NewMemoryRepository()
	b := agentbus.NewMemoryBus(log, agentbus.DefaultRetention())
	tr := New(repo, b, resolver, log, config.ConversationConfig{AckTimeoutSec: 0, AnswerTimeoutSec: 0, MaxEscalation: 3, FollowUpPolicy: "single"})

	redeliveries := make(chan *domain.AgentMessage, 4)
	_, err = b.Subscribe("agent.msg.exec-1.>", "", func(ctx context.Context, msg *domain.AgentMessage) error {
		if msg.Flags.Escalation && msg.Type == domain.MessageQuestion {
			redeliveries <- msg
		}
		return nil
	})
	require.NoError(t, err)

	notices := make(chan *domain.AgentMessage, 4)
	_, err = b.Subscribe(agentbus.Broadcast("exec-1", domain.RolePrefix(domain.RoleHumanIntervention)), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		notices <- msg
		return nil
	})
	require.NoError(t, err)

	question := &domain.AgentMessage{
		ID: "q-1", ExecutionID: "exec-1", SenderID: "pm-1", RecipientID: "dev-1",
		Type: domain.MessageQuestion, Content: "status?", CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, tr.HandleMessage(context.Background(), question))

	// First escalation round: redelivered to the tech lead.
	select {
	case msg := <-redeliveries:
		assert.Equal(t, "tl-1", msg.RecipientID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected escalation redelivery to the tech lead")
	}

	conv, err := repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvEscalated, conv.State)
	assert.Equal(t, 1, conv.EscalationLevel)

	// The tech lead is also silent: the escalated deadline fires again and
	// must advance to the project manager, not stall.
	select {
	case msg := <-redeliveries:
		assert.Equal(t, "pm-1", msg.RecipientID)
	case <-time.After(2 * time.Second):
		t.Fatal("expected escalation redelivery to the project manager")
	}

	conv, err = repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvEscalated, conv.State)
	assert.Equal(t, 2, conv.EscalationLevel)

	// The project manager is also silent and the chain is exhausted:
	// human intervention must be raised, not another silent stall.
	select {
	case msg := <-notices:
		assert.Equal(t, domain.MessageHumanInterventionReq, msg.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected a human_intervention_required message once escalation is exhausted")
	}

	conv, err = repo.Get(context.Background(), question.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, domain.ConvEscalated, conv.State)
	assert.Equal(t, string(domain.RoleHumanIntervention), conv.CurrentResponderID)
}
