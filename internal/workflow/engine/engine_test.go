package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
	"github.com/kandev-labs/agentsquad/internal/history"
)

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, history.Store, *agentbus.MemoryBus) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	require.NoError(t, err)

	store := NewMemoryStore()
	hist := history.NewMemoryStore()
	b := agentbus.NewMemoryBus(log, agentbus.DefaultRetention())
	return New(store, hist, b, log), store, hist, b
}

func seedExecution(store *MemoryStore, id string, state domain.WorkflowState, progress int) {
	store.Put(&domain.TaskExecution{
		ID:            id,
		TaskID:        "task-1",
		SquadID:       "squad-1",
		WorkflowState: state,
		ProgressPct:   progress,
		StartedAt:     time.Now().UTC(),
	})
}

func TestEngine_HappyPathSingleDeveloper(t *testing.T) {
	eng, store, hist, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StatePending, 0)

	path := []domain.WorkflowState{
		domain.StateAnalyzing, domain.StatePlanning, domain.StateDelegated,
		domain.StateInProgress, domain.StateReviewing, domain.StateTesting, domain.StateCompleted,
	}
	for _, to := range path {
		_, err := eng.Transition(context.Background(), "e1", to, "pm-1", "", "")
		require.NoError(t, err)
	}

	exec, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, exec.WorkflowState)
	assert.Equal(t, 100, exec.ProgressPct)
	require.NotNil(t, exec.CompletedAt)

	events, err := hist.Query(context.Background(), history.Query{ExecutionID: "e1"})
	require.NoError(t, err)
	assert.Len(t, events, len(path))
	assert.Equal(t, domain.MessageStateChanged, events[0].Type)
}

func TestEngine_IllegalTransitionRejected(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StatePending, 0)

	_, err := eng.Transition(context.Background(), "e1", domain.StateCompleted, "pm-1", "", "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestEngine_RepeatedTransitionIsIllegal(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StatePending, 0)

	_, err := eng.Transition(context.Background(), "e1", domain.StateAnalyzing, "pm-1", "", "")
	require.NoError(t, err)

	_, err = eng.Transition(context.Background(), "e1", domain.StateAnalyzing, "pm-1", "", "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestEngine_BlockerRaisedAndResolved(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StateInProgress, 62)

	progress, err := eng.Transition(context.Background(), "e1", domain.StateBlocked, "dev-1", "missing DB credentials", "")
	require.NoError(t, err)
	assert.Equal(t, 62, progress)

	exec, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateBlocked, exec.WorkflowState)
	assert.Equal(t, domain.StateInProgress, exec.PreBlockState)

	progress, err = eng.Resume(context.Background(), "e1", "pm-1", "creds provided", "")
	require.NoError(t, err)
	assert.Equal(t, 62, progress)

	exec, err = store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateInProgress, exec.WorkflowState)
}

func TestEngine_ResumeRejectedWhenNotBlocked(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StateInProgress, 62)

	_, err := eng.Resume(context.Background(), "e1", "pm-1", "n/a", "")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestEngine_FailureFreezesProgress(t *testing.T) {
	eng, store, _, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StateReviewing, 75)

	_, err := eng.Transition(context.Background(), "e1", domain.StateFailed, "dev-1", "tests broke", "")
	require.NoError(t, err)

	exec, err := store.Get(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, exec.WorkflowState)
	assert.Equal(t, 75, exec.ProgressPct)
	assert.Equal(t, "tests broke", exec.Error)
	require.NotNil(t, exec.CompletedAt)
}

func TestEngine_TransitionIsIdempotentByOperationID(t *testing.T) {
	eng, store, hist, _ := newTestEngine(t)
	seedExecution(store, "e1", domain.StatePending, 0)

	p1, err := eng.Transition(context.Background(), "e1", domain.StateAnalyzing, "pm-1", "", "op-1")
	require.NoError(t, err)

	p2, err := eng.Transition(context.Background(), "e1", domain.StateAnalyzing, "pm-1", "", "op-1")
	require.NoError(t, err)
	assert.Equal(t, p1, p2)

	events, err := hist.Query(context.Background(), history.Query{ExecutionID: "e1"})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestEngine_PublishesStateChangedToBroadcastStream(t *testing.T) {
	eng, store, _, b := newTestEngine(t)
	seedExecution(store, "e1", domain.StatePending, 0)

	received := make(chan *domain.AgentMessage, 1)
	_, err := b.Subscribe(agentbus.StateSubject("e1"), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	_, err = eng.Transition(context.Background(), "e1", domain.StateAnalyzing, "pm-1", "", "")
	require.NoError(t, err)

	select {
	case msg := <-received:
		assert.Equal(t, domain.MessageStateChanged, msg.Type)
		assert.Equal(t, "PENDING", msg.Metadata["from"])
		assert.Equal(t, "ANALYZING", msg.Metadata["to"])
	case <-time.After(time.Second):
		t.Fatal("expected a state_changed broadcast")
	}
}
