package bus

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "debug",
		Format:     "console",
		OutputPath: "stdout",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func newTestMessage(recipientID string) *domain.AgentMessage {
	return &domain.AgentMessage{
		ID:          uuid.NewString(),
		ExecutionID: "exec-1",
		SenderID:    "sender-1",
		RecipientID: recipientID,
		Type:        domain.MessageStatusUpdate,
		Content:     "hello",
		CreatedAt:   time.Now().UTC(),
	}
}

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	received := make(chan *domain.AgentMessage, 1)
	sub, err := bus.Subscribe("agent.msg.exec-1.backend_developer.dev-1", "", func(ctx context.Context, msg *domain.AgentMessage) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	msg := newTestMessage("dev-1")
	if err := bus.Publish(context.Background(), PointToPoint("exec-1", domain.RoleBackendDeveloper, "dev-1"), msg); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case got := <-received:
		if got.ID != msg.ID {
			t.Errorf("expected message ID %s, got %s", msg.ID, got.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}
}

func TestMemoryBus_DedupByMessageID(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("state.exec-1", "", func(ctx context.Context, msg *domain.AgentMessage) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	msg := newTestMessage("")
	msg.BroadcastScope = domain.ScopeExecution
	subject := StateSubject("exec-1")

	if err := bus.Publish(context.Background(), subject, msg); err != nil {
		t.Fatalf("first publish failed: %v", err)
	}
	// Retried publish of the same message ID (e.g. after a caller-side
	// timeout) must not re-deliver.
	if err := bus.Publish(context.Background(), subject, msg); err != nil {
		t.Fatalf("retried publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected exactly 1 delivery after retry, got %d", count)
	}
}

func TestMemoryBus_WildcardInbox(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	received := make(chan *domain.AgentMessage, 2)
	sub, err := bus.Subscribe(InboxPattern("exec-1", "dev-1"), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		received <- msg
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	ctx := context.Background()
	m1 := newTestMessage("dev-1")
	if err := bus.Publish(ctx, PointToPoint("exec-1", domain.RoleBackendDeveloper, "dev-1"), m1); err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	m2 := newTestMessage("dev-1")
	if err := bus.Publish(ctx, PointToPoint("exec-1", domain.RoleTechLead, "dev-1"), m2); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %d", i)
		}
	}
}

func TestMemoryBus_DurableReplacesPriorRegistration(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	var firstCount, secondCount int32
	first, err := bus.Subscribe("state.exec-2", "worker-1", func(ctx context.Context, msg *domain.AgentMessage) error {
		atomic.AddInt32(&firstCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	second, err := bus.Subscribe("state.exec-2", "worker-1", func(ctx context.Context, msg *domain.AgentMessage) error {
		atomic.AddInt32(&secondCount, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer second.Unsubscribe()

	if first.IsValid() {
		t.Error("expected the prior durable registration to be invalidated")
	}

	msg := newTestMessage("")
	msg.BroadcastScope = domain.ScopeExecution
	if err := bus.Publish(context.Background(), "state.exec-2", msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if atomic.LoadInt32(&firstCount) != 0 {
		t.Error("expected the replaced subscription to receive nothing")
	}
	if atomic.LoadInt32(&secondCount) != 1 {
		t.Errorf("expected the new durable subscription to receive 1 message, got %d", secondCount)
	}
}

func TestMemoryBus_Stats(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	msg := newTestMessage("")
	msg.BroadcastScope = domain.ScopeExecution
	if err := bus.Publish(context.Background(), "state.exec-3", msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	stats, err := bus.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.MessagesStored != 1 {
		t.Errorf("expected 1 stored message, got %d", stats.MessagesStored)
	}
}

func TestMemoryBus_RetentionByCount(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), RetentionPolicy{MaxMessages: 2})
	defer bus.Close()

	for i := 0; i < 5; i++ {
		msg := newTestMessage("")
		msg.BroadcastScope = domain.ScopeExecution
		if err := bus.Publish(context.Background(), "state.exec-4", msg); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	stats, err := bus.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.MessagesStored != 2 {
		t.Errorf("expected retention to cap stored messages at 2, got %d", stats.MessagesStored)
	}
}

func TestMemoryBus_Unsubscribe(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	var count int32
	sub, err := bus.Subscribe("state.exec-5", "", func(ctx context.Context, msg *domain.AgentMessage) error {
		atomic.AddInt32(&count, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	msg := newTestMessage("")
	msg.BroadcastScope = domain.ScopeExecution
	if err := bus.Publish(context.Background(), "state.exec-5", msg); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if sub.IsValid() {
		t.Error("expected subscription to be invalid after unsubscribe")
	}

	msg2 := newTestMessage("")
	msg2.BroadcastScope = domain.ScopeExecution
	if err := bus.Publish(context.Background(), "state.exec-5", msg2); err != nil {
		t.Fatalf("second publish failed: %v", err)
	}

	if atomic.LoadInt32(&count) != 1 {
		t.Errorf("expected 1 delivery before unsubscribe, got %d", count)
	}
}

func TestMemoryBus_Close(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())

	if !bus.IsConnected() {
		t.Error("expected bus to be connected initially")
	}
	bus.Close()
	if bus.IsConnected() {
		t.Error("expected bus to be disconnected after Close")
	}

	msg := newTestMessage("")
	msg.BroadcastScope = domain.ScopeExecution
	if err := bus.Publish(context.Background(), "state.exec-6", msg); err == nil {
		t.Error("expected error publishing to a closed bus")
	}
	if _, err := bus.Subscribe("state.exec-6", "", func(ctx context.Context, msg *domain.AgentMessage) error { return nil }); err == nil {
		t.Error("expected error subscribing to a closed bus")
	}
}

func TestMemoryBus_MessageOrdering(t *testing.T) {
	bus := NewMemoryBus(newTestLogger(t), DefaultRetention())
	defer bus.Close()

	const numMessages = 100
	received := make([]string, 0, numMessages)
	sent := make([]string, 0, numMessages)

	sub, err := bus.Subscribe("state.exec-7", "", func(ctx context.Context, msg *domain.AgentMessage) error {
		received = append(received, msg.Content)
		return nil
	})
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	defer sub.Unsubscribe()

	for i := 0; i < numMessages; i++ {
		msg := newTestMessage("")
		msg.BroadcastScope = domain.ScopeExecution
		msg.Content = uuid.NewString()
		sent = append(sent, msg.Content)
		if err := bus.Publish(context.Background(), "state.exec-7", msg); err != nil {
			t.Fatalf("publish %d failed: %v", i, err)
		}
	}

	if len(received) != numMessages {
		t.Fatalf("expected %d messages delivered, got %d", numMessages, len(received))
	}
	for i := range sent {
		if received[i] != sent[i] {
			t.Fatalf("message %d delivered out of order: got %q, want %q", i, received[i], sent[i])
		}
	}
}
