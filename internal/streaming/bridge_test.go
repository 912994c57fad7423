package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kandev-labs/agentsquad/internal/domain"
)

func TestForward_SkipsInternalMessages(t *testing.T) {
	hub := NewHub(testLogger(t), 4)
	sub := hub.Subscribe("execution:e1")
	defer hub.Unsubscribe(sub)

	roles := pmRoleLookup(map[string]domain.Role{"pm-1": domain.RoleProjectManager})
	forward(hub, "execution:e1", &domain.AgentMessage{
		ID:       "internal-1",
		SenderID: "pm-1",
		Metadata: domain.Metadata{"visibility": "internal"},
	}, roles, testLogger(t))

	select {
	case <-sub.Events():
		t.Fatal("internal message should not have been forwarded")
	default:
	}
}

func TestForward_DeliversPublicMessages(t *testing.T) {
	hub := NewHub(testLogger(t), 4)
	sub := hub.Subscribe("execution:e1")
	defer hub.Unsubscribe(sub)

	roles := pmRoleLookup(map[string]domain.Role{"pm-1": domain.RoleProjectManager})
	forward(hub, "execution:e1", &domain.AgentMessage{
		ID:       "public-1",
		SenderID: "pm-1",
		Metadata: domain.Metadata{"visibility": "public"},
	}, roles, testLogger(t))

	ev := <-sub.Events()
	assert.Equal(t, "public-1", ev.ID)
}

func TestForward_SkipsNonPMTechLeadSenders(t *testing.T) {
	hub := NewHub(testLogger(t), 4)
	sub := hub.Subscribe("execution:e1")
	defer hub.Unsubscribe(sub)

	roles := pmRoleLookup(map[string]domain.Role{"be-1": domain.RoleBackendDeveloper})
	forward(hub, "execution:e1", &domain.AgentMessage{
		ID:       "dev-1",
		SenderID: "be-1",
		Metadata: domain.Metadata{"visibility": "public"},
	}, roles, testLogger(t))

	select {
	case <-sub.Events():
		t.Fatal("message from a non-PM/tech_lead sender should not have been forwarded")
	default:
	}
}
