package streaming

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	agentbus "github.com/kandev-labs/agentsquad/internal/bus"
	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
)

// ScopeKeyForExecution is the Hub scope key every message and state
// change belonging to executionID is broadcast under.
func ScopeKeyForExecution(executionID string) string {
	return "execution:" + executionID
}

// BridgeExecution subscribes to the execution's agent message subjects
// (agent.msg.<exec>.>, which covers point-to-point and broadcast) and
// republishes each visible AgentMessage to the Hub under
// ScopeKeyForExecution(executionID). roles resolves sender agent_ids to
// their SquadMember role for the visibility filter; nil rejects every
// message other than state_changed and standup. The returned Subscription should be
// unsubscribed when the execution's stream is torn down.
func BridgeExecution(b agentbus.Bus, hub *Hub, executionID string, roles RoleLookup, log *logger.Logger) (agentbus.Subscription, error) {
	scopeKey := ScopeKeyForExecution(executionID)
	return b.Subscribe("agent.msg."+executionID+".>", "", func(ctx context.Context, msg *domain.AgentMessage) error {
		forward(hub, scopeKey, msg, roles, log)
		return nil
	})
}

// BridgeState subscribes to executionID's state_changed subject and
// republishes each event to the Hub under the same execution scope key
// so observers see workflow transitions interleaved with agent traffic.
func BridgeState(b agentbus.Bus, hub *Hub, executionID string, roles RoleLookup, log *logger.Logger) (agentbus.Subscription, error) {
	scopeKey := ScopeKeyForExecution(executionID)
	return b.Subscribe(agentbus.StateSubject(executionID), "", func(ctx context.Context, msg *domain.AgentMessage) error {
		forward(hub, scopeKey, msg, roles, log)
		return nil
	})
}

func forward(hub *Hub, scopeKey string, msg *domain.AgentMessage, roles RoleLookup, log *logger.Logger) {
	if !VisibleToObservers(msg, roles) {
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("streaming: marshal message for broadcast", zap.Error(err))
		return
	}
	hub.Broadcast(scopeKey, Event{ID: msg.ID, Event: EventMessage, Data: data})
}
