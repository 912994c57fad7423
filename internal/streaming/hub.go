// Package streaming implements the Broadcast Stream (spec §4.G): an
// observer-facing fanout of AgentMessages and workflow state changes,
// exposed externally as a Server-Sent-Events endpoint with since_id
// resume, grounded on this codebase's WebSocket hub pattern.
package streaming

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/domain"
)

// DefaultBufferSize is the per-subscriber bounded outbound buffer size
// (spec §4.G).
const DefaultBufferSize = 256

// Event is one frame delivered to an external observer: "id", "event"
// and "data" map directly onto the SSE wire fields named in spec §6.
type Event struct {
	ID    string
	Event string // "message", "heartbeat", or "lagged"
	Data  []byte
}

const (
	EventMessage  = "message"
	EventHeartbeat = "heartbeat"
	EventLagged   = "lagged"
)

// Subscriber is one observer connection registered against a scope key.
type Subscriber struct {
	id       string
	scopeKey string
	send     chan Event

	mu     sync.Mutex
	closed bool
}

// Send enqueues ev for delivery, non-blocking: it returns false when the
// channel is full. Broadcast uses it to send a single "lagged" frame in
// place of an event that does not fit the subscriber's buffer.
func (s *Subscriber) Send(ev Event) bool {
	select {
	case s.send <- ev:
		return true
	default:
		return false
	}
}

// Events returns the channel a caller should range over to drain frames.
func (s *Subscriber) Events() <-chan Event {
	return s.send
}

// Hub fans AgentMessages and state_changed events out to registered
// Subscribers, keyed by an opaque scope key (e.g. "execution:<id>" or
// "squad:<id>"). One scope key may have many subscribers (multiple
// observers of the same execution).
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Subscriber]bool
	bufferSize  int
	log         *logger.Logger
}

// NewHub constructs an empty Hub. bufferSize<=0 uses DefaultBufferSize.
func NewHub(log *logger.Logger, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Hub{
		subscribers: make(map[string]map[*Subscriber]bool),
		bufferSize:  bufferSize,
		log:         log.WithFields(zap.String("component", "broadcast_stream")),
	}
}

// Subscribe registers a new observer under scopeKey and returns its
// Subscriber handle. Callers must call Unsubscribe when done.
func (h *Hub) Subscribe(scopeKey string) *Subscriber {
	sub := &Subscriber{
		id:       scopeKey + "-" + uuid.NewString(),
		scopeKey: scopeKey,
		// One slot beyond bufferSize is kept free for the lagged frame.
		send: make(chan Event, h.bufferSize+1),
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subscribers[scopeKey] == nil {
		h.subscribers[scopeKey] = make(map[*Subscriber]bool)
	}
	h.subscribers[scopeKey][sub] = true
	h.log.Debug("subscriber registered", zap.String("scope_key", scopeKey))
	return sub
}

// Unsubscribe removes sub from the hub and releases its buffer.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	sub.closed = true
	close(sub.send)
	sub.mu.Unlock()

	if set, ok := h.subscribers[sub.scopeKey]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subscribers, sub.scopeKey)
		}
	}
}

// Broadcast fans ev out to every subscriber of scopeKey. Subscribers
// whose buffer already holds bufferSize events receive a single
// EventLagged frame, in the extra slot kept free for it, instead of the
// event itself (if that slot is taken too, the event is simply dropped) —
// the client is expected to reconnect with since_id and replay from History.
func (h *Hub) Broadcast(scopeKey string, ev Event) {
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subscribers[scopeKey]))
	for sub := range h.subscribers[scopeKey] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	for _, sub := range subs {
		if len(sub.send) >= h.bufferSize || !sub.Send(ev) {
			sub.Send(Event{ID: ev.ID, Event: EventLagged})
			h.log.Warn("subscriber lagged, dropping frame", zap.String("scope_key", scopeKey))
		}
	}
}

// SubscriberCount reports how many observers are registered on scopeKey.
func (h *Hub) SubscriberCount(scopeKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[scopeKey])
}

// RoleLookup resolves the SquadMember role of agentID within executionID,
// used to enforce the end-user visibility filter (spec §4.G): "end-user
// subscribers see only messages from agents with role project_manager or
// tech_lead". The Agent Factory/Registry satisfies the lookup; internal/app
// wires a closure over the execution's live Factory.
type RoleLookup func(executionID, agentID string) (domain.Role, bool)

// VisibleToObservers reports whether msg may be delivered to an external
// stream observer, honoring the visibility filter named in spec §4.G:
// metadata.visibility must be "public", and the sender must be a
// project_manager or tech_lead agent. state_changed and standup messages
// are emitted by the Orchestrator/Workflow Engine rather than a
// SquadMember agent and carry workflow/digest data, not agent traffic,
// so the sender-role check does not apply to them.
func VisibleToObservers(msg *domain.AgentMessage, roles RoleLookup) bool {
	if msg.Metadata.Visibility() != domain.VisibilityPublic {
		return false
	}
	if msg.Type == domain.MessageStateChanged || msg.Type == domain.MessageStandup {
		return true
	}
	if roles == nil {
		return false
	}
	role, ok := roles(msg.ExecutionID, msg.SenderID)
	if !ok {
		return false
	}
	return role == domain.RoleProjectManager || role == domain.RoleTechLead
}
