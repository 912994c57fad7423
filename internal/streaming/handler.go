package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/history"
)

// DefaultHeartbeatInterval matches the configured interval named in
// spec §6 for keeping idle SSE connections alive through proxies.
const DefaultHeartbeatInterval = 15 * time.Second

// Handler serves the Broadcast Stream's external observer API: one
// long-lived SSE connection per execution, framed id/event/data, with
// since_id resume served from the History Store before switching to
// live Hub delivery.
type Handler struct {
	hub       *Hub
	history   history.Store
	heartbeat time.Duration
	roles     RoleLookup
	log       *logger.Logger
}

// NewHandler constructs a Handler. heartbeat<=0 uses DefaultHeartbeatInterval.
// roles resolves sender agent_ids to their SquadMember role for the
// visibility filter applied to replayed history (see VisibleToObservers).
func NewHandler(hub *Hub, hist history.Store, heartbeat time.Duration, roles RoleLookup, log *logger.Logger) *Handler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Handler{hub: hub, history: hist, heartbeat: heartbeat, roles: roles, log: log}
}

// ServeExecution streams executionID's broadcast scope to w. sinceID, if
// non-empty, resumes from the message immediately after it; an empty
// sinceID replays the scope's whole visible history, then goes live.
func (h *Handler) ServeExecution(w http.ResponseWriter, r *http.Request, executionID, sinceID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	writer := bufio.NewWriter(w)

	ctx := r.Context()

	sub := h.hub.Subscribe(ScopeKeyForExecution(executionID))
	defer h.hub.Unsubscribe(sub)

	if err := h.replay(ctx, writer, flusher, executionID, sinceID); err != nil {
		h.log.Error("streaming: replay from history failed", zap.Error(err))
		writeFrame(writer, flusher, Event{Event: EventLagged})
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			writeFrame(writer, flusher, ev)
			if ev.Event == EventLagged {
				return
			}
		case <-ticker.C:
			writeFrame(writer, flusher, Event{Event: EventHeartbeat})
		}
	}
}

// replay serves every buffered message the observer missed, in order,
// from the History Store, honoring visibility and the since_id cursor.
func (h *Handler) replay(ctx context.Context, w *bufio.Writer, flusher http.Flusher, executionID, sinceID string) error {
	messages, err := h.history.Query(ctx, history.Query{ExecutionID: executionID})
	if err != nil {
		return fmt.Errorf("streaming: query history: %w", err)
	}

	start := 0
	if sinceID != "" {
		start = len(messages)
		for i, msg := range messages {
			if msg.ID == sinceID {
				start = i + 1
				break
			}
		}
	}

	for _, msg := range messages[start:] {
		if !VisibleToObservers(msg, h.roles) {
			continue
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("streaming: marshal replayed message: %w", err)
		}
		writeFrame(w, flusher, Event{ID: msg.ID, Event: EventMessage, Data: data})
	}
	return nil
}

func writeFrame(w *bufio.Writer, flusher http.Flusher, ev Event) {
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	eventName := ev.Event
	if eventName == "" {
		eventName = EventMessage
	}
	fmt.Fprintf(w, "event: %s\n", eventName)
	if len(ev.Data) > 0 {
		fmt.Fprintf(w, "data: %s\n\n", ev.Data)
	} else {
		fmt.Fprint(w, "data: {}\n\n")
	}
	w.Flush()
	flusher.Flush()
}
