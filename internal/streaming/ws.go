package streaming

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kandev-labs/agentsquad/internal/common/logger"
	"github.com/kandev-labs/agentsquad/internal/history"
)

// wsWriteWait bounds how long a single frame write may block before the
// connection is considered dead.
const wsWriteWait = 10 * time.Second

// wsPongWait is how long a connection may stay silent before it is
// dropped for failing to answer a ping; wsPingPeriod must stay under it.
const (
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsFrame is the JSON envelope written for every websocket text message,
// mirroring the SSE Event's id/event/data fields for a client that picks
// the push-transport variant of the stream instead of SSE.
type wsFrame struct {
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// WSUpgrader is the shared gorilla/websocket upgrader for the Broadcast
// Stream's alternate transport. CheckOrigin is left permissive; callers
// fronting this with a browser client should enforce origin checks at
// the reverse proxy.
var WSUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ServeExecutionWS upgrades r to a websocket connection and streams
// executionID's broadcast scope over it, replaying since_id history and
// then switching to live Hub delivery, for clients that prefer a
// persistent duplex socket over SSE.
func (h *Handler) ServeExecutionWS(w http.ResponseWriter, r *http.Request, executionID, sinceID string) {
	conn, err := WSUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("streaming: websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ctx := r.Context()

	sub := h.hub.Subscribe(ScopeKeyForExecution(executionID))
	defer h.hub.Unsubscribe(sub)

	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})
	go wsDrainReads(conn)

	if err := h.replayWS(ctx, conn, executionID, sinceID); err != nil {
		h.log.Error("streaming: websocket replay from history failed", zap.Error(err))
		writeWSFrame(conn, wsFrame{Event: EventLagged})
		return
	}

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	pinger := time.NewTicker(wsPingPeriod)
	defer pinger.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if err := writeWSFrame(conn, wsFrame{ID: ev.ID, Event: ev.Event, Data: ev.Data}); err != nil {
				return
			}
			if ev.Event == EventLagged {
				return
			}
		case <-ticker.C:
			if err := writeWSFrame(conn, wsFrame{Event: EventHeartbeat}); err != nil {
				return
			}
		case <-pinger.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// replayWS serves every buffered message the observer missed over conn,
// mirroring Handler.replay's since_id/visibility semantics for the
// websocket transport.
func (h *Handler) replayWS(ctx context.Context, conn *websocket.Conn, executionID, sinceID string) error {
	messages, err := h.history.Query(ctx, history.Query{ExecutionID: executionID})
	if err != nil {
		return err
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
			return err
		}
		if err := writeWSFrame(conn, wsFrame{ID: msg.ID, Event: EventMessage, Data: data}); err != nil {
			return err
		}
	}
	return nil
}

func writeWSFrame(conn *websocket.Conn, frame wsFrame) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if frame.Event == "" {
		frame.Event = EventMessage
	}
	return conn.WriteJSON(frame)
}

// wsDrainReads discards inbound client frames (pongs and any stray text
// messages) until the connection closes, keeping the read deadline
// extension flowing through the registered PongHandler.
func wsDrainReads(conn *websocket.Conn) {
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}
