package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/shehryarbajwa/labforge/internal/events"
	"github.com/shehryarbajwa/labforge/pkg/models"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// StreamMessage is one frame of the status stream
type StreamMessage struct {
	Type    string              `json:"type"`
	Session *models.SessionView `json:"session,omitempty"`
	Event   *events.Event       `json:"event,omitempty"`
}

// StreamSession handles GET /v1/sessions/{id}/ws. It sends the current
// status, then every lifecycle event until the session ends.
func (h *Handler) StreamSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	view, updates, cancel, err := h.sessions.Watch(r.Context(), id, userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("session", id).Msg("failed to upgrade connection")
		return
	}
	defer conn.Close()

	log := h.log.With().Str("session", id).Logger()
	log.Debug().Msg("status stream opened")

	if err := writeFrame(conn, StreamMessage{Type: "snapshot", Session: view}); err != nil {
		return
	}
	if view.Status == models.StatusEnded {
		closeStream(conn, "session ended")
		return
	}

	// Client → server frames are only read to notice disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Debug().Err(err).Msg("status stream read error")
				}
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, ok := <-updates:
			if !ok {
				closeStream(conn, "stream closed")
				return
			}
			if err := writeFrame(conn, StreamMessage{Type: "event", Event: &ev}); err != nil {
				log.Debug().Err(err).Msg("failed to write event")
				return
			}
			if ev.Type == events.SessionEnded {
				closeStream(conn, "session ended")
				return
			}
		}
	}
}

func writeFrame(conn *websocket.Conn, msg StreamMessage) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeStream(conn *websocket.Conn, reason string) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
		time.Now().Add(writeWait))
}
