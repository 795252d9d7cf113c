package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-coach/internal/events"
	"github.com/rs/xid"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

type snapshotMessage struct {
	Type    events.EventType `json:"type"`
	Session any              `json:"session"`
}

// handleEvents streams a session's events over a websocket, starting with
// the current snapshot.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	ctrl, err := a.cfg.Sessions.Session(r.Context(), r.PathValue("id"))
	if err != nil {
		a.writeError(w, err, nil)
		return
	}
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	defer conn.Close()

	subID := xid.New().String()
	ch := a.cfg.Events.Subscribe(subID, ctrl.ID(), 64)
	defer a.cfg.Events.Unsubscribe(subID)

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshotMessage{Type: "snapshot", Session: ctrl.Snapshot()}); err != nil {
		return
	}

	// Reads only service pongs and detect the client going away.
	closed := make(chan struct{})
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case env, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(env); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
