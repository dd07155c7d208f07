package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/callsight/callsight/internal/api/response"
	"github.com/callsight/callsight/internal/notify"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Auth is the Bearer API key, not cookies, so cross-origin upgrades
	// carry no ambient credentials.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// NewCallEventsHandler returns the handler for GET
// /api/v1/calls/{callID}/events. It upgrades to a websocket and streams
// status events for one call. The first frame is a snapshot of current
// state, so a subscriber arriving after the terminal transition still
// observes it.
func NewCallEventsHandler(svc CallService, hub *notify.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		caller, ok := callerFrom(r)
		if !ok {
			response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing user", nil)
			return
		}

		id, err := uuid.Parse(chi.URLParam(r, "callID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "callID must be a UUID", nil)
			return
		}

		call, _, err := svc.GetCall(r.Context(), caller, id)
		if err != nil {
			writeCallError(w, err)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return
		}
		defer conn.Close()

		events, cancel := hub.Subscribe(id)
		defer cancel()

		// Reader pump: discard client frames, unblock on close.
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		snapshot := notify.Event{
			CallID:        call.ID,
			OwnerID:       call.OwnerID,
			OldStatus:     call.Status,
			NewStatus:     call.Status,
			AnalysisError: call.AnalysisError,
			UpdatedAt:     call.UpdatedAt,
		}
		if err := writeEvent(conn, snapshot); err != nil {
			return
		}

		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()

		for {
			select {
			case <-done:
				return
			case <-r.Context().Done():
				return
			case ev, open := <-events:
				if !open {
					return
				}
				if err := writeEvent(conn, ev); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, ev notify.Event) error {
	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return conn.WriteJSON(ev)
}
