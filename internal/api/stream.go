package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"homgard/internal/auth"
	"homgard/internal/events"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

// StreamHandler pushes events to clients over WebSocket
type StreamHandler struct {
	eventStore   *events.Store
	wsTokenStore *auth.WSTokenStore
	upgrader     websocket.Upgrader
}

// NewStreamHandler creates new stream handler
func NewStreamHandler(eventStore *events.Store, wsTokenStore *auth.WSTokenStore) *StreamHandler {
	h := &StreamHandler{
		eventStore:   eventStore,
		wsTokenStore: wsTokenStore,
	}

	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}

	return h
}

// checkOrigin validates WebSocket connection using CSRF token
// This prevents Cross-Site WebSocket Hijacking (CSWSH) attacks
func (h *StreamHandler) checkOrigin(r *http.Request) bool {
	// Get token from query parameter
	token := r.URL.Query().Get("ws_token")
	if token == "" {
		log.Printf("WebSocket rejected: missing ws_token")
		return false
	}

	// Validate token (one-time use, auto-deleted after validation)
	username, valid := h.wsTokenStore.Validate(token)
	if !valid {
		log.Printf("WebSocket rejected: invalid or expired ws_token")
		return false
	}

	log.Printf("Event stream authorized for user: %s", username)
	return true
}

// Connect handles GET /api/stream
func (h *StreamHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	defer ws.Close()

	sub, cancel := h.eventStore.Subscribe()
	defer cancel()

	// Drain client messages so close frames and pongs are processed
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pinger := time.NewTicker(streamPingInterval)
	defer pinger.Stop()

	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteJSON(ev); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("Event stream write error: %v", err)
				}
				return
			}
		case <-pinger.C:
			ws.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
