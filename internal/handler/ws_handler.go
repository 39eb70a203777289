package handler

import (
	"net/http"

	"campo-sync/internal/logging"
	"campo-sync/internal/middleware"
	"campo-sync/internal/websocket"
	"campo-sync/pkg/jwt"
	"campo-sync/pkg/response"

	"github.com/google/uuid"
	ws "github.com/gorilla/websocket"
)

type WebSocketHandler struct {
	manager   *websocket.Manager
	jwtSecret string
	upgrader  ws.Upgrader
	log       logging.Logger
}

func NewWebSocketHandler(manager *websocket.Manager, jwtSecret string, log logging.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		manager:   manager,
		jwtSecret: jwtSecret,
		upgrader: ws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// the daemon listens on loopback for a local UI
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		log: log,
	}
}

// HandleConnection authenticates with ?token= (browsers cannot set headers on
// a websocket handshake) or the Authorization header.
func (h *WebSocketHandler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = middleware.BearerToken(r)
	}

	if token == "" {
		response.Unauthorized(w, "missing authorization token")
		return
	}

	claims, err := jwt.ValidateToken(token, h.jwtSecret)
	if err != nil {
		h.log.Debug(r.Context(), "websocket token rejected", "error", err)
		response.Unauthorized(w, "invalid token")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	client := websocket.NewClient(uuid.New().String(), claims.Name, conn, h.manager)
	h.manager.Register <- client

	go client.WritePump()
	go client.ReadPump()
}
