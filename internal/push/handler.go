package push

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/openacd/controlplane/internal/config"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Origin enforcement lives in the CORS middleware
		return true
	},
}

// Handler handles WebSocket upgrade requests
type Handler struct {
	hub     *Hub
	config  *config.Config
	handler MessageHandler
	logger  zerolog.Logger
}

// NewHandler creates a new WebSocket handler
func NewHandler(hub *Hub, cfg *config.Config, handler MessageHandler, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:     hub,
		config:  cfg,
		handler: handler,
		logger:  logger,
	}
}

// ServeHTTP handles WebSocket upgrade requests
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	// Create new client with a fresh connection token
	client := NewClient(h.hub, conn, h.config, h.handler, h.logger)

	// Register client with hub
	h.hub.register <- client

	// Start client pumps
	client.Start()
}
