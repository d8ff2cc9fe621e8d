package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/ws"
)

// WebSocketHandler serves the agent hub endpoint.
type WebSocketHandler struct {
	wsHandler *ws.Handler
	log       zerolog.Logger
}

// NewWebSocketHandler creates a new WebSocketHandler.
func NewWebSocketHandler(wsHandler *ws.Handler, log zerolog.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		wsHandler: wsHandler,
		log:       log,
	}
}

// Connect handles GET /hub - upgrades to the frame protocol.
func (h *WebSocketHandler) Connect(c *gin.Context) {
	if err := h.wsHandler.HandleConnection(c.Writer, c.Request); err != nil {
		// The upgrader has already written the HTTP error.
		h.log.Warn().Err(err).Msg("websocket upgrade failed")
	}
}

// RegisterRoutes registers the websocket route.
func (h *WebSocketHandler) RegisterRoutes(r gin.IRoutes) {
	r.GET("/hub", h.Connect)
}
