package ws

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/metrics"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 16
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Method serves one remote method. The returned value becomes the
// completion result.
type Method func(ctx context.Context, client *Client, frame *protocol.Frame) (any, error)

// Handler upgrades connections and dispatches invocation frames to the
// registered methods.
type Handler struct {
	groups  *GroupManager
	log     zerolog.Logger
	methods map[string]Method

	mu      sync.RWMutex
	clients map[*Client]bool
	onLeave func(*Client)
}

// NewHandler creates a new WebSocket handler.
func NewHandler(groups *GroupManager, log zerolog.Logger) *Handler {
	return &Handler{
		groups:  groups,
		log:     log,
		methods: make(map[string]Method),
		clients: make(map[*Client]bool),
	}
}

// Handle registers a method. It must be called before serving connections.
func (h *Handler) Handle(name string, m Method) {
	h.methods[name] = m
}

// SetOnLeave sets the callback run after a client disconnects.
func (h *Handler) SetOnLeave(callback func(*Client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onLeave = callback
}

// HandleConnection upgrades the HTTP connection and serves the frame
// protocol until the peer goes away.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) error {
	identity := IdentityFromQuery(r.URL.Query())
	if identity.Agent == "" {
		http.Error(w, "agent is required", http.StatusBadRequest)
		return nil
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	client := NewClient(conn, identity)

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	h.log.Info().
		Int("channel_id", identity.ChannelID).
		Str("agent", identity.Agent).
		Str("participant", identity.ParticipantID).
		Msg("client connected")

	go h.writePump(client)
	go h.readPump(client)

	return nil
}

// ClientCount returns the number of connected clients.
func (h *Handler) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Handler) leave(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	onLeave := h.onLeave
	h.mu.Unlock()

	h.groups.Leave(client)
	client.Close()

	if onLeave != nil {
		onLeave(client)
	}
}

// dispatch runs an invocation and queues its completion.
func (h *Handler) dispatch(client *Client, frame *protocol.Frame) {
	var (
		result any
		err    error
	)

	method, ok := h.methods[frame.Target]
	if !ok {
		err = fmt.Errorf("unknown method %q", frame.Target)
	} else {
		result, err = h.call(method, client, frame)
	}

	outcome := "success"
	if err != nil {
		outcome = "failure"
		h.log.Warn().Err(err).Str("method", frame.Target).Int("channel_id", client.Identity().ChannelID).Msg("invocation failed")
	}
	metrics.BackendInvocations.WithLabelValues(frame.Target, outcome).Inc()

	reply, encErr := protocol.NewCompletion(frame.InvocationID, result, err)
	if encErr != nil {
		reply, _ = protocol.NewCompletion(frame.InvocationID, nil, encErr)
	}
	if err := client.SendFrame(reply); err != nil {
		h.log.Error().Err(err).Str("method", frame.Target).Msg("failed to encode completion")
	}
}

func (h *Handler) call(method Method, client *Client, frame *protocol.Frame) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", frame.Target, r)
		}
	}()
	return method(context.Background(), client, frame)
}

// readPump reads frames from the connection. Invocations are served in
// arrival order.
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.leave(client)
		client.Conn().Close()
	}()

	client.Conn().SetReadLimit(maxMessageSize)
	client.Conn().SetReadDeadline(time.Now().Add(pongWait))
	client.Conn().SetPongHandler(func(string) error {
		client.Conn().SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := client.Conn().ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.log.Warn().Err(err).Msg("websocket error")
			}
			break
		}

		frame, err := protocol.Decode(message)
		if err != nil {
			h.log.Warn().Err(err).Msg("failed to decode frame")
			continue
		}
		if frame.Type != protocol.FrameInvocation {
			continue
		}

		h.dispatch(client, frame)
	}
}

// writePump pumps queued frames to the WebSocket connection.
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.Conn().Close()
	}()

	for {
		select {
		case message, ok := <-client.SendChan():
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The handler closed the channel
				client.Conn().WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One frame per websocket message
			if err := client.Conn().WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.Conn().SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.Conn().WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Handler) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
	h.groups.Close()
}
