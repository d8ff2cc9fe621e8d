package ws

import (
	"net/url"
	"strconv"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
)

// Identity is what a client declares in its connection query.
type Identity struct {
	ChannelID     int
	Agent         string
	WorkflowType  string
	ParticipantID string
	TenantID      string
}

// IdentityFromQuery reads the identity parameters sent by the hub transport.
func IdentityFromQuery(q url.Values) Identity {
	id, _ := strconv.Atoi(q.Get("channel"))
	workflowType := q.Get("workflowType")
	if workflowType == "" {
		workflowType = q.Get("agent")
	}
	return Identity{
		ChannelID:     id,
		Agent:         q.Get("agent"),
		WorkflowType:  workflowType,
		ParticipantID: q.Get("participant"),
		TenantID:      q.Get("tenant"),
	}
}

// Client represents a WebSocket client connection.
type Client struct {
	conn     *websocket.Conn
	identity Identity
	send     chan []byte
	mu       sync.Mutex
	closed   bool
}

// NewClient creates a new WebSocket client.
func NewClient(conn *websocket.Conn, identity Identity) *Client {
	return &Client{
		conn:     conn,
		identity: identity,
		send:     make(chan []byte, 256),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendFrame encodes and queues a frame.
func (c *Client) SendFrame(f *protocol.Frame) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Push queues a push event.
func (c *Client) Push(event string, args ...any) error {
	frame, err := protocol.NewEvent(event, args...)
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Identity returns the identity declared by the client.
func (c *Client) Identity() Identity {
	return c.identity
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// GroupKey names the group of clients subscribed to an agent on behalf of
// one participant.
func GroupKey(agent, participantID string) string {
	return agent + "/" + participantID
}

// Group holds the clients subscribed to one agent for one participant.
// Agent replies are broadcast to the whole group.
type Group struct {
	key     string
	clients map[*Client]bool
	mu      sync.RWMutex
}

// NewGroup creates an empty group.
func NewGroup(key string) *Group {
	return &Group{
		key:     key,
		clients: make(map[*Client]bool),
	}
}

// Key returns the group key.
func (g *Group) Key() string {
	return g.key
}

// Register adds a client to the group.
func (g *Group) Register(client *Client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.clients[client] = true
}

// Unregister removes a client and reports how many remain.
func (g *Group) Unregister(client *Client) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.clients, client)
	return len(g.clients)
}

// Has reports whether the client is a member.
func (g *Group) Has(client *Client) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.clients[client]
}

// Broadcast sends raw data to all members.
func (g *Group) Broadcast(data []byte) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	for client := range g.clients {
		client.Send(data)
	}
}

// Push broadcasts a push event to all members.
func (g *Group) Push(event string, args ...any) error {
	frame, err := protocol.NewEvent(event, args...)
	if err != nil {
		return err
	}
	data, err := frame.Encode()
	if err != nil {
		return err
	}
	g.Broadcast(data)
	return nil
}

// ClientCount returns the number of members.
func (g *Group) ClientCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.clients)
}

// GroupManager tracks the subscription groups.
type GroupManager struct {
	groups map[string]*Group
	mu     sync.RWMutex
}

// NewGroupManager creates a new GroupManager.
func NewGroupManager() *GroupManager {
	return &GroupManager{
		groups: make(map[string]*Group),
	}
}

// Join adds client to the group for key, creating it when needed.
func (m *GroupManager) Join(key string, client *Client) *Group {
	m.mu.Lock()
	defer m.mu.Unlock()

	g, ok := m.groups[key]
	if !ok {
		g = NewGroup(key)
		m.groups[key] = g
	}
	g.Register(client)
	return g
}

// Get returns the group for key, or nil if not found.
func (m *GroupManager) Get(key string) *Group {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.groups[key]
}

// Leave removes client from every group and drops groups left empty.
func (m *GroupManager) Leave(client *Client) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, g := range m.groups {
		if g.Unregister(client) == 0 {
			delete(m.groups, key)
		}
	}
}

// Len returns the number of groups.
func (m *GroupManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.groups)
}

// Close forgets every group. Clients are closed by their handler.
func (m *GroupManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups = make(map[string]*Group)
}
