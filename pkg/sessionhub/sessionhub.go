// Package sessionhub is the public surface of the session hub: a client-side
// coordinator that keeps one duplex connection per channel to a remote agent
// backend, merges live and historical messages into per-channel history and
// routes typed metadata envelopes to subscribers.
package sessionhub

import (
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/events"
	"github.com/remote-agent-terminal/sessionhub/internal/hub"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/router"
	"github.com/remote-agent-terminal/sessionhub/internal/transport"
)

// Re-export types from internal packages for external use
type (
	Hub        = hub.Hub
	Config     = hub.Config
	InitResult = hub.InitResult

	ChannelID         = model.ChannelID
	ChannelStatus     = model.ChannelStatus
	ChannelDescriptor = model.ChannelDescriptor
	Settings          = model.Settings
	Message           = model.Message
	Direction         = model.Direction

	ConnectionChange = model.ConnectionChange
	ErrorEvent       = model.ErrorEvent
	HistoryEvent     = model.HistoryEvent

	MessageType      = model.MessageType
	Envelope         = model.Envelope
	EnvelopeHeader   = model.EnvelopeHeader
	UIUpdate         = model.UIUpdate
	AgentStatus      = model.AgentStatus
	TypingIndicator  = model.TypingIndicator
	Handover         = model.Handover
	WorkflowProgress = model.WorkflowProgress

	SendResult       = protocol.SendResult
	MetadataCallback = router.Callback
	ListenerID       = events.ListenerID

	Transport        = transport.Transport
	TransportFactory = transport.Factory
)

const (
	StatusDisconnected = model.ChannelStatusDisconnected
	StatusConnecting   = model.ChannelStatusConnecting
	StatusConnected    = model.ChannelStatusConnected
	StatusReconnecting = model.ChannelStatusReconnecting
	StatusFailed       = model.ChannelStatusFailed

	Inbound           = model.DirectionInbound
	Outbound          = model.DirectionOutbound
	HandoverDirection = model.DirectionHandover

	UIUpdateType         = model.MessageTypeUIUpdate
	AgentStatusType      = model.MessageTypeAgentStatus
	TypingIndicatorType  = model.MessageTypeTypingIndicator
	HandoverType         = model.MessageTypeHandover
	WorkflowProgressType = model.MessageTypeWorkflowProgress
)

var (
	ErrNoConnection  = model.ErrNoConnection
	ErrRouteNotFound = model.ErrRouteNotFound
)

// DefaultConfig returns the hub defaults.
func DefaultConfig() Config {
	return hub.DefaultConfig()
}

// New creates a hub that connects channels over websockets.
func New(cfg Config, log zerolog.Logger) *Hub {
	return hub.New(cfg, transport.NewWebSocketTransport, log)
}

// NewWithTransport creates a hub with a custom transport factory.
func NewWithTransport(cfg Config, factory TransportFactory, log zerolog.Logger) *Hub {
	return hub.New(cfg, factory, log)
}

// WithChannel restricts a metadata subscription to one channel.
func WithChannel(id ChannelID) router.SubscribeOption {
	return router.WithChannel(id)
}

// OnMessage registers fn for every chat message stored by the hub.
func OnMessage(h *Hub, fn func(Message)) ListenerID {
	return events.On(h.Events(), events.Message, fn)
}

// OnConnectionChange registers fn for channel status transitions.
func OnConnectionChange(h *Hub, fn func(ConnectionChange)) ListenerID {
	return events.On(h.Events(), events.ConnectionChange, fn)
}

// OnError registers fn for channel-level failures.
func OnError(h *Hub, fn func(ErrorEvent)) ListenerID {
	return events.On(h.Events(), events.Error, fn)
}

// OnThreadHistory registers fn for merged history batches.
func OnThreadHistory(h *Hub, fn func(HistoryEvent)) ListenerID {
	return events.On(h.Events(), events.ThreadHistory, fn)
}
