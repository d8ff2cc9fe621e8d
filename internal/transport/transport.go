// Package transport defines the duplex connection a channel uses to reach its
// remote agent, and a websocket implementation of it.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// State is the transport-level connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	ErrNotConnected   = errors.New("transport is not connected")
	ErrConnectionLost = errors.New("connection lost")
	ErrStopped        = errors.New("transport stopped")
	ErrNoEndpoint     = errors.New("endpoint is required")
)

// RemoteError is an error reported by the backend in a completion frame.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: remote error: %s", e.Method, e.Message)
}

// Handler receives the arguments of a push event.
type Handler func(args []json.RawMessage)

// DelaySelector returns the wait before automatic reconnect attempt retry
// (zero based), or false to give up.
type DelaySelector func(retry int) (time.Duration, bool)

// Options configures a transport.
type Options struct {
	// ReconnectDelay drives automatic reconnects after an unsolicited drop.
	// Nil disables automatic reconnects.
	ReconnectDelay DelaySelector
	// InvokeTimeout bounds a single Invoke. Zero means no timeout.
	InvokeTimeout time.Duration
	// Dialer overrides websocket.DefaultDialer.
	Dialer *websocket.Dialer
	Log    zerolog.Logger
}

// Transport is a duplex RPC connection with server push.
//
// Push handlers for one transport are invoked sequentially in arrival order.
// Lifecycle callbacks fire only for unsolicited state changes; Stop does not
// call OnClose.
type Transport interface {
	Connect(ctx context.Context) error
	Stop(ctx context.Context) error
	Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error)
	On(event string, handler Handler)
	OnReconnecting(fn func(err error))
	OnReconnected(fn func())
	OnClose(fn func(err error))
	State() State
}

// Factory builds the transport for one channel.
type Factory func(desc model.ChannelDescriptor, opts Options) (Transport, error)

// NewWebSocketTransport is the Factory for websocket transports.
func NewWebSocketTransport(desc model.ChannelDescriptor, opts Options) (Transport, error) {
	ws, err := NewWebSocket(desc, opts)
	if err != nil {
		return nil, err
	}
	return ws, nil
}
