package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
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
	maxMessageSize = 1 << 20

	sendBuffer = 256
)

type result struct {
	data json.RawMessage
	err  error
}

// conn is one physical websocket connection and its pumps.
type conn struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
}

func (c *conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

func (c *conn) enqueue(ctx context.Context, data []byte) error {
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WebSocket is a Transport over gorilla/websocket speaking the frame
// protocol of package protocol.
type WebSocket struct {
	desc   model.ChannelDescriptor
	opts   Options
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu        sync.Mutex
	state     State
	current   *conn
	stopped   bool
	cancelRec context.CancelFunc

	handlersMu     sync.RWMutex
	handlers       map[string][]Handler
	pushes         *pushQueue
	onReconnecting func(error)
	onReconnected  func()
	onClose        func(error)

	pendingMu sync.Mutex
	pending   map[string]chan result
}

// NewWebSocket creates a disconnected websocket transport for desc.
func NewWebSocket(desc model.ChannelDescriptor, opts Options) (*WebSocket, error) {
	if desc.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	if _, err := url.Parse(desc.Endpoint); err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	w := &WebSocket{
		desc:     desc,
		opts:     opts,
		dialer:   dialer,
		log:      opts.Log.With().Int("channel_id", int(desc.ChannelID)).Logger(),
		state:    StateDisconnected,
		handlers: make(map[string][]Handler),
		pending:  make(map[string]chan result),
	}
	w.pushes = newPushQueue(w.dispatch)
	return w, nil
}

// URL returns the address dialed for the channel.
func (w *WebSocket) URL() string {
	u, err := url.Parse(w.desc.Endpoint)
	if err != nil {
		return w.desc.Endpoint
	}
	q := u.Query()
	q.Set("channel", w.desc.ChannelID.String())
	q.Set("agent", w.desc.Agent)
	q.Set("workflowType", w.desc.WorkflowType)
	q.Set("participant", w.desc.ParticipantID)
	if w.desc.TenantID != "" {
		q.Set("tenant", w.desc.TenantID)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (w *WebSocket) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	if w.desc.AccessToken != "" {
		header.Set("Authorization", "Bearer "+w.desc.AccessToken)
	}

	ws, resp, err := w.dialer.DialContext(ctx, w.URL(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", w.desc.Endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", w.desc.Endpoint, err)
	}
	return ws, nil
}

// Connect dials the endpoint once. A stopped transport cannot be
// connected again.
func (w *WebSocket) Connect(ctx context.Context) error {
	w.mu.Lock()
	if w.state == StateConnected {
		w.mu.Unlock()
		return nil
	}
	if w.stopped {
		w.mu.Unlock()
		return ErrStopped
	}
	w.state = StateConnecting
	w.mu.Unlock()

	ws, err := w.dial(ctx)
	if err != nil {
		w.mu.Lock()
		w.state = StateDisconnected
		w.mu.Unlock()
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		ws.Close()
		return ErrStopped
	}
	w.startLocked(ws)
	return nil
}

func (w *WebSocket) startLocked(ws *websocket.Conn) {
	c := newConn(ws)
	w.current = c
	w.state = StateConnected
	go w.writePump(c)
	go w.readPump(c)
}

// Stop closes the connection and cancels any reconnect in progress.
// Pending invocations fail with ErrStopped.
func (w *WebSocket) Stop(ctx context.Context) error {
	w.mu.Lock()
	w.stopped = true
	if w.cancelRec != nil {
		w.cancelRec()
		w.cancelRec = nil
	}
	c := w.current
	w.current = nil
	w.state = StateDisconnected
	w.mu.Unlock()

	if c != nil {
		c.shutdown()
	}
	w.pushes.reset()
	w.failPending(ErrStopped)
	return nil
}

// State returns the current connection state.
func (w *WebSocket) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// On registers a push event handler.
func (w *WebSocket) On(event string, handler Handler) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.handlers[event] = append(w.handlers[event], handler)
}

func (w *WebSocket) OnReconnecting(fn func(err error)) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.onReconnecting = fn
}

func (w *WebSocket) OnReconnected(fn func()) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.onReconnected = fn
}

func (w *WebSocket) OnClose(fn func(err error)) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.onClose = fn
}

// Invoke calls a remote method and waits for its completion.
func (w *WebSocket) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	w.mu.Lock()
	c := w.current
	connected := w.state == StateConnected
	w.mu.Unlock()
	if c == nil || !connected {
		return nil, ErrNotConnected
	}

	if w.opts.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.opts.InvokeTimeout)
		defer cancel()
	}

	id := uuid.New().String()
	frame, err := protocol.NewInvocation(id, method, args...)
	if err != nil {
		return nil, err
	}
	data, err := frame.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", method, err)
	}

	ch := make(chan result, 1)
	w.pendingMu.Lock()
	w.pending[id] = ch
	w.pendingMu.Unlock()
	defer func() {
		w.pendingMu.Lock()
		delete(w.pending, id)
		w.pendingMu.Unlock()
	}()

	if err := c.enqueue(ctx, data); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", method, ctx.Err())
	}
}

func (w *WebSocket) failPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for id, ch := range w.pending {
		ch <- result{err: err}
		delete(w.pending, id)
	}
}

func (w *WebSocket) complete(frame *protocol.Frame) {
	w.pendingMu.Lock()
	ch, ok := w.pending[frame.InvocationID]
	if ok {
		delete(w.pending, frame.InvocationID)
	}
	w.pendingMu.Unlock()

	if !ok {
		w.log.Debug().Str("invocation_id", frame.InvocationID).Msg("completion for unknown invocation")
		return
	}
	if frame.Error != "" {
		ch <- result{err: &RemoteError{Method: frame.Target, Message: frame.Error}}
		return
	}
	ch <- result{data: frame.Result}
}

func (w *WebSocket) dispatch(frame *protocol.Frame) {
	w.handlersMu.RLock()
	handlers := w.handlers[frame.Target]
	w.handlersMu.RUnlock()

	if len(handlers) == 0 {
		w.log.Debug().Str("event", frame.Target).Msg("no handler for push event")
		return
	}
	for _, h := range handlers {
		h(frame.Arguments)
	}
}

// readPump reads frames until the connection fails. Completions are
// delivered inline; push events go through the ordered push queue so a
// handler may invoke on the same transport.
func (w *WebSocket) readPump(c *conn) {
	var readErr error
	defer func() {
		c.shutdown()
		c.ws.Close()
		w.handleDrop(c, readErr)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			readErr = err
			return
		}

		frame, err := protocol.Decode(message)
		if err != nil {
			w.log.Warn().Err(err).Msg("failed to decode frame")
			continue
		}

		switch frame.Type {
		case protocol.FrameCompletion:
			w.complete(frame)
		case protocol.FrameEvent:
			w.pushes.push(frame)
		default:
			w.log.Warn().Str("frame_type", string(frame.Type)).Msg("unexpected frame")
		}
	}
}

func (w *WebSocket) writePump(c *conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			c.ws.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// handleDrop runs when a connection's read loop ends. Drops of connections
// that are no longer current (stopped or replaced) are ignored.
func (w *WebSocket) handleDrop(c *conn, cause error) {
	w.mu.Lock()
	if w.current != c || w.stopped {
		w.mu.Unlock()
		return
	}
	w.current = nil

	if cause == nil {
		cause = ErrConnectionLost
	}

	if w.opts.ReconnectDelay == nil {
		w.state = StateDisconnected
		w.mu.Unlock()
		w.failPending(ErrConnectionLost)
		w.fireClose(cause)
		return
	}

	w.state = StateReconnecting
	ctx, cancel := context.WithCancel(context.Background())
	w.cancelRec = cancel
	w.mu.Unlock()

	w.failPending(ErrConnectionLost)
	w.log.Warn().Err(cause).Msg("connection dropped, reconnecting")

	w.handlersMu.RLock()
	onReconnecting := w.onReconnecting
	w.handlersMu.RUnlock()
	if onReconnecting != nil {
		onReconnecting(cause)
	}

	go w.reconnect(ctx, cause)
}

func (w *WebSocket) reconnect(ctx context.Context, cause error) {
	lastErr := cause
	for retry := 0; ; retry++ {
		delay, ok := w.opts.ReconnectDelay(retry)
		if !ok {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		ws, err := w.dial(ctx)
		if err != nil {
			lastErr = err
			w.log.Debug().Err(err).Int("retry", retry).Msg("reconnect attempt failed")
			continue
		}

		w.mu.Lock()
		if w.stopped || ctx.Err() != nil {
			w.mu.Unlock()
			ws.Close()
			return
		}
		w.cancelRec = nil
		w.startLocked(ws)
		w.mu.Unlock()

		w.log.Info().Int("retry", retry).Msg("reconnected")

		w.handlersMu.RLock()
		onReconnected := w.onReconnected
		w.handlersMu.RUnlock()
		if onReconnected != nil {
			onReconnected()
		}
		return
	}

	w.mu.Lock()
	if w.stopped || ctx.Err() != nil {
		w.mu.Unlock()
		return
	}
	w.cancelRec = nil
	w.state = StateDisconnected
	w.mu.Unlock()

	w.fireClose(fmt.Errorf("reconnect attempts exhausted: %w", lastErr))
}

func (w *WebSocket) fireClose(err error) {
	w.handlersMu.RLock()
	onClose := w.onClose
	w.handlersMu.RUnlock()
	if onClose != nil {
		onClose(err)
	}
}
