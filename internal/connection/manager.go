// Package connection owns the connect, reconnect and disconnect lifecycle of
// every channel.
package connection

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/remote-agent-terminal/sessionhub/internal/metrics"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/transport"
)

// ErrSuperseded is returned by Connect when the channel was disconnected or
// reconnected while the attempt was in flight.
var ErrSuperseded = errors.New("connect attempt superseded")

// Config holds the retry policy.
type Config struct {
	MaxAttempts          int
	RetryDelay           time.Duration
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
	InvokeTimeout        time.Duration
}

// DefaultConfig returns the default retry policy.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:          3,
		RetryDelay:           time.Second,
		ReconnectInitial:     time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 10,
		InvokeTimeout:        30 * time.Second,
	}
}

// Backoff returns a capped exponential delay selector: initial, 2×initial,
// 4×initial... never above max, giving up after maxRetries retries.
func Backoff(initial, max time.Duration, maxRetries int) transport.DelaySelector {
	return func(retry int) (time.Duration, bool) {
		if retry < 0 || retry >= maxRetries {
			return 0, false
		}
		d := initial
		for i := 0; i < retry && d < max; i++ {
			d *= 2
		}
		if d > max {
			d = max
		}
		return d, true
	}
}

type channel struct {
	desc      model.ChannelDescriptor
	transport transport.Transport
	status    model.ChannelStatus
	attempts  int
}

// attempt is the in-flight connect for a channel. Callers arriving while it
// runs wait on done and share err.
type attempt struct {
	done    chan struct{}
	err     error
	waiters int
}

// Manager tracks one connection per channel.
type Manager struct {
	cfg     Config
	factory transport.Factory
	log     zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	mu       sync.Mutex
	channels map[model.ChannelID]*channel
	pending  map[model.ChannelID]*attempt

	// Status changes are queued under mu and delivered by one caller at a
	// time, so listeners see them in the order they were applied.
	notices   []model.ConnectionChange
	notifying bool

	onStateChange func(model.ConnectionChange)
	onError       func(model.ErrorEvent)
	onConnected   func(model.ChannelID)
	onTransport   func(model.ChannelID, transport.Transport)
}

// NewManager creates a Manager that builds transports with factory.
func NewManager(cfg Config, factory transport.Factory, log zerolog.Logger) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	return &Manager{
		cfg:      cfg,
		factory:  factory,
		log:      log,
		sleep:    sleepContext,
		channels: make(map[model.ChannelID]*channel),
		pending:  make(map[model.ChannelID]*attempt),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetOnStateChange sets the callback for channel status transitions.
func (m *Manager) SetOnStateChange(callback func(model.ConnectionChange)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = callback
}

// SetOnError sets the callback for connection and subscription failures.
func (m *Manager) SetOnError(callback func(model.ErrorEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onError = callback
}

// SetOnConnected sets the callback run after a successful initial connect
// and subscribe.
func (m *Manager) SetOnConnected(callback func(model.ChannelID)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onConnected = callback
}

// SetOnTransport sets the callback run for every new transport before it
// connects. Push handlers are bound here.
func (m *Manager) SetOnTransport(callback func(model.ChannelID, transport.Transport)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransport = callback
}

// Connect establishes the connection for desc. Concurrent calls for the same
// channel share a single attempt and its result.
func (m *Manager) Connect(ctx context.Context, desc model.ChannelDescriptor) error {
	id := desc.ChannelID

	m.mu.Lock()
	if a, ok := m.pending[id]; ok {
		a.waiters++
		m.mu.Unlock()

		m.log.Debug().Int("channel_id", int(id)).Msg("joining in-flight connect")
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &attempt{done: make(chan struct{})}
	m.pending[id] = a
	m.mu.Unlock()

	err := m.connect(ctx, desc)

	m.mu.Lock()
	a.err = err
	delete(m.pending, id)
	m.mu.Unlock()
	close(a.done)

	return err
}

// PendingWaiters returns how many callers are waiting on the in-flight
// connect for id, or -1 if none is in flight.
func (m *Manager) PendingWaiters(id model.ChannelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.pending[id]
	if !ok {
		return -1
	}
	return a.waiters
}

func (m *Manager) connect(ctx context.Context, desc model.ChannelDescriptor) error {
	id := desc.ChannelID
	log := m.log.With().Int("channel_id", int(id)).Str("agent", desc.Agent).Logger()

	if !desc.Bound() {
		return &model.ConnectionError{ChannelID: id, Err: model.ErrAgentRequired}
	}

	// Replace any existing connection.
	m.mu.Lock()
	prev := m.channels[id]
	rec := &channel{desc: desc, status: model.ChannelStatusDisconnected}
	if prev != nil {
		rec.status = prev.status
	}
	m.channels[id] = rec
	metrics.ActiveChannels.Set(float64(len(m.channels)))
	m.mu.Unlock()

	if prev != nil && prev.transport != nil {
		if err := prev.transport.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to stop previous connection")
		}
	}

	m.transition(rec, model.ChannelStatusConnecting, nil)

	t, err := m.factory(desc, transport.Options{
		ReconnectDelay: Backoff(m.cfg.ReconnectInitial, m.cfg.ReconnectMax, m.cfg.MaxReconnectAttempts),
		InvokeTimeout:  m.cfg.InvokeTimeout,
		Log:            m.log,
	})
	if err != nil {
		return m.fail(rec, nil, 0, fmt.Errorf("build transport: %w", err))
	}
	m.bind(rec, t)

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.cfg.MaxAttempts; attempt++ {
		if !m.current(rec) {
			t.Stop(context.Background())
			log.Debug().Int("attempt", attempt).Msg("connect superseded, stopping retries")
			return &model.ConnectionError{ChannelID: id, Attempts: attempts, Err: ErrSuperseded}
		}
		attempts = attempt
		m.setAttempts(rec, attempt)

		lastErr = t.Connect(ctx)
		if lastErr == nil {
			metrics.ConnectAttempts.WithLabelValues("success").Inc()
			break
		}
		metrics.ConnectAttempts.WithLabelValues("failure").Inc()
		log.Warn().Err(lastErr).Int("attempt", attempt).Msg("connect attempt failed")

		if attempt == m.cfg.MaxAttempts {
			break
		}
		if err := m.sleep(ctx, time.Duration(attempt)*m.cfg.RetryDelay); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr != nil {
		return m.fail(rec, t, attempts, lastErr)
	}

	if !m.current(rec) {
		t.Stop(context.Background())
		return &model.ConnectionError{ChannelID: id, Attempts: attempts, Err: ErrSuperseded}
	}

	m.transition(rec, model.ChannelStatusConnected, nil)
	log.Info().Int("attempts", attempts).Msg("channel connected")

	m.subscribe(ctx, rec)

	m.mu.Lock()
	onConnected := m.onConnected
	m.mu.Unlock()
	if onConnected != nil && m.current(rec) {
		onConnected(id)
	}
	return nil
}

// fail reports an exhausted initial connect. The channel passes through
// Failed and settles in Disconnected.
func (m *Manager) fail(rec *channel, t transport.Transport, attempts int, cause error) error {
	connErr := &model.ConnectionError{ChannelID: rec.desc.ChannelID, Attempts: attempts, Err: cause}

	if t != nil {
		t.Stop(context.Background())
	}
	if !m.current(rec) {
		connErr.Err = ErrSuperseded
		return connErr
	}

	m.transition(rec, model.ChannelStatusFailed, connErr)
	m.transition(rec, model.ChannelStatusDisconnected, connErr)

	m.log.Error().
		Err(cause).
		Int("channel_id", int(rec.desc.ChannelID)).
		Int("attempts", attempts).
		Msg("connect failed")
	m.raise(rec.desc.ChannelID, model.ErrorKindConnection, connErr)
	return connErr
}

// bind attaches lifecycle handlers to t and publishes it on rec. Callbacks
// from a transport whose record was replaced are ignored by transition.
func (m *Manager) bind(rec *channel, t transport.Transport) {
	id := rec.desc.ChannelID

	t.OnReconnecting(func(err error) {
		m.log.Warn().Err(err).Int("channel_id", int(id)).Msg("channel reconnecting")
		m.transition(rec, model.ChannelStatusReconnecting, err)
	})
	t.OnReconnected(func() {
		if !m.transition(rec, model.ChannelStatusConnected, nil) {
			return
		}
		m.log.Info().Int("channel_id", int(id)).Msg("channel reconnected")
		m.subscribe(context.Background(), rec)
	})
	t.OnClose(func(err error) {
		if err == nil {
			m.transition(rec, model.ChannelStatusDisconnected, nil)
			return
		}
		connErr := &model.ConnectionError{ChannelID: id, Err: err}
		if m.transition(rec, model.ChannelStatusFailed, connErr) {
			m.log.Error().Err(err).Int("channel_id", int(id)).Msg("channel closed")
			m.raise(id, model.ErrorKindConnection, connErr)
		}
	})

	m.mu.Lock()
	rec.transport = t
	onTransport := m.onTransport
	m.mu.Unlock()

	if onTransport != nil {
		onTransport(id, t)
	}
}

// subscribe binds the remote side to the channel. Failure is reported but
// never fails the connection.
func (m *Manager) subscribe(ctx context.Context, rec *channel) {
	desc := rec.desc

	m.mu.Lock()
	t := rec.transport
	m.mu.Unlock()

	_, err := t.Invoke(ctx, protocol.MethodSubscribeToAgent, int(desc.ChannelID), desc.ParticipantID, desc.TenantID)
	if err == nil {
		return
	}

	subErr := &model.SubscriptionError{ChannelID: desc.ChannelID, Agent: desc.Agent, Err: err}
	m.log.Warn().Err(err).Int("channel_id", int(desc.ChannelID)).Msg("subscribe failed, keeping connection")
	m.raise(desc.ChannelID, model.ErrorKindSubscription, subErr)
}

func (m *Manager) current(rec *channel) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[rec.desc.ChannelID] == rec
}

func (m *Manager) setAttempts(rec *channel, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.attempts = n
}

// transition moves rec to next and notifies. It reports false when rec is
// no longer the channel's record or the status is unchanged.
func (m *Manager) transition(rec *channel, next model.ChannelStatus, cause error) bool {
	m.mu.Lock()
	if m.channels[rec.desc.ChannelID] != rec || rec.status == next {
		m.mu.Unlock()
		return false
	}
	prev := rec.status
	rec.status = next
	m.enqueueLocked(rec.desc.ChannelID, prev, next, cause)
	m.mu.Unlock()

	m.flush()
	return true
}

func (m *Manager) enqueueLocked(id model.ChannelID, prev, next model.ChannelStatus, cause error) {
	m.notices = append(m.notices, model.ConnectionChange{
		ChannelID: id,
		Previous:  prev,
		Current:   next,
		Err:       cause,
		At:        time.Now(),
	})
}

// flush delivers queued status changes. When another caller is already
// delivering, it picks up the new entries and flush returns at once; this
// also covers listeners that change a channel's status themselves.
func (m *Manager) flush() {
	m.mu.Lock()
	if m.notifying {
		m.mu.Unlock()
		return
	}
	m.notifying = true

	for len(m.notices) > 0 {
		change := m.notices[0]
		m.notices = m.notices[1:]
		hook := m.onStateChange
		m.mu.Unlock()

		metrics.ConnectionTransitions.WithLabelValues(string(change.Current)).Inc()
		m.log.Debug().
			Int("channel_id", int(change.ChannelID)).
			Str("from", string(change.Previous)).
			Str("to", string(change.Current)).
			Msg("channel status changed")
		if hook != nil {
			hook(change)
		}

		m.mu.Lock()
	}

	m.notifying = false
	m.mu.Unlock()
}

func (m *Manager) raise(id model.ChannelID, kind model.ErrorKind, err error) {
	m.mu.Lock()
	hook := m.onError
	m.mu.Unlock()
	if hook != nil {
		hook(model.ErrorEvent{ChannelID: id, Kind: kind, Err: err})
	}
}

// Disconnect stops the channel's connection and forgets it. It is a no-op
// for unknown channels.
func (m *Manager) Disconnect(ctx context.Context, id model.ChannelID) error {
	m.mu.Lock()
	rec, ok := m.channels[id]
	if ok {
		delete(m.channels, id)
	}
	metrics.ActiveChannels.Set(float64(len(m.channels)))
	var t transport.Transport
	if ok {
		if rec.status != model.ChannelStatusDisconnected {
			m.enqueueLocked(id, rec.status, model.ChannelStatusDisconnected, nil)
		}
		rec.status = model.ChannelStatusDisconnected
		t = rec.transport
	}
	m.mu.Unlock()

	if !ok {
		return nil
	}

	var err error
	if t != nil {
		if err = t.Stop(ctx); err != nil {
			err = fmt.Errorf("stop channel %d: %w", id, err)
		}
	}
	m.flush()
	m.log.Info().Int("channel_id", int(id)).Msg("channel disconnected")
	return err
}

// DisconnectAll disconnects every channel concurrently and waits for all of
// them.
func (m *Manager) DisconnectAll(ctx context.Context) error {
	ids := m.Channels()

	var g errgroup.Group
	for _, id := range ids {
		id := id
		g.Go(func() error {
			return m.Disconnect(ctx, id)
		})
	}
	return g.Wait()
}

// Invoke calls method on the channel's transport. The channel must be
// Connected.
func (m *Manager) Invoke(ctx context.Context, id model.ChannelID, method string, args ...any) (json.RawMessage, error) {
	m.mu.Lock()
	rec, ok := m.channels[id]
	var t transport.Transport
	if ok && rec.status == model.ChannelStatusConnected {
		t = rec.transport
	}
	m.mu.Unlock()

	if t == nil {
		return nil, model.ErrNoConnection
	}
	return t.Invoke(ctx, method, args...)
}

// State returns the status of a channel. Unknown channels are Disconnected.
func (m *Manager) State(id model.ChannelID) model.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.channels[id]; ok {
		return rec.status
	}
	return model.ChannelStatusDisconnected
}

// States returns the status of every known channel.
func (m *Manager) States() map[model.ChannelID]model.ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[model.ChannelID]model.ChannelStatus, len(m.channels))
	for id, rec := range m.channels {
		out[id] = rec.status
	}
	return out
}

// Attempts returns the number of initial connect attempts made by the
// channel's latest Connect.
func (m *Manager) Attempts(id model.ChannelID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.channels[id]; ok {
		return rec.attempts
	}
	return 0
}

// Descriptor returns the descriptor the channel was connected with.
func (m *Manager) Descriptor(id model.ChannelID) (model.ChannelDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.channels[id]
	if !ok {
		return model.ChannelDescriptor{}, false
	}
	return rec.desc, true
}

// Channels returns the known channel ids in ascending order.
func (m *Manager) Channels() []model.ChannelID {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]model.ChannelID, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
