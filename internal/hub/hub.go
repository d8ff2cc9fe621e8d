// Package hub composes channels, message histories and metadata
// subscriptions behind a single session object.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/remote-agent-terminal/sessionhub/internal/connection"
	"github.com/remote-agent-terminal/sessionhub/internal/dedup"
	"github.com/remote-agent-terminal/sessionhub/internal/events"
	"github.com/remote-agent-terminal/sessionhub/internal/logger"
	"github.com/remote-agent-terminal/sessionhub/internal/metrics"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/processor"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/router"
	"github.com/remote-agent-terminal/sessionhub/internal/store"
	"github.com/remote-agent-terminal/sessionhub/internal/transport"
)

// Config configures a Hub.
type Config struct {
	Connection connection.Config

	// OptimisticSend records an outgoing message locally before the backend
	// acknowledges it.
	OptimisticSend bool
	// FetchHistoryOnConnect loads the first history page after each
	// successful initial connect.
	FetchHistoryOnConnect bool
	HistoryPageSize       int

	DedupWindow time.Duration
	DedupBucket time.Duration
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{
		Connection:            connection.DefaultConfig(),
		OptimisticSend:        true,
		FetchHistoryOnConnect: true,
		HistoryPageSize:       50,
		DedupWindow:           dedup.DefaultWindow,
		DedupBucket:           dedup.DefaultBucket,
	}
}

// InitResult reports the outcome of Initialize per channel.
type InitResult struct {
	Connected []model.ChannelID
	Failed    map[model.ChannelID]error
	Skipped   []model.ChannelID
}

// Hub is the session hub. Create one with New and release it with Close.
type Hub struct {
	cfg Config
	log zerolog.Logger

	events    *events.Dispatcher
	store     *store.Store
	router    *router.Router
	window    *dedup.Window
	processor *processor.Processor
	conns     *connection.Manager

	mu          sync.RWMutex
	settings    model.Settings
	descriptors map[model.ChannelID]model.ChannelDescriptor

	now func() time.Time
}

// New creates a Hub that reaches its channels through factory.
func New(cfg Config, factory transport.Factory, log zerolog.Logger) *Hub {
	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 50
	}

	h := &Hub{
		cfg:         cfg,
		log:         logger.Component(log, "hub"),
		events:      events.NewDispatcher(logger.Component(log, "events")),
		store:       store.New(),
		router:      router.New(logger.Component(log, "router")),
		window:      dedup.NewWindow(cfg.DedupWindow, cfg.DedupBucket),
		descriptors: make(map[model.ChannelID]model.ChannelDescriptor),
		now:         time.Now,
	}
	h.processor = processor.New(h.store, h.router, h.events, h.window, logger.Component(log, "processor"))
	h.conns = connection.NewManager(cfg.Connection, factory, logger.Component(log, "connection"))

	h.conns.SetOnStateChange(func(change model.ConnectionChange) {
		events.Emit(h.events, events.ConnectionChange, change)
	})
	h.conns.SetOnError(func(ev model.ErrorEvent) {
		events.Emit(h.events, events.Error, ev)
	})
	h.conns.SetOnTransport(h.bindPushHandlers)
	h.conns.SetOnConnected(func(id model.ChannelID) {
		if !h.cfg.FetchHistoryOnConnect {
			return
		}
		// Failures are reported through the error event.
		h.LoadHistory(context.Background(), id, 1)
	})

	return h
}

// Events returns the dispatcher carrying the message, connection_change,
// error and thread_history events.
func (h *Hub) Events() *events.Dispatcher {
	return h.events
}

// Off removes an event listener registered on Events.
func (h *Hub) Off(id events.ListenerID) bool {
	return h.events.Off(id)
}

func (h *Hub) bindPushHandlers(id model.ChannelID, t transport.Transport) {
	log := h.log.With().Int("channel_id", int(id)).Logger()

	t.On(protocol.EventReceiveMessage, func(args []json.RawMessage) {
		if len(args) == 0 {
			log.Warn().Msg("ReceiveMessage without payload")
			return
		}
		h.processor.HandleReceive(id, args[0])
	})

	t.On(protocol.EventInboundProcessed, func(args []json.RawMessage) {
		var threadID string
		if len(args) == 0 || json.Unmarshal(args[0], &threadID) != nil {
			log.Warn().Msg("InboundProcessed without thread id")
			return
		}
		h.processor.ProcessThreadUpdate(id, threadID)
	})

	t.On(protocol.EventThreadHistory, func(args []json.RawMessage) {
		var items []json.RawMessage
		if len(args) == 0 {
			return
		}
		if err := json.Unmarshal(args[0], &items); err != nil {
			log.Warn().Err(err).Msg("dropping undecodable history batch")
			return
		}
		h.mergeHistory(id, 0, h.processor.DecodeBatch(id, items))
	})
}

// Initialize binds the session settings and concurrently connects every
// descriptor that names an agent. One channel's failure never prevents the
// others from completing.
func (h *Hub) Initialize(ctx context.Context, settings model.Settings, descriptors []model.ChannelDescriptor) *InitResult {
	result := &InitResult{Failed: make(map[model.ChannelID]error)}

	routes := make(map[string]model.ChannelID)
	var bound []model.ChannelDescriptor

	h.mu.Lock()
	h.settings = settings
	for _, d := range descriptors {
		d = d.WithDefaults(settings)
		h.descriptors[d.ChannelID] = d

		if !d.Bound() {
			result.Skipped = append(result.Skipped, d.ChannelID)
			h.log.Info().Int("channel_id", int(d.ChannelID)).Msg("channel has no bound agent, skipping")
			continue
		}
		if existing, ok := routes[d.Agent]; ok {
			h.log.Warn().
				Str("agent", d.Agent).
				Int("channel_id", int(d.ChannelID)).
				Int("routed_to", int(existing)).
				Msg("agent bound to several channels, envelopes route to the first")
		} else {
			routes[d.Agent] = d.ChannelID
		}
		bound = append(bound, d)
	}
	h.mu.Unlock()

	h.processor.SetRoutes(routes)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, d := range bound {
		d := d
		g.Go(func() error {
			err := h.conns.Connect(ctx, d)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed[d.ChannelID] = err
			} else {
				result.Connected = append(result.Connected, d.ChannelID)
			}
			return nil
		})
	}
	g.Wait()

	sort.Slice(result.Connected, func(i, j int) bool { return result.Connected[i] < result.Connected[j] })

	h.log.Info().
		Int("connected", len(result.Connected)).
		Int("failed", len(result.Failed)).
		Int("skipped", len(result.Skipped)).
		Msg("hub initialized")
	return result
}

func (h *Hub) descriptor(id model.ChannelID) (model.ChannelDescriptor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	d, ok := h.descriptors[id]
	return d, ok
}

// Descriptors returns the registered channel descriptors by ascending id.
func (h *Hub) Descriptors() []model.ChannelDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]model.ChannelDescriptor, 0, len(h.descriptors))
	for _, d := range h.descriptors {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// SendMessage sends content on channelID. The channel must be connected;
// there is no queueing.
func (h *Hub) SendMessage(ctx context.Context, content string, channelID model.ChannelID, metadata map[string]any) (*protocol.SendResult, error) {
	if h.conns.State(channelID) != model.ChannelStatusConnected {
		metrics.Sends.WithLabelValues("no_connection").Inc()
		return nil, &model.SendError{ChannelID: channelID, Err: model.ErrNoConnection}
	}

	desc, ok := h.descriptor(channelID)
	if !ok {
		metrics.Sends.WithLabelValues("failure").Inc()
		return nil, &model.SendError{ChannelID: channelID, Err: model.ErrChannelNotFound}
	}

	threadID := h.store.ThreadID(channelID)
	req := protocol.InboundRequest{
		ThreadID:      threadID,
		Agent:         desc.Agent,
		WorkflowType:  desc.WorkflowType,
		WorkflowID:    desc.WorkflowID,
		ParticipantID: desc.ParticipantID,
		Content:       content,
		Metadata:      metadata,
	}
	if err := req.Validate(); err != nil {
		metrics.Sends.WithLabelValues("failure").Inc()
		return nil, &model.SendError{ChannelID: channelID, Err: err}
	}

	var localID string
	if h.cfg.OptimisticSend {
		localID = uuid.NewString()
		h.processor.Record(model.Message{
			LocalID:       localID,
			Content:       content,
			Direction:     model.DirectionInbound,
			CreatedAt:     h.now(),
			ChannelID:     channelID,
			ThreadID:      threadID,
			ParticipantID: desc.ParticipantID,
			Metadata:      metadata,
		})
	}

	raw, err := h.conns.Invoke(ctx, channelID, protocol.MethodSendInboundMessage, req)
	if err != nil {
		metrics.Sends.WithLabelValues("failure").Inc()
		h.log.Warn().Err(err).Int("channel_id", int(channelID)).Msg("send failed")
		return nil, &model.SendError{ChannelID: channelID, Err: err}
	}

	res := &protocol.SendResult{}
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, res); err != nil {
			h.log.Warn().Err(err).Int("channel_id", int(channelID)).Msg("undecodable send result")
		}
	}
	if res.ThreadID == "" {
		res.ThreadID = threadID
	}
	h.processor.ProcessThreadUpdate(channelID, res.ThreadID)
	if localID != "" {
		h.processor.Confirm(channelID, localID, res.MessageID, res.ThreadID)
	}

	metrics.Sends.WithLabelValues("success").Inc()
	return res, nil
}

// LoadHistory fetches one history page for channelID and merges it. It
// returns the messages that were not already known.
func (h *Hub) LoadHistory(ctx context.Context, channelID model.ChannelID, page int) ([]model.Message, error) {
	if page < 1 {
		page = 1
	}

	desc, ok := h.descriptor(channelID)
	if !ok {
		return nil, h.historyFailed(channelID, page, model.ErrChannelNotFound)
	}

	raw, err := h.conns.Invoke(ctx, channelID, protocol.MethodGetThreadHistory,
		desc.WorkflowType, desc.ParticipantID, page, h.cfg.HistoryPageSize)
	if err != nil {
		return nil, h.historyFailed(channelID, page, err)
	}

	var items []json.RawMessage
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, h.historyFailed(channelID, page, fmt.Errorf("decode history page: %w", err))
		}
	}

	return h.mergeHistory(channelID, page, h.processor.DecodeBatch(channelID, items)), nil
}

func (h *Hub) mergeHistory(channelID model.ChannelID, page int, batch []protocol.RawMessage) []model.Message {
	added := h.processor.ProcessThreadHistory(channelID, batch)
	events.Emit(h.events, events.ThreadHistory, model.HistoryEvent{
		ChannelID: channelID,
		Page:      page,
		Added:     added,
		History:   h.store.History(channelID),
	})
	return added
}

func (h *Hub) historyFailed(channelID model.ChannelID, page int, err error) error {
	histErr := &model.HistoryFetchError{ChannelID: channelID, Page: page, Err: err}
	h.log.Warn().Err(err).Int("channel_id", int(channelID)).Int("page", page).Msg("history fetch failed")
	events.Emit(h.events, events.Error, model.ErrorEvent{
		ChannelID: channelID,
		Kind:      model.ErrorKindHistory,
		Err:       histErr,
	})
	return histErr
}

// SubscribeToMetadata registers callback for the given envelope types.
func (h *Hub) SubscribeToMetadata(subscriberID string, types []model.MessageType, callback router.Callback, opts ...router.SubscribeOption) (func(), error) {
	return h.router.Subscribe(subscriberID, types, callback, opts...)
}

// UnsubscribeFromMetadata removes a metadata subscriber.
func (h *Hub) UnsubscribeFromMetadata(subscriberID string) bool {
	return h.router.Unsubscribe(subscriberID)
}

// ChatHistory returns the current history snapshot of a channel.
func (h *Hub) ChatHistory(channelID model.ChannelID) []model.Message {
	return h.store.History(channelID)
}

// ThreadID returns the current thread id of a channel.
func (h *Hub) ThreadID(channelID model.ChannelID) string {
	return h.store.ThreadID(channelID)
}

// ConnectionStates returns the status of every registered channel.
func (h *Hub) ConnectionStates() map[model.ChannelID]model.ChannelStatus {
	return h.conns.States()
}

// ConnectionState returns the status of one channel.
func (h *Hub) ConnectionState(channelID model.ChannelID) model.ChannelStatus {
	return h.conns.State(channelID)
}

// Reconnect retries the connection of a registered channel.
func (h *Hub) Reconnect(ctx context.Context, channelID model.ChannelID) error {
	desc, ok := h.descriptor(channelID)
	if !ok {
		return &model.ConnectionError{ChannelID: channelID, Err: model.ErrChannelNotFound}
	}
	return h.conns.Connect(ctx, desc)
}

// Disconnect stops one channel. History is kept.
func (h *Hub) Disconnect(ctx context.Context, channelID model.ChannelID) error {
	return h.conns.Disconnect(ctx, channelID)
}

// ClearHistory drops the history and thread id of one channel, and forgets
// its dedup fingerprints so a reload restores every message.
func (h *Hub) ClearHistory(channelID model.ChannelID) {
	h.store.Clear(channelID)
	h.window.ForgetChannel(channelID)
}

// DisconnectAll stops every channel concurrently.
func (h *Hub) DisconnectAll(ctx context.Context) error {
	return h.conns.DisconnectAll(ctx)
}

// Close disconnects every channel and releases the hub's background work.
func (h *Hub) Close(ctx context.Context) error {
	err := h.conns.DisconnectAll(ctx)
	h.window.Close()
	return err
}
