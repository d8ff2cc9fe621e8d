// Package processor turns raw transport payloads into stored chat messages
// and routed metadata envelopes.
package processor

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/dedup"
	"github.com/remote-agent-terminal/sessionhub/internal/events"
	"github.com/remote-agent-terminal/sessionhub/internal/metrics"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/router"
	"github.com/remote-agent-terminal/sessionhub/internal/store"
)

// Processor normalizes inbound payloads for the hub.
type Processor struct {
	store  *store.Store
	router *router.Router
	events *events.Dispatcher
	window *dedup.Window

	mu     sync.RWMutex
	routes map[string]model.ChannelID

	now func() time.Time
	log zerolog.Logger
}

// New creates a Processor over the given collaborators.
func New(st *store.Store, rt *router.Router, ev *events.Dispatcher, window *dedup.Window, log zerolog.Logger) *Processor {
	return &Processor{
		store:  st,
		router: rt,
		events: ev,
		window: window,
		routes: make(map[string]model.ChannelID),
		now:    time.Now,
		log:    log,
	}
}

// SetRoutes replaces the agent name to channel table used to resolve
// envelopes that name an agent rather than a channel.
func (p *Processor) SetRoutes(routes map[string]model.ChannelID) {
	table := make(map[string]model.ChannelID, len(routes))
	for agent, id := range routes {
		table[agent] = id
	}

	p.mu.Lock()
	p.routes = table
	p.mu.Unlock()
}

// Route returns the channel bound to agent.
func (p *Processor) Route(agent string) (model.ChannelID, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	id, ok := p.routes[agent]
	return id, ok
}

// HandleReceive is the entry point for a ReceiveMessage push on channelID.
func (p *Processor) HandleReceive(channelID model.ChannelID, payload json.RawMessage) {
	var raw protocol.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		metrics.MessagesProcessed.WithLabelValues("malformed").Inc()
		p.log.Warn().
			Err(err).
			Int("channel_id", int(channelID)).
			Msg("dropping undecodable payload")
		return
	}

	if raw.IsEnvelope() {
		p.ProcessMetadata(channelID, &raw)
		return
	}
	p.ProcessMessage(channelID, &raw)
}

// ToMessage validates raw and converts it to a Message on channelID.
func ToMessage(channelID model.ChannelID, raw *protocol.RawMessage) (model.Message, error) {
	if raw.CreatedAt.IsZero() {
		return model.Message{}, fmt.Errorf("%w: missing createdAt", model.ErrMalformedMessage)
	}
	if raw.Direction == "" {
		return model.Message{}, fmt.Errorf("%w: missing direction", model.ErrMalformedMessage)
	}
	direction, ok := raw.Direction.Canonical()
	if !ok {
		return model.Message{}, fmt.Errorf("%w: unknown direction %q", model.ErrMalformedMessage, raw.Direction)
	}
	if raw.Content == "" && direction != model.DirectionHandover {
		return model.Message{}, fmt.Errorf("%w: empty content", model.ErrMalformedMessage)
	}

	return model.Message{
		ID:            raw.ID,
		Content:       raw.Content,
		Direction:     direction,
		CreatedAt:     raw.CreatedAt,
		ChannelID:     channelID,
		ThreadID:      raw.ThreadID,
		ParticipantID: raw.ParticipantID,
		Metadata:      raw.Metadata,
	}, nil
}

// ProcessMessage stores raw on channelID unless it is malformed or a
// duplicate. It returns true iff the message was stored.
func (p *Processor) ProcessMessage(channelID model.ChannelID, raw *protocol.RawMessage) bool {
	msg, err := ToMessage(channelID, raw)
	if err != nil {
		metrics.MessagesProcessed.WithLabelValues("malformed").Inc()
		p.log.Warn().
			Err(err).
			Int("channel_id", int(channelID)).
			Str("message_id", raw.ID).
			Msg("dropping malformed message")
		return false
	}
	return p.Record(msg)
}

// Record stores an already normalized message, applying the same dedup
// rules as ProcessMessage.
func (p *Processor) Record(msg model.Message) bool {
	if p.window.Seen(msg) {
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		p.log.Debug().
			Int("channel_id", int(msg.ChannelID)).
			Str("message_id", msg.ID).
			Msg("duplicate message ignored")
		return false
	}

	if !p.store.Insert(msg.ChannelID, msg) {
		metrics.MessagesProcessed.WithLabelValues("duplicate").Inc()
		p.log.Debug().
			Int("channel_id", int(msg.ChannelID)).
			Str("message_id", msg.ID).
			Msg("message id already stored")
		return false
	}
	if msg.ThreadID != "" && p.store.ThreadID(msg.ChannelID) == "" {
		p.store.SetThreadID(msg.ChannelID, msg.ThreadID)
	}
	metrics.MessagesProcessed.WithLabelValues("stored").Inc()

	events.Emit(p.events, events.Message, msg)
	return true
}

// ProcessMetadata decodes raw as a typed envelope and routes it to
// subscribers. Envelopes that cannot be typed or resolved are dropped.
func (p *Processor) ProcessMetadata(channelID model.ChannelID, raw *protocol.RawMessage) {
	log := p.log.With().Int("channel_id", int(channelID)).Logger()

	if raw.MessageType == "" {
		metrics.Envelopes.WithLabelValues("", "dropped").Inc()
		log.Warn().Err(model.ErrMissingMessageType).Msg("dropping envelope")
		return
	}

	messageType := model.MessageType(raw.MessageType)
	if !messageType.Known() {
		metrics.Envelopes.WithLabelValues("unknown", "dropped").Inc()
		log.Warn().
			Err(model.ErrUnknownMessageType).
			Str("message_type", raw.MessageType).
			Msg("dropping envelope")
		return
	}

	target, err := p.resolveChannel(channelID, raw)
	if err != nil {
		metrics.Envelopes.WithLabelValues(raw.MessageType, "dropped").Inc()
		log.Warn().
			Err(err).
			Str("message_type", raw.MessageType).
			Str("agent", raw.Agent).
			Msg("dropping envelope")
		return
	}

	header := model.EnvelopeHeader{
		ChannelID:  target,
		ThreadID:   raw.ThreadID,
		Agent:      raw.Agent,
		ReceivedAt: p.now(),
	}
	env, err := model.DecodeEnvelope(messageType, header, raw.Payload)
	if err != nil {
		metrics.Envelopes.WithLabelValues(raw.MessageType, "dropped").Inc()
		log.Warn().
			Err(err).
			Str("message_type", raw.MessageType).
			Msg("dropping envelope")
		return
	}

	delivered := p.router.Route(env)
	metrics.Envelopes.WithLabelValues(raw.MessageType, "routed").Inc()
	log.Debug().
		Str("message_type", raw.MessageType).
		Int("target_channel_id", int(target)).
		Int("delivered", delivered).
		Msg("envelope routed")
}

// Resolution order: explicit channel id, agent route, receiving channel.
func (p *Processor) resolveChannel(receiving model.ChannelID, raw *protocol.RawMessage) (model.ChannelID, error) {
	if raw.ChannelID != nil {
		return model.ChannelID(*raw.ChannelID), nil
	}
	if raw.Agent != "" {
		if id, ok := p.Route(raw.Agent); ok {
			return id, nil
		}
		return 0, fmt.Errorf("%w: agent %q", model.ErrRouteNotFound, raw.Agent)
	}
	return receiving, nil
}

// DecodeBatch decodes the items of a history batch one by one. Items that
// fail to decode are logged, counted as malformed and left out; the rest
// keep their order.
func (p *Processor) DecodeBatch(channelID model.ChannelID, items []json.RawMessage) []protocol.RawMessage {
	batch := make([]protocol.RawMessage, 0, len(items))
	for i, item := range items {
		var raw protocol.RawMessage
		if err := json.Unmarshal(item, &raw); err != nil {
			metrics.MessagesProcessed.WithLabelValues("malformed").Inc()
			p.log.Warn().
				Err(err).
				Int("channel_id", int(channelID)).
				Int("index", i).
				Msg("dropping undecodable history item")
			continue
		}
		batch = append(batch, raw)
	}
	return batch
}

// Confirm attaches the backend id and thread to a message recorded locally
// before the send was acknowledged. Later copies carrying that id are
// treated as duplicates.
func (p *Processor) Confirm(channelID model.ChannelID, localID, messageID, threadID string) bool {
	return p.store.Confirm(channelID, localID, messageID, threadID)
}

// ProcessThreadHistory merges a history batch into channelID. The batch is
// replayed oldest first; the messages that were actually stored are
// returned in that order.
func (p *Processor) ProcessThreadHistory(channelID model.ChannelID, batch []protocol.RawMessage) []model.Message {
	ordered := make([]protocol.RawMessage, len(batch))
	copy(ordered, batch)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	added := make([]model.Message, 0, len(ordered))
	for i := range ordered {
		raw := &ordered[i]
		if raw.IsEnvelope() {
			continue
		}
		msg, err := ToMessage(channelID, raw)
		if err != nil {
			metrics.MessagesProcessed.WithLabelValues("malformed").Inc()
			p.log.Warn().
				Err(err).
				Int("channel_id", int(channelID)).
				Msg("dropping malformed history item")
			continue
		}
		if p.Record(msg) {
			added = append(added, msg)
		}
	}

	p.log.Debug().
		Int("channel_id", int(channelID)).
		Int("received", len(batch)).
		Int("added", len(added)).
		Msg("thread history merged")
	return added
}

// ProcessThreadUpdate records the thread id assigned by the backend.
func (p *Processor) ProcessThreadUpdate(channelID model.ChannelID, threadID string) {
	if threadID == "" {
		return
	}
	p.store.SetThreadID(channelID, threadID)
}
