// Package router fans typed metadata envelopes out to subscribers that
// declared interest in their message type, optionally scoped to a channel.
package router

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/metrics"
	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// Callback receives routed envelopes. A returned error is logged and never
// affects delivery to other subscribers.
type Callback func(env model.Envelope) error

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscriber)

// WithChannel restricts delivery to envelopes for one channel.
func WithChannel(id model.ChannelID) SubscribeOption {
	return func(s *subscriber) {
		s.channel = &id
	}
}

type subscriber struct {
	id       string
	seq      uint64
	types    []model.MessageType
	channel  *model.ChannelID
	callback Callback
}

func (s *subscriber) accepts(channel model.ChannelID) bool {
	return s.channel == nil || *s.channel == channel
}

// Router indexes subscribers by message type.
type Router struct {
	mu          sync.RWMutex
	seq         uint64
	subscribers map[string]*subscriber
	byType      map[model.MessageType]map[string]*subscriber
	log         zerolog.Logger
}

// New creates an empty Router.
func New(log zerolog.Logger) *Router {
	return &Router{
		subscribers: make(map[string]*subscriber),
		byType:      make(map[model.MessageType]map[string]*subscriber),
		log:         log,
	}
}

// Subscribe registers callback for the given message types. Subscribing an
// id that is already registered replaces the previous registration. The
// returned function unsubscribes this registration only.
func (r *Router) Subscribe(subscriberID string, types []model.MessageType, callback Callback, opts ...SubscribeOption) (func(), error) {
	if subscriberID == "" {
		return nil, fmt.Errorf("%w: subscriber id is required", model.ErrInvalidSubscription)
	}
	if len(types) == 0 {
		return nil, fmt.Errorf("%w: at least one message type is required", model.ErrInvalidSubscription)
	}
	if callback == nil {
		return nil, fmt.Errorf("%w: callback is required", model.ErrInvalidSubscription)
	}

	unique := make([]model.MessageType, 0, len(types))
	seen := make(map[model.MessageType]bool, len(types))
	for _, t := range types {
		if !t.Known() {
			return nil, fmt.Errorf("%w: %s", model.ErrUnknownMessageType, t)
		}
		if !seen[t] {
			seen[t] = true
			unique = append(unique, t)
		}
	}

	sub := &subscriber{id: subscriberID, types: unique, callback: callback}
	for _, opt := range opts {
		opt(sub)
	}

	r.mu.Lock()
	r.removeLocked(subscriberID)
	r.seq++
	sub.seq = r.seq
	r.subscribers[subscriberID] = sub
	for _, t := range unique {
		index, ok := r.byType[t]
		if !ok {
			index = make(map[string]*subscriber)
			r.byType[t] = index
		}
		index[subscriberID] = sub
	}
	r.mu.Unlock()

	r.log.Debug().
		Str("subscriber_id", subscriberID).
		Interface("message_types", unique).
		Msg("subscriber registered")

	seq := sub.seq
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if current, ok := r.subscribers[subscriberID]; ok && current.seq == seq {
			r.removeLocked(subscriberID)
		}
	}, nil
}

// Unsubscribe removes every index entry for subscriberID. It returns false
// if the subscriber was not registered.
func (r *Router) Unsubscribe(subscriberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeLocked(subscriberID)
}

func (r *Router) removeLocked(subscriberID string) bool {
	sub, ok := r.subscribers[subscriberID]
	if !ok {
		return false
	}
	delete(r.subscribers, subscriberID)
	for _, t := range sub.types {
		if index, ok := r.byType[t]; ok {
			delete(index, subscriberID)
			if len(index) == 0 {
				delete(r.byType, t)
			}
		}
	}
	return true
}

// Route delivers env to every matching subscriber in registration order and
// returns the number of callbacks invoked.
func (r *Router) Route(env model.Envelope) int {
	if env == nil {
		return 0
	}

	r.mu.RLock()
	index := r.byType[env.MessageType()]
	matched := make([]*subscriber, 0, len(index))
	for _, sub := range index {
		if sub.accepts(env.Channel()) {
			matched = append(matched, sub)
		}
	}
	r.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].seq < matched[j].seq })

	for _, sub := range matched {
		if err := r.deliver(sub, env); err != nil {
			metrics.CallbackErrors.WithLabelValues("subscriber").Inc()
			r.log.Warn().
				Err(err).
				Str("message_type", string(env.MessageType())).
				Int("channel_id", int(env.Channel())).
				Msg("metadata subscriber failed")
		}
	}
	return len(matched)
}

func (r *Router) deliver(sub *subscriber, env model.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &model.CallbackError{Subscriber: sub.id, Err: fmt.Errorf("panic: %v", rec)}
		}
	}()
	if cbErr := sub.callback(env); cbErr != nil {
		return &model.CallbackError{Subscriber: sub.id, Err: cbErr}
	}
	return nil
}

// SubscriberCount returns the number of registered subscribers.
func (r *Router) SubscriberCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers)
}

// Subscribed reports whether subscriberID is registered.
func (r *Router) Subscribed(subscriberID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.subscribers[subscriberID]
	return ok
}
