// Package events provides a typed publish/subscribe dispatcher used to
// expose hub-level events to UI collaborators.
package events

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/metrics"
)

// Event is a typed event key. The payload type is fixed at compile time.
type Event[T any] struct {
	name string
}

// NewEvent declares an event with the given name.
func NewEvent[T any](name string) Event[T] {
	return Event[T]{name: name}
}

// Name returns the event name.
func (e Event[T]) Name() string {
	return e.name
}

// ListenerID identifies a registered listener. It is the handle for Off.
type ListenerID uint64

type listener struct {
	id    ListenerID
	event string
	once  bool
	fired atomic.Bool
	fn    func(any)
}

// Dispatcher fans events out to registered listeners.
type Dispatcher struct {
	mu        sync.Mutex
	nextID    ListenerID
	listeners map[string][]*listener
	log       zerolog.Logger
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		listeners: make(map[string][]*listener),
		log:       log,
	}
}

// On registers fn for every emission of e.
func On[T any](d *Dispatcher, e Event[T], fn func(T)) ListenerID {
	return d.add(e.name, false, func(v any) { fn(v.(T)) })
}

// Once registers fn for the next emission of e only.
func Once[T any](d *Dispatcher, e Event[T], fn func(T)) ListenerID {
	return d.add(e.name, true, func(v any) { fn(v.(T)) })
}

// Emit delivers payload to the listeners of e registered at the time of the
// call and returns how many were invoked.
func Emit[T any](d *Dispatcher, e Event[T], payload T) int {
	return d.emit(e.name, payload)
}

func (d *Dispatcher) add(event string, once bool, fn func(any)) ListenerID {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	l := &listener{id: d.nextID, event: event, once: once, fn: fn}
	d.listeners[event] = append(d.listeners[event], l)
	return l.id
}

// Off removes a listener. It returns false if the id is not registered.
func (d *Dispatcher) Off(id ListenerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.removeLocked(id)
}

func (d *Dispatcher) removeLocked(id ListenerID) bool {
	for event, list := range d.listeners {
		for i, l := range list {
			if l.id != id {
				continue
			}
			// Build a new slice so snapshots held by in-flight emits stay intact.
			next := make([]*listener, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(d.listeners, event)
			} else {
				d.listeners[event] = next
			}
			return true
		}
	}
	return false
}

func (d *Dispatcher) emit(event string, payload any) int {
	d.mu.Lock()
	snapshot := d.listeners[event]
	d.mu.Unlock()

	invoked := 0
	for _, l := range snapshot {
		if l.once {
			if !l.fired.CompareAndSwap(false, true) {
				continue
			}
			d.Off(l.id)
		}
		d.invoke(l, payload)
		invoked++
	}
	return invoked
}

func (d *Dispatcher) invoke(l *listener, payload any) {
	defer func() {
		if r := recover(); r != nil {
			metrics.CallbackErrors.WithLabelValues("listener").Inc()
			d.log.Error().
				Str("event", l.event).
				Uint64("listener_id", uint64(l.id)).
				Err(fmt.Errorf("panic: %v", r)).
				Msg("event listener failed")
		}
	}()
	l.fn(payload)
}

// ListenerCount returns the number of listeners registered for name.
func (d *Dispatcher) ListenerCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[name])
}

// Clear removes every listener.
func (d *Dispatcher) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = make(map[string][]*listener)
}
