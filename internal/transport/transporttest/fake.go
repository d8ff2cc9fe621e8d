// Package transporttest provides an in-memory Transport for tests.
package transporttest

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/transport"
)

// Responder answers invocations. The result is JSON encoded.
type Responder func(channelID model.ChannelID, method string, args []json.RawMessage) (any, error)

// Invocation records one call to Invoke.
type Invocation struct {
	Method string
	Args   []json.RawMessage
}

// Registry is a transport.Factory that records every Fake it builds and
// scripts their connect behaviour per channel.
type Registry struct {
	mu           sync.Mutex
	fakes        map[model.ChannelID][]*Fake
	connectErrs  map[model.ChannelID][]error
	failAlways   map[model.ChannelID]error
	gates        map[model.ChannelID]chan struct{}
	connectCalls map[model.ChannelID]int
	responder    Responder
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		fakes:        make(map[model.ChannelID][]*Fake),
		connectErrs:  make(map[model.ChannelID][]error),
		failAlways:   make(map[model.ChannelID]error),
		gates:        make(map[model.ChannelID]chan struct{}),
		connectCalls: make(map[model.ChannelID]int),
	}
}

// Factory implements transport.Factory.
func (r *Registry) Factory(desc model.ChannelDescriptor, opts transport.Options) (transport.Transport, error) {
	f := &Fake{
		Desc:     desc,
		Opts:     opts,
		reg:      r,
		state:    transport.StateDisconnected,
		handlers: make(map[string][]transport.Handler),
	}

	r.mu.Lock()
	r.fakes[desc.ChannelID] = append(r.fakes[desc.ChannelID], f)
	r.mu.Unlock()
	return f, nil
}

// FailConnect makes the next len(errs) connects on channel id fail.
func (r *Registry) FailConnect(id model.ChannelID, errs ...error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectErrs[id] = append(r.connectErrs[id], errs...)
}

// FailAlways makes every connect on channel id fail with err. A nil err
// clears it.
func (r *Registry) FailAlways(id model.ChannelID, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failAlways, id)
		return
	}
	r.failAlways[id] = err
}

// Gate blocks connects on channel id until the returned release is called.
func (r *Registry) Gate(id model.ChannelID) (release func()) {
	gate := make(chan struct{})
	r.mu.Lock()
	r.gates[id] = gate
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			if r.gates[id] == gate {
				delete(r.gates, id)
			}
			r.mu.Unlock()
			close(gate)
		})
	}
}

// Respond installs the responder used by every fake.
func (r *Registry) Respond(responder Responder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responder = responder
}

// Latest returns the most recently built fake for channel id.
func (r *Registry) Latest(id model.ChannelID) *Fake {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.fakes[id]
	if len(list) == 0 {
		return nil
	}
	return list[len(list)-1]
}

// Built returns how many fakes were built for channel id.
func (r *Registry) Built(id model.ChannelID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fakes[id])
}

// ConnectCalls returns the number of Connect calls for channel id across
// every fake built for it.
func (r *Registry) ConnectCalls(id model.ChannelID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectCalls[id]
}

func (r *Registry) beginConnect(id model.ChannelID) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connectCalls[id]++
	return r.gates[id]
}

func (r *Registry) connectResult(id model.ChannelID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err, ok := r.failAlways[id]; ok {
		return err
	}
	if errs := r.connectErrs[id]; len(errs) > 0 {
		r.connectErrs[id] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *Registry) currentResponder() Responder {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.responder
}

// Fake is an in-memory transport.Transport.
type Fake struct {
	Desc model.ChannelDescriptor
	Opts transport.Options

	reg *Registry

	mu             sync.Mutex
	state          transport.State
	stops          int
	invocations    []Invocation
	handlers       map[string][]transport.Handler
	onReconnecting func(error)
	onReconnected  func()
	onClose        func(error)
}

func (f *Fake) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.state = transport.StateConnecting
	f.mu.Unlock()

	if gate := f.reg.beginConnect(f.Desc.ChannelID); gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			f.setState(transport.StateDisconnected)
			return ctx.Err()
		}
	}

	if err := f.reg.connectResult(f.Desc.ChannelID); err != nil {
		f.setState(transport.StateDisconnected)
		return err
	}
	f.setState(transport.StateConnected)
	return nil
}

func (f *Fake) Stop(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.state = transport.StateDisconnected
	return nil
}

func (f *Fake) Invoke(ctx context.Context, method string, args ...any) (json.RawMessage, error) {
	encoded := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		data, err := json.Marshal(arg)
		if err != nil {
			return nil, err
		}
		encoded = append(encoded, data)
	}

	f.mu.Lock()
	if f.state != transport.StateConnected {
		f.mu.Unlock()
		return nil, transport.ErrNotConnected
	}
	f.invocations = append(f.invocations, Invocation{Method: method, Args: encoded})
	f.mu.Unlock()

	responder := f.reg.currentResponder()
	if responder == nil {
		return nil, nil
	}
	res, err := responder(f.Desc.ChannelID, method, encoded)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return json.Marshal(res)
}

func (f *Fake) On(event string, handler transport.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
}

func (f *Fake) OnReconnecting(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnecting = fn
}

func (f *Fake) OnReconnected(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onReconnected = fn
}

func (f *Fake) OnClose(fn func(err error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onClose = fn
}

func (f *Fake) State() transport.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) setState(s transport.State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Stops returns how many times Stop was called.
func (f *Fake) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// Invocations returns a copy of the recorded invocations.
func (f *Fake) Invocations() []Invocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Invocation, len(f.invocations))
	copy(out, f.invocations)
	return out
}

// InvocationsOf returns the recorded invocations of method.
func (f *Fake) InvocationsOf(method string) []Invocation {
	var out []Invocation
	for _, inv := range f.Invocations() {
		if inv.Method == method {
			out = append(out, inv)
		}
	}
	return out
}

// Emit delivers a push event to the registered handlers synchronously.
func (f *Fake) Emit(event string, args ...any) error {
	encoded := make([]json.RawMessage, 0, len(args))
	for _, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			encoded = append(encoded, raw)
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return err
		}
		encoded = append(encoded, data)
	}

	f.mu.Lock()
	handlers := f.handlers[event]
	f.mu.Unlock()

	for _, h := range handlers {
		h(encoded)
	}
	return nil
}

// SimulateDrop moves the fake to Reconnecting and fires OnReconnecting.
func (f *Fake) SimulateDrop(err error) {
	f.mu.Lock()
	f.state = transport.StateReconnecting
	fn := f.onReconnecting
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

// SimulateReconnect moves the fake to Connected and fires OnReconnected.
func (f *Fake) SimulateReconnect() {
	f.mu.Lock()
	f.state = transport.StateConnected
	fn := f.onReconnected
	f.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// SimulateClose moves the fake to Disconnected and fires OnClose.
func (f *Fake) SimulateClose(err error) {
	f.mu.Lock()
	f.state = transport.StateDisconnected
	fn := f.onClose
	f.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}
