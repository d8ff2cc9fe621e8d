package connection

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
	"github.com/remote-agent-terminal/sessionhub/internal/transport/transporttest"
)

type recorder struct {
	mu        sync.Mutex
	changes   []model.ConnectionChange
	errs      []model.ErrorEvent
	connected []model.ChannelID
	delays    []time.Duration
}

func (r *recorder) statuses(id model.ChannelID) []model.ChannelStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.ChannelStatus
	for _, c := range r.changes {
		if c.ChannelID == id {
			out = append(out, c.Current)
		}
	}
	return out
}

func (r *recorder) errorEvents() []model.ErrorEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ErrorEvent, len(r.errs))
	copy(out, r.errs)
	return out
}

func newTestManager(t *testing.T) (*Manager, *transporttest.Registry, *recorder) {
	t.Helper()

	reg := transporttest.NewRegistry()
	rec := &recorder{}

	m := NewManager(DefaultConfig(), reg.Factory, zerolog.Nop())
	m.sleep = func(ctx context.Context, d time.Duration) error {
		rec.mu.Lock()
		rec.delays = append(rec.delays, d)
		rec.mu.Unlock()
		return nil
	}
	m.SetOnStateChange(func(c model.ConnectionChange) {
		rec.mu.Lock()
		rec.changes = append(rec.changes, c)
		rec.mu.Unlock()
	})
	m.SetOnError(func(e model.ErrorEvent) {
		rec.mu.Lock()
		rec.errs = append(rec.errs, e)
		rec.mu.Unlock()
	})
	m.SetOnConnected(func(id model.ChannelID) {
		rec.mu.Lock()
		rec.connected = append(rec.connected, id)
		rec.mu.Unlock()
	})
	return m, reg, rec
}

func desc(id model.ChannelID) model.ChannelDescriptor {
	return model.ChannelDescriptor{
		ChannelID:     id,
		Agent:         "agent",
		WorkflowType:  "agent",
		ParticipantID: "p-1",
		TenantID:      "t-1",
		Endpoint:      "ws://backend/hub",
	}
}

func equalStatuses(got []model.ChannelStatus, want ...model.ChannelStatus) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestManager_ConnectSuccess(t *testing.T) {
	m, reg, rec := newTestManager(t)

	if err := m.Connect(context.Background(), desc(1)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if got := rec.statuses(1); !equalStatuses(got, model.ChannelStatusConnecting, model.ChannelStatusConnected) {
		t.Errorf("unexpected transitions: %v", got)
	}
	if m.State(1) != model.ChannelStatusConnected {
		t.Errorf("expected connected, got %s", m.State(1))
	}
	if m.Attempts(1) != 1 {
		t.Errorf("expected 1 attempt, got %d", m.Attempts(1))
	}

	subs := reg.Latest(1).InvocationsOf(protocol.MethodSubscribeToAgent)
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscribe call, got %d", len(subs))
	}
	var channelArg int
	var participant, tenant string
	json.Unmarshal(subs[0].Args[0], &channelArg)
	json.Unmarshal(subs[0].Args[1], &participant)
	json.Unmarshal(subs[0].Args[2], &tenant)
	if channelArg != 1 || participant != "p-1" || tenant != "t-1" {
		t.Errorf("unexpected subscribe args: %d %q %q", channelArg, participant, tenant)
	}

	if len(rec.connected) != 1 || rec.connected[0] != 1 {
		t.Errorf("expected OnConnected for channel 1, got %v", rec.connected)
	}
}

func TestManager_ConnectMutualExclusion(t *testing.T) {
	m, reg, _ := newTestManager(t)
	release := reg.Gate(1)

	results := make(chan error, 2)
	go func() { results <- m.Connect(context.Background(), desc(1)) }()
	waitUntil(t, func() bool { return m.PendingWaiters(1) == 0 })

	go func() { results <- m.Connect(context.Background(), desc(1)) }()
	waitUntil(t, func() bool { return m.PendingWaiters(1) == 1 })

	release()

	for i := 0; i < 2; i++ {
		if err := <-results; err != nil {
			t.Errorf("connect %d: %v", i, err)
		}
	}
	if reg.Built(1) != 1 {
		t.Errorf("expected exactly one transport, got %d", reg.Built(1))
	}
	if reg.ConnectCalls(1) != 1 {
		t.Errorf("expected exactly one physical connect, got %d", reg.ConnectCalls(1))
	}
	if m.PendingWaiters(1) != -1 {
		t.Error("connection lock should be released")
	}

	// A fresh attempt is allowed once the lock is released.
	if err := m.Connect(context.Background(), desc(1)); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if reg.Built(1) != 2 {
		t.Errorf("expected a second transport, got %d", reg.Built(1))
	}
}

func TestManager_ConnectWaitersShareFailure(t *testing.T) {
	m, reg, _ := newTestManager(t)
	reg.FailAlways(1, errors.New("refused"))
	release := reg.Gate(1)

	results := make(chan error, 2)
	go func() { results <- m.Connect(context.Background(), desc(1)) }()
	waitUntil(t, func() bool { return m.PendingWaiters(1) == 0 })
	go func() { results <- m.Connect(context.Background(), desc(1)) }()
	waitUntil(t, func() bool { return m.PendingWaiters(1) == 1 })
	release()

	first, second := <-results, <-results
	if first == nil || first != second {
		t.Errorf("waiters should receive the same error: %v / %v", first, second)
	}
}

func TestManager_RetryWithLinearBackoff(t *testing.T) {
	m, reg, rec := newTestManager(t)
	reg.FailConnect(1, errors.New("e1"), errors.New("e2"))

	if err := m.Connect(context.Background(), desc(1)); err != nil {
		t.Fatalf("connect: %v", err)
	}

	if m.Attempts(1) != 3 {
		t.Errorf("expected 3 attempts, got %d", m.Attempts(1))
	}
	if len(rec.delays) != 2 || rec.delays[0] != time.Second || rec.delays[1] != 2*time.Second {
		t.Errorf("expected delays [1s 2s], got %v", rec.delays)
	}
	if got := rec.statuses(1); !equalStatuses(got, model.ChannelStatusConnecting, model.ChannelStatusConnected) {
		t.Errorf("retries must not emit extra transitions: %v", got)
	}
}

func TestManager_ConnectExhausted(t *testing.T) {
	m, reg, rec := newTestManager(t)
	reg.FailAlways(1, errors.New("refused"))

	err := m.Connect(context.Background(), desc(1))

	var connErr *model.ConnectionError
	if !errors.As(err, &connErr) {
		t.Fatalf("expected ConnectionError, got %v", err)
	}
	if connErr.Attempts != 3 || connErr.ChannelID != 1 {
		t.Errorf("unexpected error: %+v", connErr)
	}
	if reg.ConnectCalls(1) != 3 {
		t.Errorf("expected 3 connect calls, got %d", reg.ConnectCalls(1))
	}

	want := []model.ChannelStatus{model.ChannelStatusConnecting, model.ChannelStatusFailed, model.ChannelStatusDisconnected}
	if got := rec.statuses(1); !equalStatuses(got, want...) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if m.State(1) != model.ChannelStatusDisconnected {
		t.Errorf("expected disconnected, got %s", m.State(1))
	}

	errs := rec.errorEvents()
	if len(errs) != 1 || errs[0].Kind != model.ErrorKindConnection || errs[0].ChannelID != 1 {
		t.Errorf("expected one connection error event, got %+v", errs)
	}
	if len(rec.connected) != 0 {
		t.Error("OnConnected must not fire on failure")
	}
}

func TestManager_SubscribeFailureKeepsConnection(t *testing.T) {
	m, reg, rec := newTestManager(t)
	reg.Respond(func(_ model.ChannelID, method string, _ []json.RawMessage) (any, error) {
		if method == protocol.MethodSubscribeToAgent {
			return nil, errors.New("unknown agent")
		}
		return nil, nil
	})

	if err := m.Connect(context.Background(), desc(1)); err != nil {
		t.Fatalf("subscribe failure must not fail connect: %v", err)
	}
	if m.State(1) != model.ChannelStatusConnected {
		t.Errorf("expected connected, got %s", m.State(1))
	}

	errs := rec.errorEvents()
	if len(errs) != 1 || errs[0].Kind != model.ErrorKindSubscription {
		t.Fatalf("expected one subscription error, got %+v", errs)
	}
	var subErr *model.SubscriptionError
	if !errors.As(errs[0].Err, &subErr) || subErr.Agent != "agent" {
		t.Errorf("unexpected error: %v", errs[0].Err)
	}
}

func TestManager_ReconnectLifecycle(t *testing.T) {
	m, reg, rec := newTestManager(t)
	if err := m.Connect(context.Background(), desc(1)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fake := reg.Latest(1)

	fake.SimulateDrop(errors.New("network"))
	if m.State(1) != model.ChannelStatusReconnecting {
		t.Errorf("expected reconnecting, got %s", m.State(1))
	}
	if _, err := m.Invoke(context.Background(), 1, "Anything"); !errors.Is(err, model.ErrNoConnection) {
		t.Errorf("expected ErrNoConnection while reconnecting, got %v", err)
	}

	fake.SimulateReconnect()
	if m.State(1) != model.ChannelStatusConnected {
		t.Errorf("expected connected, got %s", m.State(1))
	}
	if n := len(fake.InvocationsOf(protocol.MethodSubscribeToAgent)); n != 2 {
		t.Errorf("expected re-subscribe after reconnect, got %d subscribe calls", n)
	}

	fake.SimulateDrop(errors.New("network"))
	fake.SimulateClose(errors.New("gave up"))
	if m.State(1) != model.ChannelStatusFailed {
		t.Errorf("expected failed, got %s", m.State(1))
	}

	want := []model.ChannelStatus{
		model.ChannelStatusConnecting,
		model.ChannelStatusConnected,
		model.ChannelStatusReconnecting,
		model.ChannelStatusConnected,
		model.ChannelStatusReconnecting,
		model.ChannelStatusFailed,
	}
	if got := rec.statuses(1); !equalStatuses(got, want...) {
		t.Errorf("expected %v, got %v", want, got)
	}

	errs := rec.errorEvents()
	if len(errs) != 1 || errs[0].Kind != model.ErrorKindConnection {
		t.Errorf("expected one connection error event, got %+v", errs)
	}
}

func TestManager_SupersededTransportIgnored(t *testing.T) {
	m, reg, rec := newTestManager(t)

	m.Connect(context.Background(), desc(1))
	old := reg.Latest(1)
	m.Connect(context.Background(), desc(1))

	if old.Stops() != 1 {
		t.Errorf("previous transport should be stopped, got %d stops", old.Stops())
	}

	before := len(rec.statuses(1))
	old.SimulateDrop(errors.New("late"))
	old.SimulateClose(errors.New("late"))

	if m.State(1) != model.ChannelStatusConnected {
		t.Errorf("stale callbacks changed state to %s", m.State(1))
	}
	if len(rec.statuses(1)) != before {
		t.Error("stale callbacks must not emit transitions")
	}
}

func TestManager_DisconnectStopsRetries(t *testing.T) {
	m, reg, rec := newTestManager(t)
	reg.FailAlways(1, errors.New("refused"))
	m.sleep = func(ctx context.Context, d time.Duration) error {
		return m.Disconnect(ctx, 1)
	}

	err := m.Connect(context.Background(), desc(1))

	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if reg.ConnectCalls(1) != 1 {
		t.Errorf("retries must stop after disconnect, got %d connect calls", reg.ConnectCalls(1))
	}
	if len(rec.errorEvents()) != 0 {
		t.Errorf("a superseded connect raises no error event, got %+v", rec.errorEvents())
	}
	want := []model.ChannelStatus{model.ChannelStatusConnecting, model.ChannelStatusDisconnected}
	if got := rec.statuses(1); !equalStatuses(got, want...) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestManager_TransitionsDeliveredInOrder(t *testing.T) {
	m, reg, rec := newTestManager(t)
	if err := m.Connect(context.Background(), desc(1)); err != nil {
		t.Fatalf("connect: %v", err)
	}
	fake := reg.Latest(1)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fake.SimulateDrop(errors.New("network"))
			fake.SimulateReconnect()
		}()
	}
	wg.Wait()
	m.Disconnect(context.Background(), 1)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	prev := model.ChannelStatusDisconnected
	for i, c := range rec.changes {
		if c.Previous != prev {
			t.Fatalf("change %d: previous %s does not follow %s", i, c.Previous, prev)
		}
		prev = c.Current
	}
	if prev != model.ChannelStatusDisconnected {
		t.Errorf("expected the last change to be a disconnect, got %s", prev)
	}
}

func TestManager_ListenerMayChangeStatus(t *testing.T) {
	m, _, _ := newTestManager(t)

	var statuses []model.ChannelStatus
	m.SetOnStateChange(func(c model.ConnectionChange) {
		statuses = append(statuses, c.Current)
		if c.Current == model.ChannelStatusConnected {
			m.Disconnect(context.Background(), c.ChannelID)
		}
	})

	m.Connect(context.Background(), desc(1))

	want := []model.ChannelStatus{model.ChannelStatusConnecting, model.ChannelStatusConnected, model.ChannelStatusDisconnected}
	if !equalStatuses(statuses, want...) {
		t.Errorf("expected %v, got %v", want, statuses)
	}
}

func TestManager_DisconnectIdempotent(t *testing.T) {
	m, reg, rec := newTestManager(t)

	if err := m.Disconnect(context.Background(), 9); err != nil {
		t.Errorf("disconnecting an unknown channel: %v", err)
	}

	m.Connect(context.Background(), desc(1))
	if err := m.Disconnect(context.Background(), 1); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if err := m.Disconnect(context.Background(), 1); err != nil {
		t.Fatalf("second disconnect: %v", err)
	}

	want := []model.ChannelStatus{model.ChannelStatusConnecting, model.ChannelStatusConnected, model.ChannelStatusDisconnected}
	if got := rec.statuses(1); !equalStatuses(got, want...) {
		t.Errorf("expected %v, got %v", want, got)
	}
	if _, ok := m.States()[1]; ok {
		t.Error("disconnected channel should be removed from the registry")
	}
	if reg.Latest(1).Stops() != 1 {
		t.Errorf("expected one stop, got %d", reg.Latest(1).Stops())
	}
	if _, err := m.Invoke(context.Background(), 1, "Anything"); !errors.Is(err, model.ErrNoConnection) {
		t.Errorf("expected ErrNoConnection, got %v", err)
	}
}

func TestManager_DisconnectAll(t *testing.T) {
	m, reg, _ := newTestManager(t)

	for id := model.ChannelID(1); id <= 3; id++ {
		if err := m.Connect(context.Background(), desc(id)); err != nil {
			t.Fatalf("connect %d: %v", id, err)
		}
	}

	if err := m.DisconnectAll(context.Background()); err != nil {
		t.Fatalf("disconnect all: %v", err)
	}
	if len(m.States()) != 0 {
		t.Errorf("expected no channels, got %v", m.States())
	}
	for id := model.ChannelID(1); id <= 3; id++ {
		if reg.Latest(id).Stops() != 1 {
			t.Errorf("channel %d not stopped", id)
		}
	}
}

func TestManager_UnboundDescriptor(t *testing.T) {
	m, reg, _ := newTestManager(t)

	d := desc(1)
	d.Agent = ""
	if err := m.Connect(context.Background(), d); !errors.Is(err, model.ErrAgentRequired) {
		t.Errorf("expected ErrAgentRequired, got %v", err)
	}
	if reg.Built(1) != 0 {
		t.Error("no transport should be built for an unbound channel")
	}
}

func TestBackoff(t *testing.T) {
	selector := Backoff(time.Second, 30*time.Second, 10)

	want := []time.Duration{1, 2, 4, 8, 16, 30, 30, 30, 30, 30}
	for retry, w := range want {
		d, ok := selector(retry)
		if !ok || d != w*time.Second {
			t.Errorf("retry %d: expected %v, got %v (ok=%v)", retry, w*time.Second, d, ok)
		}
	}
	if _, ok := selector(10); ok {
		t.Error("expected to give up after max retries")
	}
}

func TestBackoffProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200

	properties := gopter.NewProperties(parameters)

	properties.Property("delays are capped and non-decreasing", prop.ForAll(
		func(initialMs, maxMs, retry int) bool {
			initial := time.Duration(initialMs) * time.Millisecond
			max := time.Duration(maxMs) * time.Millisecond
			if max < initial {
				initial, max = max, initial
			}
			selector := Backoff(initial, max, 100)

			d1, ok1 := selector(retry)
			d2, ok2 := selector(retry + 1)
			return ok1 && ok2 && d1 <= max && d2 <= max && d1 <= d2
		},
		gen.IntRange(1, 5000),
		gen.IntRange(1, 60000),
		gen.IntRange(0, 90),
	))

	properties.TestingRun(t)
}
