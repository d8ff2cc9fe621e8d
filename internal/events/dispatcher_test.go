package events

import (
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
)

var testEvent = NewEvent[string]("test")

func TestDispatcher_OnEmitOff(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var got []string
	id := On(d, testEvent, func(s string) { got = append(got, s) })

	if n := Emit(d, testEvent, "a"); n != 1 {
		t.Errorf("expected 1 listener invoked, got %d", n)
	}

	if !d.Off(id) {
		t.Error("expected Off to find the listener")
	}
	if d.Off(id) {
		t.Error("second Off should report false")
	}

	if n := Emit(d, testEvent, "b"); n != 0 {
		t.Errorf("expected 0 listeners invoked, got %d", n)
	}

	if len(got) != 1 || got[0] != "a" {
		t.Errorf("unexpected deliveries: %v", got)
	}
}

func TestDispatcher_Once(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	count := 0
	Once(d, testEvent, func(string) { count++ })

	Emit(d, testEvent, "a")
	Emit(d, testEvent, "b")

	if count != 1 {
		t.Errorf("expected once listener to fire once, fired %d times", count)
	}
	if d.ListenerCount(testEvent.Name()) != 0 {
		t.Error("once listener should be removed after firing")
	}
}

func TestDispatcher_OnceConcurrentEmit(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var mu sync.Mutex
	count := 0
	Once(d, testEvent, func(string) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			Emit(d, testEvent, "x")
		}()
	}
	wg.Wait()

	if count != 1 {
		t.Errorf("expected exactly one delivery, got %d", count)
	}
}

func TestDispatcher_ListenerPanicIsolated(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var delivered []string
	On(d, testEvent, func(string) { panic("boom") })
	On(d, testEvent, func(s string) { delivered = append(delivered, s) })

	if n := Emit(d, testEvent, "payload"); n != 2 {
		t.Errorf("expected 2 listeners invoked, got %d", n)
	}
	if len(delivered) != 1 || delivered[0] != "payload" {
		t.Errorf("second listener did not receive payload: %v", delivered)
	}
}

func TestDispatcher_SelfRemovalDuringEmit(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	var order []int
	var first ListenerID
	first = On(d, testEvent, func(string) {
		order = append(order, 1)
		d.Off(first)
	})
	On(d, testEvent, func(string) { order = append(order, 2) })
	On(d, testEvent, func(string) { order = append(order, 3) })

	Emit(d, testEvent, "a")
	Emit(d, testEvent, "b")

	want := []int{1, 2, 3, 2, 3}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, order)
		}
	}
}

func TestDispatcher_EventsAreIndependent(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	other := NewEvent[int]("other")

	strings, ints := 0, 0
	On(d, testEvent, func(string) { strings++ })
	On(d, other, func(int) { ints++ })

	Emit(d, other, 42)

	if strings != 0 || ints != 1 {
		t.Errorf("unexpected counts: strings=%d ints=%d", strings, ints)
	}

	d.Clear()
	if Emit(d, other, 1) != 0 {
		t.Error("expected no listeners after Clear")
	}
}

// A listener registered at emit time receives the event exactly once, even
// when listeners remove themselves or others mid-emit.
func TestDispatcherSnapshotDeliveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	properties.Property("every listener present at emit time is invoked exactly once", prop.ForAll(
		func(n int, removeAt int) bool {
			d := NewDispatcher(zerolog.Nop())

			ids := make([]ListenerID, n)
			calls := make([]int, n)
			for i := 0; i < n; i++ {
				idx := i
				ids[i] = On(d, testEvent, func(string) {
					calls[idx]++
					if idx == removeAt%n {
						// Remove every listener, including not-yet-invoked ones.
						for _, id := range ids {
							d.Off(id)
						}
					}
				})
			}

			if Emit(d, testEvent, "x") != n {
				return false
			}
			for _, c := range calls {
				if c != 1 {
					return false
				}
			}
			return d.ListenerCount(testEvent.Name()) == 0
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
