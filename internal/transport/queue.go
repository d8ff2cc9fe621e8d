package transport

import (
	"sync"

	"github.com/remote-agent-terminal/sessionhub/internal/protocol"
)

// pushQueue delivers push frames one at a time in arrival order. A drain
// goroutine runs only while frames are queued.
type pushQueue struct {
	mu      sync.Mutex
	frames  []*protocol.Frame
	running bool
	deliver func(*protocol.Frame)
}

func newPushQueue(deliver func(*protocol.Frame)) *pushQueue {
	return &pushQueue{deliver: deliver}
}

func (q *pushQueue) push(frame *protocol.Frame) {
	q.mu.Lock()
	q.frames = append(q.frames, frame)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *pushQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.frames) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		frame := q.frames[0]
		q.frames[0] = nil
		q.frames = q.frames[1:]
		q.mu.Unlock()

		q.deliver(frame)
	}
}

// reset drops frames not yet delivered.
func (q *pushQueue) reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.frames = nil
}
