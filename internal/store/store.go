// Package store keeps the per-channel chat history of the session hub.
package store

import (
	"sort"
	"sync"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

// Store is an in-memory, per-channel message history. Histories are
// copy-on-write: every Append publishes a new slice and never mutates a
// slice previously returned to a caller.
type Store struct {
	mu       sync.RWMutex
	history  map[model.ChannelID][]model.Message
	threadID map[model.ChannelID]string
	ids      map[model.ChannelID]map[string]struct{}
}

// New creates an empty Store.
func New() *Store {
	return &Store{
		history:  make(map[model.ChannelID][]model.Message),
		threadID: make(map[model.ChannelID]string),
		ids:      make(map[model.ChannelID]map[string]struct{}),
	}
}

// Append adds msg to the channel history at its chronological position and
// returns the new snapshot. Messages with equal timestamps keep arrival order.
func (s *Store) Append(channelID model.ChannelID, msg model.Message) []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(channelID, msg)
}

// Insert appends msg unless a message with the same backend id is already
// stored for the channel. It reports whether msg was added.
func (s *Store) Insert(channelID model.ChannelID, msg model.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.ID != "" {
		if _, ok := s.ids[channelID][msg.ID]; ok {
			return false
		}
	}
	s.appendLocked(channelID, msg)
	return true
}

func (s *Store) indexLocked(channelID model.ChannelID, id string) {
	if id == "" {
		return
	}
	known, ok := s.ids[channelID]
	if !ok {
		known = make(map[string]struct{})
		s.ids[channelID] = known
	}
	known[id] = struct{}{}
}

func (s *Store) appendLocked(channelID model.ChannelID, msg model.Message) []model.Message {
	prev := s.history[channelID]

	// First index whose timestamp is strictly after msg.
	pos := sort.Search(len(prev), func(i int) bool {
		return prev[i].CreatedAt.After(msg.CreatedAt)
	})

	next := make([]model.Message, 0, len(prev)+1)
	next = append(next, prev[:pos]...)
	next = append(next, msg)
	next = append(next, prev[pos:]...)

	s.history[channelID] = next
	s.indexLocked(channelID, msg.ID)
	return next
}

// Confirm gives the locally recorded message localID its backend id and
// thread. The snapshot is replaced, not mutated. It reports whether the
// message was found.
func (s *Store) Confirm(channelID model.ChannelID, localID, id, threadID string) bool {
	if localID == "" {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	prev := s.history[channelID]
	for i := range prev {
		if prev[i].LocalID != localID {
			continue
		}
		next := make([]model.Message, len(prev))
		copy(next, prev)
		if id != "" {
			next[i].ID = id
		}
		if threadID != "" {
			next[i].ThreadID = threadID
		}
		s.history[channelID] = next
		s.indexLocked(channelID, id)
		return true
	}
	return false
}

// History returns the current snapshot for a channel. Callers must treat it
// as read-only.
func (s *Store) History(channelID model.ChannelID) []model.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.history[channelID]
}

// Len returns the number of messages stored for a channel.
func (s *Store) Len(channelID model.ChannelID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.history[channelID])
}

// ThreadID returns the current thread id for a channel.
func (s *Store) ThreadID(channelID model.ChannelID) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.threadID[channelID]
}

// SetThreadID records the backend-assigned thread id for a channel.
func (s *Store) SetThreadID(channelID model.ChannelID, threadID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threadID[channelID] = threadID
}

// Channels returns the ids of channels that have history.
func (s *Store) Channels() []model.ChannelID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]model.ChannelID, 0, len(s.history))
	for id := range s.history {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Clear drops the history and thread id of one channel.
func (s *Store) Clear(channelID model.ChannelID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.history, channelID)
	delete(s.threadID, channelID)
	delete(s.ids, channelID)
}

// ClearAll drops every channel.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = make(map[model.ChannelID][]model.Message)
	s.threadID = make(map[model.ChannelID]string)
	s.ids = make(map[model.ChannelID]map[string]struct{})
}
