// Package dedup suppresses messages that were already applied to a channel.
//
// Messages are identified by a fingerprint over their routing fields and
// content, with the timestamp truncated to a coarse bucket.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/remote-agent-terminal/sessionhub/internal/model"
)

const (
	DefaultWindow = 5 * time.Minute
	DefaultBucket = time.Second
)

// Fingerprint hashes the fields that identify a logical message.
func Fingerprint(msg model.Message, bucket time.Duration) string {
	ts := msg.CreatedAt
	if bucket > 0 {
		ts = ts.Truncate(bucket)
	}

	h := sha256.New()
	for _, part := range []string{
		msg.ChannelID.String(),
		string(msg.Direction),
		msg.ParticipantID,
		msg.ThreadID,
		strconv.FormatInt(ts.UnixMilli(), 10),
		msg.Content,
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Window remembers seen keys for a bounded time. Keys are scoped by channel
// so one channel can be forgotten on its own.
type Window struct {
	mu       sync.Mutex
	cache    *ttlcache.Cache[string, struct{}]
	bucket   time.Duration
	stopOnce sync.Once
}

// NewWindow creates a Window that forgets keys after ttl and starts its
// expiry loop. Call Close to stop it.
func NewWindow(ttl, bucket time.Duration) *Window {
	if ttl <= 0 {
		ttl = DefaultWindow
	}
	cache := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](ttl),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go cache.Start()

	return &Window{cache: cache, bucket: bucket}
}

// Seen reports whether msg was already observed, recording it if not. The
// check and the insert are atomic.
func (w *Window) Seen(msg model.Message) bool {
	key := channelPrefix(msg.ChannelID) + Fingerprint(msg, w.bucket)

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.cache.Has(key) {
		return true
	}
	w.cache.Set(key, struct{}{}, ttlcache.DefaultTTL)
	return false
}

func channelPrefix(id model.ChannelID) string {
	return id.String() + "/"
}

// ForgetChannel drops every key recorded for channelID and returns how many
// were removed.
func (w *Window) ForgetChannel(channelID model.ChannelID) int {
	prefix := channelPrefix(channelID)

	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for _, key := range w.cache.Keys() {
		if strings.HasPrefix(key, prefix) {
			w.cache.Delete(key)
			removed++
		}
	}
	return removed
}

// Len returns the number of keys currently remembered.
func (w *Window) Len() int {
	return w.cache.Len()
}

// Close stops the expiry loop.
func (w *Window) Close() {
	w.stopOnce.Do(w.cache.Stop)
}
