package hub

import (
	"github.com/openclaw/openclaw-cloud/internal/protocol"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// defaultSessionWindow is how many recent messages a SessionView caches.
const defaultSessionWindow = 500

// SessionView caches the recent tail of one conversation plus, for base
// sessions, per-root-message thread reply counts. The store remains
// authoritative; this is a read cache kept hot by the write path.
type SessionView struct {
	SessionKey  string
	Messages    []storage.Message
	ReplyCounts map[string]int
}

// SessionRegistry indexes SessionViews by sessionKey. It is owned by the hub
// executor and is therefore unsynchronized.
type SessionRegistry struct {
	views  map[string]*SessionView
	window int
}

// NewSessionRegistry creates a registry with the given recent-window size.
func NewSessionRegistry(window int) *SessionRegistry {
	if window <= 0 {
		window = defaultSessionWindow
	}
	return &SessionRegistry{
		views:  make(map[string]*SessionView),
		window: window,
	}
}

func (r *SessionRegistry) view(sessionKey string) *SessionView {
	v, ok := r.views[sessionKey]
	if !ok {
		v = &SessionView{
			SessionKey:  sessionKey,
			ReplyCounts: make(map[string]int),
		}
		r.views[sessionKey] = v
	}
	return v
}

// Append records a persisted message in the in-memory tail. For thread
// messages the base session's reply count is bumped in the same call, so the
// cache moves atomically with respect to the executor.
func (r *SessionRegistry) Append(msg storage.Message) {
	v := r.view(msg.SessionKey)
	v.Messages = append(v.Messages, msg)
	if over := len(v.Messages) - r.window; over > 0 {
		v.Messages = append(v.Messages[:0], v.Messages[over:]...)
	}

	if base, root := protocol.SplitSessionKey(msg.SessionKey); root != "" {
		bv := r.view(base)
		bv.ReplyCounts[root]++
	}
}

// Recent returns up to limit cached messages for a session, oldest first.
// A nil result means the cache has nothing; callers fall back to the store.
func (r *SessionRegistry) Recent(sessionKey string, limit int) []storage.Message {
	v, ok := r.views[sessionKey]
	if !ok || len(v.Messages) == 0 {
		return nil
	}
	msgs := v.Messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]storage.Message, len(msgs))
	copy(out, msgs)
	return out
}

// ReplyCounts returns the cached thread reply counts for a base session.
func (r *SessionRegistry) ReplyCounts(baseKey string) map[string]int {
	v, ok := r.views[baseKey]
	if !ok {
		return nil
	}
	out := make(map[string]int, len(v.ReplyCounts))
	for k, n := range v.ReplyCounts {
		out[k] = n
	}
	return out
}

// Warm seeds a view from a store read so subsequent history calls hit the
// cache.
func (r *SessionRegistry) Warm(sessionKey string, page *storage.MessagePage) {
	v := r.view(sessionKey)
	v.Messages = append(v.Messages[:0], page.Messages...)
	if over := len(v.Messages) - r.window; over > 0 {
		v.Messages = append(v.Messages[:0], v.Messages[over:]...)
	}
	for root, n := range page.ReplyCounts {
		v.ReplyCounts[root] = n
	}
}
