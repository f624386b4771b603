package rtclient

import (
	"sort"
	"sync"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/realtime"
)

// DefaultTypingTTL is how long a typing indicator stays on without a
// refresh or an explicit stop.
const DefaultTypingTTL = 5 * time.Second

type typingKey struct {
	conversationID string
	actorID        string
}

// TypingTracker holds typing state per conversation and actor and expires
// it after the TTL, so an abrupt disconnect never leaves an indicator on.
type TypingTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	expires map[typingKey]time.Time
}

func NewTypingTracker(ttl time.Duration) *TypingTracker {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &TypingTracker{ttl: ttl, now: time.Now, expires: make(map[typingKey]time.Time)}
}

// Observe applies a typing:update payload.
func (t *TypingTracker) Observe(p realtime.TypingPayload) {
	key := typingKey{conversationID: p.ConversationID, actorID: actorKey(p)}
	t.mu.Lock()
	defer t.mu.Unlock()
	if p.Typing {
		t.expires[key] = t.now().Add(t.ttl)
		return
	}
	delete(t.expires, key)
}

// IsTyping reports whether actorID is typing in the conversation.
func (t *TypingTracker) IsTyping(conversationID, actorID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	exp, ok := t.expires[typingKey{conversationID, actorID}]
	return ok && t.now().Before(exp)
}

// Active lists who is typing in the conversation, sorted.
func (t *TypingTracker) Active(conversationID string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	var actors []string
	for key, exp := range t.expires {
		if !now.Before(exp) {
			delete(t.expires, key)
			continue
		}
		if key.conversationID == conversationID {
			actors = append(actors, key.actorID)
		}
	}
	sort.Strings(actors)
	return actors
}

// Reset drops all state; used after reconnecting.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	t.expires = make(map[typingKey]time.Time)
	t.mu.Unlock()
}

// actorKey falls back to the actor type for AI and client typing, which
// carry no actor id.
func actorKey(p realtime.TypingPayload) string {
	if p.ActorID != "" {
		return p.ActorID
	}
	return p.ActorType
}
