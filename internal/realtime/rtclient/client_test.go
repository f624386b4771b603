package rtclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-inbox/internal/realtime"
	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/internal/tenancy"
)

const secret = "rt-secret"

type allowAll struct{}

func (allowAll) CanAccessConversation(context.Context, string, string) (bool, error) { return true, nil }

func startServer(t *testing.T) (*realtime.Hub, string) {
	t.Helper()
	hub := realtime.NewHub(nil, nil)
	srv := httptest.NewServer(realtime.NewHandler(hub, realtime.TokenAuthenticator{Secret: secret}, allowAll{}, realtime.HandlerConfig{}, nil))
	t.Cleanup(srv.Close)
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func tokenFor(id tenancy.Identity) func(context.Context) (string, error) {
	return func(context.Context) (string, error) { return tenancy.IssueToken(secret, id, time.Hour) }
}

func fastBackoff() retry.Policy {
	return retry.Policy{BaseDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}
}

func waitFor[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func TestClient_ResubscribesAfterReconnect(t *testing.T) {
	hub, url := startServer(t)

	subscribed := make(chan string, 8)
	messages := make(chan realtime.Envelope, 8)
	states := make(chan State, 8)

	c := New(Config{
		URL:     url,
		Token:   tokenFor(tenancy.Identity{TenantID: "t1", UserID: "agent-1"}),
		Backoff: fastBackoff(),
		OnState: func(s State) { states <- s },
	})
	c.On(realtime.EventSubscribed, func(env realtime.Envelope) { subscribed <- env.ConversationID })
	c.On(realtime.EventMessageNew, func(env realtime.Envelope) { messages <- env })

	// Recorded even while offline.
	assert.ErrorIs(t, c.Subscribe("c1"), ErrNotConnected)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	assert.Equal(t, StateConnected, waitFor(t, states))
	assert.Equal(t, "c1", waitFor(t, subscribed))

	hub.Publish(realtime.Event{Name: realtime.EventMessageNew, TenantID: "t1", ConversationID: "c1"})
	assert.Equal(t, "c1", waitFor(t, messages).ConversationID)

	// Server drops every socket; the client must come back and replay c1.
	hub.Close()
	assert.Equal(t, StateDisconnected, waitFor(t, states))
	assert.Equal(t, StateConnected, waitFor(t, states))
	assert.Equal(t, "c1", waitFor(t, subscribed))

	hub.Publish(realtime.Event{Name: realtime.EventMessageNew, TenantID: "t1", ConversationID: "c1"})
	assert.Equal(t, "c1", waitFor(t, messages).ConversationID)

	cancel()
	assert.ErrorIs(t, waitFor(t, done), context.Canceled)
}

func TestClient_TypingEventsFeedTracker(t *testing.T) {
	hub, url := startServer(t)

	subscribed := make(chan string, 1)
	typing := make(chan struct{}, 1)
	c := New(Config{URL: url, Token: tokenFor(tenancy.Identity{TenantID: "t1", UserID: "agent-1"}), Backoff: fastBackoff(), TypingTTL: time.Minute})
	c.On(realtime.EventSubscribed, func(realtime.Envelope) { subscribed <- "ok" })
	c.On(realtime.EventTypingUpdate, func(realtime.Envelope) { typing <- struct{}{} })
	_ = c.Subscribe("c1")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Run(ctx) }()
	waitFor(t, subscribed)

	hub.Publish(realtime.Event{
		Name:           realtime.EventTypingUpdate,
		TenantID:       "t1",
		ConversationID: "c1",
		Data:           realtime.TypingPayload{ConversationID: "c1", ActorType: "ai", Typing: true},
	})
	waitFor(t, typing)
	assert.Equal(t, []string{"ai"}, c.Typing().Active("c1"))
}

func TestClient_GivesUpAfterMaxFailures(t *testing.T) {
	c := New(Config{
		URL:                    "ws://127.0.0.1:1/ws",
		Backoff:                fastBackoff(),
		MaxConsecutiveFailures: 2,
	})
	err := c.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 2 attempts")
}

func TestClient_UnsubscribeRemovesFromDesiredSet(t *testing.T) {
	c := New(Config{URL: "ws://unused"})
	_ = c.Subscribe("c2")
	_ = c.Subscribe("c1")
	assert.Equal(t, []string{"c1", "c2"}, c.Subscriptions())
	_ = c.Unsubscribe("c2")
	assert.Equal(t, []string{"c1"}, c.Subscriptions())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func TestTypingTracker_ExpiresWithoutStop(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 12, 8, 13, 0, 0, 0, time.UTC)}
	tr := NewTypingTracker(5 * time.Second)
	tr.now = clock.Now

	tr.Observe(realtime.TypingPayload{ConversationID: "c1", ActorType: "agent", ActorID: "u1", Typing: true})
	tr.Observe(realtime.TypingPayload{ConversationID: "c1", ActorType: "ai", Typing: true})
	assert.Equal(t, []string{"ai", "u1"}, tr.Active("c1"))
	assert.True(t, tr.IsTyping("c1", "u1"))

	clock.Advance(3 * time.Second)
	tr.Observe(realtime.TypingPayload{ConversationID: "c1", ActorType: "agent", ActorID: "u1", Typing: true})
	clock.Advance(3 * time.Second)
	assert.Equal(t, []string{"u1"}, tr.Active("c1"), "ai indicator expired, u1 was refreshed")

	tr.Observe(realtime.TypingPayload{ConversationID: "c1", ActorType: "agent", ActorID: "u1", Typing: false})
	assert.Empty(t, tr.Active("c1"))
	assert.False(t, tr.IsTyping("c1", "u1"))
}

func TestTypingTracker_Reset(t *testing.T) {
	tr := NewTypingTracker(0)
	tr.Observe(realtime.TypingPayload{ConversationID: "c1", ActorID: "u1", Typing: true})
	tr.Reset()
	assert.Empty(t, tr.Active("c1"))
}
