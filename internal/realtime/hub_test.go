package realtime

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-inbox/internal/observability/metrics"
	"github.com/wolfman30/clinic-inbox/internal/tenancy"
)

func newTestHub() *Hub {
	h := NewHub(nil, metrics.NewInboxMetrics(prometheus.NewRegistry()))
	h.now = func() time.Time { return time.Date(2025, 12, 8, 13, 0, 0, 0, time.UTC) }
	return h
}

func attach(h *Hub, tenantID, userID string) *Connection {
	c := NewConnection(tenancy.Identity{TenantID: tenantID, UserID: userID}, nil, 8)
	h.Attach(c)
	return c
}

// drain returns the envelopes queued on c.
func drain(t *testing.T, c *Connection) []Envelope {
	t.Helper()
	var out []Envelope
	for {
		select {
		case raw := <-c.send:
			var env Envelope
			require.NoError(t, json.Unmarshal(raw, &env))
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestHub_AttachJoinsTenantAndUserRooms(t *testing.T) {
	h := newTestHub()
	c := attach(h, "t1", "u1")
	assert.ElementsMatch(t, []string{"tenant:t1", "user:u1"}, h.Rooms(c))
	assert.Equal(t, 1, h.Connections())

	h.Detach(c)
	assert.Empty(t, h.Rooms(c))
	assert.Zero(t, h.Connections())
	h.Detach(c)
}

func TestHub_NewMessageReachesConversationAndTenantRoomsOnce(t *testing.T) {
	h := newTestHub()
	subscribed := attach(h, "t1", "u1")
	listOnly := attach(h, "t1", "u2")
	otherTenant := attach(h, "t2", "u3")
	require.True(t, h.Subscribe(subscribed, "c1"))

	n, err := h.Broadcast(Event{Name: EventMessageNew, TenantID: "t1", ConversationID: "c1", Data: map[string]string{"id": "m1"}})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got := drain(t, subscribed)
	require.Len(t, got, 1, "member of tenant and conversation rooms receives one copy")
	assert.Equal(t, EventMessageNew, got[0].Event)
	assert.Equal(t, ProtocolVersion, got[0].Version)
	assert.Equal(t, "c1", got[0].ConversationID)
	assert.JSONEq(t, `{"id":"m1"}`, string(got[0].Data))

	assert.Len(t, drain(t, listOnly), 1)
	assert.Empty(t, drain(t, otherTenant))
}

func TestHub_NeverCrossesTenants(t *testing.T) {
	h := newTestHub()
	intruder := attach(h, "t2", "u9")
	// Subscribing without an ownership check must still not leak events.
	h.Subscribe(intruder, "c1")

	n, err := h.Broadcast(Event{Name: EventMessageNew, TenantID: "t1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, drain(t, intruder))
}

func TestHub_TypingStaysInConversationRoom(t *testing.T) {
	h := newTestHub()
	sender := attach(h, "t1", "u1")
	viewer := attach(h, "t1", "u2")
	bystander := attach(h, "t1", "u3")
	h.Subscribe(sender, "c1")
	h.Subscribe(viewer, "c1")

	n, err := h.Broadcast(Event{
		Name:           EventTypingUpdate,
		TenantID:       "t1",
		ConversationID: "c1",
		Data:           TypingPayload{ConversationID: "c1", ActorType: "agent", ActorID: "u1", Typing: true},
		ExcludeConn:    sender.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, drain(t, viewer), 1)
	assert.Empty(t, drain(t, sender))
	assert.Empty(t, drain(t, bystander))
}

func TestHub_UserRoom(t *testing.T) {
	h := newTestHub()
	agent := attach(h, "t1", "u1")
	h.Unsubscribe(agent, "nothing")

	n, err := h.Broadcast(Event{Name: EventConversationUpdate, TenantID: "t1", UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, drain(t, agent), 1)
}

func TestHub_UnsubscribeStopsConversationEvents(t *testing.T) {
	h := newTestHub()
	c := attach(h, "t1", "u1")
	h.Subscribe(c, "c1")
	assert.True(t, h.IsSubscribed(c, "c1"))
	h.Unsubscribe(c, "c1")
	assert.False(t, h.IsSubscribed(c, "c1"))

	_, err := h.Broadcast(Event{Name: EventTypingUpdate, TenantID: "t1", ConversationID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, drain(t, c))
}

func TestHub_SlowConsumerIsClosedButDetachedByOwner(t *testing.T) {
	h := newTestHub()
	slow := NewConnection(tenancy.Identity{TenantID: "t1", UserID: "u1"}, nil, 2)
	h.Attach(slow)
	healthy := attach(h, "t1", "u2")

	for i := 0; i < 3; i++ {
		_, err := h.Broadcast(Event{Name: EventStatsUpdate, TenantID: "t1"})
		require.NoError(t, err)
		drain(t, healthy)
	}
	select {
	case <-slow.Done():
	default:
		t.Fatal("slow consumer should be closed")
	}
	assert.ErrorIs(t, slow.Send([]byte("x")), ErrConnectionClosed)

	// Broadcast never touches another connection's memberships.
	assert.Equal(t, 2, h.Connections())
	assert.ElementsMatch(t, []string{"tenant:t1", "user:u1"}, h.Rooms(slow))

	delivered, err := h.Broadcast(Event{Name: EventStatsUpdate, TenantID: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 1, delivered)

	h.Detach(slow)
	assert.Equal(t, 1, h.Connections())
	assert.Empty(t, h.Rooms(slow))
	assert.ElementsMatch(t, []string{"tenant:t1", "user:u2"}, h.Rooms(healthy))
}

func TestHub_BroadcastRequiresTenant(t *testing.T) {
	h := newTestHub()
	_, err := h.Broadcast(Event{Name: EventStatsUpdate})
	assert.Error(t, err)
}

func TestHub_SubscribeUnknownConnection(t *testing.T) {
	h := newTestHub()
	c := NewConnection(tenancy.Identity{TenantID: "t1", UserID: "u1"}, nil, 1)
	assert.False(t, h.Subscribe(c, "c1"))
}

func TestHub_Close(t *testing.T) {
	h := newTestHub()
	a := attach(h, "t1", "u1")
	b := attach(h, "t2", "u2")
	h.Close()
	assert.Zero(t, h.Connections())
	for _, c := range []*Connection{a, b} {
		select {
		case <-c.Done():
		default:
			t.Fatal("connection should be closed")
		}
	}
}
