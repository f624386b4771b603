// Package realtime pushes inbox events to connected dashboards over
// websockets, scoped by tenant, conversation and user rooms.
package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/observability/metrics"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// Hub tracks connections and their room memberships. Membership changes
// come only from a connection's own lifecycle (attach, subscribe,
// unsubscribe, detach); broadcasts take the read lock.
type Hub struct {
	mu          sync.RWMutex
	conns       map[string]*Connection
	rooms       map[string]map[string]*Connection
	memberships map[string]map[string]struct{}

	metrics *metrics.InboxMetrics
	logger  *logging.Logger
	now     func() time.Time
}

func NewHub(logger *logging.Logger, m *metrics.InboxMetrics) *Hub {
	if logger == nil {
		logger = logging.Default()
	}
	return &Hub{
		conns:       make(map[string]*Connection),
		rooms:       make(map[string]map[string]*Connection),
		memberships: make(map[string]map[string]struct{}),
		metrics:     m,
		logger:      logger.Component("realtime"),
		now:         time.Now,
	}
}

// Attach registers conn and joins its tenant and user rooms.
func (h *Hub) Attach(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID] = conn
	h.memberships[conn.ID] = make(map[string]struct{})
	h.joinLocked(TenantRoom(conn.TenantID), conn)
	if conn.UserID != "" {
		h.joinLocked(UserRoom(conn.UserID), conn)
	}
	h.mu.Unlock()

	conn.start()
	h.metrics.ConnectionOpened()
	h.logger.Debug("connection attached", "conn_id", conn.ID, "tenant_id", conn.TenantID, "user_id", conn.UserID)
}

// Detach removes conn from every room. Unknown connections are ignored.
func (h *Hub) Detach(conn *Connection) {
	h.mu.Lock()
	_, ok := h.conns[conn.ID]
	if ok {
		for room := range h.memberships[conn.ID] {
			h.leaveLocked(room, conn.ID)
		}
		delete(h.memberships, conn.ID)
		delete(h.conns, conn.ID)
	}
	h.mu.Unlock()

	if ok {
		h.metrics.ConnectionClosed()
		h.logger.Debug("connection detached", "conn_id", conn.ID, "tenant_id", conn.TenantID)
	}
}

// Subscribe joins the conversation room. The caller must have verified
// that the conversation belongs to the connection's tenant.
func (h *Hub) Subscribe(conn *Connection, conversationID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[conn.ID]; !ok {
		return false
	}
	h.joinLocked(ConversationRoom(conversationID), conn)
	return true
}

func (h *Hub) Unsubscribe(conn *Connection, conversationID string) {
	h.mu.Lock()
	h.leaveLocked(ConversationRoom(conversationID), conn.ID)
	h.mu.Unlock()
}

// IsSubscribed reports whether conn is in the conversation room.
func (h *Hub) IsSubscribed(conn *Connection, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.memberships[conn.ID][ConversationRoom(conversationID)]
	return ok
}

// Rooms lists the rooms conn belongs to.
func (h *Hub) Rooms(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms := make([]string, 0, len(h.memberships[conn.ID]))
	for room := range h.memberships[conn.ID] {
		rooms = append(rooms, room)
	}
	return rooms
}

// Connections returns the number of attached connections.
func (h *Hub) Connections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Publish broadcasts ev, logging failures. It satisfies inbox.Publisher.
func (h *Hub) Publish(ev Event) {
	if _, err := h.Broadcast(ev); err != nil {
		h.logger.Warn("broadcast failed", "event", ev.Name, "tenant_id", ev.TenantID, "error", err)
	}
}

// Broadcast delivers ev to every connection in its rooms exactly once and
// never outside ev.TenantID. It returns how many connections accepted it.
func (h *Hub) Broadcast(ev Event) (int, error) {
	if ev.TenantID == "" {
		return 0, fmt.Errorf("realtime: event %s without tenant", ev.Name)
	}
	payload, err := h.encode(ev)
	if err != nil {
		return 0, err
	}

	h.mu.RLock()
	targets := make(map[string]*Connection)
	for _, room := range ev.Rooms() {
		for id, conn := range h.rooms[room] {
			if conn.TenantID != ev.TenantID || id == ev.ExcludeConn {
				continue
			}
			targets[id] = conn
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, conn := range targets {
		switch err := conn.Send(payload); err {
		case nil:
			delivered++
		case ErrSlowConsumer:
			h.metrics.ObserveSlowConsumer()
			// Send already closed it; the owning handler detaches it when its
			// read loop ends.
			h.logger.Warn("disconnecting slow consumer", "conn_id", conn.ID, "tenant_id", conn.TenantID)
		}
	}
	h.metrics.ObserveBroadcast(string(ev.Name))
	return delivered, nil
}

func (h *Hub) encode(ev Event) ([]byte, error) {
	env := Envelope{
		Event:          ev.Name,
		Version:        ProtocolVersion,
		TenantID:       ev.TenantID,
		ConversationID: ev.ConversationID,
		SentAt:         h.now().UTC(),
	}
	if ev.Data != nil {
		data, err := json.Marshal(ev.Data)
		if err != nil {
			return nil, fmt.Errorf("realtime: encode %s data: %w", ev.Name, err)
		}
		env.Data = data
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("realtime: encode %s: %w", ev.Name, err)
	}
	return payload, nil
}

// Close disconnects every connection.
func (h *Hub) Close() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.Detach(c)
		c.Close(closeHubShutdown, "server shutdown")
	}
}

func (h *Hub) joinLocked(room string, conn *Connection) {
	members := h.rooms[room]
	if members == nil {
		members = make(map[string]*Connection)
		h.rooms[room] = members
	}
	members[conn.ID] = conn
	h.memberships[conn.ID][room] = struct{}{}
}

func (h *Hub) leaveLocked(room, connID string) {
	if members := h.rooms[room]; members != nil {
		delete(members, connID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	if rooms := h.memberships[connID]; rooms != nil {
		delete(rooms, room)
	}
}
