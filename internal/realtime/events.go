package realtime

import (
	"encoding/json"
	"time"
)

// ProtocolVersion is stamped on every envelope.
const ProtocolVersion = 1

// EventName is the fixed set of server-to-client events.
type EventName string

const (
	EventMessageNew         EventName = "message:new"
	EventStatsUpdate        EventName = "stats:update"
	EventConversationUpdate EventName = "conversation:update"
	EventTypingUpdate       EventName = "typing:update"
	EventMessageRead        EventName = "message:read"

	// Control frames.
	EventConnected    EventName = "connected"
	EventSubscribed   EventName = "subscribed"
	EventUnsubscribed EventName = "unsubscribed"
	EventPong         EventName = "pong"
	EventError        EventName = "error"
)

// Event is a broadcast request. TenantID is mandatory; ConversationID and
// UserID widen delivery to those rooms.
type Event struct {
	Name           EventName
	TenantID       string
	ConversationID string
	UserID         string
	Data           any
	// ExcludeConn skips the originating connection (typing echoes).
	ExcludeConn string
}

// Envelope is the wire frame sent to clients.
type Envelope struct {
	Event          EventName       `json:"event"`
	Version        int             `json:"version"`
	TenantID       string          `json:"tenant_id,omitempty"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Data           json.RawMessage `json:"data,omitempty"`
	SentAt         time.Time       `json:"sent_at"`
}

// ClientFrame is a client-to-server message.
type ClientFrame struct {
	Type           string `json:"type"` // subscribe | unsubscribe | typing | ping
	ConversationID string `json:"conversation_id,omitempty"`
	Typing         bool   `json:"typing,omitempty"`
}

// Client frame types.
const (
	FrameSubscribe   = "subscribe"
	FrameUnsubscribe = "unsubscribe"
	FrameTyping      = "typing"
	FramePing        = "ping"
)

// TypingPayload is the data of typing:update.
type TypingPayload struct {
	ConversationID string `json:"conversation_id"`
	// ActorType is "agent", "ai" or "client".
	ActorType string `json:"actor_type"`
	ActorID   string `json:"actor_id,omitempty"`
	Typing    bool   `json:"typing"`
}

// Room names.
func TenantRoom(tenantID string) string             { return "tenant:" + tenantID }
func ConversationRoom(conversationID string) string { return "conversation:" + conversationID }
func UserRoom(userID string) string                 { return "user:" + userID }

// Rooms returns the rooms an event is delivered to. Typing stays inside the
// conversation room; every other event also reaches the tenant room so
// list views can update badges.
func (e Event) Rooms() []string {
	var rooms []string
	if e.Name != EventTypingUpdate || e.ConversationID == "" {
		rooms = append(rooms, TenantRoom(e.TenantID))
	}
	if e.ConversationID != "" {
		rooms = append(rooms, ConversationRoom(e.ConversationID))
	}
	if e.UserID != "" {
		rooms = append(rooms, UserRoom(e.UserID))
	}
	return rooms
}
