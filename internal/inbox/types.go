// Package inbox is the conversational inbox domain: clients, conversations,
// messages and the audit trail agents and the AI leave on them.
package inbox

import (
	"errors"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/phone"
)

var (
	// ErrNotFound is returned when a record does not exist within the tenant.
	ErrNotFound = errors.New("inbox: not found")
	// ErrDuplicateMessage is returned when a provider message id was already stored.
	ErrDuplicateMessage = errors.New("inbox: duplicate provider message")
	// ErrVersionConflict is returned when a conversation changed since it was read.
	ErrVersionConflict = errors.New("inbox: conversation version conflict")
	// ErrInvalidInput is returned for unknown enum values or empty required fields.
	ErrInvalidInput = errors.New("inbox: invalid input")
	// ErrForbidden is returned when an agent edits a note they do not own.
	ErrForbidden = errors.New("inbox: forbidden")
)

// Status is the conversation lifecycle state.
type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusPending  Status = "PENDING"
	StatusResolved Status = "RESOLVED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusPending, StatusResolved:
		return true
	}
	return false
}

// Role identifies who authored a message.
type Role string

const (
	RoleHuman     Role = "HUMAN"
	RoleAssistant Role = "ASSISTANT"
	RoleAgent     Role = "AGENT"
)

// Temperature is the lead-scoring classification of a conversation.
type Temperature string

const (
	TemperatureNone Temperature = ""
	TemperatureCold Temperature = "COLD"
	TemperatureWarm Temperature = "WARM"
	TemperatureHot  Temperature = "HOT"
)

// Valid reports whether t is a known temperature (empty clears it).
func (t Temperature) Valid() bool {
	switch t {
	case TemperatureNone, TemperatureCold, TemperatureWarm, TemperatureHot:
		return true
	}
	return false
}

// ActivityType discriminates audit entries.
type ActivityType string

const (
	ActivityStatusChanged      ActivityType = "STATUS_CHANGED"
	ActivityAssigned           ActivityType = "ASSIGNED"
	ActivityUnassigned         ActivityType = "UNASSIGNED"
	ActivityTagAdded           ActivityType = "TAG_ADDED"
	ActivityTagRemoved         ActivityType = "TAG_REMOVED"
	ActivityAIToggled          ActivityType = "AI_TOGGLED"
	ActivityTemperatureChanged ActivityType = "TEMPERATURE_CHANGED"
)

// SystemActor is the actor id recorded for automatic transitions.
const SystemActor = "system"

// Client is a phone-identified contact within a tenant.
type Client struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	Phone     phone.Canonical `json:"phone"`
	Name      string          `json:"name"`
	CreatedAt time.Time       `json:"created_at"`
}

// Conversation is the single thread between a tenant and a client.
type Conversation struct {
	ID                 string      `json:"id"`
	TenantID           string      `json:"tenant_id"`
	ClientID           string      `json:"client_id"`
	Status             Status      `json:"status"`
	AIEnabled          bool        `json:"ai_enabled"`
	AssignedToID       *string     `json:"assigned_to_id"`
	UnreadCount        int         `json:"unread_count"`
	LastMessageAt      *time.Time  `json:"last_message_at"`
	LastMessagePreview string      `json:"last_message_preview"`
	Temperature        Temperature `json:"temperature"`
	// ExternalRef is the provider-side conversation id (Chatwoot).
	ExternalRef string    `json:"external_ref,omitempty"`
	Version     int64     `json:"version"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	if c.AssignedToID != nil {
		id := *c.AssignedToID
		out.AssignedToID = &id
	}
	if c.LastMessageAt != nil {
		at := *c.LastMessageAt
		out.LastMessageAt = &at
	}
	return &out
}

// Message is an immutable entry in a conversation.
type Message struct {
	ID                string    `json:"id"`
	TenantID          string    `json:"tenant_id"`
	ConversationID    string    `json:"conversation_id"`
	ClientID          string    `json:"client_id"`
	Role              Role      `json:"role"`
	Content           string    `json:"content"`
	ProviderMessageID string    `json:"provider_message_id,omitempty"`
	Provider          string    `json:"provider,omitempty"`
	AuthorID          string    `json:"author_id,omitempty"`
	IsAudio           bool      `json:"is_audio"`
	CreatedAt         time.Time `json:"created_at"`
}

// Activity is an append-only audit entry.
type Activity struct {
	ID             string       `json:"id"`
	TenantID       string       `json:"tenant_id"`
	ConversationID string       `json:"conversation_id"`
	Type           ActivityType `json:"type"`
	ActorID        string       `json:"actor_id"`
	Title          string       `json:"title"`
	Description    string       `json:"description,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
}

// Note is an internal annotation never shown to the client.
type Note struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Content        string    `json:"content"`
	Pinned         bool      `json:"pinned"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Tag is a tenant-scoped label.
type Tag struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Name      string    `json:"name"`
	Color     string    `json:"color,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationTag joins a tag to a conversation.
type ConversationTag struct {
	TenantID       string    `json:"tenant_id"`
	ConversationID string    `json:"conversation_id"`
	TagID          string    `json:"tag_id"`
	AssignedByID   string    `json:"assigned_by_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// Stats are the tenant-wide counters shown as list badges.
type Stats struct {
	TenantID            string `json:"tenant_id"`
	UnreadConversations int    `json:"unread_conversations"`
	UnreadMessages      int    `json:"unread_messages"`
	Open                int    `json:"open"`
	Pending             int    `json:"pending"`
}

// ConversationSummary is a list row: conversation, contact and tags.
type ConversationSummary struct {
	Conversation
	Client Client `json:"client"`
	Tags   []Tag  `json:"tags"`
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	TenantID string
	Status   Status
	// AssignedToID filters by assignee; Unassigned selects conversations with none.
	AssignedToID string
	Unassigned   bool
	UnreadOnly   bool
	TagID        string
	// Search matches client name or phone digits.
	Search string
	// Before pages by last_message_at.
	Before *time.Time
	Limit  int
}

// MessageQuery pages messages newest-first from Before; results are
// returned oldest-first.
type MessageQuery struct {
	Before *time.Time
	Limit  int
}

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// PageSize clamps a requested limit.
func PageSize(limit int) int {
	if limit <= 0 {
		return defaultPageSize
	}
	if limit > maxPageSize {
		return maxPageSize
	}
	return limit
}
