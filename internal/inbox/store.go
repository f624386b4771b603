package inbox

import (
	"context"

	"github.com/wolfman30/clinic-inbox/internal/phone"
)

// Store is the tenant-scoped record store behind the inbox. Every method
// filters by tenant; a record from another tenant is ErrNotFound.
type Store interface {
	// FindOrCreateClient returns the client for (tenant, phone), creating it
	// on first contact. A non-empty name refreshes a blank stored name.
	FindOrCreateClient(ctx context.Context, tenantID string, p phone.Canonical, name string) (*Client, error)
	// FindOrCreateConversation returns the client's thread, creating it with
	// the given AI default and external reference.
	FindOrCreateConversation(ctx context.Context, tenantID, clientID string, aiEnabled bool, externalRef string) (*Conversation, error)
	GetConversation(ctx context.Context, tenantID, conversationID string) (*Conversation, error)
	GetClient(ctx context.Context, tenantID, clientID string) (*Client, error)

	// SaveMessage inserts msg and writes conv (optimistically, by Version)
	// plus activities atomically. Returns ErrDuplicateMessage when the
	// provider message id exists and ErrVersionConflict when conv is stale.
	// On success conv.Version is incremented.
	SaveMessage(ctx context.Context, msg *Message, conv *Conversation, activities ...Activity) error
	// UpdateConversation writes conv by Version and appends activities.
	UpdateConversation(ctx context.Context, conv *Conversation, activities ...Activity) error

	ListMessages(ctx context.Context, tenantID, conversationID string, q MessageQuery) ([]Message, error)
	ListConversations(ctx context.Context, f ConversationFilter) ([]ConversationSummary, error)
	ListActivities(ctx context.Context, tenantID, conversationID string) ([]Activity, error)
	Stats(ctx context.Context, tenantID string) (Stats, error)

	CreateNote(ctx context.Context, note *Note) error
	GetNote(ctx context.Context, tenantID, noteID string) (*Note, error)
	UpdateNote(ctx context.Context, note *Note) error
	ListNotes(ctx context.Context, tenantID, conversationID string) ([]Note, error)

	CreateTag(ctx context.Context, tag *Tag) error
	GetTag(ctx context.Context, tenantID, tagID string) (*Tag, error)
	ListTags(ctx context.Context, tenantID string) ([]Tag, error)
	ConversationTags(ctx context.Context, tenantID, conversationID string) ([]Tag, error)
	// AddConversationTag links a tag and records the activity; returns
	// false when the link already existed.
	AddConversationTag(ctx context.Context, link ConversationTag, activity Activity) (bool, error)
	// RemoveConversationTag unlinks a tag and records the activity; returns
	// false when there was no link.
	RemoveConversationTag(ctx context.Context, tenantID, conversationID, tagID string, activity Activity) (bool, error)
}
