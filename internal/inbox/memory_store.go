package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/wolfman30/clinic-inbox/internal/phone"
)

// MemoryStore is an in-process Store used in tests and when no database
// is configured.
type MemoryStore struct {
	mu            sync.RWMutex
	clients       map[string]*Client
	clientByPhone map[string]string // tenant|phone -> client id
	conversations map[string]*Conversation
	convByClient  map[string]string // tenant|client -> conversation id
	messages      map[string][]Message
	providerIDs   map[string]struct{} // tenant|provider message id
	activities    map[string][]Activity
	notes         map[string]*Note
	tags          map[string]*Tag
	links         map[string]ConversationTag // conversation|tag
	now           func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		clients:       make(map[string]*Client),
		clientByPhone: make(map[string]string),
		conversations: make(map[string]*Conversation),
		convByClient:  make(map[string]string),
		messages:      make(map[string][]Message),
		providerIDs:   make(map[string]struct{}),
		activities:    make(map[string][]Activity),
		notes:         make(map[string]*Note),
		tags:          make(map[string]*Tag),
		links:         make(map[string]ConversationTag),
		now:           time.Now,
	}
}

func tenantKey(tenantID, id string) string { return tenantID + "|" + id }

func (s *MemoryStore) FindOrCreateClient(_ context.Context, tenantID string, p phone.Canonical, name string) (*Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.clientByPhone[tenantKey(tenantID, string(p))]; ok {
		c := s.clients[id]
		if c.Name == "" && name != "" {
			c.Name = name
		}
		out := *c
		return &out, nil
	}
	c := &Client{ID: uuid.NewString(), TenantID: tenantID, Phone: p, Name: name, CreatedAt: s.now().UTC()}
	s.clients[c.ID] = c
	s.clientByPhone[tenantKey(tenantID, string(p))] = c.ID
	out := *c
	return &out, nil
}

func (s *MemoryStore) GetClient(_ context.Context, tenantID, clientID string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clientID]
	if !ok || c.TenantID != tenantID {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	out := *c
	return &out, nil
}

func (s *MemoryStore) FindOrCreateConversation(_ context.Context, tenantID, clientID string, aiEnabled bool, externalRef string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[clientID]; !ok || c.TenantID != tenantID {
		return nil, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	if id, ok := s.convByClient[tenantKey(tenantID, clientID)]; ok {
		return s.conversations[id].Clone(), nil
	}
	now := s.now().UTC()
	conv := &Conversation{
		ID:          uuid.NewString(),
		TenantID:    tenantID,
		ClientID:    clientID,
		Status:      StatusOpen,
		AIEnabled:   aiEnabled,
		ExternalRef: externalRef,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.conversations[conv.ID] = conv
	s.convByClient[tenantKey(tenantID, clientID)] = conv.ID
	return conv.Clone(), nil
}

func (s *MemoryStore) GetConversation(_ context.Context, tenantID, conversationID string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return conv.Clone(), nil
}

// writeConversation must be called with s.mu held.
func (s *MemoryStore) writeConversation(conv *Conversation, activities []Activity) error {
	current, ok := s.conversations[conv.ID]
	if !ok || current.TenantID != conv.TenantID {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, conv.ID)
	}
	if current.Version != conv.Version {
		return ErrVersionConflict
	}
	conv.Version++
	conv.UpdatedAt = s.now().UTC()
	s.conversations[conv.ID] = conv.Clone()
	s.activities[conv.ID] = append(s.activities[conv.ID], activities...)
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, msg *Message, conv *Conversation, activities ...Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var providerKey string
	if msg.ProviderMessageID != "" {
		providerKey = tenantKey(msg.TenantID, msg.ProviderMessageID)
		if _, dup := s.providerIDs[providerKey]; dup {
			return ErrDuplicateMessage
		}
	}
	if err := s.writeConversation(conv, activities); err != nil {
		return err
	}
	if providerKey != "" {
		s.providerIDs[providerKey] = struct{}{}
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *MemoryStore) UpdateConversation(_ context.Context, conv *Conversation, activities ...Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeConversation(conv, activities)
}

func (s *MemoryStore) ListMessages(_ context.Context, tenantID, conversationID string, q MessageQuery) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	all := s.messages[conversationID]
	end := len(all)
	if q.Before != nil {
		end = sort.Search(len(all), func(i int) bool { return !all[i].CreatedAt.Before(*q.Before) })
	}
	start := end - PageSize(q.Limit)
	if start < 0 {
		start = 0
	}
	out := make([]Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (s *MemoryStore) tagsFor(conversationID string) []Tag {
	var out []Tag
	for _, link := range s.links {
		if link.ConversationID != conversationID {
			continue
		}
		if tag, ok := s.tags[link.TagID]; ok {
			out = append(out, *tag)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *MemoryStore) ListConversations(_ context.Context, f ConversationFilter) ([]ConversationSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	search := strings.ToLower(strings.TrimSpace(f.Search))
	var out []ConversationSummary
	for _, conv := range s.conversations {
		if conv.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && conv.Status != f.Status {
			continue
		}
		if f.Unassigned && conv.AssignedToID != nil {
			continue
		}
		if f.AssignedToID != "" && (conv.AssignedToID == nil || *conv.AssignedToID != f.AssignedToID) {
			continue
		}
		if f.UnreadOnly && conv.UnreadCount == 0 {
			continue
		}
		if f.TagID != "" {
			if _, ok := s.links[tenantKey(conv.ID, f.TagID)]; !ok {
				continue
			}
		}
		if f.Before != nil && (conv.LastMessageAt == nil || !conv.LastMessageAt.Before(*f.Before)) {
			continue
		}
		client := s.clients[conv.ClientID]
		if search != "" && !strings.Contains(strings.ToLower(client.Name), search) && !strings.Contains(string(client.Phone), search) {
			continue
		}
		out = append(out, ConversationSummary{Conversation: *conv.Clone(), Client: *client, Tags: s.tagsFor(conv.ID)})
	}
	sort.Slice(out, func(i, j int) bool {
		return lastActivity(&out[i].Conversation).After(lastActivity(&out[j].Conversation))
	})
	if limit := PageSize(f.Limit); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func lastActivity(c *Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

func (s *MemoryStore) ListActivities(_ context.Context, tenantID, conversationID string) ([]Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	out := make([]Activity, len(s.activities[conversationID]))
	copy(out, s.activities[conversationID])
	return out, nil
}

func (s *MemoryStore) Stats(_ context.Context, tenantID string) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := Stats{TenantID: tenantID}
	for _, conv := range s.conversations {
		if conv.TenantID != tenantID {
			continue
		}
		switch conv.Status {
		case StatusOpen:
			st.Open++
		case StatusPending:
			st.Pending++
		}
		if conv.UnreadCount > 0 {
			st.UnreadConversations++
			st.UnreadMessages += conv.UnreadCount
		}
	}
	return st, nil
}

func (s *MemoryStore) CreateNote(_ context.Context, note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conv, ok := s.conversations[note.ConversationID]; !ok || conv.TenantID != note.TenantID {
		return fmt.Errorf("%w: conversation %s", ErrNotFound, note.ConversationID)
	}
	n := *note
	s.notes[note.ID] = &n
	return nil
}

func (s *MemoryStore) GetNote(_ context.Context, tenantID, noteID string) (*Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.notes[noteID]
	if !ok || n.TenantID != tenantID {
		return nil, fmt.Errorf("%w: note %s", ErrNotFound, noteID)
	}
	out := *n
	return &out, nil
}

func (s *MemoryStore) UpdateNote(_ context.Context, note *Note) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.notes[note.ID]
	if !ok || current.TenantID != note.TenantID {
		return fmt.Errorf("%w: note %s", ErrNotFound, note.ID)
	}
	n := *note
	s.notes[note.ID] = &n
	return nil
}

func (s *MemoryStore) ListNotes(_ context.Context, tenantID, conversationID string) ([]Note, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Note
	for _, n := range s.notes {
		if n.TenantID == tenantID && n.ConversationID == conversationID {
			out = append(out, *n)
		}
	}
	sortNotes(out)
	return out, nil
}

// sortNotes orders pinned notes first, then newest first.
func sortNotes(notes []Note) {
	sort.SliceStable(notes, func(i, j int) bool {
		if notes[i].Pinned != notes[j].Pinned {
			return notes[i].Pinned
		}
		return notes[i].CreatedAt.After(notes[j].CreatedAt)
	})
}

func (s *MemoryStore) CreateTag(_ context.Context, tag *Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.tags {
		if existing.TenantID == tag.TenantID && strings.EqualFold(existing.Name, tag.Name) {
			return fmt.Errorf("%w: tag %q already exists", ErrInvalidInput, tag.Name)
		}
	}
	t := *tag
	s.tags[tag.ID] = &t
	return nil
}

func (s *MemoryStore) GetTag(_ context.Context, tenantID, tagID string) (*Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[tagID]
	if !ok || t.TenantID != tenantID {
		return nil, fmt.Errorf("%w: tag %s", ErrNotFound, tagID)
	}
	out := *t
	return &out, nil
}

func (s *MemoryStore) ListTags(_ context.Context, tenantID string) ([]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Tag
	for _, t := range s.tags {
		if t.TenantID == tenantID {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) ConversationTags(_ context.Context, tenantID, conversationID string) ([]Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.conversations[conversationID]
	if !ok || conv.TenantID != tenantID {
		return nil, fmt.Errorf("%w: conversation %s", ErrNotFound, conversationID)
	}
	return s.tagsFor(conversationID), nil
}

func (s *MemoryStore) AddConversationTag(_ context.Context, link ConversationTag, activity Activity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey(link.ConversationID, link.TagID)
	if _, ok := s.links[key]; ok {
		return false, nil
	}
	s.links[key] = link
	s.activities[link.ConversationID] = append(s.activities[link.ConversationID], activity)
	return true, nil
}

func (s *MemoryStore) RemoveConversationTag(_ context.Context, tenantID, conversationID, tagID string, activity Activity) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := tenantKey(conversationID, tagID)
	link, ok := s.links[key]
	if !ok || link.TenantID != tenantID {
		return false, nil
	}
	delete(s.links, key)
	s.activities[conversationID] = append(s.activities[conversationID], activity)
	return true, nil
}
