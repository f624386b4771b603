package inbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/wolfman30/clinic-inbox/internal/phone"
	"github.com/wolfman30/clinic-inbox/internal/realtime"
	"github.com/wolfman30/clinic-inbox/internal/serial"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

const previewRunes = 120

// Publisher receives realtime events after state is persisted.
type Publisher interface {
	Publish(ev realtime.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.Event) {}

// Service applies inbox state transitions. Mutations of one conversation
// run one at a time in arrival order, and their events are published
// before the next mutation starts.
type Service struct {
	store     Store
	locks     *serial.Mutex
	publisher Publisher
	logger    *logging.Logger
	now       func() time.Time
	newID     func() string
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithLocks shares a keyed mutex with other components.
func WithLocks(locks *serial.Mutex) Option {
	return func(s *Service) { s.locks = locks }
}

// NewService wires the inbox service.
func NewService(store Store, publisher Publisher, logger *logging.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	s := &Service{
		store:     store,
		locks:     serial.NewMutex(),
		publisher: publisher,
		logger:    logger.Component("inbox"),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Inbound is a customer message ready to persist.
type Inbound struct {
	TenantID          string
	Phone             phone.Canonical
	ContactName       string
	Text              string
	Provider          string
	ProviderMessageID string
	ExternalRef       string
	IsAudio           bool
	// AIDefault seeds AIEnabled when the conversation is created.
	AIDefault bool
}

// InboundResult describes what RecordInbound persisted.
type InboundResult struct {
	Client       *Client
	Conversation *Conversation
	Message      *Message
	Reopened     bool
}

// Outbound is an AI or agent reply confirmed by the provider.
type Outbound struct {
	TenantID          string
	ConversationID    string
	Role              Role
	Content           string
	Provider          string
	ProviderMessageID string
	AuthorID          string
}

// RecordInbound persists a customer message: the client and conversation
// are created on first contact, unread is incremented and a resolved
// conversation is reopened. Returns ErrDuplicateMessage for redeliveries.
func (s *Service) RecordInbound(ctx context.Context, in Inbound) (*InboundResult, error) {
	if in.TenantID == "" || in.Phone == "" {
		return nil, fmt.Errorf("%w: tenant and phone required", ErrInvalidInput)
	}
	client, err := s.store.FindOrCreateClient(ctx, in.TenantID, in.Phone, in.ContactName)
	if err != nil {
		return nil, fmt.Errorf("inbox: find client: %w", err)
	}
	created, err := s.store.FindOrCreateConversation(ctx, in.TenantID, client.ID, in.AIDefault, in.ExternalRef)
	if err != nil {
		return nil, fmt.Errorf("inbox: find conversation: %w", err)
	}

	msg := &Message{
		ID:                s.newID(),
		TenantID:          in.TenantID,
		ConversationID:    created.ID,
		ClientID:          client.ID,
		Role:              RoleHuman,
		Content:           in.Text,
		ProviderMessageID: in.ProviderMessageID,
		Provider:          in.Provider,
		IsAudio:           in.IsAudio,
	}

	var reopened bool
	conv, _, err := s.mutate(ctx, in.TenantID, created.ID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			reopened = false
			// Stamped under the lock so creation order matches persistence order.
			msg.CreatedAt = s.now().UTC()
			var acts []Activity
			if conv.Status == StatusResolved {
				acts = append(acts, s.activity(conv, ActivityStatusChanged, SystemActor,
					"Conversa reaberta", fmt.Sprintf("%s → %s (nova mensagem do cliente)", conv.Status, StatusOpen)))
				conv.Status = StatusOpen
				reopened = true
			}
			conv.UnreadCount++
			touch(conv, msg)
			if in.ExternalRef != "" && conv.ExternalRef == "" {
				conv.ExternalRef = in.ExternalRef
			}
			return acts, true, nil
		},
		persist: func(conv *Conversation, acts []Activity) error {
			return s.store.SaveMessage(ctx, msg, conv, acts...)
		},
		after: func(conv *Conversation) {
			s.publishMessage(conv, msg)
			if reopened {
				s.publishConversation(ctx, conv, "")
			}
			s.publishStats(ctx, conv.TenantID)
		},
	})
	if err != nil {
		return nil, err
	}
	return &InboundResult{Client: client, Conversation: conv, Message: msg, Reopened: reopened}, nil
}

// RecordOutbound persists a reply after the provider confirmed delivery.
func (s *Service) RecordOutbound(ctx context.Context, out Outbound) (*Message, error) {
	if out.Role != RoleAssistant && out.Role != RoleAgent {
		return nil, fmt.Errorf("%w: outbound role %q", ErrInvalidInput, out.Role)
	}
	if strings.TrimSpace(out.Content) == "" {
		return nil, fmt.Errorf("%w: empty content", ErrInvalidInput)
	}
	var msg *Message
	_, _, err := s.mutate(ctx, out.TenantID, out.ConversationID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			msg = &Message{
				ID:                s.newID(),
				TenantID:          conv.TenantID,
				ConversationID:    conv.ID,
				ClientID:          conv.ClientID,
				Role:              out.Role,
				Content:           out.Content,
				ProviderMessageID: out.ProviderMessageID,
				Provider:          out.Provider,
				AuthorID:          out.AuthorID,
				CreatedAt:         s.now().UTC(),
			}
			touch(conv, msg)
			return nil, true, nil
		},
		persist: func(conv *Conversation, acts []Activity) error {
			return s.store.SaveMessage(ctx, msg, conv, acts...)
		},
		after: func(conv *Conversation) {
			s.publishMessage(conv, msg)
		},
	})
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// SetStatus moves a conversation to status on behalf of actorID.
func (s *Service) SetStatus(ctx context.Context, tenantID, conversationID string, status Status, actorID string) (*Conversation, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, status)
	}
	conv, _, err := s.mutate(ctx, tenantID, conversationID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			if conv.Status == status {
				return nil, false, nil
			}
			act := s.activity(conv, ActivityStatusChanged, actorID,
				statusTitle(status), fmt.Sprintf("%s → %s", conv.Status, status))
			conv.Status = status
			return []Activity{act}, true, nil
		},
		after: func(conv *Conversation) {
			s.publishConversation(ctx, conv, "")
			s.publishStats(ctx, conv.TenantID)
		},
	})
	return conv, err
}

func statusTitle(status Status) string {
	switch status {
	case StatusResolved:
		return "Conversa resolvida"
	case StatusPending:
		return "Conversa marcada como pendente"
	default:
		return "Conversa reaberta"
	}
}

// Assign sets or clears (assigneeID == "") the owning agent.
func (s *Service) Assign(ctx context.Context, tenantID, conversationID, assigneeID, actorID string) (*Conversation, error) {
	conv, _, err := s.mutate(ctx, tenantID, conversationID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			current := ""
			if conv.AssignedToID != nil {
				current = *conv.AssignedToID
			}
			if current == assigneeID {
				return nil, false, nil
			}
			var act Activity
			if assigneeID == "" {
				act = s.activity(conv, ActivityUnassigned, actorID, "Atribuição removida", "Anteriormente com "+current)
				conv.AssignedToID = nil
			} else {
				desc := "Atribuída a " + assigneeID
				if current != "" {
					desc += " (antes com " + current + ")"
				}
				act = s.activity(conv, ActivityAssigned, actorID, "Conversa atribuída", desc)
				id := assigneeID
				conv.AssignedToID = &id
			}
			return []Activity{act}, true, nil
		},
		after: func(conv *Conversation) {
			s.publishConversation(ctx, conv, assigneeID)
		},
	})
	return conv, err
}

// SetAIEnabled toggles the per-conversation AI flag.
func (s *Service) SetAIEnabled(ctx context.Context, tenantID, conversationID string, enabled bool, actorID string) (*Conversation, error) {
	conv, _, err := s.mutate(ctx, tenantID, conversationID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			if conv.AIEnabled == enabled {
				return nil, false, nil
			}
			title := "IA desativada"
			if enabled {
				title = "IA ativada"
			}
			act := s.activity(conv, ActivityAIToggled, actorID, title, fmt.Sprintf("%t → %t", conv.AIEnabled, enabled))
			conv.AIEnabled = enabled
			return []Activity{act}, true, nil
		},
		after: func(conv *Conversation) {
			s.publishConversation(ctx, conv, "")
		},
	})
	return conv, err
}

// SetTemperature classifies the lead; TemperatureNone clears it.
func (s *Service) SetTemperature(ctx context.Context, tenantID, conversationID string, temp Temperature, actorID string) (*Conversation, error) {
	if !temp.Valid() {
		return nil, fmt.Errorf("%w: temperature %q", ErrInvalidInput, temp)
	}
	conv, _, err := s.mutate(ctx, tenantID, conversationID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			if conv.Temperature == temp {
				return nil, false, nil
			}
			act := s.activity(conv, ActivityTemperatureChanged, actorID, "Temperatura alterada",
				fmt.Sprintf("%s → %s", displayTemperature(conv.Temperature), displayTemperature(temp)))
			conv.Temperature = temp
			return []Activity{act}, true, nil
		},
		after: func(conv *Conversation) {
			s.publishConversation(ctx, conv, "")
		},
	})
	return conv, err
}

func displayTemperature(t Temperature) string {
	if t == TemperatureNone {
		return "—"
	}
	return string(t)
}

// MarkRead resets the unread counter when an agent opens the conversation.
func (s *Service) MarkRead(ctx context.Context, tenantID, conversationID, actorID string) (*Conversation, error) {
	conv, _, err := s.mutate(ctx, tenantID, conversationID, change{
		apply: func(conv *Conversation) ([]Activity, bool, error) {
			if conv.UnreadCount == 0 {
				return nil, false, nil
			}
			conv.UnreadCount = 0
			return nil, true, nil
		},
		after: func(conv *Conversation) {
			s.publisher.Publish(realtime.Event{
				Name:           realtime.EventMessageRead,
				TenantID:       conv.TenantID,
				ConversationID: conv.ID,
				Data: map[string]any{
					"conversation_id": conv.ID,
					"read_by":         actorID,
					"unread_count":    0,
				},
			})
			s.publishStats(ctx, conv.TenantID)
		},
	})
	return conv, err
}

// AddTag links a tenant tag to the conversation.
func (s *Service) AddTag(ctx context.Context, tenantID, conversationID, tagID, actorID string) error {
	return s.retag(ctx, tenantID, conversationID, tagID, actorID, true)
}

// RemoveTag unlinks a tag from the conversation.
func (s *Service) RemoveTag(ctx context.Context, tenantID, conversationID, tagID, actorID string) error {
	return s.retag(ctx, tenantID, conversationID, tagID, actorID, false)
}

func (s *Service) retag(ctx context.Context, tenantID, conversationID, tagID, actorID string, add bool) error {
	tag, err := s.store.GetTag(ctx, tenantID, tagID)
	if err != nil {
		return err
	}
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return err
	}
	defer unlock()

	conv, err := s.store.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return err
	}
	var changed bool
	if add {
		act := s.activity(conv, ActivityTagAdded, actorID, "Etiqueta adicionada", tag.Name)
		changed, err = s.store.AddConversationTag(ctx, ConversationTag{
			TenantID:       tenantID,
			ConversationID: conversationID,
			TagID:          tagID,
			AssignedByID:   actorID,
			CreatedAt:      s.now().UTC(),
		}, act)
	} else {
		act := s.activity(conv, ActivityTagRemoved, actorID, "Etiqueta removida", tag.Name)
		changed, err = s.store.RemoveConversationTag(ctx, tenantID, conversationID, tagID, act)
	}
	if err != nil {
		return fmt.Errorf("inbox: update tags: %w", err)
	}
	if changed {
		s.publishConversation(ctx, conv, "")
	}
	return nil
}

// AddNote attaches an internal note.
func (s *Service) AddNote(ctx context.Context, tenantID, conversationID, authorID, content string, pinned bool) (*Note, error) {
	content = strings.TrimSpace(content)
	if content == "" || authorID == "" {
		return nil, fmt.Errorf("%w: note content and author required", ErrInvalidInput)
	}
	if _, err := s.store.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	note := &Note{
		ID:             s.newID(),
		TenantID:       tenantID,
		ConversationID: conversationID,
		AuthorID:       authorID,
		Content:        content,
		Pinned:         pinned,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateNote(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

// NoteUpdate carries the editable note fields; nil leaves a field as is.
type NoteUpdate struct {
	Content *string
	Pinned  *bool
}

// UpdateNote edits a note. Only its author may change the content; any
// agent of the tenant may pin or unpin it.
func (s *Service) UpdateNote(ctx context.Context, tenantID, noteID, actorID string, upd NoteUpdate) (*Note, error) {
	note, err := s.store.GetNote(ctx, tenantID, noteID)
	if err != nil {
		return nil, err
	}
	if upd.Content != nil {
		if note.AuthorID != actorID {
			return nil, ErrForbidden
		}
		content := strings.TrimSpace(*upd.Content)
		if content == "" {
			return nil, fmt.Errorf("%w: empty note", ErrInvalidInput)
		}
		note.Content = content
	}
	if upd.Pinned != nil {
		note.Pinned = *upd.Pinned
	}
	note.UpdatedAt = s.now().UTC()
	if err := s.store.UpdateNote(ctx, note); err != nil {
		return nil, err
	}
	return note, nil
}

// ListNotes returns pinned notes first, newest first.
func (s *Service) ListNotes(ctx context.Context, tenantID, conversationID string) ([]Note, error) {
	if _, err := s.store.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return s.store.ListNotes(ctx, tenantID, conversationID)
}

// ListConversations returns list rows, most recent activity first.
func (s *Service) ListConversations(ctx context.Context, f ConversationFilter) ([]ConversationSummary, error) {
	if f.TenantID == "" {
		return nil, fmt.Errorf("%w: tenant required", ErrInvalidInput)
	}
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: status %q", ErrInvalidInput, f.Status)
	}
	f.Limit = PageSize(f.Limit)
	return s.store.ListConversations(ctx, f)
}

// GetConversation loads one conversation.
func (s *Service) GetConversation(ctx context.Context, tenantID, conversationID string) (*Conversation, error) {
	return s.store.GetConversation(ctx, tenantID, conversationID)
}

// GetClient loads one client.
func (s *Service) GetClient(ctx context.Context, tenantID, clientID string) (*Client, error) {
	return s.store.GetClient(ctx, tenantID, clientID)
}

// CanAccessConversation reports whether conversationID belongs to tenantID.
func (s *Service) CanAccessConversation(ctx context.Context, tenantID, conversationID string) (bool, error) {
	_, err := s.store.GetConversation(ctx, tenantID, conversationID)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Messages pages a conversation's messages, oldest-first.
func (s *Service) Messages(ctx context.Context, tenantID, conversationID string, q MessageQuery) ([]Message, error) {
	q.Limit = PageSize(q.Limit)
	return s.store.ListMessages(ctx, tenantID, conversationID, q)
}

// History returns up to n messages preceding excludeID, oldest-first.
func (s *Service) History(ctx context.Context, tenantID, conversationID, excludeID string, n int) ([]Message, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.store.ListMessages(ctx, tenantID, conversationID, MessageQuery{Limit: n + 1})
	if err != nil {
		return nil, err
	}
	out := msgs[:0]
	for _, m := range msgs {
		if m.ID != excludeID {
			out = append(out, m)
		}
	}
	if len(out) > n {
		out = out[len(out)-n:]
	}
	return out, nil
}

// Activities returns the audit trail in creation order.
func (s *Service) Activities(ctx context.Context, tenantID, conversationID string) ([]Activity, error) {
	return s.store.ListActivities(ctx, tenantID, conversationID)
}

// Stats returns tenant-wide counters.
func (s *Service) Stats(ctx context.Context, tenantID string) (Stats, error) {
	return s.store.Stats(ctx, tenantID)
}

// CreateTag adds a tenant tag.
func (s *Service) CreateTag(ctx context.Context, tenantID, name, color string) (*Tag, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: tag name required", ErrInvalidInput)
	}
	tag := &Tag{ID: s.newID(), TenantID: tenantID, Name: name, Color: color, CreatedAt: s.now().UTC()}
	if err := s.store.CreateTag(ctx, tag); err != nil {
		return nil, err
	}
	return tag, nil
}

// ListTags returns the tenant's tags by name.
func (s *Service) ListTags(ctx context.Context, tenantID string) ([]Tag, error) {
	return s.store.ListTags(ctx, tenantID)
}

// change describes one conversation mutation run by mutate.
type change struct {
	// apply mutates conv in place; changed=false is a no-op.
	apply func(conv *Conversation) (acts []Activity, changed bool, err error)
	// persist defaults to Store.UpdateConversation.
	persist func(conv *Conversation, acts []Activity) error
	// after runs under the lock once the change is stored.
	after func(conv *Conversation)
}

// mutate serializes a change on one conversation, retrying once on a
// version conflict.
func (s *Service) mutate(ctx context.Context, tenantID, conversationID string, ch change) (*Conversation, bool, error) {
	unlock, err := s.locks.Lock(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		conv, err := s.store.GetConversation(ctx, tenantID, conversationID)
		if err != nil {
			return nil, false, err
		}
		acts, changed, err := ch.apply(conv)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return conv, false, nil
		}
		if ch.persist != nil {
			err = ch.persist(conv, acts)
		} else {
			err = s.store.UpdateConversation(ctx, conv, acts...)
		}
		if errors.Is(err, ErrVersionConflict) && attempt == 0 {
			s.logger.Warn("conversation version conflict, retrying", "tenant_id", tenantID, "conversation_id", conversationID)
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if ch.after != nil {
			ch.after(conv)
		}
		return conv, true, nil
	}
}

func (s *Service) activity(conv *Conversation, typ ActivityType, actorID, title, description string) Activity {
	if actorID == "" {
		actorID = SystemActor
	}
	return Activity{
		ID:             s.newID(),
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Type:           typ,
		ActorID:        actorID,
		Title:          title,
		Description:    description,
		CreatedAt:      s.now().UTC(),
	}
}

func touch(conv *Conversation, msg *Message) {
	at := msg.CreatedAt
	conv.LastMessageAt = &at
	conv.LastMessagePreview = preview(msg.Content)
}

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	if utf8.RuneCountInString(content) <= previewRunes {
		return content
	}
	return string([]rune(content)[:previewRunes-1]) + "…"
}

func (s *Service) publishMessage(conv *Conversation, msg *Message) {
	s.publisher.Publish(realtime.Event{
		Name:           realtime.EventMessageNew,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		Data: map[string]any{
			"message":      msg,
			"conversation": conv.Clone(),
		},
	})
}

func (s *Service) publishConversation(ctx context.Context, conv *Conversation, userID string) {
	tags, err := s.store.ConversationTags(ctx, conv.TenantID, conv.ID)
	if err != nil {
		s.logger.Warn("failed to load tags for broadcast", "conversation_id", conv.ID, "error", err)
	}
	if tags == nil {
		tags = []Tag{}
	}
	s.publisher.Publish(realtime.Event{
		Name:           realtime.EventConversationUpdate,
		TenantID:       conv.TenantID,
		ConversationID: conv.ID,
		UserID:         userID,
		Data: map[string]any{
			"conversation": conv.Clone(),
			"tags":         tags,
		},
	})
}

func (s *Service) publishStats(ctx context.Context, tenantID string) {
	stats, err := s.store.Stats(ctx, tenantID)
	if err != nil {
		s.logger.Warn("failed to load stats for broadcast", "tenant_id", tenantID, "error", err)
		return
	}
	s.publisher.Publish(realtime.Event{
		Name:     realtime.EventStatsUpdate,
		TenantID: tenantID,
		Data:     stats,
	})
}
