// Package postgres implements inbox.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/wolfman30/clinic-inbox/internal/inbox"
	"github.com/wolfman30/clinic-inbox/internal/phone"
)

const uniqueViolation = "23505"

// PgxPool is the subset of *pgxpool.Pool the store needs.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists inbox records in Postgres.
type Store struct {
	pool PgxPool
}

var _ inbox.Store = (*Store)(nil)

func NewStore(pool PgxPool) *Store {
	if pool == nil {
		return nil
	}
	return &Store{pool: pool}
}

const conversationColumns = `id, tenant_id, client_id, status, ai_enabled, assigned_to_id, unread_count,
	last_message_at, last_message_preview, temperature, external_ref, version, created_at, updated_at`

// validID reports whether id can be compared against a UUID column. Anything
// else cannot exist and is treated as not found.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func notFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", inbox.ErrNotFound, kind, id)
}

func scanConversation(row pgx.Row) (*inbox.Conversation, error) {
	var (
		conv         inbox.Conversation
		status, temp string
	)
	err := row.Scan(&conv.ID, &conv.TenantID, &conv.ClientID, &status, &conv.AIEnabled, &conv.AssignedToID,
		&conv.UnreadCount, &conv.LastMessageAt, &conv.LastMessagePreview, &temp, &conv.ExternalRef,
		&conv.Version, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	conv.Status = inbox.Status(status)
	conv.Temperature = inbox.Temperature(temp)
	return &conv, nil
}

func scanClient(row pgx.Row) (*inbox.Client, error) {
	var (
		c inbox.Client
		p string
	)
	if err := row.Scan(&c.ID, &c.TenantID, &p, &c.Name, &c.CreatedAt); err != nil {
		return nil, err
	}
	c.Phone = phone.Canonical(p)
	return &c, nil
}

func (s *Store) FindOrCreateClient(ctx context.Context, tenantID string, p phone.Canonical, name string) (*inbox.Client, error) {
	query := `
		INSERT INTO clients (id, tenant_id, phone, name)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_id, phone)
		DO UPDATE SET name = CASE WHEN clients.name = '' THEN EXCLUDED.name ELSE clients.name END
		RETURNING id, tenant_id, phone, name, created_at
	`
	c, err := scanClient(s.pool.QueryRow(ctx, query, uuid.NewString(), tenantID, string(p), strings.TrimSpace(name)))
	if err != nil {
		return nil, fmt.Errorf("inbox: upsert client: %w", err)
	}
	return c, nil
}

func (s *Store) GetClient(ctx context.Context, tenantID, clientID string) (*inbox.Client, error) {
	if !validID(clientID) {
		return nil, notFound("client", clientID)
	}
	c, err := scanClient(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, phone, name, created_at FROM clients WHERE tenant_id = $1 AND id = $2`,
		tenantID, clientID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("client", clientID)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: get client: %w", err)
	}
	return c, nil
}

func (s *Store) FindOrCreateConversation(ctx context.Context, tenantID, clientID string, aiEnabled bool, externalRef string) (*inbox.Conversation, error) {
	query := `
		INSERT INTO conversations (id, tenant_id, client_id, status, ai_enabled, external_ref)
		VALUES ($1, $2, $3, 'OPEN', $4, $5)
		ON CONFLICT (tenant_id, client_id)
		DO UPDATE SET external_ref = CASE WHEN conversations.external_ref = '' THEN EXCLUDED.external_ref ELSE conversations.external_ref END
		RETURNING ` + conversationColumns
	conv, err := scanConversation(s.pool.QueryRow(ctx, query, uuid.NewString(), tenantID, clientID, aiEnabled, externalRef))
	if err != nil {
		return nil, fmt.Errorf("inbox: upsert conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) GetConversation(ctx context.Context, tenantID, conversationID string) (*inbox.Conversation, error) {
	if !validID(conversationID) {
		return nil, notFound("conversation", conversationID)
	}
	conv, err := scanConversation(s.pool.QueryRow(ctx,
		`SELECT `+conversationColumns+` FROM conversations WHERE tenant_id = $1 AND id = $2`,
		tenantID, conversationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("conversation", conversationID)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: get conversation: %w", err)
	}
	return conv, nil
}

// writeConversation applies conv guarded by its version and appends the
// activities. conv.Version and conv.UpdatedAt are refreshed on success.
func writeConversation(ctx context.Context, q querier, conv *inbox.Conversation, activities []inbox.Activity) error {
	query := `
		UPDATE conversations SET
			status = $3,
			ai_enabled = $4,
			assigned_to_id = $5,
			unread_count = $6,
			last_message_at = $7,
			last_message_preview = $8,
			temperature = $9,
			external_ref = $10,
			version = version + 1,
			updated_at = now()
		WHERE tenant_id = $1 AND id = $2 AND version = $11
		RETURNING version, updated_at
	`
	var (
		version   int64
		updatedAt time.Time
	)
	err := q.QueryRow(ctx, query, conv.TenantID, conv.ID, string(conv.Status), conv.AIEnabled, conv.AssignedToID,
		conv.UnreadCount, conv.LastMessageAt, conv.LastMessagePreview, string(conv.Temperature), conv.ExternalRef,
		conv.Version).Scan(&version, &updatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return inbox.ErrVersionConflict
	}
	if err != nil {
		return fmt.Errorf("inbox: update conversation: %w", err)
	}
	for _, a := range activities {
		if err := insertActivity(ctx, q, a); err != nil {
			return err
		}
	}
	conv.Version = version
	conv.UpdatedAt = updatedAt
	return nil
}

func insertActivity(ctx context.Context, q querier, a inbox.Activity) error {
	_, err := q.Exec(ctx, `
		INSERT INTO conversation_activities (id, tenant_id, conversation_id, type, actor_id, title, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, a.ID, a.TenantID, a.ConversationID, string(a.Type), a.ActorID, a.Title, a.Description, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("inbox: insert activity: %w", err)
	}
	return nil
}

func (s *Store) SaveMessage(ctx context.Context, msg *inbox.Message, conv *inbox.Conversation, activities ...inbox.Activity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (id, tenant_id, conversation_id, client_id, role, content, provider, provider_message_id, author_id, is_audio, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), $9, $10, $11)
		ON CONFLICT (tenant_id, provider_message_id) WHERE provider_message_id IS NOT NULL DO NOTHING
	`, msg.ID, msg.TenantID, msg.ConversationID, msg.ClientID, string(msg.Role), msg.Content, msg.Provider,
		msg.ProviderMessageID, msg.AuthorID, msg.IsAudio, msg.CreatedAt)
	if isUniqueViolation(err) {
		return inbox.ErrDuplicateMessage
	}
	if err != nil {
		return fmt.Errorf("inbox: insert message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return inbox.ErrDuplicateMessage
	}

	version, updatedAt := conv.Version, conv.UpdatedAt
	if err := writeConversation(ctx, tx, conv, activities); err != nil {
		conv.Version, conv.UpdatedAt = version, updatedAt
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		conv.Version, conv.UpdatedAt = version, updatedAt
		return fmt.Errorf("inbox: commit message: %w", err)
	}
	return nil
}

func (s *Store) UpdateConversation(ctx context.Context, conv *inbox.Conversation, activities ...inbox.Activity) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("inbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	version, updatedAt := conv.Version, conv.UpdatedAt
	if err := writeConversation(ctx, tx, conv, activities); err != nil {
		conv.Version, conv.UpdatedAt = version, updatedAt
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		conv.Version, conv.UpdatedAt = version, updatedAt
		return fmt.Errorf("inbox: commit conversation: %w", err)
	}
	return nil
}

func (s *Store) ListMessages(ctx context.Context, tenantID, conversationID string, q inbox.MessageQuery) ([]inbox.Message, error) {
	if _, err := s.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	// Newest page first, then flipped so callers read oldest-first.
	query := `
		SELECT id, tenant_id, conversation_id, client_id, role, content, provider,
			COALESCE(provider_message_id, ''), author_id, is_audio, created_at
		FROM (
			SELECT * FROM messages
			WHERE tenant_id = $1 AND conversation_id = $2 AND ($3::timestamptz IS NULL OR created_at < $3)
			ORDER BY created_at DESC, id DESC
			LIMIT $4
		) page
		ORDER BY created_at ASC, id ASC
	`
	rows, err := s.pool.Query(ctx, query, tenantID, conversationID, q.Before, inbox.PageSize(q.Limit))
	if err != nil {
		return nil, fmt.Errorf("inbox: list messages: %w", err)
	}
	defer rows.Close()

	var out []inbox.Message
	for rows.Next() {
		var (
			m    inbox.Message
			role string
		)
		if err := rows.Scan(&m.ID, &m.TenantID, &m.ConversationID, &m.ClientID, &role, &m.Content, &m.Provider,
			&m.ProviderMessageID, &m.AuthorID, &m.IsAudio, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("inbox: scan message: %w", err)
		}
		m.Role = inbox.Role(role)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListConversations(ctx context.Context, f inbox.ConversationFilter) ([]inbox.ConversationSummary, error) {
	where := []string{"c.tenant_id = $1"}
	args := []any{f.TenantID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Status != "" {
		where = append(where, "c.status = "+arg(string(f.Status)))
	}
	if f.Unassigned {
		where = append(where, "c.assigned_to_id IS NULL")
	} else if f.AssignedToID != "" {
		where = append(where, "c.assigned_to_id = "+arg(f.AssignedToID))
	}
	if f.UnreadOnly {
		where = append(where, "c.unread_count > 0")
	}
	if f.TagID != "" {
		if !validID(f.TagID) {
			return nil, nil
		}
		where = append(where, "EXISTS (SELECT 1 FROM conversation_tags ct WHERE ct.conversation_id = c.id AND ct.tag_id = "+arg(f.TagID)+")")
	}
	if f.Before != nil {
		where = append(where, "c.last_message_at < "+arg(*f.Before))
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		p := arg("%" + strings.ToLower(search) + "%")
		where = append(where, "(lower(cl.name) LIKE "+p+" OR cl.phone LIKE "+p+")")
	}
	query := `
		SELECT c.id, c.tenant_id, c.client_id, c.status, c.ai_enabled, c.assigned_to_id, c.unread_count,
			c.last_message_at, c.last_message_preview, c.temperature, c.external_ref, c.version, c.created_at, c.updated_at,
			cl.id, cl.tenant_id, cl.phone, cl.name, cl.created_at
		FROM conversations c
		JOIN clients cl ON cl.id = c.client_id
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY COALESCE(c.last_message_at, c.created_at) DESC
		LIMIT ` + arg(inbox.PageSize(f.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: list conversations: %w", err)
	}
	defer rows.Close()

	var (
		out []inbox.ConversationSummary
		ids []string
	)
	for rows.Next() {
		var (
			sum                  inbox.ConversationSummary
			status, temp, phoneS string
		)
		c := &sum.Conversation
		if err := rows.Scan(&c.ID, &c.TenantID, &c.ClientID, &status, &c.AIEnabled, &c.AssignedToID, &c.UnreadCount,
			&c.LastMessageAt, &c.LastMessagePreview, &temp, &c.ExternalRef, &c.Version, &c.CreatedAt, &c.UpdatedAt,
			&sum.Client.ID, &sum.Client.TenantID, &phoneS, &sum.Client.Name, &sum.Client.CreatedAt); err != nil {
			return nil, fmt.Errorf("inbox: scan conversation: %w", err)
		}
		c.Status = inbox.Status(status)
		c.Temperature = inbox.Temperature(temp)
		sum.Client.Phone = phone.Canonical(phoneS)
		out = append(out, sum)
		ids = append(ids, c.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return out, nil
	}

	tags, err := s.tagsByConversation(ctx, f.TenantID, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Tags = tags[out[i].ID]
	}
	return out, nil
}

func (s *Store) tagsByConversation(ctx context.Context, tenantID string, ids []string) (map[string][]inbox.Tag, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ct.conversation_id, t.id, t.tenant_id, t.name, t.color, t.created_at
		FROM conversation_tags ct
		JOIN tags t ON t.id = ct.tag_id
		WHERE ct.tenant_id = $1 AND ct.conversation_id::text = ANY($2)
		ORDER BY t.name
	`, tenantID, ids)
	if err != nil {
		return nil, fmt.Errorf("inbox: list conversation tags: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]inbox.Tag)
	for rows.Next() {
		var (
			convID string
			t      inbox.Tag
		)
		if err := rows.Scan(&convID, &t.ID, &t.TenantID, &t.Name, &t.Color, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("inbox: scan tag: %w", err)
		}
		out[convID] = append(out[convID], t)
	}
	return out, rows.Err()
}

func (s *Store) ListActivities(ctx context.Context, tenantID, conversationID string) ([]inbox.Activity, error) {
	if _, err := s.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, conversation_id, type, actor_id, title, description, created_at
		FROM conversation_activities
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY created_at ASC
	`, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("inbox: list activities: %w", err)
	}
	defer rows.Close()

	var out []inbox.Activity
	for rows.Next() {
		var (
			a   inbox.Activity
			typ string
		)
		if err := rows.Scan(&a.ID, &a.TenantID, &a.ConversationID, &typ, &a.ActorID, &a.Title, &a.Description, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("inbox: scan activity: %w", err)
		}
		a.Type = inbox.ActivityType(typ)
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) Stats(ctx context.Context, tenantID string) (inbox.Stats, error) {
	st := inbox.Stats{TenantID: tenantID}
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE unread_count > 0),
			COALESCE(SUM(unread_count), 0),
			COUNT(*) FILTER (WHERE status = 'OPEN'),
			COUNT(*) FILTER (WHERE status = 'PENDING')
		FROM conversations
		WHERE tenant_id = $1
	`, tenantID).Scan(&st.UnreadConversations, &st.UnreadMessages, &st.Open, &st.Pending)
	if err != nil {
		return st, fmt.Errorf("inbox: stats: %w", err)
	}
	return st, nil
}

func (s *Store) CreateNote(ctx context.Context, note *inbox.Note) error {
	// Only insert when the conversation belongs to the note's tenant.
	cmd, err := s.pool.Exec(ctx, `
		INSERT INTO conversation_notes (id, tenant_id, conversation_id, author_id, content, pinned, created_at, updated_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8
		FROM conversations WHERE id = $3 AND tenant_id = $2
	`, note.ID, note.TenantID, note.ConversationID, note.AuthorID, note.Content, note.Pinned, note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inbox: insert note: %w", err)
	}
	if cmd.RowsAffected() == 0 {
		return fmt.Errorf("%w: conversation %s", inbox.ErrNotFound, note.ConversationID)
	}
	return nil
}

const noteColumns = `id, tenant_id, conversation_id, author_id, content, pinned, created_at, updated_at`

func scanNote(row pgx.Row) (*inbox.Note, error) {
	var n inbox.Note
	if err := row.Scan(&n.ID, &n.TenantID, &n.ConversationID, &n.AuthorID, &n.Content, &n.Pinned, &n.CreatedAt, &n.UpdatedAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *Store) GetNote(ctx context.Context, tenantID, noteID string) (*inbox.Note, error) {
	if !validID(noteID) {
		return nil, notFound("note", noteID)
	}
	n, err := scanNote(s.pool.QueryRow(ctx,
		`SELECT `+noteColumns+` FROM conversation_notes WHERE tenant_id = $1 AND id = $2`, tenantID, noteID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("note", noteID)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: get note: %w", err)
	}
	return n, nil
}

func (s *Store) UpdateNote(ctx context.Context, note *inbox.Note) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE conversation_notes SET content = $3, pinned = $4, updated_at = $5
		WHERE tenant_id = $1 AND id = $2
	`, note.TenantID, note.ID, note.Content, note.Pinned, note.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inbox: update note: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return notFound("note", note.ID)
	}
	return nil
}

func (s *Store) ListNotes(ctx context.Context, tenantID, conversationID string) ([]inbox.Note, error) {
	if !validID(conversationID) {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+noteColumns+` FROM conversation_notes
		WHERE tenant_id = $1 AND conversation_id = $2
		ORDER BY pinned DESC, created_at DESC
	`, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("inbox: list notes: %w", err)
	}
	defer rows.Close()

	var out []inbox.Note
	for rows.Next() {
		n, err := scanNote(rows)
		if err != nil {
			return nil, fmt.Errorf("inbox: scan note: %w", err)
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

func (s *Store) CreateTag(ctx context.Context, tag *inbox.Tag) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tags (id, tenant_id, name, color, created_at) VALUES ($1, $2, $3, $4, $5)
	`, tag.ID, tag.TenantID, tag.Name, tag.Color, tag.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: tag %q already exists", inbox.ErrInvalidInput, tag.Name)
	}
	if err != nil {
		return fmt.Errorf("inbox: insert tag: %w", err)
	}
	return nil
}

func scanTag(row pgx.Row) (*inbox.Tag, error) {
	var t inbox.Tag
	if err := row.Scan(&t.ID, &t.TenantID, &t.Name, &t.Color, &t.CreatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *Store) GetTag(ctx context.Context, tenantID, tagID string) (*inbox.Tag, error) {
	if !validID(tagID) {
		return nil, notFound("tag", tagID)
	}
	t, err := scanTag(s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, color, created_at FROM tags WHERE tenant_id = $1 AND id = $2`, tenantID, tagID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, notFound("tag", tagID)
	}
	if err != nil {
		return nil, fmt.Errorf("inbox: get tag: %w", err)
	}
	return t, nil
}

func (s *Store) ListTags(ctx context.Context, tenantID string) ([]inbox.Tag, error) {
	return s.queryTags(ctx, `SELECT id, tenant_id, name, color, created_at FROM tags WHERE tenant_id = $1 ORDER BY name`, tenantID)
}

func (s *Store) ConversationTags(ctx context.Context, tenantID, conversationID string) ([]inbox.Tag, error) {
	if _, err := s.GetConversation(ctx, tenantID, conversationID); err != nil {
		return nil, err
	}
	return s.queryTags(ctx, `
		SELECT t.id, t.tenant_id, t.name, t.color, t.created_at
		FROM conversation_tags ct
		JOIN tags t ON t.id = ct.tag_id
		WHERE ct.tenant_id = $1 AND ct.conversation_id = $2
		ORDER BY t.name
	`, tenantID, conversationID)
}

func (s *Store) queryTags(ctx context.Context, query string, args ...any) ([]inbox.Tag, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("inbox: list tags: %w", err)
	}
	defer rows.Close()

	var out []inbox.Tag
	for rows.Next() {
		t, err := scanTag(rows)
		if err != nil {
			return nil, fmt.Errorf("inbox: scan tag: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) AddConversationTag(ctx context.Context, link inbox.ConversationTag, activity inbox.Activity) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("inbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		INSERT INTO conversation_tags (tenant_id, conversation_id, tag_id, assigned_by_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (conversation_id, tag_id) DO NOTHING
	`, link.TenantID, link.ConversationID, link.TagID, link.AssignedByID, link.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("inbox: insert conversation tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertActivity(ctx, tx, activity); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("inbox: commit conversation tag: %w", err)
	}
	return true, nil
}

func (s *Store) RemoveConversationTag(ctx context.Context, tenantID, conversationID, tagID string, activity inbox.Activity) (bool, error) {
	if !validID(conversationID) || !validID(tagID) {
		return false, nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("inbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		DELETE FROM conversation_tags WHERE tenant_id = $1 AND conversation_id = $2 AND tag_id = $3
	`, tenantID, conversationID, tagID)
	if err != nil {
		return false, fmt.Errorf("inbox: delete conversation tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := insertActivity(ctx, tx, activity); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("inbox: commit conversation tag: %w", err)
	}
	return true, nil
}
