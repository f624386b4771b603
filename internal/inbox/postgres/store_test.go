package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-inbox/internal/inbox"
)

var conversationCols = []string{"id", "tenant_id", "client_id", "status", "ai_enabled", "assigned_to_id", "unread_count",
	"last_message_at", "last_message_preview", "temperature", "external_ref", "version", "created_at", "updated_at"}

func newMock(t *testing.T) (pgxmock.PgxPoolIface, *Store) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	if err != nil {
		t.Fatalf("pgxmock: %v", err)
	}
	t.Cleanup(mock.Close)
	return mock, NewStore(mock)
}

func TestGetConversation(t *testing.T) {
	mock, store := newMock(t)
	convID := uuid.NewString()
	clientID := uuid.NewString()
	created := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT id, tenant_id, client_id").
		WithArgs("tenant-a", convID).
		WillReturnRows(pgxmock.NewRows(conversationCols).
			AddRow(convID, "tenant-a", clientID, "PENDING", true, nil, 2, nil, "oi", "WARM", "", int64(3), created, created))

	conv, err := store.GetConversation(context.Background(), "tenant-a", convID)
	require.NoError(t, err)
	assert.Equal(t, inbox.StatusPending, conv.Status)
	assert.Equal(t, inbox.TemperatureWarm, conv.Temperature)
	assert.Equal(t, int64(3), conv.Version)
	assert.Equal(t, 2, conv.UnreadCount)
	assert.Nil(t, conv.AssignedToID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetConversation_NotFound(t *testing.T) {
	mock, store := newMock(t)
	convID := uuid.NewString()

	mock.ExpectQuery("SELECT id, tenant_id, client_id").
		WithArgs("tenant-b", convID).
		WillReturnError(pgx.ErrNoRows)

	_, err := store.GetConversation(context.Background(), "tenant-b", convID)
	assert.ErrorIs(t, err, inbox.ErrNotFound)

	_, err = store.GetConversation(context.Background(), "tenant-b", "not-a-uuid")
	assert.ErrorIs(t, err, inbox.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func testConversation() *inbox.Conversation {
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &inbox.Conversation{
		ID:        uuid.NewString(),
		TenantID:  "tenant-a",
		ClientID:  uuid.NewString(),
		Status:    inbox.StatusOpen,
		AIEnabled: true,
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func testMessage(conv *inbox.Conversation, providerID string) *inbox.Message {
	return &inbox.Message{
		ID:                uuid.NewString(),
		TenantID:          conv.TenantID,
		ConversationID:    conv.ID,
		ClientID:          conv.ClientID,
		Role:              inbox.RoleHuman,
		Content:           "Olá",
		Provider:          "evolution",
		ProviderMessageID: providerID,
		CreatedAt:         time.Date(2025, 3, 1, 12, 1, 0, 0, time.UTC),
	}
}

func TestSaveMessage_WritesMessageConversationAndActivities(t *testing.T) {
	mock, store := newMock(t)
	conv := testConversation()
	msg := testMessage(conv, "wamid-1")
	updated := time.Date(2025, 3, 1, 12, 1, 1, 0, time.UTC)
	activity := inbox.Activity{ID: uuid.NewString(), TenantID: conv.TenantID, ConversationID: conv.ID,
		Type: inbox.ActivityStatusChanged, ActorID: inbox.SystemActor, Title: "Conversa reaberta", CreatedAt: msg.CreatedAt}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE conversations SET").
		WillReturnRows(pgxmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(4), updated))
	mock.ExpectExec("INSERT INTO conversation_activities").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := store.SaveMessage(context.Background(), msg, conv, activity)
	require.NoError(t, err)
	assert.Equal(t, int64(4), conv.Version)
	assert.Equal(t, updated, conv.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessage_DuplicateProviderID(t *testing.T) {
	mock, store := newMock(t)
	conv := testConversation()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	err := store.SaveMessage(context.Background(), testMessage(conv, "wamid-1"), conv)
	assert.ErrorIs(t, err, inbox.ErrDuplicateMessage)
	assert.Equal(t, int64(3), conv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessage_UniqueViolationIsDuplicate(t *testing.T) {
	mock, store := newMock(t)
	conv := testConversation()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	err := store.SaveMessage(context.Background(), testMessage(conv, "wamid-1"), conv)
	assert.ErrorIs(t, err, inbox.ErrDuplicateMessage)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveMessage_StaleVersion(t *testing.T) {
	mock, store := newMock(t)
	conv := testConversation()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO messages").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("UPDATE conversations SET").WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	err := store.SaveMessage(context.Background(), testMessage(conv, ""), conv)
	assert.ErrorIs(t, err, inbox.ErrVersionConflict)
	assert.Equal(t, int64(3), conv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateConversation(t *testing.T) {
	mock, store := newMock(t)
	conv := testConversation()
	conv.Status = inbox.StatusResolved

	mock.ExpectBegin()
	mock.ExpectQuery("UPDATE conversations SET").
		WillReturnRows(pgxmock.NewRows([]string{"version", "updated_at"}).AddRow(int64(4), time.Now().UTC()))
	mock.ExpectCommit()

	require.NoError(t, store.UpdateConversation(context.Background(), conv))
	assert.Equal(t, int64(4), conv.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestStats(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectQuery("FROM conversations").
		WithArgs("tenant-a").
		WillReturnRows(pgxmock.NewRows([]string{"unread_conversations", "unread_messages", "open", "pending"}).
			AddRow(2, 5, 3, 1))

	st, err := store.Stats(context.Background(), "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, inbox.Stats{TenantID: "tenant-a", UnreadConversations: 2, UnreadMessages: 5, Open: 3, Pending: 1}, st)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateNote_ScopedToTenant(t *testing.T) {
	tests := []struct {
		name    string
		rows    int64
		wantErr error
	}{
		{name: "own conversation", rows: 1},
		{name: "other tenant's conversation", rows: 0, wantErr: inbox.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, store := newMock(t)
			note := &inbox.Note{ID: uuid.NewString(), TenantID: "tenant-a", ConversationID: uuid.NewString(), AuthorID: "agent-1", Content: "Prefere manhã"}

			mock.ExpectExec("INSERT INTO conversation_notes").
				WithArgs(note.ID, note.TenantID, note.ConversationID, note.AuthorID, note.Content, note.Pinned, note.CreatedAt, note.UpdatedAt).
				WillReturnResult(pgxmock.NewResult("INSERT", tt.rows))

			err := store.CreateNote(context.Background(), note)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestCreateTag_DuplicateName(t *testing.T) {
	mock, store := newMock(t)

	mock.ExpectExec("INSERT INTO tags").WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.CreateTag(context.Background(), &inbox.Tag{ID: uuid.NewString(), TenantID: "tenant-a", Name: "VIP"})
	assert.ErrorIs(t, err, inbox.ErrInvalidInput)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAddConversationTag_ExistingLink(t *testing.T) {
	mock, store := newMock(t)
	link := inbox.ConversationTag{TenantID: "tenant-a", ConversationID: uuid.NewString(), TagID: uuid.NewString(), AssignedByID: "agent-1"}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO conversation_tags").WillReturnResult(pgxmock.NewResult("INSERT", 0))
	mock.ExpectRollback()

	added, err := store.AddConversationTag(context.Background(), link, inbox.Activity{})
	require.NoError(t, err)
	assert.False(t, added)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRemoveConversationTag(t *testing.T) {
	mock, store := newMock(t)
	convID, tagID := uuid.NewString(), uuid.NewString()
	activity := inbox.Activity{ID: uuid.NewString(), TenantID: "tenant-a", ConversationID: convID, Type: inbox.ActivityTagRemoved, ActorID: "agent-1"}

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM conversation_tags").WithArgs("tenant-a", convID, tagID).WillReturnResult(pgxmock.NewResult("DELETE", 1))
	mock.ExpectExec("INSERT INTO conversation_activities").WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	removed, err := store.RemoveConversationTag(context.Background(), "tenant-a", convID, tagID, activity)
	require.NoError(t, err)
	assert.True(t, removed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListMessages_UnknownConversation(t *testing.T) {
	mock, store := newMock(t)
	convID := uuid.NewString()

	mock.ExpectQuery("SELECT id, tenant_id, client_id").WithArgs("tenant-a", convID).WillReturnError(pgx.ErrNoRows)

	_, err := store.ListMessages(context.Background(), "tenant-a", convID, inbox.MessageQuery{})
	assert.True(t, errors.Is(err, inbox.ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}
