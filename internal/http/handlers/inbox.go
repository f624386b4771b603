package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-inbox/internal/inbox"
	"github.com/wolfman30/clinic-inbox/internal/tenancy"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// AgentReplier sends an agent-written message to the customer.
type AgentReplier interface {
	SendAgentReply(ctx context.Context, tenantID, conversationID, agentID, text string) (*inbox.Message, error)
}

// InboxHandler serves the agent inbox API. Every route runs behind
// AgentJWT; the tenant always comes from the token, never from the URL.
type InboxHandler struct {
	inbox   *inbox.Service
	replier AgentReplier
	logger  *logging.Logger
}

func NewInboxHandler(svc *inbox.Service, replier AgentReplier, logger *logging.Logger) *InboxHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &InboxHandler{inbox: svc, replier: replier, logger: logger.Component("inbox_api")}
}

// Routes mounts under /api/inbox.
func (h *InboxHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/stats", h.Stats)
	r.Get("/tags", h.ListTags)
	r.Post("/tags", h.CreateTag)
	r.Patch("/notes/{noteID}", h.UpdateNote)
	r.Get("/conversations", h.ListConversations)
	r.Route("/conversations/{conversationID}", func(r chi.Router) {
		r.Get("/", h.GetConversation)
		r.Get("/messages", h.ListMessages)
		r.Post("/messages", h.SendReply)
		r.Get("/activities", h.ListActivities)
		r.Post("/read", h.MarkRead)
		r.Put("/status", h.SetStatus)
		r.Put("/assignee", h.Assign)
		r.Put("/ai", h.SetAI)
		r.Put("/temperature", h.SetTemperature)
		r.Post("/tags", h.AddTag)
		r.Delete("/tags/{tagID}", h.RemoveTag)
		r.Get("/notes", h.ListNotes)
		r.Post("/notes", h.AddNote)
	})
	return r
}

func (h *InboxHandler) identity(w http.ResponseWriter, r *http.Request) (tenancy.Identity, bool) {
	id, ok := tenancy.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
	}
	return id, ok
}

func parseLimit(r *http.Request) int {
	n, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	return inbox.PageSize(n)
}

func parseBefore(w http.ResponseWriter, r *http.Request) (*time.Time, bool) {
	raw := r.URL.Query().Get("before")
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "before must be RFC3339")
		return nil, false
	}
	return &t, true
}

// ListConversations serves GET /api/inbox/conversations.
func (h *InboxHandler) ListConversations(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	before, ok := parseBefore(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := inbox.ConversationFilter{
		TenantID:   id.TenantID,
		Status:     inbox.Status(strings.ToUpper(q.Get("status"))),
		TagID:      q.Get("tag_id"),
		Search:     strings.TrimSpace(q.Get("search")),
		UnreadOnly: q.Get("unread") == "true",
		Before:     before,
		Limit:      parseLimit(r),
	}
	switch assigned := q.Get("assigned_to"); assigned {
	case "":
	case "me":
		f.AssignedToID = id.UserID
	case "none":
		f.Unassigned = true
	default:
		f.AssignedToID = assigned
	}
	if f.Status != "" && !f.Status.Valid() {
		writeError(w, http.StatusBadRequest, "unknown status")
		return
	}

	rows, err := h.inbox.ListConversations(r.Context(), f)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"conversations": rows})
}

type conversationDetail struct {
	*inbox.Conversation
	Client *inbox.Client `json:"client"`
}

// GetConversation serves GET /api/inbox/conversations/{id}.
func (h *InboxHandler) GetConversation(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	conv, err := h.inbox.GetConversation(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	client, err := h.inbox.GetClient(r.Context(), id.TenantID, conv.ClientID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conversationDetail{Conversation: conv, Client: client})
}

// ListMessages serves GET /api/inbox/conversations/{id}/messages.
func (h *InboxHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	before, ok := parseBefore(w, r)
	if !ok {
		return
	}
	msgs, err := h.inbox.Messages(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), inbox.MessageQuery{Before: before, Limit: parseLimit(r)})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}

type sendReplyRequest struct {
	Content string `json:"content"`
}

// SendReply serves POST /api/inbox/conversations/{id}/messages. The message
// is stored only after the provider accepted it.
func (h *InboxHandler) SendReply(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req sendReplyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	msg, err := h.replier.SendAgentReply(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), id.UserID, req.Content)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, msg)
}

// ListActivities serves GET /api/inbox/conversations/{id}/activities.
func (h *InboxHandler) ListActivities(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	convID := chi.URLParam(r, "conversationID")
	if _, err := h.inbox.GetConversation(r.Context(), id.TenantID, convID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	acts, err := h.inbox.Activities(r.Context(), id.TenantID, convID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"activities": acts})
}

// MarkRead serves POST /api/inbox/conversations/{id}/read.
func (h *InboxHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	conv, err := h.inbox.MarkRead(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), id.UserID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// SetStatus serves PUT /api/inbox/conversations/{id}/status.
func (h *InboxHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Status inbox.Status `json:"status"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	status := inbox.Status(strings.ToUpper(string(req.Status)))
	conv, err := h.inbox.SetStatus(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), status, id.UserID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// Assign serves PUT /api/inbox/conversations/{id}/assignee. A null or empty
// assignee_id unassigns.
func (h *InboxHandler) Assign(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		AssigneeID *string `json:"assignee_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	assignee := ""
	if req.AssigneeID != nil {
		assignee = strings.TrimSpace(*req.AssigneeID)
	}
	conv, err := h.inbox.Assign(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), assignee, id.UserID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// SetAI serves PUT /api/inbox/conversations/{id}/ai.
func (h *InboxHandler) SetAI(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	conv, err := h.inbox.SetAIEnabled(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), *req.Enabled, id.UserID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// SetTemperature serves PUT /api/inbox/conversations/{id}/temperature.
func (h *InboxHandler) SetTemperature(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Temperature string `json:"temperature"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	temp := inbox.Temperature(strings.ToUpper(req.Temperature))
	conv, err := h.inbox.SetTemperature(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), temp, id.UserID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, conv)
}

// AddTag serves POST /api/inbox/conversations/{id}/tags.
func (h *InboxHandler) AddTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		TagID string `json:"tag_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.inbox.AddTag(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), req.TagID, id.UserID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// RemoveTag serves DELETE /api/inbox/conversations/{id}/tags/{tagID}.
func (h *InboxHandler) RemoveTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	if err := h.inbox.RemoveTag(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), chi.URLParam(r, "tagID"), id.UserID); err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListNotes serves GET /api/inbox/conversations/{id}/notes.
func (h *InboxHandler) ListNotes(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	notes, err := h.inbox.ListNotes(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"))
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"notes": notes})
}

// AddNote serves POST /api/inbox/conversations/{id}/notes.
func (h *InboxHandler) AddNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Content string `json:"content"`
		Pinned  bool   `json:"pinned"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	note, err := h.inbox.AddNote(r.Context(), id.TenantID, chi.URLParam(r, "conversationID"), id.UserID, req.Content, req.Pinned)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, note)
}

// UpdateNote serves PATCH /api/inbox/notes/{noteID}.
func (h *InboxHandler) UpdateNote(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Content *string `json:"content"`
		Pinned  *bool   `json:"pinned"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	note, err := h.inbox.UpdateNote(r.Context(), id.TenantID, chi.URLParam(r, "noteID"), id.UserID, inbox.NoteUpdate{Content: req.Content, Pinned: req.Pinned})
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, note)
}

// Stats serves GET /api/inbox/stats.
func (h *InboxHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	stats, err := h.inbox.Stats(r.Context(), id.TenantID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, stats)
}

// ListTags serves GET /api/inbox/tags.
func (h *InboxHandler) ListTags(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	tags, err := h.inbox.ListTags(r.Context(), id.TenantID)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

// CreateTag serves POST /api/inbox/tags.
func (h *InboxHandler) CreateTag(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}
	var req struct {
		Name  string `json:"name"`
		Color string `json:"color"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	tag, err := h.inbox.CreateTag(r.Context(), id.TenantID, req.Name, req.Color)
	if err != nil {
		writeDomainError(w, h.logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tag)
}
