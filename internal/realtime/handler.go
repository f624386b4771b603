package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wolfman30/clinic-inbox/internal/tenancy"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// Authenticator establishes the identity of a socket request before the
// upgrade.
type Authenticator interface {
	Authenticate(r *http.Request) (tenancy.Identity, error)
}

// ConversationAuthorizer checks that a conversation belongs to a tenant.
type ConversationAuthorizer interface {
	CanAccessConversation(ctx context.Context, tenantID, conversationID string) (bool, error)
}

// TokenAuthenticator reads an agent JWT from the "token" query parameter
// or the Authorization header.
type TokenAuthenticator struct {
	Secret string
}

func (a TokenAuthenticator) Authenticate(r *http.Request) (tenancy.Identity, error) {
	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	return tenancy.ParseToken(a.Secret, token)
}

// HandlerConfig configures the socket endpoint.
type HandlerConfig struct {
	// AllowedOrigins empty means any origin.
	AllowedOrigins []string
	SendBuffer     int
	AuthTimeout    time.Duration
}

// Handler upgrades authenticated requests and runs the read loop.
type Handler struct {
	hub        *Hub
	auth       Authenticator
	authorizer ConversationAuthorizer
	upgrader   websocket.Upgrader
	cfg        HandlerConfig
	logger     *logging.Logger
}

func NewHandler(hub *Hub, auth Authenticator, authorizer ConversationAuthorizer, cfg HandlerConfig, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.AuthTimeout <= 0 {
		cfg.AuthTimeout = 5 * time.Second
	}
	h := &Handler{
		hub:        hub,
		auth:       auth,
		authorizer: authorizer,
		cfg:        cfg,
		logger:     logger.Component("realtime"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, err := h.auth.Authenticate(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the response.
		h.logger.Debug("websocket upgrade failed", "tenant_id", id.TenantID, "error", err)
		return
	}

	conn := NewConnection(id, ws, h.cfg.SendBuffer)
	h.hub.Attach(conn)
	defer func() {
		h.hub.Detach(conn)
		conn.Close(closeNormalSession, "session closed")
	}()

	ws.SetReadLimit(maxFrameBytes)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	h.reply(conn, EventConnected, "", map[string]string{"conn_id": conn.ID, "user_id": id.UserID})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("websocket read ended", "conn_id", conn.ID, "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var frame ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			h.replyError(conn, "", "bad_request", "invalid frame")
			continue
		}
		h.handleFrame(r.Context(), conn, frame)
	}
}

func (h *Handler) handleFrame(ctx context.Context, conn *Connection, frame ClientFrame) {
	switch frame.Type {
	case FramePing:
		h.reply(conn, EventPong, "", nil)
	case FrameSubscribe:
		if frame.ConversationID == "" {
			h.replyError(conn, "", "bad_request", "conversation_id is required")
			return
		}
		if !h.authorize(ctx, conn, frame.ConversationID) {
			return
		}
		h.hub.Subscribe(conn, frame.ConversationID)
		h.reply(conn, EventSubscribed, frame.ConversationID, nil)
	case FrameUnsubscribe:
		if frame.ConversationID == "" {
			h.replyError(conn, "", "bad_request", "conversation_id is required")
			return
		}
		h.hub.Unsubscribe(conn, frame.ConversationID)
		h.reply(conn, EventUnsubscribed, frame.ConversationID, nil)
	case FrameTyping:
		if frame.ConversationID == "" || !h.hub.IsSubscribed(conn, frame.ConversationID) {
			h.replyError(conn, frame.ConversationID, "forbidden", "subscribe before sending typing")
			return
		}
		h.hub.Publish(Event{
			Name:           EventTypingUpdate,
			TenantID:       conn.TenantID,
			ConversationID: frame.ConversationID,
			Data: TypingPayload{
				ConversationID: frame.ConversationID,
				ActorType:      "agent",
				ActorID:        conn.UserID,
				Typing:         frame.Typing,
			},
			ExcludeConn: conn.ID,
		})
	default:
		h.replyError(conn, "", "unsupported_type", "unknown frame type")
	}
}

func (h *Handler) authorize(ctx context.Context, conn *Connection, conversationID string) bool {
	if h.authorizer == nil {
		return true
	}
	ctx, cancel := context.WithTimeout(ctx, h.cfg.AuthTimeout)
	defer cancel()
	ok, err := h.authorizer.CanAccessConversation(ctx, conn.TenantID, conversationID)
	if err != nil {
		h.logger.Error("conversation authorization failed", "conn_id", conn.ID, "conversation_id", conversationID, "error", err)
		h.replyError(conn, conversationID, "internal_error", "authorization unavailable")
		return false
	}
	if !ok {
		h.replyError(conn, conversationID, "forbidden", "conversation not found")
		return false
	}
	return true
}

type errorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (h *Handler) replyError(conn *Connection, conversationID, code, message string) {
	h.reply(conn, EventError, conversationID, errorData{Code: code, Message: message})
}

func (h *Handler) reply(conn *Connection, name EventName, conversationID string, data any) {
	env := Envelope{
		Event:          name,
		Version:        ProtocolVersion,
		TenantID:       conn.TenantID,
		ConversationID: conversationID,
		SentAt:         h.hub.now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return
		}
		env.Data = raw
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
