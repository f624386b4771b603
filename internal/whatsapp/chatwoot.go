package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// ChatwootSender replies inside an existing Chatwoot conversation.
type ChatwootSender struct {
	api       *apiClient
	accountID string
}

var (
	_ Sender       = (*ChatwootSender)(nil)
	_ TypingSender = (*ChatwootSender)(nil)
)

// ChatwootConfig configures a ChatwootSender.
type ChatwootConfig struct {
	BaseURL     string
	AccountID   string
	AccessToken string
	HTTPClient  *http.Client
	Policy      retry.Policy
	Logger      *logging.Logger
}

func NewChatwootSender(cfg ChatwootConfig) (*ChatwootSender, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.AccountID) == "" || cfg.AccessToken == "" {
		return nil, errors.New("whatsapp: chatwoot base url, account id and access token are required")
	}
	return &ChatwootSender{
		api:       newAPIClient(clinic.ProviderChatwoot, cfg.BaseURL, "api_access_token", cfg.AccessToken, cfg.HTTPClient, cfg.Policy, cfg.Logger),
		accountID: strings.TrimSpace(cfg.AccountID),
	}, nil
}

func (s *ChatwootSender) Provider() string { return clinic.ProviderChatwoot }

func (s *ChatwootSender) conversationPath(ref, action string) string {
	return fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/%s", url.PathEscape(s.accountID), url.PathEscape(ref), action)
}

type chatwootMessageResponse struct {
	ID json.Number `json:"id"`
}

// SendText creates an outgoing message in the recipient's conversation.
func (s *ChatwootSender) SendText(ctx context.Context, msg OutboundText) (SendResult, error) {
	ref := strings.TrimSpace(msg.To.ConversationRef)
	if ref == "" {
		return SendResult{}, &ProviderError{Provider: s.Provider(), Permanent: true, Err: errors.New("conversation ref required")}
	}
	if strings.TrimSpace(msg.Text) == "" {
		return SendResult{}, &ProviderError{Provider: s.Provider(), Permanent: true, Err: errors.New("text required")}
	}

	ctx, span := tracer.Start(ctx, "whatsapp.chatwoot.send_message")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.tenant_id", msg.TenantID),
		attribute.String("chatwoot.account_id", s.accountID),
		attribute.String("chatwoot.conversation_id", ref),
	)

	var out chatwootMessageResponse
	err := s.api.post(ctx, s.conversationPath(ref, "messages"), map[string]any{
		"content":      msg.Text,
		"message_type": "outgoing",
		"private":      false,
	}, &out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return SendResult{}, err
	}
	return SendResult{Provider: s.Provider(), ProviderMessageID: out.ID.String()}, nil
}

// SendTyping turns the typing indicator on; Chatwoot clears it when the
// next message arrives.
func (s *ChatwootSender) SendTyping(ctx context.Context, to Recipient, _ time.Duration) error {
	ref := strings.TrimSpace(to.ConversationRef)
	if ref == "" {
		return &ProviderError{Provider: s.Provider(), Permanent: true, Err: errors.New("conversation ref required")}
	}
	return s.api.post(ctx, s.conversationPath(ref, "toggle_typing_status"), map[string]string{"typing_status": "on"}, nil)
}
