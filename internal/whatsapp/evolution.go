package whatsapp

import (
	"context"
	"errors"
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

// EvolutionSender talks to an Evolution API instance.
type EvolutionSender struct {
	api      *apiClient
	instance string
}

var (
	_ Sender       = (*EvolutionSender)(nil)
	_ TypingSender = (*EvolutionSender)(nil)
)

// EvolutionConfig configures an EvolutionSender.
type EvolutionConfig struct {
	BaseURL    string
	Instance   string
	APIKey     string
	HTTPClient *http.Client
	Policy     retry.Policy
	Logger     *logging.Logger
}

func NewEvolutionSender(cfg EvolutionConfig) (*EvolutionSender, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" || strings.TrimSpace(cfg.Instance) == "" || cfg.APIKey == "" {
		return nil, errors.New("whatsapp: evolution base url, instance and api key are required")
	}
	return &EvolutionSender{
		api:      newAPIClient(clinic.ProviderEvolution, cfg.BaseURL, "apikey", cfg.APIKey, cfg.HTTPClient, cfg.Policy, cfg.Logger),
		instance: strings.TrimSpace(cfg.Instance),
	}, nil
}

func (s *EvolutionSender) Provider() string { return clinic.ProviderEvolution }

type evolutionSendResponse struct {
	Key struct {
		ID string `json:"id"`
	} `json:"key"`
}

// SendText posts to /message/sendText/{instance}.
func (s *EvolutionSender) SendText(ctx context.Context, msg OutboundText) (SendResult, error) {
	if msg.To.Phone == "" {
		return SendResult{}, &ProviderError{Provider: s.Provider(), Permanent: true, Err: errors.New("recipient phone required")}
	}
	if strings.TrimSpace(msg.Text) == "" {
		return SendResult{}, &ProviderError{Provider: s.Provider(), Permanent: true, Err: errors.New("text required")}
	}

	ctx, span := tracer.Start(ctx, "whatsapp.evolution.send_text")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.tenant_id", msg.TenantID),
		attribute.String("whatsapp.instance", s.instance),
		attribute.String("whatsapp.to", msg.To.Phone.Masked()),
	)

	var out evolutionSendResponse
	err := s.api.post(ctx, "/message/sendText/"+url.PathEscape(s.instance), map[string]any{
		"number": msg.To.Phone.String(),
		"text":   msg.Text,
	}, &out)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return SendResult{}, err
	}
	span.SetAttributes(attribute.String("whatsapp.message_id", out.Key.ID))
	return SendResult{Provider: s.Provider(), ProviderMessageID: out.Key.ID}, nil
}

// SendTyping shows "composing" for d.
func (s *EvolutionSender) SendTyping(ctx context.Context, to Recipient, d time.Duration) error {
	if to.Phone == "" {
		return &ProviderError{Provider: s.Provider(), Permanent: true, Err: errors.New("recipient phone required")}
	}
	ctx, span := tracer.Start(ctx, "whatsapp.evolution.send_presence")
	defer span.End()
	err := s.api.post(ctx, "/chat/sendPresence/"+url.PathEscape(s.instance), map[string]any{
		"number":   to.Phone.String(),
		"presence": "composing",
		"delay":    d.Milliseconds(),
	}, nil)
	if err != nil {
		span.RecordError(err)
	}
	return err
}
