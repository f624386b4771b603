package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/clinic-inbox/internal/observability/metrics"
	"github.com/wolfman30/clinic-inbox/internal/webhook"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// Normalizer converts a raw provider delivery into an inbound message.
type Normalizer interface {
	Normalize(ctx context.Context, provider string, body []byte) (webhook.Result, error)
}

// Deduper is the fast-path redelivery filter.
type Deduper interface {
	FirstSeen(ctx context.Context, tenantID, provider, messageID string) (bool, error)
	Forget(ctx context.Context, tenantID, provider, messageID string) error
}

// Submitter accepts messages for asynchronous processing.
type Submitter interface {
	Submit(msg *webhook.InboundMessage) error
}

// WebhookConfig wires a WebhookHandler.
type WebhookConfig struct {
	Normalizer Normalizer
	Deduper    Deduper
	Pipeline   Submitter
	// Token, when set, must match ?token= or X-Webhook-Token.
	Token   string
	Metrics *metrics.InboxMetrics
	Logger  *logging.Logger
}

// WebhookHandler acknowledges gateway callbacks quickly and hands accepted
// messages to the pipeline. Anything that is not an infrastructure failure
// is answered with 200 so gateways do not retry it.
type WebhookHandler struct {
	normalizer Normalizer
	dedupe     Deduper
	pipeline   Submitter
	token      string
	metrics    *metrics.InboxMetrics
	logger     *logging.Logger
}

func NewWebhookHandler(cfg WebhookConfig) *WebhookHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	dedupe := cfg.Deduper
	if dedupe == nil {
		dedupe = noDedupe{}
	}
	return &WebhookHandler{
		normalizer: cfg.Normalizer,
		dedupe:     dedupe,
		pipeline:   cfg.Pipeline,
		token:      cfg.Token,
		metrics:    cfg.Metrics,
		logger:     logger.Component("webhooks"),
	}
}

type noDedupe struct{}

func (noDedupe) FirstSeen(context.Context, string, string, string) (bool, error) { return true, nil }
func (noDedupe) Forget(context.Context, string, string, string) error             { return nil }

type webhookResponse struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Handle serves POST /webhooks/{provider}.
func (h *WebhookHandler) Handle(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")
	if !slices.Contains(webhook.Providers(), provider) {
		writeError(w, http.StatusNotFound, "unknown provider")
		return
	}
	start := time.Now()
	outcome := "error"
	defer func() {
		h.metrics.ObserveWebhook(provider, outcome, time.Since(start).Seconds())
	}()

	if !h.authorized(r) {
		outcome = "unauthorized"
		writeError(w, http.StatusUnauthorized, "invalid webhook token")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		outcome = "invalid"
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	res, err := h.normalizer.Normalize(r.Context(), provider, body)
	if err != nil {
		var verr *webhook.ValidationError
		if errors.As(err, &verr) {
			outcome = "invalid"
			h.logger.Warn("invalid webhook payload", "provider", provider, "error", err)
			WriteJSON(w, http.StatusOK, webhookResponse{Status: string(webhook.OutcomeIgnored), Reason: "invalid_payload"})
			return
		}
		h.logger.Error("webhook normalization failed", "provider", provider, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}
	if res.Outcome != webhook.OutcomeAccepted || res.Message == nil {
		outcome = string(webhook.OutcomeIgnored)
		WriteJSON(w, http.StatusOK, webhookResponse{Status: string(webhook.OutcomeIgnored), Reason: res.Reason})
		return
	}

	msg := res.Message
	first, err := h.dedupe.FirstSeen(r.Context(), msg.TenantID, msg.Provider, msg.ProviderMessageID)
	if err != nil {
		h.logger.Warn("dedupe lookup failed, continuing", "provider", provider, "error", err)
	}
	if !first {
		outcome = "duplicate"
		WriteJSON(w, http.StatusOK, webhookResponse{Status: string(webhook.OutcomeIgnored), Reason: "duplicate"})
		return
	}

	if err := h.pipeline.Submit(msg); err != nil {
		if ferr := h.dedupe.Forget(context.WithoutCancel(r.Context()), msg.TenantID, msg.Provider, msg.ProviderMessageID); ferr != nil {
			h.logger.Warn("dedupe forget failed", "provider", provider, "error", ferr)
		}
		h.logger.Error("pipeline rejected message",
			"tenant_id", msg.TenantID,
			"provider_message_id", msg.ProviderMessageID,
			"error", err,
		)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	outcome = string(webhook.OutcomeAccepted)
	h.logger.Info("webhook accepted",
		"tenant_id", msg.TenantID,
		"provider", msg.Provider,
		"provider_message_id", msg.ProviderMessageID,
		"is_audio", msg.IsAudio,
	)
	WriteJSON(w, http.StatusOK, webhookResponse{Status: string(webhook.OutcomeAccepted)})
}

func (h *WebhookHandler) authorized(r *http.Request) bool {
	if h.token == "" {
		return true
	}
	got := r.URL.Query().Get("token")
	if got == "" {
		got = r.Header.Get("X-Webhook-Token")
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(h.token)) == 1
}
