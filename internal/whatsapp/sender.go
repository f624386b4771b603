// Package whatsapp sends outbound text and typing indicators through the
// WhatsApp gateways a tenant can be connected to.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/wolfman30/clinic-inbox/internal/phone"
)

var tracer = otel.Tracer("clinic-inbox.internal.whatsapp")

// Recipient identifies who receives a message. ConversationRef is the
// provider's own conversation id and is required by Chatwoot.
type Recipient struct {
	Phone           phone.Canonical
	ConversationRef string
}

// OutboundText is one chunk to send.
type OutboundText struct {
	TenantID string
	To       Recipient
	Text     string
}

// SendResult is what the provider reports for an accepted message.
type SendResult struct {
	Provider          string
	ProviderMessageID string
}

// Sender delivers text messages.
type Sender interface {
	Provider() string
	SendText(ctx context.Context, msg OutboundText) (SendResult, error)
}

// TypingSender is implemented by senders that can show a typing indicator.
type TypingSender interface {
	SendTyping(ctx context.Context, to Recipient, d time.Duration) error
}

// ErrNotConfigured is returned when a tenant has no usable gateway config.
var ErrNotConfigured = errors.New("whatsapp: provider not configured")

// ProviderError is a failed provider call. Permanent errors are never
// retried.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
	Permanent  bool
	Err        error
}

func (e *ProviderError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err != nil {
		return fmt.Sprintf("whatsapp: %s %s error: %v", e.Provider, kind, e.Err)
	}
	return fmt.Sprintf("whatsapp: %s %s error: status %d: %s", e.Provider, kind, e.StatusCode, e.Body)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsPermanent reports whether err carries a permanent ProviderError.
func IsPermanent(err error) bool {
	var perr *ProviderError
	return errors.As(err, &perr) && perr.Permanent
}

// permanentMarkers are body fragments gateways return for requests that
// can never succeed, whatever the status code.
var permanentMarkers = []string{
	`"exists":false`,
	"connection closed",
	"instance does not exist",
	"not registered",
}

// classify maps an HTTP response to an error; nil for 2xx.
func classify(provider string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 512 {
		text = text[:512]
	}
	perr := &ProviderError{Provider: provider, StatusCode: status, Body: text}

	lower := strings.ToLower(strings.ReplaceAll(text, " ", ""))
	for _, marker := range permanentMarkers {
		if strings.Contains(lower, strings.ReplaceAll(marker, " ", "")) {
			perr.Permanent = true
			return perr
		}
	}
	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooEarly, status == http.StatusTooManyRequests:
	case status >= 500:
	default:
		perr.Permanent = true
	}
	return perr
}
