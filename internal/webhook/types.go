// Package webhook turns provider-specific WhatsApp gateway callbacks into
// one inbound message shape the pipeline understands.
package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/phone"
)

// AudioPlaceholder is stored as the message text when an audio note could
// not be transcribed.
const AudioPlaceholder = "[áudio]"

// Outcome says whether a delivery produced a message to process.
type Outcome string

const (
	OutcomeAccepted Outcome = "accepted"
	OutcomeIgnored  Outcome = "ignored"
)

// Reasons attached to ignored deliveries.
const (
	ReasonNotMessageEvent  = "not_message_event"
	ReasonOutgoing         = "outgoing_echo"
	ReasonPrivateNote      = "private_note"
	ReasonNotIncoming      = "not_incoming"
	ReasonGroup            = "group_or_broadcast"
	ReasonUnsupportedMedia = "unsupported_media"
	ReasonEmptyText        = "empty_text"
	ReasonUnknownInstance  = "unknown_instance"
)

// InboundMessage is the canonical customer message.
type InboundMessage struct {
	TenantID          string          `json:"tenant_id"`
	Provider          string          `json:"provider"`
	FromPhone         phone.Canonical `json:"from_phone"`
	ContactName       string          `json:"contact_name,omitempty"`
	Text              string          `json:"text"`
	ProviderMessageID string          `json:"provider_message_id"`
	// ConversationRef is the provider-side thread id (Chatwoot conversation).
	ConversationRef string    `json:"conversation_ref,omitempty"`
	IsAudio         bool      `json:"is_audio"`
	AudioURL        string    `json:"audio_url,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	// Audio is the voice note source. Text holds AudioPlaceholder until
	// TranscribeMessage runs.
	Audio *Audio `json:"-"`
	// TranscriptionFailed marks audio whose text is the placeholder; the AI
	// must not answer it.
	TranscriptionFailed bool `json:"transcription_failed,omitempty"`
}

// NeedsTranscription reports whether the message is a voice note that has
// not been transcribed or given up on yet.
func (m *InboundMessage) NeedsTranscription() bool {
	return m.IsAudio && !m.TranscriptionFailed && m.Text == AudioPlaceholder
}

// Result is the outcome of normalizing one delivery.
type Result struct {
	Outcome Outcome
	Reason  string
	Message *InboundMessage
}

func ignored(reason string) Result {
	return Result{Outcome: OutcomeIgnored, Reason: reason}
}

// ValidationError reports a malformed payload. Providers must still get a
// 2xx so they do not retry into the same failure.
type ValidationError struct {
	Provider string
	Field    string
	Reason   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("webhook: invalid %s payload: %s", e.Provider, e.Reason)
	}
	return fmt.Sprintf("webhook: invalid %s payload: %s %s", e.Provider, e.Field, e.Reason)
}

// Audio is a voice note to transcribe. Data wins over URL when both are set.
type Audio struct {
	URL      string
	Data     []byte
	MimeType string
}

// candidate is what a provider parser extracts before tenant resolution.
type candidate struct {
	instance string
	msg      InboundMessage
	audio    *Audio
}

// flexInt decodes numbers that providers send either as JSON numbers or
// as quoted strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return err
	}
	*f = flexInt(n)
	return nil
}

func (f flexInt) String() string {
	if f == 0 {
		return ""
	}
	return strconv.FormatInt(int64(f), 10)
}

// flexTime accepts unix seconds (number or string) and RFC 3339 strings.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*t = flexTime(time.Time{})
		return nil
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		*t = flexTime(time.Unix(n, 0).UTC())
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return err
	}
	*t = flexTime(parsed.UTC())
	return nil
}

func decode(provider string, body []byte, v any) error {
	if len(bytes.TrimSpace(body)) == 0 {
		return &ValidationError{Provider: provider, Reason: "empty body"}
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &ValidationError{Provider: provider, Reason: err.Error()}
	}
	return nil
}
