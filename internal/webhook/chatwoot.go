package webhook

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/phone"
)

type chatwootEvent struct {
	Event       string          `json:"event"`
	ID          flexInt         `json:"id"`
	Content     *string         `json:"content"`
	MessageType chatwootType    `json:"message_type"`
	Private     bool            `json:"private"`
	CreatedAt   flexTime        `json:"created_at"`
	Sender      *chatwootSender `json:"sender"`
	Account     struct {
		ID flexInt `json:"id"`
	} `json:"account"`
	Conversation struct {
		ID   flexInt `json:"id"`
		Meta struct {
			Sender *chatwootSender `json:"sender"`
		} `json:"meta"`
	} `json:"conversation"`
	Attachments []struct {
		FileType string `json:"file_type"`
		DataURL  string `json:"data_url"`
	} `json:"attachments"`
}

type chatwootSender struct {
	Name        string `json:"name"`
	PhoneNumber string `json:"phone_number"`
	// Type is "contact" for customers and "user" for agents.
	Type string `json:"type"`
}

// chatwootType decodes message_type, which Chatwoot sends as a string in
// webhooks and as an enum integer in some API payloads.
type chatwootType string

var chatwootTypeByIndex = []chatwootType{"incoming", "outgoing", "activity", "template"}

func (t *chatwootType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = chatwootType(strings.ToLower(s))
		return nil
	}
	var n int
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	if n >= 0 && n < len(chatwootTypeByIndex) {
		*t = chatwootTypeByIndex[n]
		return nil
	}
	*t = ""
	return nil
}

func parseChatwoot(body []byte) (*candidate, Result, error) {
	var ev chatwootEvent
	if err := decode(clinic.ProviderChatwoot, body, &ev); err != nil {
		return nil, Result{}, err
	}
	if ev.Event != "message_created" {
		return nil, ignored(ReasonNotMessageEvent), nil
	}
	if ev.Private {
		return nil, ignored(ReasonPrivateNote), nil
	}
	switch ev.MessageType {
	case "incoming":
	case "outgoing":
		return nil, ignored(ReasonOutgoing), nil
	default:
		return nil, ignored(ReasonNotIncoming), nil
	}
	if ev.Sender != nil && ev.Sender.Type == "user" {
		return nil, ignored(ReasonOutgoing), nil
	}
	if ev.ID == 0 {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderChatwoot, Field: "id", Reason: "missing"}
	}
	if ev.Account.ID == 0 {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderChatwoot, Field: "account.id", Reason: "missing"}
	}

	sender := ev.Sender
	if sender == nil || sender.PhoneNumber == "" {
		sender = ev.Conversation.Meta.Sender
	}
	if sender == nil || sender.PhoneNumber == "" {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderChatwoot, Field: "sender.phone_number", Reason: "missing"}
	}
	from, err := phone.Normalize(sender.PhoneNumber)
	if err != nil {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderChatwoot, Field: "sender.phone_number", Reason: err.Error()}
	}

	c := &candidate{
		instance: ev.Account.ID.String(),
		msg: InboundMessage{
			Provider:          clinic.ProviderChatwoot,
			FromPhone:         from,
			ContactName:       strings.TrimSpace(sender.Name),
			ProviderMessageID: ev.ID.String(),
			ConversationRef:   ev.Conversation.ID.String(),
			Timestamp:         time.Time(ev.CreatedAt),
		},
	}
	if ev.Content != nil {
		c.msg.Text = *ev.Content
	}

	for _, att := range ev.Attachments {
		if att.FileType == "audio" {
			c.msg.IsAudio = true
			c.msg.AudioURL = att.DataURL
			c.audio = &Audio{URL: att.DataURL}
			return c, Result{}, nil
		}
	}
	if strings.TrimSpace(c.msg.Text) == "" {
		if len(ev.Attachments) > 0 {
			return nil, ignored(ReasonUnsupportedMedia), nil
		}
		return nil, ignored(ReasonEmptyText), nil
	}
	return c, Result{}, nil
}
