package webhook

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/phone"
)

// evolutionEvent is the Evolution API webhook envelope.
type evolutionEvent struct {
	Event    string        `json:"event"`
	Instance string        `json:"instance"`
	Data     *evolutionMsg `json:"data"`
}

type evolutionMsg struct {
	Key struct {
		RemoteJID string `json:"remoteJid"`
		FromMe    bool   `json:"fromMe"`
		ID        string `json:"id"`
		// SenderPN carries the phone JID when remoteJid is a @lid alias.
		SenderPN string `json:"senderPn"`
	} `json:"key"`
	PushName         string            `json:"pushName"`
	MessageType      string            `json:"messageType"`
	MessageTimestamp flexTime          `json:"messageTimestamp"`
	Message          *evolutionContent `json:"message"`
}

type evolutionContent struct {
	Conversation        string `json:"conversation"`
	ExtendedTextMessage *struct {
		Text string `json:"text"`
	} `json:"extendedTextMessage"`
	AudioMessage *struct {
		URL      string `json:"url"`
		Mimetype string `json:"mimetype"`
	} `json:"audioMessage"`
	// Base64 is present when the instance has webhook base64 enabled.
	Base64 string `json:"base64"`
}

// evolutionEventName folds "MESSAGES_UPSERT" and "messages.upsert".
func evolutionEventName(event string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(event)), "_", ".")
}

func isGroupOrBroadcast(jid string) bool {
	return strings.HasSuffix(jid, "@g.us") ||
		strings.HasSuffix(jid, "@broadcast") ||
		strings.HasSuffix(jid, "@newsletter")
}

func parseEvolution(body []byte) (*candidate, Result, error) {
	var ev evolutionEvent
	if err := decode(clinic.ProviderEvolution, body, &ev); err != nil {
		return nil, Result{}, err
	}
	if evolutionEventName(ev.Event) != "messages.upsert" {
		return nil, ignored(ReasonNotMessageEvent), nil
	}
	if ev.Data == nil {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderEvolution, Field: "data", Reason: "missing"}
	}
	d := ev.Data
	if d.Key.FromMe {
		return nil, ignored(ReasonOutgoing), nil
	}
	if isGroupOrBroadcast(d.Key.RemoteJID) {
		return nil, ignored(ReasonGroup), nil
	}
	if d.Key.ID == "" {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderEvolution, Field: "data.key.id", Reason: "missing"}
	}
	if strings.TrimSpace(ev.Instance) == "" {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderEvolution, Field: "instance", Reason: "missing"}
	}

	jid := d.Key.RemoteJID
	if strings.HasSuffix(jid, "@lid") && d.Key.SenderPN != "" {
		jid = d.Key.SenderPN
	}
	from, err := phone.Normalize(jid)
	if err != nil {
		return nil, Result{}, &ValidationError{Provider: clinic.ProviderEvolution, Field: "data.key.remoteJid", Reason: err.Error()}
	}

	c := &candidate{
		instance: ev.Instance,
		msg: InboundMessage{
			Provider:          clinic.ProviderEvolution,
			FromPhone:         from,
			ContactName:       strings.TrimSpace(d.PushName),
			ProviderMessageID: d.Key.ID,
			Timestamp:         time.Time(d.MessageTimestamp),
		},
	}
	if d.Message == nil {
		return nil, ignored(ReasonUnsupportedMedia), nil
	}

	switch {
	case d.Message.AudioMessage != nil:
		c.msg.IsAudio = true
		c.msg.AudioURL = d.Message.AudioMessage.URL
		c.audio = &Audio{URL: d.Message.AudioMessage.URL, MimeType: d.Message.AudioMessage.Mimetype}
		if d.Message.Base64 != "" {
			if data, err := base64.StdEncoding.DecodeString(d.Message.Base64); err == nil {
				c.audio.Data = data
			}
		}
		return c, Result{}, nil
	case d.Message.Conversation != "":
		c.msg.Text = d.Message.Conversation
	case d.Message.ExtendedTextMessage != nil:
		c.msg.Text = d.Message.ExtendedTextMessage.Text
	default:
		return nil, ignored(ReasonUnsupportedMedia), nil
	}
	if strings.TrimSpace(c.msg.Text) == "" {
		return nil, ignored(ReasonEmptyText), nil
	}
	return c, Result{}, nil
}
