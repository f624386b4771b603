package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-inbox/internal/assistant"
	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/delivery"
	"github.com/wolfman30/clinic-inbox/internal/inbox"
	"github.com/wolfman30/clinic-inbox/internal/phone"
	"github.com/wolfman30/clinic-inbox/internal/realtime"
	"github.com/wolfman30/clinic-inbox/internal/serial"
	"github.com/wolfman30/clinic-inbox/internal/webhook"
	"github.com/wolfman30/clinic-inbox/internal/whatsapp"
)

const tenantID = "clinic-1"

type fakeSettings struct {
	settings map[string]*clinic.Settings
}

func (f *fakeSettings) Get(_ context.Context, id string) (*clinic.Settings, error) {
	s, ok := f.settings[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", clinic.ErrTenantNotFound, id)
	}
	return s, nil
}

type fakeSender struct {
	mu     sync.Mutex
	texts  []string
	typing int
	failAt int // 1-based send that fails; 0 never
	calls  int
}

func (f *fakeSender) Provider() string { return clinic.ProviderEvolution }

func (f *fakeSender) SendText(_ context.Context, msg whatsapp.OutboundText) (whatsapp.SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failAt > 0 && f.calls == f.failAt {
		return whatsapp.SendResult{}, &whatsapp.ProviderError{Provider: clinic.ProviderEvolution, StatusCode: 400, Permanent: true}
	}
	f.texts = append(f.texts, msg.Text)
	return whatsapp.SendResult{Provider: clinic.ProviderEvolution, ProviderMessageID: fmt.Sprintf("out-%d", f.calls)}, nil
}

func (f *fakeSender) SendTyping(context.Context, whatsapp.Recipient, time.Duration) error {
	f.mu.Lock()
	f.typing++
	f.mu.Unlock()
	return nil
}

func (f *fakeSender) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fixedSenders struct{ sender whatsapp.Sender }

func (f fixedSenders) ForTenant(*clinic.Settings) (whatsapp.Sender, error) { return f.sender, nil }

type fakeLLM struct {
	mu    sync.Mutex
	reply string
	err   error
	reqs  []assistant.LLMRequest
}

func (f *fakeLLM) Complete(_ context.Context, req assistant.LLMRequest) (assistant.LLMResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return assistant.LLMResponse{}, f.err
	}
	return assistant.LLMResponse{Text: f.reply}, nil
}

func (f *fakeLLM) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []realtime.Event
}

func (r *recordingPublisher) Publish(ev realtime.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingPublisher) typing() []realtime.TypingPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []realtime.TypingPayload
	for _, ev := range r.events {
		if ev.Name == realtime.EventTypingUpdate {
			out = append(out, ev.Data.(realtime.TypingPayload))
		}
	}
	return out
}

type harness struct {
	pipeline *Pipeline
	inbox    *inbox.Service
	settings *clinic.Settings
	sender   *fakeSender
	llm      *fakeLLM
	events   *recordingPublisher
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	settings := clinic.DefaultSettings(tenantID)
	settings.Name = "Clínica Bella"
	events := &recordingPublisher{}
	svc := inbox.NewService(inbox.NewMemoryStore(), events, nil)
	llm := &fakeLLM{reply: "Olá! Como posso ajudar?"}
	sender := &fakeSender{}
	noSleep := func(context.Context, time.Duration) error { return nil }

	p := New(Deps{
		Settings:   &fakeSettings{settings: map[string]*clinic.Settings{tenantID: settings}},
		Inbox:      svc,
		Responder:  assistant.NewResponder(llm, assistant.Config{Timeout: time.Second}, nil),
		Dispatcher: delivery.NewDispatcher(nil).WithSleep(noSleep),
		Senders:    fixedSenders{sender: sender},
		Publisher:  events,
	}, cfg)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return &harness{pipeline: p, inbox: svc, settings: settings, sender: sender, llm: llm, events: events}
}

func inbound(t *testing.T, id, text string) *webhook.InboundMessage {
	t.Helper()
	p, err := phone.Normalize("11987654321")
	require.NoError(t, err)
	return &webhook.InboundMessage{
		TenantID:          tenantID,
		Provider:          clinic.ProviderEvolution,
		FromPhone:         p,
		ContactName:       "Maria",
		Text:              text,
		ProviderMessageID: id,
		Timestamp:         time.Now(),
	}
}

func (h *harness) messages(t *testing.T, conversationID string) []inbox.Message {
	t.Helper()
	msgs, err := h.inbox.Messages(context.Background(), tenantID, conversationID, inbox.MessageQuery{})
	require.NoError(t, err)
	return msgs
}

func roles(msgs []inbox.Message) []inbox.Role {
	out := make([]inbox.Role, len(msgs))
	for i, m := range msgs {
		out[i] = m.Role
	}
	return out
}

var longParagraph = "Temos horários disponíveis amanhã às 10h e às 15h para a avaliação com a doutora, qual prefere?"

func TestProcess_RepliesInChunksAndRecordsEach(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.reply = "Oi, Maria!\n\n" + longParagraph

	res, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Quero agendar"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeReplied, res.Outcome)
	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, []string{"Oi, Maria!", longParagraph}, h.sender.Texts())
	assert.Equal(t, 2, h.sender.typing)

	msgs := h.messages(t, res.ConversationID)
	assert.Equal(t, []inbox.Role{inbox.RoleHuman, inbox.RoleAssistant, inbox.RoleAssistant}, roles(msgs))
	assert.Equal(t, "out-1", msgs[1].ProviderMessageID)
	assert.Equal(t, longParagraph, msgs[2].Content)
}

func TestProcess_PublishesAITypingAroundDelivery(t *testing.T) {
	h := newHarness(t, Config{})
	_, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Oi"))
	require.NoError(t, err)

	typing := h.events.typing()
	require.NotEmpty(t, typing)
	assert.True(t, typing[0].Typing)
	assert.Equal(t, ActorAI, typing[0].ActorType)
	assert.False(t, typing[len(typing)-1].Typing)
}

func TestProcess_DuplicateIsSkipped(t *testing.T) {
	h := newHarness(t, Config{})
	msg := inbound(t, "in-1", "Oi")

	_, err := h.pipeline.Process(context.Background(), msg)
	require.NoError(t, err)
	res, err := h.pipeline.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, res.Outcome)
	assert.Len(t, h.sender.Texts(), 1)
	assert.Equal(t, 1, h.llm.Calls())
}

func TestProcess_ConversationAIDisabledStoresOnly(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := h.pipeline.Process(ctx, inbound(t, "in-1", "Oi"))
	require.NoError(t, err)
	_, err = h.inbox.SetAIEnabled(ctx, tenantID, first.ConversationID, false, "agent-1")
	require.NoError(t, err)

	res, err := h.pipeline.Process(ctx, inbound(t, "in-2", "Alguém aí?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Equal(t, 1, h.llm.Calls())
	assert.Len(t, h.sender.Texts(), 1)
	assert.Equal(t, inbox.RoleHuman, h.messages(t, res.ConversationID)[2].Role)
}

func TestProcess_ClosedSendsCannedMessage(t *testing.T) {
	h := newHarness(t, Config{})
	h.settings.EnforceBusinessHours = true
	h.settings.BusinessHours = []byte(`{"monday": {"enabled": false, "start": "08:00", "end": "18:00"}}`)

	res, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Oi"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCanned, res.Outcome)
	assert.Zero(t, h.llm.Calls())
	assert.Equal(t, []string{clinic.NoHoursMessage}, h.sender.Texts())
}

func TestProcess_AIFailureModes(t *testing.T) {
	t.Run("apology", func(t *testing.T) {
		h := newHarness(t, Config{FailureMode: FailureApology, ApologyMessage: "Já te respondemos!"})
		h.llm.err = errors.New("throttled")

		res, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Oi"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeApology, res.Outcome)
		assert.Equal(t, []string{"Já te respondemos!"}, h.sender.Texts())
	})

	t.Run("silent", func(t *testing.T) {
		h := newHarness(t, Config{FailureMode: FailureSilent})
		h.llm.err = errors.New("throttled")

		res, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Oi"))
		require.NoError(t, err)
		assert.Equal(t, OutcomeAIFailed, res.Outcome)
		assert.Empty(t, h.sender.Texts())
		assert.Len(t, h.messages(t, res.ConversationID), 1)
	})
}

func TestProcess_FailedTranscriptionSkipsAI(t *testing.T) {
	h := newHarness(t, Config{})
	msg := inbound(t, "in-1", webhook.AudioPlaceholder)
	msg.IsAudio = true
	msg.TranscriptionFailed = true

	res, err := h.pipeline.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStored, res.Outcome)
	assert.Zero(t, h.llm.Calls())
	msgs := h.messages(t, res.ConversationID)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].IsAudio)
}

type fakeTranscriber struct {
	mu    sync.Mutex
	text  string
	err   error
	calls []webhook.Audio
}

func (f *fakeTranscriber) Transcribe(_ context.Context, a webhook.Audio) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, a)
	return f.text, f.err
}

func voiceNote(t *testing.T, id string) *webhook.InboundMessage {
	t.Helper()
	msg := inbound(t, id, webhook.AudioPlaceholder)
	msg.IsAudio = true
	msg.Audio = &webhook.Audio{Data: []byte("OggS"), MimeType: "audio/ogg"}
	return msg
}

func TestProcess_TranscribesVoiceNoteInsideJob(t *testing.T) {
	tests := []struct {
		name        string
		transcriber *fakeTranscriber
		nilTr       bool
		wantOutcome Outcome
		wantText    string
		wantLLM     int
	}{
		{name: "transcribed", transcriber: &fakeTranscriber{text: " Quero marcar botox "}, wantOutcome: OutcomeReplied, wantText: "Quero marcar botox", wantLLM: 1},
		{name: "transcriber error", transcriber: &fakeTranscriber{err: errors.New("whisper 503")}, wantOutcome: OutcomeStored, wantText: webhook.AudioPlaceholder},
		{name: "empty transcription", transcriber: &fakeTranscriber{text: "  "}, wantOutcome: OutcomeStored, wantText: webhook.AudioPlaceholder},
		{name: "no transcriber", nilTr: true, wantOutcome: OutcomeStored, wantText: webhook.AudioPlaceholder},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, Config{})
			if !tt.nilTr {
				h.pipeline.transcriber = tt.transcriber
			}

			res, err := h.pipeline.Process(context.Background(), voiceNote(t, "in-audio"))
			require.NoError(t, err)
			assert.Equal(t, tt.wantOutcome, res.Outcome)
			assert.Equal(t, tt.wantLLM, h.llm.Calls())

			msgs := h.messages(t, res.ConversationID)
			require.NotEmpty(t, msgs)
			assert.True(t, msgs[0].IsAudio)
			assert.Equal(t, tt.wantText, msgs[0].Content)
			if tt.transcriber != nil {
				require.Len(t, tt.transcriber.calls, 1)
				assert.Equal(t, []byte("OggS"), tt.transcriber.calls[0].Data)
			}
		})
	}
}

func TestSubmit_TranscribesVoiceNoteInJob(t *testing.T) {
	h := newHarness(t, Config{})
	tr := &fakeTranscriber{text: "Oi, tudo bem?"}
	h.pipeline.transcriber = tr

	require.NoError(t, h.pipeline.Submit(voiceNote(t, "in-audio")))
	require.NoError(t, h.pipeline.Shutdown(context.Background()))

	require.Len(t, tr.calls, 1)
	require.Equal(t, 1, h.llm.Calls())
	req := h.llm.reqs[0]
	assert.Equal(t, "Oi, tudo bem?", req.Messages[len(req.Messages)-1].Content)
}

func TestProcess_TenantAIDisabledStoresAndCountsUnread(t *testing.T) {
	h := newHarness(t, Config{})
	h.settings.AIEnabled = false

	res, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Vocês abrem sábado?"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDeclined, res.Outcome)
	assert.Zero(t, h.llm.Calls())
	assert.Empty(t, h.sender.Texts())
	assert.Zero(t, h.sender.typing)

	msgs := h.messages(t, res.ConversationID)
	require.Len(t, msgs, 1)
	assert.Equal(t, inbox.RoleHuman, msgs[0].Role)

	conv, err := h.inbox.GetConversation(context.Background(), tenantID, res.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, 1, conv.UnreadCount)
}

func TestProcess_UnknownTenantDropped(t *testing.T) {
	h := newHarness(t, Config{})
	msg := inbound(t, "in-1", "Oi")
	msg.TenantID = "ghost"

	res, err := h.pipeline.Process(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTenantNotFound, res.Outcome)
	assert.Zero(t, h.llm.Calls())
}

func TestProcess_StopsAtFirstFailedChunk(t *testing.T) {
	h := newHarness(t, Config{})
	h.llm.reply = longParagraph + "\n\n" + strings.Repeat("Segundo bloco bem comprido. ", 4)
	h.sender.failAt = 2

	res, err := h.pipeline.Process(context.Background(), inbound(t, "in-1", "Oi"))
	require.Error(t, err)
	assert.True(t, whatsapp.IsPermanent(err))
	assert.Equal(t, OutcomeSendFailed, res.Outcome)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, []inbox.Role{inbox.RoleHuman, inbox.RoleAssistant}, roles(h.messages(t, res.ConversationID)))
}

func TestProcess_HistoryExcludesCurrentMessage(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.pipeline.Process(ctx, inbound(t, "in-1", "Oi"))
	require.NoError(t, err)
	_, err = h.pipeline.Process(ctx, inbound(t, "in-2", "Quanto custa o botox?"))
	require.NoError(t, err)

	require.Equal(t, 2, h.llm.Calls())
	second := h.llm.reqs[1].Messages
	require.Len(t, second, 3)
	assert.Equal(t, assistant.ChatMessage{Role: assistant.ChatRoleUser, Content: "Oi"}, second[0])
	assert.Equal(t, assistant.ChatRoleAssistant, second[1].Role)
	assert.Equal(t, "Quanto custa o botox?", second[2].Content)
}

func TestSubmit_ProcessesSameCustomerInOrder(t *testing.T) {
	h := newHarness(t, Config{})
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.pipeline.Submit(inbound(t, fmt.Sprintf("in-%d", i), fmt.Sprintf("mensagem %d", i))))
	}
	require.NoError(t, h.pipeline.Shutdown(context.Background()))

	require.Equal(t, 3, h.llm.Calls())
	for i, req := range h.llm.reqs {
		last := req.Messages[len(req.Messages)-1]
		assert.Equal(t, fmt.Sprintf("mensagem %d", i+1), last.Content)
	}
	assert.ErrorIs(t, h.pipeline.Submit(inbound(t, "in-4", "tarde demais")), serial.ErrClosed)
}

func TestSendAgentReply(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := h.pipeline.Process(ctx, inbound(t, "in-1", "Oi"))
	require.NoError(t, err)

	msg, err := h.pipeline.SendAgentReply(ctx, tenantID, first.ConversationID, "agent-7", "  Oi Maria, aqui é a Ana.  ")
	require.NoError(t, err)
	assert.Equal(t, inbox.RoleAgent, msg.Role)
	assert.Equal(t, "agent-7", msg.AuthorID)
	assert.Equal(t, "Oi Maria, aqui é a Ana.", msg.Content)
	assert.Equal(t, "Oi Maria, aqui é a Ana.", h.sender.Texts()[1])

	_, err = h.pipeline.SendAgentReply(ctx, tenantID, first.ConversationID, "agent-7", "   ")
	assert.ErrorIs(t, err, inbox.ErrInvalidInput)

	_, err = h.pipeline.SendAgentReply(ctx, tenantID, "missing", "agent-7", "Oi")
	assert.ErrorIs(t, err, inbox.ErrNotFound)
}

func TestSendAgentReply_FailedSendIsNotRecorded(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()
	first, err := h.pipeline.Process(ctx, inbound(t, "in-1", "Oi"))
	require.NoError(t, err)
	h.sender.failAt = 2

	_, err = h.pipeline.SendAgentReply(ctx, tenantID, first.ConversationID, "agent-7", "Oi")
	require.Error(t, err)
	assert.Len(t, h.messages(t, first.ConversationID), 2)
}
