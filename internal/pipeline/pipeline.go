// Package pipeline runs the inbound flow for one customer message: persist
// it, ask the assistant, and deliver the reply chunk by chunk while agents
// watch it happen in the inbox.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-inbox/internal/assistant"
	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/delivery"
	"github.com/wolfman30/clinic-inbox/internal/inbox"
	"github.com/wolfman30/clinic-inbox/internal/observability/metrics"
	"github.com/wolfman30/clinic-inbox/internal/realtime"
	"github.com/wolfman30/clinic-inbox/internal/serial"
	"github.com/wolfman30/clinic-inbox/internal/webhook"
	"github.com/wolfman30/clinic-inbox/internal/whatsapp"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

var tracer = otel.Tracer("clinic-inbox.internal.pipeline")

// FailureMode controls what the customer sees when the model call fails.
type FailureMode string

const (
	FailureApology FailureMode = "apology"
	FailureSilent  FailureMode = "silent"
)

// DefaultApologyMessage is sent in apology mode when the model fails.
const DefaultApologyMessage = "Desculpe, não consegui responder agora. Nossa equipe vai te retornar em instantes."

// Outcome summarizes what a job did.
type Outcome string

const (
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeStored         Outcome = "stored"
	OutcomeDeclined       Outcome = "declined"
	OutcomeReplied        Outcome = "replied"
	OutcomeCanned         Outcome = "canned"
	OutcomeApology        Outcome = "apology"
	OutcomeAIFailed       Outcome = "ai_failed"
	OutcomeSendFailed     Outcome = "send_failed"
	OutcomeTenantNotFound Outcome = "tenant_not_found"
)

// ActorAI is the typing actor type used while the assistant is replying.
const ActorAI = "ai"

// SettingsProvider loads tenant settings.
type SettingsProvider interface {
	Get(ctx context.Context, tenantID string) (*clinic.Settings, error)
}

// SenderResolver returns the outbound sender for a tenant.
type SenderResolver interface {
	ForTenant(settings *clinic.Settings) (whatsapp.Sender, error)
}

// Config tunes the pipeline.
type Config struct {
	FailureMode    FailureMode
	ApologyMessage string
	// MaxPending bounds queued jobs per customer; 0 is unbounded.
	MaxPending    int
	JobTimeout    time.Duration
	HistoryWindow int
}

const (
	defaultJobTimeout    = 2 * time.Minute
	defaultHistoryWindow = 10
)

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	Settings    SettingsProvider
	Inbox       *inbox.Service
	Responder   *assistant.Responder
	Splitter    *delivery.Splitter
	Dispatcher  *delivery.Dispatcher
	Senders     SenderResolver
	Publisher   inbox.Publisher
	// Transcriber turns voice notes into text inside the job. Nil stores
	// voice notes with the placeholder and skips the assistant.
	Transcriber webhook.Transcriber
	Metrics     *metrics.InboxMetrics
	Logger      *logging.Logger
}

// Result is the outcome of one processed message.
type Result struct {
	Outcome        Outcome
	ConversationID string
	// Sent counts chunks confirmed by the provider.
	Sent int
}

// Pipeline processes inbound messages. Messages from the same customer are
// handled strictly in arrival order; different customers run concurrently.
type Pipeline struct {
	settings    SettingsProvider
	inbox       *inbox.Service
	responder   *assistant.Responder
	splitter    *delivery.Splitter
	dispatcher  *delivery.Dispatcher
	senders     SenderResolver
	publisher   inbox.Publisher
	transcriber webhook.Transcriber
	metrics     *metrics.InboxMetrics
	logger      *logging.Logger
	queue       *serial.Queue
	cfg         Config
}

func New(deps Deps, cfg Config) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.FailureMode != FailureSilent {
		cfg.FailureMode = FailureApology
	}
	if strings.TrimSpace(cfg.ApologyMessage) == "" {
		cfg.ApologyMessage = DefaultApologyMessage
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = defaultJobTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	splitter := deps.Splitter
	if splitter == nil {
		splitter = delivery.NewSplitter(delivery.SplitterConfig{})
	}
	dispatcher := deps.Dispatcher
	if dispatcher == nil {
		dispatcher = delivery.NewDispatcher(logger)
	}
	publisher := deps.Publisher
	if publisher == nil {
		publisher = nopPublisher{}
	}
	logger = logger.Component("pipeline")
	return &Pipeline{
		settings:    deps.Settings,
		inbox:       deps.Inbox,
		responder:   deps.Responder,
		splitter:    splitter,
		dispatcher:  dispatcher,
		senders:     deps.Senders,
		publisher:   publisher,
		transcriber: deps.Transcriber,
		metrics:     deps.Metrics,
		logger:      logger,
		queue:       serial.NewQueue(cfg.MaxPending, logger),
		cfg:         cfg,
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(realtime.Event) {}

// Submit enqueues msg and returns without waiting. It fails only when the
// pipeline is shutting down or the customer's backlog is full.
func (p *Pipeline) Submit(msg *webhook.InboundMessage) error {
	if msg == nil {
		return fmt.Errorf("pipeline: nil message")
	}
	key := msg.TenantID + ":" + string(msg.FromPhone)
	return p.queue.Submit(key, func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
		if _, err := p.Process(ctx, msg); err != nil {
			p.logger.Error("pipeline job failed",
				"tenant_id", msg.TenantID,
				"provider", msg.Provider,
				"provider_message_id", msg.ProviderMessageID,
				"error", err,
			)
		}
	})
}

// Shutdown stops accepting messages and drains queued jobs.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	return p.queue.Shutdown(ctx)
}

// Process runs one message synchronously. Submit is the normal entry point;
// Process is exported for callers that already serialize per customer.
func (p *Pipeline) Process(ctx context.Context, msg *webhook.InboundMessage) (Result, error) {
	ctx, span := tracer.Start(ctx, "pipeline.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.tenant_id", msg.TenantID),
		attribute.String("whatsapp.provider", msg.Provider),
	)

	res, err := p.process(ctx, msg)
	span.SetAttributes(attribute.String("pipeline.outcome", string(res.Outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(res.Outcome))
	}
	return res, err
}

func (p *Pipeline) process(ctx context.Context, msg *webhook.InboundMessage) (Result, error) {
	settings, err := p.settings.Get(ctx, msg.TenantID)
	if err != nil {
		if errors.Is(err, clinic.ErrTenantNotFound) {
			p.logger.Warn("message for unknown tenant dropped", "tenant_id", msg.TenantID)
			return Result{Outcome: OutcomeTenantNotFound}, nil
		}
		return Result{}, fmt.Errorf("pipeline: load settings: %w", err)
	}

	if msg.NeedsTranscription() {
		if err := webhook.TranscribeMessage(ctx, p.transcriber, msg); err != nil {
			p.logger.Warn("voice note transcription failed",
				"tenant_id", msg.TenantID,
				"provider_message_id", msg.ProviderMessageID,
				"error", err,
			)
		}
	}

	recorded, err := p.inbox.RecordInbound(ctx, inbox.Inbound{
		TenantID:          msg.TenantID,
		Phone:             msg.FromPhone,
		ContactName:       msg.ContactName,
		Text:              msg.Text,
		Provider:          msg.Provider,
		ProviderMessageID: msg.ProviderMessageID,
		ExternalRef:       msg.ConversationRef,
		IsAudio:           msg.IsAudio,
		AIDefault:         true,
	})
	if err != nil {
		if errors.Is(err, inbox.ErrDuplicateMessage) {
			p.logger.Info("duplicate inbound message skipped",
				"tenant_id", msg.TenantID,
				"provider_message_id", msg.ProviderMessageID,
			)
			return Result{Outcome: OutcomeDuplicate}, nil
		}
		return Result{}, fmt.Errorf("pipeline: record inbound: %w", err)
	}
	conv := recorded.Conversation
	res := Result{ConversationID: conv.ID}

	if msg.TranscriptionFailed {
		res.Outcome = OutcomeStored
		return res, nil
	}

	history, err := p.inbox.History(ctx, msg.TenantID, conv.ID, recorded.Message.ID, p.cfg.HistoryWindow)
	if err != nil {
		return res, fmt.Errorf("pipeline: load history: %w", err)
	}

	start := time.Now()
	decision, err := p.responder.Respond(ctx, assistant.Request{
		Settings:              settings,
		ConversationAIEnabled: conv.AIEnabled,
		ClientName:            recorded.Client.Name,
		IncomingText:          msg.Text,
		History:               history,
	})

	var text string
	switch {
	case err != nil:
		var aiErr *assistant.AIError
		if !errors.As(err, &aiErr) {
			return res, fmt.Errorf("pipeline: respond: %w", err)
		}
		p.observeAI(aiOutcome(aiErr), start)
		p.metrics.ObserveAIDecision("error", aiOutcome(aiErr))
		if p.cfg.FailureMode == FailureSilent {
			p.logger.Warn("ai failed, staying silent", "tenant_id", msg.TenantID, "conversation_id", conv.ID, "error", err)
			res.Outcome = OutcomeAIFailed
			return res, nil
		}
		res.Outcome = OutcomeApology
		text = p.cfg.ApologyMessage
	case decision.Kind == assistant.DecisionDeclined:
		p.metrics.ObserveAIDecision(string(decision.Kind), decision.Reason)
		res.Outcome = OutcomeDeclined
		return res, nil
	case decision.Kind == assistant.DecisionCanned:
		p.metrics.ObserveAIDecision(string(decision.Kind), decision.Reason)
		res.Outcome = OutcomeCanned
		text = decision.Text
	default:
		p.observeAI("ok", start)
		p.metrics.ObserveAIDecision(string(decision.Kind), decision.Reason)
		res.Outcome = OutcomeReplied
		text = decision.Text
	}

	sent, err := p.deliver(ctx, settings, conv, p.splitter.Split(text))
	res.Sent = sent
	if err != nil {
		res.Outcome = OutcomeSendFailed
		return res, err
	}
	return res, nil
}

// deliver sends assistant chunks to the customer and records each one after
// the provider confirms it. It stops at the first failure and never resends.
func (p *Pipeline) deliver(ctx context.Context, settings *clinic.Settings, conv *inbox.Conversation, chunks []delivery.Chunk) (int, error) {
	if len(chunks) == 0 {
		return 0, nil
	}
	sender, err := p.senders.ForTenant(settings)
	if err != nil {
		return 0, fmt.Errorf("pipeline: resolve sender: %w", err)
	}
	client, err := p.inbox.GetClient(ctx, conv.TenantID, conv.ClientID)
	if err != nil {
		return 0, fmt.Errorf("pipeline: load client: %w", err)
	}

	del := delivery.Delivery{
		TenantID: conv.TenantID,
		To:       whatsapp.Recipient{Phone: client.Phone, ConversationRef: conv.ExternalRef},
		Chunks:   chunks,
		OnSent: func(ctx context.Context, _ int, chunk delivery.Chunk, sent whatsapp.SendResult) error {
			p.metrics.ObserveOutbound(sent.Provider, "sent")
			_, err := p.inbox.RecordOutbound(ctx, inbox.Outbound{
				TenantID:          conv.TenantID,
				ConversationID:    conv.ID,
				Role:              inbox.RoleAssistant,
				Content:           chunk.Text,
				Provider:          sent.Provider,
				ProviderMessageID: sent.ProviderMessageID,
			})
			return err
		},
		OnTyping: func(_ context.Context, typing bool) {
			p.publisher.Publish(realtime.Event{
				Name:           realtime.EventTypingUpdate,
				TenantID:       conv.TenantID,
				ConversationID: conv.ID,
				Data:           realtime.TypingPayload{ConversationID: conv.ID, ActorType: ActorAI, Typing: typing},
			})
		},
	}

	n, err := p.dispatcher.Deliver(ctx, sender, del)
	if err != nil {
		status := "failed"
		if whatsapp.IsPermanent(err) {
			status = "rejected"
		}
		if n < len(chunks) {
			p.metrics.ObserveOutbound(sender.Provider(), status)
		}
		p.logger.Error("reply delivery stopped",
			"tenant_id", conv.TenantID,
			"conversation_id", conv.ID,
			"sent", n,
			"total", len(chunks),
			"error", err,
		)
		return n, err
	}
	return n, nil
}

// SendAgentReply delivers an agent-written reply as one message and records
// it once the provider confirms it.
func (p *Pipeline) SendAgentReply(ctx context.Context, tenantID, conversationID, agentID, text string) (*inbox.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: empty reply", inbox.ErrInvalidInput)
	}
	ctx, span := tracer.Start(ctx, "pipeline.agent_reply")
	defer span.End()
	span.SetAttributes(attribute.String("clinic.tenant_id", tenantID))

	conv, err := p.inbox.GetConversation(ctx, tenantID, conversationID)
	if err != nil {
		return nil, err
	}
	settings, err := p.settings.Get(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load settings: %w", err)
	}
	sender, err := p.senders.ForTenant(settings)
	if err != nil {
		return nil, fmt.Errorf("pipeline: resolve sender: %w", err)
	}
	client, err := p.inbox.GetClient(ctx, tenantID, conv.ClientID)
	if err != nil {
		return nil, fmt.Errorf("pipeline: load client: %w", err)
	}

	sent, err := sender.SendText(ctx, whatsapp.OutboundText{
		TenantID: tenantID,
		To:       whatsapp.Recipient{Phone: client.Phone, ConversationRef: conv.ExternalRef},
		Text:     text,
	})
	if err != nil {
		p.metrics.ObserveOutbound(sender.Provider(), "failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		return nil, fmt.Errorf("pipeline: send agent reply: %w", err)
	}
	p.metrics.ObserveOutbound(sent.Provider, "sent")
	return p.inbox.RecordOutbound(ctx, inbox.Outbound{
		TenantID:          tenantID,
		ConversationID:    conv.ID,
		Role:              inbox.RoleAgent,
		Content:           text,
		Provider:          sent.Provider,
		ProviderMessageID: sent.ProviderMessageID,
		AuthorID:          agentID,
	})
}

func (p *Pipeline) observeAI(outcome string, start time.Time) {
	p.metrics.ObserveAILatency(outcome, time.Since(start).Seconds())
}

func aiOutcome(err *assistant.AIError) string {
	if err.Timeout {
		return "timeout"
	}
	return "error"
}
