// Package assistant decides whether the AI may answer a customer and, when
// it may, produces the reply text from the configured language model.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/inbox"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

var tracer = otel.Tracer("clinic-inbox.internal.assistant")

// DecisionKind is the responder verdict.
type DecisionKind string

const (
	// DecisionReply carries model output.
	DecisionReply DecisionKind = "reply"
	// DecisionDeclined means the AI must stay silent.
	DecisionDeclined DecisionKind = "declined"
	// DecisionCanned carries a deterministic message, not model output.
	DecisionCanned DecisionKind = "canned"
)

// Reasons attached to non-reply decisions.
const (
	ReasonTenantAIDisabled       = "tenant_ai_disabled"
	ReasonConversationAIDisabled = "conversation_ai_disabled"
	ReasonOutsideBusinessHours   = "outside_business_hours"
)

// ErrEmptyReply is wrapped in an AIError when the model returns no text.
var ErrEmptyReply = errors.New("assistant: model returned an empty reply")

// Decision is what the pipeline should do with an inbound message.
type Decision struct {
	Kind   DecisionKind
	Text   string
	Reason string
	Usage  TokenUsage
}

// AIError reports a failed or timed out model call.
type AIError struct {
	Err     error
	Timeout bool
}

func (e *AIError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("assistant: model call timed out: %v", e.Err)
	}
	return fmt.Sprintf("assistant: model call failed: %v", e.Err)
}

func (e *AIError) Unwrap() error { return e.Err }

// Request is one inbound message to answer.
type Request struct {
	Settings              *clinic.Settings
	ConversationAIEnabled bool
	ClientName            string
	IncomingText          string
	// History holds prior messages oldest-first, excluding IncomingText.
	History []inbox.Message
}

// Config tunes model calls.
type Config struct {
	Model         string
	MaxTokens     int
	Temperature   float32
	Timeout       time.Duration
	HistoryWindow int
}

const (
	defaultTimeout       = 25 * time.Second
	defaultHistoryWindow = 10
	defaultMaxTokens     = 512
	defaultTemperature   = 0.4
)

// Responder applies the AI policy gates and calls the model.
type Responder struct {
	client LLMClient
	cfg    Config
	logger *logging.Logger
	now    func() time.Time
}

func NewResponder(client LLMClient, cfg Config, logger *logging.Logger) *Responder {
	if logger == nil {
		logger = logging.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = defaultHistoryWindow
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = defaultTemperature
	}
	return &Responder{client: client, cfg: cfg, logger: logger.Component("assistant"), now: time.Now}
}

// Gate evaluates the policy gates in order: tenant AI, conversation AI,
// business hours. ok is true when the model may be called.
func (r *Responder) Gate(settings *clinic.Settings, conversationAIEnabled bool) (Decision, bool) {
	if settings == nil || !settings.AIEnabled {
		return Decision{Kind: DecisionDeclined, Reason: ReasonTenantAIDisabled}, false
	}
	if !conversationAIEnabled {
		return Decision{Kind: DecisionDeclined, Reason: ReasonConversationAIDisabled}, false
	}
	if settings.EnforceBusinessHours {
		if st := settings.OpenStatus(r.now()); !st.IsOpen {
			return Decision{Kind: DecisionCanned, Text: st.Message, Reason: ReasonOutsideBusinessHours}, false
		}
	}
	return Decision{}, true
}

// Respond returns a Declined or Canned decision without calling the model
// when a gate fails; otherwise the model reply. Model failures come back as
// *AIError.
func (r *Responder) Respond(ctx context.Context, req Request) (Decision, error) {
	if d, ok := r.Gate(req.Settings, req.ConversationAIEnabled); !ok {
		return d, nil
	}

	ctx, span := tracer.Start(ctx, "assistant.respond")
	defer span.End()
	span.SetAttributes(
		attribute.String("clinic.tenant_id", req.Settings.TenantID),
		attribute.Int("assistant.history_len", len(req.History)),
	)

	llmReq := LLMRequest{
		Model:       r.cfg.Model,
		System:      buildSystemPrompt(req.Settings, req.ClientName, r.now()),
		Messages:    buildMessages(req.History, req.IncomingText, r.cfg.HistoryWindow),
		MaxTokens:   int32(r.cfg.MaxTokens),
		Temperature: r.cfg.Temperature,
	}

	callCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	start := time.Now()
	resp, err := r.client.Complete(callCtx, llmReq)
	if err != nil {
		aiErr := &AIError{Err: err, Timeout: errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded)}
		span.RecordError(aiErr)
		span.SetStatus(codes.Error, "model call failed")
		r.logger.Error("model call failed",
			"tenant_id", req.Settings.TenantID,
			"timeout", aiErr.Timeout,
			"elapsed_ms", time.Since(start).Milliseconds(),
			"error", err,
		)
		return Decision{}, aiErr
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		aiErr := &AIError{Err: ErrEmptyReply}
		span.RecordError(aiErr)
		return Decision{}, aiErr
	}
	span.SetAttributes(
		attribute.Int("assistant.output_tokens", int(resp.Usage.OutputTokens)),
		attribute.String("assistant.stop_reason", resp.StopReason),
	)
	r.logger.Debug("model replied",
		"tenant_id", req.Settings.TenantID,
		"elapsed_ms", time.Since(start).Milliseconds(),
		"reply", logging.Truncate(text, 200),
	)
	return Decision{Kind: DecisionReply, Text: text, Usage: resp.Usage}, nil
}
