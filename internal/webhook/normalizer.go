package webhook

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// TenantResolver maps a provider instance to the owning tenant.
type TenantResolver interface {
	ResolveInstance(ctx context.Context, provider, instance string) (string, error)
}

// Transcriber turns a voice note into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

type parseFunc func(body []byte) (*candidate, Result, error)

var parsers = map[string]parseFunc{
	clinic.ProviderEvolution: parseEvolution,
	clinic.ProviderChatwoot:  parseChatwoot,
}

// Providers lists the gateways Normalize accepts.
func Providers() []string {
	return []string{clinic.ProviderEvolution, clinic.ProviderChatwoot}
}

// Normalizer dispatches raw webhook bodies to the provider parser and
// resolves the tenant. It does no slow I/O beyond the tenant lookup, so the
// webhook can be acknowledged right away; voice notes are transcribed later
// by the pipeline job.
type Normalizer struct {
	resolver TenantResolver
	logger   *logging.Logger
	now      func() time.Time
}

func NewNormalizer(resolver TenantResolver, logger *logging.Logger) *Normalizer {
	if logger == nil {
		logger = logging.Default()
	}
	return &Normalizer{
		resolver: resolver,
		logger:   logger.Component("webhook"),
		now:      time.Now,
	}
}

// Normalize parses one delivery. Deliveries that are not new customer
// messages come back Ignored with a nil error; malformed payloads return a
// *ValidationError. Any other error is an infrastructure failure.
func (n *Normalizer) Normalize(ctx context.Context, provider string, body []byte) (Result, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	parse, ok := parsers[provider]
	if !ok {
		return Result{}, &ValidationError{Provider: provider, Reason: "unknown provider"}
	}

	c, res, err := parse(body)
	if err != nil {
		return Result{}, err
	}
	if c == nil {
		return res, nil
	}

	tenantID, err := n.resolver.ResolveInstance(ctx, provider, c.instance)
	if errors.Is(err, clinic.ErrInstanceNotFound) {
		n.logger.Warn("webhook for unbound instance", "provider", provider, "instance", c.instance)
		return ignored(ReasonUnknownInstance), nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("webhook: resolve tenant: %w", err)
	}

	msg := c.msg
	msg.TenantID = tenantID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = n.now().UTC()
	}
	if msg.IsAudio {
		msg.Text = AudioPlaceholder
		msg.Audio = c.audio
	}
	return Result{Outcome: OutcomeAccepted, Message: &msg}, nil
}
