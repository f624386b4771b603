package whatsapp

import (
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/wolfman30/clinic-inbox/internal/clinic"
	"github.com/wolfman30/clinic-inbox/internal/retry"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// Registry builds senders from tenant settings and caches them until the
// tenant's gateway config changes.
type Registry struct {
	policy     retry.Policy
	httpClient *http.Client
	logger     *logging.Logger

	mu      sync.Mutex
	senders map[string]cachedSender
}

type cachedSender struct {
	cfg    clinic.WhatsAppConfig
	sender Sender
}

func NewRegistry(policy retry.Policy, httpClient *http.Client, logger *logging.Logger) *Registry {
	if logger == nil {
		logger = logging.Default()
	}
	return &Registry{
		policy:     policy,
		httpClient: httpClient,
		logger:     logger.Component("whatsapp"),
		senders:    make(map[string]cachedSender),
	}
}

// ForTenant returns the sender for the tenant's configured provider.
func (r *Registry) ForTenant(settings *clinic.Settings) (Sender, error) {
	if settings == nil {
		return nil, ErrNotConfigured
	}
	cfg := settings.WhatsApp

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.senders[settings.TenantID]; ok && cached.cfg == cfg {
		return cached.sender, nil
	}

	sender, err := r.build(cfg)
	if err != nil {
		return nil, err
	}
	r.senders[settings.TenantID] = cachedSender{cfg: cfg, sender: sender}
	r.logger.Info("whatsapp sender configured", "tenant_id", settings.TenantID, "provider", sender.Provider())
	return sender, nil
}

func (r *Registry) build(cfg clinic.WhatsAppConfig) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case clinic.ProviderEvolution:
		s, err := NewEvolutionSender(EvolutionConfig{
			BaseURL:    cfg.BaseURL,
			Instance:   cfg.Instance,
			APIKey:     cfg.APIKey,
			HTTPClient: r.httpClient,
			Policy:     r.policy,
			Logger:     r.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return s, nil
	case clinic.ProviderChatwoot:
		s, err := NewChatwootSender(ChatwootConfig{
			BaseURL:     cfg.BaseURL,
			AccountID:   cfg.ChatwootAccountID,
			AccessToken: cfg.APIKey,
			HTTPClient:  r.httpClient,
			Policy:      r.policy,
			Logger:      r.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrNotConfigured, cfg.Provider)
	}
}
