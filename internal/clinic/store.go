package clinic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrTenantNotFound is returned when no settings exist for a tenant.
	ErrTenantNotFound = errors.New("clinic: tenant not found")
	// ErrInstanceNotFound is returned when a webhook instance maps to no tenant.
	ErrInstanceNotFound = errors.New("clinic: instance not bound to a tenant")
)

// Store provides persistence for tenant settings.
type Store struct {
	redis *redis.Client
	now   func() time.Time
}

// NewStore creates a new settings store.
func NewStore(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient, now: time.Now}
}

func (s *Store) key(tenantID string) string {
	return fmt.Sprintf("clinic:settings:%s", tenantID)
}

func (s *Store) instanceKey(provider, instance string) string {
	return fmt.Sprintf("clinic:instance:%s:%s", strings.ToLower(provider), instance)
}

// Get retrieves tenant settings.
func (s *Store) Get(ctx context.Context, tenantID string) (*Settings, error) {
	data, err := s.redis.Get(ctx, s.key(tenantID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ErrTenantNotFound, tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("clinic: get settings: %w", err)
	}

	var settings Settings
	if err := json.Unmarshal(data, &settings); err != nil {
		return nil, fmt.Errorf("clinic: unmarshal settings: %w", err)
	}
	return &settings, nil
}

// Save stores tenant settings and binds the WhatsApp instance (if any) to
// the tenant so inbound webhooks can be routed.
func (s *Store) Save(ctx context.Context, settings *Settings) error {
	if err := settings.Validate(); err != nil {
		return err
	}
	settings.UpdatedAt = s.now().UTC()
	data, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("clinic: marshal settings: %w", err)
	}

	pipe := s.redis.TxPipeline()
	pipe.Set(ctx, s.key(settings.TenantID), data, 0)
	if inst := strings.TrimSpace(settings.WhatsApp.Instance); inst != "" {
		pipe.Set(ctx, s.instanceKey(settings.WhatsApp.Provider, inst), settings.TenantID, 0)
	}
	if acct := strings.TrimSpace(settings.WhatsApp.ChatwootAccountID); acct != "" {
		pipe.Set(ctx, s.instanceKey(ProviderChatwoot, acct), settings.TenantID, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("clinic: save settings: %w", err)
	}
	return nil
}

// BindInstance maps a provider instance (Evolution instance name or
// Chatwoot account id) to a tenant.
func (s *Store) BindInstance(ctx context.Context, provider, instance, tenantID string) error {
	if instance == "" || tenantID == "" {
		return fmt.Errorf("clinic: instance and tenant required")
	}
	if err := s.redis.Set(ctx, s.instanceKey(provider, instance), tenantID, 0).Err(); err != nil {
		return fmt.Errorf("clinic: bind instance: %w", err)
	}
	return nil
}

// ResolveInstance returns the tenant bound to a provider instance.
func (s *Store) ResolveInstance(ctx context.Context, provider, instance string) (string, error) {
	if instance == "" {
		return "", ErrInstanceNotFound
	}
	tenantID, err := s.redis.Get(ctx, s.instanceKey(provider, instance)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s/%s", ErrInstanceNotFound, provider, instance)
	}
	if err != nil {
		return "", fmt.Errorf("clinic: resolve instance: %w", err)
	}
	return tenantID, nil
}
