package clinic

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewStore(client), mr
}

func TestStoreGetMissingTenant(t *testing.T) {
	store, _ := newTestStore(t)
	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrTenantNotFound)
}

func TestStoreSaveAndGet(t *testing.T) {
	store, mr := newTestStore(t)
	ctx := context.Background()

	s := DefaultSettings("tenant-1")
	s.Name = "Clínica Bela"
	s.AIEnabled = false
	s.WhatsApp = WhatsAppConfig{Provider: ProviderEvolution, BaseURL: "http://evo", Instance: "bela", APIKey: "k"}
	require.NoError(t, store.Save(ctx, s))
	assert.True(t, mr.Exists("clinic:settings:tenant-1"))

	got, err := store.Get(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "Clínica Bela", got.Name)
	assert.False(t, got.AIEnabled)
	assert.False(t, got.UpdatedAt.IsZero())

	tenantID, err := store.ResolveInstance(ctx, ProviderEvolution, "bela")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", tenantID)
}

func TestStoreSaveRejectsInvalid(t *testing.T) {
	store, mr := newTestStore(t)
	s := DefaultSettings("tenant-1")
	s.Timezone = "Not/AZone"
	assert.Error(t, store.Save(context.Background(), s))
	assert.False(t, mr.Exists("clinic:settings:tenant-1"))
}

func TestStoreCorruptSettings(t *testing.T) {
	store, mr := newTestStore(t)
	require.NoError(t, mr.Set("clinic:settings:t1", "{broken"))
	_, err := store.Get(context.Background(), "t1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrTenantNotFound)
}

func TestStoreInstanceBinding(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.ResolveInstance(ctx, ProviderChatwoot, "42")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
	_, err = store.ResolveInstance(ctx, ProviderChatwoot, "")
	assert.ErrorIs(t, err, ErrInstanceNotFound)

	require.NoError(t, store.BindInstance(ctx, "Chatwoot", "42", "tenant-9"))
	tenantID, err := store.ResolveInstance(ctx, ProviderChatwoot, "42")
	require.NoError(t, err)
	assert.Equal(t, "tenant-9", tenantID)

	assert.Error(t, store.BindInstance(ctx, ProviderChatwoot, "", "tenant-9"))
}
