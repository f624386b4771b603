package clinic

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/clinic-inbox/internal/tenancy"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

func serveAs(h *Handler, tenantID string, req *http.Request) *httptest.ResponseRecorder {
	if tenantID != "" {
		req = req.WithContext(tenancy.WithTenantID(req.Context(), tenantID))
	}
	r := chi.NewRouter()
	r.Mount("/api/admin/clinics", h.Routes())
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestHandlerGetSettingsDefaults(t *testing.T) {
	store, _ := newTestStore(t)
	h := NewHandler(store, logging.Default())

	rec := serveAs(h, "t1", httptest.NewRequest(http.MethodGet, "/api/admin/clinics/t1/settings", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got Settings
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, DefaultTimezone, got.Timezone)
	assert.True(t, got.AIEnabled)
}

func TestHandlerRejectsOtherTenant(t *testing.T) {
	store, _ := newTestStore(t)
	h := NewHandler(store, nil)

	rec := serveAs(h, "t2", httptest.NewRequest(http.MethodGet, "/api/admin/clinics/t1/settings", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = serveAs(h, "", httptest.NewRequest(http.MethodGet, "/api/admin/clinics/t1/settings", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandlerUpdateSettings(t *testing.T) {
	store, _ := newTestStore(t)
	h := NewHandler(store, nil)

	body := `{"ai_enabled": false, "enforce_business_hours": true,
		"business_hours": {"monday": {"enabled": true, "start": "08:00", "end": "18:00"}},
		"whatsapp": {"provider": "evolution", "base_url": "http://evo", "instance": "bela"}}`
	rec := serveAs(h, "t1", httptest.NewRequest(http.MethodPut, "/api/admin/clinics/t1/settings", strings.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	saved, err := store.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, saved.AIEnabled)
	assert.True(t, saved.EnforceBusinessHours)
	require.NotNil(t, saved.Hours())
	assert.Equal(t, "18:00", saved.Hours().Monday.End)

	tenantID, err := store.ResolveInstance(context.Background(), ProviderEvolution, "bela")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenantID)
}

func TestHandlerUpdateValidation(t *testing.T) {
	store, _ := newTestStore(t)
	h := NewHandler(store, nil)

	rec := serveAs(h, "t1", httptest.NewRequest(http.MethodPut, "/api/admin/clinics/t1/settings", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serveAs(h, "t1", httptest.NewRequest(http.MethodPut, "/api/admin/clinics/t1/settings", strings.NewReader(`{"timezone":"Bad/Zone"}`)))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "invalid timezone")
}
