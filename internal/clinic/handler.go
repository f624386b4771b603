package clinic

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/wolfman30/clinic-inbox/internal/tenancy"
	"github.com/wolfman30/clinic-inbox/pkg/logging"
)

// Handler provides HTTP endpoints for tenant settings management.
type Handler struct {
	store  *Store
	logger *logging.Logger
}

// NewHandler creates a new settings HTTP handler.
func NewHandler(store *Store, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{
		store:  store,
		logger: logger,
	}
}

// Routes returns a chi router with clinic settings routes.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{tenantID}/settings", h.GetSettings)
	r.Put("/{tenantID}/settings", h.UpdateSettings)
	return r
}

// authorizedTenant returns the tenant in the URL when the caller belongs to it.
func (h *Handler) authorizedTenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	tenantID := chi.URLParam(r, "tenantID")
	if tenantID == "" {
		http.Error(w, `{"error": "tenant_id required"}`, http.StatusBadRequest)
		return "", false
	}
	if caller, ok := tenancy.TenantIDFromContext(r.Context()); !ok || caller != tenantID {
		http.Error(w, `{"error": "forbidden"}`, http.StatusForbidden)
		return "", false
	}
	return tenantID, true
}

// GetSettings returns the tenant settings.
// GET /api/admin/clinics/{tenantID}/settings
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizedTenant(w, r)
	if !ok {
		return
	}

	settings, err := h.store.Get(r.Context(), tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		settings = DefaultSettings(tenantID)
	} else if err != nil {
		h.logger.Error("failed to get clinic settings", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(settings); err != nil {
		h.logger.Error("failed to encode clinic settings", "tenant_id", tenantID, "error", err)
	}
}

// UpdateSettingsRequest is the partial update body for tenant settings.
type UpdateSettingsRequest struct {
	Name                  *string         `json:"name,omitempty"`
	Timezone              *string         `json:"timezone,omitempty"`
	AIEnabled             *bool           `json:"ai_enabled,omitempty"`
	EnforceBusinessHours  *bool           `json:"enforce_business_hours,omitempty"`
	BusinessHours         json.RawMessage `json:"business_hours,omitempty"`
	ClosedMessageTemplate *string         `json:"closed_message_template,omitempty"`
	Persona               *string         `json:"persona,omitempty"`
	Services              []Service       `json:"services,omitempty"`
	ScheduleNotes         *string         `json:"schedule_notes,omitempty"`
	DefaultDDD            *string         `json:"default_ddd,omitempty"`
	WhatsApp              *WhatsAppConfig `json:"whatsapp,omitempty"`
}

// UpdateSettings creates or updates the tenant settings.
// PUT /api/admin/clinics/{tenantID}/settings
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.authorizedTenant(w, r)
	if !ok {
		return
	}

	var req UpdateSettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error": "invalid JSON body"}`, http.StatusBadRequest)
		return
	}

	settings, err := h.store.Get(r.Context(), tenantID)
	if errors.Is(err, ErrTenantNotFound) {
		settings = DefaultSettings(tenantID)
	} else if err != nil {
		h.logger.Error("failed to get clinic settings", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error": "internal server error"}`, http.StatusInternalServerError)
		return
	}

	if req.Name != nil {
		settings.Name = *req.Name
	}
	if req.Timezone != nil {
		settings.Timezone = *req.Timezone
	}
	if req.AIEnabled != nil {
		settings.AIEnabled = *req.AIEnabled
	}
	if req.EnforceBusinessHours != nil {
		settings.EnforceBusinessHours = *req.EnforceBusinessHours
	}
	if len(req.BusinessHours) > 0 {
		settings.BusinessHours = req.BusinessHours
	}
	if req.ClosedMessageTemplate != nil {
		settings.ClosedMessageTemplate = *req.ClosedMessageTemplate
	}
	if req.Persona != nil {
		settings.Persona = *req.Persona
	}
	if req.Services != nil {
		settings.Services = req.Services
	}
	if req.ScheduleNotes != nil {
		settings.ScheduleNotes = *req.ScheduleNotes
	}
	if req.DefaultDDD != nil {
		settings.DefaultDDD = *req.DefaultDDD
	}
	if req.WhatsApp != nil {
		settings.WhatsApp = *req.WhatsApp
	}

	if err := settings.Validate(); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
		return
	}
	if err := h.store.Save(r.Context(), settings); err != nil {
		h.logger.Error("failed to save clinic settings", "tenant_id", tenantID, "error", err)
		http.Error(w, `{"error": "failed to save settings"}`, http.StatusInternalServerError)
		return
	}

	h.logger.Info("clinic settings updated", "tenant_id", tenantID, "ai_enabled", settings.AIEnabled)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(settings); err != nil {
		h.logger.Error("failed to encode clinic settings", "tenant_id", tenantID, "error", err)
	}
}
