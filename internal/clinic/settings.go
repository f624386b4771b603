// Package clinic holds per-tenant clinic settings, the business-hours
// evaluator and the Redis-backed settings store.
package clinic

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// WhatsApp providers supported for inbound and outbound traffic.
const (
	ProviderEvolution = "evolution"
	ProviderChatwoot  = "chatwoot"
)

// Service is one offering listed in the AI prompt.
type Service struct {
	Name            string `json:"name"`
	Price           string `json:"price,omitempty"`
	DurationMinutes int    `json:"duration_minutes,omitempty"`
}

// WhatsAppConfig holds the tenant's outbound gateway credentials.
type WhatsAppConfig struct {
	Provider string `json:"provider"`
	BaseURL  string `json:"base_url"`
	// Instance is the Evolution API instance name; inbound webhooks are
	// routed to the tenant through it.
	Instance string `json:"instance,omitempty"`
	APIKey   string `json:"api_key,omitempty"`
	// Chatwoot only.
	ChatwootAccountID string `json:"chatwoot_account_id,omitempty"`
	ChatwootInboxID   string `json:"chatwoot_inbox_id,omitempty"`
}

// Settings is the tenant-level configuration the inbox pipeline reads.
type Settings struct {
	TenantID             string          `json:"tenant_id"`
	Name                 string          `json:"name"`
	Timezone             string          `json:"timezone"`
	AIEnabled            bool            `json:"ai_enabled"`
	EnforceBusinessHours bool            `json:"enforce_business_hours"`
	BusinessHours        json.RawMessage `json:"business_hours,omitempty"`
	// ClosedMessageTemplate overrides the closed-hours fallback; {next_open}
	// is replaced with the next window ("amanhã (terça-feira) a partir das 08:00").
	ClosedMessageTemplate string         `json:"closed_message_template,omitempty"`
	Persona               string         `json:"persona,omitempty"`
	Services              []Service      `json:"services,omitempty"`
	ScheduleNotes         string         `json:"schedule_notes,omitempty"`
	DefaultDDD            string         `json:"default_ddd,omitempty"`
	WhatsApp              WhatsAppConfig `json:"whatsapp"`
	UpdatedAt             time.Time      `json:"updated_at"`
}

// DefaultSettings returns the settings a freshly onboarded tenant starts with.
func DefaultSettings(tenantID string) *Settings {
	return &Settings{
		TenantID:  tenantID,
		Name:      "Clínica",
		Timezone:  DefaultTimezone,
		AIEnabled: true,
		WhatsApp:  WhatsAppConfig{Provider: ProviderEvolution},
	}
}

// Hours parses the stored business hours; nil means always open.
func (s *Settings) Hours() *BusinessHours {
	if s == nil {
		return nil
	}
	return ParseBusinessHours(s.BusinessHours)
}

// Location resolves the tenant timezone, falling back to DefaultTimezone
// and finally UTC.
func (s *Settings) Location() *time.Location {
	tz := DefaultTimezone
	if s != nil && strings.TrimSpace(s.Timezone) != "" {
		tz = s.Timezone
	}
	if loc, err := time.LoadLocation(tz); err == nil {
		return loc
	}
	if loc, err := time.LoadLocation(DefaultTimezone); err == nil {
		return loc
	}
	return time.UTC
}

// OpenStatus evaluates business hours and applies the tenant's closed
// message template.
func (s *Settings) OpenStatus(now time.Time) Status {
	if s == nil {
		return Status{IsOpen: true}
	}
	st := Evaluate(s.Hours(), s.Timezone, now)
	if st.IsOpen || st.NextOpenText == "" {
		return st
	}
	if tmpl := strings.TrimSpace(s.ClosedMessageTemplate); tmpl != "" {
		st.Message = strings.ReplaceAll(tmpl, "{next_open}", st.NextOpenText)
	}
	return st
}

// ServicesContext renders the service list for prompts.
func (s *Settings) ServicesContext() string {
	if s == nil || len(s.Services) == 0 {
		return ""
	}
	var b strings.Builder
	for _, svc := range s.Services {
		name := strings.TrimSpace(svc.Name)
		if name == "" {
			continue
		}
		b.WriteString("- ")
		b.WriteString(name)
		if svc.Price != "" {
			fmt.Fprintf(&b, ": %s", svc.Price)
		}
		if svc.DurationMinutes > 0 {
			fmt.Fprintf(&b, " (%d min)", svc.DurationMinutes)
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Validate checks fields the pipeline depends on.
func (s *Settings) Validate() error {
	if strings.TrimSpace(s.TenantID) == "" {
		return fmt.Errorf("clinic: tenant_id required")
	}
	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("clinic: invalid timezone %q", s.Timezone)
		}
	}
	switch strings.ToLower(s.WhatsApp.Provider) {
	case "", ProviderEvolution, ProviderChatwoot:
	default:
		return fmt.Errorf("clinic: unsupported whatsapp provider %q", s.WhatsApp.Provider)
	}
	if s.DefaultDDD != "" && len(s.DefaultDDD) != 2 {
		return fmt.Errorf("clinic: default_ddd must have two digits")
	}
	return nil
}
