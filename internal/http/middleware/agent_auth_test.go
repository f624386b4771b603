package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-inbox/internal/tenancy"
)

func signedAgentToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := tenancy.IssueToken(secret, tenancy.Identity{TenantID: "clinic-1", UserID: "agent-1"}, time.Hour)
	require.NoError(t, err)
	return token
}

func TestAgentJWT_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		secret string
		header string
	}{
		{name: "auth disabled", secret: "", header: "Bearer x"},
		{name: "missing header", secret: "secret"},
		{name: "wrong secret", secret: "secret", header: "Bearer " + signedAgentToken(t, "wrong")},
		{name: "garbage", secret: "secret", header: "Bearer not-a-jwt"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/inbox/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			called := false
			AgentJWT(tt.secret)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) { called = true })).ServeHTTP(rec, req)

			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.False(t, called)
		})
	}
}

func TestAgentJWT_ValidTokenSetsIdentity(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/inbox/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+signedAgentToken(t, "secret"))
	rec := httptest.NewRecorder()

	var got tenancy.Identity
	AgentJWT("secret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = tenancy.IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})).ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, tenancy.Identity{TenantID: "clinic-1", UserID: "agent-1"}, got)
}
