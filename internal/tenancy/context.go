// Package tenancy carries the authenticated tenant and agent identity
// through request contexts.
package tenancy

import "context"

type ctxKey string

const (
	tenantKey ctxKey = "inbox.tenant_id"
	userKey   ctxKey = "inbox.user_id"
)

// Identity is the authenticated principal of a request or socket.
type Identity struct {
	TenantID string
	UserID   string
}

// WithTenantID stores the tenant id in context.
func WithTenantID(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// TenantIDFromContext extracts the tenant id if present.
func TenantIDFromContext(ctx context.Context) (string, bool) {
	return stringValue(ctx, tenantKey)
}

// WithIdentity stores tenant and user ids in context.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	ctx = WithTenantID(ctx, id.TenantID)
	return context.WithValue(ctx, userKey, id.UserID)
}

// IdentityFromContext returns the identity when both ids are present.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	tenantID, ok := stringValue(ctx, tenantKey)
	if !ok {
		return Identity{}, false
	}
	userID, ok := stringValue(ctx, userKey)
	if !ok {
		return Identity{}, false
	}
	return Identity{TenantID: tenantID, UserID: userID}, true
}

func stringValue(ctx context.Context, key ctxKey) (string, bool) {
	val := ctx.Value(key)
	if val == nil {
		return "", false
	}
	s, ok := val.(string)
	return s, ok && s != ""
}
