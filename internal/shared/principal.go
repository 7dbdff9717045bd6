package shared

import "context"

// Principal describes the authenticated actor for one request. TenantID is
// nil for platform-level (tenant-less) requests. SuperAdmin principals
// bypass permission resolution entirely.
type Principal struct {
	UserID     int64
	TenantID   *int64
	SuperAdmin bool
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context. The second
// return is false when no authenticated principal is attached.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
