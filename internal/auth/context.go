package auth

import "context"

// Tier is the subscription tier carried in validated tokens.
type Tier string

const (
	TierFree       Tier = "free"
	TierBasic      Tier = "basic"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
)

var validTiers = map[Tier]bool{
	TierFree:       true,
	TierBasic:      true,
	TierPro:        true,
	TierEnterprise: true,
}

// TenantContext is everything a validated JWT asserts about the caller.
type TenantContext struct {
	Subject      string
	TenantID     string
	Tier         Tier
	Issuer       string
	Scopes       []string
	NFTID        string
	PoolID       string
	AllowedPools []string
	ReqHash      string
}

// HasScope reports whether the token granted the named scope.
func (tc *TenantContext) HasScope(scope string) bool {
	for _, s := range tc.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type contextKey struct{}

// WithTenant attaches a validated tenant context to the request context.
func WithTenant(ctx context.Context, tc *TenantContext) context.Context {
	return context.WithValue(ctx, contextKey{}, tc)
}

// TenantFromContext retrieves the tenant context set by WithTenant.
func TenantFromContext(ctx context.Context) (*TenantContext, bool) {
	tc, ok := ctx.Value(contextKey{}).(*TenantContext)
	return tc, ok
}
