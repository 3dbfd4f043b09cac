package storage

import "context"

// tenantKey is a private type for the tenant context key, preventing
// collisions with other packages.
type tenantKey struct{}

// SetTenant injects the authenticated caller's tenant identifier into the
// context. The completion path uses this value as the caller_id for the
// strict ownership check on fresh sessions.
func SetTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey{}, tenantID)
}

// GetTenant extracts the tenant identifier from the context. Returns an
// empty string if no tenant is set (anonymous/API-key use).
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey{}).(string); ok {
		return v
	}
	return ""
}

type teamsKey struct{}

// SetTeams injects the caller's team memberships. Listing queries use them
// to include team-shared workflow definitions.
func SetTeams(ctx context.Context, teamIDs []string) context.Context {
	return context.WithValue(ctx, teamsKey{}, teamIDs)
}

// GetTeams extracts the caller's team memberships, or nil.
func GetTeams(ctx context.Context) []string {
	if v, ok := ctx.Value(teamsKey{}).([]string); ok {
		return v
	}
	return nil
}
