// ABOUTME: Request context helpers for the authenticated host API caller
// ABOUTME: Provides WithPrincipal/PrincipalFrom for handlers behind the middleware

package auth

import "context"

type principalKey struct{}

// WithPrincipal returns a new context carrying the caller's principal id.
func WithPrincipal(ctx context.Context, principalID string) context.Context {
	return context.WithValue(ctx, principalKey{}, principalID)
}

// PrincipalFrom returns the principal id stored by the middleware, or "".
func PrincipalFrom(ctx context.Context) string {
	id, _ := ctx.Value(principalKey{}).(string)
	return id
}
