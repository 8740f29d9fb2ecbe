// Package auth handles the two credentials inbox-sync deals with.
//
// # Upstream token
//
// Streams and bulk calls to the messaging backend carry a bearer token.
// CheckToken inspects a JWT's exp claim without verifying the signature
// (the backend owns the key) so an expired token fails fast as a
// precondition instead of looping through reconnects. Opaque tokens pass.
//
// # Host API
//
// When server.api_secret is set, the host HTTP API requires an HS256 JWT
// whose sub claim names the caller:
//
//	verifier := auth.NewJWTVerifier(secret)
//	handler = auth.HTTPAuthMiddleware(verifier)(handler)
package auth
