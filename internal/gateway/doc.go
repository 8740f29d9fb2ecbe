// Package gateway serves the host-facing HTTP API of an inbox sync engine.
//
// # Overview
//
// The Gateway owns the HTTP server. It reads state from, and steers, a
// Syncer (normally *engine.Engine) and relays the engine's changes from a
// conversation.Broadcaster to connected hosts as server-sent events.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Ready once an account's list stream is connected
//   - GET /api/conversations - Ranked conversation list (?search=, ?limit=)
//   - GET /api/conversations/{id}/messages - Buffered history (?load=true, ?limit=)
//   - POST /api/conversations/{id}/read - Mark a conversation read
//   - POST /api/watch - Switch the watched account
//   - POST /api/open - Open, or with an empty id close, a conversation
//   - POST /api/focus - Report whether the host shows the open conversation
//   - GET /api/status - Engine status
//   - GET /api/events - SSE change stream (?conversation_id=)
//   - GET /metrics - Prometheus metrics, when enabled
//
// # Authentication
//
// When server.api_secret is set, every /api route requires an HS256 bearer
// token signed with it. Health and metrics endpoints stay open.
//
// # Errors
//
// Errors are JSON objects with an "error" field. Missing accounts answer
// 409, unknown conversations and unmapped accounts 404, other precondition
// failures 412, and backend failures 502. Partial successes, where the
// local change applied but the backend call failed, answer 202 with a
// "warning".
package gateway
