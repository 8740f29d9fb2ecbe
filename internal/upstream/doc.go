// Package upstream is the HTTP client for the messaging backend's
// request/response endpoints: the paged conversation list, per-conversation
// message history, mark-read, and account lookup. Live streams are opened by
// package stream; this package covers everything else the engine calls.
//
// Responses are read with gjson and turned into inbox types with the same
// normalizer the live stream uses, so both paths agree on field aliases.
package upstream
