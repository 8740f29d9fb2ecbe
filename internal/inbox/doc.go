// Package inbox holds the synchronized view of an account's conversations.
//
// # Pipeline
//
// Classified stream payloads are normalized into Messages, offered to a
// per-conversation Buffer that rejects duplicates and keeps timestamp
// order, and folded back into the Conversation summary: last message,
// activity time, unread count, and ranking.
//
// # Read overlay
//
// MarkRead zeroes a conversation's unread count and flags it locally read.
// The flag survives stale server listings until an inbound message newer
// than the read watermark arrives, at which point the count restarts at one.
//
// # Concurrency
//
// State is the single writer. All mutation happens inside State.Update;
// readers receive copies taken under the read lock, so a reader never sees
// a half-applied message.
package inbox
