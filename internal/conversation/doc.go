// Package conversation fans inbox changes out to host subscribers.
//
// # Broadcaster
//
// The engine publishes a Change after every state mutation it applies:
// conversation updates, message upserts and deletions, read marks,
// notifications, connection state, and session resets.
//
//	ch, subID := b.Subscribe(ctx, conversation.AllConversations)
//	for change := range ch { ... }
//
// Subscribers key on a conversation id, or on AllConversations to follow
// the whole session. Changes without a conversation id (connection state,
// resets) only reach AllConversations subscribers.
//
// Delivery is best-effort. Each subscriber has a bounded buffer and a full
// buffer drops the change instead of blocking the engine. Subscribers that
// need a consistent view re-read the engine's snapshot after a gap.
package conversation
