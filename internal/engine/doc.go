// Package engine keeps one account's conversations in sync with a messaging
// backend.
//
// The engine owns two stream slots: the account-wide conversation list and
// the currently open conversation. Each slot's subscription is tagged with a
// generation; switching account or conversation bumps the generation, so
// frames from the replaced subscription are dropped even if they are still
// in flight. Bulk pages and live frames flow through the same dedupe buffer
// and reconciler in package inbox.
//
// Host-facing changes are published on a conversation.Broadcaster, gated
// notifications go to a Notifier, and snapshots are kept in a
// store.SnapshotStore for warm starts.
package engine
