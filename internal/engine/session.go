// ABOUTME: Account and conversation switching: precondition checks, slot swaps, and generations
// ABOUTME: Switching accounts is a full reload; switching conversations replaces one slot

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/sse"
	"github.com/2389/inbox-sync/internal/store"
	"github.com/2389/inbox-sync/internal/stream"
)

// ErrStopped is returned by operations on a stopped engine.
var ErrStopped = errors.New("engine stopped")

// WatchAccount switches the session to externalAccountID. The previous
// session is saved, cleared, and its subscriptions cancelled; a stored
// snapshot for the new account is restored; the list subscription starts;
// and the first bulk page is fetched before returning. A failed bulk fetch
// is returned but the live subscription stays up.
func (e *Engine) WatchAccount(ctx context.Context, externalAccountID string) error {
	if externalAccountID == "" {
		return &inbox.PreconditionError{Err: inbox.ErrNoAccount}
	}
	if e.opts.Credentials != nil {
		if err := e.opts.Credentials(); err != nil {
			return &inbox.PreconditionError{AccountID: externalAccountID, Err: err}
		}
	}

	accountID, ok, err := e.opts.Resolver.ResolveInternalAccountID(ctx, externalAccountID)
	if err != nil {
		return fmt.Errorf("resolving account %s: %w", externalAccountID, err)
	}
	if !ok {
		return &inbox.PreconditionError{AccountID: externalAccountID, Err: inbox.ErrAccountUnmapped}
	}

	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	old := e.takeSubs(SlotList, SlotConversation)
	clear(e.slotStates)
	e.lastErr = nil
	e.mu.Unlock()

	for _, sub := range old {
		sub.Cancel()
	}
	e.saveSnapshot(ctx)

	gen := e.gens.Add(1)
	_ = e.state.Update(func(tx *inbox.Tx) error {
		tx.Reset()
		e.sess = session{external: externalAccountID, account: accountID, listGen: gen}
		return nil
	})

	e.restoreSnapshot(ctx, accountID, gen)

	e.logger.Info("watching account",
		"external_account_id", externalAccountID,
		"account_id", accountID,
		"generation", gen)
	e.publish(&conversation.Change{Type: conversation.ChangeReset, AccountID: accountID})

	e.startSub(SlotList, stream.Topic{AccountID: accountID}, gen)

	if err := e.Refresh(ctx, ""); err != nil {
		return fmt.Errorf("initial refresh: %w", err)
	}
	return nil
}

// OpenConversation starts the per-conversation subscription for id,
// replacing any previously open one, and loads its first history page.
func (e *Engine) OpenConversation(ctx context.Context, id string) error {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	var accountID, ref string
	var known bool
	e.state.View(func(v *inbox.View) {
		accountID = e.sess.account
		if c, ok := v.Conversation(id); ok {
			known, ref = true, c.Ref
		}
	})
	if accountID == "" {
		return &inbox.PreconditionError{Err: inbox.ErrNoAccount}
	}
	if !known {
		return fmt.Errorf("opening %s: %w", id, inbox.ErrUnknownConversation)
	}

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return ErrStopped
	}
	old := e.takeSubs(SlotConversation)
	e.mu.Unlock()
	for _, sub := range old {
		sub.Cancel()
	}

	gen := e.gens.Add(1)
	var switched bool
	_ = e.state.Update(func(tx *inbox.Tx) error {
		if e.sess.account != accountID {
			return nil
		}
		e.sess.convGen = gen
		e.sess.openID = id
		e.sess.openRef = ref
		switched = true
		return nil
	})
	if !switched {
		return fmt.Errorf("opening %s: account changed", id)
	}

	e.logger.Info("opened conversation", "conversation_id", id, "generation", gen)
	e.startSub(SlotConversation, stream.Topic{AccountID: accountID, ConversationRef: ref}, gen)

	if _, err := e.LoadMessages(ctx, id); err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	return nil
}

// CloseConversation stops the per-conversation subscription. Frames still
// in flight from it are discarded.
func (e *Engine) CloseConversation() {
	e.watchMu.Lock()
	defer e.watchMu.Unlock()

	e.mu.Lock()
	old := e.takeSubs(SlotConversation)
	delete(e.slotStates, SlotConversation)
	e.mu.Unlock()
	for _, sub := range old {
		sub.Cancel()
	}

	gen := e.gens.Add(1)
	_ = e.state.Update(func(tx *inbox.Tx) error {
		e.sess.convGen = gen
		e.sess.openID = ""
		e.sess.openRef = ""
		return nil
	})
	e.opts.Metrics.SetStreamState(string(SlotConversation), stream.StateDisconnected.String(), streamStates)
}

// OpenConversationID returns the id of the open conversation, if any.
func (e *Engine) OpenConversationID() string {
	var id string
	e.state.View(func(*inbox.View) { id = e.sess.openID })
	return id
}

func (e *Engine) startSub(slot Slot, topic stream.Topic, gen uint64) {
	h := stream.Handlers{
		Frame:   func(g uint64, f sse.Frame) { e.handleFrame(slot, g, f) },
		State:   func(g uint64, st stream.State) { e.handleState(slot, g, st) },
		Failure: func(g uint64, err error) { e.handleFailure(slot, g, err) },
		Skip:    func(g uint64, err error) { e.handleSkip(slot, g, err) },
	}
	sub := stream.NewSubscription(e.opts.Source, topic, gen, e.opts.Stream, h,
		e.opts.Logger.With("slot", string(slot)))

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.subs[slot] = sub
	e.mu.Unlock()

	sub.Start(e.runCtx)
}

// restoreSnapshot warms the state from the store, unless the session moved
// on while loading.
func (e *Engine) restoreSnapshot(ctx context.Context, accountID string, gen uint64) {
	if e.opts.Snapshots == nil {
		return
	}
	snap, err := e.opts.Snapshots.Load(ctx, accountID)
	if errors.Is(err, store.ErrNotFound) {
		return
	}
	if err != nil {
		e.logger.Warn("loading snapshot failed", "account_id", accountID, "error", err)
		return
	}
	if snap.Version != inbox.SnapshotVersion {
		e.logger.Warn("ignoring snapshot with unknown version",
			"account_id", accountID, "version", snap.Version)
		return
	}

	var restored bool
	_ = e.state.Update(func(tx *inbox.Tx) error {
		if !e.current(SlotList, gen) {
			return nil
		}
		tx.Restore(*snap)
		restored = true
		return nil
	})
	if restored {
		e.logger.Info("restored snapshot",
			"account_id", accountID,
			"conversations", len(snap.Conversations),
			"taken_at", snap.TakenAt)
		e.opts.Metrics.SetUnread(e.state.UnreadTotal())
	}
}

// saveSnapshot persists the current session, if a store is configured and
// an account is watched.
func (e *Engine) saveSnapshot(ctx context.Context) {
	if e.opts.Snapshots == nil {
		return
	}
	var accountID string
	var snap inbox.Snapshot
	e.state.View(func(*inbox.View) { accountID = e.sess.account })
	if accountID == "" {
		return
	}
	snap = e.state.Snapshot()
	if err := e.opts.Snapshots.Save(ctx, accountID, &snap); err != nil {
		e.logger.Warn("saving snapshot failed", "account_id", accountID, "error", err)
		return
	}
	e.logger.Debug("saved snapshot", "account_id", accountID, "conversations", len(snap.Conversations))
}
