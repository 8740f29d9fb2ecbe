// ABOUTME: Bulk refresh, history paging, and read marking against the backend
// ABOUTME: Refresh requests are coalesced and rate limited by a background loop

package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/inbox"
)

// Refresh fetches the first page of the conversation list, optionally
// filtered by search, and merges it into the session. Results that arrive
// after the account changed are discarded.
func (e *Engine) Refresh(ctx context.Context, search string) error {
	var accountID string
	var gen uint64
	e.state.View(func(*inbox.View) {
		accountID, gen = e.sess.account, e.sess.listGen
	})
	if accountID == "" {
		return &inbox.PreconditionError{Err: inbox.ErrNoAccount}
	}

	summaries, err := e.opts.Fetcher.GetConversations(ctx, accountID, search, e.opts.ConversationPageSize, 0)
	if err != nil {
		e.opts.Metrics.Refreshed("error")
		return &inbox.TransportError{Op: "refresh", Err: err}
	}

	var applied bool
	var convs []inbox.Conversation
	_ = e.state.Update(func(tx *inbox.Tx) error {
		if !e.current(SlotList, gen) {
			return nil
		}
		tx.ApplyBulk(summaries)
		applied = true
		for _, s := range summaries {
			if c, ok := tx.Conversation(inbox.NormalizeConversationID(s.Ref)); ok {
				convs = append(convs, c)
			}
		}
		return nil
	})
	if !applied {
		e.opts.Metrics.Refreshed("stale")
		e.logger.Debug("discarded refresh for replaced session", "account_id", accountID)
		return nil
	}

	e.opts.Metrics.Refreshed("ok")
	e.opts.Metrics.SetUnread(e.state.UnreadTotal())
	e.logger.Debug("refreshed conversations",
		"account_id", accountID,
		"search", search,
		"count", len(summaries))

	for i := range convs {
		c := convs[i]
		e.publish(&conversation.Change{
			Type:           conversation.ChangeConversation,
			AccountID:      accountID,
			ConversationID: c.ID,
			Conversation:   &c,
		})
	}
	e.saveSnapshot(ctx)
	return nil
}

// LoadMessages fetches the newest history page of conversation id and
// merges it. It returns how many messages were new.
func (e *Engine) LoadMessages(ctx context.Context, id string) (int, error) {
	var accountID, ref string
	var gen uint64
	var known bool
	e.state.View(func(v *inbox.View) {
		accountID, gen = e.sess.account, e.sess.listGen
		if c, ok := v.Conversation(id); ok {
			known, ref = true, c.Ref
		}
	})
	if accountID == "" {
		return 0, &inbox.PreconditionError{Err: inbox.ErrNoAccount}
	}
	if !known {
		return 0, fmt.Errorf("loading %s: %w", id, inbox.ErrUnknownConversation)
	}

	msgs, err := e.opts.Fetcher.GetMessages(ctx, accountID, ref, e.opts.MessagePageSize, 0)
	if err != nil {
		return 0, &inbox.TransportError{Op: "history", Err: err}
	}

	added := 0
	var conv inbox.Conversation
	_ = e.state.Update(func(tx *inbox.Tx) error {
		if !e.current(SlotList, gen) {
			return nil
		}
		added = tx.MergeHistory(id, msgs)
		conv, _ = tx.Conversation(id)
		return nil
	})

	e.logger.Debug("loaded history", "conversation_id", id, "fetched", len(msgs), "added", added)
	if added > 0 {
		e.publish(&conversation.Change{
			Type:           conversation.ChangeConversation,
			AccountID:      accountID,
			ConversationID: id,
			Conversation:   &conv,
		})
	}
	return added, nil
}

// MarkRead zeroes a conversation's unread count locally and tells the
// backend. The local mark stands even if the backend call fails; the
// failure is returned as a SideEffectError.
func (e *Engine) MarkRead(ctx context.Context, id string) error {
	var accountID string
	var conv inbox.Conversation
	var err error
	_ = e.state.Update(func(tx *inbox.Tx) error {
		accountID = e.sess.account
		if accountID == "" {
			return nil
		}
		conv, err = tx.MarkRead(id)
		return nil
	})
	if accountID == "" {
		return &inbox.PreconditionError{Err: inbox.ErrNoAccount}
	}
	if err != nil {
		return fmt.Errorf("marking %s read: %w", id, err)
	}

	e.opts.Metrics.SetUnread(e.state.UnreadTotal())
	e.publish(&conversation.Change{
		Type:           conversation.ChangeRead,
		AccountID:      accountID,
		ConversationID: id,
		Conversation:   &conv,
	})

	if err := e.opts.Marker.MarkConversationRead(ctx, accountID, conv.Ref, conv.Kind); err != nil {
		e.opts.Metrics.MarkReadFailed()
		e.logger.Warn("mark read failed", "conversation_id", id, "error", err)
		return &inbox.SideEffectError{Op: "mark_read", ConversationID: id, Err: err}
	}
	return nil
}

// RequestRefresh asks the refresh loop for a bulk refresh. Requests made
// while one is pending are coalesced.
func (e *Engine) RequestRefresh() {
	select {
	case e.refreshCh <- struct{}{}:
	default:
	}
}

func (e *Engine) refreshLoop(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(e.runCtx, cancel)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.refreshCh:
		}

		if err := e.limiter.Wait(ctx); err != nil {
			return
		}
		err := e.Refresh(ctx, "")
		switch {
		case err == nil, errors.Is(err, inbox.ErrNoAccount), ctx.Err() != nil:
		default:
			e.logger.Warn("background refresh failed", "error", err)
		}
	}
}
