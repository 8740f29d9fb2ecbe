// ABOUTME: Stream handlers: classify, normalize, and apply frames under the generation check
// ABOUTME: Also tracks slot connection state and forwards gated notifications

package engine

import (
	"context"
	"errors"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/event"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/sse"
	"github.com/2389/inbox-sync/internal/stream"
)

const notifyTimeout = 5 * time.Second

// frameResult is what applying one frame changed, gathered under the state
// lock and acted on after it is released.
type frameResult struct {
	stale   bool
	err     error
	upsert  inbox.UpsertResult
	deleted inbox.DeleteResult
	account string
	notify  bool
}

func (e *Engine) handleFrame(slot Slot, gen uint64, f sse.Frame) {
	m := e.opts.Metrics
	m.FrameDecoded()

	ev := event.ClassifyFrame(f.Event, f.Data)
	m.Event(ev.Kind.String())

	switch ev.Kind {
	case event.KindMessageUpsert:
		e.applyUpsert(slot, gen, ev)
	case event.KindMessageDeleted:
		e.applyDelete(slot, gen, ev)
	default:
		e.logger.Debug("ignoring unrecognized event", "slot", string(slot), "event_type", ev.Type)
	}
}

func (e *Engine) applyUpsert(slot Slot, gen uint64, ev event.Event) {
	var res frameResult
	_ = e.state.Update(func(tx *inbox.Tx) error {
		if !e.current(slot, gen) {
			res.stale = true
			return nil
		}
		var msg inbox.Message
		if slot == SlotConversation {
			msg, res.err = inbox.NormalizeInConversation(gjson.Parse(ev.Payload), e.sess.openRef, tx.Lookup)
		} else {
			msg, res.err = inbox.Normalize(ev.Payload, tx.Lookup)
		}
		if res.err != nil {
			return nil
		}
		res.upsert = tx.Upsert(msg)
		res.account = e.sess.account
		focused := e.focused.Load() && e.sess.openID == msg.ConversationID
		res.notify = res.upsert.Inserted && inbox.ShouldNotify(msg, focused)
		return nil
	})

	mt := e.opts.Metrics
	switch {
	case res.stale:
		mt.Stale()
		e.logger.Debug("dropped frame from replaced subscription", "slot", string(slot), "generation", gen)
		return
	case res.err != nil:
		mt.Message("invalid")
		e.logger.Warn("dropping malformed message", "slot", string(slot), "event_type", ev.Type, "error", res.err)
		return
	}

	up := res.upsert
	if !up.Inserted {
		mt.Message("duplicate")
		if up.StatusChanged {
			msg := up.Message
			e.publish(&conversation.Change{
				Type:           conversation.ChangeMessage,
				AccountID:      res.account,
				ConversationID: up.Conversation.ID,
				MessageID:      msg.ID,
				Message:        &msg,
			})
		}
		return
	}

	mt.Message("inserted")
	msg, conv := up.Message, up.Conversation
	e.publish(&conversation.Change{
		Type:           conversation.ChangeMessage,
		AccountID:      res.account,
		ConversationID: conv.ID,
		MessageID:      msg.ID,
		Message:        &msg,
	})
	e.publish(&conversation.Change{
		Type:           conversation.ChangeConversation,
		AccountID:      res.account,
		ConversationID: conv.ID,
		Conversation:   &conv,
	})
	e.opts.Metrics.SetUnread(e.state.UnreadTotal())

	if up.Created {
		// A message for an unknown conversation; the bulk listing fills in
		// its name and kind.
		e.RequestRefresh()
	}
	if res.notify {
		e.deliver(inbox.NewNotification(res.account, conv, msg))
	}
}

func (e *Engine) applyDelete(slot Slot, gen uint64, ev event.Event) {
	var res frameResult
	var convID, msgID string
	_ = e.state.Update(func(tx *inbox.Tx) error {
		if !e.current(slot, gen) {
			res.stale = true
			return nil
		}
		convID, msgID, res.err = inbox.DeletionTarget(ev.Payload)
		if res.err != nil {
			return nil
		}
		res.deleted = tx.Delete(convID, msgID)
		res.account = e.sess.account
		return nil
	})

	mt := e.opts.Metrics
	switch {
	case res.stale:
		mt.Stale()
		return
	case res.err != nil:
		mt.Message("invalid")
		e.logger.Warn("dropping malformed delete", "slot", string(slot), "error", res.err)
		return
	case !res.deleted.Removed && !res.deleted.PreviewChanged:
		mt.Message("delete_noop")
		return
	}

	mt.Message("deleted")
	if res.deleted.Removed {
		e.publish(&conversation.Change{
			Type:           conversation.ChangeMessageDeleted,
			AccountID:      res.account,
			ConversationID: convID,
			MessageID:      msgID,
		})
	}
	if res.deleted.PreviewChanged {
		conv := res.deleted.Conversation
		e.publish(&conversation.Change{
			Type:           conversation.ChangeConversation,
			AccountID:      res.account,
			ConversationID: conv.ID,
			Conversation:   &conv,
		})
	}
}

// deliver hands a notification to the configured sinks. Sink failures are
// logged and never affect sync state.
func (e *Engine) deliver(n inbox.Notification) {
	e.opts.Metrics.Notified()
	e.logger.Debug("notification",
		"conversation_id", n.ConversationID,
		"message_id", n.MessageID)

	if e.opts.Notifier != nil {
		ctx, cancel := context.WithTimeout(e.runCtx, notifyTimeout)
		if err := e.opts.Notifier.Notify(ctx, n); err != nil {
			e.logger.Warn("notifier failed",
				"conversation_id", n.ConversationID,
				"error", &inbox.SideEffectError{Op: "notify", ConversationID: n.ConversationID, Err: err})
		}
		cancel()
	}
	if e.opts.OnNotify != nil {
		e.opts.OnNotify(n)
	}
	e.publish(&conversation.Change{
		Type:           conversation.ChangeNotification,
		AccountID:      n.AccountID,
		ConversationID: n.ConversationID,
		MessageID:      n.MessageID,
		Notification:   &n,
	})
}

func (e *Engine) handleState(slot Slot, gen uint64, st stream.State) {
	if !e.live(slot, gen) {
		return
	}

	e.mu.Lock()
	e.slotStates[slot] = st
	e.mu.Unlock()

	e.opts.Metrics.SetStreamState(string(slot), st.String(), streamStates)
	if st == stream.StateRetryBackoff {
		e.opts.Metrics.Reconnect(string(slot))
	}
	e.publish(&conversation.Change{
		Type:      conversation.ChangeConnection,
		AccountID: e.accountID(),
		Slot:      string(slot),
		State:     st.String(),
	})
}

func (e *Engine) handleFailure(slot Slot, gen uint64, err error) {
	if !e.live(slot, gen) {
		return
	}

	e.mu.Lock()
	e.lastErr = err
	e.mu.Unlock()

	var perr *inbox.PreconditionError
	if errors.As(err, &perr) {
		e.logger.Error("stream stopped", "slot", string(slot), "error", err)
	} else {
		e.logger.Error("stream failing", "slot", string(slot), "error", err)
	}

	if e.opts.OnFailure != nil {
		e.opts.OnFailure(slot, err)
	}
	e.publish(&conversation.Change{
		Type:      conversation.ChangeConnection,
		AccountID: e.accountID(),
		Slot:      string(slot),
		State:     stream.StateDisconnected.String(),
		Error:     err.Error(),
	})
}

func (e *Engine) handleSkip(slot Slot, gen uint64, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, sse.ErrFrameTooLarge):
		reason = "too_large"
	case errors.Is(err, sse.ErrInvalidUTF8):
		reason = "invalid_utf8"
	case errors.Is(err, sse.ErrNoData):
		reason = "no_data"
	}
	e.opts.Metrics.FrameSkipped(reason)
	e.logger.Warn("skipped frame",
		"slot", string(slot),
		"generation", gen,
		"error", &inbox.DecodeError{Reason: reason, Err: err})
}

// live reports whether gen is still the generation of slot.
func (e *Engine) live(slot Slot, gen uint64) bool {
	var ok bool
	e.state.View(func(*inbox.View) { ok = e.current(slot, gen) })
	return ok
}
