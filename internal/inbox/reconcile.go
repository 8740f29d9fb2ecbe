// ABOUTME: Keeps conversation summaries consistent with their message buffers.
// ABOUTME: Maintains last message, activity time, unread counts, and most-recent-first ranking.

package inbox

import (
	"slices"
)

// reconcile folds a message that was just inserted into buf back into the
// conversation summary. Live messages count toward unread; history pages
// loaded from a bulk fetch do not.
func reconcile(c *Conversation, buf *Buffer, m Message, live bool) {
	if tail, ok := buf.Tail(); ok && tail.ID == m.ID {
		if c.LastMessage == nil || !m.Timestamp.Before(c.LastMessage.Timestamp) {
			c.LastMessage = previewOf(m)
		}
	}
	if m.Timestamp.After(c.Timestamp) {
		c.Timestamp = m.Timestamp
	}
	if live && m.Inbound() {
		countInbound(c, m)
	}
}

// retail recomputes the preview after the tail of buf was removed.
func retail(c *Conversation, buf *Buffer) {
	if tail, ok := buf.Tail(); ok {
		c.LastMessage = previewOf(tail)
		return
	}
	c.LastMessage = nil
}

// promote moves id to its ranked position. An updated conversation goes
// ahead of every conversation with the same activity time.
func promote(order []string, convs map[string]*Conversation, id string) []string {
	if i := slices.Index(order, id); i >= 0 {
		order = slices.Delete(order, i, i+1)
	}
	ts := convs[id].Timestamp
	pos := len(order)
	for i, other := range order {
		if !convs[other].Timestamp.After(ts) {
			pos = i
			break
		}
	}
	return slices.Insert(order, pos, id)
}

// rerank sorts the whole ranking by activity time, newest first, keeping
// the existing relative order of ties.
func rerank(order []string, convs map[string]*Conversation) {
	slices.SortStableFunc(order, func(a, b string) int {
		return convs[b].Timestamp.Compare(convs[a].Timestamp)
	})
}
