// ABOUTME: Locally-read overlay that keeps optimistic read state ahead of stale server counts.
// ABOUTME: A read watermark decides which later inbound messages reopen the conversation.

package inbox

import "time"

// markRead zeroes the unread count and remembers the newest activity the
// user has seen.
func markRead(c *Conversation, newest time.Time) {
	c.UnreadCount = 0
	c.LocallyRead = true
	if newest.After(c.ReadWatermark) {
		c.ReadWatermark = newest
	}
}

// countInbound applies a live inbound message to the unread count. While
// the conversation is locally read only messages newer than the watermark
// reopen it, and the count restarts at one.
func countInbound(c *Conversation, m Message) {
	if !c.LocallyRead {
		c.UnreadCount++
		return
	}
	if m.Timestamp.After(c.ReadWatermark) {
		c.LocallyRead = false
		c.UnreadCount = 1
	}
}

// overlayUnread is the unread count to adopt from a server snapshot.
func overlayUnread(c *Conversation, serverCount int) int {
	if c.LocallyRead {
		return 0
	}
	return max(serverCount, 0)
}
