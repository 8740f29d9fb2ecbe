// ABOUTME: Per-conversation message window kept in ascending timestamp order.
// ABOUTME: Rejects duplicate ids and trims the oldest messages beyond the window size.

package inbox

import (
	"sort"
)

// DefaultWindow is the number of messages a conversation keeps in memory.
const DefaultWindow = 500

// Buffer holds a conversation's most recent messages sorted by timestamp.
// Equal timestamps keep arrival order. It is not safe for concurrent use;
// State serializes access.
type Buffer struct {
	msgs   []Message
	ids    map[string]struct{}
	window int
}

// NewBuffer creates an empty buffer keeping at most window messages.
func NewBuffer(window int) *Buffer {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Buffer{
		ids:    make(map[string]struct{}),
		window: window,
	}
}

// Has reports whether a message with id is in the window.
func (b *Buffer) Has(id string) bool {
	_, ok := b.ids[id]
	return ok
}

// Insert places m at its sorted position. It returns false without
// changing anything when the id is already present. Messages pushed out of
// the window are returned so the caller can remember their ids.
func (b *Buffer) Insert(m Message) (inserted bool, trimmed []Message) {
	if b.Has(m.ID) {
		return false, nil
	}

	// First index strictly after m, so ties keep arrival order.
	pos := sort.Search(len(b.msgs), func(i int) bool {
		return b.msgs[i].Timestamp.After(m.Timestamp)
	})
	b.msgs = append(b.msgs, Message{})
	copy(b.msgs[pos+1:], b.msgs[pos:])
	b.msgs[pos] = m
	b.ids[m.ID] = struct{}{}

	if over := len(b.msgs) - b.window; over > 0 {
		trimmed = append(trimmed, b.msgs[:over]...)
		for _, old := range trimmed {
			delete(b.ids, old.ID)
		}
		b.msgs = append(b.msgs[:0], b.msgs[over:]...)
	}
	return true, trimmed
}

// Remove deletes the message with id. It reports whether it was present
// and whether it was the tail.
func (b *Buffer) Remove(id string) (removed, wasTail bool) {
	if !b.Has(id) {
		return false, false
	}
	for i := range b.msgs {
		if b.msgs[i].ID == id {
			wasTail = i == len(b.msgs)-1
			b.msgs = append(b.msgs[:i], b.msgs[i+1:]...)
			break
		}
	}
	delete(b.ids, id)
	return true, wasTail
}

// SetStatus advances the delivery status of a buffered outbound message.
// It reports whether the message changed.
func (b *Buffer) SetStatus(id string, status Status) bool {
	if !b.Has(id) {
		return false
	}
	for i := len(b.msgs) - 1; i >= 0; i-- {
		if b.msgs[i].ID != id {
			continue
		}
		if b.msgs[i].Direction != DirectionOutbound || !b.msgs[i].Status.Advances(status) {
			return false
		}
		b.msgs[i].Status = status
		return true
	}
	return false
}

// Tail returns the newest message.
func (b *Buffer) Tail() (Message, bool) {
	if len(b.msgs) == 0 {
		return Message{}, false
	}
	return b.msgs[len(b.msgs)-1], true
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	return len(b.msgs)
}

// Messages returns a copy of the buffered messages, oldest first.
func (b *Buffer) Messages() []Message {
	out := make([]Message, len(b.msgs))
	for i, m := range b.msgs {
		if m.Media != nil {
			media := *m.Media
			m.Media = &media
		}
		out[i] = m
	}
	return out
}
