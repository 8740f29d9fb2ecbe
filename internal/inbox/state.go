// ABOUTME: Single-writer store of conversations and their message buffers.
// ABOUTME: Mutations run inside Update under one lock; readers get copies under the read lock.

package inbox

import (
	"sync"
	"time"

	"github.com/2389/inbox-sync/internal/dedupe"
)

// Options sizes a State.
type Options struct {
	// Window is the number of messages kept per conversation.
	Window int
	// SeenTTL and SeenMax bound the memory of ids that left the window.
	SeenTTL time.Duration
	SeenMax int
}

func (o Options) withDefaults() Options {
	if o.Window <= 0 {
		o.Window = DefaultWindow
	}
	if o.SeenTTL <= 0 {
		o.SeenTTL = 24 * time.Hour
	}
	if o.SeenMax <= 0 {
		o.SeenMax = 100_000
	}
	return o
}

// State owns every conversation of the current session.
type State struct {
	mu      sync.RWMutex
	convs   map[string]*Conversation
	buffers map[string]*Buffer
	order   []string
	seen    *dedupe.Cache
	opts    Options
}

// NewState creates an empty store.
func NewState(opts Options) *State {
	opts = opts.withDefaults()
	return &State{
		convs:   make(map[string]*Conversation),
		buffers: make(map[string]*Buffer),
		seen:    dedupe.New(opts.SeenTTL, opts.SeenMax),
		opts:    opts,
	}
}

// Close releases the seen-id cache.
func (s *State) Close() {
	s.seen.Close()
}

// Update runs fn with exclusive access. Everything fn does through tx is
// applied atomically with respect to readers.
func (s *State) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(&Tx{s: s})
}

// View runs fn with shared access.
func (s *State) View(fn func(v *View)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fn(&View{s: s})
}

// Conversations returns every conversation, most recently active first.
func (s *State) Conversations() []Conversation {
	var out []Conversation
	s.View(func(v *View) { out = v.Conversations() })
	return out
}

// Conversation returns one conversation by normalized id.
func (s *State) Conversation(id string) (Conversation, bool) {
	var (
		out Conversation
		ok  bool
	)
	s.View(func(v *View) { out, ok = v.Conversation(id) })
	return out, ok
}

// Messages returns a conversation's buffered messages, oldest first.
func (s *State) Messages(id string) []Message {
	var out []Message
	s.View(func(v *View) { out = v.Messages(id) })
	return out
}

// UnreadTotal sums unread counts across conversations.
func (s *State) UnreadTotal() int {
	total := 0
	s.View(func(v *View) {
		for _, c := range v.s.convs {
			total += c.UnreadCount
		}
	})
	return total
}

// Upsert applies one live message.
func (s *State) Upsert(m Message) UpsertResult {
	var res UpsertResult
	_ = s.Update(func(tx *Tx) error {
		res = tx.Upsert(m)
		return nil
	})
	return res
}

// Delete removes one message.
func (s *State) Delete(conversationID, messageID string) DeleteResult {
	var res DeleteResult
	_ = s.Update(func(tx *Tx) error {
		res = tx.Delete(conversationID, messageID)
		return nil
	})
	return res
}

// MarkRead applies the local read overlay to a conversation.
func (s *State) MarkRead(conversationID string) (Conversation, error) {
	var (
		c   Conversation
		err error
	)
	_ = s.Update(func(tx *Tx) error {
		c, err = tx.MarkRead(conversationID)
		return nil
	})
	return c, err
}

// ApplyBulk merges a server conversation listing.
func (s *State) ApplyBulk(summaries []ConversationSummary) {
	_ = s.Update(func(tx *Tx) error {
		tx.ApplyBulk(summaries)
		return nil
	})
}

// View is read-only access handed out by State.View.
type View struct {
	s *State
}

// Conversations returns copies in ranking order.
func (v *View) Conversations() []Conversation {
	out := make([]Conversation, 0, len(v.s.order))
	for _, id := range v.s.order {
		out = append(out, v.s.convs[id].clone())
	}
	return out
}

// Conversation returns a copy of one conversation.
func (v *View) Conversation(id string) (Conversation, bool) {
	c, ok := v.s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return c.clone(), true
}

// Messages returns a copy of one conversation's buffer.
func (v *View) Messages(id string) []Message {
	buf, ok := v.s.buffers[id]
	if !ok {
		return []Message{}
	}
	return buf.Messages()
}

// Tx is mutable access handed out by State.Update. It must not be retained
// after the callback returns.
type Tx struct {
	s *State
}

// UpsertResult describes what a message upsert changed.
type UpsertResult struct {
	// Inserted is false for duplicates.
	Inserted bool
	// StatusChanged is set when a duplicate advanced an outbound status.
	StatusChanged bool
	// Created is set when the conversation was unknown and a placeholder
	// was created for it.
	Created      bool
	Message      Message
	Conversation Conversation
}

// DeleteResult describes what a delete changed.
type DeleteResult struct {
	Removed bool
	// PreviewChanged reports that the deleted message was the
	// conversation's last message and the preview was recomputed.
	PreviewChanged bool
	Conversation   Conversation
}

// Lookup resolves normalizer context for a known conversation.
func (tx *Tx) Lookup(id string) (ConversationContext, bool) {
	c, ok := tx.s.convs[id]
	if !ok {
		return ConversationContext{}, false
	}
	return ConversationContext{Kind: c.Kind, DisplayName: c.DisplayName}, true
}

// Conversation returns a copy of one conversation.
func (tx *Tx) Conversation(id string) (Conversation, bool) {
	return (&View{s: tx.s}).Conversation(id)
}

// Upsert inserts a live message, counting it toward unread.
func (tx *Tx) Upsert(m Message) UpsertResult {
	return tx.upsert(m, true)
}

// MergeHistory inserts a page of previously fetched messages. History does
// not affect unread counts. Pages are normalized without conversation
// context, so the group sender fallback is re-applied here. It returns how
// many messages were new.
func (tx *Tx) MergeHistory(conversationID string, msgs []Message) int {
	cc, known := tx.Lookup(conversationID)
	n := 0
	for _, m := range msgs {
		if m.ConversationID == "" {
			m.ConversationID = conversationID
		}
		if known {
			m.SenderName = senderName(m.SenderName, m, cc)
		}
		if res := tx.upsert(m, false); res.Inserted {
			n++
		}
	}
	return n
}

func (tx *Tx) upsert(m Message, live bool) UpsertResult {
	s := tx.s
	c, created := tx.ensure(m.ConversationID, m.ConversationRef)
	buf := tx.buffer(m.ConversationID)

	if buf.Has(m.ID) || s.seen.Seen(m.ConversationID, m.ID) {
		changed := m.Status != StatusNone && buf.SetStatus(m.ID, m.Status)
		return UpsertResult{
			StatusChanged: changed,
			Created:       created,
			Message:       m,
			Conversation:  c.clone(),
		}
	}

	buf.Insert(m)
	s.seen.Mark(m.ConversationID, m.ID)
	reconcile(c, buf, m, live)
	s.order = promote(s.order, s.convs, c.ID)

	return UpsertResult{
		Inserted:     true,
		Created:      created,
		Message:      m,
		Conversation: c.clone(),
	}
}

// Delete removes a message. Deleting an absent message is a no-op, and the
// id is remembered so a late retransmission does not bring it back.
func (tx *Tx) Delete(conversationID, messageID string) DeleteResult {
	s := tx.s
	s.seen.Mark(conversationID, messageID)

	c, ok := s.convs[conversationID]
	if !ok {
		return DeleteResult{}
	}
	buf := tx.buffer(conversationID)
	removed, _ := buf.Remove(messageID)

	// A bulk summary may carry a newer preview than anything buffered;
	// only the deletion of that exact message touches it.
	previewChanged := c.LastMessage != nil && c.LastMessage.MessageID == messageID
	if previewChanged {
		retail(c, buf)
	}
	return DeleteResult{
		Removed:        removed,
		PreviewChanged: previewChanged,
		Conversation:   c.clone(),
	}
}

// MarkRead applies the read overlay.
func (tx *Tx) MarkRead(conversationID string) (Conversation, error) {
	c, ok := tx.s.convs[conversationID]
	if !ok {
		return Conversation{}, ErrUnknownConversation
	}
	newest := c.Timestamp
	if tail, ok := tx.buffer(conversationID).Tail(); ok && tail.Timestamp.After(newest) {
		newest = tail.Timestamp
	}
	markRead(c, newest)
	return c.clone(), nil
}

// ApplyBulk merges server summaries. Locally read conversations keep a zero
// unread count, and a newer local preview is never replaced by an older
// server one.
func (tx *Tx) ApplyBulk(summaries []ConversationSummary) {
	s := tx.s
	for _, sum := range summaries {
		id := NormalizeConversationID(sum.Ref)
		if id == "" {
			continue
		}
		c, _ := tx.ensure(id, sum.Ref)
		c.Ref = sum.Ref
		c.DisplayName = sum.DisplayName
		if c.DisplayName == "" {
			c.DisplayName = id
		}
		c.AvatarRef = sum.AvatarRef
		if sum.Kind != "" {
			c.Kind = sum.Kind
		}
		c.Placeholder = false
		c.UnreadCount = overlayUnread(c, sum.UnreadCount)

		if p := sum.LastMessage; p != nil {
			if c.LastMessage == nil || !p.Timestamp.Before(c.LastMessage.Timestamp) {
				cp := *p
				c.LastMessage = &cp
			}
		}
		if sum.Timestamp.After(c.Timestamp) {
			c.Timestamp = sum.Timestamp
		}
	}
	rerank(s.order, s.convs)
}

// Reset forgets every conversation, message, and seen id.
func (tx *Tx) Reset() {
	s := tx.s
	s.convs = make(map[string]*Conversation)
	s.buffers = make(map[string]*Buffer)
	s.order = nil
	s.seen.Reset()
}

func (tx *Tx) ensure(id, ref string) (*Conversation, bool) {
	s := tx.s
	if c, ok := s.convs[id]; ok {
		if c.Ref == "" {
			c.Ref = ref
		}
		return c, false
	}
	if ref == "" {
		ref = id
	}
	c := &Conversation{
		ID:          id,
		Ref:         ref,
		DisplayName: id,
		Kind:        KindFromRef(ref),
		Placeholder: true,
	}
	s.convs[id] = c
	s.order = append(s.order, id)
	return c, true
}

func (tx *Tx) buffer(id string) *Buffer {
	s := tx.s
	buf, ok := s.buffers[id]
	if !ok {
		buf = NewBuffer(s.opts.Window)
		s.buffers[id] = buf
	}
	return buf
}
