// ABOUTME: In-memory fan-out of inbox changes to host subscribers
// ABOUTME: Subscribers follow one conversation or every conversation of the session

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/inbox-sync/internal/inbox"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllConversations subscribes to changes of every conversation.
	AllConversations = "*"
)

// ChangeType names what changed.
type ChangeType string

const (
	ChangeConversation   ChangeType = "conversation.updated"
	ChangeMessage        ChangeType = "message.upserted"
	ChangeMessageDeleted ChangeType = "message.deleted"
	ChangeRead           ChangeType = "conversation.read"
	ChangeNotification   ChangeType = "notification"
	ChangeConnection     ChangeType = "connection.state"
	ChangeReset          ChangeType = "session.reset"
)

// Change is one event pushed to host subscribers.
type Change struct {
	ID             string              `json:"id"`
	Type           ChangeType          `json:"type"`
	AccountID      string              `json:"account_id,omitempty"`
	ConversationID string              `json:"conversation_id,omitempty"`
	MessageID      string              `json:"message_id,omitempty"`
	Conversation   *inbox.Conversation `json:"conversation,omitempty"`
	Message        *inbox.Message      `json:"message,omitempty"`
	Notification   *inbox.Notification `json:"notification,omitempty"`
	Slot           string              `json:"slot,omitempty"`
	State          string              `json:"state,omitempty"`
	Error          string              `json:"error,omitempty"`
	At             time.Time           `json:"at"`
}

// Broadcaster provides in-memory pub/sub for inbox changes. Subscribers
// register for a conversation id, or AllConversations, and receive changes
// as the engine applies them.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Change // key -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan *Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber for changes under key. The returned
// channel is closed when ctx is cancelled or the broadcaster closes.
func (b *Broadcaster) Subscribe(ctx context.Context, key string) (<-chan *Change, string) {
	subID := uuid.New().String()
	ch := make(chan *Change, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[key]; !ok {
		b.subscribers[key] = make(map[string]chan *Change)
	}
	b.subscribers[key][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "key", key, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(key, subID)
	}()

	return ch, subID
}

// Publish delivers change to subscribers of its conversation and to
// AllConversations subscribers. excludeSubID, if set, is skipped.
// Slow subscribers lose changes instead of blocking the publisher.
func (b *Broadcaster) Publish(change *Change, excludeSubID string) {
	if change.ID == "" {
		change.ID = uuid.New().String()
	}
	if change.At.IsZero() {
		change.At = time.Now().UTC()
	}

	b.mu.RLock()
	var targets []chan *Change
	for _, key := range keysFor(change) {
		for id, ch := range b.subscribers[key] {
			if excludeSubID != "" && id == excludeSubID {
				continue
			}
			targets = append(targets, ch)
		}
	}
	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send.
	for _, ch := range targets {
		select {
		case ch <- change:
		default:
			b.logger.Debug("dropped change for slow subscriber",
				"change_type", string(change.Type),
				"conversation_id", change.ConversationID)
		}
	}
	b.mu.RUnlock()
}

func keysFor(change *Change) []string {
	if change.ConversationID == "" {
		return []string{AllConversations}
	}
	return []string{change.ConversationID, AllConversations}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(key, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[key]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, key)
	}

	b.logger.Debug("subscriber removed", "key", key, "sub_id", subID)
}

// SubscriberCount returns the number of live subscriptions.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subs := range b.subscribers {
		n += len(subs)
	}
	return n
}

// Close closes every subscriber channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, key)
	}

	b.logger.Debug("broadcaster closed")
}
