// ABOUTME: Sync engine owning the session state, the two stream slots, and the refresh loop
// ABOUTME: Host-facing entry point: watch an account, open a conversation, read, mark read

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/metrics"
	"github.com/2389/inbox-sync/internal/store"
	"github.com/2389/inbox-sync/internal/stream"
)

// BulkFetcher loads conversation lists and message history.
type BulkFetcher interface {
	GetConversations(ctx context.Context, accountID, search string, limit, offset int) ([]inbox.ConversationSummary, error)
	// GetMessages pages a conversation's history. conversationID is the
	// backend's raw conversation reference.
	GetMessages(ctx context.Context, accountID, conversationID string, limit, offset int) ([]inbox.Message, error)
}

// ReadMarker propagates a local read mark to the backend.
type ReadMarker interface {
	MarkConversationRead(ctx context.Context, accountID, conversationID string, kind inbox.Kind) error
}

// AccountResolver maps the host's account id to the backend's.
type AccountResolver interface {
	ResolveInternalAccountID(ctx context.Context, externalAccountID string) (string, bool, error)
}

// Notifier receives notifications that passed the gate.
type Notifier interface {
	Notify(ctx context.Context, n inbox.Notification) error
}

// Slot names one of the two live subscriptions.
type Slot string

const (
	SlotList         Slot = "list"
	SlotConversation Slot = "conversation"
)

var streamStates = []string{
	stream.StateDisconnected.String(),
	stream.StateConnecting.String(),
	stream.StateStreaming.String(),
	stream.StateRetryBackoff.String(),
	stream.StateCancelled.String(),
}

// Options wires the engine's collaborators. Source, Fetcher, Marker, and
// Resolver are required; everything else is optional.
type Options struct {
	Source   stream.Source
	Fetcher  BulkFetcher
	Marker   ReadMarker
	Resolver AccountResolver

	// Credentials, when set, is checked before an account is watched. A
	// failure aborts the watch with a PreconditionError.
	Credentials func() error

	Snapshots   store.SnapshotStore
	Notifier    Notifier
	Broadcaster *conversation.Broadcaster
	Metrics     *metrics.Metrics

	// OnNotify is called for every notification, after Notifier.
	OnNotify func(inbox.Notification)
	// OnFailure is called for failures that reach the host: rejected
	// credentials and the retry ceiling.
	OnFailure func(Slot, error)

	Stream stream.Config
	Inbox  inbox.Options

	ConversationPageSize int
	MessagePageSize      int
	// RefreshInterval is the minimum spacing of signal-driven refreshes.
	RefreshInterval time.Duration
	RefreshBurst    int

	Logger *slog.Logger
}

// session is the watched account and open conversation. It is only read
// and written inside state.View/state.Update callbacks, so the generation
// check and the mutation it guards share one lock.
type session struct {
	external string
	account  string
	listGen  uint64
	convGen  uint64
	openID   string
	openRef  string
}

// Engine keeps one account's conversations in sync.
type Engine struct {
	opts    Options
	state   *inbox.State
	logger  *slog.Logger
	limiter *rate.Limiter

	sess session

	gens    atomic.Uint64
	focused atomic.Bool

	refreshCh chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	// watchMu serializes WatchAccount, OpenConversation, and
	// CloseConversation so slot swaps do not interleave.
	watchMu sync.Mutex

	mu         sync.Mutex
	subs       map[Slot]*stream.Subscription
	slotStates map[Slot]stream.State
	lastErr    error
	started    bool
	stopped    bool
	loopDone   chan struct{}
}

// New creates an engine. Call Start to run the refresh loop.
func New(opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ConversationPageSize <= 0 {
		opts.ConversationPageSize = 50
	}
	if opts.MessagePageSize <= 0 {
		opts.MessagePageSize = 50
	}
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = 2 * time.Second
	}
	if opts.RefreshBurst <= 0 {
		opts.RefreshBurst = 1
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &Engine{
		opts:       opts,
		state:      inbox.NewState(opts.Inbox),
		logger:     opts.Logger.With("component", "engine"),
		limiter:    rate.NewLimiter(rate.Every(opts.RefreshInterval), opts.RefreshBurst),
		refreshCh:  make(chan struct{}, 1),
		runCtx:     runCtx,
		runCancel:  cancel,
		subs:       make(map[Slot]*stream.Subscription),
		slotStates: make(map[Slot]stream.State),
		loopDone:   make(chan struct{}),
	}
}

// Start runs the refresh loop until ctx is done or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	if e.started || e.stopped {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	go func() {
		defer close(e.loopDone)
		e.refreshLoop(ctx)
	}()
}

// Stop cancels both subscriptions, stops the refresh loop, and saves a
// final snapshot. The engine cannot be restarted.
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	started := e.started
	subs := e.takeSubs(SlotList, SlotConversation)
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	e.runCancel()
	if started {
		<-e.loopDone
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	e.saveSnapshot(ctx)

	e.state.Close()
	e.logger.Info("engine stopped")
}

// takeSubs detaches the subscriptions in slots. Callers hold e.mu and must
// Cancel the returned subscriptions after releasing it.
func (e *Engine) takeSubs(slots ...Slot) []*stream.Subscription {
	var out []*stream.Subscription
	for _, slot := range slots {
		if sub := e.subs[slot]; sub != nil {
			out = append(out, sub)
			delete(e.subs, slot)
		}
	}
	return out
}

// Conversations returns the ranked conversation list.
func (e *Engine) Conversations() []inbox.Conversation {
	return e.state.Conversations()
}

// Conversation returns one conversation.
func (e *Engine) Conversation(id string) (inbox.Conversation, bool) {
	return e.state.Conversation(id)
}

// Messages returns a conversation's buffered messages, oldest first.
func (e *Engine) Messages(id string) []inbox.Message {
	return e.state.Messages(id)
}

// Snapshot copies the current session state.
func (e *Engine) Snapshot() inbox.Snapshot {
	return e.state.Snapshot()
}

// Restore replaces the session state with snap. Live streams keep running
// and dedupe against the restored ids.
func (e *Engine) Restore(snap inbox.Snapshot) {
	e.state.Restore(snap)
	e.publish(&conversation.Change{Type: conversation.ChangeReset, AccountID: e.accountID()})
	e.opts.Metrics.SetUnread(e.state.UnreadTotal())
}

// SlotStatus describes one subscription slot.
type SlotStatus struct {
	State      string `json:"state"`
	Generation uint64 `json:"generation"`
	Topic      string `json:"topic,omitempty"`
}

// Status is a point-in-time view of the engine for hosts.
type Status struct {
	ExternalAccountID string              `json:"external_account_id,omitempty"`
	AccountID         string              `json:"account_id,omitempty"`
	OpenConversation  string              `json:"open_conversation,omitempty"`
	Focused           bool                `json:"focused"`
	Reconnecting      bool                `json:"reconnecting"`
	Slots             map[Slot]SlotStatus `json:"slots"`
	UnreadTotal       int                 `json:"unread_total"`
	Conversations     int                 `json:"conversations"`
	LastError         string              `json:"last_error,omitempty"`
}

// Status reports the watched account, slot states, and totals.
func (e *Engine) Status() Status {
	var sess session
	var convs int
	e.state.View(func(v *inbox.View) {
		sess = e.sess
		convs = len(v.Conversations())
	})

	st := Status{
		ExternalAccountID: sess.external,
		AccountID:         sess.account,
		OpenConversation:  sess.openID,
		Focused:           e.focused.Load(),
		Slots:             make(map[Slot]SlotStatus, 2),
		UnreadTotal:       e.state.UnreadTotal(),
		Conversations:     convs,
	}

	e.mu.Lock()
	for _, slot := range []Slot{SlotList, SlotConversation} {
		ss := SlotStatus{State: stream.StateDisconnected.String()}
		if s, ok := e.slotStates[slot]; ok {
			ss.State = s.String()
		}
		if sub := e.subs[slot]; sub != nil {
			ss.Generation = sub.Generation()
			ss.Topic = sub.Topic().String()
		}
		if ss.State == stream.StateRetryBackoff.String() {
			st.Reconnecting = true
		}
		st.Slots[slot] = ss
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	e.mu.Unlock()

	return st
}

// SetFocused records whether the host is showing the open conversation to
// the user. Notifications are suppressed for it while focused.
func (e *Engine) SetFocused(focused bool) {
	e.focused.Store(focused)
	e.logger.Debug("focus changed", "focused", focused)
}

func (e *Engine) accountID() string {
	var id string
	e.state.View(func(*inbox.View) { id = e.sess.account })
	return id
}

// current reports whether gen is the live generation of slot. It must be
// called inside a state.View or state.Update callback.
func (e *Engine) current(slot Slot, gen uint64) bool {
	switch slot {
	case SlotList:
		return gen != 0 && e.sess.listGen == gen
	case SlotConversation:
		return gen != 0 && e.sess.convGen == gen
	}
	return false
}

func (e *Engine) publish(c *conversation.Change) {
	if e.opts.Broadcaster != nil {
		e.opts.Broadcaster.Publish(c, "")
	}
}
