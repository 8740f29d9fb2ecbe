// ABOUTME: Tests for the sync engine against scripted streams and fake backend collaborators.
// ABOUTME: Covers account switching, stale generations, notifications, read marking, and snapshots.

package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/sse"
	"github.com/2389/inbox-sync/internal/store"
	"github.com/2389/inbox-sync/internal/stream"
)

// pipeSource hands out one pipe per Open and lets tests write frames to the
// latest pipe of a topic.
type pipeSource struct {
	mu      sync.Mutex
	writers map[string]*io.PipeWriter
	opened  []stream.Topic
}

func newPipeSource() *pipeSource {
	return &pipeSource{writers: make(map[string]*io.PipeWriter)}
}

func (s *pipeSource) Open(ctx context.Context, topic stream.Topic) (io.ReadCloser, error) {
	pr, pw := io.Pipe()
	s.mu.Lock()
	s.writers[topic.String()] = pw
	s.opened = append(s.opened, topic)
	s.mu.Unlock()
	return pr, nil
}

func (s *pipeSource) topics() []stream.Topic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Topic(nil), s.opened...)
}

func (s *pipeSource) send(t *testing.T, topic stream.Topic, payload string) {
	t.Helper()
	var w *io.PipeWriter
	require.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		w = s.writers[topic.String()]
		return w != nil
	}, time.Second, time.Millisecond, "topic %s never opened", topic)
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	require.NoError(t, err)
}

type fakeBackend struct {
	mu        sync.Mutex
	summaries map[string][]inbox.ConversationSummary
	history   map[string][]inbox.Message
	listErr   error
	markErr   error
	listCalls int
	searches  []string
	marked    []string
	accounts  map[string]string

	// duringHistory runs once while a history page is in flight.
	duringHistory func()
}

func (b *fakeBackend) GetConversations(ctx context.Context, accountID, search string, limit, offset int) ([]inbox.ConversationSummary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listCalls++
	b.searches = append(b.searches, search)
	if b.listErr != nil {
		return nil, b.listErr
	}
	return b.summaries[accountID], nil
}

func (b *fakeBackend) GetMessages(ctx context.Context, accountID, conversationRef string, limit, offset int) ([]inbox.Message, error) {
	b.mu.Lock()
	hook := b.duringHistory
	b.duringHistory = nil
	msgs := b.history[conversationRef]
	b.mu.Unlock()

	if hook != nil {
		hook()
	}
	return msgs, nil
}

func (b *fakeBackend) MarkConversationRead(ctx context.Context, accountID, conversationRef string, kind inbox.Kind) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marked = append(b.marked, accountID+"/"+conversationRef+"/"+string(kind))
	return b.markErr
}

func (b *fakeBackend) ResolveInternalAccountID(ctx context.Context, external string) (string, bool, error) {
	id, ok := b.accounts[external]
	return id, ok, nil
}

func (b *fakeBackend) calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.listCalls
}

type notifications struct {
	mu  sync.Mutex
	got []inbox.Notification
}

func (n *notifications) add(x inbox.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, x)
}

func (n *notifications) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.got)
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newBackend() *fakeBackend {
	return &fakeBackend{
		accounts: map[string]string{"ext-1": "inst-1", "ext-2": "inst-2"},
		summaries: map[string][]inbox.ConversationSummary{
			"inst-1": {
				{Ref: "5511@c.us", DisplayName: "Ana", Kind: inbox.KindIndividual, UnreadCount: 2, Timestamp: t0},
				{Ref: "9900@g.us", DisplayName: "Family", Kind: inbox.KindGroup, Timestamp: t0.Add(-time.Hour)},
			},
			"inst-2": {
				{Ref: "7777@c.us", DisplayName: "Bo", Kind: inbox.KindIndividual, Timestamp: t0},
			},
		},
		history: map[string][]inbox.Message{
			"5511@c.us": {
				{ID: "h1", ConversationID: "5511", SenderName: "Ana", Direction: inbox.DirectionInbound, Timestamp: t0.Add(-2 * time.Minute)},
				{ID: "h2", ConversationID: "5511", SenderName: "You", Direction: inbox.DirectionOutbound, Timestamp: t0.Add(-time.Minute)},
			},
		},
	}
}

type harness struct {
	engine  *Engine
	source  *pipeSource
	backend *fakeBackend
	store   *store.MockStore
	notes   *notifications
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		source:  newPipeSource(),
		backend: newBackend(),
		store:   store.NewMockStore(),
		notes:   &notifications{},
	}
	h.engine = New(Options{
		Source:          h.source,
		Fetcher:         h.backend,
		Marker:          h.backend,
		Resolver:        h.backend,
		Snapshots:       h.store,
		Broadcaster:     conversation.NewBroadcaster(nil),
		OnNotify:        h.notes.add,
		Stream:          stream.Config{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, IdleTimeout: -1},
		RefreshInterval: time.Millisecond,
	})
	t.Cleanup(h.engine.Stop)
	return h
}

func inboundPayload(id, chat string, ts time.Time) string {
	return fmt.Sprintf(`{"type":"message","id":%q,"chatId":%q,"fromMe":false,"senderName":"Ana","body":"hello","timestamp":%d}`,
		id, chat, ts.Unix())
}

func TestEngine_WatchAccountLoadsConversations(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	convs := h.engine.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "5511", convs[0].ID)
	assert.Equal(t, "Ana", convs[0].DisplayName)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.Equal(t, inbox.KindGroup, convs[1].Kind)

	st := h.engine.Status()
	assert.Equal(t, "ext-1", st.ExternalAccountID)
	assert.Equal(t, "inst-1", st.AccountID)
	assert.Equal(t, 2, st.UnreadTotal)
	assert.NotZero(t, st.Slots[SlotList].Generation)
	assert.Equal(t, "inst-1/*", st.Slots[SlotList].Topic)

	require.Eventually(t, func() bool { return len(h.source.topics()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, stream.Topic{AccountID: "inst-1"}, h.source.topics()[0])
}

func TestEngine_WatchAccountPreconditions(t *testing.T) {
	h := newHarness(t)

	err := h.engine.WatchAccount(t.Context(), "ext-unknown")
	var perr *inbox.PreconditionError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, inbox.ErrAccountUnmapped)
	assert.Equal(t, "ext-unknown", perr.AccountID)

	denied := errors.New("token expired")
	h.engine.opts.Credentials = func() error { return denied }
	err = h.engine.WatchAccount(t.Context(), "ext-1")
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, denied)

	assert.Empty(t, h.engine.Conversations())
	assert.Empty(t, h.source.topics())
}

func TestEngine_OperationsWithoutAccount(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.engine.Refresh(t.Context(), ""), inbox.ErrNoAccount)
	assert.ErrorIs(t, h.engine.MarkRead(t.Context(), "5511"), inbox.ErrNoAccount)
	assert.ErrorIs(t, h.engine.OpenConversation(t.Context(), "5511"), inbox.ErrNoAccount)
	_, err := h.engine.LoadMessages(t.Context(), "5511")
	assert.ErrorIs(t, err, inbox.ErrNoAccount)
}

func TestEngine_LiveMessageNotifies(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	changes, _ := h.engine.opts.Broadcaster.Subscribe(t.Context(), "5511")

	h.source.send(t, stream.Topic{AccountID: "inst-1"}, inboundPayload("m1", "5511@c.us", t0.Add(time.Minute)))

	require.Eventually(t, func() bool { return h.notes.count() == 1 }, time.Second, time.Millisecond)
	c, ok := h.engine.Conversation("5511")
	require.True(t, ok)
	assert.Equal(t, 3, c.UnreadCount)
	assert.Equal(t, "m1", c.LastMessage.MessageID)

	h.notes.mu.Lock()
	n := h.notes.got[0]
	h.notes.mu.Unlock()
	assert.Equal(t, "inst-1", n.AccountID)
	assert.Equal(t, "Ana", n.ConversationName)
	assert.Equal(t, "hello", n.Preview)

	var types []conversation.ChangeType
	require.Eventually(t, func() bool {
		for {
			select {
			case ch := <-changes:
				types = append(types, ch.Type)
			default:
				return len(types) >= 3
			}
		}
	}, time.Second, time.Millisecond)
	assert.Contains(t, types, conversation.ChangeMessage)
	assert.Contains(t, types, conversation.ChangeNotification)
}

func TestEngine_DuplicateFrameIsIgnored(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	list := stream.Topic{AccountID: "inst-1"}
	h.source.send(t, list, inboundPayload("m1", "5511@c.us", t0.Add(time.Minute)))
	h.source.send(t, list, inboundPayload("m1", "5511@c.us", t0.Add(time.Minute)))
	h.source.send(t, list, inboundPayload("m2", "5511@c.us", t0.Add(2*time.Minute)))

	require.Eventually(t, func() bool { return len(h.engine.Messages("5511")) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 2, h.notes.count())
	c, _ := h.engine.Conversation("5511")
	assert.Equal(t, 4, c.UnreadCount)
}

func TestEngine_FocusedConversationDoesNotNotify(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	require.NoError(t, h.engine.OpenConversation(t.Context(), "5511"))
	h.engine.SetFocused(true)

	h.source.send(t, stream.Topic{AccountID: "inst-1", ConversationRef: "5511@c.us"},
		`{"type":"message","id":"m1","fromMe":false,"body":"in view","timestamp":1772366460}`)
	// A different conversation still alerts while the open one is focused.
	h.source.send(t, stream.Topic{AccountID: "inst-1"}, inboundPayload("m2", "9900@g.us", t0.Add(time.Minute)))

	require.Eventually(t, func() bool { return h.notes.count() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool {
		for _, m := range h.engine.Messages("5511") {
			if m.ID == "m1" {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	h.notes.mu.Lock()
	defer h.notes.mu.Unlock()
	assert.Equal(t, "9900", h.notes.got[0].ConversationID)
}

func TestEngine_StaleGenerationIsDropped(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	oldGen := h.engine.Status().Slots[SlotList].Generation

	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-2"))

	h.engine.handleFrame(SlotList, oldGen, sse.Frame{Data: inboundPayload("late", "5511@c.us", t0)})

	_, ok := h.engine.Conversation("5511")
	assert.False(t, ok, "frame from the replaced account leaked into the new session")
	assert.Zero(t, h.notes.count())

	convs := h.engine.Conversations()
	require.Len(t, convs, 1)
	assert.Equal(t, "7777", convs[0].ID)
}

func TestEngine_UnknownConversationRequestsRefresh(t *testing.T) {
	h := newHarness(t)
	h.engine.Start(t.Context())
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	before := h.backend.calls()

	h.source.send(t, stream.Topic{AccountID: "inst-1"}, inboundPayload("m1", "4242@c.us", t0.Add(time.Minute)))

	require.Eventually(t, func() bool { return h.backend.calls() > before }, time.Second, time.Millisecond)
	c, ok := h.engine.Conversation("4242")
	require.True(t, ok)
	assert.True(t, c.Placeholder)
}

func TestEngine_RefreshRequestsCoalesce(t *testing.T) {
	h := newHarness(t)
	h.engine.limiter.SetLimit(20)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	before := h.backend.calls()

	for range 20 {
		h.engine.RequestRefresh()
	}
	h.engine.Start(t.Context())

	require.Eventually(t, func() bool { return h.backend.calls() > before }, time.Second, time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before+1, h.backend.calls())
}

func TestEngine_RefreshSearchAndFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	require.NoError(t, h.engine.Refresh(t.Context(), "ana"))
	h.backend.mu.Lock()
	assert.Equal(t, "ana", h.backend.searches[len(h.backend.searches)-1])
	h.backend.listErr = errors.New("502 bad gateway")
	h.backend.mu.Unlock()

	err := h.engine.Refresh(t.Context(), "")
	var terr *inbox.TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "refresh", terr.Op)
	assert.Len(t, h.engine.Conversations(), 2, "failed refresh must not clear state")
}

func TestEngine_MarkRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	require.NoError(t, h.engine.MarkRead(t.Context(), "5511"))

	c, _ := h.engine.Conversation("5511")
	assert.Zero(t, c.UnreadCount)
	assert.True(t, c.LocallyRead)
	assert.Equal(t, []string{"inst-1/5511@c.us/individual"}, h.backend.marked)

	// A refresh reporting the old server count does not undo the read.
	require.NoError(t, h.engine.Refresh(t.Context(), ""))
	c, _ = h.engine.Conversation("5511")
	assert.Zero(t, c.UnreadCount)
}

func TestEngine_MarkReadSideEffectFailureKeepsLocalRead(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	h.backend.markErr = errors.New("backend down")

	err := h.engine.MarkRead(t.Context(), "5511")
	var serr *inbox.SideEffectError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "5511", serr.ConversationID)

	c, _ := h.engine.Conversation("5511")
	assert.Zero(t, c.UnreadCount)

	assert.ErrorIs(t, h.engine.MarkRead(t.Context(), "nope"), inbox.ErrUnknownConversation)
}

func TestEngine_OpenConversationLoadsHistory(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	assert.ErrorIs(t, h.engine.OpenConversation(t.Context(), "nope"), inbox.ErrUnknownConversation)

	require.NoError(t, h.engine.OpenConversation(t.Context(), "5511"))
	msgs := h.engine.Messages("5511")
	require.Len(t, msgs, 2)
	assert.Equal(t, "h1", msgs[0].ID)

	c, _ := h.engine.Conversation("5511")
	assert.Equal(t, 2, c.UnreadCount, "history does not count toward unread")

	st := h.engine.Status()
	assert.Equal(t, "5511", st.OpenConversation)
	assert.Equal(t, "inst-1/5511@c.us", st.Slots[SlotConversation].Topic)

	n, err := h.engine.LoadMessages(t.Context(), "5511")
	require.NoError(t, err)
	assert.Zero(t, n)

	convGen := st.Slots[SlotConversation].Generation
	h.engine.CloseConversation()
	assert.Empty(t, h.engine.OpenConversationID())

	h.engine.handleFrame(SlotConversation, convGen, sse.Frame{Data: inboundPayload("late", "5511@c.us", t0)})
	assert.Len(t, h.engine.Messages("5511"), 2)
}

func TestEngine_HistoryFromReplacedSessionIsDiscarded(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	// The account switches away and back while the page is in flight.
	h.backend.duringHistory = func() {
		require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-2"))
		require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	}

	n, err := h.engine.LoadMessages(t.Context(), "5511")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, h.engine.Messages("5511"))

	n, err = h.engine.LoadMessages(t.Context(), "5511")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestEngine_SnapshotWarmStart(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	h.source.send(t, stream.Topic{AccountID: "inst-1"}, inboundPayload("m1", "5511@c.us", t0.Add(time.Minute)))
	require.Eventually(t, func() bool { return len(h.engine.Messages("5511")) == 1 }, time.Second, time.Millisecond)
	h.engine.Stop()

	snap, err := h.store.Load(t.Context(), "inst-1")
	require.NoError(t, err)
	assert.Len(t, snap.Conversations, 2)

	// A second engine starts from the snapshot and does not re-accept m1.
	h.backend.listErr = errors.New("offline")
	h2 := newHarness(t)
	h2.store, h2.backend = h.store, h.backend
	h2.engine.opts.Snapshots, h2.engine.opts.Fetcher, h2.engine.opts.Resolver = h.store, h.backend, h.backend

	err = h2.engine.WatchAccount(t.Context(), "ext-1")
	var terr *inbox.TransportError
	require.ErrorAs(t, err, &terr, "initial refresh failure is reported")

	convs := h2.engine.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "m1", convs[0].LastMessage.MessageID)

	h2.engine.handleFrame(SlotList, h2.engine.Status().Slots[SlotList].Generation,
		sse.Frame{Data: inboundPayload("m1", "5511@c.us", t0.Add(time.Minute))})
	assert.Len(t, h2.engine.Messages("5511"), 1)
	assert.Zero(t, h2.notes.count())
}

func TestEngine_DeleteFrame(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))
	gen := h.engine.Status().Slots[SlotList].Generation

	h.engine.handleFrame(SlotList, gen, sse.Frame{Data: inboundPayload("m1", "5511@c.us", t0.Add(time.Minute))})
	h.engine.handleFrame(SlotList, gen, sse.Frame{Data: inboundPayload("m2", "5511@c.us", t0.Add(2*time.Minute))})
	h.engine.handleFrame(SlotList, gen, sse.Frame{Data: `{"type":"message.revoked","id":"m2","chatId":"5511@c.us"}`})

	msgs := h.engine.Messages("5511")
	require.Len(t, msgs, 1)
	c, _ := h.engine.Conversation("5511")
	assert.Equal(t, "m1", c.LastMessage.MessageID)

	h.engine.handleFrame(SlotList, gen, sse.Frame{Data: inboundPayload("m2", "5511@c.us", t0.Add(2*time.Minute))})
	assert.Len(t, h.engine.Messages("5511"), 1, "deleted message came back")
}

func TestEngine_StopIsIdempotent(t *testing.T) {
	h := newHarness(t)
	h.engine.Start(t.Context())
	require.NoError(t, h.engine.WatchAccount(t.Context(), "ext-1"))

	h.engine.Stop()
	h.engine.Stop()
	assert.ErrorIs(t, h.engine.WatchAccount(t.Context(), "ext-2"), ErrStopped)
}
