// ABOUTME: Bounded TTL memory of message ids already applied per conversation.
// ABOUTME: Keeps rejecting retransmissions after a message left the visible window.

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      key
	markedAt time.Time
}

type key struct {
	scope string
	id    string
}

// Cache remembers (scope, id) pairs for a limited time and up to a maximum
// count. The oldest pair is evicted first when the cache is full.
type Cache struct {
	mu      sync.Mutex
	entries map[key]*list.Element
	order   *list.List // oldest at front
	scopes  map[string]int
	ttl     time.Duration
	maxSize int
	now     func() time.Time
	sweep   time.Duration
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithSweepInterval starts a background goroutine that drops expired
// entries at the given interval. Without it expiry is lazy.
func WithSweepInterval(d time.Duration) Option {
	return func(c *Cache) {
		c.sweep = d
	}
}

// New creates a cache with the given TTL and maximum size.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize <= 0 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[key]*list.Element),
		order:   list.New(),
		scopes:  make(map[string]int),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweep > 0 {
		go c.sweepLoop(c.sweep)
	}
	return c
}

// Seen reports whether id was marked in scope and has not expired.
func (c *Cache) Seen(scope, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key{scope, id}]
	if !ok {
		return false
	}
	if c.expired(elem.Value.(*entry)) {
		c.removeLocked(elem)
		return false
	}
	return true
}

// CheckAndMark marks id in scope and reports whether it was already there.
func (c *Cache) CheckAndMark(scope, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key{scope, id}
	if elem, ok := c.entries[k]; ok && !c.expired(elem.Value.(*entry)) {
		return true
	}
	c.markLocked(k)
	return false
}

// Mark records id in scope, refreshing its age if already present.
func (c *Cache) Mark(scope, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markLocked(key{scope, id})
}

// Forget removes a single id.
func (c *Cache) Forget(scope, id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key{scope, id}]; ok {
		c.removeLocked(elem)
	}
}

// ForgetScope removes every id recorded under scope.
func (c *Cache) ForgetScope(scope string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.scopes[scope] == 0 {
		return
	}
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if elem.Value.(*entry).key.scope == scope {
			c.removeLocked(elem)
		}
		elem = next
	}
}

// Reset drops every entry.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[key]*list.Element)
	c.order.Init()
	c.scopes = make(map[string]int)
}

// Len returns the number of entries, including expired ones not yet swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Sweep removes every expired entry.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Entries are ordered by mark time, so expiry stops at the first live one.
	for elem := c.order.Front(); elem != nil; {
		if !c.expired(elem.Value.(*entry)) {
			return
		}
		next := elem.Next()
		c.removeLocked(elem)
		elem = next
	}
}

// Close stops the sweep goroutine. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}

func (c *Cache) markLocked(k key) {
	now := c.now()

	if elem, ok := c.entries[k]; ok {
		elem.Value.(*entry).markedAt = now
		c.order.MoveToBack(elem)
		return
	}

	if c.order.Len() >= c.maxSize {
		if front := c.order.Front(); front != nil {
			c.removeLocked(front)
		}
	}

	c.entries[k] = c.order.PushBack(&entry{key: k, markedAt: now})
	c.scopes[k.scope]++
}

func (c *Cache) removeLocked(elem *list.Element) {
	e := elem.Value.(*entry)
	c.order.Remove(elem)
	delete(c.entries, e.key)
	if c.scopes[e.key.scope]--; c.scopes[e.key.scope] <= 0 {
		delete(c.scopes, e.key.scope)
	}
}

func (c *Cache) expired(e *entry) bool {
	return c.ttl > 0 && c.now().Sub(e.markedAt) >= c.ttl
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}
