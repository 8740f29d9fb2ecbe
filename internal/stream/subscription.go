// ABOUTME: Subscription lifecycle state machine: connect, stream, back off, reconnect, cancel.
// ABOUTME: Every frame is tagged with the subscription's generation so stale frames can be dropped.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/sse"
)

var (
	// ErrStalled is reported when no bytes arrived within the idle timeout.
	ErrStalled = errors.New("stream stalled")

	// ErrStreamEnded is reported when the server closed the stream.
	ErrStreamEnded = errors.New("stream ended")
)

// State is a subscription's lifecycle state.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateStreaming
	StateRetryBackoff
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateRetryBackoff:
		return "retry_backoff"
	case StateCancelled:
		return "cancelled"
	default:
		return "disconnected"
	}
}

// Config tunes reconnection and framing.
type Config struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	// ResetAfter is how long a connection must stay up before the backoff
	// starts over from BaseDelay.
	ResetAfter time.Duration
	// IdleTimeout treats a silent stream as failed. Negative disables it.
	IdleTimeout time.Duration
	// RetryCeiling is the number of consecutive failed connects after which
	// the failure is reported. Retrying continues regardless.
	RetryCeiling int
	MaxFrameSize int
}

// WithDefaults fills unset fields.
func (c Config) WithDefaults() Config {
	if c.BaseDelay <= 0 {
		c.BaseDelay = time.Second
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.ResetAfter <= 0 {
		c.ResetAfter = time.Minute
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 45 * time.Second
	}
	if c.RetryCeiling <= 0 {
		c.RetryCeiling = 5
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = sse.DefaultMaxFrameSize
	}
	return c
}

// Handlers receive a subscription's output. All callbacks run on the
// subscription's goroutine, in order; any may be nil.
type Handlers struct {
	Frame   func(gen uint64, f sse.Frame)
	State   func(gen uint64, st State)
	Failure func(gen uint64, err error)
	Skip    func(gen uint64, err error)
}

// Subscription keeps one topic's stream alive until cancelled.
type Subscription struct {
	source  Source
	topic   Topic
	gen     uint64
	cfg     Config
	h       Handlers
	logger  *slog.Logger
	backoff *backoff

	mu      sync.Mutex
	state   State
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// NewSubscription creates a subscription in the DISCONNECTED state.
func NewSubscription(source Source, topic Topic, gen uint64, cfg Config, h Handlers, logger *slog.Logger) *Subscription {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.WithDefaults()
	return &Subscription{
		source:  source,
		topic:   topic,
		gen:     gen,
		cfg:     cfg,
		h:       h,
		backoff: newBackoff(cfg),
		done:    make(chan struct{}),
		logger: logger.With(
			"component", "subscription",
			"topic", topic.String(),
			"generation", gen,
		),
	}
}

// Topic returns what the subscription streams.
func (s *Subscription) Topic() Topic { return s.topic }

// Generation returns the tag attached to every frame.
func (s *Subscription) Generation() uint64 { return s.gen }

// State returns the current lifecycle state.
func (s *Subscription) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Done is closed when the subscription goroutine exits.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Start launches the subscription goroutine. It is a no-op after the first
// call.
func (s *Subscription) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx)
}

// Cancel stops the subscription and waits for its goroutine to exit.
// CANCELLED is terminal.
func (s *Subscription) Cancel() {
	s.mu.Lock()
	cancel, started := s.cancel, s.started
	s.mu.Unlock()

	if !started {
		s.setState(StateCancelled)
		return
	}
	cancel()
	<-s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)

	failures := 0
	for {
		s.setState(StateConnecting)
		delivered, err := s.connectOnce(ctx)

		if ctx.Err() != nil {
			s.setState(StateCancelled)
			return
		}

		if errors.Is(err, ErrUnauthorized) {
			s.logger.Error("stream credentials rejected", "error", err)
			s.fail(&inbox.PreconditionError{AccountID: s.topic.AccountID, Err: err})
			s.setState(StateDisconnected)
			return
		}

		// A connection that is accepted and then drops before any frame
		// still counts toward the ceiling.
		if delivered {
			failures = 0
		} else {
			failures++
		}
		s.logger.Warn("stream interrupted", "error", err, "consecutive_failures", failures)
		if failures == s.cfg.RetryCeiling {
			s.fail(&inbox.TransportError{
				Op:      "connect",
				Attempt: failures,
				Err:     fmt.Errorf("%w: %w", inbox.ErrRetryCeilingExceeded, err),
			})
		}

		delay := s.backoff.next()
		s.setState(StateRetryBackoff)
		s.logger.Info("reconnecting", "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.setState(StateCancelled)
			return
		case <-timer.C:
		}
	}
}

// connectOnce opens the stream and pumps frames until it fails. delivered
// reports whether at least one frame reached the handlers.
func (s *Subscription) connectOnce(ctx context.Context) (delivered bool, err error) {
	body, err := s.source.Open(ctx, s.topic)
	if err != nil {
		return false, &inbox.TransportError{Op: "connect", Err: err}
	}
	defer body.Close()

	s.backoff.markConnected()
	s.setState(StateStreaming)
	s.logger.Info("stream connected")

	stop := context.AfterFunc(ctx, func() { _ = body.Close() })
	defer stop()

	r := newIdleReader(body, s.cfg.IdleTimeout)
	defer r.stop()

	dec := sse.NewDecoder(r,
		sse.WithMaxFrameSize(s.cfg.MaxFrameSize),
		sse.WithSkipHandler(func(err error) {
			if s.h.Skip != nil {
				s.h.Skip(s.gen, err)
			}
		}),
	)

	for {
		frame, err := dec.Next()
		if err != nil {
			switch {
			case r.stalled.Load():
				err = ErrStalled
			case errors.Is(err, io.EOF):
				err = ErrStreamEnded
			}
			return delivered, &inbox.TransportError{Op: "read", Err: err}
		}
		if ctx.Err() != nil {
			return delivered, ctx.Err()
		}
		if frame.Retry > 0 {
			s.backoff.setBase(time.Duration(frame.Retry) * time.Millisecond)
		}
		delivered = true
		if s.h.Frame != nil {
			s.h.Frame(s.gen, frame)
		}
	}
}

func (s *Subscription) setState(st State) {
	s.mu.Lock()
	if s.state == st || s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.state = st
	s.mu.Unlock()

	s.logger.Debug("subscription state", "state", st.String())
	if s.h.State != nil {
		s.h.State(s.gen, st)
	}
}

func (s *Subscription) fail(err error) {
	if s.h.Failure != nil {
		s.h.Failure(s.gen, err)
	}
}

// idleReader closes the underlying stream when no bytes arrive within the
// timeout, which unblocks the pending read.
type idleReader struct {
	r       io.Reader
	timeout time.Duration
	timer   *time.Timer
	stalled atomic.Bool
}

func newIdleReader(rc io.ReadCloser, timeout time.Duration) *idleReader {
	ir := &idleReader{r: rc, timeout: timeout}
	if timeout > 0 {
		ir.timer = time.AfterFunc(timeout, func() {
			ir.stalled.Store(true)
			_ = rc.Close()
		})
	}
	return ir
}

func (ir *idleReader) Read(p []byte) (int, error) {
	n, err := ir.r.Read(p)
	if n > 0 && ir.timer != nil {
		ir.timer.Reset(ir.timeout)
	}
	return n, err
}

func (ir *idleReader) stop() {
	if ir.timer != nil {
		ir.timer.Stop()
	}
}
