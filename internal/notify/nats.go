// ABOUTME: Publishes gated notifications to NATS for out-of-process consumers
// ABOUTME: One subject per account: <subject>.<account_id>

package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/2389/inbox-sync/internal/inbox"
)

// DefaultSubject is the subject prefix when none is configured.
const DefaultSubject = "inbox.notifications"

// ErrClosed is returned when publishing on a closed publisher.
var ErrClosed = errors.New("notify: publisher closed")

// Notifier receives every notification the gate lets through.
type Notifier interface {
	Notify(ctx context.Context, n inbox.Notification) error
}

// Config configures the NATS connection.
type Config struct {
	URL           string
	Subject       string
	MaxReconnects int
	ReconnectWait time.Duration
}

// Publisher sends notifications as JSON over NATS.
type Publisher struct {
	conn    *nats.Conn
	subject string
	logger  *slog.Logger
}

// Connect dials NATS with reconnect handling and returns a Publisher.
func Connect(cfg Config, logger *slog.Logger) (*Publisher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "notify")

	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = -1
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = 2 * time.Second
	}

	opts := []nats.Option{
		nats.Name("inbox-sync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("disconnected from nats", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected to nats", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Info("nats connection closed")
		}),
		nats.Timeout(10 * time.Second),
	}

	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return NewPublisher(conn, cfg.Subject, logger), nil
}

// NewPublisher wraps an existing connection.
func NewPublisher(conn *nats.Conn, subject string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{conn: conn, subject: subject, logger: logger}
}

// Subject returns the subject a notification for accountID is published on.
func (p *Publisher) Subject(accountID string) string {
	return Subject(p.subject, accountID)
}

// Subject joins prefix and account id into a NATS subject. Characters NATS
// treats as separators or wildcards are replaced in the account id.
func Subject(prefix, accountID string) string {
	token := strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(accountID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

// Notify publishes n. It does not wait for the server to acknowledge.
func (p *Publisher) Notify(ctx context.Context, n inbox.Notification) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.conn == nil || p.conn.IsClosed() {
		return ErrClosed
	}

	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding notification: %w", err)
	}

	subject := p.Subject(n.AccountID)
	if err := p.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publishing notification: %w", err)
	}

	p.logger.Debug("published notification",
		"subject", subject,
		"conversation_id", n.ConversationID,
		"message_id", n.MessageID)
	return nil
}

// Connected reports whether the connection is currently up.
func (p *Publisher) Connected() bool {
	return p.conn != nil && p.conn.IsConnected()
}

// Close drains pending publishes and closes the connection.
func (p *Publisher) Close() error {
	if p.conn == nil || p.conn.IsClosed() {
		return nil
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
		return fmt.Errorf("draining nats connection: %w", err)
	}
	return nil
}

// Func adapts a function to Notifier.
type Func func(ctx context.Context, n inbox.Notification) error

func (f Func) Notify(ctx context.Context, n inbox.Notification) error { return f(ctx, n) }
