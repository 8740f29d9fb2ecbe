// ABOUTME: Raw event sources: an authenticated HTTP event stream per account or conversation.
// ABOUTME: Sources only yield bytes; framing and retry live in the decoder and Subscription.

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

var (
	// ErrUnauthorized is returned when the server rejects the credential.
	// Subscriptions stop instead of retrying.
	ErrUnauthorized = errors.New("stream rejected credentials")

	// ErrUnexpectedStatus wraps any other non-200 response.
	ErrUnexpectedStatus = errors.New("unexpected stream status")
)

// Topic selects what a stream carries: the account's conversation list or,
// when ConversationRef is set, a single conversation.
type Topic struct {
	AccountID       string
	ConversationRef string
}

func (t Topic) String() string {
	if t.ConversationRef == "" {
		return t.AccountID + "/*"
	}
	return t.AccountID + "/" + t.ConversationRef
}

// Source opens a cancellable byte stream for a topic.
type Source interface {
	Open(ctx context.Context, topic Topic) (io.ReadCloser, error)
}

// TokenFunc returns the bearer credential for a request.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPSource opens server-sent event streams over HTTP.
type HTTPSource struct {
	// BaseURL is the API root, e.g. https://api.example.com.
	BaseURL string
	// ListPath and ConversationPath are templates with {account} and
	// {conversation} placeholders.
	ListPath         string
	ConversationPath string
	Token            TokenFunc
	Client           *http.Client
}

// Open issues the streaming GET and returns the body once headers arrive.
func (s *HTTPSource) Open(ctx context.Context, topic Topic) (io.ReadCloser, error) {
	u, err := s.url(topic)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connecting stream: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	default:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnexpectedStatus, resp.StatusCode)
	}
}

func (s *HTTPSource) url(topic Topic) (string, error) {
	tmpl := s.ListPath
	if topic.ConversationRef != "" {
		tmpl = s.ConversationPath
	}
	if tmpl == "" {
		return "", fmt.Errorf("no stream path configured for topic %s", topic)
	}
	path := ExpandPath(tmpl, topic)
	base := strings.TrimSuffix(s.BaseURL, "/")
	if _, err := url.Parse(base + path); err != nil {
		return "", fmt.Errorf("building stream url: %w", err)
	}
	return base + path, nil
}

// ExpandPath fills the {account} and {conversation} placeholders of tmpl,
// escaping each as a path segment.
func ExpandPath(tmpl string, topic Topic) string {
	return strings.NewReplacer(
		"{account}", url.PathEscape(topic.AccountID),
		"{conversation}", url.PathEscape(topic.ConversationRef),
	).Replace(tmpl)
}
