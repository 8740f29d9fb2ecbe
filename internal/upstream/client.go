// ABOUTME: HTTP JSON client for the messaging backend's bulk and side-effect endpoints
// ABOUTME: Lists conversations, pages message history, marks conversations read, resolves accounts

package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/2389/inbox-sync/internal/inbox"
	"github.com/2389/inbox-sync/internal/stream"
)

// DefaultTimeout bounds each request when no client is supplied.
const DefaultTimeout = 15 * time.Second

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 512

var (
	// ErrUnauthorized is returned for 401 and 403 responses.
	ErrUnauthorized = errors.New("upstream rejected credentials")
	// ErrNotFound is returned for 404 responses.
	ErrNotFound = errors.New("upstream resource not found")
	// ErrMalformedResponse is returned when a response body is not the
	// expected JSON shape.
	ErrMalformedResponse = errors.New("malformed upstream response")
)

// StatusError describes a non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: HTTP %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Is maps auth and not-found statuses onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrUnauthorized:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound
	}
	return false
}

// Paths are URL templates with {account} and {conversation} placeholders.
type Paths struct {
	Conversations string
	Messages      string
	Read          string
	// Account resolves an external account id. Empty disables lookups.
	Account string
}

// Client talks to the backend's REST endpoints.
type Client struct {
	baseURL    string
	paths      Paths
	token      stream.TokenFunc
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// New creates a client for baseURL. token may be nil for unauthenticated
// backends.
func New(baseURL string, paths Paths, token stream.TokenFunc, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		paths:      paths,
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "upstream")
	return c
}

// GetConversations fetches one page of the account's conversation list.
// Rows that cannot be parsed are skipped and logged.
func (c *Client) GetConversations(ctx context.Context, accountID, search string, limit, offset int) ([]inbox.ConversationSummary, error) {
	q := pageQuery(limit, offset)
	if search != "" {
		q.Set("search", search)
	}

	path := stream.ExpandPath(c.paths.Conversations, stream.Topic{AccountID: accountID})
	data, err := c.doRequest(ctx, http.MethodGet, path, q, nil)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	rows, err := items(data, "data", "chats", "conversations", "items")
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	out := make([]inbox.ConversationSummary, 0, len(rows))
	for _, row := range rows {
		s, err := inbox.ParseSummary(row)
		if err != nil {
			c.logger.Warn("skipping conversation row", "account_id", accountID, "error", err)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

// GetMessages fetches one page of a conversation's history. conversationRef
// is the backend's raw conversation id.
func (c *Client) GetMessages(ctx context.Context, accountID, conversationRef string, limit, offset int) ([]inbox.Message, error) {
	topic := stream.Topic{AccountID: accountID, ConversationRef: conversationRef}
	path := stream.ExpandPath(c.paths.Messages, topic)

	data, err := c.doRequest(ctx, http.MethodGet, path, pageQuery(limit, offset), nil)
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	rows, err := items(data, "data", "messages", "items")
	if err != nil {
		return nil, fmt.Errorf("fetching messages: %w", err)
	}

	out := make([]inbox.Message, 0, len(rows))
	for _, row := range rows {
		m, err := inbox.NormalizeInConversation(row, conversationRef, nil)
		if err != nil {
			c.logger.Warn("skipping history message",
				"account_id", accountID,
				"conversation_ref", conversationRef,
				"error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// MarkConversationRead tells the backend the conversation was read.
func (c *Client) MarkConversationRead(ctx context.Context, accountID, conversationRef string, kind inbox.Kind) error {
	topic := stream.Topic{AccountID: accountID, ConversationRef: conversationRef}
	path := stream.ExpandPath(c.paths.Read, topic)

	body := map[string]string{"kind": string(kind)}
	if _, err := c.doRequest(ctx, http.MethodPost, path, nil, body); err != nil {
		return fmt.Errorf("marking conversation read: %w", err)
	}
	return nil
}

// ResolveInternalAccountID maps an external account id to the backend's
// instance id. A 404 reports (false, nil).
func (c *Client) ResolveInternalAccountID(ctx context.Context, externalID string) (string, bool, error) {
	if c.paths.Account == "" {
		return "", false, nil
	}
	path := stream.ExpandPath(c.paths.Account, stream.Topic{AccountID: externalID})

	data, err := c.doRequest(ctx, http.MethodGet, path, nil, nil)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolving account: %w", err)
	}

	if !gjson.ValidBytes(data) {
		return "", false, fmt.Errorf("resolving account: %w", ErrMalformedResponse)
	}
	root := gjson.ParseBytes(data)
	for _, p := range []string{"internal_id", "internalId", "instance_id", "instanceId", "id", "data.id"} {
		if v := root.Get(p); v.Exists() && v.String() != "" {
			return v.String(), true, nil
		}
	}
	return "", false, nil
}

func pageQuery(limit, offset int) url.Values {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	return q
}

// items returns the array at the top level of data or under the first of
// keys holding one.
func items(data []byte, keys ...string) ([]gjson.Result, error) {
	if !gjson.ValidBytes(data) {
		return nil, ErrMalformedResponse
	}
	root := gjson.ParseBytes(data)
	if root.IsArray() {
		return root.Array(), nil
	}
	for _, k := range keys {
		if v := root.Get(k); v.IsArray() {
			return v.Array(), nil
		}
	}
	return nil, ErrMalformedResponse
}

func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("no path configured for %s request", method)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshaling request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	c.logger.Debug("upstream request",
		"method", method,
		"path", path,
		"status", resp.StatusCode,
		"duration", time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if len(data) > maxErrorBody {
			data = data[:maxErrorBody]
		}
		return nil, &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return data, nil
}
