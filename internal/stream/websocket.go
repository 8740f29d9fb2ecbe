// ABOUTME: WebSocket event source that re-frames each text message as an event stream frame.
// ABOUTME: Lets upstreams that push over WebSocket feed the same decoder and pipeline.

package stream

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"nhooyr.io/websocket"

	"github.com/2389/inbox-sync/internal/sse"
)

// WebSocketSource dials a WebSocket per topic. Every text message becomes
// one frame on the returned reader.
type WebSocketSource struct {
	// BaseURL uses the ws or wss scheme.
	BaseURL          string
	ListPath         string
	ConversationPath string
	Token            TokenFunc
	HTTPClient       *http.Client
	// ReadLimit caps a single message; zero keeps the library default.
	ReadLimit int64
}

// Open dials the socket and starts pumping messages into a pipe.
func (s *WebSocketSource) Open(ctx context.Context, topic Topic) (io.ReadCloser, error) {
	tmpl := s.ListPath
	if topic.ConversationRef != "" {
		tmpl = s.ConversationPath
	}
	if tmpl == "" {
		return nil, fmt.Errorf("no stream path configured for topic %s", topic)
	}
	u := strings.TrimSuffix(s.BaseURL, "/") + ExpandPath(tmpl, topic)

	header := http.Header{}
	if s.Token != nil {
		token, err := s.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		header.Set("Authorization", "Bearer "+token)
	}

	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: s.HTTPClient,
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
		}
		return nil, fmt.Errorf("dialing websocket: %w", err)
	}
	if s.ReadLimit > 0 {
		conn.SetReadLimit(s.ReadLimit)
	}

	pr, pw := io.Pipe()
	pumpCtx, cancel := context.WithCancel(ctx)
	ws := &wsStream{pr: pr, conn: conn, cancel: cancel}
	go ws.pump(pumpCtx, pw)
	return ws, nil
}

type wsStream struct {
	pr     *io.PipeReader
	conn   *websocket.Conn
	cancel context.CancelFunc
	once   sync.Once
}

func (w *wsStream) Read(p []byte) (int, error) {
	return w.pr.Read(p)
}

// Close ends the socket. It is idempotent and never fails.
func (w *wsStream) Close() error {
	w.once.Do(func() {
		w.cancel()
		_ = w.conn.Close(websocket.StatusNormalClosure, "")
		_ = w.pr.Close()
	})
	return nil
}

func (w *wsStream) pump(ctx context.Context, pw *io.PipeWriter) {
	for {
		typ, data, err := w.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				_ = pw.Close()
				return
			}
			_ = pw.CloseWithError(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if err := sse.Write(pw, sse.Frame{Data: string(data)}); err != nil {
			return
		}
	}
}
