// ABOUTME: follow command: tails a running server's change stream in the terminal
// ABOUTME: Decodes /api/events with the SSE decoder and prints colorized one-line changes

package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/2389/inbox-sync/internal/conversation"
	"github.com/2389/inbox-sync/internal/sse"
)

func newFollowCmd(root *rootOptions) *cobra.Command {
	var (
		addr           string
		conversationID string
		token          string
		raw            bool
	)

	cmd := &cobra.Command{
		Use:   "follow",
		Short: "Print changes from a running inboxsync server as they happen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr == "" {
				cfg, _, err := root.loadConfig()
				if err != nil {
					return err
				}
				addr = cfg.Server.HTTPAddr
			}

			u := url.URL{Scheme: "http", Host: addr, Path: "/api/events"}
			if strings.Contains(addr, "://") {
				parsed, err := url.Parse(addr)
				if err != nil {
					return fmt.Errorf("parsing --addr: %w", err)
				}
				u = *parsed.JoinPath("/api/events")
			}
			if conversationID != "" {
				u.RawQuery = url.Values{"conversation_id": {conversationID}}.Encode()
			}

			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, u.String(), nil)
			if err != nil {
				return fmt.Errorf("creating request: %w", err)
			}
			req.Header.Set("Accept", "text/event-stream")
			if token != "" {
				req.Header.Set("Authorization", "Bearer "+token)
			}

			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return fmt.Errorf("connecting to %s: %w", u.Host, err)
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
				return fmt.Errorf("event stream: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
			}

			out := cmd.OutOrStdout()
			for frame, err := range sse.NewDecoder(resp.Body).All() {
				if err != nil {
					if cmd.Context().Err() != nil || errors.Is(err, io.EOF) {
						return nil
					}
					return fmt.Errorf("reading event stream: %w", err)
				}
				if raw {
					fmt.Fprintf(out, "%s %s\n", frame.Event, frame.Data)
					continue
				}
				fmt.Fprintln(out, formatFrame(frame))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "server address (default: server.http_addr from config)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "only follow one conversation id")
	cmd.Flags().StringVar(&token, "token", "", "bearer token when server.api_secret is set")
	cmd.Flags().BoolVar(&raw, "raw", false, "print event names and raw JSON")
	return cmd
}

// formatFrame renders one change as a colored line.
func formatFrame(f sse.Frame) string {
	if f.Event == "ready" {
		return color.GreenString("● connected")
	}

	var c conversation.Change
	if err := json.Unmarshal([]byte(f.Data), &c); err != nil {
		return color.RedString("? %s %s", f.Event, f.Data)
	}

	ts := color.HiBlackString(c.At.Local().Format("15:04:05"))
	switch c.Type {
	case conversation.ChangeMessage:
		if c.Message == nil {
			return fmt.Sprintf("%s %s %s", ts, color.CyanString("msg"), c.MessageID)
		}
		m := c.Message
		arrow := color.GreenString("←")
		if !m.Inbound() {
			arrow = color.BlueString("→")
		}
		status := ""
		if m.Status != "" {
			status = color.HiBlackString(" [%s]", m.Status)
		}
		return fmt.Sprintf("%s %s %s %s: %s%s", ts, arrow, color.CyanString(c.ConversationID),
			color.New(color.Bold).Sprint(m.SenderName), oneLine(m.Body), status)
	case conversation.ChangeMessageDeleted:
		return fmt.Sprintf("%s %s %s %s", ts, color.RedString("✗"), color.CyanString(c.ConversationID), c.MessageID)
	case conversation.ChangeConversation, conversation.ChangeRead:
		if c.Conversation == nil {
			return fmt.Sprintf("%s %s %s", ts, c.Type, c.ConversationID)
		}
		unread := color.HiBlackString("read")
		if n := c.Conversation.UnreadCount; n > 0 {
			unread = color.YellowString("%d unread", n)
		}
		return fmt.Sprintf("%s %s %s (%s)", ts, color.HiBlackString("≡"), c.Conversation.DisplayName, unread)
	case conversation.ChangeNotification:
		n := c.Notification
		if n == nil {
			return fmt.Sprintf("%s %s", ts, color.MagentaString("🔔"))
		}
		return fmt.Sprintf("%s %s %s · %s: %s", ts, color.MagentaString("🔔"), n.ConversationName, n.SenderName, oneLine(n.Preview))
	case conversation.ChangeConnection:
		line := fmt.Sprintf("%s %s %s", ts, color.YellowString("⟳ %s", c.Slot), c.State)
		if c.Error != "" {
			line += " " + color.RedString(c.Error)
		}
		return line
	case conversation.ChangeReset:
		return fmt.Sprintf("%s %s %s", ts, color.GreenString("● session"), c.AccountID)
	default:
		return fmt.Sprintf("%s %s %s", ts, c.Type, f.Data)
	}
}

func oneLine(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 100 {
		return string(r[:100]) + "…"
	}
	return s
}
