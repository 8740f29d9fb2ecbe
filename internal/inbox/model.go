// ABOUTME: Canonical message and conversation types held by the synchronized inbox.
// ABOUTME: Also defines direction, delivery status, and conversation kind enums.

package inbox

import (
	"strings"
	"time"
)

// Direction tells whether a message was received or sent by the account.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// Status is the delivery state of an outbound message. Inbound messages
// carry no status.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusFailed    Status = "failed"
)

// rank orders statuses so transitions never move backwards.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusSent:
		return 2
	case StatusDelivered:
		return 3
	case StatusRead:
		return 4
	default:
		return 0
	}
}

// Advances reports whether moving from s to next is a forward transition.
// FAILED is reachable from any state that is not already READ.
func (s Status) Advances(next Status) bool {
	if next == StatusFailed {
		return s != StatusFailed && s != StatusRead
	}
	if s == StatusFailed {
		return false
	}
	return next.rank() > s.rank()
}

// Kind distinguishes one-to-one conversations from groups.
type Kind string

const (
	KindIndividual Kind = "individual"
	KindGroup      Kind = "group"
)

// Media is an opaque attachment reference.
type Media struct {
	URL      string `json:"url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// Message is one normalized chat message.
type Message struct {
	ID              string    `json:"id"`
	ConversationID  string    `json:"conversation_id"`
	ConversationRef string    `json:"conversation_ref"`
	SenderID        string    `json:"sender_id"`
	SenderName      string    `json:"sender_name"`
	Direction       Direction `json:"direction"`
	Body            string    `json:"body"`
	Media           *Media    `json:"media,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
	Status          Status    `json:"status,omitempty"`
}

// Inbound reports whether the message was received by the account.
func (m Message) Inbound() bool {
	return m.Direction == DirectionInbound
}

// Preview is the denormalized tail of a conversation.
type Preview struct {
	MessageID string    `json:"message_id"`
	Body      string    `json:"body"`
	Direction Direction `json:"direction"`
	Timestamp time.Time `json:"timestamp"`
	HasMedia  bool      `json:"has_media,omitempty"`
}

func previewOf(m Message) *Preview {
	return &Preview{
		MessageID: m.ID,
		Body:      m.Body,
		Direction: m.Direction,
		Timestamp: m.Timestamp,
		HasMedia:  m.Media != nil,
	}
}

// Conversation is the summary row of a chat.
type Conversation struct {
	ID            string    `json:"id"`
	Ref           string    `json:"ref"`
	DisplayName   string    `json:"display_name"`
	AvatarRef     string    `json:"avatar_ref,omitempty"`
	Kind          Kind      `json:"kind"`
	LastMessage   *Preview  `json:"last_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	UnreadCount   int       `json:"unread_count"`
	LocallyRead   bool      `json:"locally_read"`
	ReadWatermark time.Time `json:"read_watermark,omitzero"`
	Placeholder   bool      `json:"placeholder,omitempty"`
}

func (c *Conversation) clone() Conversation {
	out := *c
	if c.LastMessage != nil {
		p := *c.LastMessage
		out.LastMessage = &p
	}
	return out
}

// ConversationSummary is one row of a bulk conversation listing as reported
// by the server.
type ConversationSummary struct {
	Ref         string
	DisplayName string
	AvatarRef   string
	Kind        Kind
	UnreadCount int
	LastMessage *Preview
	Timestamp   time.Time
}

var channelSuffixes = []string{"@c.us", "@s.whatsapp.net", "@g.us", "@lid", "@broadcast"}

// NormalizeConversationID strips channel suffixes so that the same chat
// compares equal regardless of which form the transport used.
func NormalizeConversationID(ref string) string {
	ref = strings.TrimSpace(ref)
	for _, suffix := range channelSuffixes {
		if trimmed, ok := strings.CutSuffix(ref, suffix); ok {
			return trimmed
		}
	}
	return ref
}

// KindFromRef infers the conversation kind from a raw conversation id.
func KindFromRef(ref string) Kind {
	if strings.HasSuffix(strings.TrimSpace(ref), "@g.us") {
		return KindGroup
	}
	return KindIndividual
}
