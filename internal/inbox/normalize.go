// ABOUTME: Converts raw transport payloads into canonical messages and conversation summaries.
// ABOUTME: Tolerates field aliases and repairs group sender names that echo the group title.

package inbox

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformedPayload is reported for payloads that are not a JSON object.
var ErrMalformedPayload = errors.New("payload is not a json object")

const unknownSender = "Unknown"

// ConversationContext is what the normalizer needs to know about the
// conversation owning a message.
type ConversationContext struct {
	Kind        Kind
	DisplayName string
}

// Lookup returns the context of a known conversation by normalized id.
type Lookup func(conversationID string) (ConversationContext, bool)

var (
	idPaths        = []string{"id._serialized", "id", "messageId", "key.id", "_id"}
	chatPaths      = []string{"chatId", "conversationId", "conversation_id", "remoteJid", "key.remoteJid", "chat.id"}
	fromMePaths    = []string{"fromMe", "key.fromMe", "id.fromMe"}
	senderIDPaths  = []string{"author", "participant", "key.participant", "senderId", "sender.id"}
	senderNamePath = []string{"senderName", "pushName", "notifyName", "sender.name", "_data.notifyName"}
	bodyPaths      = []string{"body", "text", "content", "caption", "message.conversation", "message.extendedTextMessage.text"}
	timePaths      = []string{"timestamp", "messageTimestamp", "t", "createdAt", "created_at", "sentAt"}
)

// Normalize parses payload into a Message. The lookup supplies the owning
// conversation's kind and display name; unknown conversations infer their
// kind from the raw id.
func Normalize(payload string, lookup Lookup) (Message, error) {
	if !gjson.Valid(payload) {
		return Message{}, &NormalizationError{Field: "payload", Err: ErrMalformedPayload}
	}
	root := gjson.Parse(payload)
	if !root.IsObject() {
		return Message{}, &NormalizationError{Field: "payload", Err: ErrMalformedPayload}
	}
	return NormalizeResult(root, lookup)
}

// NormalizeResult is Normalize for an already parsed payload.
func NormalizeResult(root gjson.Result, lookup Lookup) (Message, error) {
	return normalize(root, "", lookup)
}

// NormalizeInConversation normalizes a message fetched from a conversation's
// history, where the payload may omit the chat id. ref is used when the
// payload names no chat of its own.
func NormalizeInConversation(root gjson.Result, ref string, lookup Lookup) (Message, error) {
	return normalize(root, ref, lookup)
}

func normalize(root gjson.Result, fallbackRef string, lookup Lookup) (Message, error) {
	obj := messageObject(root)

	var m Message
	m.ID = firstString(obj, idPaths...)
	if m.ID == "" {
		return Message{}, &NormalizationError{Field: "id", Err: ErrMissingField}
	}

	m.Direction = directionOf(obj)

	m.ConversationRef = firstString(obj, chatPaths...)
	if m.ConversationRef == "" {
		m.ConversationRef = fallbackRef
	}
	if m.ConversationRef == "" {
		// Without an explicit chat id the counterpart identifies the chat.
		if m.Direction == DirectionOutbound {
			m.ConversationRef = firstString(obj, "to")
		} else {
			m.ConversationRef = firstString(obj, "from")
		}
	}
	if m.ConversationRef == "" {
		return Message{}, &NormalizationError{Field: "conversation_id", Err: ErrMissingField}
	}
	m.ConversationID = NormalizeConversationID(m.ConversationRef)

	ts, ok := firstTimestamp(obj, timePaths...)
	if !ok {
		return Message{}, &NormalizationError{Field: "timestamp", Err: ErrMissingField}
	}
	m.Timestamp = ts

	m.SenderID = firstString(obj, senderIDPaths...)
	if m.SenderID == "" && m.Direction == DirectionInbound {
		m.SenderID = firstString(obj, "from")
	}

	cc := ConversationContext{Kind: KindFromRef(m.ConversationRef)}
	if lookup != nil {
		if known, ok := lookup(m.ConversationID); ok {
			cc = known
		}
	}
	m.SenderName = senderName(firstString(obj, senderNamePath...), m, cc)

	m.Body = firstString(obj, bodyPaths...)
	m.Media = mediaOf(obj)

	if m.Direction == DirectionOutbound {
		m.Status = statusOf(obj)
	}

	return m, nil
}

// DeletionTarget extracts the conversation and message ids a delete event
// refers to.
func DeletionTarget(payload string) (conversationID, messageID string, err error) {
	if !gjson.Valid(payload) {
		return "", "", &NormalizationError{Field: "payload", Err: ErrMalformedPayload}
	}
	obj := messageObject(gjson.Parse(payload))

	messageID = firstString(obj, idPaths...)
	if messageID == "" {
		return "", "", &NormalizationError{Field: "id", Err: ErrMissingField}
	}
	ref := firstString(obj, chatPaths...)
	if ref == "" {
		ref = firstString(obj, "from", "to")
	}
	if ref == "" {
		return "", "", &NormalizationError{Field: "conversation_id", Err: ErrMissingField}
	}
	return NormalizeConversationID(ref), messageID, nil
}

// ParseSummary reads one conversation row of a bulk listing.
func ParseSummary(obj gjson.Result) (ConversationSummary, error) {
	var s ConversationSummary
	s.Ref = firstString(obj, "id._serialized", "id", "chatId", "jid", "conversationId")
	if s.Ref == "" {
		return ConversationSummary{}, &NormalizationError{Field: "id", Err: ErrMissingField}
	}

	s.DisplayName = firstString(obj, "name", "displayName", "subject", "formattedTitle", "pushName")
	if s.DisplayName == "" {
		s.DisplayName = NormalizeConversationID(s.Ref)
	}
	s.AvatarRef = firstString(obj, "avatar", "avatarUrl", "picture", "profilePicUrl")

	switch {
	case obj.Get("isGroup").Bool():
		s.Kind = KindGroup
	case strings.EqualFold(firstString(obj, "kind", "type"), string(KindGroup)):
		s.Kind = KindGroup
	default:
		s.Kind = KindFromRef(s.Ref)
	}

	s.UnreadCount = int(firstInt(obj, "unreadCount", "unread_count", "unread"))
	if s.UnreadCount < 0 {
		s.UnreadCount = 0
	}

	if last := firstObject(obj, "lastMessage", "last_message"); last.Exists() {
		p := &Preview{
			MessageID: firstString(last, idPaths...),
			Body:      firstString(last, bodyPaths...),
			Direction: directionOf(last),
			HasMedia:  mediaOf(last) != nil || last.Get("hasMedia").Bool(),
		}
		p.Timestamp, _ = firstTimestamp(last, timePaths...)
		s.LastMessage = p
	}

	s.Timestamp, _ = firstTimestamp(obj, "timestamp", "lastMessageAt", "conversationTimestamp", "t", "updatedAt")
	if s.LastMessage != nil && s.LastMessage.Timestamp.After(s.Timestamp) {
		s.Timestamp = s.LastMessage.Timestamp
	}
	return s, nil
}

// ParseTimestamp accepts unix seconds, unix milliseconds, or RFC3339.
func ParseTimestamp(r gjson.Result) (time.Time, bool) {
	switch r.Type {
	case gjson.Number:
		return fromUnix(r.Float())
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return time.Time{}, false
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromUnix(f)
		}
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromUnix(v float64) (time.Time, bool) {
	if v <= 0 {
		return time.Time{}, false
	}
	if v > 1e12 {
		return time.UnixMilli(int64(v)).UTC(), true
	}
	sec := int64(v)
	nsec := int64((v - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), true
}

// senderName applies the group fallback: a group sender reported under the
// group's own title is replaced by the participant's id.
func senderName(reported string, m Message, cc ConversationContext) string {
	reported = strings.TrimSpace(reported)

	if cc.Kind == KindGroup && reported != "" && cc.DisplayName != "" &&
		strings.EqualFold(reported, strings.TrimSpace(cc.DisplayName)) {
		if id := NormalizeConversationID(m.SenderID); id != "" {
			return id
		}
		return unknownSender
	}
	if reported != "" {
		return reported
	}
	if m.Direction == DirectionOutbound {
		return "You"
	}
	return unknownSender
}

func messageObject(root gjson.Result) gjson.Result {
	obj := root
	if d := obj.Get("data"); d.IsObject() {
		obj = d
	}
	if m := obj.Get("message"); m.IsObject() && (m.Get("id").Exists() || m.Get("key").Exists()) {
		obj = m
	}
	return obj
}

func directionOf(obj gjson.Result) Direction {
	for _, p := range fromMePaths {
		if r := obj.Get(p); r.IsBool() {
			if r.Bool() {
				return DirectionOutbound
			}
			return DirectionInbound
		}
	}
	switch strings.ToLower(firstString(obj, "direction")) {
	case "outbound", "out", "outgoing", "sent":
		return DirectionOutbound
	}
	return DirectionInbound
}

func statusOf(obj gjson.Result) Status {
	if s := strings.ToLower(firstString(obj, "status")); s != "" {
		switch s {
		case "pending", "queued", "sending":
			return StatusPending
		case "sent", "server_ack", "server":
			return StatusSent
		case "delivered", "delivery_ack", "device":
			return StatusDelivered
		case "read", "played":
			return StatusRead
		case "failed", "error":
			return StatusFailed
		}
	}
	if r := obj.Get("ack"); r.Type == gjson.Number {
		switch n := r.Int(); {
		case n < 0:
			return StatusFailed
		case n == 0:
			return StatusPending
		case n == 1:
			return StatusSent
		case n == 2:
			return StatusDelivered
		default:
			return StatusRead
		}
	}
	return StatusPending
}

func mediaOf(obj gjson.Result) *Media {
	if m := obj.Get("media"); m.IsObject() {
		media := &Media{
			URL:      firstString(m, "url", "link"),
			MimeType: firstString(m, "mimetype", "mimeType", "mime_type"),
			Filename: firstString(m, "filename", "fileName"),
		}
		if *media != (Media{}) {
			return media
		}
	}
	if url := firstString(obj, "mediaUrl", "media_url"); url != "" {
		return &Media{
			URL:      url,
			MimeType: firstString(obj, "mimetype", "mimeType"),
			Filename: firstString(obj, "filename", "fileName"),
		}
	}
	return nil
}

func firstString(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		r := obj.Get(p)
		switch r.Type {
		case gjson.String:
			if s := strings.TrimSpace(r.Str); s != "" {
				return s
			}
		case gjson.Number:
			return r.Raw
		}
	}
	return ""
}

func firstInt(obj gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if r := obj.Get(p); r.Type == gjson.Number || r.Type == gjson.String {
			return r.Int()
		}
	}
	return 0
}

func firstObject(obj gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if r := obj.Get(p); r.IsObject() {
			return r
		}
	}
	return gjson.Result{}
}

func firstTimestamp(obj gjson.Result, paths ...string) (time.Time, bool) {
	for _, p := range paths {
		if t, ok := ParseTimestamp(obj.Get(p)); ok {
			return t, true
		}
	}
	return time.Time{}, false
}
