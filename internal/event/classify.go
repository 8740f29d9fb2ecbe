// ABOUTME: Routes decoded stream payloads by their type discriminator.
// ABOUTME: Unknown or unparseable payloads classify as unrecognized instead of failing.

package event

import (
	"strings"

	"github.com/tidwall/gjson"
)

// Kind is the routing category of a payload.
type Kind int

const (
	KindUnrecognized Kind = iota
	KindMessageUpsert
	KindMessageDeleted
)

func (k Kind) String() string {
	switch k {
	case KindMessageUpsert:
		return "message_upsert"
	case KindMessageDeleted:
		return "message_deleted"
	default:
		return "unrecognized"
	}
}

// Event is a classified payload.
type Event struct {
	Kind    Kind
	Type    string
	Payload string
}

var upsertTypes = map[string]struct{}{
	"message":         {},
	"message.new":     {},
	"message.upsert":  {},
	"message.created": {},
	"message.updated": {},
	"message.ack":     {},
	"message.status":  {},
}

var deleteTypes = map[string]struct{}{
	"message.deleted": {},
	"message.delete":  {},
	"message.revoked": {},
}

// Classify inspects the top-level "type" field of payload, falling back to
// "event".
func Classify(payload string) Event {
	return ClassifyFrame("", payload)
}

// ClassifyFrame is Classify with the frame's event name as a last resort
// discriminator when the payload carries none.
func ClassifyFrame(frameEvent, payload string) Event {
	ev := Event{Kind: KindUnrecognized, Payload: payload}
	if !gjson.Valid(payload) {
		return ev
	}

	root := gjson.Parse(payload)
	if !root.IsObject() {
		return ev
	}

	typ := root.Get("type").String()
	if typ == "" {
		typ = root.Get("event").String()
	}
	if typ == "" {
		typ = frameEvent
	}
	ev.Type = typ
	ev.Kind = KindOf(typ)
	return ev
}

// KindOf maps a type discriminator to its Kind. Matching ignores case.
func KindOf(typ string) Kind {
	typ = strings.ToLower(strings.TrimSpace(typ))
	if _, ok := upsertTypes[typ]; ok {
		return KindMessageUpsert
	}
	if _, ok := deleteTypes[typ]; ok {
		return KindMessageDeleted
	}
	return KindUnrecognized
}
