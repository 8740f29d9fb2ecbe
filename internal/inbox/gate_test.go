// ABOUTME: Tests for the notification gate and notification construction.
// ABOUTME: Only inbound messages outside the focused conversation alert.

package inbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShouldNotify(t *testing.T) {
	in := msg("m1", 1, DirectionInbound)
	out := msg("m2", 1, DirectionOutbound)

	assert.True(t, ShouldNotify(in, false))
	assert.False(t, ShouldNotify(in, true))
	assert.False(t, ShouldNotify(out, false))
	assert.False(t, ShouldNotify(out, true))
}

func TestNewNotification(t *testing.T) {
	c := Conversation{ID: "c1", DisplayName: "Maria"}
	m := msg("m1", 1, DirectionInbound)
	m.SenderName = "Maria"
	m.Body = strings.Repeat("x", 200)

	n := NewNotification("acct", c, m)
	assert.Equal(t, "acct", n.AccountID)
	assert.Equal(t, "Maria", n.ConversationName)
	assert.Equal(t, "m1", n.MessageID)
	assert.Equal(t, 121, len([]rune(n.Preview)))

	m.Body = ""
	m.Media = &Media{URL: "https://cdn/x"}
	assert.Equal(t, "[media]", NewNotification("acct", c, m).Preview)
}
