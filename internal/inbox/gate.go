// ABOUTME: Decides whether a newly arrived message should alert the user.
// ABOUTME: Builds the notification record handed to the host; playback happens elsewhere.

package inbox

import "time"

// ShouldNotify reports whether m warrants an alert. Only inbound messages
// alert, and only while the host is not showing the conversation.
func ShouldNotify(m Message, focused bool) bool {
	return m.Inbound() && !focused
}

// Notification describes an alert decision for the host.
type Notification struct {
	AccountID        string    `json:"account_id"`
	ConversationID   string    `json:"conversation_id"`
	ConversationName string    `json:"conversation_name"`
	MessageID        string    `json:"message_id"`
	SenderName       string    `json:"sender_name"`
	Preview          string    `json:"preview"`
	Timestamp        time.Time `json:"timestamp"`
}

const previewLimit = 120

// NewNotification builds the alert for m arriving in c.
func NewNotification(accountID string, c Conversation, m Message) Notification {
	preview := m.Body
	if r := []rune(preview); len(r) > previewLimit {
		preview = string(r[:previewLimit]) + "…"
	}
	if preview == "" && m.Media != nil {
		preview = "[media]"
	}
	return Notification{
		AccountID:        accountID,
		ConversationID:   c.ID,
		ConversationName: c.DisplayName,
		MessageID:        m.ID,
		SenderName:       m.SenderName,
		Preview:          preview,
		Timestamp:        m.Timestamp,
	}
}
