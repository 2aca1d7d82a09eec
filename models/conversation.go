package models

// Conversation is a two-party messaging thread as seen by this client.
//
// Placeholder indicates the entry was synthesized locally from an incoming
// message for an unknown conversation ID and should be replaced by the next
// full list reload.
type Conversation struct {
	ID            string   `json:"id"`
	Participants  []User   `json:"participants"`
	LastMessage   *Message `json:"last_message,omitempty"`
	LastMessageAt int64    `json:"last_message_at"`
	UnreadCount   int      `json:"unread_count"`
	Placeholder   bool     `json:"-"`
}

// Counterpart returns the participant that is not the given user. Falls back
// to the zero User when the conversation has no other recorded participant.
func (c Conversation) Counterpart(selfID string) User {
	for _, p := range c.Participants {
		if p.UserID != selfID {
			return p
		}
	}
	return User{}
}

// TypingEvent is the ephemeral "user is composing" signal for a conversation.
type TypingEvent struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	IsTyping       bool   `json:"is_typing"`
}

// ReadReceipt signals that a reader has viewed a conversation's messages.
type ReadReceipt struct {
	ConversationID string `json:"conversation_id"`
	ReaderID       string `json:"reader_id"`
	Timestamp      int64  `json:"timestamp,omitempty"`
}
