package models

import "fmt"

// DeliveryState tracks the lifecycle of one outgoing message.
//
// A locally authored message starts Pending under a temporary client ID and
// becomes Confirmed when the server echo carrying the authoritative ID is
// reconciled against it. Discarded is reached only when the send emit fails
// synchronously; no other transition out of Pending is valid.
type DeliveryState string

const (
	StatePending   DeliveryState = "pending"
	StateConfirmed DeliveryState = "confirmed"
	StateDiscarded DeliveryState = "discarded"
)

// ValidateDeliveryState rejects unknown delivery states.
func ValidateDeliveryState(state DeliveryState) error {
	switch state {
	case StatePending, StateConfirmed, StateDiscarded:
		return nil
	default:
		return fmt.Errorf("invalid delivery state %q", state)
	}
}

// Message is one chat message inside a conversation.
//
// For Pending messages ID holds a client-generated temporary identifier that
// never outlives reconciliation; for Confirmed messages ID is the
// server-assigned identifier.
type Message struct {
	ID             string        `json:"id"`
	ConversationID string        `json:"conversation_id"`
	SenderID       string        `json:"sender_id"`
	SenderName     string        `json:"sender_name,omitempty"`
	Content        string        `json:"content"`
	CreatedAt      int64         `json:"created_at"`
	IsRead         bool          `json:"is_read"`
	ReadBy         []string      `json:"read_by,omitempty"`
	State          DeliveryState `json:"-"`
}

// ReadByUser reports whether the given reader is already recorded on the message.
func (m Message) ReadByUser(userID string) bool {
	for _, reader := range m.ReadBy {
		if reader == userID {
			return true
		}
	}
	return false
}

// MarkReadBy records a reader on the message. The transition is monotonic:
// adding a reader never removes one, and duplicates are not recorded.
func (m *Message) MarkReadBy(userID string) {
	if userID == "" || m.ReadByUser(userID) {
		return
	}
	m.ReadBy = append(m.ReadBy, userID)
	m.IsRead = true
}
