package realtime

import (
	"encoding/json"

	"converse/models"
)

// Inbound event categories delivered by the transport.
const (
	EventMessage     = "message"
	EventTyping      = "typing"
	EventReadReceipt = "read_receipt"
)

// Outbound commands emitted to the transport, each scoped by conversation ID.
const (
	CommandJoin        = "join"
	CommandLeave       = "leave"
	CommandSendMessage = "send_message"
	CommandTyping      = "typing"
	CommandMarkRead    = "mark_read"
)

// Envelope is the standard wire format for realtime traffic in both
// directions.
type Envelope struct {
	Type           string          `json:"type"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
}

// DecodeEnvelope parses a raw frame into an Envelope, rejecting frames
// without a type.
func DecodeEnvelope(raw []byte) (Envelope, error) {
	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return Envelope{}, err
	}
	if envelope.Type == "" {
		return Envelope{}, errMissingType
	}
	return envelope, nil
}

// DecodeMessage extracts the message carried by a message event. The
// envelope's conversation ID fills in when the payload omits its own.
func DecodeMessage(envelope Envelope) (models.Message, error) {
	var message models.Message
	if err := json.Unmarshal(envelope.Payload, &message); err != nil {
		return models.Message{}, err
	}
	if message.ConversationID == "" {
		message.ConversationID = envelope.ConversationID
	}
	return message, nil
}

// SendPayload is the body of a send_message command.
type SendPayload struct {
	Content string `json:"content"`
}

// TypingPayload is the body of an outbound typing command.
type TypingPayload struct {
	IsTyping bool `json:"is_typing"`
}
