package realtime

import (
	"encoding/json"
	"testing"
)

func TestDecodeEnvelopeRequiresType(t *testing.T) {
	if _, err := DecodeEnvelope([]byte(`{"conversation_id":"conv-1"}`)); err == nil {
		t.Fatal("accepted an envelope without a type")
	}
	if _, err := DecodeEnvelope([]byte(`not json`)); err == nil {
		t.Fatal("accepted a non-JSON frame")
	}

	envelope, err := DecodeEnvelope([]byte(`{"type":"message","conversation_id":"conv-1","payload":{"id":"m-1"}}`))
	if err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if envelope.Type != EventMessage || envelope.ConversationID != "conv-1" {
		t.Fatalf("envelope = %+v", envelope)
	}
}

func TestDecodeMessageFillsConversationFromEnvelope(t *testing.T) {
	payload, _ := json.Marshal(map[string]string{"id": "m-1", "sender_id": "u-1", "content": "hi"})
	envelope := Envelope{Type: EventMessage, ConversationID: "conv-1", Payload: payload}

	message, err := DecodeMessage(envelope)
	if err != nil {
		t.Fatalf("DecodeMessage: %v", err)
	}
	if message.ID != "m-1" || message.ConversationID != "conv-1" {
		t.Fatalf("message = %+v", message)
	}

	envelope.Payload = json.RawMessage(`{broken`)
	if _, err := DecodeMessage(envelope); err == nil {
		t.Fatal("accepted a malformed payload")
	}
}
