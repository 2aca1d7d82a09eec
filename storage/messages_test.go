package storage

import (
	"fmt"
	"testing"
)

func TestMessageCacheRoundTrip(t *testing.T) {
	store := newTestStore(t)

	messages := []MessageRow{
		{MessageID: "m1", ConversationID: "c1", SenderID: "u1", Content: "first", CreatedAt: 100},
		{MessageID: "m2", ConversationID: "c1", SenderID: "u2", Content: "second", CreatedAt: 200},
		{MessageID: "m3", ConversationID: "c2", SenderID: "u1", Content: "other thread", CreatedAt: 150},
	}
	for _, row := range messages {
		if err := store.SaveMessage(row); err != nil {
			t.Fatalf("SaveMessage %q failed: %v", row.MessageID, err)
		}
	}

	got, err := store.GetMessages("c1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 messages in c1, got %d", len(got))
	}
	if got[0].MessageID != "m1" || got[1].MessageID != "m2" {
		t.Fatalf("expected ascending chronological order, got %q then %q", got[0].MessageID, got[1].MessageID)
	}
}

func TestSaveMessageIsIdempotentOnID(t *testing.T) {
	store := newTestStore(t)

	row := MessageRow{MessageID: "m1", ConversationID: "c1", SenderID: "u1", Content: "hello", CreatedAt: 100}
	if err := store.SaveMessage(row); err != nil {
		t.Fatalf("first SaveMessage failed: %v", err)
	}
	row.IsRead = true
	row.ReadBy = []string{"u2"}
	if err := store.SaveMessage(row); err != nil {
		t.Fatalf("second SaveMessage failed: %v", err)
	}

	got, err := store.GetMessages("c1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected one row for duplicate ID, got %d", len(got))
	}
	if !got[0].IsRead || len(got[0].ReadBy) != 1 || got[0].ReadBy[0] != "u2" {
		t.Fatalf("expected read state to be updated on conflict, got %+v", got[0])
	}
}

func TestMarkConversationReadByIsMonotonic(t *testing.T) {
	store := newTestStore(t)

	rows := []MessageRow{
		{MessageID: "m1", ConversationID: "c1", SenderID: "self", Content: "mine", CreatedAt: 100},
		{MessageID: "m2", ConversationID: "c1", SenderID: "u2", Content: "theirs", CreatedAt: 200},
	}
	for _, row := range rows {
		if err := store.SaveMessage(row); err != nil {
			t.Fatalf("SaveMessage failed: %v", err)
		}
	}

	if err := store.MarkConversationReadBy("c1", "self"); err != nil {
		t.Fatalf("MarkConversationReadBy failed: %v", err)
	}
	if err := store.MarkConversationReadBy("c1", "self"); err != nil {
		t.Fatalf("repeat MarkConversationReadBy failed: %v", err)
	}

	got, err := store.GetMessages("c1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	for _, row := range got {
		switch row.MessageID {
		case "m1":
			// Own message: the reader does not mark their own messages.
			if countReader(row, "self") != 0 {
				t.Fatalf("expected own message to be untouched, got %+v", row)
			}
		case "m2":
			if countReader(row, "self") != 1 {
				t.Fatalf("expected exactly one read record for reader, got %+v", row)
			}
			if !row.IsRead {
				t.Fatalf("expected counterpart message to be marked read")
			}
		}
	}
}

func TestMarkConversationReadByCoversEveryCachedMessage(t *testing.T) {
	store := newTestStore(t)

	// Well past the default read page size.
	total := 120
	for index := 0; index < total; index++ {
		row := MessageRow{
			MessageID:      fmt.Sprintf("m%03d", index),
			ConversationID: "c1",
			SenderID:       "u1",
			Content:        "hello",
			CreatedAt:      int64(index),
		}
		if err := store.SaveMessage(row); err != nil {
			t.Fatalf("SaveMessage %q failed: %v", row.MessageID, err)
		}
	}

	if err := store.MarkConversationReadBy("c1", "reader"); err != nil {
		t.Fatalf("MarkConversationReadBy failed: %v", err)
	}

	rows, err := store.queryMessages("c1", -1, 0)
	if err != nil {
		t.Fatalf("queryMessages failed: %v", err)
	}
	if len(rows) != total {
		t.Fatalf("expected %d rows, got %d", total, len(rows))
	}
	for _, row := range rows {
		if countReader(row, "reader") != 1 {
			t.Fatalf("message %q missed the reader", row.MessageID)
		}
	}
}

func TestDeleteConversationMessages(t *testing.T) {
	store := newTestStore(t)

	if err := store.SaveMessage(MessageRow{MessageID: "m1", ConversationID: "c1", SenderID: "u1", Content: "x", CreatedAt: 1}); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}
	if err := store.DeleteConversationMessages("c1"); err != nil {
		t.Fatalf("DeleteConversationMessages failed: %v", err)
	}
	got, err := store.GetMessages("c1", 10, 0)
	if err != nil {
		t.Fatalf("GetMessages failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected conversation messages to be deleted, got %d", len(got))
	}
}
