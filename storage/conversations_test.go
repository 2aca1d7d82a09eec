package storage

import (
	"testing"
)

func TestConversationUpsertAndOrdering(t *testing.T) {
	store := newTestStore(t)

	mustUpsertConversation(t, store, "c-old", "u2", 100)
	mustUpsertConversation(t, store, "c-new", "u3", 300)
	mustUpsertConversation(t, store, "c-mid", "u4", 200)

	conversations, err := store.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 3 {
		t.Fatalf("expected 3 conversations, got %d", len(conversations))
	}
	wantOrder := []string{"c-new", "c-mid", "c-old"}
	for i, want := range wantOrder {
		if conversations[i].ConversationID != want {
			t.Fatalf("expected position %d to be %q, got %q", i, want, conversations[i].ConversationID)
		}
	}
}

func TestConversationUpsertUpdatesExistingRow(t *testing.T) {
	store := newTestStore(t)

	mustUpsertConversation(t, store, "c1", "u2", 100)
	err := store.UpsertConversation(ConversationRow{
		ConversationID:  "c1",
		CounterpartID:   "u2",
		CounterpartName: "User u2",
		LastMessageID:   "m9",
		LastMessageText: "latest",
		LastMessageAt:   900,
		UnreadCount:     4,
	})
	if err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}

	conversations, err := store.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 1 {
		t.Fatalf("expected upsert to not duplicate, got %d rows", len(conversations))
	}
	row := conversations[0]
	if row.LastMessageID != "m9" || row.LastMessageText != "latest" || row.UnreadCount != 4 {
		t.Fatalf("expected updated row, got %+v", row)
	}
}

func TestReplaceConversationsIsWholesale(t *testing.T) {
	store := newTestStore(t)

	mustUpsertConversation(t, store, "c-stale", "u2", 100)

	err := store.ReplaceConversations([]ConversationRow{
		{ConversationID: "c1", CounterpartID: "u3", LastMessageAt: 300},
		{ConversationID: "c2", CounterpartID: "u4", LastMessageAt: 200},
	})
	if err != nil {
		t.Fatalf("ReplaceConversations failed: %v", err)
	}

	conversations, err := store.ListConversations()
	if err != nil {
		t.Fatalf("ListConversations failed: %v", err)
	}
	if len(conversations) != 2 {
		t.Fatalf("expected stale rows to be dropped, got %d rows", len(conversations))
	}
	for _, row := range conversations {
		if row.ConversationID == "c-stale" {
			t.Fatalf("stale conversation survived wholesale replace")
		}
	}
}

func TestUpsertConversationRejectsInvalidRows(t *testing.T) {
	store := newTestStore(t)

	if err := store.UpsertConversation(ConversationRow{CounterpartID: "u2"}); err == nil {
		t.Fatalf("expected missing conversation_id to be rejected")
	}
	if err := store.UpsertConversation(ConversationRow{ConversationID: "c1"}); err == nil {
		t.Fatalf("expected missing counterpart_id to be rejected")
	}
	if err := store.UpsertConversation(ConversationRow{
		ConversationID: "c1",
		CounterpartID:  "u2",
		UnreadCount:    -1,
	}); err == nil {
		t.Fatalf("expected negative unread count to be rejected")
	}
}
