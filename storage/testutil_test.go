package storage

import (
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

func mustUpsertConversation(t *testing.T, store *Store, conversationID, counterpartID string, lastMessageAt int64) {
	t.Helper()

	err := store.UpsertConversation(ConversationRow{
		ConversationID:  conversationID,
		CounterpartID:   counterpartID,
		CounterpartName: "User " + counterpartID,
		LastMessageAt:   lastMessageAt,
	})
	if err != nil {
		t.Fatalf("upsert conversation %q: %v", conversationID, err)
	}
}

func countReader(row MessageRow, reader string) int {
	count := 0
	for _, r := range row.ReadBy {
		if r == reader {
			count++
		}
	}
	return count
}
