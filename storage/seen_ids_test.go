package storage

import (
	"testing"
)

func TestSeenIDInsertAndLookup(t *testing.T) {
	store := newTestStore(t)

	seen, err := store.HasSeenID("m1")
	if err != nil {
		t.Fatalf("HasSeenID failed: %v", err)
	}
	if seen {
		t.Fatalf("expected unseen ID before insert")
	}

	if err := store.InsertSeenID("m1", 100); err != nil {
		t.Fatalf("InsertSeenID failed: %v", err)
	}
	// Repeat insert of the same ID must not fail (at-least-once delivery).
	if err := store.InsertSeenID("m1", 200); err != nil {
		t.Fatalf("repeat InsertSeenID failed: %v", err)
	}

	seen, err = store.HasSeenID("m1")
	if err != nil {
		t.Fatalf("HasSeenID after insert failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected inserted ID to be seen")
	}
}

func TestPruneOldEntries(t *testing.T) {
	store := newTestStore(t)

	if err := store.InsertSeenID("m-old", 100); err != nil {
		t.Fatalf("InsertSeenID old failed: %v", err)
	}
	if err := store.InsertSeenID("m-new", 500); err != nil {
		t.Fatalf("InsertSeenID new failed: %v", err)
	}

	pruned, err := store.PruneOldEntries(300)
	if err != nil {
		t.Fatalf("PruneOldEntries failed: %v", err)
	}
	if pruned != 1 {
		t.Fatalf("expected 1 pruned row, got %d", pruned)
	}

	seen, err := store.HasSeenID("m-new")
	if err != nil {
		t.Fatalf("HasSeenID failed: %v", err)
	}
	if !seen {
		t.Fatalf("expected recent ID to survive prune")
	}
}

func TestPruneOldEntriesRejectsBadCutoff(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.PruneOldEntries(0); err == nil {
		t.Fatalf("expected zero cutoff to be rejected")
	}
}
