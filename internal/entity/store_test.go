package entity

import "testing"

func TestUpsertInsertsAndReportsChange(t *testing.T) {
	store := NewStore()
	event := mustEntity(t, "42", TypeEvent, 1700000000, map[string]any{"title": "A"})

	if changed := store.Upsert(event); !changed {
		t.Fatalf("expected first upsert to report a change")
	}
	if changed := store.Upsert(event); changed {
		t.Fatalf("expected identical upsert to be a no-op")
	}
	stored, ok := store.Get(event.ID)
	if !ok {
		t.Fatalf("expected entity to be stored")
	}
	if stored.Fields["title"] != "A" {
		t.Fatalf("unexpected stored title %v", stored.Fields["title"])
	}
	if store.Len() != 1 {
		t.Fatalf("expected exactly one entity, got %d", store.Len())
	}
}

func TestAllReturnsInsertionOrder(t *testing.T) {
	store := NewStore()
	first := mustEntity(t, "1", TypeEvent, 1, nil)
	second := mustEntity(t, "2", TypeEvent, 1, nil)
	third := mustEntity(t, "3", TypeComment, 1, nil)
	store.Upsert(first)
	store.Upsert(second)
	store.Upsert(third)

	snapshot := store.All()
	if len(snapshot) != 3 {
		t.Fatalf("expected 3 entities, got %d", len(snapshot))
	}
	for i, wantID := range []ID{"1", "2", "3"} {
		if snapshot[i].ID != wantID {
			t.Fatalf("position %d: expected %s, got %s", i, wantID, snapshot[i].ID)
		}
	}
}

func TestRemoveTombstonesID(t *testing.T) {
	store := NewStore()
	event := mustEntity(t, "42", TypeEvent, 1, map[string]any{"title": "A"})
	store.Upsert(event)

	if removed := store.Remove(event.ID); !removed {
		t.Fatalf("expected removal of a live entity")
	}
	if !store.IsTombstoned(event.ID) {
		t.Fatalf("expected id to be tombstoned after removal")
	}
	if changed := store.Upsert(event); changed {
		t.Fatalf("tombstoned id must reject upserts")
	}
	if store.Len() != 0 {
		t.Fatalf("expected empty store, got %d entities", store.Len())
	}
}

func TestRemoveUnknownIDStillTombstones(t *testing.T) {
	store := NewStore()
	if removed := store.Remove(ID("99")); removed {
		t.Fatalf("removal of an unknown id should report false")
	}
	if !store.IsTombstoned(ID("99")) {
		t.Fatalf("a deletion observed before fetch must still tombstone")
	}
}

func TestForgetRetiresWithoutTombstone(t *testing.T) {
	store := NewStore()
	temp := mustEntity(t, "tmp-local", TypeEvent, 0, map[string]any{"title": "A"})
	store.Upsert(temp)
	store.Forget(temp.ID)

	if store.IsTombstoned(temp.ID) {
		t.Fatalf("forget must not tombstone")
	}
	if _, ok := store.Get(temp.ID); ok {
		t.Fatalf("forgotten entity should be gone")
	}
}

func TestReplaceInstallsSnapshotAndClearsTombstones(t *testing.T) {
	store := NewStore()
	stale := mustEntity(t, "1", TypeEvent, 1, nil)
	store.Upsert(stale)
	store.Remove(ID("7"))

	pending := mustEntity(t, "2", TypeEvent, 0, map[string]any{"title": "optimistic"})
	store.Upsert(pending)

	fresh := []Entity{
		mustEntity(t, "2", TypeEvent, 5, map[string]any{"title": "server"}),
		mustEntity(t, "3", TypeEvent, 5, nil),
	}
	store.Replace(fresh, map[ID]struct{}{ID("2"): {}})

	if _, ok := store.Get(ID("1")); ok {
		t.Fatalf("entity absent from snapshot should be dropped")
	}
	if store.IsTombstoned(ID("7")) {
		t.Fatalf("replace should clear tombstones")
	}
	kept, ok := store.Get(ID("2"))
	if !ok {
		t.Fatalf("expected kept entity to survive replace")
	}
	if kept.Fields["title"] != "optimistic" {
		t.Fatalf("pending id must retain its optimistic value, got %v", kept.Fields["title"])
	}
	if _, ok := store.Get(ID("3")); !ok {
		t.Fatalf("expected snapshot entity to be installed")
	}
}

func TestSubscribeDeliversSnapshots(t *testing.T) {
	store := NewStore()
	var observed [][]Entity
	cancel := store.Subscribe(func(snapshot []Entity) {
		observed = append(observed, snapshot)
	})

	store.Upsert(mustEntity(t, "1", TypeEvent, 1, nil))
	cancel()
	store.Upsert(mustEntity(t, "2", TypeEvent, 1, nil))

	if len(observed) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(observed))
	}
	if len(observed[0]) != 1 || observed[0][0].ID != ID("1") {
		t.Fatalf("unexpected snapshot contents: %#v", observed[0])
	}
}

func TestTemporaryIDsNeverCollideWithServerIDs(t *testing.T) {
	provider := NewUUIDProvider()
	id, err := provider.NewTemporaryID()
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if !id.IsTemporary() {
		t.Fatalf("expected provider id to be temporary, got %s", id)
	}
	serverID, err := NewID("42")
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	if serverID.IsTemporary() {
		t.Fatalf("server id must not read as temporary")
	}
}

func mustEntity(t *testing.T, rawID string, entityType Type, version int64, fields map[string]any) Entity {
	t.Helper()
	id, err := NewID(rawID)
	if err != nil {
		t.Fatalf("unexpected id error: %v", err)
	}
	return Entity{ID: id, Type: entityType, Version: version, Fields: fields}
}
