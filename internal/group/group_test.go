package group

import (
	"testing"

	"github.com/CityPulseResearchLab/citypulse/client/internal/entity"
)

func TestOpenSnapshotsMembersInOrder(t *testing.T) {
	store := seededStore(t, "A", "B", "C")
	index := NewIndex(store)

	opened, err := index.Open(ids("B", "A"))
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if len(opened.Members) != 2 {
		t.Fatalf("expected 2 members, got %d", len(opened.Members))
	}
	if opened.Members[0].ID != entity.ID("B") || opened.Members[1].ID != entity.ID("A") {
		t.Fatalf("expected caller-supplied order, got %v %v", opened.Members[0].ID, opened.Members[1].ID)
	}
	if opened.Index != 0 {
		t.Fatalf("expected cursor on first member, got %d", opened.Index)
	}
}

func TestOpenSkipsUnresolvedIDs(t *testing.T) {
	store := seededStore(t, "A")
	index := NewIndex(store)

	opened, err := index.Open(ids("A", "missing"))
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	if len(opened.Members) != 1 {
		t.Fatalf("expected unresolved ids to be skipped, got %d members", len(opened.Members))
	}

	if _, err := index.Open(ids("missing")); err != ErrEmptyGroup {
		t.Fatalf("expected ErrEmptyGroup, got %v", err)
	}
}

func TestNextPrevWrapAround(t *testing.T) {
	store := seededStore(t, "A", "B", "C")
	index := NewIndex(store)
	if _, err := index.Open(ids("A", "B", "C")); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	expectIndex := func(want int, got Group) {
		t.Helper()
		if got.Index != want {
			t.Fatalf("expected index %d, got %d", want, got.Index)
		}
	}

	current, _ := index.Next()
	expectIndex(1, current)
	current, _ = index.Next()
	expectIndex(2, current)
	current, _ = index.Next()
	expectIndex(0, current)
	current, _ = index.Prev()
	expectIndex(2, current)
}

func TestNextIsNoOpOnSingletonGroup(t *testing.T) {
	store := seededStore(t, "A")
	index := NewIndex(store)
	if _, err := index.Open(ids("A")); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	current, ok := index.Next()
	if !ok || current.Index != 0 {
		t.Fatalf("expected singleton next to stay at 0, got %d", current.Index)
	}
}

func TestRemovalClampsIndex(t *testing.T) {
	store := seededStore(t, "A", "B", "C")
	index := NewIndex(store)
	if _, err := index.Open(ids("A", "B", "C")); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	index.Next()
	index.Next()

	store.Remove(entity.ID("C"))

	current, ok := index.Current()
	if !ok {
		t.Fatalf("expected the group to stay open")
	}
	if len(current.Members) != 2 {
		t.Fatalf("expected deleted member to be excised, got %d members", len(current.Members))
	}
	if current.Index != 1 {
		t.Fatalf("expected index clamped to 1, got %d", current.Index)
	}
}

func TestRemovingLastMemberClosesGroup(t *testing.T) {
	store := seededStore(t, "A")
	index := NewIndex(store)
	if _, err := index.Open(ids("A")); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	store.Remove(entity.ID("A"))

	if _, ok := index.Current(); ok {
		t.Fatalf("expected the group to close when it empties")
	}
}

func TestAdditionsDoNotJoinOpenGroup(t *testing.T) {
	store := seededStore(t, "A", "B")
	index := NewIndex(store)
	if _, err := index.Open(ids("A", "B")); err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}

	store.Upsert(entity.Entity{ID: entity.ID("C"), Type: entity.TypeEvent})

	current, _ := index.Current()
	if len(current.Members) != 2 {
		t.Fatalf("additions must not retroactively alter an open group, got %d members", len(current.Members))
	}
}

func seededStore(t *testing.T, rawIDs ...string) *entity.Store {
	t.Helper()
	store := entity.NewStore()
	for _, raw := range rawIDs {
		id, err := entity.NewID(raw)
		if err != nil {
			t.Fatalf("unexpected id error: %v", err)
		}
		store.Upsert(entity.Entity{ID: id, Type: entity.TypeEvent, Fields: map[string]any{"title": raw}})
	}
	return store
}

func ids(raw ...string) []entity.ID {
	out := make([]entity.ID, 0, len(raw))
	for _, value := range raw {
		out = append(out, entity.ID(value))
	}
	return out
}
