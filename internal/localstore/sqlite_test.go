package localstore

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestDismissalStoreRoundTrip(t *testing.T) {
	store := newTestStore(t)

	if store.IsDismissed("todays-summary", "2026-08-30") {
		t.Fatalf("fresh store should report nothing dismissed")
	}
	if err := store.MarkDismissed("todays-summary", "2026-08-30"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if !store.IsDismissed("todays-summary", "2026-08-30") {
		t.Fatalf("expected key to be dismissed for the marked day")
	}
	if store.IsDismissed("todays-summary", "2026-08-31") {
		t.Fatalf("dismissal must not leak across days")
	}
	if store.IsDismissed("other-key", "2026-08-30") {
		t.Fatalf("dismissal must not leak across keys")
	}
}

func TestMarkDismissedIsIdempotent(t *testing.T) {
	store := newTestStore(t)

	if err := store.MarkDismissed("k", "2026-08-30"); err != nil {
		t.Fatalf("unexpected mark error: %v", err)
	}
	if err := store.MarkDismissed("k", "2026-08-30"); err != nil {
		t.Fatalf("re-marking an existing pair should succeed: %v", err)
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty database path")
	}
}

func newTestStore(t *testing.T) *DismissalStore {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "citypulse.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	store, err := NewDismissalStore(db)
	if err != nil {
		t.Fatalf("unexpected store error: %v", err)
	}
	return store
}
