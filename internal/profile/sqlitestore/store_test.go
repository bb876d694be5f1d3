package sqlitestore

import (
	"context"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/matt-riley/bucketz/internal/profile"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()

	store, err := Open(context.Background(), path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), "  "); err == nil {
		t.Fatal("Open(blank) error = nil, want error")
	}
}

func TestStorePutLoadDelete(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, filepath.Join(t.TempDir(), "profiles.db"))

	for _, record := range []profile.Record{
		{UserID: "u2", ExperimentID: "e1", VariationID: "v1"},
		{UserID: "u1", ExperimentID: "e1", VariationID: "v1"},
		{UserID: "u1", ExperimentID: "e1", VariationID: "v2"},
	} {
		if err := store.Put(ctx, record); err != nil {
			t.Fatalf("Put(%+v) error = %v", record, err)
		}
	}

	records, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := []profile.Record{
		{UserID: "u1", ExperimentID: "e1", VariationID: "v2"},
		{UserID: "u2", ExperimentID: "e1", VariationID: "v1"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("Load() = %v, want %v", records, want)
	}

	if err := store.Delete(ctx, "u1", "e1"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := store.Delete(ctx, "missing", "e1"); err != nil {
		t.Fatalf("Delete(missing) error = %v", err)
	}

	records, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 1 || records[0].UserID != "u2" {
		t.Fatalf("Load() after Delete = %v, want only u2", records)
	}
}

func TestStoreSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles.db")

	first, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := first.Put(ctx, profile.Record{UserID: "u", ExperimentID: "e", VariationID: "v"}); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	second := openTestStore(t, path)
	records, err := second.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(records) != 1 || records[0].VariationID != "v" {
		t.Fatalf("Load() after reopen = %v, want the saved record", records)
	}
}

func TestStoreBacksCachedStore(t *testing.T) {
	ctx := context.Background()
	backend := openTestStore(t, filepath.Join(t.TempDir(), "profiles.db"))

	cached, err := profile.NewCachedStore(ctx, backend)
	if err != nil {
		t.Fatalf("NewCachedStore() error = %v", err)
	}
	if err := cached.Save(ctx, "u", "e", "v"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := cached.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	records, err := backend.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if want := []profile.Record{{UserID: "u", ExperimentID: "e", VariationID: "v"}}; !reflect.DeepEqual(records, want) {
		t.Fatalf("Load() = %v, want %v", records, want)
	}
}
