package profile

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	if got, err := store.Lookup(ctx, "nobody"); err != nil || got != nil {
		t.Fatalf("Lookup(nobody) = (%v, %v), want (nil, nil)", got, err)
	}

	if err := store.Save(ctx, "u1", "e1", "v1"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "u1", "e2", "v2"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := store.Save(ctx, "u1", "e1", "v3"); err != nil {
		t.Fatalf("Save(overwrite) error = %v", err)
	}

	got, err := store.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup() error = %v", err)
	}
	if want := map[string]string{"e1": "v3", "e2": "v2"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("Lookup(u1) = %v, want %v", got, want)
	}

	got["e1"] = "mutated"
	if again, _ := store.Lookup(ctx, "u1"); again["e1"] != "v3" {
		t.Fatal("Lookup() exposes the internal map")
	}

	if err := store.Remove(ctx, "u1", "e1"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if err := store.Remove(ctx, "missing", "e1"); err != nil {
		t.Fatalf("Remove(missing) error = %v", err)
	}

	records, err := store.Records(ctx)
	if err != nil {
		t.Fatalf("Records() error = %v", err)
	}
	if want := []Record{{UserID: "u1", ExperimentID: "e2", VariationID: "v2"}}; !reflect.DeepEqual(records, want) {
		t.Fatalf("Records() = %v, want %v", records, want)
	}
}

func TestMemoryStoreRejectsIncompleteRecords(t *testing.T) {
	store := NewMemoryStore()
	tests := []Record{
		{ExperimentID: "e", VariationID: "v"},
		{UserID: "u", VariationID: "v"},
		{UserID: "u", ExperimentID: "e"},
	}

	for _, record := range tests {
		if err := store.Save(context.Background(), record.UserID, record.ExperimentID, record.VariationID); !errors.Is(err, ErrInvalidRecord) {
			t.Fatalf("Save(%+v) error = %v, want %v", record, err, ErrInvalidRecord)
		}
	}
}

func TestNoopStore(t *testing.T) {
	ctx := context.Background()
	var store Store = NoopStore{}

	if err := store.Save(ctx, "u", "e", "v"); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if got, err := store.Lookup(ctx, "u"); err != nil || got != nil {
		t.Fatalf("Lookup() = (%v, %v), want (nil, nil)", got, err)
	}
	if records, err := store.Records(ctx); err != nil || len(records) != 0 {
		t.Fatalf("Records() = (%v, %v), want none", records, err)
	}
}

func TestSortRecords(t *testing.T) {
	records := []Record{
		{UserID: "b", ExperimentID: "1"},
		{UserID: "a", ExperimentID: "2"},
		{UserID: "a", ExperimentID: "1"},
	}
	SortRecords(records)

	want := []Record{
		{UserID: "a", ExperimentID: "1"},
		{UserID: "a", ExperimentID: "2"},
		{UserID: "b", ExperimentID: "1"},
	}
	if !reflect.DeepEqual(records, want) {
		t.Fatalf("SortRecords() = %v, want %v", records, want)
	}
}
