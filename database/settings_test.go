package database

import (
	"context"
	"corsrules/models"
	"path/filepath"
	"testing"
)

func newTestBlobStore(t *testing.T) *BlobStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewBlobStore(db)
}

func TestBlobStoreGetMissing(t *testing.T) {
	s := newTestBlobStore(t)
	blob, ok, err := s.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok || blob != nil {
		t.Errorf("expected absent value, got ok=%v blob=%q", ok, blob)
	}
}

func TestBlobStoreSetGetAndEvents(t *testing.T) {
	s := newTestBlobStore(t)
	ctx := context.Background()

	var events []models.ChangeEvent
	cancel := s.OnChange(models.RulesKey, func(ev models.ChangeEvent) {
		events = append(events, ev)
	})
	var otherKey int
	s.OnChange(models.SettingsKey, func(models.ChangeEvent) { otherKey++ })

	if err := s.Set(WithSource(ctx, "ctx-a"), models.RulesKey, []byte(`[1]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Set(ctx, models.RulesKey, []byte(`[1,2]`)); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, err := s.Get(ctx, models.RulesKey)
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if string(got) != `[1,2]` {
		t.Errorf("Get = %q, want [1,2]", got)
	}

	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].OldValue != nil || string(events[0].NewValue) != `[1]` || events[0].Source != "ctx-a" {
		t.Errorf("first event = %+v", events[0])
	}
	if string(events[1].OldValue) != `[1]` || string(events[1].NewValue) != `[1,2]` || events[1].Source != "" {
		t.Errorf("second event = %+v", events[1])
	}
	if otherKey != 0 {
		t.Errorf("listener for another key fired %d times", otherKey)
	}

	// Identical rewrite does not notify.
	if err := s.Set(ctx, models.RulesKey, []byte(`[1,2]`)); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("identical write produced an event")
	}

	cancel()
	if err := s.Set(ctx, models.RulesKey, []byte(`[]`)); err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Errorf("cancelled listener still fired")
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "again.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	db.Close()
	db, err = Open(path)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	db.Close()
}
