package store

import (
	"errors"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertAndGetEvent(t *testing.T) {
	s := testStore(t)

	in := &Event{Id: 1001, MonitorId: 3, Name: "Front door motion", Frames: 250, Fps: 12.5, Duration: 20 * time.Second}
	if err := s.UpsertEvent(in); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}

	out, err := s.GetEvent(1001)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if *out != *in {
		t.Fatalf("get = %+v, want %+v", out, in)
	}

	in.Frames = 300
	if err := s.UpsertEvent(in); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	out, err = s.GetEvent(1001)
	if err != nil {
		t.Fatal(err)
	}
	if out.Frames != 300 {
		t.Fatalf("frames after update = %d, want 300", out.Frames)
	}
}

func TestGetEventNotFound(t *testing.T) {
	s := testStore(t)

	if _, err := s.GetEvent(404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get of missing event = %v, want ErrNotFound", err)
	}
}

func TestBumpViews(t *testing.T) {
	s := testStore(t)

	if err := s.UpsertEvent(&Event{Id: 7, Name: "Backyard", Frames: 10, Fps: 25}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if err := s.BumpViews(7); err != nil {
			t.Fatalf("bump %d failed: %v", i, err)
		}
	}

	event, err := s.GetEvent(7)
	if err != nil {
		t.Fatal(err)
	}
	if event.Views != 3 {
		t.Fatalf("views = %d, want 3", event.Views)
	}
}

func TestBumpViewsMissingEvent(t *testing.T) {
	s := testStore(t)

	if err := s.BumpViews(404); !errors.Is(err, ErrNotFound) {
		t.Fatalf("bump of missing event = %v, want ErrNotFound", err)
	}
}

func TestListEvents(t *testing.T) {
	s := testStore(t)

	for id := uint64(1); id <= 3; id++ {
		if err := s.UpsertEvent(&Event{Id: id, Frames: int(id) * 10, Fps: 25}); err != nil {
			t.Fatal(err)
		}
	}

	events, err := s.ListEvents()
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("list returned %d events, want 3", len(events))
	}

	seen := map[uint64]bool{}
	for _, event := range events {
		seen[event.Id] = true
	}
	for id := uint64(1); id <= 3; id++ {
		if !seen[id] {
			t.Fatalf("event %d missing from list", id)
		}
	}
}
