package epgstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/zaplink/zaplink-server/internal/psi"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "epg.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleProgram(sourceID, eventID int, startMs int64) psi.Program {
	return psi.Program{
		Frequency:       "177028615",
		ChannelNumber:   "7.1",
		SourceID:        sourceID,
		EventID:         eventID,
		Title:           "Evening News",
		StartUnixMillis: startMs,
		EndUnixMillis:   startMs + 1800*1000,
	}
}

func TestUpsertThenQuery_roundTrips(t *testing.T) {
	s := openTest(t)
	p := sampleProgram(1001, 42, 1_700_000_000_000)
	if err := s.Upsert(p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := s.Query(1_699_999_000_000, 1_700_002_000_000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 program, got %d", len(got))
	}
	if got[0].Title != "Evening News" || got[0].EventID != 42 {
		t.Errorf("unexpected program: %+v", got[0])
	}
}

func TestUpsert_replacesOnConflict(t *testing.T) {
	s := openTest(t)
	p := sampleProgram(1001, 42, 1_700_000_000_000)
	if err := s.Upsert(p); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	p.Title = "Updated Title"
	if err := s.Upsert(p); err != nil {
		t.Fatalf("Upsert (update): %v", err)
	}

	got, err := s.Query(0, 1_800_000_000_000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("conflicting upsert should replace, not duplicate: got %d rows", len(got))
	}
	if got[0].Title != "Updated Title" {
		t.Errorf("Title = %q, want Updated Title", got[0].Title)
	}
}

func TestQuery_excludesNonOverlappingWindows(t *testing.T) {
	s := openTest(t)
	if err := s.Upsert(sampleProgram(1, 1, 1_700_000_000_000)); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Query(1_600_000_000_000, 1_600_000_001_000)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no programs outside the window, got %d", len(got))
	}
}

func TestExpire_deletesOldProgramsOnly(t *testing.T) {
	s := openTest(t)
	old := sampleProgram(1, 1, time.Now().Add(-48*time.Hour).UnixMilli())
	old.EndUnixMillis = old.StartUnixMillis + 1000
	recent := sampleProgram(1, 2, time.Now().UnixMilli())

	if err := s.Upsert(old); err != nil {
		t.Fatalf("Upsert old: %v", err)
	}
	if err := s.Upsert(recent); err != nil {
		t.Fatalf("Upsert recent: %v", err)
	}

	n, err := s.Expire(time.Now().Add(-24 * time.Hour))
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if n != 1 {
		t.Errorf("Expire deleted %d rows, want 1", n)
	}

	got, err := s.Query(0, time.Now().Add(24*time.Hour).UnixMilli())
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(got) != 1 || got[0].EventID != 2 {
		t.Errorf("expected only the recent program to survive, got %+v", got)
	}
}

func TestHasRecentData_falseWhenEmpty(t *testing.T) {
	s := openTest(t)
	if s.HasRecentData() {
		t.Error("HasRecentData should be false for an empty store")
	}
}

func TestHasRecentData_trueAfterRecentUpsert(t *testing.T) {
	s := openTest(t)
	if err := s.Upsert(sampleProgram(1, 1, time.Now().UnixMilli())); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !s.HasRecentData() {
		t.Error("HasRecentData should be true right after inserting a current program")
	}
}

func TestAddProgram_satisfiesSinkInterface(t *testing.T) {
	s := openTest(t)
	var sink psi.Sink = s
	sink.AddProgram(sampleProgram(1, 1, time.Now().UnixMilli()))
	if !s.HasRecentData() {
		t.Error("AddProgram should persist via Upsert")
	}
}
