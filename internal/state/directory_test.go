package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestUpsertDirectoryEntry_InsertAndRefresh(t *testing.T) {
	s := newTestStore(t)

	first := DirectoryEntry{
		Platform: PlatformTelegram,
		ChatID:   "123",
		ThreadID: "456",
		Title:    "ops channel",
		Kind:     "group",
		LastSeen: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertDirectoryEntry(first); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.UpsertDirectoryEntry(DirectoryEntry{Platform: PlatformDiscord, ChatID: "9"}); err != nil {
		t.Fatal(err)
	}

	// Refresh with a newer sighting; empty title keeps the known one.
	refresh := DirectoryEntry{
		Platform: PlatformTelegram,
		ChatID:   "123",
		ThreadID: "456",
		LastSeen: time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertDirectoryEntry(refresh); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	df, err := s.LoadDirectory()
	if err != nil {
		t.Fatal(err)
	}
	if len(df.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(df.Entries))
	}
	// Sorted by key: "discord:9" before "telegram:123:456".
	if df.Entries[0].Platform != PlatformDiscord {
		t.Errorf("entries not sorted by key: %+v", df.Entries)
	}
	tg := df.Entries[1]
	if tg.Title != "ops channel" || tg.Kind != "group" {
		t.Errorf("refresh dropped known fields: %+v", tg)
	}
	if !tg.LastSeen.Equal(refresh.LastSeen) {
		t.Errorf("last_seen not refreshed: %v", tg.LastSeen)
	}
}

func TestLoadDirectory_CorruptReseeds(t *testing.T) {
	s := newTestStore(t)
	abs, err := s.Resolve(directoryFilePath)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(abs, []byte("###"), 0644); err != nil {
		t.Fatal(err)
	}

	df, err := s.LoadDirectory()
	if err != nil {
		t.Fatalf("corrupt directory must not error: %v", err)
	}
	if len(df.Entries) != 0 {
		t.Fatalf("expected reseeded empty directory, got %+v", df.Entries)
	}

	// The next upsert writes a valid file again.
	if err := s.UpsertDirectoryEntry(DirectoryEntry{Platform: PlatformDiscord, ChatID: "1"}); err != nil {
		t.Fatal(err)
	}
	df, err = s.LoadDirectory()
	if err != nil {
		t.Fatal(err)
	}
	if len(df.Entries) != 1 {
		t.Fatalf("expected 1 entry after reseed, got %d", len(df.Entries))
	}
}

func TestUpsertDirectoryEntry_IgnoresUnaddressable(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertDirectoryEntry(DirectoryEntry{Platform: PlatformTelegram}); err != nil {
		t.Fatal(err)
	}
	df, err := s.LoadDirectory()
	if err != nil {
		t.Fatal(err)
	}
	if len(df.Entries) != 0 {
		t.Fatalf("entry without chat_id must be ignored, got %+v", df.Entries)
	}
}
