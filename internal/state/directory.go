package state

import (
	"encoding/json"
	"os"
	"sort"
	"time"
)

const (
	directoryFilePath    = "chat/channel_directory.json"
	directoryFileVersion = 1
)

// DirectoryEntry records where a chat conversation lives, learned from
// inbound traffic. The directory is a derived cache: delivery never consults
// it, and a corrupt file is re-seeded instead of surfacing an error.
type DirectoryEntry struct {
	Platform string    `json:"platform"`
	ChatID   string    `json:"chat_id"`
	ThreadID string    `json:"thread_id,omitempty"`
	Title    string    `json:"title,omitempty"`
	Kind     string    `json:"kind,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

func (e DirectoryEntry) key() string {
	k := e.Platform + ":" + e.ChatID
	if e.ThreadID != "" {
		k += ":" + e.ThreadID
	}
	return k
}

// DirectoryFile is the persisted shape of chat/channel_directory.json.
type DirectoryFile struct {
	Version int              `json:"version"`
	Entries []DirectoryEntry `json:"entries"`
}

func emptyDirectory() *DirectoryFile {
	return &DirectoryFile{Version: directoryFileVersion, Entries: []DirectoryEntry{}}
}

// LoadDirectory reads the channel directory. Missing or unparseable files
// return an empty directory; the next upsert re-seeds the file.
func (s *Store) LoadDirectory() (*DirectoryFile, error) {
	abs, err := s.Resolve(directoryFilePath)
	if err != nil {
		return nil, err
	}
	unlock := s.lockPath(abs)
	defer unlock()
	return loadDirectoryLocked(abs, s), nil
}

func loadDirectoryLocked(abs string, s *Store) *DirectoryFile {
	data, err := os.ReadFile(abs)
	if err != nil {
		return emptyDirectory()
	}
	var df DirectoryFile
	if err := json.Unmarshal(data, &df); err != nil {
		s.log.WithError(err).Warn("channel directory unreadable, re-seeding")
		return emptyDirectory()
	}
	df.Version = directoryFileVersion
	if df.Entries == nil {
		df.Entries = []DirectoryEntry{}
	}
	return &df
}

// UpsertDirectoryEntry inserts or refreshes an entry keyed by
// (platform, chat_id, thread_id) and persists the directory sorted by key.
func (s *Store) UpsertDirectoryEntry(e DirectoryEntry) error {
	if e.Platform == "" || e.ChatID == "" {
		return nil // nothing addressable to record
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = time.Now().UTC()
	}
	abs, err := s.Resolve(directoryFilePath)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()

	df := loadDirectoryLocked(abs, s)
	replaced := false
	for i, cur := range df.Entries {
		if cur.key() != e.key() {
			continue
		}
		if e.Title == "" {
			e.Title = cur.Title
		}
		if e.Kind == "" {
			e.Kind = cur.Kind
		}
		df.Entries[i] = e
		replaced = true
		break
	}
	if !replaced {
		df.Entries = append(df.Entries, e)
	}
	sort.Slice(df.Entries, func(i, j int) bool { return df.Entries[i].key() < df.Entries[j].key() })

	data, err := json.MarshalIndent(df, "", "  ")
	if err != nil {
		return err
	}
	return writeAtomic(abs, append(data, '\n'))
}
