package state

import (
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

const (
	ptyRegistryPath    = "ptys/registry.json"
	ptyRegistryVersion = 1
)

// PTYSessionRecord is the durable half of a PTY session: enough to list
// sessions across hub restarts and respawn on attach. Live process state is
// in-memory only.
type PTYSessionRecord struct {
	SessionID string    `json:"session_id"`
	RepoID    string    `json:"repo_id,omitempty"`
	Agent     string    `json:"agent,omitempty"`
	Argv      []string  `json:"argv"`
	Cwd       string    `json:"cwd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// PTYRegistry is the persisted shape of ptys/registry.json.
type PTYRegistry struct {
	Version  int                `json:"version"`
	Sessions []PTYSessionRecord `json:"sessions"`
}

// LoadPTYRegistry reads the hub PTY registry. Missing reads as empty; a
// corrupt registry is an authoritative-file failure.
func (s *Store) LoadPTYRegistry() (*PTYRegistry, error) {
	var reg PTYRegistry
	err := s.readJSON(ptyRegistryPath, &reg)
	if err != nil {
		if errs.IsKind(err, errs.KindNotFound) {
			return &PTYRegistry{Version: ptyRegistryVersion, Sessions: []PTYSessionRecord{}}, nil
		}
		return nil, err
	}
	reg.Version = ptyRegistryVersion
	if reg.Sessions == nil {
		reg.Sessions = []PTYSessionRecord{}
	}
	return &reg, nil
}

// SavePTYRegistry persists the registry atomically.
func (s *Store) SavePTYRegistry(reg *PTYRegistry) error {
	reg.Version = ptyRegistryVersion
	if reg.Sessions == nil {
		reg.Sessions = []PTYSessionRecord{}
	}
	return s.writeJSON(ptyRegistryPath, reg)
}

// UpsertPTYSession inserts or replaces one registry record by session id.
func (s *Store) UpsertPTYSession(rec PTYSessionRecord) error {
	if rec.SessionID == "" {
		return errs.PreconditionFailed("pty session needs an id")
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	reg, err := s.LoadPTYRegistry()
	if err != nil {
		return err
	}
	replaced := false
	for i, cur := range reg.Sessions {
		if cur.SessionID == rec.SessionID {
			reg.Sessions[i] = rec
			replaced = true
			break
		}
	}
	if !replaced {
		reg.Sessions = append(reg.Sessions, rec)
	}
	return s.SavePTYRegistry(reg)
}

// RemovePTYSession drops one registry record. Removing an unknown id is a
// no-op.
func (s *Store) RemovePTYSession(sessionID string) error {
	reg, err := s.LoadPTYRegistry()
	if err != nil {
		return err
	}
	kept := reg.Sessions[:0]
	for _, cur := range reg.Sessions {
		if cur.SessionID != sessionID {
			kept = append(kept, cur)
		}
	}
	reg.Sessions = kept
	return s.SavePTYRegistry(reg)
}
