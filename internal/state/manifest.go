package state

import (
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

const manifestFile = "manifest.yml"

// Repo kinds.
const (
	RepoKindBase     = "base"
	RepoKindWorktree = "worktree"
)

// Destination kinds.
const (
	DestinationLocal  = "local"
	DestinationDocker = "docker"
)

// Manifest lists the repos a hub manages.
type Manifest struct {
	Version int         `yaml:"version"`
	Repos   []RepoEntry `yaml:"repos"`
}

// RepoEntry describes one managed repo or worktree.
type RepoEntry struct {
	RepoID      string       `yaml:"repo_id" json:"repo_id"`
	Path        string       `yaml:"path" json:"path"`
	Kind        string       `yaml:"kind" json:"kind"`
	WorktreeOf  string       `yaml:"worktree_of,omitempty" json:"worktree_of,omitempty"`
	Initialized bool         `yaml:"initialized" json:"initialized"`
	Destination *Destination `yaml:"destination,omitempty" json:"destination,omitempty"`
}

// Destination describes where agent processes for a repo execute.
type Destination struct {
	Kind           string            `yaml:"kind" json:"kind"`
	Image          string            `yaml:"image,omitempty" json:"image,omitempty"`
	ContainerName  string            `yaml:"container_name,omitempty" json:"container_name,omitempty"`
	Profile        string            `yaml:"profile,omitempty" json:"profile,omitempty"`
	Workdir        string            `yaml:"workdir,omitempty" json:"workdir,omitempty"`
	EnvPassthrough []string          `yaml:"env_passthrough,omitempty" json:"env_passthrough,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Mounts         []Mount           `yaml:"mounts,omitempty" json:"mounts,omitempty"`
}

// Mount is a bind mount for docker destinations.
type Mount struct {
	Source   string `yaml:"source" json:"source"`
	Target   string `yaml:"target" json:"target"`
	ReadOnly bool   `yaml:"read_only" json:"read_only"`
}

// LocalDestination is the fallback when neither a worktree nor its base
// declares one.
func LocalDestination() *Destination {
	return &Destination{Kind: DestinationLocal}
}

// Manifest reads the hub manifest. A missing file yields an empty manifest.
func (s *Store) Manifest() (*Manifest, error) {
	abs, err := s.Resolve(manifestFile)
	if err != nil {
		return nil, err
	}
	unlock := s.lockPath(abs)
	defer unlock()
	return loadManifestLocked(abs)
}

func loadManifestLocked(abs string) (*Manifest, error) {
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manifest{Version: 1}, nil
		}
		return nil, errs.Internal("read manifest", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, errs.FileCorrupt(abs, err)
	}
	if m.Version == 0 {
		m.Version = 1
	}
	if err := m.validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func saveManifestLocked(abs string, m *Manifest) error {
	if m.Version == 0 {
		m.Version = 1
	}
	if err := m.validate(); err != nil {
		return err
	}
	sort.Slice(m.Repos, func(i, j int) bool { return m.Repos[i].RepoID < m.Repos[j].RepoID })
	data, err := yaml.Marshal(m)
	if err != nil {
		return errs.Internal("marshal manifest", err)
	}
	return writeAtomic(abs, data)
}

// SaveManifest writes the manifest atomically after validation.
func (s *Store) SaveManifest(m *Manifest) error {
	abs, err := s.Resolve(manifestFile)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()
	return saveManifestLocked(abs, m)
}

// updateManifest runs a read-modify-write cycle under the manifest lock.
func (s *Store) updateManifest(mutate func(*Manifest) error) error {
	abs, err := s.Resolve(manifestFile)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()

	m, err := loadManifestLocked(abs)
	if err != nil {
		return err
	}
	if err := mutate(m); err != nil {
		return err
	}
	return saveManifestLocked(abs, m)
}

// UpsertRepo adds or replaces a repo entry by repo_id.
func (s *Store) UpsertRepo(entry RepoEntry) error {
	return s.updateManifest(func(m *Manifest) error {
		for i := range m.Repos {
			if m.Repos[i].RepoID == entry.RepoID {
				m.Repos[i] = entry
				return nil
			}
		}
		m.Repos = append(m.Repos, entry)
		return nil
	})
}

// RemoveRepo deletes a repo entry. Removing a base repo with live worktrees
// is a precondition failure.
func (s *Store) RemoveRepo(repoID string) error {
	return s.updateManifest(func(m *Manifest) error {
		for _, r := range m.Repos {
			if r.Kind == RepoKindWorktree && r.WorktreeOf == repoID {
				return errs.PreconditionFailed("repo %s has worktree %s", repoID, r.RepoID)
			}
		}
		kept := m.Repos[:0]
		found := false
		for _, r := range m.Repos {
			if r.RepoID == repoID {
				found = true
				continue
			}
			kept = append(kept, r)
		}
		if !found {
			return errs.NotFound("repo %s", repoID)
		}
		m.Repos = kept
		return nil
	})
}

// RepoByID looks a repo up in the manifest.
func (s *Store) RepoByID(repoID string) (*RepoEntry, error) {
	m, err := s.Manifest()
	if err != nil {
		return nil, err
	}
	for i := range m.Repos {
		if m.Repos[i].RepoID == repoID {
			return &m.Repos[i], nil
		}
	}
	return nil, errs.NotFound("repo %s", repoID)
}

// ResolveDestination returns the effective destination for a repo: its own,
// else its base repo's (for worktrees), else local.
func (s *Store) ResolveDestination(repoID string) (*Destination, error) {
	repo, err := s.RepoByID(repoID)
	if err != nil {
		return nil, err
	}
	if repo.Destination != nil {
		return repo.Destination, nil
	}
	if repo.Kind == RepoKindWorktree && repo.WorktreeOf != "" {
		base, err := s.RepoByID(repo.WorktreeOf)
		if err != nil {
			return nil, err
		}
		if base.Destination != nil {
			return base.Destination, nil
		}
	}
	return LocalDestination(), nil
}

// validate checks the manifest invariants: unique repo ids, valid kinds, and
// every worktree's worktree_of resolving to a base repo in this manifest.
func (m *Manifest) validate() error {
	seen := make(map[string]bool, len(m.Repos))
	byID := make(map[string]*RepoEntry, len(m.Repos))
	for i := range m.Repos {
		r := &m.Repos[i]
		if r.RepoID == "" {
			return errs.PreconditionFailed("manifest repo with empty repo_id")
		}
		if seen[r.RepoID] {
			return errs.PreconditionFailed("duplicate repo_id %s", r.RepoID)
		}
		seen[r.RepoID] = true
		byID[r.RepoID] = r
		if r.Kind != RepoKindBase && r.Kind != RepoKindWorktree {
			return errs.PreconditionFailed("repo %s has invalid kind %q", r.RepoID, r.Kind)
		}
		if d := r.Destination; d != nil {
			if d.Kind != DestinationLocal && d.Kind != DestinationDocker {
				return errs.PreconditionFailed("repo %s has invalid destination kind %q", r.RepoID, d.Kind)
			}
			if d.Kind == DestinationDocker && d.Image == "" {
				return errs.PreconditionFailed("repo %s docker destination needs an image", r.RepoID)
			}
		}
	}
	for i := range m.Repos {
		r := &m.Repos[i]
		if r.Kind != RepoKindWorktree {
			continue
		}
		base, ok := byID[r.WorktreeOf]
		if !ok {
			return errs.PreconditionFailed("worktree %s references missing base %q", r.RepoID, r.WorktreeOf)
		}
		if base.Kind != RepoKindBase {
			return errs.PreconditionFailed("worktree %s references non-base repo %q", r.RepoID, r.WorktreeOf)
		}
	}
	return nil
}
