// Package state owns every durable artifact under a .codex-autorunner/
// subtree. All other components read and write through a Store; nothing else
// touches the filesystem.
//
// Write contract: atomic write-rename into the target directory, under a
// per-path advisory lock. Appends use O_APPEND and never truncate. Every
// path is checked to resolve under the state root; an escape is a fatal
// internal error.
package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
)

// StateDirName is the subtree that holds all durable hub and repo state.
const StateDirName = ".codex-autorunner"

// Store provides typed access to the durable artifacts of one root
// (a hub root or a repo root).
type Store struct {
	root string // absolute root directory
	base string // root/.codex-autorunner

	locks sync.Map // path -> *sync.Mutex
	log   *logger.Logger
}

// Open returns a Store for the given root, creating the state directory if
// missing. The root itself must already exist.
func Open(root string, log *logger.Logger) (*Store, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, errs.Internal("resolve state root", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, errs.NotFound("state root %s: %v", abs, err)
	}
	if !info.IsDir() {
		return nil, errs.PreconditionFailed("state root %s is not a directory", abs)
	}

	base := filepath.Join(abs, StateDirName)
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, errs.Internal("create state dir", err)
	}

	if log == nil {
		log = logger.Default()
	}
	return &Store{root: abs, base: base, log: log}, nil
}

// Root returns the absolute root directory this store serves.
func (s *Store) Root() string { return s.root }

// Base returns the absolute .codex-autorunner directory.
func (s *Store) Base() string { return s.base }

// Resolve maps a path relative to the state directory onto an absolute path,
// rejecting anything that escapes the state root.
func (s *Store) Resolve(rel string) (string, error) {
	if filepath.IsAbs(rel) {
		// Absolute paths are allowed only when already inside the subtree.
		if !contained(s.base, rel) {
			return "", errs.Newf(errs.KindInternal, "path escapes state root").WithPath(rel)
		}
		return filepath.Clean(rel), nil
	}
	abs := filepath.Join(s.base, rel)
	if !contained(s.base, abs) {
		return "", errs.Newf(errs.KindInternal, "path escapes state root").WithPath(rel)
	}
	return abs, nil
}

func contained(base, path string) bool {
	cleaned := filepath.Clean(path)
	if cleaned == base {
		return true
	}
	return strings.HasPrefix(cleaned, base+string(filepath.Separator))
}

// lockPath acquires the advisory lock for an absolute path and returns the
// release function. Locks serialize writers per path within this process.
func (s *Store) lockPath(path string) func() {
	v, _ := s.locks.LoadOrStore(path, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// writeFileAtomic writes data to rel via a temp file and rename, under the
// path lock.
func (s *Store) writeFileAtomic(rel string, data []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()
	return writeAtomic(abs, data)
}

func writeAtomic(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.Internal("create parent dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return errs.Internal("create temp file", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errs.Internal("write temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errs.Internal("close temp file", err)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return errs.Internal("chmod temp file", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return errs.Internal("rename temp file", err)
	}
	return nil
}

// appendLine appends one line (newline added) to rel with O_APPEND, creating
// the file if missing. Appends never truncate.
func (s *Store) appendLine(rel string, line []byte) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	unlock := s.lockPath(abs)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0755); err != nil {
		return errs.Internal("create parent dir", err)
	}
	f, err := os.OpenFile(abs, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return errs.Internal("open append file", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return errs.Internal("append line", err)
	}
	return nil
}

// AppendJSONL marshals v and appends it as one JSONL line to rel.
func (s *Store) AppendJSONL(rel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Internal("marshal jsonl record", err)
	}
	return s.appendLine(rel, data)
}

// AppendText appends text as one line to rel. Containment and locking as
// with every other write.
func (s *Store) AppendText(rel, text string) error {
	return s.appendLine(rel, []byte(text))
}

// writeJSON marshals v (indent for humans) and writes it atomically.
func (s *Store) writeJSON(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errs.Internal("marshal json", err)
	}
	return s.writeFileAtomic(rel, append(data, '\n'))
}

// readJSON reads rel into v. Missing files return os.ErrNotExist wrapped in a
// NotFound; parse failures return FileCorrupt with the path.
func (s *Store) readJSON(rel string, v any) error {
	abs, err := s.Resolve(rel)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return errs.NotFound("%s", rel)
		}
		return errs.Internal("read file", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.FileCorrupt(abs, err)
	}
	return nil
}
