package state

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

const dispatchesDir = "pma/dispatches"

// Dispatch priorities.
const (
	DispatchInfo   = "info"
	DispatchAction = "action"
)

var dispatchNameRe = regexp.MustCompile(`^(\d{8}T\d{6}Z)_(.+)\.md$`)

// Dispatch is one PMA inbox item, stored as pma/dispatches/<ts>_<id>.md with
// YAML frontmatter above a markdown body.
type Dispatch struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Priority     string     `json:"priority"`
	CreatedAt    time.Time  `json:"created_at"`
	SourceTurnID string     `json:"source_turn_id,omitempty"`
	Links        []string   `json:"links,omitempty"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Body         string     `json:"body"`
}

// Resolved reports whether the dispatch has been acknowledged.
func (d *Dispatch) Resolved() bool { return d.ResolvedAt != nil }

type dispatchFront struct {
	Title        string     `yaml:"title"`
	Priority     string     `yaml:"priority"`
	CreatedAt    time.Time  `yaml:"created_at"`
	SourceTurnID string     `yaml:"source_turn_id,omitempty"`
	Links        []string   `yaml:"links,omitempty"`
	ResolvedAt   *time.Time `yaml:"resolved_at,omitempty"`
}

func dispatchFileName(d *Dispatch) string {
	return fmt.Sprintf("%s_%s.md", d.CreatedAt.UTC().Format("20060102T150405Z"), d.ID)
}

func renderDispatch(d *Dispatch) ([]byte, error) {
	front, err := yaml.Marshal(dispatchFront{
		Title:        d.Title,
		Priority:     d.Priority,
		CreatedAt:    d.CreatedAt.UTC(),
		SourceTurnID: d.SourceTurnID,
		Links:        d.Links,
		ResolvedAt:   d.ResolvedAt,
	})
	if err != nil {
		return nil, errs.Internal("marshal dispatch frontmatter", err)
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(front)
	buf.WriteString("---\n\n")
	buf.WriteString(strings.TrimRight(d.Body, "\n"))
	buf.WriteString("\n")
	return buf.Bytes(), nil
}

// WriteDispatch persists a new dispatch and returns its absolute path. The
// caller supplies the id (a ULID); created_at defaults to now and names the
// file together with the id.
func (s *Store) WriteDispatch(d *Dispatch) (string, error) {
	if d.ID == "" {
		return "", errs.PreconditionFailed("dispatch needs an id")
	}
	if d.Priority == "" {
		d.Priority = DispatchInfo
	}
	if d.Priority != DispatchInfo && d.Priority != DispatchAction {
		return "", errs.PreconditionFailed("invalid dispatch priority %q", d.Priority)
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	data, err := renderDispatch(d)
	if err != nil {
		return "", err
	}
	rel := filepath.Join(dispatchesDir, dispatchFileName(d))
	if err := s.writeFileAtomic(rel, data); err != nil {
		return "", err
	}
	return s.Resolve(rel)
}

func parseDispatch(path string, raw []byte) (*Dispatch, error) {
	front, body, err := splitFrontmatter(raw)
	if err != nil {
		return nil, errs.FileCorrupt(path, err)
	}
	var f dispatchFront
	if err := yaml.Unmarshal(front, &f); err != nil {
		return nil, errs.FileCorrupt(path, err)
	}
	m := dispatchNameRe.FindStringSubmatch(filepath.Base(path))
	if m == nil {
		return nil, errs.FileCorrupt(path, fmt.Errorf("unexpected dispatch file name"))
	}
	return &Dispatch{
		ID:           m[2],
		Title:        f.Title,
		Priority:     f.Priority,
		CreatedAt:    f.CreatedAt,
		SourceTurnID: f.SourceTurnID,
		Links:        f.Links,
		ResolvedAt:   f.ResolvedAt,
		Body:         strings.TrimRight(string(body), "\n"),
	}, nil
}

// ListDispatches returns every dispatch, oldest first. Files that fail to
// parse are skipped with a warning; one hand-mangled dispatch must not hide
// the rest of the inbox.
func (s *Store) ListDispatches() ([]*Dispatch, error) {
	dirAbs, err := s.Resolve(dispatchesDir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.Internal("read dispatches dir", err)
	}

	var out []*Dispatch
	for _, e := range entries {
		if e.IsDir() || dispatchNameRe.FindStringSubmatch(e.Name()) == nil {
			continue
		}
		abs := filepath.Join(dirAbs, e.Name())
		raw, err := os.ReadFile(abs)
		if err != nil {
			return nil, errs.Internal("read dispatch", err)
		}
		d, err := parseDispatch(abs, raw)
		if err != nil {
			s.log.WithError(err).Warn("skipping unparseable dispatch")
			continue
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) dispatchPath(id string) (string, error) {
	dirAbs, err := s.Resolve(dispatchesDir)
	if err != nil {
		return "", err
	}
	entries, err := os.ReadDir(dirAbs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", errs.NotFound("dispatch %s", id)
		}
		return "", errs.Internal("read dispatches dir", err)
	}
	for _, e := range entries {
		m := dispatchNameRe.FindStringSubmatch(e.Name())
		if m != nil && m[2] == id {
			return filepath.Join(dirAbs, e.Name()), nil
		}
	}
	return "", errs.NotFound("dispatch %s", id)
}

// FindDispatch loads one dispatch by id.
func (s *Store) FindDispatch(id string) (*Dispatch, error) {
	abs, err := s.dispatchPath(id)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, errs.Internal("read dispatch", err)
	}
	return parseDispatch(abs, raw)
}

// ResolveDispatch stamps resolved_at on a dispatch. Resolving an already
// resolved dispatch keeps the original timestamp.
func (s *Store) ResolveDispatch(id string, at time.Time) (*Dispatch, error) {
	abs, err := s.dispatchPath(id)
	if err != nil {
		return nil, err
	}
	unlock := s.lockPath(abs)
	defer unlock()

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, errs.Internal("read dispatch", err)
	}
	d, err := parseDispatch(abs, raw)
	if err != nil {
		return nil, err
	}
	if d.Resolved() {
		return d, nil
	}
	if at.IsZero() {
		at = time.Now().UTC()
	}
	at = at.UTC()
	d.ResolvedAt = &at
	data, err := renderDispatch(d)
	if err != nil {
		return nil, err
	}
	if err := writeAtomic(abs, data); err != nil {
		return nil, err
	}
	return d, nil
}
