package state

import (
	"testing"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
)

func TestManifest_MissingIsEmpty(t *testing.T) {
	s := newTestStore(t)
	m, err := s.Manifest()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if m.Version != 1 || len(m.Repos) != 0 {
		t.Fatalf("unexpected empty manifest: %+v", m)
	}
}

func TestUpsertRepo_AndResolveDestination(t *testing.T) {
	s := newTestStore(t)

	base := RepoEntry{
		RepoID: "core",
		Path:   "/work/core",
		Kind:   RepoKindBase,
		Destination: &Destination{
			Kind:  DestinationDocker,
			Image: "dev:latest",
		},
	}
	wt := RepoEntry{
		RepoID:     "core-wt1",
		Path:       "/work/core-wt1",
		Kind:       RepoKindWorktree,
		WorktreeOf: "core",
	}
	plain := RepoEntry{RepoID: "plain", Path: "/work/plain", Kind: RepoKindBase}

	for _, r := range []RepoEntry{base, wt, plain} {
		if err := s.UpsertRepo(r); err != nil {
			t.Fatalf("upsert %s: %v", r.RepoID, err)
		}
	}

	// Worktree without its own destination inherits the base's.
	dest, err := s.ResolveDestination("core-wt1")
	if err != nil {
		t.Fatal(err)
	}
	if dest.Kind != DestinationDocker || dest.Image != "dev:latest" {
		t.Errorf("expected base docker destination, got %+v", dest)
	}

	// No destination anywhere falls back to local.
	dest, err = s.ResolveDestination("plain")
	if err != nil {
		t.Fatal(err)
	}
	if dest.Kind != DestinationLocal {
		t.Errorf("expected local fallback, got %+v", dest)
	}

	if _, err := s.ResolveDestination("ghost"); !errs.IsKind(err, errs.KindNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestRemoveRepo_BaseWithWorktreesBlocked(t *testing.T) {
	s := newTestStore(t)
	if err := s.UpsertRepo(RepoEntry{RepoID: "core", Path: "/w/core", Kind: RepoKindBase}); err != nil {
		t.Fatal(err)
	}
	if err := s.UpsertRepo(RepoEntry{RepoID: "wt", Path: "/w/wt", Kind: RepoKindWorktree, WorktreeOf: "core"}); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveRepo("core"); !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("expected precondition_failed, got %v", err)
	}
	if err := s.RemoveRepo("wt"); err != nil {
		t.Fatalf("remove worktree: %v", err)
	}
	if err := s.RemoveRepo("core"); err != nil {
		t.Fatalf("remove base after worktree gone: %v", err)
	}
}

func TestManifestValidate(t *testing.T) {
	s := newTestStore(t)

	cases := []struct {
		name string
		m    Manifest
	}{
		{"duplicate ids", Manifest{Repos: []RepoEntry{
			{RepoID: "a", Kind: RepoKindBase},
			{RepoID: "a", Kind: RepoKindBase},
		}}},
		{"bad kind", Manifest{Repos: []RepoEntry{{RepoID: "a", Kind: "mirror"}}}},
		{"docker without image", Manifest{Repos: []RepoEntry{
			{RepoID: "a", Kind: RepoKindBase, Destination: &Destination{Kind: DestinationDocker}},
		}}},
		{"dangling worktree", Manifest{Repos: []RepoEntry{
			{RepoID: "wt", Kind: RepoKindWorktree, WorktreeOf: "nope"},
		}}},
		{"worktree of worktree", Manifest{Repos: []RepoEntry{
			{RepoID: "a", Kind: RepoKindBase},
			{RepoID: "b", Kind: RepoKindWorktree, WorktreeOf: "a"},
			{RepoID: "c", Kind: RepoKindWorktree, WorktreeOf: "b"},
		}}},
	}
	for _, tc := range cases {
		m := tc.m
		if err := s.SaveManifest(&m); !errs.IsKind(err, errs.KindPreconditionFailed) {
			t.Errorf("%s: expected precondition_failed, got %v", tc.name, err)
		}
	}
}
