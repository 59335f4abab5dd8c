// Package destination turns a repo's configured destination into a way of
// running agent processes, either on the host or inside a container.
package destination

import (
	"context"
	"io"
	"path/filepath"
	"sort"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// ProfileFullDev is the destination profile that carries the complete coding
// toolchain. Preflight verifies it before any agent is launched.
const ProfileFullDev = "full-dev"

// fullDevBinaries must be executable wherever a full-dev agent runs.
var fullDevBinaries = []string{"codex", "opencode", "python3", "git", "rg", "bash", "node", "pnpm"}

// fullDevDirs are the host directories a full-dev destination needs access
// to: agent credentials and state live there.
func fullDevDirs(home string) []string {
	return []string{
		filepath.Join(home, ".codex"),
		filepath.Join(home, ".local", "share", "opencode"),
	}
}

// SpawnSpec describes one agent child process.
type SpawnSpec struct {
	Argv    []string
	Env     []string // extra KEY=VALUE entries on top of the destination env
	Workdir string   // defaults to the repo root
}

// Process is a running agent child, wherever it executes.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.Reader
	Stderr() io.Reader
	PID() int
	// Wait blocks until the child exits and reaps it. Safe to call from
	// multiple goroutines.
	Wait() error
	// ExitCode is -1 until the child has exited.
	ExitCode() int
	Kill() error
}

// Executor runs agent processes for one repo at one destination.
type Executor interface {
	Kind() string
	// Preflight verifies the destination can actually run agents. Failures
	// are KindDestinationUnavailable; there is no fallback to local.
	Preflight(ctx context.Context) error
	Spawn(ctx context.Context, spec SpawnSpec) (Process, error)
}

// WorkspaceDir is where per-session supervisor state lives for a repo. Docker
// destinations see the same path through the repo bind mount, so state stays
// under the canonical root either way.
func WorkspaceDir(repoPath string) string {
	return filepath.Join(repoPath, state.StateDirName, "app_server_workspaces")
}

// ForDestination picks the executor for a resolved destination. A docker
// destination without a reachable daemon is unavailable, never silently
// local.
func ForDestination(repoID, repoPath string, dest *state.Destination, docker *DockerClient, log *logger.Logger) (Executor, error) {
	if dest == nil {
		dest = state.LocalDestination()
	}
	switch dest.Kind {
	case "", state.DestinationLocal:
		return NewLocalExecutor(repoID, repoPath, dest, log), nil
	case state.DestinationDocker:
		if docker == nil {
			return nil, errs.DestinationUnavailable("docker destination configured but docker is not available", nil)
		}
		return NewDockerExecutor(repoID, repoPath, dest, docker, log), nil
	default:
		return nil, errs.PreconditionFailed("unknown destination kind %q", dest.Kind)
	}
}

// envList flattens a destination env map into sorted KEY=VALUE form.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
