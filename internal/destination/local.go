package destination

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// LocalExecutor spawns agent processes directly on the host.
type LocalExecutor struct {
	repoID   string
	repoPath string
	dest     *state.Destination
	logger   *logger.Logger
}

// NewLocalExecutor builds an executor for the host environment.
func NewLocalExecutor(repoID, repoPath string, dest *state.Destination, log *logger.Logger) *LocalExecutor {
	return &LocalExecutor{
		repoID:   repoID,
		repoPath: repoPath,
		dest:     dest,
		logger:   log.WithFields(zap.String("component", "destination-local"), zap.String("repo_id", repoID)),
	}
}

// Kind reports the destination kind this executor serves.
func (e *LocalExecutor) Kind() string { return state.DestinationLocal }

// Preflight verifies the full-dev toolchain on the host. Profiles without
// requirements pass trivially.
func (e *LocalExecutor) Preflight(ctx context.Context) error {
	if e.dest.Profile != ProfileFullDev {
		return nil
	}

	g, _ := errgroup.WithContext(ctx)
	for _, bin := range fullDevBinaries {
		g.Go(func() error {
			if _, err := exec.LookPath(bin); err != nil {
				return errs.DestinationUnavailable(fmt.Sprintf("binary %q not on PATH", bin), err)
			}
			return nil
		})
	}
	if home, err := os.UserHomeDir(); err == nil {
		for _, dir := range fullDevDirs(home) {
			g.Go(func() error {
				if _, err := os.Stat(dir); err != nil {
					return errs.DestinationUnavailable(fmt.Sprintf("required directory %s missing", dir), err)
				}
				return nil
			})
		}
	}
	return g.Wait()
}

// Spawn starts an agent child with piped stdio. The context is not attached
// to the command: the caller, not the request that triggered the spawn, owns
// the child's lifetime.
func (e *LocalExecutor) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Cancelled("spawn cancelled")
	}
	if len(spec.Argv) == 0 {
		return nil, errs.PreconditionFailed("spawn requires a non-empty argv")
	}
	if err := os.MkdirAll(WorkspaceDir(e.repoPath), 0o755); err != nil {
		return nil, errs.Internal("create workspace dir", err)
	}

	workdir := spec.Workdir
	if workdir == "" {
		workdir = e.repoPath
	}

	cmd := exec.Command(spec.Argv[0], spec.Argv[1:]...)
	cmd.Dir = workdir
	cmd.Env = append(os.Environ(), envList(e.dest.Env)...)
	cmd.Env = append(cmd.Env, spec.Env...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Internal("stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Internal("stdout pipe", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, errs.Internal("stderr pipe", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, errs.DestinationUnavailable(fmt.Sprintf("start %s", spec.Argv[0]), err)
	}

	e.logger.Info("agent process started",
		zap.Strings("argv", spec.Argv),
		zap.String("workdir", workdir),
		zap.Int("pid", cmd.Process.Pid),
	)

	return &localProcess{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}, nil
}

type localProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	waitOnce sync.Once
	waitErr  error
}

func (p *localProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *localProcess) Stdout() io.Reader     { return p.stdout }
func (p *localProcess) Stderr() io.Reader     { return p.stderr }

func (p *localProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *localProcess) Wait() error {
	p.waitOnce.Do(func() {
		p.waitErr = p.cmd.Wait()
	})
	return p.waitErr
}

func (p *localProcess) ExitCode() int {
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

func (p *localProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
