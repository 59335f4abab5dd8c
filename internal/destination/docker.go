package destination

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

// DockerClient wraps the Docker SDK for container lifecycle operations.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerClient connects to the Docker daemon described by cfg.
func NewDockerClient(cfg config.DockerConfig, log *logger.Logger) (*DockerClient, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, errs.DestinationUnavailable("create docker client", err)
	}

	log.Info("docker client created",
		zap.String("host", cfg.Host),
		zap.String("api_version", cfg.APIVersion),
	)

	return &DockerClient{cli: cli, logger: log}, nil
}

// Ping checks that the daemon answers.
func (d *DockerClient) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return errs.DestinationUnavailable("docker daemon unreachable", err)
	}
	return nil
}

// Close releases the SDK client.
func (d *DockerClient) Close() error {
	return d.cli.Close()
}

// pullImage pulls an image and drains the progress stream so the pull
// completes before the caller proceeds.
func (d *DockerClient) pullImage(ctx context.Context, ref string) error {
	d.logger.Info("pulling image", zap.String("image", ref))
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return errs.DestinationUnavailable(fmt.Sprintf("pull image %s", ref), err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return errs.DestinationUnavailable(fmt.Sprintf("read pull stream for %s", ref), err)
	}
	return nil
}

// DockerExecutor runs agent processes inside a long-lived container bound to
// one repo.
type DockerExecutor struct {
	repoID   string
	repoPath string
	dest     *state.Destination
	client   *DockerClient
	logger   *logger.Logger
}

// NewDockerExecutor builds an executor that runs agents in a container.
func NewDockerExecutor(repoID, repoPath string, dest *state.Destination, dc *DockerClient, log *logger.Logger) *DockerExecutor {
	return &DockerExecutor{
		repoID:   repoID,
		repoPath: repoPath,
		dest:     dest,
		client:   dc,
		logger:   log.WithFields(zap.String("component", "destination-docker"), zap.String("repo_id", repoID)),
	}
}

// Kind reports the destination kind this executor serves.
func (e *DockerExecutor) Kind() string { return state.DestinationDocker }

func (e *DockerExecutor) containerName() string {
	if e.dest.ContainerName != "" {
		return e.dest.ContainerName
	}
	return "autorunner-" + e.repoID
}

// EnsureContainerRunning creates the repo's container if it is absent and
// starts it if it is stopped. It returns the container name, which the exec
// API accepts as an ID.
func (e *DockerExecutor) EnsureContainerRunning(ctx context.Context) (string, error) {
	name := e.containerName()

	inspect, err := e.client.cli.ContainerInspect(ctx, name)
	switch {
	case err == nil:
		if inspect.State != nil && inspect.State.Running {
			return name, nil
		}
		if err := e.client.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
			return "", errs.DestinationUnavailable(fmt.Sprintf("start container %s", name), err)
		}
		e.logger.Info("container started", zap.String("container", name))
		return name, nil
	case client.IsErrNotFound(err):
		// fall through to create
	default:
		return "", errs.DestinationUnavailable(fmt.Sprintf("inspect container %s", name), err)
	}

	if e.dest.Image == "" {
		return "", errs.PreconditionFailed("docker destination for repo %s has no image", e.repoID)
	}

	if err := e.createContainer(ctx, name); err != nil {
		return "", err
	}
	if err := e.client.cli.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return "", errs.DestinationUnavailable(fmt.Sprintf("start container %s", name), err)
	}
	e.logger.Info("container created and started",
		zap.String("container", name),
		zap.String("image", e.dest.Image),
	)
	return name, nil
}

func (e *DockerExecutor) createContainer(ctx context.Context, name string) error {
	mounts := e.binds()

	env := make([]string, 0, len(e.dest.EnvPassthrough)+len(e.dest.Env))
	for _, key := range e.dest.EnvPassthrough {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env, envList(e.dest.Env)...)

	containerCfg := &container.Config{
		Image:      e.dest.Image,
		Cmd:        []string{"sleep", "infinity"},
		Env:        env,
		WorkingDir: e.workdir(),
		Labels:     map[string]string{"codex-autorunner.repo_id": e.repoID},
	}
	hostCfg := &container.HostConfig{Mounts: mounts}

	_, err := e.client.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if client.IsErrNotFound(err) {
		// Image missing locally. Pull and retry once.
		if err := e.client.pullImage(ctx, e.dest.Image); err != nil {
			return err
		}
		_, err = e.client.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	}
	if err != nil {
		return errs.DestinationUnavailable(fmt.Sprintf("create container %s", name), err)
	}
	return nil
}

// binds assembles the container's bind mounts: the repo itself, the
// destination's declared mounts, and the full-dev home directories (mounted
// at their host paths so agent state resolves identically inside).
func (e *DockerExecutor) binds() []mount.Mount {
	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: e.repoPath,
		Target: e.repoPath,
	}}
	for _, m := range e.dest.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}
	if e.dest.Profile == ProfileFullDev {
		if home, err := os.UserHomeDir(); err == nil {
			for _, dir := range fullDevDirs(home) {
				mounts = append(mounts, mount.Mount{
					Type:   mount.TypeBind,
					Source: dir,
					Target: dir,
				})
			}
		}
	}
	return mounts
}

func (e *DockerExecutor) workdir() string {
	if e.dest.Workdir != "" {
		return e.dest.Workdir
	}
	return e.repoPath
}

// Preflight verifies the daemon, the container, its full-dev mounts, and the
// toolchain binaries inside it. Any failure surfaces as unavailable; agents
// are never silently rerouted to the host.
func (e *DockerExecutor) Preflight(ctx context.Context) error {
	if err := e.client.Ping(ctx); err != nil {
		return err
	}
	if e.dest.Profile != ProfileFullDev {
		return nil
	}

	name, err := e.EnsureContainerRunning(ctx)
	if err != nil {
		return err
	}

	if err := e.checkMounts(ctx, name); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, bin := range fullDevBinaries {
		g.Go(func() error {
			return e.checkBinary(gctx, name, bin)
		})
	}
	return g.Wait()
}

func (e *DockerExecutor) checkMounts(ctx context.Context, name string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return errs.Internal("resolve home dir", err)
	}
	inspect, err := e.client.cli.ContainerInspect(ctx, name)
	if err != nil {
		return errs.DestinationUnavailable(fmt.Sprintf("inspect container %s", name), err)
	}
	mounted := make(map[string]bool, len(inspect.Mounts))
	for _, m := range inspect.Mounts {
		mounted[m.Destination] = true
	}
	for _, dir := range fullDevDirs(home) {
		if !mounted[dir] {
			return errs.DestinationUnavailable(fmt.Sprintf("container %s is missing required mount %s", name, dir), nil)
		}
	}
	return nil
}

func (e *DockerExecutor) checkBinary(ctx context.Context, name, bin string) error {
	proc, err := e.execInContainer(ctx, name, SpawnSpec{Argv: []string{"sh", "-c", "command -v " + bin}})
	if err != nil {
		return err
	}
	go io.Copy(io.Discard, proc.Stdout())
	go io.Copy(io.Discard, proc.Stderr())
	if err := proc.Wait(); err != nil {
		return errs.DestinationUnavailable(fmt.Sprintf("binary %q not available in container %s", bin, name), err)
	}
	return nil
}

// Spawn ensures the container is up and starts the agent as an exec with
// attached stdio.
func (e *DockerExecutor) Spawn(ctx context.Context, spec SpawnSpec) (Process, error) {
	if len(spec.Argv) == 0 {
		return nil, errs.PreconditionFailed("spawn requires a non-empty argv")
	}
	if err := os.MkdirAll(WorkspaceDir(e.repoPath), 0o755); err != nil {
		return nil, errs.Internal("create workspace dir", err)
	}
	name, err := e.EnsureContainerRunning(ctx)
	if err != nil {
		return nil, err
	}
	return e.execInContainer(ctx, name, spec)
}

func (e *DockerExecutor) execInContainer(ctx context.Context, name string, spec SpawnSpec) (Process, error) {
	workdir := spec.Workdir
	if workdir == "" {
		workdir = e.workdir()
	}

	execOpts := container.ExecOptions{
		Cmd:          spec.Argv,
		WorkingDir:   workdir,
		Env:          append(envList(e.dest.Env), spec.Env...),
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
	}
	created, err := e.client.cli.ContainerExecCreate(ctx, name, execOpts)
	if err != nil {
		return nil, errs.DestinationUnavailable(fmt.Sprintf("exec create in %s", name), err)
	}

	attach, err := e.client.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return nil, errs.DestinationUnavailable(fmt.Sprintf("exec attach in %s", name), err)
	}

	proc := &dockerProcess{
		execID: created.ID,
		cli:    e.client.cli,
		hijack: attach,
		done:   make(chan struct{}),
	}
	proc.exit.Store(-1)

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	proc.stdout = stdoutR
	proc.stderr = stderrR
	go func() {
		defer close(proc.done)
		defer stdoutW.Close()
		defer stderrW.Close()
		demuxStreams(attach.Reader, stdoutW, stderrW)
	}()

	if inspect, err := e.client.cli.ContainerExecInspect(ctx, created.ID); err == nil {
		proc.pid = inspect.Pid
	}

	e.logger.Info("exec started",
		zap.String("container", name),
		zap.Strings("argv", spec.Argv),
		zap.String("exec_id", created.ID),
	)
	return proc, nil
}

// demuxStreams splits Docker's multiplexed attach stream. Frames carry an
// 8-byte header: byte 0 is the stream type (1 stdout, 2 stderr), bytes 4-7
// the big-endian frame size.
func demuxStreams(reader io.Reader, stdout, stderr io.Writer) {
	header := make([]byte, 8)
	for {
		if _, err := io.ReadFull(reader, header); err != nil {
			return
		}
		streamType := header[0]
		size := binary.BigEndian.Uint32(header[4:8])
		if size == 0 {
			continue
		}
		data := make([]byte, size)
		if _, err := io.ReadFull(reader, data); err != nil {
			return
		}
		switch streamType {
		case 1:
			stdout.Write(data)
		case 2:
			stderr.Write(data)
		}
	}
}

type dockerProcess struct {
	execID string
	cli    *client.Client
	hijack types.HijackedResponse

	stdout io.Reader
	stderr io.Reader
	pid    int
	done   chan struct{}

	exit     atomic.Int64
	waitOnce sync.Once
	waitErr  error
}

func (p *dockerProcess) Stdin() io.WriteCloser { return execStdin{p.hijack} }
func (p *dockerProcess) Stdout() io.Reader     { return p.stdout }
func (p *dockerProcess) Stderr() io.Reader     { return p.stderr }
func (p *dockerProcess) PID() int              { return p.pid }

// Wait blocks until the exec's stream ends, then fetches the exit code.
func (p *dockerProcess) Wait() error {
	p.waitOnce.Do(func() {
		<-p.done

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		inspect, err := p.cli.ContainerExecInspect(ctx, p.execID)
		if err != nil {
			p.waitErr = errs.DestinationUnavailable("exec inspect after exit", err)
			return
		}
		if inspect.Running {
			p.waitErr = fmt.Errorf("exec %s: stream closed while still running", p.execID)
			return
		}
		p.exit.Store(int64(inspect.ExitCode))
		if inspect.ExitCode != 0 {
			p.waitErr = fmt.Errorf("exec %s exited with code %d", p.execID, inspect.ExitCode)
		}
	})
	return p.waitErr
}

func (p *dockerProcess) ExitCode() int {
	return int(p.exit.Load())
}

// Kill severs the attach connection. The exec API has no kill operation;
// agents exit on stdin EOF, and anything that does not dies with its
// container.
func (p *dockerProcess) Kill() error {
	p.hijack.Close()
	return nil
}

// execStdin adapts the hijacked connection to a WriteCloser whose Close
// half-closes the write side, delivering EOF without losing the read stream.
type execStdin struct {
	hijack types.HijackedResponse
}

func (w execStdin) Write(b []byte) (int, error) { return w.hijack.Conn.Write(b) }
func (w execStdin) Close() error                { return w.hijack.CloseWrite() }
