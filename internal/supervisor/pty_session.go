package supervisor

import (
	"os"
	"os/exec"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
)

const ptySubscriberCap = 64

// PTYRequest describes a terminal session to start. Argv is optional; when
// empty the session runs the user's shell.
type PTYRequest struct {
	SessionID string
	RepoID    string
	Agent     string
	Argv      []string
	Cwd       string
	Cols      int
	Rows      int
	Env       map[string]string
}

// PTYSession is one interactive terminal child. Output fans out to
// subscribers and into a replay ring so late attachers see recent history.
// The child is user-driven: it is never respawned, the session lives until
// the process exits or Stop is called.
type PTYSession struct {
	ID        string
	RepoID    string
	Agent     string
	Argv      []string
	Cwd       string
	CreatedAt time.Time

	logger  *logger.Logger
	cmd     *exec.Cmd
	handle  ptyHandle
	tracker *statusTracker

	ringBytes int

	mu           sync.Mutex
	ring         []byte
	subscribers  map[chan []byte]struct{}
	lastActivity time.Time
	exited       bool
	stopping     bool

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	onExit func(sessionID string)
}

// startPTYSession spawns the child on a pseudo-terminal and begins pumping
// output. onStatus fires on derived status transitions, onExit once when the
// child is gone.
func startPTYSession(req PTYRequest, ringBytes int, statusInterval time.Duration, log *logger.Logger, onStatus func(sessionID, status string), onExit func(sessionID string)) (*PTYSession, error) {
	id := req.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	argv := req.Argv
	if len(argv) == 0 {
		sh, args := detectShell()
		argv = append([]string{sh}, args...)
	}
	cols, rows := req.Cols, req.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}
	if ringBytes <= 0 {
		ringBytes = 64 * 1024
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = req.Cwd
	cmd.Env = buildPTYEnv(req.Cwd, req.Env)

	handle, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, errs.DestinationUnavailable("spawn pty process", err)
	}

	s := &PTYSession{
		ID:        id,
		RepoID:    req.RepoID,
		Agent:     req.Agent,
		Argv:      argv,
		Cwd:       req.Cwd,
		CreatedAt: time.Now().UTC(),
		logger: log.WithFields(
			zap.String("component", "pty-session"),
			zap.String("session_id", id),
		),
		cmd:          cmd,
		handle:       handle,
		ringBytes:    ringBytes,
		subscribers:  make(map[chan []byte]struct{}),
		lastActivity: time.Now().UTC(),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
		onExit:       onExit,
	}
	s.tracker = newStatusTracker(id, cols, rows, statusInterval, onStatus, log)

	s.logger.Info("pty session started",
		zap.Strings("argv", argv),
		zap.String("cwd", req.Cwd),
		zap.Int("pid", cmd.Process.Pid))

	go s.readOutput()
	go s.waitForExit()
	go s.statusLoop()

	return s, nil
}

// detectShell returns the shell to run when no argv was given.
func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		if _, err := exec.LookPath("pwsh.exe"); err == nil {
			return "pwsh.exe", []string{"-NoLogo", "-NoExit"}
		}
		if _, err := exec.LookPath("powershell.exe"); err == nil {
			return "powershell.exe", []string{"-NoLogo", "-NoExit"}
		}
		return "cmd.exe", nil
	}

	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	for _, sh := range []string{"/bin/bash", "/bin/zsh", "/bin/sh"} {
		if _, err := os.Stat(sh); err == nil {
			return sh, []string{"-l"}
		}
	}
	return "/bin/sh", nil
}

func buildPTYEnv(workDir string, extra map[string]string) []string {
	env := os.Environ()
	if workDir != "" {
		env = append(env, "PWD="+workDir)
	}
	env = append(env,
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	for _, kv := range envList(extra) {
		env = append(env, kv)
	}
	return env
}

// envList flattens a map into sorted KEY=VALUE pairs.
func envList(m map[string]string) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+m[k])
	}
	return out
}

func (s *PTYSession) readOutput() {
	buf := make([]byte, 4096)
	for {
		n, err := s.handle.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			s.tracker.Write(data)
			s.broadcast(data)
		}
		if err != nil {
			// EIO here means the child closed its end; waitForExit owns
			// the teardown.
			return
		}
	}
}

func (s *PTYSession) broadcast(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendRing(data)
	s.lastActivity = time.Now().UTC()

	for ch := range s.subscribers {
		select {
		case ch <- data:
		default:
			// Slow subscriber; it still has the ring on reattach.
		}
	}
}

func (s *PTYSession) appendRing(data []byte) {
	if len(data) >= s.ringBytes {
		s.ring = append(s.ring[:0], data[len(data)-s.ringBytes:]...)
		return
	}
	s.ring = append(s.ring, data...)
	if over := len(s.ring) - s.ringBytes; over > 0 {
		s.ring = append(s.ring[:0], s.ring[over:]...)
	}
}

// Subscribe registers an output channel and returns a copy of the replay
// ring to send before live data. The cancel func must be called on detach.
func (s *PTYSession) Subscribe() (replay []byte, ch <-chan []byte, cancel func()) {
	out := make(chan []byte, ptySubscriberCap)

	s.mu.Lock()
	replay = make([]byte, len(s.ring))
	copy(replay, s.ring)
	s.subscribers[out] = struct{}{}
	s.mu.Unlock()

	cancel = func() {
		s.mu.Lock()
		delete(s.subscribers, out)
		s.mu.Unlock()
	}
	return replay, out, cancel
}

// Write sends input to the child.
func (s *PTYSession) Write(data []byte) (int, error) {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return 0, errs.PreconditionFailed("pty session %s has exited", s.ID)
	}
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
	return s.handle.Write(data)
}

// Resize adjusts both the real and the virtual terminal.
func (s *PTYSession) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 {
		return errs.PreconditionFailed("pty size %dx%d is not valid", cols, rows)
	}
	s.mu.Lock()
	exited := s.exited
	s.mu.Unlock()
	if exited {
		return errs.PreconditionFailed("pty session %s has exited", s.ID)
	}
	if err := s.handle.Resize(uint16(cols), uint16(rows)); err != nil {
		return errs.Internal("resize pty", err)
	}
	s.tracker.Resize(cols, rows)
	return nil
}

// Status returns the last derived activity status.
func (s *PTYSession) Status() string {
	s.mu.Lock()
	if s.exited {
		s.mu.Unlock()
		return PTYStatusIdle
	}
	s.mu.Unlock()
	return s.tracker.Current()
}

// Exited reports whether the child is gone.
func (s *PTYSession) Exited() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exited
}

// Done returns a channel closed once the child has exited.
func (s *PTYSession) Done() <-chan struct{} {
	return s.doneCh
}

// View returns the session's descriptive snapshot.
func (s *PTYSession) View() AgentSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := StateIdle
	if s.exited {
		state = StateDead
	}
	return AgentSession{
		SessionID:    s.ID,
		Kind:         string(SessionKindPTY),
		RepoID:       s.RepoID,
		Agent:        s.Agent,
		State:        string(state),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

func (s *PTYSession) statusLoop() {
	ticker := time.NewTicker(s.tracker.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.doneCh:
			return
		case <-ticker.C:
			if s.tracker.ShouldCheck() {
				s.tracker.CheckAndUpdate()
			}
		}
	}
}

// waitForExit reaps the child. Sessions are user-driven so there is no
// respawn: the exit is reported upward and the session goes dead.
func (s *PTYSession) waitForExit() {
	var code int
	if s.cmd.Process != nil {
		if ps, err := s.cmd.Process.Wait(); err == nil && ps != nil {
			code = ps.ExitCode()
		}
	}

	s.mu.Lock()
	s.exited = true
	stopping := s.stopping
	s.mu.Unlock()

	_ = s.handle.Close()
	close(s.doneCh)

	if stopping {
		s.logger.Info("pty session stopped")
	} else {
		s.logger.Info("pty child exited", zap.Int("exit_code", code))
	}
	if s.onExit != nil {
		s.onExit(s.ID)
	}
}

// Stop closes the terminal and waits briefly for the child to exit before
// killing it. Safe to call more than once.
func (s *PTYSession) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		exited := s.exited
		s.mu.Unlock()

		close(s.stopCh)
		if exited {
			return
		}

		// Closing the PTY delivers SIGHUP to the child on unix.
		_ = s.handle.Close()

		select {
		case <-s.doneCh:
		case <-time.After(5 * time.Second):
			s.logger.Warn("pty stop timeout, killing child")
			if s.cmd.Process != nil {
				_ = s.cmd.Process.Kill()
			}
		}
	})
	return nil
}
