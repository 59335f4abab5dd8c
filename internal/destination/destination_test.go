package destination

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/codex-autorunner/autorunner/internal/common/errs"
	"github.com/codex-autorunner/autorunner/internal/common/logger"
	"github.com/codex-autorunner/autorunner/internal/state"
)

func newTestLogger() *logger.Logger {
	log, _ := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	return log
}

func TestForDestination_Selection(t *testing.T) {
	log := newTestLogger()

	exec, err := ForDestination("r1", t.TempDir(), nil, nil, log)
	if err != nil {
		t.Fatalf("nil destination: %v", err)
	}
	if exec.Kind() != state.DestinationLocal {
		t.Fatalf("nil destination should be local, got %s", exec.Kind())
	}

	_, err = ForDestination("r1", t.TempDir(), &state.Destination{Kind: state.DestinationDocker}, nil, log)
	if !errs.IsKind(err, errs.KindDestinationUnavailable) {
		t.Fatalf("docker without daemon client: got %v", err)
	}

	_, err = ForDestination("r1", t.TempDir(), &state.Destination{Kind: "ssh"}, nil, log)
	if !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("unknown kind: got %v", err)
	}
}

func TestLocalSpawn_EchoRoundTrip(t *testing.T) {
	repo := t.TempDir()
	e := NewLocalExecutor("r1", repo, state.LocalDestination(), newTestLogger())

	proc, err := e.Spawn(context.Background(), SpawnSpec{Argv: []string{"cat"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if proc.PID() <= 0 {
		t.Errorf("expected real pid, got %d", proc.PID())
	}

	if _, err := io.WriteString(proc.Stdin(), "hello\n"); err != nil {
		t.Fatalf("write stdin: %v", err)
	}
	line, err := bufio.NewReader(proc.Stdout()).ReadString('\n')
	if err != nil {
		t.Fatalf("read stdout: %v", err)
	}
	if line != "hello\n" {
		t.Fatalf("echo mismatch: %q", line)
	}

	proc.Stdin().Close()
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if proc.ExitCode() != 0 {
		t.Fatalf("exit code: %d", proc.ExitCode())
	}

	// Spawn must have prepared the session workspace.
	if _, err := os.Stat(WorkspaceDir(repo)); err != nil {
		t.Fatalf("workspace dir missing: %v", err)
	}
}

func TestLocalSpawn_NonZeroExit(t *testing.T) {
	e := NewLocalExecutor("r1", t.TempDir(), state.LocalDestination(), newTestLogger())

	proc, err := e.Spawn(context.Background(), SpawnSpec{Argv: []string{"sh", "-c", "exit 3"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	go io.Copy(io.Discard, proc.Stdout())
	go io.Copy(io.Discard, proc.Stderr())

	if err := proc.Wait(); err == nil {
		t.Fatal("expected exit error")
	}
	if proc.ExitCode() != 3 {
		t.Fatalf("exit code: %d", proc.ExitCode())
	}
	// Wait is idempotent.
	if err := proc.Wait(); err == nil {
		t.Fatal("second wait should return the same error")
	}
}

func TestLocalSpawn_MissingBinary(t *testing.T) {
	e := NewLocalExecutor("r1", t.TempDir(), state.LocalDestination(), newTestLogger())

	_, err := e.Spawn(context.Background(), SpawnSpec{Argv: []string{"definitely-not-a-binary-7f3a"}})
	if !errs.IsKind(err, errs.KindDestinationUnavailable) {
		t.Fatalf("got %v", err)
	}

	_, err = e.Spawn(context.Background(), SpawnSpec{})
	if !errs.IsKind(err, errs.KindPreconditionFailed) {
		t.Fatalf("empty argv: got %v", err)
	}
}

func TestLocalPreflight_ProfileGating(t *testing.T) {
	e := NewLocalExecutor("r1", t.TempDir(), state.LocalDestination(), newTestLogger())
	if err := e.Preflight(context.Background()); err != nil {
		t.Fatalf("empty profile must pass: %v", err)
	}

	// An empty PATH makes every toolchain binary unresolvable.
	t.Setenv("PATH", t.TempDir())
	full := NewLocalExecutor("r1", t.TempDir(), &state.Destination{
		Kind:    state.DestinationLocal,
		Profile: ProfileFullDev,
	}, newTestLogger())
	err := full.Preflight(context.Background())
	if !errs.IsKind(err, errs.KindDestinationUnavailable) {
		t.Fatalf("full-dev with empty PATH: got %v", err)
	}
}

func TestLocalSpawn_DestinationEnvApplied(t *testing.T) {
	e := NewLocalExecutor("r1", t.TempDir(), &state.Destination{
		Kind: state.DestinationLocal,
		Env:  map[string]string{"AUTORUNNER_TEST_MARK": "on"},
	}, newTestLogger())

	proc, err := e.Spawn(context.Background(), SpawnSpec{
		Argv: []string{"sh", "-c", "printf '%s' \"$AUTORUNNER_TEST_MARK\""},
	})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out, err := io.ReadAll(proc.Stdout())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if string(out) != "on" {
		t.Fatalf("destination env not applied: %q", out)
	}
}

func TestLocalSpawn_WorkdirDefaultsToRepo(t *testing.T) {
	repo := t.TempDir()
	repo, _ = filepath.EvalSymlinks(repo)
	e := NewLocalExecutor("r1", repo, state.LocalDestination(), newTestLogger())

	proc, err := e.Spawn(context.Background(), SpawnSpec{Argv: []string{"pwd"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	out, _ := io.ReadAll(proc.Stdout())
	if err := proc.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	got, _ := filepath.EvalSymlinks(string(bytes.TrimSpace(out)))
	if got != repo {
		t.Fatalf("workdir = %q, want %q", got, repo)
	}
}

func TestLocalKill_UnblocksWait(t *testing.T) {
	e := NewLocalExecutor("r1", t.TempDir(), state.LocalDestination(), newTestLogger())

	proc, err := e.Spawn(context.Background(), SpawnSpec{Argv: []string{"sleep", "60"}})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- proc.Wait() }()

	if err := proc.Kill(); err != nil {
		t.Fatalf("kill: %v", err)
	}
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("killed process should report an error from wait")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return after kill")
	}
}

func muxFrame(streamType byte, data string) []byte {
	frame := make([]byte, 8+len(data))
	frame[0] = streamType
	binary.BigEndian.PutUint32(frame[4:8], uint32(len(data)))
	copy(frame[8:], data)
	return frame
}

func TestDemuxStreams_SplitsStdoutStderr(t *testing.T) {
	var in bytes.Buffer
	in.Write(muxFrame(1, "out-1 "))
	in.Write(muxFrame(2, "err-1 "))
	in.Write(muxFrame(1, "out-2"))
	in.Write(muxFrame(0, "stdin echoes are dropped"))

	var stdout, stderr bytes.Buffer
	demuxStreams(&in, &stdout, &stderr)

	if stdout.String() != "out-1 out-2" {
		t.Errorf("stdout = %q", stdout.String())
	}
	if stderr.String() != "err-1 " {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestDemuxStreams_TruncatedFrameStops(t *testing.T) {
	var in bytes.Buffer
	in.Write(muxFrame(1, "whole"))
	partial := muxFrame(1, "cut")
	in.Write(partial[:9]) // header plus one byte of a three-byte frame

	var stdout bytes.Buffer
	demuxStreams(&in, &stdout, io.Discard)
	if stdout.String() != "whole" {
		t.Errorf("stdout = %q", stdout.String())
	}
}

func TestEnvList_SortedPairs(t *testing.T) {
	got := envList(map[string]string{"B": "2", "A": "1", "C": "3"})
	want := []string{"A=1", "B=2", "C=3"}
	if len(got) != len(want) {
		t.Fatalf("got %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if envList(nil) != nil {
		t.Fatal("nil map should yield nil slice")
	}
}
