package supervisor

import (
	"testing"
	"time"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name  string
		lines []string
		want  string
	}{
		{"empty screen", []string{"", "", ""}, PTYStatusIdle},
		{"spinner", []string{"$ codex", "⠙ generating"}, PTYStatusBusy},
		{"esc hint", []string{"Working on it (esc to interrupt)"}, PTYStatusBusy},
		{"thinking", []string{"Thinking about the change"}, PTYStatusBusy},
		{"yes no prompt", []string{"Apply this patch? (y/n)"}, PTYStatusWaitingInput},
		{"question", []string{"Which file should I edit?"}, PTYStatusWaitingInput},
		{"shell prompt", []string{"user@host:~/repo$"}, PTYStatusWaitingInput},
		{"fish prompt", []string{"~/repo ❯"}, PTYStatusWaitingInput},
		{"plain output", []string{"wrote 3 files"}, PTYStatusIdle},
		{"busy beats prompt row", []string{"continue? (y/n)", "⠸ running tests"}, PTYStatusBusy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := deriveStatus(tc.lines); got != tc.want {
				t.Fatalf("deriveStatus(%q) = %s, want %s", tc.lines, got, tc.want)
			}
		})
	}
}

func TestStatusTracker_CallbackFiresOnTransition(t *testing.T) {
	var calls []string
	tr := newStatusTracker("s1", 80, 24, time.Millisecond, func(_, status string) {
		calls = append(calls, status)
	}, newTestLogger())

	tr.Write([]byte("⠼ compiling\r\n"))
	if got := tr.CheckAndUpdate(); got != PTYStatusBusy {
		t.Fatalf("status %s, want busy", got)
	}
	// Same screen again: no second callback.
	tr.CheckAndUpdate()

	tr.Write([]byte("\033[2J\033[HDeploy to prod? (y/n)"))
	if got := tr.CheckAndUpdate(); got != PTYStatusWaitingInput {
		t.Fatalf("status %s, want waiting_input", got)
	}

	if len(calls) != 2 || calls[0] != PTYStatusBusy || calls[1] != PTYStatusWaitingInput {
		t.Fatalf("callback calls %v", calls)
	}
}

func TestStatusTracker_Debounce(t *testing.T) {
	tr := newStatusTracker("s1", 80, 24, 50*time.Millisecond, nil, newTestLogger())

	tr.CheckAndUpdate()
	if tr.ShouldCheck() {
		t.Fatal("check allowed immediately after an update")
	}
	time.Sleep(60 * time.Millisecond)
	if !tr.ShouldCheck() {
		t.Fatal("check still debounced after the interval")
	}
}

func TestStatusTracker_ResizeKeepsDeriving(t *testing.T) {
	tr := newStatusTracker("s1", 20, 4, time.Millisecond, nil, newTestLogger())
	tr.Resize(40, 8)
	tr.Write([]byte("$ "))
	if got := tr.CheckAndUpdate(); got != PTYStatusWaitingInput {
		t.Fatalf("status %s, want waiting_input", got)
	}
}
