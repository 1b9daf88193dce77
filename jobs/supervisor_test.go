package jobs

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/certmill/certmill/notify"
)

// recordingNotifier captures everything delivered through the registry slice.
type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Deliver(id string, ev notify.Event) notify.DeliveryStatus {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return notify.Buffered
}

func (n *recordingNotifier) all() []notify.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]notify.Event, len(n.events))
	copy(out, n.events)
	return out
}

func (n *recordingNotifier) terminals() []notify.Event {
	var out []notify.Event
	for _, ev := range n.all() {
		if ev.Terminal() {
			out = append(out, ev)
		}
	}
	return out
}

// fakeRunner returns a scripted result without spawning a process.
type fakeRunner struct {
	fn func(ctx context.Context, onLine func(string)) (commandResult, error)
}

func (r *fakeRunner) Run(ctx context.Context, name string, args []string, onLine func(string)) (commandResult, error) {
	return r.fn(ctx, onLine)
}

// touch creates an empty file and returns its path.
func touch(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	return path
}

func newTestSupervisor(t *testing.T, n Notifier, runner commandRunner, opts ...SupervisorOption) *Supervisor {
	t.Helper()
	opts = append([]SupervisorOption{withRunner(runner)}, opts...)
	s, err := NewSupervisor([]string{"worker"}, n, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestRunCompletedWithArtifact(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")
	artifact := touch(t, dir, "report.xlsx")

	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		return commandResult{Stdout: "some noise\nOutput file: " + artifact + "\n"}, nil
	}})

	out := s.Run("tok", input, "")
	require.NoError(t, out.Err)
	require.Equal(t, artifact, out.OutputPath)
	require.False(t, out.IsZip)

	terms := n.terminals()
	require.Len(t, terms, 1)
	require.Equal(t, notify.KindCompleted, terms[0].Kind)
	require.Equal(t, artifact, terms[0].OutputPath)
}

func TestRunZipArtifactFlagged(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")
	artifact := touch(t, dir, "bundle.ZIP")

	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		return commandResult{Stdout: "Output file: " + artifact + "\n"}, nil
	}})

	out := s.Run("tok", input, "")
	require.NoError(t, out.Err)
	require.True(t, out.IsZip)
}

func TestRunExitZeroWithoutMarkerFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")

	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		return commandResult{Stdout: "all done, trust me\n"}, nil
	}})

	out := s.Run("tok", input, "")
	require.EqualError(t, out.Err, "output not found")

	terms := n.terminals()
	require.Len(t, terms, 1)
	require.Equal(t, notify.KindFailed, terms[0].Kind)
	require.Equal(t, "output not found", terms[0].Error)
}

func TestRunMissingArtifactFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")

	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		return commandResult{Stdout: "Output file: " + filepath.Join(dir, "ghost.pdf") + "\n"}, nil
	}})

	out := s.Run("tok", input, "")
	require.EqualError(t, out.Err, "output not found")
	require.Equal(t, notify.KindFailed, n.terminals()[0].Kind)
}

func TestRunNonZeroExitFails(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")

	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		cmd := exec.Command("sh", "-c", "exit 3")
		err := cmd.Run()
		return commandResult{Stderr: "row 17: malformed date\n", ExitCode: 3}, err
	}})

	out := s.Run("tok", input, "")
	require.Error(t, out.Err)

	terms := n.terminals()
	require.Len(t, terms, 1)
	require.Equal(t, notify.KindFailed, terms[0].Kind)
	require.Contains(t, terms[0].Error, "exited with code 3")
	require.Contains(t, terms[0].Error, "malformed date")
}

func TestRunMissingInputFailsBeforeSpawn(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	spawned := false
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		spawned = true
		return commandResult{}, nil
	}})

	out := s.Run("tok", filepath.Join(t.TempDir(), "nope.xlsx"), "")
	require.Error(t, out.Err)
	require.False(t, spawned)
	require.Equal(t, "input file not found", n.terminals()[0].Error)
}

func TestRunStreamsProgressInOrder(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")
	artifact := touch(t, dir, "out.pdf")

	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		onLine("Progress: 25% generating page 1")
		onLine("unrelated chatter")
		onLine("Progress: 75.5 generating page 3")
		onLine("Output file: " + artifact)
		return commandResult{Stdout: "Output file: " + artifact + "\n"}, nil
	}})

	out := s.Run("tok", input, "")
	require.NoError(t, out.Err)

	evs := n.all()
	require.Len(t, evs, 3)
	require.Equal(t, 25.0, evs[0].Progress)
	require.Equal(t, "generating page 1", evs[0].Message)
	require.Equal(t, 75.5, evs[1].Progress)
	require.Equal(t, notify.KindCompleted, evs[2].Kind)
}

func TestCancelEmitsExactlyOneTerminal(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")
	artifact := touch(t, dir, "out.pdf")

	started := make(chan struct{})
	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		close(started)
		<-ctx.Done()
		// The worker happened to finish successfully just as it was killed;
		// its result must be suppressed.
		return commandResult{Stdout: "Output file: " + artifact + "\n"}, nil
	}})

	done := make(chan Outcome, 1)
	go func() { done <- s.Run("tok", input, "") }()

	<-started
	require.NoError(t, s.Cancel("tok"))

	select {
	case out := <-done:
		require.ErrorIs(t, out.Err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	terms := n.terminals()
	require.Len(t, terms, 1)
	require.Equal(t, notify.KindFailed, terms[0].Kind)
	require.Equal(t, "cancelled", terms[0].Error)
}

func TestCancelUnknownToken(t *testing.T) {
	t.Parallel()
	n := &recordingNotifier{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		return commandResult{}, nil
	}})
	require.ErrorIs(t, s.Cancel("ghost"), ErrNoSuchJob)
}

type failingHistory struct{ called bool }

func (h *failingHistory) AppendProcessHistory(ctx context.Context, userID string) error {
	h.called = true
	return errors.New("db unavailable")
}

func TestHistoryFailureDoesNotAlterOutcome(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")
	artifact := touch(t, dir, "report.pdf")

	n := &recordingNotifier{}
	h := &failingHistory{}
	s := newTestSupervisor(t, n, &fakeRunner{fn: func(ctx context.Context, onLine func(string)) (commandResult, error) {
		return commandResult{Stdout: "Output file: " + artifact + "\n"}, nil
	}}, WithHistory(h))

	out := s.Run("tok", input, "user-1")
	require.NoError(t, out.Err)
	require.True(t, h.called)
	require.Equal(t, notify.KindCompleted, n.terminals()[0].Kind)
}

func TestRunWithRealWorkerScript(t *testing.T) {
	t.Parallel()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	dir := t.TempDir()
	input := touch(t, dir, "input.xlsx")
	artifact := filepath.Join(dir, "report.xlsx")

	script := filepath.Join(dir, "worker.sh")
	require.NoError(t, os.WriteFile(script, []byte(
		"#!/bin/sh\n"+
			"echo 'Progress: 50% halfway'\n"+
			"echo ok > \""+artifact+"\"\n"+
			"echo \"Output file: "+artifact+"\"\n"), 0o755))

	n := &recordingNotifier{}
	s, err := NewSupervisor([]string{"sh", script}, n)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	out := s.Run("a1b2", input, "")
	require.NoError(t, out.Err)
	require.Equal(t, artifact, out.OutputPath)

	evs := n.all()
	require.Len(t, evs, 2)
	require.Equal(t, 50.0, evs[0].Progress)
	require.Equal(t, notify.KindCompleted, evs[1].Kind)
}

func TestParseOutputMarker(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		stdout string
		want   string
		ok     bool
	}{
		{"plain", "Output file: /out/report.xlsx\n", "/out/report.xlsx", true},
		{"embedded", "log line\nOutput file: /out/a.zip\ntrailer\n", "/out/a.zip", true},
		{"trailing spaces", "Output file:   /out/b.pdf   \n", "/out/b.pdf", true},
		{"absent", "no marker here\n", "", false},
		{"empty", "", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := parseOutputMarker(tc.stdout)
			require.Equal(t, tc.ok, ok)
			require.Equal(t, tc.want, got)
		})
	}
}
