// Package jobs runs the external generator program and turns its exit state
// and output into terminal job events.
//
// The worker is opaque: it receives the input file path and the job token as
// its last two arguments, reports progress on stdout as "Progress: <n>% <msg>"
// lines, and on success names its artifact with a single "Output file: <path>"
// line. Everything else it prints is captured for failure summaries only.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/certmill/certmill/notify"
)

var (
	// ErrNoSuchJob is returned by Cancel when no job runs under the token.
	ErrNoSuchJob = errors.New("jobs: no running job for token")
	// ErrCancelled is the Outcome error of an operator-aborted job.
	ErrCancelled = errors.New("jobs: cancelled")
)

var (
	outputMarkerRe = regexp.MustCompile(`(?m)^Output file:\s*(.+?)\s*$`)
	progressLineRe = regexp.MustCompile(`^Progress:\s*([0-9]+(?:\.[0-9]+)?)%?\s*(.*)$`)
)

// Notifier is the slice of the registry the supervisor needs.
type Notifier interface {
	Deliver(id string, ev notify.Event) notify.DeliveryStatus
}

// History records a processing-history entry for the invoking user.
// Implemented by store.Store.
type History interface {
	AppendProcessHistory(ctx context.Context, userID string) error
}

// Outcome is the classified terminal result of one worker invocation,
// returned to the direct caller for the synchronous trigger variant.
// The same result always also flows through the Notifier.
type Outcome struct {
	OutputPath string
	IsZip      bool
	Err        error
}

// job tracks one in-flight worker invocation.
type job struct {
	cancel   context.CancelFunc
	finished bool // terminal event already emitted
}

// Supervisor starts workers, classifies their exit, and emits events through
// the registry. Jobs run concurrently and independently: a hung or chatty
// worker affects nothing but its own token.
type Supervisor struct {
	command  []string
	runner   commandRunner
	notifier Notifier
	history  History
	logger   *slog.Logger
	stat     func(string) (os.FileInfo, error)

	lifecycle context.Context
	shutdown  context.CancelFunc

	mu      sync.Mutex
	running map[string]*job
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithSupervisorLogger sets a custom logger.
func WithSupervisorLogger(l *slog.Logger) SupervisorOption {
	return func(s *Supervisor) { s.logger = l }
}

// WithHistory sets the processing-history recorder. Without one, successful
// completions skip the history side update.
func WithHistory(h History) SupervisorOption {
	return func(s *Supervisor) { s.history = h }
}

// withRunner injects a fake command runner; used by tests.
func withRunner(r commandRunner) SupervisorOption {
	return func(s *Supervisor) { s.runner = r }
}

// NewSupervisor creates a Supervisor that invokes command (argv prefix, e.g.
// ["python3", "auto.py"]) with the input path and job token appended.
func NewSupervisor(command []string, notifier Notifier, opts ...SupervisorOption) (*Supervisor, error) {
	if len(command) == 0 {
		return nil, errors.New("jobs: worker command is required")
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		command:   command,
		runner:    execRunner{},
		notifier:  notifier,
		logger:    slog.Default(),
		stat:      os.Stat,
		lifecycle: ctx,
		shutdown:  cancel,
		running:   make(map[string]*job),
	}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Start launches the worker for id in the background. The terminal outcome
// surfaces only through the Notifier. Fire-and-forget.
func (s *Supervisor) Start(id, inputPath, userID string) {
	go s.Run(id, inputPath, userID)
}

// Run launches the worker for id and blocks until it finishes, returning the
// classified Outcome for the synchronous trigger variant. The identical
// terminal event is always delivered through the Notifier as well, so a
// client that opened a channel sees the same result either way.
func (s *Supervisor) Run(id, inputPath, userID string) Outcome {
	jobCtx, cancel := context.WithCancel(s.lifecycle)
	defer cancel()

	s.mu.Lock()
	if _, dup := s.running[id]; dup {
		s.mu.Unlock()
		return Outcome{Err: fmt.Errorf("jobs: token %s already running", id)}
	}
	j := &job{cancel: cancel}
	s.running[id] = j
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.running, id)
		s.mu.Unlock()
	}()

	if _, err := s.stat(inputPath); err != nil {
		return s.finish(id, j, notify.Failed("input file not found"), Outcome{Err: fmt.Errorf("jobs: input %s: %w", inputPath, err)})
	}

	args := append(append([]string(nil), s.command[1:]...), inputPath, id)
	s.logger.Info("worker starting", "socket_id", id, "input", inputPath)

	res, runErr := s.runner.Run(jobCtx, s.command[0], args, func(line string) {
		if ev, ok := parseProgressLine(line); ok {
			s.notifier.Deliver(id, ev)
		}
	})

	if cancelled := s.wasFinished(j); cancelled {
		// Cancel already emitted the terminal event; the exit status of the
		// killed process must not produce a second one.
		return Outcome{Err: ErrCancelled}
	}

	if runErr != nil {
		reason := exitReason(res, runErr)
		s.logger.Error("worker failed", "socket_id", id, "exit_code", res.ExitCode, "error", runErr)
		return s.finish(id, j, notify.Failed(reason), Outcome{Err: errors.New(reason)})
	}

	outputPath, ok := parseOutputMarker(res.Stdout)
	if !ok {
		s.logger.Error("worker output marker missing", "socket_id", id)
		return s.finish(id, j, notify.Failed("output not found"), Outcome{Err: errors.New("output not found")})
	}
	if _, err := s.stat(outputPath); err != nil {
		s.logger.Error("worker artifact missing on disk", "socket_id", id, "path", outputPath)
		return s.finish(id, j, notify.Failed("output not found"), Outcome{Err: errors.New("output not found")})
	}

	isZip := strings.EqualFold(filepath.Ext(outputPath), ".zip")
	s.logger.Info("worker completed", "socket_id", id, "output", outputPath, "is_zip", isZip)

	out := s.finish(id, j, notify.Completed(outputPath, isZip), Outcome{OutputPath: outputPath, IsZip: isZip})

	// History is a side update: its failure is logged and never alters the
	// terminal event already delivered to the client.
	if s.history != nil && userID != "" {
		if err := s.history.AppendProcessHistory(context.Background(), userID); err != nil {
			s.logger.Error("append process history failed", "user_id", userID, "error", err)
		}
	}
	return out
}

// Cancel aborts the running job for id: the worker process is killed and
// exactly one Failed("cancelled") terminal event is emitted, buffered like
// any other terminal event when no channel is registered.
func (s *Supervisor) Cancel(id string) error {
	s.mu.Lock()
	j := s.running[id]
	if j == nil {
		s.mu.Unlock()
		return ErrNoSuchJob
	}
	already := j.finished
	j.finished = true
	s.mu.Unlock()

	if !already {
		s.notifier.Deliver(id, notify.Failed("cancelled"))
		s.logger.Info("job cancelled", "socket_id", id)
	}
	j.cancel()
	return nil
}

// Close kills all running workers. Their cancellation events still flow.
func (s *Supervisor) Close() {
	s.shutdown()
}

// finish emits the terminal event unless one was already emitted for this job.
func (s *Supervisor) finish(id string, j *job, ev notify.Event, out Outcome) Outcome {
	s.mu.Lock()
	if j.finished {
		s.mu.Unlock()
		return Outcome{Err: ErrCancelled}
	}
	j.finished = true
	s.mu.Unlock()

	status := s.notifier.Deliver(id, ev)
	s.logger.Info("terminal event emitted", "socket_id", id, "kind", ev.Kind, "delivery", status.String())
	return out
}

func (s *Supervisor) wasFinished(j *job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return j.finished
}

// parseOutputMarker extracts the artifact path from the worker's stdout.
// The contract is a single line of the form "Output file: <path>".
func parseOutputMarker(stdout string) (string, bool) {
	m := outputMarkerRe.FindStringSubmatch(stdout)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// parseProgressLine recognizes "Progress: <percent>% <message>" stdout lines.
func parseProgressLine(line string) (notify.Event, bool) {
	m := progressLineRe.FindStringSubmatch(line)
	if m == nil {
		return notify.Event{}, false
	}
	pct, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return notify.Event{}, false
	}
	return notify.Progress(pct, strings.TrimSpace(m[2])), true
}

// exitReason summarizes a failed invocation for the Failed event. The stderr
// tail usually names the actual problem; keep it short enough for a client.
func exitReason(res commandResult, runErr error) string {
	var exitErr *exec.ExitError
	if !errors.As(runErr, &exitErr) {
		return "worker failed to start: " + runErr.Error()
	}
	reason := "worker exited with code " + strconv.Itoa(res.ExitCode)
	if res.ExitCode < 0 {
		reason = "worker terminated: " + exitErr.String()
	}
	if tail := lastLines(res.Stderr, 3); tail != "" {
		reason += ": " + tail
	}
	return reason
}

// lastLines returns the last n non-empty lines of s joined by "; ".
func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	var kept []string
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			kept = append(kept, strings.TrimSpace(l))
		}
	}
	if len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return strings.Join(kept, "; ")
}
