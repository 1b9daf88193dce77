package jobs

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"os/exec"
	"time"
)

// commandResult is the captured outcome of one worker invocation.
type commandResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// commandRunner abstracts worker process execution for testability.
// onStdoutLine, when non-nil, is invoked for every stdout line as it is
// produced, before the process exits.
type commandRunner interface {
	Run(ctx context.Context, name string, args []string, onStdoutLine func(string)) (commandResult, error)
}

// execRunner executes workers via os/exec, streaming stdout line by line.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args []string, onStdoutLine func(string)) (commandResult, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	// If the process ignores the kill on cancellation, give up on its pipes
	// after a grace delay instead of hanging Wait forever.
	cmd.WaitDelay = 5 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return commandResult{ExitCode: -1}, err
	}

	if err := cmd.Start(); err != nil {
		return commandResult{ExitCode: -1, Stderr: stderr.String()}, err
	}

	var stdout bytes.Buffer
	scanner := bufio.NewScanner(stdoutPipe)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		stdout.WriteString(line)
		stdout.WriteByte('\n')
		if onStdoutLine != nil {
			onStdoutLine(line)
		}
	}

	err = cmd.Wait()
	result := commandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: 0,
	}
	if err != nil {
		result.ExitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		}
		return result, err
	}
	return result, nil
}
