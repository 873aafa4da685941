package executor

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"github.com/mattjoyce/webrelay/internal/log"
)

const (
	// maxStderrBytes caps the amount of stderr captured from helper execution.
	maxStderrBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// SpawnResult is the raw outcome of one helper invocation.
type SpawnResult struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	TimedOut bool
}

// Runner abstracts the helper-process mechanism so tests can swap it for
// an in-process double.
type Runner interface {
	Run(ctx context.Context, path string, args []string, timeout time.Duration) (*SpawnResult, error)
}

// ProcessRunner spawns the helper as a child process with stdout and
// stderr captured, no shell interpretation, stdin unused.
type ProcessRunner struct {
	logger *slog.Logger
}

// NewProcessRunner creates the production Runner.
func NewProcessRunner() *ProcessRunner {
	return &ProcessRunner{logger: log.WithComponent("runner")}
}

// Run starts the helper and waits for exit up to timeout. On timeout the
// process is sent SIGTERM, then SIGKILL after a grace period, and the
// result is marked TimedOut.
func (p *ProcessRunner) Run(ctx context.Context, path string, args []string, timeout time.Duration) (*SpawnResult, error) {
	timeoutTimer := time.NewTimer(timeout)
	defer timeoutTimer.Stop()

	// Don't use CommandContext - termination is managed explicitly so the
	// grace period applies.
	cmd := exec.Command(path, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	p.logger.Debug("spawning helper", "path", path, "timeout", timeout)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	select {
	case <-timeoutTimer.C:
		p.logger.Warn("helper timed out, sending SIGTERM", "path", path, "timeout", timeout)
		if cmd.Process != nil {
			if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
				p.logger.Error("failed to send SIGTERM", "error", err)
			}
		}

		grace := time.NewTimer(terminationGracePeriod)
		defer grace.Stop()

		select {
		case <-waitErr:
			p.logger.Info("helper exited after SIGTERM")
		case <-grace.C:
			p.logger.Warn("helper did not exit after SIGTERM, sending SIGKILL")
			if cmd.Process != nil {
				if err := cmd.Process.Kill(); err != nil {
					p.logger.Error("failed to send SIGKILL", "error", err)
				}
			}
			<-waitErr // Wait for process to die
		}

		return &SpawnResult{
			ExitCode: 0,
			Stdout:   stdout.Bytes(),
			Stderr:   truncateStderr(stderr.String()),
			TimedOut: true,
		}, nil

	case <-ctx.Done():
		// Shutdown while a helper is in flight: kill immediately.
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
		<-waitErr
		return nil, ctx.Err()

	case err := <-waitErr:
		exitCode := 0
		if err != nil {
			if exitErr, ok := err.(*exec.ExitError); ok {
				exitCode = exitErr.ExitCode()
				p.logger.Warn("helper exited with non-zero status", "exit_code", exitCode)
			} else {
				return nil, fmt.Errorf("wait for process: %w", err)
			}
		}

		return &SpawnResult{
			ExitCode: exitCode,
			Stdout:   stdout.Bytes(),
			Stderr:   truncateStderr(stderr.String()),
		}, nil
	}
}

// truncateStderr truncates stderr to maxStderrBytes.
func truncateStderr(s string) string {
	if len(s) > maxStderrBytes {
		return s[:maxStderrBytes]
	}
	return s
}
