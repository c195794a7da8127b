package build

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	// maxOutputBytes caps the amount of toolchain output kept per stream.
	maxOutputBytes = 64 * 1024

	// terminationGracePeriod is the time we wait after SIGTERM before sending SIGKILL.
	terminationGracePeriod = 5 * time.Second
)

// Invocation describes one toolchain job.
type Invocation struct {
	Stage Stage
	Path  string
	Args  []string
	Dir   string
}

// Result is what a finished toolchain job left behind.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	// Combined interleaves stdout and stderr in arrival order.
	Combined string
}

// Runner executes a toolchain job and waits for it to exit.
//
// A non-zero exit is not an error: it is reported through Result.ExitCode.
// Errors mean the job could not be started or was terminated because ctx was
// cancelled.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (Result, error)
}

// ExecRunner runs toolchain jobs as child processes.
type ExecRunner struct {
	Logger *slog.Logger
	// Grace overrides terminationGracePeriod when positive.
	Grace time.Duration
}

var _ Runner = (*ExecRunner)(nil)

// Run starts the job in its own process group and blocks until it exits.
// If ctx is cancelled first, the group gets SIGTERM and then SIGKILL after
// the grace period.
func (r *ExecRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stage", string(inv.Stage), "path", inv.Path)

	// Don't use CommandContext: termination is managed below.
	cmd := exec.Command(inv.Path, inv.Args...)
	cmd.Dir = inv.Dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = 2 * time.Second

	combined := &cappedBuffer{limit: maxOutputBytes}
	stdout := &cappedBuffer{limit: maxOutputBytes}
	stderr := &cappedBuffer{limit: maxOutputBytes}
	cmd.Stdout = io.MultiWriter(stdout, combined)
	cmd.Stderr = io.MultiWriter(stderr, combined)

	logger.Debug("starting toolchain job", "args", inv.Args, "dir", inv.Dir)
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("start %s: %w", inv.Path, err)
	}
	pid := cmd.Process.Pid

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	collect := func(exitCode int) Result {
		res := Result{
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Combined: combined.String(),
		}
		if res.Combined != "" {
			logger.Debug("toolchain output", "output", res.Combined)
		}
		return res
	}

	select {
	case <-ctx.Done():
		logger.Warn("toolchain job cancelled, sending SIGTERM", "pid", pid)
		if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM", "error", err)
		}

		grace := r.Grace
		if grace <= 0 {
			grace = terminationGracePeriod
		}
		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-waitErr:
			logger.Info("toolchain job exited after SIGTERM")
		case <-timer.C:
			logger.Warn("toolchain job did not exit after SIGTERM, sending SIGKILL")
			if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL", "error", err)
			}
			<-waitErr
		}
		return collect(-1), ctx.Err()

	case err := <-waitErr:
		exitCode := -1
		if cmd.ProcessState != nil {
			exitCode = cmd.ProcessState.ExitCode()
		}
		var exitErr *exec.ExitError
		if err != nil && !errors.As(err, &exitErr) {
			return collect(exitCode), fmt.Errorf("wait for %s: %w", inv.Path, err)
		}
		logger.Debug("toolchain job exited", "exit_code", exitCode)
		return collect(exitCode), nil
	}
}

// cappedBuffer keeps the first limit bytes written to it. exec copies stdout
// and stderr from separate goroutines, so writes are locked.
type cappedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// diagnostic normalizes captured output for error reports.
func diagnostic(s string) string {
	return strings.TrimSpace(s)
}
