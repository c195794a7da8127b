// Package supervisor owns the single runtime process and its running flag.
//
// A Supervisor is not safe for concurrent use on its own: every method is
// expected to be called from behind the lifecycle controller's mutex. The only
// goroutines it starts are the per-process reaper and the optional SIGKILL
// escalation, and neither touches Supervisor fields.
package supervisor

import (
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"syscall"
	"time"
)

// SpawnError reports that the runtime executable could not be launched.
// Err keeps the underlying cause, so errors.Is(err, fs.ErrNotExist) and
// errors.Is(err, fs.ErrPermission) work on it.
type SpawnError struct {
	Path string
	Err  error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn runtime %s: %v", e.Path, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Config describes how to launch the runtime.
type Config struct {
	Executable string
	Args       []string
	Dir        string

	// StopGrace is how long to wait after SIGTERM before SIGKILL. Zero means
	// SIGTERM only.
	StopGrace time.Duration

	Logger *slog.Logger

	// OnExit is called from the reaper goroutine every time a spawned process
	// exits, whether or not Stop was requested.
	OnExit func(pid int, exitCode int)
}

// Supervisor manages the lifecycle of the runtime process.
type Supervisor struct {
	cfg    Config
	logger *slog.Logger

	cmd     *exec.Cmd
	pid     int
	running bool

	// done is closed by the reaper when the most recently spawned process
	// has been waited on.
	done chan struct{}
}

// New creates a Supervisor. The runtime is not started.
func New(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:    cfg,
		logger: logger.With("executable", cfg.Executable),
	}
}

// Start spawns the runtime unless it is already running.
func (s *Supervisor) Start() error {
	if s.running {
		return nil
	}

	s.awaitPrevious()

	cmd := exec.Command(s.cfg.Executable, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Stdout = newLineLogger(s.logger, "stdout")
	cmd.Stderr = newLineLogger(s.logger, "stderr")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	// Grandchildren holding the output pipes must not block the reaper forever.
	cmd.WaitDelay = 2 * time.Second

	if err := cmd.Start(); err != nil {
		s.logger.Error("runtime spawn failed", "error", err)
		return &SpawnError{Path: s.cfg.Executable, Err: err}
	}

	done := make(chan struct{})
	pid := cmd.Process.Pid
	go s.reap(cmd, pid, done)

	s.cmd = cmd
	s.pid = pid
	s.done = done
	s.running = true
	s.logger.Info("runtime started", "pid", pid)
	return nil
}

// Stop sends SIGTERM to the runtime and marks it stopped. It never waits for
// the process to exit; delivery failures are logged only.
func (s *Supervisor) Stop() {
	if !s.running {
		return
	}

	pid, done := s.pid, s.done
	s.running = false
	s.cmd = nil
	s.pid = 0

	s.logger.Info("stopping runtime", "pid", pid)
	if err := signalGroup(pid, syscall.SIGTERM); err != nil {
		s.logger.Warn("failed to send SIGTERM", "pid", pid, "error", err)
	}

	if s.cfg.StopGrace > 0 {
		go s.escalate(pid, done, s.cfg.StopGrace)
	}
}

// IsRunning reports the liveness flag.
func (s *Supervisor) IsRunning() bool {
	return s.running
}

// PID returns the pid of the live process, or 0 when stopped.
func (s *Supervisor) PID() int {
	return s.pid
}

// MarkExited clears the running flag if pid is still the current process.
// It returns false when the exit belongs to a process that was already
// stopped or replaced.
func (s *Supervisor) MarkExited(pid int) bool {
	if !s.running || s.pid != pid {
		return false
	}
	s.running = false
	s.cmd = nil
	s.pid = 0
	return true
}

// awaitPrevious gives a just-stopped process a bounded chance to release its
// resources (listening sockets, device handles) before a new one is spawned.
func (s *Supervisor) awaitPrevious() {
	if s.done == nil {
		return
	}
	wait := s.cfg.StopGrace
	if wait <= 0 {
		wait = time.Second
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
		s.logger.Warn("previous runtime still exiting, starting anyway")
	}
}

func (s *Supervisor) reap(cmd *exec.Cmd, pid int, done chan struct{}) {
	err := cmd.Wait()
	close(done)

	exitCode := -1
	if cmd.ProcessState != nil {
		exitCode = cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		s.logger.Warn("runtime wait failed", "pid", pid, "error", err)
	}
	s.logger.Info("runtime exited", "pid", pid, "exit_code", exitCode)

	if s.cfg.OnExit != nil {
		s.cfg.OnExit(pid, exitCode)
	}
}

func (s *Supervisor) escalate(pid int, done <-chan struct{}, grace time.Duration) {
	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("runtime did not exit after SIGTERM, sending SIGKILL", "pid", pid)
		if err := signalGroup(pid, syscall.SIGKILL); err != nil {
			s.logger.Error("failed to send SIGKILL", "pid", pid, "error", err)
		}
	}
}

// signalGroup signals the runtime's process group, falling back to the
// process itself if the group is gone.
func signalGroup(pid int, sig syscall.Signal) error {
	if pid <= 0 {
		return fmt.Errorf("invalid pid %d", pid)
	}
	if err := syscall.Kill(-pid, sig); err == nil {
		return nil
	}
	return syscall.Kill(pid, sig)
}
