// Package lifecycle serializes everything that touches the runtime process
// or starts a build.
//
// The Controller's mutex is the only place the runtime's running flag is
// read or written. It is never held while a toolchain runs, so start, stop
// and status stay responsive during a build; a second replace is rejected
// with BusyError instead of queueing.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/log"
	"github.com/mattjoyce/plcgw/internal/metrics"
)

// ErrShuttingDown rejects requests after Shutdown.
var ErrShuttingDown = errors.New("gateway is shutting down")

// BusyError rejects a request that conflicts with an active build.
type BusyError struct {
	RunID string
	Stage build.Stage
}

func (e *BusyError) Error() string {
	if e.RunID == "" {
		return "build in progress"
	}
	return fmt.Sprintf("build %s in progress (%s)", e.RunID, e.Stage)
}

// Runtime is the supervised process. Implementations need no locking of
// their own; the Controller serializes every call.
type Runtime interface {
	Start() error
	Stop()
	IsRunning() bool
	PID() int
	MarkExited(pid int) bool
}

// Builder runs one build to completion.
type Builder interface {
	Run(ctx context.Context, src build.Source, observe build.Observer) (*build.Run, error)
}

// History persists runs and runtime actions.
type History interface {
	SaveRun(ctx context.Context, run build.Run) error
	RecordRuntime(ctx context.Context, entry history.RuntimeEntry) error
}

// Publisher receives lifecycle events.
type Publisher interface {
	Publish(eventType string, data any)
}

// Options wires a Controller. History, Events and Metrics are optional.
type Options struct {
	Runtime Runtime
	Builder Builder
	History History
	Events  Publisher
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Status is a point-in-time view of the runtime and the build pipeline.
type Status struct {
	Running  bool `json:"running"`
	PID      int  `json:"pid,omitempty"`
	Building bool `json:"building"`
	// BuildState is the active run's stage, else the last run's final stage,
	// else empty.
	BuildState     build.Stage `json:"build_state,omitempty"`
	LastRun        *build.Run  `json:"last_run,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	ExecutableHash string      `json:"executable_hash,omitempty"`
}

// Controller is the single serialization point for runtime and build state.
type Controller struct {
	runtime Runtime
	builder Builder
	history History
	events  Publisher
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	building  bool
	current   *build.Run
	last      *build.Run
	lastError string
	exeHash   string
	closed    bool
}

// New returns a Controller. The runtime is not started.
func New(opts Options) (*Controller, error) {
	if opts.Runtime == nil {
		return nil, errors.New("runtime is nil")
	}
	if opts.Builder == nil {
		return nil, errors.New("builder is nil")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.WithComponent("lifecycle")
	}
	return &Controller{
		runtime: opts.Runtime,
		builder: opts.Builder,
		history: opts.History,
		events:  opts.Events,
		metrics: opts.Metrics,
		logger:  logger,
	}, nil
}

// SetExecutableHash seeds the fingerprint reported by Status before any build
// has run.
func (c *Controller) SetExecutableHash(hash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.exeHash = hash
}

// RequestStart starts the runtime. It is rejected with BusyError while a
// build may be rewriting the executable.
func (c *Controller) RequestStart() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShuttingDown
	}
	if c.building {
		return c.busyLocked()
	}
	return c.startLocked("request")
}

// RequestStop stops the runtime. It is always allowed and idempotent.
func (c *Controller) RequestStop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked("request")
	return nil
}

// RequestReplace stops the runtime, builds src and relaunches the runtime on
// success. On failure the runtime is left stopped and the error is returned
// alongside the failed run. A concurrent call while a build is active returns
// BusyError without touching any state.
func (c *Controller) RequestReplace(ctx context.Context, src build.Source) (*build.Run, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if c.building {
		busy := c.busyLocked()
		c.mu.Unlock()
		c.metrics.BuildRejected()
		c.logger.Warn("replace rejected, build in progress", "source", src.Name, "run_id", busy.RunID)
		return nil, busy
	}
	c.building = true
	c.current = nil
	c.stopLocked("replace")
	c.mu.Unlock()

	c.metrics.BuildStarted()
	run, err := c.builder.Run(ctx, src, c.observe)
	if run == nil {
		run = &build.Run{Source: src, Stage: build.StageFailed, Outcome: build.OutcomeFailed, StartedAt: time.Now().UTC()}
		if err != nil {
			run.Err = err
			run.Diagnostic = err.Error()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.building = false
	c.current = nil
	finished := *run
	c.last = &finished
	c.saveRun(finished)

	completed := time.Now()
	if finished.CompletedAt != nil {
		completed = *finished.CompletedAt
	}

	if err != nil {
		failedIn := failedStage(err)
		c.lastError = finished.Diagnostic
		c.metrics.BuildFinished(string(build.OutcomeFailed), string(failedIn), completed)
		c.publish(events.BuildFailed, map[string]any{
			"run_id":     finished.ID,
			"source":     src.Name,
			"stage":      failedIn,
			"diagnostic": finished.Diagnostic,
		})
		c.logger.Warn("replace failed, runtime left stopped", "run_id", finished.ID, "stage", string(failedIn), "error", err)
		return &finished, err
	}

	c.lastError = ""
	if finished.ExecutableHash != "" {
		c.exeHash = finished.ExecutableHash
	}
	c.metrics.BuildFinished(string(build.OutcomeSuccess), string(build.StageSucceeded), completed)
	c.publish(events.BuildSucceeded, map[string]any{
		"run_id":          finished.ID,
		"source":          src.Name,
		"executable_hash": finished.ExecutableHash,
	})

	if c.closed {
		c.logger.Info("build finished during shutdown, runtime not relaunched", "run_id", finished.ID)
		return &finished, nil
	}
	if err := c.startLocked("replace"); err != nil {
		return &finished, err
	}
	return &finished, nil
}

// Status returns a snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Running:        c.runtime.IsRunning(),
		PID:            c.runtime.PID(),
		Building:       c.building,
		LastError:      c.lastError,
		ExecutableHash: c.exeHash,
	}
	switch {
	case c.building && c.current != nil:
		st.BuildState = c.current.Stage
	case c.building:
		st.BuildState = build.StageCompiling
	case c.last != nil:
		st.BuildState = c.last.Stage
	}
	if c.last != nil {
		last := *c.last
		st.LastRun = &last
	}
	return st
}

// HandleExit is the runtime's exit callback. An exit of the current process
// that nobody asked for clears the running flag and is reported.
func (c *Controller) HandleExit(pid, exitCode int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.runtime.MarkExited(pid) {
		c.logger.Debug("stopped runtime exited", "pid", pid, "exit_code", exitCode)
		return
	}

	c.lastError = fmt.Sprintf("runtime exited unexpectedly (exit %d)", exitCode)
	c.logger.Warn("runtime exited unexpectedly", "pid", pid, "exit_code", exitCode)
	c.metrics.RuntimeExited()
	c.publish(events.RuntimeExited, map[string]int{"pid": pid, "exit_code": exitCode})
	code := exitCode
	c.recordRuntime(history.RuntimeEntry{Action: "exited", PID: pid, ExitCode: &code})
}

// Shutdown stops the runtime when the gateway exits. Later start and replace
// requests fail with ErrShuttingDown, and a build still in flight does not
// relaunch the runtime.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.stopLocked("shutdown")
}

func (c *Controller) startLocked(reason string) error {
	if c.runtime.IsRunning() {
		return nil
	}
	if err := c.runtime.Start(); err != nil {
		c.lastError = err.Error()
		c.metrics.SpawnFailed()
		c.recordRuntime(history.RuntimeEntry{Action: "spawn_failed", Detail: err.Error()})
		c.logger.Error("runtime start failed", "reason", reason, "error", err)
		return err
	}

	pid := c.runtime.PID()
	c.metrics.RuntimeStarted()
	c.publish(events.RuntimeStarted, map[string]any{"pid": pid, "reason": reason})
	c.recordRuntime(history.RuntimeEntry{Action: "started", PID: pid, Detail: reason})
	return nil
}

func (c *Controller) stopLocked(reason string) {
	if !c.runtime.IsRunning() {
		return
	}
	pid := c.runtime.PID()
	c.runtime.Stop()

	c.metrics.RuntimeStopped()
	c.publish(events.RuntimeStopped, map[string]any{"pid": pid, "reason": reason})
	c.recordRuntime(history.RuntimeEntry{Action: "stopped", PID: pid, Detail: reason})
}

// observe is the pipeline's stage callback. It runs on the building
// goroutine without the lock held.
func (c *Controller) observe(run build.Run, from build.Stage, spent time.Duration) {
	c.mu.Lock()
	snapshot := run
	c.current = &snapshot
	c.mu.Unlock()

	c.metrics.StageFinished(string(from), spent)
	if run.Stage.Terminal() {
		return
	}

	c.saveRun(run)
	if from == "" {
		c.publish(events.BuildStarted, map[string]any{"run_id": run.ID, "source": run.Source.Name})
		return
	}
	c.publish(events.BuildStage, map[string]any{"run_id": run.ID, "stage": run.Stage, "from": from})
}

func (c *Controller) busyLocked() *BusyError {
	busy := &BusyError{Stage: build.StageCompiling}
	if c.current != nil {
		busy.RunID = c.current.ID
		busy.Stage = c.current.Stage
	}
	return busy
}

func (c *Controller) publish(eventType string, data any) {
	if c.events != nil {
		c.events.Publish(eventType, data)
	}
}

func (c *Controller) saveRun(run build.Run) {
	if c.history == nil || run.ID == "" {
		return
	}
	if err := c.history.SaveRun(context.Background(), run); err != nil {
		c.logger.Warn("failed to save build run", "run_id", run.ID, "error", err)
	}
}

func (c *Controller) recordRuntime(entry history.RuntimeEntry) {
	if c.history == nil {
		return
	}
	if err := c.history.RecordRuntime(context.Background(), entry); err != nil {
		c.logger.Warn("failed to record runtime action", "action", entry.Action, "error", err)
	}
}

func failedStage(err error) build.Stage {
	var stageErr *build.BuildStageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage
	}
	var relocErr *build.RelocationError
	if errors.As(err, &relocErr) {
		return build.StageRelocating
	}
	return build.StageFailed
}
