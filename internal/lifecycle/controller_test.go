package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/supervisor"
)

// fakeRuntime mimics the supervisor's flag bookkeeping without processes.
type fakeRuntime struct {
	mu       sync.Mutex
	running  bool
	pid      int
	nextPID  int
	starts   int
	stops    int
	startErr error
}

func (r *fakeRuntime) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}
	if r.startErr != nil {
		return r.startErr
	}
	r.nextPID++
	r.pid = 1000 + r.nextPID
	r.running = true
	r.starts++
	return nil
}

func (r *fakeRuntime) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	r.pid = 0
	r.stops++
}

func (r *fakeRuntime) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *fakeRuntime) PID() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

func (r *fakeRuntime) MarkExited(pid int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running || r.pid != pid {
		return false
	}
	r.running = false
	r.pid = 0
	return true
}

func (r *fakeRuntime) counts() (starts, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.starts, r.stops
}

// gatedBuilder walks a run through the stages and blocks in compiling until
// released.
type gatedBuilder struct {
	entered    chan bool
	release    chan struct{}
	err        error
	runtimeRef Runtime
}

func newGatedBuilder(rt Runtime) *gatedBuilder {
	return &gatedBuilder{entered: make(chan bool, 1), release: make(chan struct{}), runtimeRef: rt}
}

func (b *gatedBuilder) Run(_ context.Context, src build.Source, observe build.Observer) (*build.Run, error) {
	run := &build.Run{ID: "run-gated", Source: src, Stage: build.StageCompiling, Outcome: build.OutcomePending, StartedAt: time.Now()}
	observe(*run, "", 0)
	b.entered <- b.runtimeRef.IsRunning()
	<-b.release

	if b.err != nil {
		run.Stage = build.StageFailed
		run.Outcome = build.OutcomeFailed
		run.Err = b.err
		run.Diagnostic = b.err.Error()
		observe(*run, build.StageCompiling, time.Millisecond)
		return run, b.err
	}
	for _, st := range []build.Stage{build.StageRelocating, build.StageLinking, build.StageSucceeded} {
		from := run.Stage
		run.Stage = st
		observe(*run, from, time.Millisecond)
	}
	run.Outcome = build.OutcomeSuccess
	run.ExecutableHash = "abc123"
	return run, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func newTestController(t *testing.T, rt Runtime, b Builder, hub *events.Hub) *Controller {
	t.Helper()
	opts := Options{Runtime: rt, Builder: b, Logger: quietLogger()}
	if hub != nil {
		opts.Events = hub
	}
	c, err := New(opts)
	require.NoError(t, err)
	return c
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Options{Builder: newGatedBuilder(nil)})
	assert.Error(t, err)
	_, err = New(Options{Runtime: &fakeRuntime{}})
	assert.Error(t, err)
}

func TestStartStopReflectsLastAction(t *testing.T) {
	rt := &fakeRuntime{}
	c := newTestController(t, rt, newGatedBuilder(rt), nil)

	steps := []struct {
		action  func() error
		running bool
	}{
		{c.RequestStart, true},
		{c.RequestStart, true},
		{c.RequestStop, false},
		{c.RequestStop, false},
		{c.RequestStart, true},
		{c.RequestStop, false},
	}
	for i, step := range steps {
		require.NoError(t, step.action(), "step %d", i)
		assert.Equal(t, step.running, c.Status().Running, "step %d", i)
	}

	starts, stops := rt.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 2, stops)
	assert.Empty(t, c.Status().BuildState, "no build has run")
}

func TestStartSpawnFailureLeavesStopped(t *testing.T) {
	rt := &fakeRuntime{startErr: &supervisor.SpawnError{Path: "/opt/core/openplc", Err: errors.New("permission denied")}}
	c := newTestController(t, rt, newGatedBuilder(rt), nil)

	err := c.RequestStart()
	var spawnErr *supervisor.SpawnError
	require.True(t, errors.As(err, &spawnErr))

	st := c.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "permission denied")
}

func TestReplaceWhileBuildingIsBusy(t *testing.T) {
	rt := &fakeRuntime{}
	b := newGatedBuilder(rt)
	hub := events.NewHub(50)
	c := newTestController(t, rt, b, hub)
	require.NoError(t, c.RequestStart())

	type result struct {
		run *build.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := c.RequestReplace(context.Background(), build.Source{Name: "first.st", Path: "/tmp/first.st"})
		done <- result{run, err}
	}()

	wasRunning := <-b.entered
	assert.False(t, wasRunning, "runtime must be stopped before the first toolchain runs")

	st := c.Status()
	assert.True(t, st.Building)
	assert.Equal(t, build.StageCompiling, st.BuildState)
	startsBefore, stopsBefore := rt.counts()

	run, err := c.RequestReplace(context.Background(), build.Source{Name: "second.st", Path: "/tmp/second.st"})
	var busy *BusyError
	require.True(t, errors.As(err, &busy), "got %T %v", err, err)
	assert.Nil(t, run)
	assert.Equal(t, "run-gated", busy.RunID)

	// Start is rejected too; stop and status answer without waiting on the build.
	require.True(t, errors.As(c.RequestStart(), &busy))
	statusDone := make(chan struct{})
	go func() {
		_ = c.RequestStop()
		_ = c.Status()
		close(statusDone)
	}()
	select {
	case <-statusDone:
	case <-time.After(time.Second):
		t.Fatal("stop/status blocked behind an active build")
	}

	startsAfter, stopsAfter := rt.counts()
	assert.Equal(t, startsBefore, startsAfter)
	assert.Equal(t, stopsBefore, stopsAfter)
	assert.True(t, c.Status().Building, "in-flight run must be undisturbed")

	close(b.release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, build.StageSucceeded, res.run.Stage)

	st = c.Status()
	assert.True(t, st.Running)
	assert.False(t, st.Building)
	assert.Equal(t, build.StageSucceeded, st.BuildState)
	assert.Equal(t, "abc123", st.ExecutableHash)
	starts, _ := rt.counts()
	assert.Equal(t, 2, starts)

	var types []string
	for _, ev := range hub.Since(0) {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		events.RuntimeStarted,
		events.RuntimeStopped,
		events.BuildStarted,
		events.BuildStage,
		events.BuildStage,
		events.BuildSucceeded,
		events.RuntimeStarted,
	}, types)
}

func TestReplaceFailureLeavesRuntimeStopped(t *testing.T) {
	rt := &fakeRuntime{}
	b := newGatedBuilder(rt)
	b.err = &build.BuildStageError{Stage: build.StageCompiling, ExitCode: 1, Output: "syntax error line 4"}
	close(b.release)
	c := newTestController(t, rt, b, nil)
	require.NoError(t, c.RequestStart())

	run, err := c.RequestReplace(context.Background(), build.Source{Name: "bad.st", Path: "/tmp/bad.st"})
	<-b.entered

	var stageErr *build.BuildStageError
	require.True(t, errors.As(err, &stageErr))
	require.NotNil(t, run)
	assert.Equal(t, build.StageFailed, run.Stage)

	st := c.Status()
	assert.False(t, st.Running)
	assert.False(t, st.Building)
	assert.Equal(t, build.StageFailed, st.BuildState)
	assert.Contains(t, st.LastError, "syntax error line 4")
	starts, _ := rt.counts()
	assert.Equal(t, 1, starts, "a failed replace must not relaunch")

	// The service keeps accepting requests.
	require.NoError(t, c.RequestStart())
	assert.True(t, c.Status().Running)
}

func TestHandleExit(t *testing.T) {
	rt := &fakeRuntime{}
	hub := events.NewHub(10)
	c := newTestController(t, rt, newGatedBuilder(rt), hub)
	require.NoError(t, c.RequestStart())
	pid := c.Status().PID

	c.HandleExit(pid+1, 0)
	assert.True(t, c.Status().Running, "exit of another pid is ignored")

	c.HandleExit(pid, 3)
	st := c.Status()
	assert.False(t, st.Running)
	assert.Contains(t, st.LastError, "exit 3")

	evs := hub.Since(0)
	require.NotEmpty(t, evs)
	assert.Equal(t, events.RuntimeExited, evs[len(evs)-1].Type)

	require.NoError(t, c.RequestStop(), "stop after an exit is a no-op")
	_, stops := rt.counts()
	assert.Equal(t, 0, stops)
}

func TestShutdownDuringBuildDoesNotRelaunch(t *testing.T) {
	rt := &fakeRuntime{}
	b := newGatedBuilder(rt)
	c := newTestController(t, rt, b, nil)
	require.NoError(t, c.RequestStart())

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestReplace(context.Background(), build.Source{Name: "late.st", Path: "/tmp/late.st"})
		done <- err
	}()
	<-b.entered

	c.Shutdown()
	close(b.release)
	require.NoError(t, <-done)

	assert.False(t, c.Status().Running, "runtime must stay down after shutdown")
	starts, _ := rt.counts()
	assert.Equal(t, 1, starts)

	assert.ErrorIs(t, c.RequestStart(), ErrShuttingDown)
	_, err := c.RequestReplace(context.Background(), build.Source{Name: "x.st", Path: "/tmp/x.st"})
	assert.ErrorIs(t, err, ErrShuttingDown)
}
