package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plcgw/internal/api"
	"github.com/mattjoyce/plcgw/internal/api/mocks"
	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

const token = "secret"

type fixture struct {
	ctrl    *mocks.MockController
	history *mocks.MockBuildHistory
	hub     *events.Hub
	client  *Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mc := gomock.NewController(t)
	f := &fixture{
		ctrl:    mocks.NewMockController(mc),
		history: mocks.NewMockBuildHistory(mc),
		hub:     events.NewHub(16),
	}
	srv := api.New(api.Config{
		APIKey:         token,
		UploadsDir:     filepath.Join(t.TempDir(), "st_files"),
		MaxUploadBytes: 1 << 20,
	}, f.ctrl, f.history, f.hub, nil, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	f.client = New(ts.URL+"/", token)
	return f
}

func TestStatusAndRuntimeCalls(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	gomock.InOrder(
		f.ctrl.EXPECT().Status().Return(lifecycle.Status{Running: true, PID: 12}),
		f.ctrl.EXPECT().RequestStop().Return(nil),
		f.ctrl.EXPECT().Status().Return(lifecycle.Status{}),
		f.ctrl.EXPECT().RequestStart().Return(&lifecycle.BusyError{RunID: "r", Stage: build.StageCompiling}),
	)

	st, err := f.client.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 12, st.PID)

	st, err = f.client.StopRuntime(ctx)
	require.NoError(t, err)
	assert.False(t, st.Running)

	_, err = f.client.StartRuntime(ctx)
	require.Error(t, err)
	assert.True(t, IsBusy(err))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "busy", apiErr.Kind)
}

func TestUnauthorized(t *testing.T) {
	f := newFixture(t)
	f.client.Token = "wrong"

	_, err := f.client.Status(context.Background())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.False(t, IsBusy(err))
}

func TestUploadProgram(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "blink.st")
	require.NoError(t, os.WriteFile(path, []byte("PROGRAM blink END_PROGRAM"), 0o644))

	f.ctrl.EXPECT().Status().Return(lifecycle.Status{}).Times(2)
	f.ctrl.EXPECT().RequestReplace(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src build.Source) (*build.Run, error) {
			b, err := os.ReadFile(src.Path)
			require.NoError(t, err)
			assert.Equal(t, "PROGRAM blink END_PROGRAM", string(b))
			return &build.Run{ID: "run-1", Source: src, Stage: build.StageSucceeded}, nil
		})

	resp, err := f.client.UploadProgram(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "run-1", resp.Run.ID)
	assert.Equal(t, "blink.st", resp.Run.Source.Name)
}

func TestUploadProgramBuildFailure(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "bad.st")
	require.NoError(t, os.WriteFile(path, []byte("PROGRAM"), 0o644))

	f.ctrl.EXPECT().Status().Return(lifecycle.Status{})
	f.ctrl.EXPECT().RequestReplace(gomock.Any(), gomock.Any()).Return(
		&build.Run{ID: "run-2", Stage: build.StageFailed, Diagnostic: "syntax error line 4"},
		&build.BuildStageError{Stage: build.StageCompiling, ExitCode: 1, Output: "syntax error line 4"},
	)

	_, err := f.client.UploadProgram(context.Background(), path)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.StatusCode)
	require.NotNil(t, apiErr.Run)
	assert.Equal(t, "syntax error line 4", apiErr.Run.Diagnostic)
}

func TestBuilds(t *testing.T) {
	f := newFixture(t)
	f.history.EXPECT().ListRuns(gomock.Any(), 3).Return([]history.RunRecord{{Run: build.Run{ID: "a"}}}, nil)
	f.history.EXPECT().GetRun(gomock.Any(), "a").Return(&history.RunRecord{Run: build.Run{ID: "a"}}, nil)

	runs, err := f.client.ListBuilds(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, runs, 1)

	rec, err := f.client.GetBuild(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "a", rec.ID)
}

func TestRuntimeLog(t *testing.T) {
	f := newFixture(t)
	code := 3
	f.history.EXPECT().ListRuntime(gomock.Any(), 10).Return([]history.RuntimeEntry{
		{ID: 2, Action: "exited", PID: 41, ExitCode: &code},
		{ID: 1, Action: "started", PID: 41, Detail: "boot"},
	}, nil)

	entries, err := f.client.RuntimeLog(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "exited", entries[0].Action)
	require.NotNil(t, entries[0].ExitCode)
	assert.Equal(t, 3, *entries[0].ExitCode)
	assert.Equal(t, "boot", entries[1].Detail)
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t)
	f.hub.Publish(events.RuntimeStarted, map[string]int{"pid": 7})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan events.Event, 4)
	done := make(chan error, 1)
	go func() {
		done <- f.client.Subscribe(ctx, 0, func(ev events.Event) { got <- ev })
	}()

	first := <-got
	assert.Equal(t, int64(1), first.ID)
	assert.Equal(t, events.RuntimeStarted, first.Type)
	assert.JSONEq(t, `{"pid":7}`, string(first.Data))

	f.hub.Publish(events.BuildStarted, map[string]string{"run_id": "r"})
	second := <-got
	assert.Equal(t, events.BuildStarted, second.Type)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}
