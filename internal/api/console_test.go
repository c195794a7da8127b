package api

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

func TestConsoleRendersStatus(t *testing.T) {
	tests := []struct {
		name   string
		status lifecycle.Status
		want   string
	}{
		{"running", lifecycle.Status{Running: true, PID: 31}, "Running"},
		{"stopped with failure", lifecycle.Status{LastError: "syntax error line 4", BuildState: build.StageFailed}, "syntax error line 4"},
		{"building", lifecycle.Status{Building: true, BuildState: build.StageLinking}, "Building"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.ctrl.EXPECT().Status().Return(tt.status)

			rec := env.do(t, http.MethodGet, "/", "", nil, "")
			require.Equal(t, http.StatusOK, rec.Code)
			assert.Contains(t, rec.Header().Get("Content-Type"), "text/html")
			assert.Contains(t, rec.Body.String(), tt.want)
		})
	}
}

func TestConsoleRunAndStop(t *testing.T) {
	env := newTestEnv(t)
	gomock.InOrder(
		env.ctrl.EXPECT().RequestStart().Return(nil),
		env.ctrl.EXPECT().Status().Return(lifecycle.Status{Running: true}),
		env.ctrl.EXPECT().RequestStop().Return(nil),
		env.ctrl.EXPECT().Status().Return(lifecycle.Status{}),
	)

	rec := env.do(t, http.MethodGet, "/run", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Running")

	rec = env.do(t, http.MethodGet, "/stop", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Stopped")
}

func TestConsoleUploadAcceptsAnyFileField(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.EXPECT().Status().Return(lifecycle.Status{}).Times(2)
	var stored build.Source
	env.ctrl.EXPECT().RequestReplace(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src build.Source) (*build.Run, error) {
			stored = src
			return &build.Run{ID: "r", Source: src, Stage: build.StageSucceeded}, nil
		})

	body, ct := multipartBody(t, "file", "conveyor.st", "PROGRAM conveyor END_PROGRAM")
	rec := env.do(t, http.MethodPost, "/api/upload", "", body, ct)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "conveyor.st installed")

	assert.Equal(t, "conveyor.st", stored.Name)
	assert.Equal(t, env.uploadsDir, filepath.Dir(stored.Path))
	_, err := os.Stat(stored.Path)
	assert.NoError(t, err)
}

func TestConsoleUploadRejectedWhileBusy(t *testing.T) {
	env := newTestEnv(t)
	env.ctrl.EXPECT().Status().Return(lifecycle.Status{}).Times(2)
	var stored build.Source
	env.ctrl.EXPECT().RequestReplace(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, src build.Source) (*build.Run, error) {
			stored = src
			return nil, &lifecycle.BusyError{RunID: "r0", Stage: build.StageLinking}
		})

	body, ct := multipartBody(t, "file", "conveyor.st", "PROGRAM conveyor END_PROGRAM")
	rec := env.do(t, http.MethodPost, "/api/upload", "", body, ct)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), "was not installed")

	require.NotEmpty(t, stored.Path)
	_, err := os.Stat(stored.Path)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestConsoleDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *Config) { c.Console = false })

	rec := env.do(t, http.MethodGet, "/run", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
