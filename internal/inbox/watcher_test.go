package inbox

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

type fakeSubmitter struct {
	mu        sync.Mutex
	building  int // number of Status calls that report a build in progress
	busy      int // number of RequestReplace calls rejected as busy
	submitted chan build.Source
}

func newFakeSubmitter() *fakeSubmitter {
	return &fakeSubmitter{submitted: make(chan build.Source, 8)}
}

func (f *fakeSubmitter) Status() lifecycle.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.building > 0 {
		f.building--
		return lifecycle.Status{Building: true}
	}
	return lifecycle.Status{}
}

func (f *fakeSubmitter) RequestReplace(_ context.Context, src build.Source) (*build.Run, error) {
	f.submitted <- src
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy > 0 {
		f.busy--
		return nil, &lifecycle.BusyError{RunID: "other", Stage: build.StageCompiling}
	}
	return &build.Run{ID: "run-" + src.Name, Source: src, Stage: build.StageSucceeded}, nil
}

func (f *fakeSubmitter) next(t *testing.T, within time.Duration) (build.Source, bool) {
	t.Helper()
	select {
	case src := <-f.submitted:
		return src, true
	case <-time.After(within):
		return build.Source{}, false
	}
}

func startWatcher(t *testing.T, sub Submitter, settle time.Duration) (inboxDir, uploadsDir string) {
	t.Helper()
	root := t.TempDir()
	inboxDir = filepath.Join(root, "inbox")
	uploadsDir = filepath.Join(root, "st_files")
	require.NoError(t, os.MkdirAll(inboxDir, 0o755))

	w, err := New(Config{
		Dir:        inboxDir,
		UploadsDir: uploadsDir,
		Settle:     settle,
		Logger:     slog.New(slog.NewJSONHandler(io.Discard, nil)),
	}, sub)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	// Give the watcher a moment to register before files appear.
	time.Sleep(50 * time.Millisecond)
	return inboxDir, uploadsDir
}

func TestSettledFileIsSubmitted(t *testing.T) {
	sub := newFakeSubmitter()
	inboxDir, uploadsDir := startWatcher(t, sub, 50*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "blink.st"), []byte("PROGRAM blink END_PROGRAM"), 0o644))

	src, ok := sub.next(t, 3*time.Second)
	require.True(t, ok, "program was not submitted")
	assert.Equal(t, "blink.st", src.Name)
	assert.Equal(t, uploadsDir, filepath.Dir(src.Path))
	assert.True(t, strings.HasSuffix(src.Path, "-blink.st"), src.Path)

	b, err := os.ReadFile(src.Path)
	require.NoError(t, err)
	assert.Equal(t, "PROGRAM blink END_PROGRAM", string(b))
	_, err = os.Stat(filepath.Join(inboxDir, "blink.st"))
	assert.True(t, os.IsNotExist(err), "file should have left the inbox")

	_, ok = sub.next(t, 200*time.Millisecond)
	assert.False(t, ok, "a file is submitted once")
}

func TestIgnoresOtherFiles(t *testing.T) {
	sub := newFakeSubmitter()
	inboxDir, _ := startWatcher(t, sub, 20*time.Millisecond)

	for _, name := range []string{"notes.txt", ".hidden.st", "blink.st.swp", ".ST"} {
		require.NoError(t, os.WriteFile(filepath.Join(inboxDir, name), []byte("x"), 0o644))
	}

	_, ok := sub.next(t, 300*time.Millisecond)
	assert.False(t, ok)
}

func TestExtensionMatchIgnoresCase(t *testing.T) {
	sub := newFakeSubmitter()
	inboxDir, _ := startWatcher(t, sub, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "PUMP.ST"), []byte("PROGRAM pump END_PROGRAM"), 0o644))

	src, ok := sub.next(t, 3*time.Second)
	require.True(t, ok, "upper-case extension was not submitted")
	assert.Equal(t, "PUMP.ST", src.Name)
}

func TestSameNameDropsGetDistinctSources(t *testing.T) {
	sub := newFakeSubmitter()
	inboxDir, uploadsDir := startWatcher(t, sub, 20*time.Millisecond)

	drop := filepath.Join(inboxDir, "blink.st")
	require.NoError(t, os.WriteFile(drop, []byte("v1"), 0o644))
	first, ok := sub.next(t, 3*time.Second)
	require.True(t, ok)

	require.NoError(t, os.WriteFile(drop, []byte("v2"), 0o644))
	second, ok := sub.next(t, 3*time.Second)
	require.True(t, ok)

	assert.NotEqual(t, first.Path, second.Path)
	for path, want := range map[string]string{first.Path: "v1", second.Path: "v2"} {
		assert.Equal(t, uploadsDir, filepath.Dir(path))
		b, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, want, string(b))
	}
}

func TestRejectedSubmissionReturnsToInbox(t *testing.T) {
	sub := newFakeSubmitter()
	sub.busy = 1
	inboxDir, _ := startWatcher(t, sub, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "race.st"), []byte("PROGRAM race END_PROGRAM"), 0o644))

	rejected, ok := sub.next(t, 3*time.Second)
	require.True(t, ok)
	accepted, ok := sub.next(t, 5*time.Second)
	require.True(t, ok, "returned file was not resubmitted")

	assert.Equal(t, "race.st", accepted.Name)
	assert.NotEqual(t, rejected.Path, accepted.Path)
	_, err := os.Stat(rejected.Path)
	assert.True(t, os.IsNotExist(err), "rejected copy should not linger in uploads")
	b, err := os.ReadFile(accepted.Path)
	require.NoError(t, err)
	assert.Equal(t, "PROGRAM race END_PROGRAM", string(b))
}

func TestExistingFilesArePickedUp(t *testing.T) {
	sub := newFakeSubmitter()
	root := t.TempDir()
	inboxDir := filepath.Join(root, "inbox")
	require.NoError(t, os.MkdirAll(inboxDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "early.st"), []byte("x"), 0o644))

	w, err := New(Config{Dir: inboxDir, UploadsDir: filepath.Join(root, "up"), Settle: 10 * time.Millisecond}, sub)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	src, ok := sub.next(t, 3*time.Second)
	require.True(t, ok)
	assert.Equal(t, "early.st", src.Name)
}

func TestDefersWhileBuilding(t *testing.T) {
	sub := newFakeSubmitter()
	sub.building = 1
	inboxDir, _ := startWatcher(t, sub, 10*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "later.st"), []byte("x"), 0o644))

	start := time.Now()
	src, ok := sub.next(t, 5*time.Second)
	require.True(t, ok)
	assert.Equal(t, "later.st", src.Name)
	assert.GreaterOrEqual(t, time.Since(start), time.Second, "retry waits at least a second")
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{UploadsDir: "x"}, newFakeSubmitter())
	assert.Error(t, err)
	_, err = New(Config{Dir: "a", UploadsDir: "b"}, nil)
	assert.Error(t, err)
}
