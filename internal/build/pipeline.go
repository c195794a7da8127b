package build

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/plcgw/internal/log"
	"github.com/mattjoyce/plcgw/internal/workspace"
)

// Config wires a Pipeline to its toolchain and filesystem layout.
type Config struct {
	// Compiler is invoked with the absolute source path as its only argument.
	Compiler string
	// Rebuild is invoked with no arguments from RebuildDir.
	Rebuild    string
	RebuildDir string

	// CoreDir receives the artifact set.
	CoreDir string
	// Executable is the runtime binary Rebuild produces.
	Executable string
	Artifacts  ArtifactSet

	Workspaces workspace.Manager
	Runner     Runner
	Logger     *slog.Logger
}

// Pipeline runs builds. It holds no per-run state.
type Pipeline struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// New validates cfg and returns a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	switch {
	case cfg.Compiler == "":
		return nil, fmt.Errorf("compiler path is empty")
	case cfg.Rebuild == "":
		return nil, fmt.Errorf("rebuild script path is empty")
	case cfg.CoreDir == "":
		return nil, fmt.Errorf("core dir is empty")
	case cfg.Executable == "":
		return nil, fmt.Errorf("runtime executable path is empty")
	case len(cfg.Artifacts) == 0:
		return nil, fmt.Errorf("artifact set is empty")
	case cfg.Workspaces == nil:
		return nil, fmt.Errorf("workspace manager is nil")
	}
	if cfg.Runner == nil {
		cfg.Runner = &ExecRunner{Logger: cfg.Logger}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithComponent("build")
	}
	return &Pipeline{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		newID:  func() string { return uuid.New().String() },
	}, nil
}

// execution carries the resources one run acquires as it advances.
type execution struct {
	run       *Run
	logger    *slog.Logger
	observe   Observer
	entered   time.Time
	workspace workspace.Workspace
	reloc     *relocation
}

// Run drives src through every stage until the run succeeds or fails. The
// returned error is the run's failure, also recorded in Run.Err.
func (p *Pipeline) Run(ctx context.Context, src Source, observe Observer) (*Run, error) {
	run := &Run{
		ID:        p.newID(),
		Source:    src,
		Outcome:   OutcomePending,
		StartedAt: p.now().UTC(),
	}
	x := &execution{
		run:     run,
		logger:  log.WithRun(p.logger, run.ID).With("source", src.Name),
		observe: observe,
		entered: run.StartedAt,
	}

	x.logger.Info("build started", "path", src.Path)
	p.transition(x, StageCompiling)

	for !run.Stage.Terminal() {
		var err error
		switch run.Stage {
		case StageCompiling:
			err = p.compile(ctx, x)
		case StageRelocating:
			err = p.relocate(x)
		case StageLinking:
			err = p.link(ctx, x)
		default:
			err = fmt.Errorf("no handler for stage %q", run.Stage)
		}
		if err != nil {
			p.fail(x, err)
			break
		}
		p.transition(x, run.Stage.next())
	}

	if run.Stage == StageSucceeded {
		run.Outcome = OutcomeSuccess
		completed := p.now().UTC()
		run.CompletedAt = &completed
		if err := p.cfg.Workspaces.Remove(context.WithoutCancel(ctx), run.ID); err != nil {
			x.logger.Warn("failed to remove workspace", "error", err)
		}
		x.logger.Info("build succeeded", "executable_hash", run.ExecutableHash,
			"duration", completed.Sub(run.StartedAt))
	}
	return run, run.Err
}

// compile runs the stage-1 compiler in a fresh workspace.
func (p *Pipeline) compile(ctx context.Context, x *execution) error {
	src, err := filepath.Abs(x.run.Source.Path)
	if err != nil {
		return &BuildStageError{Stage: StageCompiling, ExitCode: -1, Err: fmt.Errorf("resolve source: %w", err)}
	}
	if _, err := os.Stat(src); err != nil {
		return &BuildStageError{Stage: StageCompiling, ExitCode: -1, Err: fmt.Errorf("program source: %w", err)}
	}

	ws, err := p.cfg.Workspaces.Create(ctx, x.run.ID)
	if err != nil {
		return &BuildStageError{Stage: StageCompiling, ExitCode: -1, Err: err}
	}
	x.workspace = ws
	x.run.Workspace = ws.Dir

	res, err := p.cfg.Runner.Run(ctx, Invocation{
		Stage: StageCompiling,
		Path:  p.cfg.Compiler,
		Args:  []string{src},
		Dir:   ws.Dir,
	})
	if err != nil {
		return &BuildStageError{Stage: StageCompiling, ExitCode: res.ExitCode, Output: diagnostic(res.Combined), Err: err}
	}
	if res.ExitCode != 0 {
		return &BuildStageError{Stage: StageCompiling, ExitCode: res.ExitCode, Output: diagnostic(res.Combined)}
	}
	return nil
}

// relocate moves the artifact set from the workspace into the core dir.
func (p *Pipeline) relocate(x *execution) error {
	reloc, err := stageArtifacts(x.workspace.Dir, p.cfg.CoreDir, x.run.ID, p.cfg.Artifacts)
	if err != nil {
		return err
	}
	if err := reloc.commit(); err != nil {
		reloc.discard()
		return err
	}
	x.reloc = reloc
	x.logger.Debug("artifacts relocated", "core_dir", p.cfg.CoreDir, "count", len(p.cfg.Artifacts))
	return nil
}

// link runs the rebuild script. On failure the previous executable and the
// previous sources are put back.
func (p *Pipeline) link(ctx context.Context, x *execution) error {
	snap, err := takeSnapshot(p.cfg.Executable)
	if err != nil {
		p.undoRelocation(x)
		return &BuildStageError{Stage: StageLinking, ExitCode: -1, Err: err}
	}

	stageErr := p.runRebuild(ctx, x)
	if stageErr != nil {
		if err := snap.restore(); err != nil {
			x.logger.Error("failed to restore runtime executable", "error", err)
		}
		p.undoRelocation(x)
		return stageErr
	}

	snap.discard()
	x.reloc.discard()
	x.reloc = nil
	return nil
}

func (p *Pipeline) runRebuild(ctx context.Context, x *execution) error {
	res, err := p.cfg.Runner.Run(ctx, Invocation{
		Stage: StageLinking,
		Path:  p.cfg.Rebuild,
		Dir:   p.cfg.RebuildDir,
	})
	if err != nil {
		return &BuildStageError{Stage: StageLinking, ExitCode: res.ExitCode, Output: diagnostic(res.Combined), Err: err}
	}
	if res.ExitCode != 0 {
		return &BuildStageError{Stage: StageLinking, ExitCode: res.ExitCode, Output: diagnostic(res.Combined)}
	}
	if stderr := diagnostic(res.Stderr); stderr != "" {
		return &BuildStageError{Stage: StageLinking, ExitCode: 0, Output: stderr, Err: errors.New("rebuild wrote to stderr")}
	}

	hash, err := HashFile(p.cfg.Executable)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = fmt.Errorf("rebuild produced no executable at %s: %w", p.cfg.Executable, fs.ErrNotExist)
		}
		return &BuildStageError{Stage: StageLinking, ExitCode: 0, Output: diagnostic(res.Combined), Err: err}
	}
	x.run.ExecutableHash = hash
	return nil
}

func (p *Pipeline) undoRelocation(x *execution) {
	if x.reloc == nil {
		return
	}
	if err := x.reloc.rollback(); err != nil {
		x.logger.Error("failed to roll back relocated artifacts", "error", err)
	}
	x.reloc.discard()
	x.reloc = nil
}

func (p *Pipeline) transition(x *execution, to Stage) {
	from := x.run.Stage
	now := p.now()
	spent := now.Sub(x.entered)
	x.entered = now
	x.run.Stage = to

	if from != "" {
		x.logger.Debug("build stage changed", "from", string(from), "to", string(to), "spent", spent)
	}
	if x.observe != nil {
		x.observe(*x.run, from, spent)
	}
}

func (p *Pipeline) fail(x *execution, err error) {
	failedIn := x.run.Stage
	completed := p.now().UTC()
	x.run.Err = err
	x.run.Outcome = OutcomeFailed
	x.run.CompletedAt = &completed
	x.run.Diagnostic = err.Error()

	var stageErr *BuildStageError
	if errors.As(err, &stageErr) && stageErr.Output != "" {
		x.run.Diagnostic = stageErr.Output
	}

	x.logger.Warn("build failed", "stage", string(failedIn), "error", err)
	p.transition(x, StageFailed)
}
