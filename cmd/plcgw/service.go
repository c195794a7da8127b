package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/mattjoyce/plcgw/internal/api"
	"github.com/mattjoyce/plcgw/internal/auth"
	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/config"
	"github.com/mattjoyce/plcgw/internal/events"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/inbox"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
	"github.com/mattjoyce/plcgw/internal/lock"
	"github.com/mattjoyce/plcgw/internal/log"
	"github.com/mattjoyce/plcgw/internal/metrics"
	"github.com/mattjoyce/plcgw/internal/storage"
	"github.com/mattjoyce/plcgw/internal/supervisor"
	"github.com/mattjoyce/plcgw/internal/workspace"
)

const eventBacklog = 256

func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	configPath := fs.String("config", "", "Path to configuration file or directory")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flags: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	log.Setup(cfg.Service.LogLevel)
	logger := log.WithComponent("main")
	logger.Info("plcgw starting", "version", version, "config", cfg.SourcePath)

	pidLock, err := lock.Acquire(cfg.PIDLockPath())
	if err != nil {
		logger.Error("failed to acquire PID lock", "path", cfg.PIDLockPath(), "error", err)
		return 1
	}
	defer pidLock.Release()
	logger.Info("acquired PID lock", "path", pidLock.Path())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		logger.Error("failed to open database", "path", cfg.State.Path, "error", err)
		return 1
	}
	defer db.Close()
	logger.Info("database opened", "path", cfg.State.Path)

	hist := history.New(db)
	hub := events.NewHub(eventBacklog)

	var m *metrics.Metrics
	var metricsHandler http.Handler
	if cfg.Metrics.IsEnabled() {
		m = metrics.New()
		metricsHandler = m.Handler()
	}

	wsManager, err := workspace.NewFSManager(cfg.WorkspaceDir())
	if err != nil {
		logger.Error("failed to initialize workspace manager", "base_dir", cfg.WorkspaceDir(), "error", err)
		return 1
	}
	housekeeping(ctx, cfg, wsManager, hist)

	pipeline, err := build.New(build.Config{
		Compiler:   cfg.Toolchain.Compiler,
		Rebuild:    cfg.Toolchain.Rebuild,
		RebuildDir: cfg.Toolchain.RebuildDir,
		CoreDir:    cfg.Build.CoreDir,
		Executable: cfg.Runtime.Executable,
		Artifacts:  build.ArtifactSet(cfg.Build.Artifacts),
		Workspaces: wsManager,
		Runner:     &build.ExecRunner{Logger: log.WithComponent("toolchain")},
		Logger:     log.WithComponent("build"),
	})
	if err != nil {
		logger.Error("invalid build configuration", "error", err)
		return 1
	}

	// The supervisor reports exits to the controller, which does not exist
	// yet; nothing can exit before the first Start below.
	var ctrl *lifecycle.Controller
	sup := supervisor.New(supervisor.Config{
		Executable: cfg.Runtime.Executable,
		Args:       cfg.Runtime.Args,
		Dir:        cfg.Runtime.Dir,
		StopGrace:  cfg.Runtime.StopGrace,
		Logger:     log.WithComponent("runtime"),
		OnExit: func(pid, exitCode int) {
			ctrl.HandleExit(pid, exitCode)
		},
	})

	ctrl, err = lifecycle.New(lifecycle.Options{
		Runtime: sup,
		Builder: pipeline,
		History: hist,
		Events:  hub,
		Metrics: m,
		Logger:  log.WithComponent("lifecycle"),
	})
	if err != nil {
		logger.Error("failed to create lifecycle controller", "error", err)
		return 1
	}

	if hash, err := build.HashFile(cfg.Runtime.Executable); err == nil {
		ctrl.SetExecutableHash(hash)
		logger.Info("runtime executable found", "path", cfg.Runtime.Executable, "blake3", hash)
	} else {
		logger.Warn("runtime executable not available yet", "path", cfg.Runtime.Executable, "error", err)
	}

	if cfg.Runtime.AutostartEnabled() {
		if err := ctrl.RequestStart(); err != nil {
			logger.Warn("autostart failed; the service keeps running", "error", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	apiServer := api.New(api.Config{
		Listen:         cfg.API.Listen,
		Console:        cfg.API.Console,
		APIKey:         cfg.API.Auth.APIKey,
		Tokens:         tokenConfigs(cfg.API.Auth.Tokens),
		UploadsDir:     cfg.Build.UploadsDir,
		MaxUploadBytes: cfg.API.MaxUploadBytes,
	}, ctrl, hist, hub, metricsHandler, log.WithComponent("api"))
	wg.Go(func() {
		if err := apiServer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- fmt.Errorf("api: %w", err)
		}
	})

	if cfg.Inbox.Enabled {
		watcher, err := inbox.New(inbox.Config{
			Dir:        cfg.Inbox.Dir,
			UploadsDir: cfg.Build.UploadsDir,
			Settle:     cfg.Inbox.Settle,
			Logger:     log.WithComponent("inbox"),
		}, ctrl)
		if err != nil {
			logger.Error("failed to configure inbox", "error", err)
			cancel()
			wg.Wait()
			ctrl.Shutdown()
			return 1
		}
		wg.Go(func() {
			if err := watcher.Run(ctx); err != nil {
				errCh <- fmt.Errorf("inbox: %w", err)
			}
		})
		logger.Info("inbox enabled", "dir", cfg.Inbox.Dir)
	}

	logger.Info("plcgw running (press Ctrl+C to stop)", "listen", cfg.API.Listen)

	code := 0
	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", "signal", sig)
	case err := <-errCh:
		logger.Error("component failed", "error", err)
		code = 1
	}

	ctrl.Shutdown()
	cancel()
	wg.Wait()

	logger.Info("plcgw stopped")
	return code
}

// housekeeping removes stale build workspaces, old build records and the
// uploaded sources they point at.
func housekeeping(ctx context.Context, cfg *config.Config, ws workspace.Manager, hist *history.Store) {
	logger := log.WithComponent("housekeeping")

	if cfg.Build.WorkspaceRetention > 0 {
		report, err := ws.Cleanup(ctx, cfg.Build.WorkspaceRetention)
		if err != nil {
			logger.Warn("workspace cleanup failed", "error", err)
		} else if report.DeletedDirs > 0 {
			logger.Info("removed stale workspaces", "count", report.DeletedDirs)
		}
	}

	if cfg.Build.HistoryRetention > 0 {
		n, err := hist.PruneRuns(ctx, time.Now().Add(-cfg.Build.HistoryRetention))
		if err != nil {
			logger.Warn("build history prune failed", "error", err)
		} else if n > 0 {
			logger.Info("pruned build history", "count", n)
		}

		removed, err := build.PruneSources(cfg.Build.UploadsDir, time.Now().Add(-cfg.Build.HistoryRetention))
		if err != nil {
			logger.Warn("uploaded source prune failed", "error", err)
		} else if removed > 0 {
			logger.Info("pruned uploaded sources", "count", removed)
		}
	}
}

func tokenConfigs(in []config.APIToken) []auth.TokenConfig {
	tokens := make([]auth.TokenConfig, 0, len(in))
	for _, t := range in {
		tokens = append(tokens, auth.TokenConfig{Token: t.Token, Scopes: t.Scopes})
	}
	return tokens
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigDir()
		if err != nil {
			return nil, err
		}
		path = discovered
	}
	return config.Load(path)
}
