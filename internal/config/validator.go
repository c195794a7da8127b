package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// validate performs structural validation on a resolved configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}

	if err := validateAPI(cfg.API); err != nil {
		return err
	}

	if cfg.Runtime.Executable == "" {
		return fmt.Errorf("runtime.executable is required")
	}
	if cfg.Runtime.StopGrace < 0 {
		return fmt.Errorf("runtime.stop_grace must not be negative")
	}

	if cfg.Toolchain.Compiler == "" {
		return fmt.Errorf("toolchain.compiler is required")
	}
	if cfg.Toolchain.Rebuild == "" {
		return fmt.Errorf("toolchain.rebuild is required")
	}

	if cfg.Build.CoreDir == "" {
		return fmt.Errorf("build.core_dir is required")
	}
	if cfg.Build.UploadsDir == "" {
		return fmt.Errorf("build.uploads_dir is required")
	}
	if err := ValidateArtifacts(cfg.Build.Artifacts); err != nil {
		return fmt.Errorf("build.artifacts: %w", err)
	}
	if cfg.Build.WorkspaceRetention < 0 {
		return fmt.Errorf("build.workspace_retention must not be negative")
	}
	if cfg.Build.HistoryRetention < 0 {
		return fmt.Errorf("build.history_retention must not be negative")
	}

	if cfg.Inbox.Enabled {
		if cfg.Inbox.Dir == "" {
			return fmt.Errorf("inbox.dir is required when inbox is enabled")
		}
		if filepath.Clean(cfg.Inbox.Dir) == filepath.Clean(cfg.Build.UploadsDir) {
			return fmt.Errorf("inbox.dir must differ from build.uploads_dir")
		}
	}

	return nil
}

func validateAPI(api APIConfig) error {
	if api.Listen == "" {
		return fmt.Errorf("api.listen is required")
	}
	if api.MaxUploadBytes < 0 {
		return fmt.Errorf("api.max_upload_bytes must not be negative")
	}
	if err := unresolvedEnv("api.auth.api_key", api.Auth.APIKey); err != nil {
		return err
	}
	for i, tok := range api.Auth.Tokens {
		field := fmt.Sprintf("api.auth.tokens[%d].token", i)
		if tok.Token == "" {
			return fmt.Errorf("%s is required", field)
		}
		if err := unresolvedEnv(field, tok.Token); err != nil {
			return err
		}
		if len(tok.Scopes) == 0 {
			return fmt.Errorf("api.auth.tokens[%d].scopes must be non-empty", i)
		}
	}
	return nil
}

// ValidateArtifacts checks an artifact set is non-empty, made of plain file
// names, and free of duplicates.
func ValidateArtifacts(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("at least one artifact is required")
	}
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			return fmt.Errorf("artifact name is empty")
		}
		if trimmed != name || filepath.Base(name) != name || name == "." || name == ".." {
			return fmt.Errorf("artifact %q must be a plain file name", name)
		}
		if seen[name] {
			return fmt.Errorf("artifact %q listed twice", name)
		}
		seen[name] = true
	}
	return nil
}

func unresolvedEnv(field, value string) error {
	if !envVarPattern.MatchString(value) {
		return nil
	}
	matches := envVarPattern.FindStringSubmatch(value)
	if len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return fmt.Errorf("%s: unresolved environment variable", field)
}
