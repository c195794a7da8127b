package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file or from a directory
// containing config.yaml. Relative paths are resolved against the directory
// holding the config file.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}
	cfg.SourcePath = absPath
	cfg.ResolvePaths(filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Defaults() after ${VAR} interpolation.
// It does not resolve paths or validate.
func Parse(data []byte) (*Config, error) {
	expanded := interpolateEnv(string(data))

	cfg := Defaults()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	return applyConfigDefaults(cfg), nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $PLCGW_CONFIG_DIR, ~/.config/plcgw, /etc/plcgw, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("PLCGW_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "plcgw")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/plcgw"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	legacyConfigPath := "./config.yaml"
	if _, err := os.Stat(legacyConfigPath); err == nil {
		return legacyConfigPath, nil
	}

	return "", fmt.Errorf("no config found (checked: $PLCGW_CONFIG_DIR, ~/.config/plcgw, /etc/plcgw, ./config.yaml)")
}

// ResolvePaths makes every filesystem path in cfg absolute relative to baseDir.
func (c *Config) ResolvePaths(baseDir string) {
	resolve := func(p *string) {
		if *p == "" || filepath.IsAbs(*p) {
			return
		}
		*p = filepath.Clean(filepath.Join(baseDir, *p))
	}

	resolve(&c.State.Path)
	resolve(&c.Runtime.Executable)
	resolve(&c.Runtime.Dir)
	resolve(&c.Toolchain.Compiler)
	resolve(&c.Toolchain.Rebuild)
	resolve(&c.Toolchain.RebuildDir)
	resolve(&c.Build.CoreDir)
	resolve(&c.Build.UploadsDir)
	resolve(&c.Inbox.Dir)
}

// WorkspaceDir is where per-run compiler workspaces are created.
func (c *Config) WorkspaceDir() string {
	return filepath.Join(filepath.Dir(c.State.Path), "workspaces")
}

// PIDLockPath derives the single-instance lock path from the state database path.
func (c *Config) PIDLockPath() string {
	dbDir := filepath.Dir(c.State.Path)
	dbBase := filepath.Base(c.State.Path)
	ext := filepath.Ext(dbBase)
	return filepath.Join(dbDir, strings.TrimSuffix(dbBase, ext)+".pid")
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	cfg.Service.LogLevel = strings.ToLower(cfg.Service.LogLevel)

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}
	if cfg.API.MaxUploadBytes == 0 {
		cfg.API.MaxUploadBytes = defaults.API.MaxUploadBytes
	}
	if cfg.Runtime.Dir == "" {
		cfg.Runtime.Dir = defaults.Runtime.Dir
	}
	if cfg.Toolchain.RebuildDir == "" {
		cfg.Toolchain.RebuildDir = defaults.Toolchain.RebuildDir
	}
	if cfg.Build.WorkspaceRetention == 0 {
		cfg.Build.WorkspaceRetention = defaults.Build.WorkspaceRetention
	}
	if cfg.Build.HistoryRetention == 0 {
		cfg.Build.HistoryRetention = defaults.Build.HistoryRetention
	}
	if cfg.Inbox.Settle == 0 {
		cfg.Inbox.Settle = defaults.Inbox.Settle
	}

	return cfg
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}
