package config

import "time"

// Config represents the complete plcgw configuration.
type Config struct {
	Service   ServiceConfig   `yaml:"service" json:"service"`
	State     StateConfig     `yaml:"state" json:"state"`
	API       APIConfig       `yaml:"api" json:"api"`
	Runtime   RuntimeConfig   `yaml:"runtime" json:"runtime"`
	Toolchain ToolchainConfig `yaml:"toolchain" json:"toolchain"`
	Build     BuildConfig     `yaml:"build" json:"build"`
	Inbox     InboxConfig     `yaml:"inbox,omitempty" json:"inbox"`
	Metrics   MetricsConfig   `yaml:"metrics,omitempty" json:"metrics"`

	// SourcePath is the absolute path of the file this config was loaded from.
	SourcePath string `yaml:"-" json:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	LogLevel string `yaml:"log_level" json:"log_level"`
}

// StateConfig defines state storage settings. The PID lock and the build
// workspaces live next to the database.
type StateConfig struct {
	Path string `yaml:"path" json:"path"`
}

// APIConfig defines HTTP control surface settings.
type APIConfig struct {
	Listen string `yaml:"listen" json:"listen"`
	// Console enables the unauthenticated HTML console (/, /run, /stop, /api/upload).
	Console bool          `yaml:"console" json:"console"`
	Auth    APIAuthConfig `yaml:"auth" json:"auth"`
	// MaxUploadBytes caps the size of an uploaded program.
	MaxUploadBytes int64 `yaml:"max_upload_bytes,omitempty" json:"max_upload_bytes"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the single admin bearer token (scope "*").
	APIKey string     `yaml:"api_key" json:"-"`
	Tokens []APIToken `yaml:"tokens,omitempty" json:"-"`
}

// APIToken defines a bearer token and its scopes.
type APIToken struct {
	Token  string   `yaml:"token"`
	Scopes []string `yaml:"scopes"`
}

// RuntimeConfig describes the supervised runtime process.
type RuntimeConfig struct {
	Executable string   `yaml:"executable" json:"executable"`
	Args       []string `yaml:"args,omitempty" json:"args,omitempty"`
	Dir        string   `yaml:"dir,omitempty" json:"dir,omitempty"`
	// Autostart launches the runtime when the service boots.
	Autostart *bool `yaml:"autostart,omitempty" json:"autostart"`
	// StopGrace is how long after SIGTERM a background reaper waits before
	// SIGKILL. Zero disables escalation.
	StopGrace time.Duration `yaml:"stop_grace,omitempty" json:"stop_grace"`
}

// AutostartEnabled reports whether the runtime should be launched at boot.
func (r RuntimeConfig) AutostartEnabled() bool {
	return r.Autostart == nil || *r.Autostart
}

// ToolchainConfig names the two external build steps.
type ToolchainConfig struct {
	// Compiler is the stage-1 source-to-intermediate compiler (invoked with the
	// program path as its only argument).
	Compiler string `yaml:"compiler" json:"compiler"`
	// Rebuild is the stage-3 script that links the runtime executable (no arguments).
	Rebuild    string `yaml:"rebuild" json:"rebuild"`
	RebuildDir string `yaml:"rebuild_dir,omitempty" json:"rebuild_dir,omitempty"`
}

// BuildConfig describes the filesystem layout the pipeline works against.
type BuildConfig struct {
	// CoreDir receives the relocated artifact set.
	CoreDir string `yaml:"core_dir" json:"core_dir"`
	// UploadsDir stores uploaded program sources.
	UploadsDir string `yaml:"uploads_dir" json:"uploads_dir"`
	// Artifacts is the fixed set of file names stage 1 must produce.
	Artifacts []string `yaml:"artifacts" json:"artifacts"`
	// WorkspaceRetention controls how long per-run compiler workspaces are kept.
	WorkspaceRetention time.Duration `yaml:"workspace_retention,omitempty" json:"workspace_retention"`
	// HistoryRetention controls how long build records are kept.
	HistoryRetention time.Duration `yaml:"history_retention,omitempty" json:"history_retention"`
}

// InboxConfig enables the drop-directory watcher.
type InboxConfig struct {
	Enabled bool          `yaml:"enabled" json:"enabled"`
	Dir     string        `yaml:"dir" json:"dir"`
	Settle  time.Duration `yaml:"settle,omitempty" json:"settle"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled"`
}

// IsEnabled reports whether /metrics is served. Defaults to true.
func (m MetricsConfig) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// DefaultArtifacts is the file set the IEC 61131-3 compiler writes.
var DefaultArtifacts = []string{
	"POUS.c",
	"POUS.h",
	"LOCATED_VARIABLES.h",
	"VARIABLES.csv",
	"Config0.c",
	"Config0.h",
	"Res0.c",
}

// Defaults returns a Config laid out like a stock OpenPLC checkout.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:     "plcgw",
			LogLevel: "info",
		},
		State: StateConfig{
			Path: "./data/state.db",
		},
		API: APIConfig{
			Listen:         "0.0.0.0:8080",
			Console:        true,
			MaxUploadBytes: 8 << 20,
		},
		Runtime: RuntimeConfig{
			Executable: "./core/openplc",
			Dir:        ".",
			StopGrace:  5 * time.Second,
		},
		Toolchain: ToolchainConfig{
			Compiler:   "./iec2c",
			Rebuild:    "./build_core.sh",
			RebuildDir: ".",
		},
		Build: BuildConfig{
			CoreDir:            "./core",
			UploadsDir:         "./st_files",
			Artifacts:          append([]string(nil), DefaultArtifacts...),
			WorkspaceRetention: 7 * 24 * time.Hour,
			HistoryRetention:   90 * 24 * time.Hour,
		},
		Inbox: InboxConfig{
			Enabled: false,
			Dir:     "./inbox",
			Settle:  500 * time.Millisecond,
		},
	}
}
