// Package doctor runs preflight checks on a loaded plcgw configuration and the
// files it points at.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/plcgw/internal/auth"
	"github.com/mattjoyce/plcgw/internal/config"
	"github.com/mattjoyce/plcgw/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor checks a configuration against the host it will run on.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateToolchain(r)
	d.validateRuntime(r)
	d.validateDirectories(r)
	d.validateState(r)
	d.validateTokenScopes(r)
	d.warnAuth(r)
	d.warnInbox(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateToolchain checks that both build steps can be executed.
func (d *Doctor) validateToolchain(r *Result) {
	if err := checkExecutable(d.cfg.Toolchain.Compiler); err != nil {
		d.addError(r, "toolchain", "toolchain.compiler", err.Error())
	}
	if err := checkExecutable(d.cfg.Toolchain.Rebuild); err != nil {
		d.addError(r, "toolchain", "toolchain.rebuild", err.Error())
	}
	if err := checkDir(d.cfg.Toolchain.RebuildDir); err != nil {
		d.addError(r, "toolchain", "toolchain.rebuild_dir", err.Error())
	}
}

// validateRuntime checks the runtime executable. A missing executable is only
// a warning: the first successful build produces it.
func (d *Doctor) validateRuntime(r *Result) {
	exe := d.cfg.Runtime.Executable
	info, err := os.Stat(exe)
	switch {
	case os.IsNotExist(err):
		d.addWarning(r, "runtime", "runtime.executable",
			fmt.Sprintf("%s does not exist yet; upload a program to build it", exe))
		if d.cfg.Runtime.AutostartEnabled() {
			d.addWarning(r, "runtime", "runtime.autostart",
				"autostart is enabled but there is no executable to start")
		}
	case err != nil:
		d.addError(r, "runtime", "runtime.executable", err.Error())
	case info.IsDir():
		d.addError(r, "runtime", "runtime.executable", fmt.Sprintf("%s is a directory", exe))
	case info.Mode().Perm()&0o111 == 0:
		d.addError(r, "runtime", "runtime.executable", fmt.Sprintf("%s is not executable", exe))
	}

	if d.cfg.Runtime.Dir != "" {
		if err := checkDir(d.cfg.Runtime.Dir); err != nil {
			d.addError(r, "runtime", "runtime.dir", err.Error())
		}
	}
	if d.cfg.Runtime.StopGrace == 0 {
		d.addWarning(r, "runtime", "runtime.stop_grace",
			"stop_grace is 0; a runtime that ignores SIGTERM is never killed")
	}
}

// validateDirectories checks the build tree layout.
func (d *Doctor) validateDirectories(r *Result) {
	if err := checkDir(d.cfg.Build.CoreDir); err != nil {
		d.addError(r, "build", "build.core_dir", err.Error())
	}
	if filepath.Dir(d.cfg.Runtime.Executable) != filepath.Clean(d.cfg.Build.CoreDir) {
		d.addWarning(r, "build", "build.core_dir",
			fmt.Sprintf("runtime executable %s is outside core_dir %s", d.cfg.Runtime.Executable, d.cfg.Build.CoreDir))
	}
	if err := checkCreatable(d.cfg.Build.UploadsDir); err != nil {
		d.addError(r, "build", "build.uploads_dir", err.Error())
	}
}

// validateState checks the SQLite location.
func (d *Doctor) validateState(r *Result) {
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
	if err := checkCreatable(filepath.Dir(d.cfg.State.Path)); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateTokenScopes checks every scope is one the API understands.
func (d *Doctor) validateTokenScopes(r *Result) {
	for i, token := range d.cfg.API.Auth.Tokens {
		for j, scope := range token.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, runtime:ro, runtime:rw or program:rw)", scope))
			}
		}
	}
}

func (d *Doctor) warnAuth(r *Result) {
	creds := d.cfg.API.Auth
	if creds.APIKey == "" && len(creds.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth", "no api_key or tokens configured; /api/v1 rejects every request")
	}
	if d.cfg.API.Console {
		d.addWarning(r, "api", "api.console",
			"console routes are unauthenticated; anyone reaching "+d.cfg.API.Listen+" can stop the runtime")
	}
}

func (d *Doctor) warnInbox(r *Result) {
	if !d.cfg.Inbox.Enabled {
		return
	}
	if err := checkCreatable(d.cfg.Inbox.Dir); err != nil {
		d.addError(r, "inbox", "inbox.dir", err.Error())
	}
	if d.cfg.Inbox.Settle <= 0 {
		d.addWarning(r, "inbox", "inbox.settle", "settle is 0; half-written files may be submitted")
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", path)
	}
	if info.Mode().Perm()&0o111 == 0 {
		return fmt.Errorf("%s is not executable", path)
	}
	return nil
}

func checkDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}
	return nil
}

// checkCreatable accepts an existing directory or a missing one whose closest
// existing ancestor is a directory.
func checkCreatable(path string) error {
	for p := path; ; p = filepath.Dir(p) {
		info, err := os.Stat(p)
		if err == nil {
			if !info.IsDir() {
				return fmt.Errorf("%s is not a directory", p)
			}
			return nil
		}
		if !os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", p, err)
		}
		if filepath.Dir(p) == p {
			return fmt.Errorf("%s: no existing parent", path)
		}
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, level string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", level, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", level, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
