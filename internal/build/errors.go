package build

import (
	"fmt"
	"strings"
)

// BuildStageError reports a failed toolchain invocation. ExitCode is -1 when
// the job could not be started or did not exit on its own.
type BuildStageError struct {
	Stage    Stage
	ExitCode int
	Output   string
	Err      error
}

func (e *BuildStageError) Error() string {
	msg := fmt.Sprintf("%s failed", e.Stage)
	if e.ExitCode >= 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Output != "" {
		msg += ": " + firstLine(e.Output)
	}
	return msg
}

func (e *BuildStageError) Unwrap() error { return e.Err }

// RelocationError reports artifacts that could not be placed in the runtime
// source tree. Nothing from the set is left in place when it is returned.
type RelocationError struct {
	Missing []string
	Err     error
}

func (e *RelocationError) Error() string {
	msg := "relocation failed"
	if len(e.Missing) > 0 {
		msg += ": missing " + strings.Join(e.Missing, ", ")
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RelocationError) Unwrap() error { return e.Err }

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}
