package api

import (
	"github.com/mattjoyce/plcgw/internal/build"
	"github.com/mattjoyce/plcgw/internal/history"
	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
	// Kind classifies the failure: busy, build, spawn, shutting_down,
	// bad_request, internal.
	Kind string     `json:"kind,omitempty"`
	Run  *build.Run `json:"run,omitempty"`
}

// HealthzResponse is returned by GET /healthz.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Running       bool   `json:"running"`
	Building      bool   `json:"building"`
}

// ProgramResponse is returned by a successful POST /api/v1/program.
type ProgramResponse struct {
	Run    *build.Run       `json:"run"`
	Status lifecycle.Status `json:"status"`
}

// BuildListResponse is returned by GET /api/v1/builds.
type BuildListResponse struct {
	Builds []history.RunRecord `json:"builds"`
}

// RuntimeLogResponse is returned by GET /api/v1/runtime/log.
type RuntimeLogResponse struct {
	Entries []history.RuntimeEntry `json:"entries"`
}
