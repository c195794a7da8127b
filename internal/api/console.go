package api

import (
	"errors"
	"html/template"
	"net/http"

	"github.com/mattjoyce/plcgw/internal/lifecycle"
)

var consoleTemplate = template.Must(template.New("console").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<style>
body { font-family: sans-serif; margin: 2em; }
.running { color: #1a7f37; } .stopped { color: #cf222e; } .building { color: #9a6700; }
pre { background: #f6f8fa; padding: 1em; overflow-x: auto; }
</style>
</head>
<body>
<h1>{{.Title}}</h1>
<p>Runtime: <strong class="{{.StateClass}}">{{.StateText}}</strong>{{if .Status.PID}} (pid {{.Status.PID}}){{end}}</p>
{{if .Status.BuildState}}<p>Build: {{.Status.BuildState}}</p>{{end}}
{{if .Message}}<p>{{.Message}}</p>{{end}}
{{if .Status.LastError}}<h2>Last failure</h2><pre>{{.Status.LastError}}</pre>{{end}}
<p><a href="/run">Run</a> | <a href="/stop">Stop</a></p>
<form action="/api/upload" method="post" enctype="multipart/form-data">
<input type="file" name="file" accept=".st">
<input type="submit" value="Upload program">
</form>
</body>
</html>
`))

type consoleView struct {
	Title      string
	Status     lifecycle.Status
	StateText  string
	StateClass string
	Message    string
}

func (s *Server) renderConsole(w http.ResponseWriter, code int, message string) {
	st := s.ctrl.Status()
	view := consoleView{Title: "PLC Runtime", Status: st, Message: message}
	switch {
	case st.Building:
		view.StateText, view.StateClass = "Building", "building"
	case st.Running:
		view.StateText, view.StateClass = "Running", "running"
	default:
		view.StateText, view.StateClass = "Stopped", "stopped"
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(code)
	if err := consoleTemplate.Execute(w, view); err != nil {
		s.logger.Error("failed to render console", "error", err)
	}
}

// handleConsole handles GET /.
func (s *Server) handleConsole(w http.ResponseWriter, r *http.Request) {
	s.renderConsole(w, http.StatusOK, "")
}

// handleConsoleRun handles GET /run.
func (s *Server) handleConsoleRun(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RequestStart(); err != nil {
		code, _ := classify(err)
		s.renderConsole(w, code, "Start failed: "+err.Error())
		return
	}
	s.renderConsole(w, http.StatusOK, "")
}

// handleConsoleStop handles GET /stop.
func (s *Server) handleConsoleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.RequestStop(); err != nil {
		code, _ := classify(err)
		s.renderConsole(w, code, "Stop failed: "+err.Error())
		return
	}
	s.renderConsole(w, http.StatusOK, "")
}

// handleConsoleUpload handles POST /api/upload from the console form.
func (s *Server) handleConsoleUpload(w http.ResponseWriter, r *http.Request) {
	if s.ctrl.Status().Building {
		s.renderConsole(w, http.StatusConflict, "A build is already in progress.")
		return
	}
	clearWriteDeadline(w)

	src, err := s.saveUpload(w, r, "")
	if err != nil {
		var ue *uploadError
		switch {
		case errors.Is(err, errUploadTooLarge):
			s.renderConsole(w, http.StatusRequestEntityTooLarge, "Upload rejected: "+err.Error())
		case errors.As(err, &ue):
			s.renderConsole(w, http.StatusBadRequest, "Upload rejected: "+err.Error())
		default:
			s.logger.Error("failed to store upload", "error", err)
			s.renderConsole(w, http.StatusInternalServerError, "Upload failed.")
		}
		return
	}

	if _, err := s.replace(r, src); err != nil {
		code, _ := classify(err)
		s.renderConsole(w, code, "Program "+src.Name+" was not installed: "+err.Error())
		return
	}
	s.renderConsole(w, http.StatusOK, "Program "+src.Name+" installed.")
}
