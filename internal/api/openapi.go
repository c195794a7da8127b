package api

import "net/http"

type route struct {
	method  string
	path    string
	summary string
	scope   string
	codes   map[string]string
}

var apiRoutes = []route{
	{http.MethodGet, "/api/v1/status", "Runtime and build status", "runtime:ro", nil},
	{http.MethodPost, "/api/v1/runtime/start", "Start the runtime", "runtime:rw", map[string]string{
		"409": "Build in progress",
		"500": "Runtime could not be spawned",
	}},
	{http.MethodPost, "/api/v1/runtime/stop", "Stop the runtime", "runtime:rw", nil},
	{http.MethodGet, "/api/v1/runtime/log", "Recent runtime starts, stops and exits", "runtime:ro", nil},
	{http.MethodPost, "/api/v1/program", "Upload a program and replace the running one", "program:rw", map[string]string{
		"400": "Malformed upload",
		"409": "Build in progress",
		"413": "Upload too large",
		"422": "Build failed; runtime left stopped",
		"500": "Rebuilt runtime could not be spawned",
	}},
	{http.MethodGet, "/api/v1/builds", "Recent build runs", "runtime:ro", nil},
	{http.MethodGet, "/api/v1/builds/{runID}", "One build run", "runtime:ro", map[string]string{"404": "Unknown run"}},
	{http.MethodGet, "/api/v1/events", "Server-Sent Events stream", "runtime:ro", nil},
}

// buildOpenAPIDoc describes the JSON API as an OpenAPI 3.1 document.
func buildOpenAPIDoc() map[string]any {
	paths := map[string]any{}
	for _, rt := range apiRoutes {
		responses := map[string]any{
			"200": map[string]any{"description": "OK"},
			"401": map[string]any{"description": "Missing or invalid token"},
			"403": map[string]any{"description": "Insufficient scope"},
		}
		for code, desc := range rt.codes {
			responses[code] = map[string]any{"description": desc}
		}

		item, _ := paths[rt.path].(map[string]any)
		if item == nil {
			item = map[string]any{}
			paths[rt.path] = item
		}
		op := map[string]any{
			"summary":   rt.summary,
			"responses": responses,
			"security":  []any{map[string]any{"BearerAuth": []string{rt.scope}}},
		}
		if rt.path == "/api/v1/program" {
			op["requestBody"] = map[string]any{
				"required": true,
				"content": map[string]any{
					"multipart/form-data": map[string]any{
						"schema": map[string]any{
							"type":     "object",
							"required": []string{"program"},
							"properties": map[string]any{
								"program": map[string]any{"type": "string", "format": "binary"},
							},
						},
					},
				},
			}
		}
		item[methodKey(rt.method)] = op
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "plcgw control API",
			"version": "1.0",
		},
		"paths": paths,
		"components": map[string]any{
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func methodKey(method string) string {
	switch method {
	case http.MethodPost:
		return "post"
	default:
		return "get"
	}
}

// handleOpenAPI handles GET /openapi.json (no auth).
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc())
}
