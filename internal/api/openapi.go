package api

import "sort"

// buildOpenAPIDoc returns an OpenAPI 3.1 document for the API. The message
// schema lists every option the registered generators and parsers declare.
func buildOpenAPIDoc(catalog CatalogResponse) map[string]any {
	secured := []any{map[string]any{"BearerAuth": []string{}}}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "bigstream",
			"version": "1.0",
		},
		"paths": map[string]any{
			"/healthz": map[string]any{
				"get": map[string]any{
					"operationId": "healthz",
					"responses":   map[string]any{"200": map[string]any{"description": "Service is up"}},
				},
			},
			"/messages": map[string]any{
				"post": map[string]any{
					"operationId": "submitMessage",
					"summary":     "Feed one message to the engine",
					"security":    secured,
					"requestBody": map[string]any{
						"required": true,
						"content": map[string]any{
							"application/json": map[string]any{"schema": messageSchema(catalog)},
						},
					},
					"responses": map[string]any{
						"202": map[string]any{"description": "Message accepted"},
						"400": map[string]any{"description": "Invalid message or configuration"},
						"409": map[string]any{"description": "No open stream for payload"},
					},
				},
			},
			"/status":       getOperation("getStatus", "Current run and queue state", secured),
			"/runs":         getOperation("listRuns", "Finished runs, newest first", secured),
			"/runs/{runID}": getOperation("getRun", "One finished run", secured),
			"/generators":   getOperation("listGenerators", "Registered generator and parser kinds", secured),
			"/events":       getOperation("streamEvents", "Server-sent event stream of emissions", secured),
		},
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

func getOperation(id, summary string, security []any) map[string]any {
	return map[string]any{
		"get": map[string]any{
			"operationId": id,
			"summary":     summary,
			"security":    security,
			"responses": map[string]any{
				"200": map[string]any{"description": "OK"},
				"403": map[string]any{"description": "Insufficient scope"},
			},
		},
	}
}

func messageSchema(catalog CatalogResponse) map[string]any {
	seen := map[string]struct{}{}
	for _, kinds := range [][]KindInfo{catalog.Generators, catalog.Parsers} {
		for _, k := range kinds {
			for _, o := range k.Options {
				seen[o.Name] = struct{}{}
			}
		}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	props := make(map[string]any, len(names))
	for _, name := range names {
		props[name] = map[string]any{}
	}

	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"payload": map[string]any{},
			"control": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"state": map[string]any{"type": "string"},
				},
			},
			"config": map[string]any{
				"type":       "object",
				"properties": props,
			},
		},
	}
}
