package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
)

var (
	securitySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		"apiKeyAuth": {Type: "apiKey", In: "header", Name: "X-Api-Key"},
	}
	anyCredential = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
	errorResponse = &huma.Response{
		Description: "Error envelope",
		Content: map[string]*huma.MediaType{
			"application/json": {Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"}},
		},
	}
)

// mountDocs serves the decorated OpenAPI document and a Swagger UI page that
// points at it.
func mountDocs(r chi.Router, api huma.API, basePath string) {
	specPath := path.Join("/", basePath, "openapi.json")
	render := sync.OnceValue(func() []byte {
		oas := api.OpenAPI()
		decorateSpec(oas, path.Join("/", basePath, "health"))
		b, _ := json.Marshal(oas)
		return b
	})
	r.Get(specPath, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(render())
	})
	page := []byte(fmt.Sprintf(docsPage, specPath))
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write(page)
	})
}

// decorateSpec declares both credential schemes, requires one of them on
// every operation except publicPath, and documents the error envelope as the
// default response.
func decorateSpec(oas *huma.OpenAPI, publicPath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	for name, scheme := range securitySchemes {
		oas.Components.SecuritySchemes[name] = scheme
	}
	oas.Security = anyCredential
	for route, item := range oas.Paths {
		for _, op := range operations(item) {
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = errorResponse
			if route == publicPath {
				op.Security = []map[string][]string{}
			} else {
				op.Security = anyCredential
			}
		}
	}
}

func operations(item *huma.PathItem) []*huma.Operation {
	var ops []*huma.Operation
	for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
		if op != nil {
			ops = append(ops, op)
		}
	}
	return ops
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Dispatchline API</title>
<link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css">
</head>
<body>
<div id="ui"></div>
<script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
<script>window.onload = () => SwaggerUIBundle({url: '%s', dom_id: '#ui'});</script>
<p style="font-family: sans-serif; padding: 0 1rem">Workers send X-Api-Key; operators may use Authorization: Bearer &lt;jwt&gt;.</p>
</body>
</html>`
