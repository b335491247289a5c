package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"reflect"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"

	"ballotline/internal/metrics"
)

func registerMetrics(r chi.Router, m *metrics.Metrics) {
	if m == nil {
		return
	}
	r.Handle("/metrics", m.Handler())
}

// registerOpenAPI serves the document under the base path. It is rendered on
// first request, after every route has been registered.
func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
		err  error
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, _ *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			decorateSpec(oas, basePath)
			doc, err = json.Marshal(oas)
		})
		if err != nil {
			writeError(w, newAPIError(http.StatusInternalServerError, "", "openapi render failed", nil))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprintf(w, docsPage, path.Join("/", basePath, "openapi.json"))
	})
}

var security = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}

// decorateSpec adds the auth schemes and the error envelope as the default
// response of every operation. Open routes get an empty security list.
func decorateSpec(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: "X-Api-Key"}
	oas.Security = security

	var envelope *huma.Schema
	if oas.Components.Schemas != nil {
		envelope = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
	}
	open := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Patch, item.Delete} {
			if op == nil {
				continue
			}
			if envelope != nil {
				if op.Responses == nil {
					op.Responses = map[string]*huma.Response{}
				}
				op.Responses["default"] = &huma.Response{
					Description: "Error",
					Content:     map[string]*huma.MediaType{"application/json": {Schema: envelope}},
				}
			}
			if open[route] {
				op.Security = []map[string][]string{}
			} else {
				op.Security = security
			}
		}
	}
}

const docsPage = `<!doctype html>
<html lang="en">
<head>
  <meta charset="utf-8"/>
  <title>Ballotline API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
</head>
<body>
  <div id="ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
  <script>window.onload = () => SwaggerUIBundle({url: %q, dom_id: "#ui"});</script>
</body>
</html>`
