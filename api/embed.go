// Package api embeds the OpenAPI specification so the server can serve it
// at /openapi.yaml.
package api

import _ "embed"

// OpenAPISpec is the raw OpenAPI 3.1 document for the HTTP API.
//
//go:embed openapi.yaml
var OpenAPISpec []byte
