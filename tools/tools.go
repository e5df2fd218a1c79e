//go:build tools

package tools

// Tool dependencies pinned in go.mod:
//   - goose applies internal/adapters/{postgres,sqlite}/migrations by hand
//     (the server also runs them at startup).
//   - oapi-codegen validates api/openapi.yaml and generates typed clients
//     from it for external consumers.
import (
	_ "github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen"
	_ "github.com/pressly/goose/v3/cmd/goose"
)
