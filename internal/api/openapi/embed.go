// Пакет openapi — встроенный OpenAPI-контракт HTTP API.
package openapi

import _ "embed"

// Spec — контракт API в формате YAML.
//
//go:embed openapi.yaml
var Spec []byte
