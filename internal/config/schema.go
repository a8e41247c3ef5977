package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
)

var (
	schemaOnce sync.Once
	schemaJSON []byte
	schemaErr  error
)

// JSONSchema returns the JSON Schema describing a loom config file, derived
// from the Config struct's yaml tags. `loom schema` prints it so editors can
// validate config.yaml; the result is computed once and cached.
func JSONSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		reflector := &jsonschema.Reflector{
			// Config is decoded from YAML, so the schema must use the yaml
			// field names, not the Go ones.
			FieldNameTag: "yaml",
		}
		schemaJSON, schemaErr = json.MarshalIndent(reflector.Reflect(&Config{}), "", "  ")
	})
	return schemaJSON, schemaErr
}
