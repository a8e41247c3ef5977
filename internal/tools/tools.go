// Package tools provides the built-in tool set: clock, file reading, and
// HTTP fetching. Input schemas are reflected from the parameter structs so
// schema and decoding cannot drift apart.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/pkg/models"
)

func reflectSchema(v any) json.RawMessage {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	schema := r.Reflect(v)
	schema.Version = ""
	payload, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return payload
}

// errorOutput reports a tool-level failure as an isError result. These are
// returned with a nil error so the failure reaches the model instead of
// aborting the batch.
func errorOutput(format string, args ...any) *engine.ToolOutput {
	return &engine.ToolOutput{
		Content: models.TextResult(fmt.Sprintf(format, args...)),
		IsError: true,
	}
}

func jsonOutput(v any) *engine.ToolOutput {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return errorOutput("encode result: %v", err)
	}
	return engine.TextOutput(string(payload))
}
