// Package tools provides the built-in tool set the reasoning engine exposes
// to the model: plan tracking, artifact delivery, user questions, shell
// execution, and HTTP fetch. Browser automation lives in the browser
// subpackage.
package tools

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// schemaFor reflects a parameter struct into an inline JSON Schema suitable
// for LLM function calling: no $ref indirection, no extra properties.
func schemaFor[T any]() json.RawMessage {
	// Optional fields carry ",omitempty" in their json tags; everything
	// else lands in the schema's required list.
	reflector := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(&zero)
	schema.Version = ""
	raw, err := json.Marshal(schema)
	if err != nil {
		panic(fmt.Sprintf("tools: reflect schema: %v", err))
	}
	return raw
}
