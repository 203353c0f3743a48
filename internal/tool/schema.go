package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// GenerateSchema reflects a Go struct type into a JSON Schema document
// suitable for Spec.InputSchema/OutputSchema, so tool authors declare
// their payload as a typed Go struct instead of hand-writing schema JSON.
func GenerateSchema[T any]() json.RawMessage {
	reflector := &jsonschema.Reflector{
		ExpandedStruct:            true,
		DoNotReference:            true,
		AllowAdditionalProperties: false,
	}
	var zero T
	schema := reflector.Reflect(zero)
	data, err := json.Marshal(schema)
	if err != nil {
		// Reflection of a concrete Go struct into schema JSON cannot fail
		// short of a marshaling bug; surfacing that as a panic at
		// registration time (startup) is preferable to swallowing it.
		panic(fmt.Sprintf("tool: generate schema for %T: %v", zero, err))
	}
	return data
}
