package tool

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// SchemaFor generates a JSON Schema from a Go argument struct using struct
// tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - json:",omitempty" - optional parameter
//   - jsonschema:"required" - explicitly mark as required
//   - jsonschema:"description=..." - parameter description
//   - jsonschema:"default=..." - default value
//   - jsonschema:"enum=a|b" - allowed values
//
// Example:
//
//	type Args struct {
//	    Path string `json:"path" jsonschema:"required,description=Relative file path"`
//	}
func SchemaFor[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	schema := reflector.Reflect(new(T))

	// Round-trip through JSON so nested jsonschema types become plain maps.
	data, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	delete(out, "$schema")
	delete(out, "$id")
	if out["type"] == nil {
		out["type"] = "object"
	}
	return out, nil
}

// MustSchemaFor is SchemaFor for statically known argument structs.
func MustSchemaFor[T any]() map[string]any {
	s, err := SchemaFor[T]()
	if err != nil {
		panic(err)
	}
	return s
}

// DecodeArgs unmarshals validated argument maps into a typed struct.
func DecodeArgs[T any](args map[string]any) (T, error) {
	var out T
	data, err := json.Marshal(args)
	if err != nil {
		return out, fmt.Errorf("failed to encode arguments: %w", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("failed to decode arguments: %w", err)
	}
	return out, nil
}
