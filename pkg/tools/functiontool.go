package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// New builds a Tool from a typed Go function. The input schema is generated
// from T's struct tags.
//
// Supported tags:
//   - json:"name" - parameter name
//   - json:",omitempty" - optional parameter
//   - jsonschema:"required" - explicitly mark as required
//   - jsonschema:"description=..." - parameter description
//   - jsonschema:"enum=a,enum=b" - allowed values
//
// Example:
//
//	type SayArgs struct {
//	    Text string `json:"text" jsonschema:"required,description=Text to echo"`
//	}
//	tool, err := tools.New("say", "Echo text back", func(ctx context.Context, args SayArgs) (*tools.Result, error) {
//	    return tools.TextResult(args.Text), nil
//	})
func New[T any](name, description string, fn func(ctx context.Context, args T) (*Result, error)) (*Tool, error) {
	schema, err := generateSchema[T]()
	if err != nil {
		return nil, fmt.Errorf("generate schema for tool %q: %w", name, err)
	}

	return &Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
		Execute: func(ctx context.Context, input map[string]any) (*Result, error) {
			var args T
			data, err := json.Marshal(input)
			if err != nil {
				return nil, fmt.Errorf("encode arguments for tool %q: %w", name, err)
			}
			if err := json.Unmarshal(data, &args); err != nil {
				return ErrorResult(fmt.Sprintf("invalid arguments: %v", err)), nil
			}
			return fn(ctx, args)
		},
	}, nil
}

// generateSchema creates a JSON schema map from a Go type using struct tags.
func generateSchema[T any]() (map[string]any, error) {
	reflector := &jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}

	schema := reflector.Reflect(new(T))

	data, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	var result map[string]any
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, err
	}
	delete(result, "$schema")
	delete(result, "$id")

	if result["type"] != "object" {
		return result, nil
	}
	out := map[string]any{
		"type":       "object",
		"properties": result["properties"],
	}
	if required, ok := result["required"]; ok {
		out["required"] = required
	}
	if addProps, ok := result["additionalProperties"]; ok {
		out["additionalProperties"] = addProps
	}
	return out, nil
}
