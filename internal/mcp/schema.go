package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// compileSchema compiles a tool's input schema document (draft 2020-12).
// Called once at registration; a broken schema is a programming error.
func compileSchema(toolName string, doc map[string]any) (*jsonschema.Schema, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", toolName, err)
	}

	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := "mem://tools/" + toolName + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", toolName, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", toolName, err)
	}
	return schema, nil
}

// validateArgs checks a tool-call argument object against the compiled
// schema and applies top-level property defaults.
func validateArgs(schema *jsonschema.Schema, doc map[string]any, args map[string]any) (map[string]any, error) {
	if args == nil {
		args = map[string]any{}
	}
	args = applyDefaults(doc, args)

	if schema != nil {
		if err := schema.Validate(toPlain(args)); err != nil {
			if verr, ok := err.(*jsonschema.ValidationError); ok {
				leaf := verr
				for len(leaf.Causes) > 0 {
					leaf = leaf.Causes[0]
				}
				return nil, Errorf(KindInvalid, "invalid arguments: %s", leaf.Message).
					WithData("field", leaf.InstanceLocation)
			}
			return nil, Errorf(KindInvalid, "invalid arguments: %v", err)
		}
	}
	return args, nil
}

// applyDefaults fills in missing top-level properties that declare a
// "default" in the schema document.
func applyDefaults(doc map[string]any, args map[string]any) map[string]any {
	props, ok := doc["properties"].(map[string]any)
	if !ok {
		return args
	}
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		def, has := prop["default"]
		if !has {
			continue
		}
		if _, present := args[name]; !present {
			args[name] = def
		}
	}
	return args
}

// toPlain round-trips args through JSON so the validator sees the same
// value shapes the wire carries (float64 numbers, plain maps).
func toPlain(args map[string]any) any {
	raw, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return args
	}
	return out
}
