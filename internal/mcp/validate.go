package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/xiy/civicrm-mcp/internal/civicrm"
)

// toolValidators holds each tool's compiled input schema.
var toolValidators = mustCompileValidators(toolDefinitions())

func mustCompileValidators(defs []ToolDefinition) map[string]*jsonschema.Schema {
	out := make(map[string]*jsonschema.Schema, len(defs))
	for _, def := range defs {
		sch, err := compileSchema(def.Name, def.InputSchema)
		if err != nil {
			panic(fmt.Sprintf("compile input schema for %s: %v", def.Name, err))
		}
		out[def.Name] = sch
	}
	return out
}

func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	// Round-trip through JSON so the compiler only sees JSON-native values.
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	url := "mem://tools/" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// validateArguments checks raw tool arguments against the tool's input schema.
func validateArguments(tool string, args json.RawMessage) error {
	sch, ok := toolValidators[tool]
	if !ok {
		return fmt.Errorf("unknown tool %q", tool)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return &civicrm.InputError{Field: "arguments", Reason: fmt.Sprintf("are not valid JSON: %v", err)}
	}
	if err := sch.Validate(inst); err != nil {
		return &civicrm.InputError{Field: "arguments", Reason: strings.TrimSpace(err.Error())}
	}
	return nil
}
