package tool

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError reports arguments that do not satisfy a tool's schema. Its
// message is written for the model so that it can repair the call.
type ValidationError struct {
	ToolID string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("The %s tool was called with invalid arguments: %s.\nPlease rewrite the input so it satisfies the expected schema.", e.ToolID, e.Detail)
}

var schemaCache sync.Map

func compileSchema(id string, schema json.RawMessage) (*jsonschema.Schema, error) {
	key := string(schema)
	if cached, ok := schemaCache.Load(key); ok {
		if compiled, ok := cached.(*jsonschema.Schema); ok {
			return compiled, nil
		}
	}

	compiled, err := jsonschema.CompileString(id+".schema.json", key)
	if err != nil {
		return nil, err
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}

// Validate checks args against the tool's parameter schema. Tools with an
// empty schema accept any object.
func Validate(t Tool, args json.RawMessage) error {
	if len(strings.TrimSpace(string(args))) == 0 {
		args = json.RawMessage(`{}`)
	}

	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return &ValidationError{ToolID: t.ID(), Detail: "arguments are not valid JSON: " + err.Error()}
	}

	schema := t.Parameters()
	if len(schema) == 0 {
		if _, ok := decoded.(map[string]any); !ok {
			return &ValidationError{ToolID: t.ID(), Detail: "arguments must be a JSON object"}
		}
		return nil
	}

	compiled, err := compileSchema(t.ID(), schema)
	if err != nil {
		return fmt.Errorf("compile %s schema: %w", t.ID(), err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return &ValidationError{ToolID: t.ID(), Detail: describeValidation(err)}
	}
	return nil
}

// describeValidation flattens a jsonschema error tree into one line.
func describeValidation(err error) string {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return err.Error()
	}
	var parts []string
	var walk func(e *jsonschema.ValidationError)
	walk = func(e *jsonschema.ValidationError) {
		if len(e.Causes) == 0 {
			loc := e.InstanceLocation
			if loc == "" {
				loc = "/"
			}
			parts = append(parts, fmt.Sprintf("%s: %s", loc, e.Message))
			return
		}
		for _, cause := range e.Causes {
			walk(cause)
		}
	}
	walk(verr)
	return strings.Join(parts, "; ")
}
