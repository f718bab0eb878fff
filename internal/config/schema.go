package config

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/invopop/jsonschema"
)

const schemaID = "https://github.com/haasonsaas/conductor/conductor.schema.json"

var schemaCache = sync.OnceValues(buildSchema)

// JSONSchema returns the JSON Schema for the configuration file, as printed
// by "conductor config schema". Editors pick it up via the $id.
func JSONSchema() ([]byte, error) {
	return schemaCache()
}

func buildSchema() ([]byte, error) {
	r := &jsonschema.Reflector{
		FieldNameTag:               "yaml",
		DoNotReference:             true,
		RequiredFromJSONSchemaTags: true,
	}
	schema := r.Reflect(&Config{})
	schema.ID = jsonschema.ID(schemaID)
	schema.Title = "conductor configuration"
	schema.Description = fmt.Sprintf("Configuration file format version %d.", CurrentVersion)
	if prop, ok := schema.Properties.Get("version"); ok {
		prop.Const = CurrentVersion
		prop.Description = "Configuration format version."
	}
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal config schema: %w", err)
	}
	return data, nil
}
