package policy

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

// ConfigSchema returns the JSON Schema describing a security config file.
func ConfigSchema() ([]byte, error) {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			FieldNameTag:              "json",
			AllowAdditionalProperties: false,
		}
		schema := r.Reflect(&Config{})
		schema.Title = "nexus-node security configuration"
		schemaJSON, schemaErr = json.MarshalIndent(schema, "", "  ")
	})
	return schemaJSON, schemaErr
}

// JSONSchema lets the reflector describe RiskLevel as its text form.
func (RiskLevel) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type: "string",
		Enum: []any{"low", "medium", "high", "critical"},
	}
}
