// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package config

import (
	"encoding/json"
	"sync"

	"github.com/invopop/jsonschema"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/samber/oops"
)

// SchemaID identifies the generated config schema.
const SchemaID = "https://mauhost.dev/schemas/config.schema.json"

var (
	schemaOnce sync.Once
	schemaErr  error
	schema     *jschema.Schema
)

// GenerateSchema generates a JSON Schema document from the Config struct.
// Used by cmd/gen-schema and by Load for validation.
func GenerateSchema() ([]byte, error) {
	r := jsonschema.Reflector{DoNotReference: true}
	s := r.Reflect(&Config{})
	s.ID = jsonschema.ID(SchemaID)
	s.Title = "Mauhost Configuration"
	s.Description = "Schema for the mauhost config.yaml file"

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, oops.Code("CONFIG_SCHEMA_MARSHAL_FAILED").Wrap(err)
	}
	return data, nil
}

// validateRaw checks the parsed config file against the generated schema.
// Unknown keys are allowed; type mismatches and missing required keys are
// rejected before unmarshalling so errors point at the config file rather
// than at a half-populated struct.
func validateRaw(raw map[string]any) error {
	sch, err := compiledSchema()
	if err != nil {
		return err
	}
	if err := sch.Validate(jsonTypes(raw)); err != nil {
		return oops.Code("CONFIG_INVALID").Hint("config file does not match schema").Wrap(err)
	}
	return nil
}

func compiledSchema() (*jschema.Schema, error) {
	schemaOnce.Do(func() {
		var data []byte
		data, schemaErr = GenerateSchema()
		if schemaErr != nil {
			return
		}
		var doc any
		if schemaErr = json.Unmarshal(data, &doc); schemaErr != nil {
			return
		}
		c := jschema.NewCompiler()
		if schemaErr = c.AddResource("config.schema.json", doc); schemaErr != nil {
			return
		}
		schema, schemaErr = c.Compile("config.schema.json")
	})
	if schemaErr != nil {
		return nil, oops.Code("CONFIG_SCHEMA_COMPILE_FAILED").Wrap(schemaErr)
	}
	return schema, nil
}

// jsonTypes converts YAML-parsed values into JSON-compatible types for the
// schema validator.
func jsonTypes(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = jsonTypes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = jsonTypes(item)
		}
		return out
	case int:
		return float64(val)
	case int64:
		return float64(val)
	default:
		return val
	}
}
