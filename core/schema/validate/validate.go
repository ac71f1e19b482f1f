package validate

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/davidahmann/provchain/core/schema"
	"github.com/kaptinlin/jsonschema"
)

var embedded sync.Map

func ValidateJSONFile(schemaPath, jsonPath string) error {
	schemaData, err := os.ReadFile(schemaPath)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return fmt.Errorf("read json: %w", err)
	}
	return ValidateJSONBytes(schemaData, data)
}

func ValidateJSONBytes(schemaData, data []byte) error {
	compiled, err := compile(schemaData)
	if err != nil {
		return err
	}
	return validateJSON(compiled, data)
}

// ValidateEmbedded validates data against a schema shipped in core/schema.
// Compiled schemas are cached for the life of the process.
func ValidateEmbedded(name string, data []byte) error {
	if cached, ok := embedded.Load(name); ok {
		return validateJSON(cached.(*jsonschema.Schema), data)
	}
	schemaData, err := schema.Load(name)
	if err != nil {
		return err
	}
	compiled, err := compile(schemaData)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	actual, _ := embedded.LoadOrStore(name, compiled)
	return validateJSON(actual.(*jsonschema.Schema), data)
}

func compile(schemaData []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	compiled, err := compiler.Compile(schemaData)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

func validateJSON(compiled *jsonschema.Schema, data []byte) error {
	if !json.Valid(data) {
		return fmt.Errorf("schema validation failed: document is not valid json")
	}
	result := compiled.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}
