// Package validate checks backend payloads and local records against the
// embedded JSON schemas.
package validate

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"fmt"
	"os"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

var compiled sync.Map

// ValidateJSON validates one JSON document against schemaJSON. Compiled
// schemas are cached by content.
func ValidateJSON(schemaJSON, data []byte) error {
	schema, err := loadSchema(schemaJSON)
	if err != nil {
		return err
	}
	return validateJSON(schema, data)
}

// ValidateJSONL validates every non-blank line of data.
func ValidateJSONL(schemaJSON, data []byte) error {
	schema, err := loadSchema(schemaJSON)
	if err != nil {
		return err
	}
	return validateJSONL(schema, data)
}

func ValidateJSONLFile(schemaJSON []byte, jsonlPath string) error {
	schema, err := loadSchema(schemaJSON)
	if err != nil {
		return err
	}
	// #nosec G304 -- caller supplies a local journal path.
	data, err := os.ReadFile(jsonlPath)
	if err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return validateJSONL(schema, data)
}

func loadSchema(schemaJSON []byte) (*jsonschema.Schema, error) {
	key := sha256.Sum256(schemaJSON)
	if cached, ok := compiled.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	schema, err := compiler.Compile(schemaJSON)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	actual, _ := compiled.LoadOrStore(key, schema)
	return actual.(*jsonschema.Schema), nil
}

func validateJSON(schema *jsonschema.Schema, data []byte) error {
	result := schema.ValidateJSON(data)
	if result.IsValid() {
		return nil
	}
	return fmt.Errorf("schema validation failed: %v", result.Errors)
}

func validateJSONL(schema *jsonschema.Schema, data []byte) error {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		b := bytes.TrimSpace(scanner.Bytes())
		if len(b) == 0 {
			continue
		}
		if err := validateJSON(schema, b); err != nil {
			return fmt.Errorf("jsonl line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read jsonl: %w", err)
	}
	return nil
}
