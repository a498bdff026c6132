package storage

import (
	"embed"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// validateDocument checks a YAML seed file against one of the embedded
// schemas before it is decoded into typed structs. An empty document is
// left to the typed loader.
func validateDocument(schemaName string, data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to parse %s file: %w", schemaName, err)
	}
	if doc == nil {
		return nil
	}

	schemaData, err := schemaFS.ReadFile("schemas/" + schemaName + ".json")
	if err != nil {
		return fmt.Errorf("missing %s schema: %w", schemaName, err)
	}
	result, err := gojsonschema.Validate(gojsonschema.NewBytesLoader(schemaData), gojsonschema.NewGoLoader(doc))
	if err != nil {
		return fmt.Errorf("failed to validate %s file against schema: %w", schemaName, err)
	}
	if !result.Valid() {
		var errs []string
		for _, desc := range result.Errors() {
			errs = append(errs, desc.String())
		}
		return fmt.Errorf("%s file validation failed: %s", schemaName, strings.Join(errs, "; "))
	}
	return nil
}
