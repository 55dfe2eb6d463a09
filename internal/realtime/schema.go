package realtime

import (
	"bytes"
	"embed"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBaseURL = "https://marketsync.local/schemas/"

var (
	schemaOnce sync.Once
	schemaSet  map[Tag]*jsonschema.Schema
	schemaErr  error
)

// payloadSchemas compiles the embedded per-tag schemas once.
func payloadSchemas() (map[Tag]*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for _, tag := range allTags {
			raw, err := schemaFS.ReadFile("schemas/" + string(tag) + ".json")
			if err != nil {
				schemaErr = fmt.Errorf("read schema %s: %w", tag, err)
				return
			}
			doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
			if err != nil {
				schemaErr = fmt.Errorf("parse schema %s: %w", tag, err)
				return
			}
			if err := compiler.AddResource(schemaBaseURL+string(tag)+".json", doc); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", tag, err)
				return
			}
		}
		compiled := make(map[Tag]*jsonschema.Schema, len(allTags))
		for _, tag := range allTags {
			sch, err := compiler.Compile(schemaBaseURL + string(tag) + ".json")
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", tag, err)
				return
			}
			compiled[tag] = sch
		}
		schemaSet = compiled
	})
	return schemaSet, schemaErr
}

// ValidatePayload checks data against the schema registered for tag. An
// absent payload is validated as an empty object.
func ValidatePayload(tag Tag, data []byte) error {
	schemas, err := payloadSchemas()
	if err != nil {
		return err
	}
	sch, ok := schemas[tag]
	if !ok {
		return ErrUnknownTag
	}
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("{}")
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidPayload, tag, err)
	}
	return nil
}
