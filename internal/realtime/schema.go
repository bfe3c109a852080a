package realtime

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// eventSchemaJSON constrains inbound MESSAGE bodies. Beyond the basic shape
// it enforces that a pageInfo block never smuggles a stroke list along; page
// content travels through the sync path, not the live channel.
const eventSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["projectId", "userId", "type"],
	"properties": {
		"projectId": {"type": "string", "minLength": 1},
		"userId": {"type": "string", "minLength": 1},
		"type": {"type": "string", "minLength": 1},
		"payload": {
			"type": "object",
			"properties": {
				"pageInfo": {
					"type": "object",
					"not": {
						"anyOf": [
							{"required": ["stroke"]},
							{"required": ["strokes"]}
						]
					}
				}
			}
		}
	}
}`

// Validator screens inbound event bodies before they reach the caller.
type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(eventSchemaJSON))
	if err != nil {
		return nil, fmt.Errorf("parse event schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("stroke-event.json", doc); err != nil {
		return nil, fmt.Errorf("register event schema: %w", err)
	}
	schema, err := compiler.Compile("stroke-event.json")
	if err != nil {
		return nil, fmt.Errorf("compile event schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks a raw MESSAGE body. Any error means the body must be
// dropped, whether it is invalid JSON or a schema violation.
func (v *Validator) Validate(raw []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("malformed event body: %w", err)
	}
	return v.schema.Validate(instance)
}
