package elicitation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const schemaURL = "https://mcphost.schemas.local/elicitation/requested.schema.json"

var primitiveTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
}

// ValidatePayload checks that payload is well formed for mode.
//
// Form mode requires a flat object schema: every property is a primitive
// (string, number, integer, boolean), optionally constrained by enum.
// URL mode requires an absolute URL.
func ValidatePayload(mode Mode, p Payload) error {
	switch mode {
	case ModeForm:
		_, err := CompileSchema(p.RequestedSchema)
		return err
	case ModeURL:
		u, err := url.Parse(p.URL)
		if err != nil || !u.IsAbs() || u.Host == "" {
			return fmt.Errorf("%w: url mode requires an absolute url", ErrInvalidPayload)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown mode %q", ErrInvalidPayload, mode)
}

// CompileSchema checks the flat-primitive shape of schema and compiles it.
func CompileSchema(schema map[string]any) (*jsonschema.Schema, error) {
	if len(schema) == 0 {
		return nil, fmt.Errorf("%w: form mode requires requestedSchema", ErrInvalidPayload)
	}
	if t, _ := schema["type"].(string); t != "object" {
		return nil, fmt.Errorf("%w: requestedSchema must have type object", ErrInvalidPayload)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok || len(props) == 0 {
		return nil, fmt.Errorf("%w: requestedSchema must declare properties", ErrInvalidPayload)
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		prop, ok := props[name].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: property %q is not an object", ErrInvalidPayload, name)
		}
		t, _ := prop["type"].(string)
		if !primitiveTypes[t] {
			return nil, fmt.Errorf("%w: property %q must be a primitive type, got %q", ErrInvalidPayload, name, t)
		}
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("%w: schema load failed: %v", ErrInvalidPayload, err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("%w: schema compile failed: %v", ErrInvalidPayload, err)
	}
	return compiled, nil
}

// ValidateContent checks submitted form content against the request's schema.
func ValidateContent(schema map[string]any, content map[string]any) error {
	compiled, err := CompileSchema(schema)
	if err != nil {
		return err
	}
	// Re-decode so numbers reach the validator as json.Number.
	raw, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	return nil
}
