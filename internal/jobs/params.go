package jobs

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nanogen/backend/internal/apperrors"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// ParamValidator checks generation params against the allowed-key schema of
// the model family. Families without a schema accept only an empty object.
type ParamValidator struct {
	schemas map[string]*jsonschema.Schema
}

// NewParamValidator compiles every embedded schemas/<family>.json.
func NewParamValidator() (*ParamValidator, error) {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	schemas := make(map[string]*jsonschema.Schema, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		family := strings.TrimSuffix(e.Name(), ".json")
		data, err := schemaFS.ReadFile(path.Join("schemas", e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %q: %w", e.Name(), err)
		}
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft7
		c.AssertFormat = true
		id := "https://nanogen.dev/schemas/" + family + ".json"
		if err := c.AddResource(id, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("load schema %q: %w", family, err)
		}
		schemas[family], err = c.Compile(id)
		if err != nil {
			return nil, fmt.Errorf("compile schema %q: %w", family, err)
		}
	}
	return &ParamValidator{schemas: schemas}, nil
}

// Validate returns the canonical JSON encoding of params, or INVALID_PARAMS.
// A nil or empty params value is treated as {}.
func (v *ParamValidator) Validate(family string, params json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(params)) == 0 || string(bytes.TrimSpace(params)) == "null" {
		params = json.RawMessage(`{}`)
	}
	dec := json.NewDecoder(bytes.NewReader(params))
	dec.UseNumber()
	var doc interface{}
	if err := dec.Decode(&doc); err != nil {
		return nil, apperrors.ErrInvalidParams.WithMessage("params must be a JSON object: %v", err)
	}
	obj, ok := doc.(map[string]interface{})
	if !ok {
		return nil, apperrors.ErrInvalidParams.WithMessage("params must be a JSON object")
	}

	schema, ok := v.schemas[family]
	if !ok {
		if len(obj) > 0 {
			return nil, apperrors.ErrInvalidParams.WithMessage("model family %q takes no parameters", family)
		}
	} else if err := schema.Validate(doc); err != nil {
		return nil, apperrors.ErrInvalidParams.WithMessage("%s", describe(err))
	}

	canonical, err := json.Marshal(obj)
	if err != nil {
		return nil, apperrors.ErrInvalidParams.WithMessage("params: %v", err)
	}
	return canonical, nil
}

// describe flattens a validation error to its leaf causes.
func describe(err error) string {
	ve, ok := err.(*jsonschema.ValidationError)
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
			parts = append(parts, loc+": "+e.Message)
			return
		}
		for _, c := range e.Causes {
			walk(c)
		}
	}
	walk(ve)
	return strings.Join(parts, "; ")
}
