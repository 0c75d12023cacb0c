package marketplace

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/basket/capstan/internal/capability"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validator compiles and caches JSON Schemas keyed by capability id and
// direction. Manifests carry schemas as raw JSON; compiling on every call
// would dominate small executions.
type validator struct {
	mu       sync.Mutex
	compiled map[string]*jsonschema.Schema
}

func newValidator() *validator {
	return &validator{compiled: map[string]*jsonschema.Schema{}}
}

func (v *validator) schemaFor(key string, raw json.RawMessage) (*jsonschema.Schema, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if s, ok := v.compiled[key]; ok {
		return s, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://" + key + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	s, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	v.compiled[key] = s
	return s, nil
}

// invalidate drops cached schemas for a capability, called when its manifest
// is replaced or removed.
func (v *validator) invalidate(id string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.compiled, id+"/input")
	delete(v.compiled, id+"/output")
}

// validate checks doc against raw. A nil schema accepts everything. A schema
// that does not compile counts against the manifest, not the caller.
func (v *validator) validate(id, direction string, raw, doc json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	s, err := v.schemaFor(id+"/"+direction, raw)
	if err != nil {
		return capability.WrapError(capability.CodeInvalidInput, id, err)
	}

	var value any
	if len(doc) == 0 {
		doc = json.RawMessage("null")
	}
	value, err = jsonschema.UnmarshalJSON(bytes.NewReader(doc))
	if err != nil {
		return capability.NewError(capability.CodeInvalidInput, id, fmt.Sprintf("%s is not valid JSON: %v", direction, err))
	}
	if err := s.Validate(value); err != nil {
		return capability.NewError(capability.CodeInvalidInput, id, fmt.Sprintf("%s schema violation: %v", direction, err))
	}
	return nil
}
