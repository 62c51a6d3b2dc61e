package document

import (
	"fmt"

	"github.com/chrondb/chrondb/pkg/types"
)

// FieldType names the JSON shapes a schema rule can require.
type FieldType string

const (
	TypeString FieldType = "string"
	TypeNumber FieldType = "number"
	TypeBool   FieldType = "boolean"
	TypeArray  FieldType = "array"
	TypeObject FieldType = "object"
)

// Schema is a per-table validation rule: required fields and expected
// field types. Unknown fields always pass.
type Schema struct {
	Required []string
	Types    map[string]FieldType
}

type schemaBinding struct {
	schema Schema
	mode   types.ValidationMode
}

// RegisterSchema binds a validation rule to a table. Strict mode
// rejects violating documents; warning mode records the violations and
// accepts them.
func (e *Engine) RegisterSchema(table string, schema Schema, mode types.ValidationMode) {
	e.validators.Lock()
	defer e.validators.Unlock()
	e.validators.rules[table] = schemaBinding{schema: schema, mode: mode}
}

// UnregisterSchema removes a table's rule.
func (e *Engine) UnregisterSchema(table string) {
	e.validators.Lock()
	defer e.validators.Unlock()
	delete(e.validators.rules, table)
}

func (e *Engine) validate(table string, doc types.Document) error {
	e.validators.RLock()
	binding, ok := e.validators.rules[table]
	e.validators.RUnlock()
	if !ok {
		return nil
	}

	var violations []string
	for _, field := range binding.schema.Required {
		if _, present := doc[field]; !present {
			violations = append(violations, fmt.Sprintf("missing required field %q", field))
		}
	}
	for field, want := range binding.schema.Types {
		value, present := doc[field]
		if !present || value == nil {
			continue
		}
		if got := typeOf(value); got != want {
			violations = append(violations, fmt.Sprintf("field %q: expected %s, got %s", field, want, got))
		}
	}

	if len(violations) == 0 {
		return nil
	}

	verr := &types.ValidationError{Table: table, Mode: binding.mode, Violations: violations}
	if binding.mode == types.ValidationStrict {
		return verr
	}
	e.logger.Warn().Str("table", table).Strs("violations", violations).
		Msg("document accepted with validation warnings")
	return nil
}

func typeOf(value interface{}) FieldType {
	switch value.(type) {
	case string:
		return TypeString
	case float64, float32, int, int32, int64, uint64:
		return TypeNumber
	case bool:
		return TypeBool
	case []interface{}:
		return TypeArray
	case map[string]interface{}:
		return TypeObject
	}
	return FieldType(fmt.Sprintf("%T", value))
}
