package document

import (
	"reflect"

	"github.com/chrondb/chrondb/pkg/types"
)

// DiffDocs computes the field-level difference between two revisions.
// Scalars compare by value, arrays and objects structurally. A nil old
// document makes every field added; a nil new document makes every
// field removed.
func DiffDocs(oldDoc, newDoc types.Document) *types.Diff {
	d := &types.Diff{
		Added:   make(map[string]interface{}),
		Removed: make(map[string]interface{}),
		Changed: make(map[string]types.FieldChange),
	}

	for field, newVal := range newDoc {
		oldVal, existed := oldDoc[field]
		if !existed {
			d.Added[field] = newVal
			continue
		}
		if !valueEqual(oldVal, newVal) {
			d.Changed[field] = types.FieldChange{Old: oldVal, New: newVal}
		}
	}
	for field, oldVal := range oldDoc {
		if _, exists := newDoc[field]; !exists {
			d.Removed[field] = oldVal
		}
	}
	return d
}

// ApplyDiff applies a diff to a document, yielding the target revision.
// Applying Diff(a, b) to a yields b.
func ApplyDiff(doc types.Document, d *types.Diff) types.Document {
	out := doc.Clone()
	if out == nil {
		out = types.Document{}
	}
	for field, value := range d.Added {
		out[field] = value
	}
	for field := range d.Removed {
		delete(out, field)
	}
	for field, change := range d.Changed {
		out[field] = change.New
	}
	return out
}

// valueEqual is structural equality over the JSON value shapes.
func valueEqual(a, b interface{}) bool {
	switch va := a.(type) {
	case []interface{}:
		vb, ok := b.([]interface{})
		if !ok || len(va) != len(vb) {
			return false
		}
		for i := range va {
			if !valueEqual(va[i], vb[i]) {
				return false
			}
		}
		return true
	case map[string]interface{}:
		vb, ok := b.(map[string]interface{})
		if !ok || len(va) != len(vb) {
			return false
		}
		for k, v := range va {
			other, exists := vb[k]
			if !exists || !valueEqual(v, other) {
				return false
			}
		}
		return true
	default:
		return reflect.DeepEqual(a, b)
	}
}
