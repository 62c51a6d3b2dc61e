package document

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/chrondb/chrondb/pkg/types"
)

func TestDiffDocs(t *testing.T) {
	oldDoc := types.Document{
		"id":    "user:1",
		"name":  "Alice",
		"age":   float64(30),
		"tags":  []interface{}{"a", "b"},
		"gone":  true,
		"same":  "unchanged",
	}
	newDoc := types.Document{
		"id":    "user:1",
		"name":  "Alice B.",
		"age":   float64(30),
		"tags":  []interface{}{"a", "b", "c"},
		"fresh": "new",
		"same":  "unchanged",
	}

	d := DiffDocs(oldDoc, newDoc)

	assert.Equal(t, map[string]interface{}{"fresh": "new"}, d.Added)
	assert.Equal(t, map[string]interface{}{"gone": true}, d.Removed)
	assert.Equal(t, types.FieldChange{Old: "Alice", New: "Alice B."}, d.Changed["name"])
	assert.Contains(t, d.Changed, "tags")
	assert.NotContains(t, d.Changed, "age")
	assert.NotContains(t, d.Changed, "same")
}

func TestDiffStructuralEquality(t *testing.T) {
	oldDoc := types.Document{"id": "d:1", "meta": map[string]interface{}{"a": float64(1), "b": "x"}}
	sameDoc := types.Document{"id": "d:1", "meta": map[string]interface{}{"b": "x", "a": float64(1)}}

	d := DiffDocs(oldDoc, sameDoc)
	assert.True(t, d.Empty(), "map key order must not matter")

	changed := types.Document{"id": "d:1", "meta": map[string]interface{}{"a": float64(2), "b": "x"}}
	d = DiffDocs(oldDoc, changed)
	assert.Contains(t, d.Changed, "meta")
}

func TestDiffAgainstNil(t *testing.T) {
	doc := types.Document{"id": "d:1", "v": float64(1)}

	created := DiffDocs(nil, doc)
	assert.Len(t, created.Added, 2)
	assert.Empty(t, created.Removed)

	deleted := DiffDocs(doc, nil)
	assert.Len(t, deleted.Removed, 2)
	assert.Empty(t, deleted.Added)
}

func TestApplyDiffReconstructsTarget(t *testing.T) {
	revA := types.Document{"id": "d:1", "v": float64(1), "old": "drop"}
	revB := types.Document{"id": "d:1", "v": float64(2), "new": "add"}

	d := DiffDocs(revA, revB)
	got := ApplyDiff(revA, d)
	assert.Equal(t, revB, got)
}
