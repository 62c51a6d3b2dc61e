package types

import (
	"strings"
	"time"
)

// DefaultTable is the collection used for bare identifiers without a
// "collection:" prefix.
const DefaultTable = "default"

// Reserved field names on documents. Fields beginning with "_" belong
// to the engine.
const (
	FieldID    = "id"
	FieldTable = "_table"
)

// Document is a JSON-compatible map with a required "id" field.
// Values are the usual encoding/json shapes: string, float64, bool,
// nil, []interface{}, map[string]interface{}.
type Document map[string]interface{}

// ID returns the document's id field, or "" when missing.
func (d Document) ID() string {
	if d == nil {
		return ""
	}
	id, _ := d[FieldID].(string)
	return id
}

// Table returns the collection the document belongs to: the explicit
// _table field when present, otherwise the prefix of the id.
func (d Document) Table() string {
	if d == nil {
		return ""
	}
	if t, ok := d[FieldTable].(string); ok && t != "" {
		return t
	}
	table, _ := SplitKey(d.ID())
	return table
}

// Clone returns a shallow copy of the document.
func (d Document) Clone() Document {
	if d == nil {
		return nil
	}
	out := make(Document, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// SplitKey splits a document key into (table, identifier). A bare
// identifier without ":" belongs to the default table.
func SplitKey(id string) (table, ident string) {
	if i := strings.Index(id, ":"); i >= 0 {
		table = id[:i]
		ident = id[i+1:]
		if table == "" {
			table = DefaultTable
		}
		return table, ident
	}
	return DefaultTable, id
}

// HistoryEntry is one revision of a document, newest first in the
// slices returned by History. Doc is nil for deletion tombstones.
type HistoryEntry struct {
	CommitID string    `json:"commit_id"`
	Time     time.Time `json:"time"`
	Author   string    `json:"author"`
	Message  string    `json:"message"`
	Doc      Document  `json:"doc,omitempty"`
	Deleted  bool      `json:"deleted,omitempty"`
}

// FieldChange is an old/new value pair for a field that changed
// between two revisions.
type FieldChange struct {
	Old interface{} `json:"old"`
	New interface{} `json:"new"`
}

// Diff describes the field-level difference between two revisions of
// a document.
type Diff struct {
	Added   map[string]interface{} `json:"added"`
	Removed map[string]interface{} `json:"removed"`
	Changed map[string]FieldChange `json:"changed"`
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// RefUpdate is the outcome of a compare-and-set ref update.
type RefUpdate string

const (
	RefCreated       RefUpdate = "created"
	RefFastForwarded RefUpdate = "fast-forwarded"
	RefForced        RefUpdate = "forced"
	RefRejected      RefUpdate = "rejected"
)

// BranchInfo describes one branch head.
type BranchInfo struct {
	Name     string    `json:"name"`
	Head     string    `json:"head"`
	Time     time.Time `json:"time"`
	NeedPush bool      `json:"need_push,omitempty"`
}
