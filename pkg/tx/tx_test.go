package tx

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAssignsDistinctIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c := New(OriginSQL)
		require.NotEmpty(t, c.ID)
		assert.False(t, seen[c.ID], "duplicate transaction id %s", c.ID)
		seen[c.ID] = true
	}
}

func TestContextBinding(t *testing.T) {
	txc := New(OriginREST).WithUser("alice")
	ctx := With(context.Background(), txc)

	got := From(ctx)
	assert.Same(t, txc, got)

	// An unbound context yields a fresh system transaction.
	fallback := From(context.Background())
	assert.Equal(t, OriginSystem, fallback.Origin)
	assert.NotEmpty(t, fallback.ID)
}

func TestChildInheritsAndExtends(t *testing.T) {
	parent := New(OriginRedis).
		WithUser("bob").
		WithFlags(FlagBulkLoad).
		WithMeta("request_id", "r-1")

	child := parent.Child()
	assert.NotEqual(t, parent.ID, child.ID)
	assert.Equal(t, parent.Origin, child.Origin)
	assert.Equal(t, parent.User, child.User)
	assert.Equal(t, parent.Flags, child.Flags)
	assert.Equal(t, "r-1", child.Metadata["request_id"])

	// Extending the child leaves the parent untouched.
	child.WithFlags(FlagMigration).WithMeta("step", 2)
	assert.Len(t, parent.Flags, 1)
	_, exists := parent.Metadata["step"]
	assert.False(t, exists)
}

func TestWithTransactionScope(t *testing.T) {
	txc := New(OriginCLI)
	var inner *Context
	err := WithTransaction(context.Background(), txc, func(ctx context.Context) error {
		inner = From(ctx)
		return nil
	})
	require.NoError(t, err)
	assert.Same(t, txc, inner)
}

func TestNotePayload(t *testing.T) {
	txc := New(OriginSQL).WithUser("carol").WithFlags(FlagUpdate).WithMeta("addr", "10.0.0.1")

	raw, err := txc.Note("save", "user:1", "user", "main")
	require.NoError(t, err)

	var payload NotePayload
	require.NoError(t, json.Unmarshal(raw, &payload))
	assert.Equal(t, txc.ID, payload.TxID)
	assert.Equal(t, "sql", payload.Origin)
	assert.Equal(t, "save", payload.Operation)
	assert.Equal(t, "user:1", payload.DocumentID)
	assert.Equal(t, "user", payload.Table)
	assert.Equal(t, "main", payload.Branch)
	assert.Equal(t, "carol", payload.User)
	assert.Equal(t, []string{FlagUpdate}, payload.Flags)
	assert.False(t, payload.Timestamp.IsZero())

	// Extra flags are payload-local.
	raw2, err := txc.Note("delete", "user:1", "user", "main", FlagDelete)
	require.NoError(t, err)
	var payload2 NotePayload
	require.NoError(t, json.Unmarshal(raw2, &payload2))
	assert.Equal(t, []string{FlagUpdate, FlagDelete}, payload2.Flags)
	assert.Equal(t, []string{FlagUpdate}, txc.Flags)
}
