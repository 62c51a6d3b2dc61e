package db

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/query"
	"github.com/chrondb/chrondb/pkg/tx"
	"github.com/chrondb/chrondb/pkg/types"
)

func memDB(t *testing.T) *DB {
	t.Helper()
	d, err := OpenMemory(config.DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestSaveGetRoundTrip(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	stored, err := d.Save(ctx, types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)
	assert.Equal(t, "user", stored["_table"])

	got, err := d.Get("user:1", "")
	require.NoError(t, err)
	assert.Equal(t, "Alice", got["name"])
	assert.Equal(t, "user", got["_table"])
}

func TestIndexConvergence(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	_, err := d.Save(ctx, types.Document{"id": "user:1", "name": "Alice"}, "")
	require.NoError(t, err)

	// A term query for the id returns the freshly saved document.
	res, err := d.Search(query.Term{Field: "id", Value: "user:1"}, query.Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1"}, res.IDs)

	// After deletion the same query returns nothing.
	_, err = d.Delete(ctx, "user:1", "")
	require.NoError(t, err)
	res, err = d.Search(query.Term{Field: "id", Value: "user:1"}, query.Options{})
	require.NoError(t, err)
	assert.Empty(t, res.IDs)
}

func TestBranchLifecycle(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	_, err := d.Save(ctx, types.Document{"id": "cfg:1", "mode": "prod"}, "")
	require.NoError(t, err)

	require.NoError(t, d.CreateBranch("dev", ""))
	_, err = d.Save(ctx, types.Document{"id": "cfg:1", "mode": "dev"}, "dev")
	require.NoError(t, err)

	onMain, err := d.Get("cfg:1", "main")
	require.NoError(t, err)
	assert.Equal(t, "prod", onMain["mode"])
	onDev, err := d.Get("cfg:1", "dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", onDev["mode"])

	branches, err := d.ListBranches()
	require.NoError(t, err)
	require.Len(t, branches, 2)
	assert.Equal(t, "dev", branches[0].Name)
	assert.Equal(t, "main", branches[1].Name)

	// Creating an existing branch fails; deleting the default fails.
	assert.Error(t, d.CreateBranch("dev", ""))
	assert.Error(t, d.DeleteBranch("main"))
	require.NoError(t, d.DeleteBranch("dev"))

	branches, err = d.ListBranches()
	require.NoError(t, err)
	assert.Len(t, branches, 1)
}

func TestCheckout(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	_, err := d.Save(ctx, types.Document{"id": "cfg:1", "mode": "prod"}, "")
	require.NoError(t, err)
	require.NoError(t, d.CreateBranch("dev", ""))
	require.NoError(t, d.Checkout("dev"))
	assert.Equal(t, "dev", d.CurrentBranch())

	// Unqualified operations now hit dev.
	_, err = d.Save(ctx, types.Document{"id": "cfg:1", "mode": "dev"}, "")
	require.NoError(t, err)
	got, err := d.Get("cfg:1", "")
	require.NoError(t, err)
	assert.Equal(t, "dev", got["mode"])

	onMain, err := d.Get("cfg:1", "main")
	require.NoError(t, err)
	assert.Equal(t, "prod", onMain["mode"])

	assert.Error(t, d.Checkout("missing"))
}

func TestMergeFastForwardAndThreeWay(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	_, err := d.Save(ctx, types.Document{"id": "a:1", "v": float64(1)}, "")
	require.NoError(t, err)
	require.NoError(t, d.CreateBranch("feature", ""))

	// Feature moves ahead; main does not: fast-forward.
	_, err = d.Save(ctx, types.Document{"id": "a:2", "v": float64(2)}, "feature")
	require.NoError(t, err)
	_, err = d.Merge("feature", "main")
	require.NoError(t, err)
	got, err := d.Get("a:2", "main")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got["v"])

	// Diverge on different documents: three-way merge succeeds.
	require.NoError(t, d.CreateBranch("side", "main"))
	_, err = d.Save(ctx, types.Document{"id": "b:1", "v": float64(10)}, "side")
	require.NoError(t, err)
	_, err = d.Save(ctx, types.Document{"id": "c:1", "v": float64(20)}, "main")
	require.NoError(t, err)

	commit, err := d.Merge("side", "main")
	require.NoError(t, err)
	assert.NotEmpty(t, commit)

	fromSide, err := d.Get("b:1", "main")
	require.NoError(t, err)
	assert.Equal(t, float64(10), fromSide["v"])
	onMain, err := d.Get("c:1", "main")
	require.NoError(t, err)
	assert.Equal(t, float64(20), onMain["v"])
}

func TestMergeConflictReportsPaths(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	_, err := d.Save(ctx, types.Document{"id": "a:1", "v": float64(1)}, "")
	require.NoError(t, err)
	require.NoError(t, d.CreateBranch("other", ""))

	// Both sides change the same document differently.
	_, err = d.Save(ctx, types.Document{"id": "a:1", "v": float64(2)}, "main")
	require.NoError(t, err)
	_, err = d.Save(ctx, types.Document{"id": "a:1", "v": float64(3)}, "other")
	require.NoError(t, err)

	_, err = d.Merge("other", "main")
	var conflict *types.ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Len(t, conflict.Paths, 1)
	assert.Contains(t, conflict.Paths[0], "a_COLON_1")

	// Nothing was committed; main still reads its own value.
	got, err := d.Get("a:1", "main")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got["v"])
}

func TestWithTransactionMetadataTrail(t *testing.T) {
	d := memDB(t)

	txc := tx.New(tx.OriginREST).WithUser("alice").WithMeta("request_id", "r-42")
	err := d.WithTransaction(context.Background(), txc, func(ctx context.Context) error {
		_, err := d.Save(ctx, types.Document{"id": "user:1", "name": "Alice"}, "")
		return err
	})
	require.NoError(t, err)

	head, exists, err := d.store.Head("main")
	require.NoError(t, err)
	require.True(t, exists)
	raw, err := d.store.ReadNote(head)
	require.NoError(t, err)
	assert.Contains(t, string(raw), txc.ID)
	assert.Contains(t, string(raw), "rest")
	assert.Contains(t, string(raw), "r-42")
}

func TestSearchWithSortAndTable(t *testing.T) {
	d := memDB(t)
	ctx := context.Background()

	for _, doc := range []types.Document{
		{"id": "user:1", "name": "Alice", "age": float64(30)},
		{"id": "user:2", "name": "Bob", "age": float64(20)},
		{"id": "cfg:1", "mode": "prod"},
	} {
		_, err := d.Save(ctx, doc, "")
		require.NoError(t, err)
	}

	res, err := d.Search(query.And{Clauses: []query.Clause{
		query.Term{Field: "_table", Value: "user"},
		query.MatchAll{},
	}}, query.Options{
		Sort: []query.Sort{{Field: "age", Order: query.Desc}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"user:1", "user:2"}, res.IDs)
}
