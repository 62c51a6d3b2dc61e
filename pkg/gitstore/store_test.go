package gitstore

import (
	"testing"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chrondb/chrondb/pkg/types"
)

func testSig() object.Signature {
	return object.Signature{Name: "test", Email: "test@localhost", When: time.Now()}
}

func memStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenMemory()
	require.NoError(t, err)
	return s
}

func TestInsertAndReadBlob(t *testing.T) {
	s := memStore(t)

	content := []byte(`{"id":"user:1"}`)
	hash, err := s.InsertBlob(content)
	require.NoError(t, err)
	assert.False(t, hash.IsZero())

	got, err := s.ReadBlob(hash)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	// Content addressing: same bytes, same id.
	again, err := s.InsertBlob(content)
	require.NoError(t, err)
	assert.Equal(t, hash, again)
}

func TestSetAndRemoveTreePath(t *testing.T) {
	s := memStore(t)

	blob, err := s.InsertBlob([]byte("a"))
	require.NoError(t, err)

	tree, err := s.SetTreePath(plumbing.ZeroHash, "user/user_COLON_1.json", blob)
	require.NoError(t, err)

	exists, err := s.PathExists(tree, "user/user_COLON_1.json")
	require.NoError(t, err)
	assert.True(t, exists)

	// A sibling added later leaves the first entry's id untouched.
	blob2, err := s.InsertBlob([]byte("b"))
	require.NoError(t, err)
	tree2, err := s.SetTreePath(tree, "user/user_COLON_2.json", blob2)
	require.NoError(t, err)

	data, err := s.FileAt(tree2, "user/user_COLON_1.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), data)

	// Removing the last file of a directory drops the directory.
	tree3, err := s.RemoveTreePath(tree2, "user/user_COLON_2.json")
	require.NoError(t, err)
	tree4, err := s.RemoveTreePath(tree3, "user/user_COLON_1.json")
	require.NoError(t, err)
	assert.True(t, tree4.IsZero())

	// Removing a missing path returns the tree unchanged.
	same, err := s.RemoveTreePath(tree2, "user/missing.json")
	require.NoError(t, err)
	assert.Equal(t, tree2, same)
}

func TestUpdateRefCAS(t *testing.T) {
	s := memStore(t)

	emptyTree, err := s.InsertEmptyTree()
	require.NoError(t, err)
	c1, err := s.InsertCommit(emptyTree, nil, testSig(), "first")
	require.NoError(t, err)
	c2, err := s.InsertCommit(emptyTree, []plumbing.Hash{c1}, testSig(), "second")
	require.NoError(t, err)

	ref := string(BranchRef("main"))

	// Create against the zero id.
	result, err := s.UpdateRef(ref, plumbing.ZeroHash, c1)
	require.NoError(t, err)
	assert.Equal(t, types.RefCreated, result)

	// Re-creating must be rejected.
	result, err = s.UpdateRef(ref, plumbing.ZeroHash, c2)
	require.NoError(t, err)
	assert.Equal(t, types.RefRejected, result)

	// Fast-forward with the right expected old id.
	result, err = s.UpdateRef(ref, c1, c2)
	require.NoError(t, err)
	assert.Equal(t, types.RefFastForwarded, result)

	// Stale expected old id must be rejected.
	result, err = s.UpdateRef(ref, c1, c2)
	require.NoError(t, err)
	assert.Equal(t, types.RefRejected, result)

	head, exists, err := s.Head("main")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, c2, head)
}

func TestCommitChangePipeline(t *testing.T) {
	s := memStore(t)

	// Initial commit on an unborn branch.
	res, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "user/user_COLON_1.json",
		Content: []byte(`{"id":"user:1","v":1}`),
		Message: "Save user:1",
		Sig:     testSig(),
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, types.RefCreated, res.Ref)

	first, err := s.Commit(res.CommitID)
	require.NoError(t, err)
	assert.Empty(t, first.ParentHashes)

	// Second revision: exactly one parent, tree differs at the path.
	res2, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "user/user_COLON_1.json",
		Content: []byte(`{"id":"user:1","v":2}`),
		Message: "Save user:1",
		Sig:     testSig(),
	})
	require.NoError(t, err)
	assert.Equal(t, types.RefFastForwarded, res2.Ref)

	second, err := s.Commit(res2.CommitID)
	require.NoError(t, err)
	require.Len(t, second.ParentHashes, 1)
	assert.Equal(t, res.CommitID, second.ParentHashes[0])
	assert.NotEqual(t, first.TreeHash, second.TreeHash)

	// Deleting a path that does not exist is a no-op without a commit.
	res3, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "user/missing.json",
		Content: nil,
		Message: "Delete missing",
		Sig:     testSig(),
	})
	require.NoError(t, err)
	assert.False(t, res3.Changed)

	head, _, err := s.Head("main")
	require.NoError(t, err)
	assert.Equal(t, res2.CommitID, head)

	// A real delete advances the branch and removes the path.
	res4, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "user/user_COLON_1.json",
		Content: nil,
		Message: "Delete user:1",
		Sig:     testSig(),
	})
	require.NoError(t, err)
	assert.True(t, res4.Changed)

	fourth, err := s.Commit(res4.CommitID)
	require.NoError(t, err)
	exists, err := s.PathExists(fourth.TreeHash, "user/user_COLON_1.json")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestNotes(t *testing.T) {
	s := memStore(t)

	res, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "user/user_COLON_1.json",
		Content: []byte(`{"id":"user:1"}`),
		Message: "Save user:1",
		Sig:     testSig(),
		Note:    []byte(`{"tx_id":"t1","operation":"save"}`),
	})
	require.NoError(t, err)

	note, err := s.ReadNote(res.CommitID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tx_id":"t1","operation":"save"}`, string(note))

	// A commit without a note reads as not found.
	res2, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "user/user_COLON_2.json",
		Content: []byte(`{"id":"user:2"}`),
		Message: "Save user:2",
		Sig:     testSig(),
	})
	require.NoError(t, err)
	_, err = s.ReadNote(res2.CommitID)
	assert.ErrorIs(t, err, types.ErrNotFound)

	// Appending a second note preserves the first.
	require.NoError(t, s.AppendNote(res2.CommitID, []byte(`{"tx_id":"t2"}`), testSig()))
	note1, err := s.ReadNote(res.CommitID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"tx_id":"t1","operation":"save"}`, string(note1))
}

func TestWalkCommitsWithPathFilter(t *testing.T) {
	s := memStore(t)

	var commits []plumbing.Hash
	for _, step := range []struct{ path, content string }{
		{"user/user_COLON_1.json", `{"v":1}`},
		{"user/user_COLON_2.json", `{"v":1}`},
		{"user/user_COLON_1.json", `{"v":2}`},
	} {
		res, err := s.CommitChange(Change{
			Branch:  "main",
			Path:    step.path,
			Content: []byte(step.content),
			Message: "save",
			Sig:     testSig(),
		})
		require.NoError(t, err)
		commits = append(commits, res.CommitID)
	}

	head, _, err := s.Head("main")
	require.NoError(t, err)

	var touched []plumbing.Hash
	err = s.WalkCommits(head, func(p string) bool { return p == "user/user_COLON_1.json" }, func(c *object.Commit) error {
		touched = append(touched, c.Hash)
		return nil
	})
	require.NoError(t, err)

	// Newest first, only the two commits touching the path.
	require.Len(t, touched, 2)
	assert.Equal(t, commits[2], touched[0])
	assert.Equal(t, commits[0], touched[1])
}

func TestOpenOnDisk(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)

	res, err := s.CommitChange(Change{
		Branch:  "main",
		Path:    "cfg/cfg_COLON_1.json",
		Content: []byte(`{"id":"cfg:1"}`),
		Message: "save",
		Sig:     testSig(),
	})
	require.NoError(t, err)

	// Reopen and read back.
	s2, err := Open(dir)
	require.NoError(t, err)
	head, exists, err := s2.Head("main")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, res.CommitID, head)

	c, err := s2.Commit(head)
	require.NoError(t, err)
	data, err := s2.FileAt(c.TreeHash, "cfg/cfg_COLON_1.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"cfg:1"}`, string(data))
}
