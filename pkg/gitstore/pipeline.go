package gitstore

import (
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/types"
)

// Change is the input to the commit pipeline: one path set to content,
// or removed when Content is nil.
type Change struct {
	Branch  string
	Path    string
	Content []byte // nil removes the path
	Message string
	Sig     object.Signature
	Note    []byte // optional transaction note payload
}

// CommitResult reports what the pipeline produced.
type CommitResult struct {
	CommitID plumbing.Hash
	Ref      types.RefUpdate
	// Changed is false when a delete targeted a path that did not
	// exist; no commit was produced.
	Changed bool
}

// CommitChange builds a commit whose tree differs from the branch head
// only at one path, then compare-and-sets the branch ref against the
// head observed at the start. A rejected CAS is returned to the caller
// undisturbed; retrying is an upper-layer decision. A supplied note is
// appended after the ref update and its failure never fails the commit.
func (s *Store) CommitChange(change Change) (CommitResult, error) {
	op := "save"
	if change.Content == nil {
		op = "delete"
	}
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.CommitDuration, op)

	head, exists, err := s.Head(change.Branch)
	if err != nil {
		return CommitResult{}, err
	}

	var parentTree plumbing.Hash
	if exists {
		c, err := s.Commit(head)
		if err != nil {
			return CommitResult{}, err
		}
		parentTree = c.TreeHash
	}

	var newTree plumbing.Hash
	if change.Content != nil {
		blob, err := s.InsertBlob(change.Content)
		if err != nil {
			return CommitResult{}, err
		}
		newTree, err = s.SetTreePath(parentTree, change.Path, blob)
		if err != nil {
			return CommitResult{}, err
		}
	} else {
		present, err := s.PathExists(parentTree, change.Path)
		if err != nil {
			return CommitResult{}, err
		}
		if !present {
			return CommitResult{Changed: false}, nil
		}
		newTree, err = s.RemoveTreePath(parentTree, change.Path)
		if err != nil {
			return CommitResult{}, err
		}
	}
	if newTree.IsZero() {
		newTree, err = s.InsertEmptyTree()
		if err != nil {
			return CommitResult{}, err
		}
	}

	var parents []plumbing.Hash
	if exists {
		parents = []plumbing.Hash{head}
	}
	commitID, err := s.InsertCommit(newTree, parents, change.Sig, change.Message)
	if err != nil {
		return CommitResult{}, err
	}

	expected := plumbing.ZeroHash
	if exists {
		expected = head
	}
	result, err := s.UpdateRef(string(BranchRef(change.Branch)), expected, commitID)
	if err != nil {
		return CommitResult{}, err
	}
	if result == types.RefRejected {
		return CommitResult{CommitID: commitID, Ref: result, Changed: true}, nil
	}

	metrics.CommitsTotal.WithLabelValues(change.Branch, op).Inc()

	if change.Note != nil {
		if err := s.AppendNote(commitID, change.Note, change.Sig); err != nil {
			s.logger.Warn().Err(err).
				Str("commit", commitID.String()).
				Msg("note append failed, commit stands")
		}
	}

	return CommitResult{CommitID: commitID, Ref: result, Changed: true}, nil
}
