package gitstore

import (
	"errors"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chrondb/chrondb/pkg/types"
)

// AppendNote attaches payload to a commit on the notes ref. The note
// tree maps the annotated commit id to a blob; the notes ref itself
// advances by one commit per append. A reader can observe the commit
// before its note, never the note before the commit.
func (s *Store) AppendNote(target plumbing.Hash, payload []byte, sig object.Signature) error {
	s.notesMu.Lock()
	defer s.notesMu.Unlock()

	var parentTree plumbing.Hash
	var parents []plumbing.Hash
	head, err := s.storer.Reference(plumbing.ReferenceName(NotesRef))
	if err == nil {
		parents = []plumbing.Hash{head.Hash()}
		c, err := s.Commit(head.Hash())
		if err != nil {
			return err
		}
		parentTree = c.TreeHash
	} else if !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return types.NewIoError("notes ref", err)
	}

	blob, err := s.InsertBlob(payload)
	if err != nil {
		return err
	}
	tree, err := s.SetTreePath(parentTree, target.String(), blob)
	if err != nil {
		return err
	}
	commitID, err := s.InsertCommit(tree, parents, sig, "Notes added by chrondb")
	if err != nil {
		return err
	}

	ref := plumbing.NewHashReference(plumbing.ReferenceName(NotesRef), commitID)
	if err := s.storer.SetReference(ref); err != nil {
		return types.NewIoError("notes ref", err)
	}
	return nil
}

// ReadNote returns the note payload attached to a commit. Readers must
// tolerate missing notes; ErrNotFound means none was written (or it has
// not landed yet).
func (s *Store) ReadNote(target plumbing.Hash) ([]byte, error) {
	head, err := s.storer.Reference(plumbing.ReferenceName(NotesRef))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, types.NewIoError("notes ref", err)
	}
	c, err := s.Commit(head.Hash())
	if err != nil {
		return nil, err
	}
	return s.FileAt(c.TreeHash, target.String())
}
