package gitstore

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5/osfs"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/cache"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage"
	"github.com/go-git/go-git/v5/storage/filesystem"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/rs/zerolog"

	"github.com/chrondb/chrondb/pkg/log"
	"github.com/chrondb/chrondb/pkg/metrics"
	"github.com/chrondb/chrondb/pkg/types"
)

const (
	// NotesRef is the dedicated ref carrying transaction notes.
	NotesRef = "refs/notes/chrondb"

	// StaleLockAge is how old a lock file must be before startup
	// reclamation removes it.
	StaleLockAge = 60 * time.Second
)

// ErrStop terminates a commit walk early without error.
var ErrStop = errors.New("stop iteration")

// Store wraps a content-addressable repository: blobs, trees, commits,
// and a CAS-updated ref namespace. Two layouts satisfy it: a bare
// on-disk repository and an in-memory one for tests.
type Store struct {
	repo   *git.Repository
	storer storage.Storer
	dir    string // empty for in-memory stores

	// Writers serialize per ref; readers do not take these.
	refMu   sync.Mutex
	refLock map[string]*sync.Mutex

	// The notes ref has a single writer.
	notesMu sync.Mutex

	logger zerolog.Logger
}

// Open opens (creating if needed) a bare repository at dir. Stale lock
// files left by a crashed process are reclaimed before the repository
// is touched.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, types.NewIoError("open repository", err)
	}
	reclaimed := reclaimStaleLocks(dir, StaleLockAge)
	if reclaimed > 0 {
		log.WithComponent("gitstore").Warn().
			Int("count", reclaimed).Str("dir", dir).
			Msg("reclaimed stale lock files")
	}

	st := filesystem.NewStorage(osfs.New(dir), cache.NewObjectLRUDefault())
	repo, err := git.Init(st, nil)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.Open(st, nil)
	}
	if err != nil {
		return nil, types.NewIoError("open repository", err)
	}

	return &Store{
		repo:    repo,
		storer:  st,
		dir:     dir,
		refLock: make(map[string]*sync.Mutex),
		logger:  log.WithComponent("gitstore"),
	}, nil
}

// OpenMemory creates an in-memory store. Both layouts satisfy the same
// interface; this one backs tests.
func OpenMemory() (*Store, error) {
	st := memory.NewStorage()
	repo, err := git.Init(st, nil)
	if err != nil {
		return nil, types.NewIoError("init memory repository", err)
	}
	return &Store{
		repo:    repo,
		storer:  st,
		refLock: make(map[string]*sync.Mutex),
		logger:  log.WithComponent("gitstore"),
	}, nil
}

// Repository exposes the underlying repository for remote sync.
func (s *Store) Repository() *git.Repository { return s.repo }

// Dir returns the on-disk repository directory, or "" for in-memory
// stores.
func (s *Store) Dir() string { return s.dir }

// lockFor returns the serialization lock for a ref name.
func (s *Store) lockFor(ref string) *sync.Mutex {
	s.refMu.Lock()
	defer s.refMu.Unlock()
	mu, ok := s.refLock[ref]
	if !ok {
		mu = &sync.Mutex{}
		s.refLock[ref] = mu
	}
	return mu
}

// InsertBlob writes content as a blob and returns its id.
func (s *Store) InsertBlob(content []byte) (plumbing.Hash, error) {
	obj := s.storer.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	obj.SetSize(int64(len(content)))

	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, types.NewIoError("blob writer", err)
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, types.NewIoError("blob write", err)
	}
	w.Close()

	hash, err := s.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, types.NewIoError("blob store", err)
	}
	return hash, nil
}

// ReadBlob returns the content of a blob by id.
func (s *Store) ReadBlob(id plumbing.Hash) ([]byte, error) {
	blob, err := object.GetBlob(s.storer, id)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, types.NewIoError("blob read", err)
	}
	r, err := blob.Reader()
	if err != nil {
		return nil, types.NewIoError("blob read", err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, types.NewIoError("blob read", err)
	}
	return data, nil
}

// InsertCommit writes a commit object and returns its id. An empty
// parent list produces a root commit.
func (s *Store) InsertCommit(tree plumbing.Hash, parents []plumbing.Hash, sig object.Signature, message string) (plumbing.Hash, error) {
	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      message,
		TreeHash:     tree,
		ParentHashes: parents,
	}
	obj := s.storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return plumbing.ZeroHash, types.NewIoError("commit encode", err)
	}
	hash, err := s.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, types.NewIoError("commit store", err)
	}
	return hash, nil
}

// Commit returns a commit object by id.
func (s *Store) Commit(id plumbing.Hash) (*object.Commit, error) {
	c, err := object.GetCommit(s.storer, id)
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, types.NewIoError("commit read", err)
	}
	return c, nil
}

// ResolveCommit resolves a full or abbreviated commit id.
func (s *Store) ResolveCommit(id string) (*object.Commit, error) {
	if len(id) == 40 {
		return s.Commit(plumbing.NewHash(id))
	}
	if len(id) < 4 {
		return nil, fmt.Errorf("commit id %q too short: %w", id, types.ErrNotFound)
	}

	var found *object.Commit
	iter, err := s.repo.Log(&git.LogOptions{All: true})
	if err != nil {
		return nil, types.NewIoError("commit resolve", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(c *object.Commit) error {
		if strings.HasPrefix(c.Hash.String(), id) {
			found = c
			return ErrStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrStop) {
		return nil, types.NewIoError("commit resolve", err)
	}
	if found == nil {
		return nil, types.ErrNotFound
	}
	return found, nil
}

// BranchRef returns the full ref name for a branch.
func BranchRef(branch string) plumbing.ReferenceName {
	return plumbing.NewBranchReferenceName(branch)
}

// Head resolves a branch head. ok is false for an unborn branch.
func (s *Store) Head(branch string) (plumbing.Hash, bool, error) {
	ref, err := s.storer.Reference(BranchRef(branch))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, false, nil
		}
		return plumbing.ZeroHash, false, types.NewIoError("resolve ref", err)
	}
	return ref.Hash(), true, nil
}

// ResolveRef resolves any ref name to a commit id.
func (s *Store) ResolveRef(name string) (plumbing.Hash, error) {
	ref, err := s.storer.Reference(plumbing.ReferenceName(name))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, types.ErrNotFound
		}
		return plumbing.ZeroHash, types.NewIoError("resolve ref", err)
	}
	return ref.Hash(), nil
}

// UpdateRef performs a compare-and-set of a ref from expectedOld to
// newID. A zero expectedOld asserts the ref does not exist yet. The
// caller observes one of created, fast-forwarded, forced, or rejected;
// rejected means the stored id no longer matched expectedOld and it is
// the caller's decision whether to retry.
func (s *Store) UpdateRef(name string, expectedOld, newID plumbing.Hash) (types.RefUpdate, error) {
	mu := s.lockFor(name)
	mu.Lock()
	defer mu.Unlock()

	refName := plumbing.ReferenceName(name)
	current, err := s.storer.Reference(refName)
	exists := err == nil
	if err != nil && !errors.Is(err, plumbing.ErrReferenceNotFound) {
		return types.RefRejected, types.NewIoError("update ref", err)
	}

	if expectedOld.IsZero() {
		if exists {
			return types.RefRejected, nil
		}
		if err := s.storer.SetReference(plumbing.NewHashReference(refName, newID)); err != nil {
			return types.RefRejected, types.NewIoError("update ref", err)
		}
		return types.RefCreated, nil
	}

	if !exists || current.Hash() != expectedOld {
		return types.RefRejected, nil
	}

	newRef := plumbing.NewHashReference(refName, newID)
	if err := s.storer.CheckAndSetReference(newRef, current); err != nil {
		if errors.Is(err, storage.ErrReferenceHasChanged) {
			return types.RefRejected, nil
		}
		return types.RefRejected, types.NewIoError("update ref", err)
	}

	if ok, err := s.isAncestor(expectedOld, newID); err == nil && ok {
		return types.RefFastForwarded, nil
	}
	return types.RefForced, nil
}

// isAncestor reports whether old is an ancestor of newer.
func (s *Store) isAncestor(old, newer plumbing.Hash) (bool, error) {
	oldCommit, err := object.GetCommit(s.storer, old)
	if err != nil {
		return false, err
	}
	newCommit, err := object.GetCommit(s.storer, newer)
	if err != nil {
		return false, err
	}
	return oldCommit.IsAncestor(newCommit)
}

// ListBranches lists all branch heads.
func (s *Store) ListBranches() ([]types.BranchInfo, error) {
	iter, err := s.repo.Branches()
	if err != nil {
		return nil, types.NewIoError("list refs", err)
	}
	defer iter.Close()

	var branches []types.BranchInfo
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		info := types.BranchInfo{
			Name: ref.Name().Short(),
			Head: ref.Hash().String(),
		}
		if c, err := object.GetCommit(s.storer, ref.Hash()); err == nil {
			info.Time = c.Committer.When
		}
		branches = append(branches, info)
		return nil
	})
	if err != nil {
		return nil, types.NewIoError("list refs", err)
	}
	return branches, nil
}

// WalkCommits walks the commit graph newest-first from the given
// commit, restricted to commits whose tree changed under pathFilter
// when one is supplied. fn may return ErrStop to end the walk.
func (s *Store) WalkCommits(from plumbing.Hash, pathFilter func(string) bool, fn func(*object.Commit) error) error {
	iter, err := s.repo.Log(&git.LogOptions{From: from, PathFilter: pathFilter})
	if err != nil {
		return types.NewIoError("walk commits", err)
	}
	defer iter.Close()

	err = iter.ForEach(fn)
	if err != nil && !errors.Is(err, ErrStop) {
		return err
	}
	return nil
}

// TreeAt returns the root tree of a commit.
func (s *Store) TreeAt(commit plumbing.Hash) (*object.Tree, error) {
	c, err := s.Commit(commit)
	if err != nil {
		return nil, err
	}
	tree, err := c.Tree()
	if err != nil {
		return nil, types.NewIoError("tree read", err)
	}
	return tree, nil
}

// CopyTo copies every object in this store into dst. Content
// addressing makes the copy idempotent; refs are not copied.
func (s *Store) CopyTo(dst *Store) error {
	iter, err := s.storer.IterEncodedObjects(plumbing.AnyObject)
	if err != nil {
		return types.NewIoError("copy objects", err)
	}
	defer iter.Close()
	err = iter.ForEach(func(obj plumbing.EncodedObject) error {
		_, err := dst.storer.SetEncodedObject(obj)
		return err
	})
	if err != nil {
		return types.NewIoError("copy objects", err)
	}
	return nil
}

// ReclaimStaleLocks removes lock files older than StaleLockAge from an
// on-disk repository. Safe at runtime only when no writer is expected.
func (s *Store) ReclaimStaleLocks() int {
	if s.dir == "" {
		return 0
	}
	return reclaimStaleLocks(s.dir, StaleLockAge)
}

func reclaimStaleLocks(dir string, maxAge time.Duration) int {
	reclaimed := 0
	cutoff := time.Now().Add(-maxAge)
	_ = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(d.Name(), ".lock") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			if os.Remove(path) == nil {
				reclaimed++
				metrics.StaleLocksReclaimed.Inc()
			}
		}
		return nil
	})
	return reclaimed
}
