package db

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chrondb/chrondb/pkg/config"
	"github.com/chrondb/chrondb/pkg/events"
	"github.com/chrondb/chrondb/pkg/gitstore"
	"github.com/chrondb/chrondb/pkg/types"
)

// ListBranches lists every branch head, annotated with its push state.
func (d *DB) ListBranches() ([]types.BranchInfo, error) {
	branches, err := d.store.ListBranches()
	if err != nil {
		return nil, err
	}
	for i := range branches {
		branches[i].NeedPush = d.syncer.NeedsPush(branches[i].Name)
	}
	sort.Slice(branches, func(i, j int) bool { return branches[i].Name < branches[j].Name })
	return branches, nil
}

// CreateBranch creates a branch pointing at the head of from (the
// current branch when from is empty).
func (d *DB) CreateBranch(name, from string) error {
	if name == "" {
		return fmt.Errorf("branch name must not be empty")
	}
	from = d.branch(from)
	head, exists, err := d.store.Head(from)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("branch %q: %w", from, types.ErrNotFound)
	}
	result, err := d.store.UpdateRef(string(gitstore.BranchRef(name)), plumbing.ZeroHash, head)
	if err != nil {
		return err
	}
	if result == types.RefRejected {
		return fmt.Errorf("branch %q already exists", name)
	}
	d.broker.Publish(&events.Event{Type: events.EventBranchCreated, Branch: name, CommitID: head.String()})
	return nil
}

// DeleteBranch removes a branch ref. The default branch is protected.
func (d *DB) DeleteBranch(name string) error {
	if name == d.cfg.DefaultBranch {
		return fmt.Errorf("cannot delete the default branch %q", name)
	}
	_, exists, err := d.store.Head(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("branch %q: %w", name, types.ErrNotFound)
	}
	if err := d.store.Repository().Storer.RemoveReference(gitstore.BranchRef(name)); err != nil {
		return types.NewIoError("delete branch", err)
	}
	d.broker.Publish(&events.Event{Type: events.EventBranchDeleted, Branch: name})
	return nil
}

// Checkout selects the branch used when operations do not name one.
func (d *DB) Checkout(name string) error {
	_, exists, err := d.store.Head(name)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("branch %q: %w", name, types.ErrNotFound)
	}
	d.current = name
	return nil
}

// CurrentBranch returns the branch operations default to.
func (d *DB) CurrentBranch() string {
	return d.branch("")
}

// Merge performs a best-effort three-way merge of source into target
// on tree paths. Paths changed on both sides since the common ancestor
// surface as a conflict error listing them; nothing is committed then.
func (d *DB) Merge(source, target string) (string, error) {
	target = d.branch(target)

	srcHead, exists, err := d.store.Head(source)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("branch %q: %w", source, types.ErrNotFound)
	}
	dstHead, exists, err := d.store.Head(target)
	if err != nil {
		return "", err
	}
	if !exists {
		return "", fmt.Errorf("branch %q: %w", target, types.ErrNotFound)
	}
	if srcHead == dstHead {
		return dstHead.String(), nil
	}

	srcCommit, err := d.store.Commit(srcHead)
	if err != nil {
		return "", err
	}
	dstCommit, err := d.store.Commit(dstHead)
	if err != nil {
		return "", err
	}

	// Fast-forward when the target is strictly behind.
	if behind, err := dstCommit.IsAncestor(srcCommit); err == nil && behind {
		result, err := d.store.UpdateRef(string(gitstore.BranchRef(target)), dstHead, srcHead)
		if err != nil {
			return "", err
		}
		if result == types.RefRejected {
			return "", &types.ConflictError{Branch: target, Attempts: 1}
		}
		d.idx.MarkStale(target)
		d.broker.Publish(&events.Event{Type: events.EventBranchMerged, Branch: target, CommitID: srcHead.String()})
		return srcHead.String(), nil
	}

	var baseTree plumbing.Hash
	bases, err := srcCommit.MergeBase(dstCommit)
	if err != nil {
		return "", types.NewIoError("merge base", err)
	}
	if len(bases) > 0 {
		baseTree = bases[0].TreeHash
	}

	baseFiles, err := d.treeBlobs(baseTree)
	if err != nil {
		return "", err
	}
	srcFiles, err := d.treeBlobs(srcCommit.TreeHash)
	if err != nil {
		return "", err
	}
	dstFiles, err := d.treeBlobs(dstCommit.TreeHash)
	if err != nil {
		return "", err
	}

	merged := dstCommit.TreeHash
	var conflicts []string
	for path := range union(srcFiles, baseFiles) {
		baseBlob := baseFiles[path]
		srcBlob := srcFiles[path]
		dstBlob := dstFiles[path]

		if srcBlob == baseBlob || srcBlob == dstBlob {
			continue // source didn't change it, or both sides agree
		}
		if dstBlob != baseBlob {
			conflicts = append(conflicts, path)
			continue
		}
		// Only the source side changed: take it.
		if srcBlob.IsZero() {
			merged, err = d.store.RemoveTreePath(merged, path)
		} else {
			merged, err = d.store.SetTreePath(merged, path, srcBlob)
		}
		if err != nil {
			return "", err
		}
	}

	if len(conflicts) > 0 {
		sort.Strings(conflicts)
		return "", &types.ConflictError{Branch: target, Paths: conflicts}
	}

	if merged.IsZero() {
		merged, err = d.store.InsertEmptyTree()
		if err != nil {
			return "", err
		}
	}

	msg := fmt.Sprintf("Merge branch %q into %q", source, target)
	commitID, err := d.store.InsertCommit(merged, []plumbing.Hash{dstHead, srcHead}, d.signature(), msg)
	if err != nil {
		return "", err
	}
	result, err := d.store.UpdateRef(string(gitstore.BranchRef(target)), dstHead, commitID)
	if err != nil {
		return "", err
	}
	if result == types.RefRejected {
		return "", &types.ConflictError{Branch: target, Attempts: 1}
	}

	d.idx.MarkStale(target)
	d.broker.Publish(&events.Event{Type: events.EventBranchMerged, Branch: target, CommitID: commitID.String()})
	d.syncer.AfterCommit(target)
	return commitID.String(), nil
}

func (d *DB) treeBlobs(tree plumbing.Hash) (map[string]plumbing.Hash, error) {
	out := make(map[string]plumbing.Hash)
	if tree.IsZero() {
		return out, nil
	}
	files, err := d.store.ListTreeFiles(tree, "")
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		path := f.Name
		if f.Dir != "" {
			path = f.Dir + "/" + f.Name
		}
		out[path] = f.Blob
	}
	return out, nil
}

func union(a, b map[string]plumbing.Hash) map[string]bool {
	out := make(map[string]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}
	return out
}

func (d *DB) signature() object.Signature {
	return object.Signature{
		Name:  d.cfg.CommitterName,
		Email: d.cfg.CommitterEmail,
		When:  time.Now(),
	}
}

// Backup streams a gzipped tar of the bare repository to w. Only
// on-disk databases can be backed up.
func (d *DB) Backup(w io.Writer) error {
	dir := d.store.Dir()
	if dir == "" {
		return fmt.Errorf("in-memory database cannot be backed up")
	}

	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	err := filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." || strings.HasSuffix(entry.Name(), ".lock") {
			return nil
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return types.NewIoError("backup", err)
	}
	if err := tw.Close(); err != nil {
		return types.NewIoError("backup", err)
	}
	if err := gz.Close(); err != nil {
		return types.NewIoError("backup", err)
	}
	return nil
}

// Restore unpacks a Backup archive into the configured repository
// directory. It must run before Open, on an empty data directory.
func Restore(cfg *config.Config, r io.Reader) error {
	dir := cfg.RepoDir()
	if entries, err := os.ReadDir(dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("repository directory %s is not empty", dir)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return types.NewIoError("restore", err)
	}

	gz, err := gzip.NewReader(r)
	if err != nil {
		return types.NewIoError("restore", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return types.NewIoError("restore", err)
		}
		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(name, "..") {
			return fmt.Errorf("archive entry %q escapes the target directory", hdr.Name)
		}
		target := filepath.Join(dir, name)
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, hdr.FileInfo().Mode()); err != nil {
				return types.NewIoError("restore", err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return types.NewIoError("restore", err)
			}
			f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, hdr.FileInfo().Mode())
			if err != nil {
				return types.NewIoError("restore", err)
			}
			if _, err := io.Copy(f, tr); err != nil {
				f.Close()
				return types.NewIoError("restore", err)
			}
			f.Close()
		}
	}
}

// ExportBundle writes every branch (and the notes ref) into a bare
// repository at path, usable as a transportable bundle. The copy runs
// in-process over the object store, no transport involved.
func (d *DB) ExportBundle(path string) error {
	dst, err := gitstore.Open(path)
	if err != nil {
		return err
	}
	if err := d.store.CopyTo(dst); err != nil {
		return err
	}
	return copyRefs(d.store, dst)
}

// ImportBundle copies every branch (and the notes ref) from a bundle
// repository, overwriting local heads (last-writer-wins), and marks
// the affected branches for index catch-up.
func (d *DB) ImportBundle(path string) error {
	src, err := gitstore.Open(path)
	if err != nil {
		return err
	}
	if err := src.CopyTo(d.store); err != nil {
		return err
	}
	if err := copyRefs(src, d.store); err != nil {
		return err
	}

	branches, err := d.store.ListBranches()
	if err != nil {
		return err
	}
	for _, b := range branches {
		d.idx.MarkStale(b.Name)
	}
	return nil
}

// copyRefs force-sets every branch head of src in dst, plus the notes
// ref when present.
func copyRefs(src, dst *gitstore.Store) error {
	branches, err := src.ListBranches()
	if err != nil {
		return err
	}
	for _, b := range branches {
		ref := plumbing.NewHashReference(gitstore.BranchRef(b.Name), plumbing.NewHash(b.Head))
		if err := dst.Repository().Storer.SetReference(ref); err != nil {
			return types.NewIoError("copy refs", err)
		}
	}
	notes, err := src.ResolveRef(gitstore.NotesRef)
	if err == nil {
		ref := plumbing.NewHashReference(plumbing.ReferenceName(gitstore.NotesRef), notes)
		if err := dst.Repository().Storer.SetReference(ref); err != nil {
			return types.NewIoError("copy refs", err)
		}
	} else if !errors.Is(err, types.ErrNotFound) {
		return err
	}
	return nil
}
