package gitstore

import (
	"errors"
	"sort"
	"strings"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/chrondb/chrondb/pkg/types"
)

// treeEntries reads a tree into a name-keyed map. A zero hash yields an
// empty map.
func (s *Store) treeEntries(treeHash plumbing.Hash) (map[string]object.TreeEntry, error) {
	entries := make(map[string]object.TreeEntry)
	if treeHash.IsZero() {
		return entries, nil
	}
	tree, err := object.GetTree(s.storer, treeHash)
	if err != nil {
		return nil, types.NewIoError("tree read", err)
	}
	for _, entry := range tree.Entries {
		entries[entry.Name] = entry
	}
	return entries, nil
}

// insertTree writes a tree object from entries, sorted the way the
// object format requires (directories compare with a trailing slash).
func (s *Store) insertTree(entries []object.TreeEntry) (plumbing.Hash, error) {
	sort.Slice(entries, func(i, j int) bool {
		nameI := entries[i].Name
		nameJ := entries[j].Name
		if entries[i].Mode == filemode.Dir {
			nameI += "/"
		}
		if entries[j].Mode == filemode.Dir {
			nameJ += "/"
		}
		return nameI < nameJ
	})

	tree := &object.Tree{Entries: entries}
	obj := s.storer.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, types.NewIoError("tree encode", err)
	}
	hash, err := s.storer.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, types.NewIoError("tree store", err)
	}
	return hash, nil
}

// InsertEmptyTree writes the canonical empty tree object.
func (s *Store) InsertEmptyTree() (plumbing.Hash, error) {
	return s.insertTree(nil)
}

// SetTreePath returns a new root tree equal to root except that path
// holds blob. Only the spine from the root to the leaf is rebuilt; all
// sibling entries keep their object ids.
func (s *Store) SetTreePath(root plumbing.Hash, path string, blob plumbing.Hash) (plumbing.Hash, error) {
	return s.setTreePath(root, strings.Split(path, "/"), blob)
}

func (s *Store) setTreePath(treeHash plumbing.Hash, parts []string, blob plumbing.Hash) (plumbing.Hash, error) {
	if len(parts) == 0 {
		return plumbing.ZeroHash, errors.New("empty tree path")
	}

	entries, err := s.treeEntries(treeHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	name := parts[0]
	if len(parts) == 1 {
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Regular, Hash: blob}
	} else {
		var sub plumbing.Hash
		if existing, ok := entries[name]; ok && existing.Mode == filemode.Dir {
			sub = existing.Hash
		}
		newSub, err := s.setTreePath(sub, parts[1:], blob)
		if err != nil {
			return plumbing.ZeroHash, err
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: newSub}
	}

	return s.insertTree(entrySlice(entries))
}

// RemoveTreePath returns a new root tree equal to root with path
// removed. Empty directories along the spine are dropped; removing the
// last entry yields the zero hash. Removing a path that does not exist
// returns root unchanged.
func (s *Store) RemoveTreePath(root plumbing.Hash, path string) (plumbing.Hash, error) {
	return s.removeTreePath(root, strings.Split(path, "/"))
}

func (s *Store) removeTreePath(treeHash plumbing.Hash, parts []string) (plumbing.Hash, error) {
	if len(parts) == 0 {
		return plumbing.ZeroHash, errors.New("empty tree path")
	}

	entries, err := s.treeEntries(treeHash)
	if err != nil {
		return plumbing.ZeroHash, err
	}

	name := parts[0]
	if len(parts) == 1 {
		delete(entries, name)
	} else {
		existing, ok := entries[name]
		if !ok || existing.Mode != filemode.Dir {
			// Path doesn't exist, nothing to remove
			return treeHash, nil
		}
		newSub, err := s.removeTreePath(existing.Hash, parts[1:])
		if err != nil {
			return plumbing.ZeroHash, err
		}
		if newSub.IsZero() {
			delete(entries, name)
		} else {
			entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: newSub}
		}
	}

	if len(entries) == 0 {
		return plumbing.ZeroHash, nil
	}
	return s.insertTree(entrySlice(entries))
}

func entrySlice(entries map[string]object.TreeEntry) []object.TreeEntry {
	out := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	return out
}

// PathExists reports whether path is a regular file in the tree rooted
// at root.
func (s *Store) PathExists(root plumbing.Hash, path string) (bool, error) {
	if root.IsZero() {
		return false, nil
	}
	tree, err := object.GetTree(s.storer, root)
	if err != nil {
		return false, types.NewIoError("tree read", err)
	}
	entry, err := tree.FindEntry(path)
	if err != nil {
		if errors.Is(err, object.ErrEntryNotFound) || errors.Is(err, object.ErrDirectoryNotFound) {
			return false, nil
		}
		return false, types.NewIoError("tree read", err)
	}
	return entry.Mode.IsFile(), nil
}

// FileAt reads the blob at path in the tree rooted at root.
func (s *Store) FileAt(root plumbing.Hash, path string) ([]byte, error) {
	if root.IsZero() {
		return nil, types.ErrNotFound
	}
	tree, err := object.GetTree(s.storer, root)
	if err != nil {
		return nil, types.NewIoError("tree read", err)
	}
	file, err := tree.File(path)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, types.NewIoError("tree read", err)
	}
	content, err := file.Contents()
	if err != nil {
		return nil, types.NewIoError("tree read", err)
	}
	return []byte(content), nil
}

// TreeFile is one regular-file entry seen by ListTreeFiles.
type TreeFile struct {
	Dir  string // directory within the walked tree, "" at the root
	Name string // file name
	Blob plumbing.Hash
}

// ListTreeFiles lists the regular files under dir in the tree rooted at
// root. An empty dir lists the whole tree recursively.
func (s *Store) ListTreeFiles(root plumbing.Hash, dir string) ([]TreeFile, error) {
	if root.IsZero() {
		return nil, nil
	}
	tree, err := object.GetTree(s.storer, root)
	if err != nil {
		return nil, types.NewIoError("tree read", err)
	}
	if dir != "" {
		tree, err = tree.Tree(dir)
		if err != nil {
			if errors.Is(err, object.ErrDirectoryNotFound) {
				return nil, nil
			}
			return nil, types.NewIoError("tree read", err)
		}
	}

	var files []TreeFile
	walker := object.NewTreeWalker(tree, true, nil)
	defer walker.Close()
	for {
		name, entry, err := walker.Next()
		if err != nil {
			break
		}
		if !entry.Mode.IsFile() {
			continue
		}
		d, base := "", name
		if i := strings.LastIndex(name, "/"); i >= 0 {
			d, base = name[:i], name[i+1:]
		}
		files = append(files, TreeFile{Dir: d, Name: base, Blob: entry.Hash})
	}
	return files, nil
}
