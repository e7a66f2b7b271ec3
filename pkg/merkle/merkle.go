// Package merkle builds and unpacks the content-addressed directory trees
// used by the remote execution protocol. A directory is encoded bottom-up:
// files and subdirectories become digest references inside a Directory
// message, whose own serialized form is again a CAS blob.
package merkle

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
)

// Entry is one blob a built tree needs present in CAS. Directory messages
// carry their serialized bytes in Data; file entries leave Data nil and
// point at the file on disk instead.
type Entry struct {
	Digest *repb.Digest
	Data   []byte
	Path   string
}

// Build walks a local directory and produces its root Directory digest
// together with every blob required to upload the tree.
func Build(root string) (*repb.Digest, []Entry, error) {
	var entries []Entry
	rootDigest, err := buildDir(root, &entries)
	if err != nil {
		return nil, nil, err
	}
	return rootDigest, entries, nil
}

func buildDir(dir string, entries *[]Entry) (*repb.Digest, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}
	// ReadDir sorts by name, which is exactly the canonical proto order.
	directory := &repb.Directory{}
	for _, item := range items {
		path := filepath.Join(dir, item.Name())
		switch {
		case item.IsDir():
			childDigest, err := buildDir(path, entries)
			if err != nil {
				return nil, err
			}
			directory.Directories = append(directory.Directories, &repb.DirectoryNode{
				Name:   item.Name(),
				Digest: childDigest,
			})
		case item.Type().IsRegular():
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read file %s: %w", path, err)
			}
			info, err := item.Info()
			if err != nil {
				return nil, err
			}
			d := digest.FromBytes(data)
			directory.Files = append(directory.Files, &repb.FileNode{
				Name:         item.Name(),
				Digest:       d,
				IsExecutable: info.Mode()&0111 != 0,
			})
			*entries = append(*entries, Entry{Digest: d, Path: path})
		case item.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read symlink %s: %w", path, err)
			}
			directory.Symlinks = append(directory.Symlinks, &repb.SymlinkNode{
				Name:   item.Name(),
				Target: target,
			})
		}
	}

	data, err := proto.Marshal(directory)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal directory: %w", err)
	}
	d := digest.FromBytes(data)
	*entries = append(*entries, Entry{Digest: d, Data: data})
	return d, nil
}

// FetchDirectory resolves one Directory message by digest.
type FetchDirectory func(d *repb.Digest) (*repb.Directory, error)

// FetchBlob resolves raw blob contents by digest.
type FetchBlob func(d *repb.Digest) ([]byte, error)

// Walk visits every directory reachable from root in depth-first order,
// parents before children. Sibling subdirectories are visited in the node
// order of their parent.
func Walk(root *repb.Digest, fetch FetchDirectory, visit func(d *repb.Digest, dir *repb.Directory) error) error {
	dir, err := fetch(root)
	if err != nil {
		return err
	}
	if err := visit(root, dir); err != nil {
		return err
	}
	for _, node := range dir.Directories {
		if err := Walk(node.Digest, fetch, visit); err != nil {
			return err
		}
	}
	return nil
}

// BuildTree assembles the Tree message for a root directory digest: the
// root plus every transitive child.
func BuildTree(root *repb.Digest, fetch FetchDirectory) (*repb.Tree, error) {
	tree := &repb.Tree{}
	err := Walk(root, fetch, func(d *repb.Digest, dir *repb.Directory) error {
		if tree.Root == nil {
			tree.Root = dir
			return nil
		}
		tree.Children = append(tree.Children, dir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// Materialize recreates the tree rooted at root under path.
func Materialize(root *repb.Digest, path string, fetchDir FetchDirectory, fetchBlob FetchBlob) error {
	dir, err := fetchDir(root)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}
	for _, file := range dir.Files {
		data, err := fetchBlob(file.Digest)
		if err != nil {
			return err
		}
		mode := os.FileMode(0644)
		if file.IsExecutable {
			mode = 0755
		}
		if err := os.WriteFile(filepath.Join(path, file.Name), data, mode); err != nil {
			return fmt.Errorf("failed to write file %s: %w", file.Name, err)
		}
	}
	for _, link := range dir.Symlinks {
		if err := os.Symlink(link.Target, filepath.Join(path, link.Name)); err != nil {
			return fmt.Errorf("failed to create symlink %s: %w", link.Name, err)
		}
	}
	for _, child := range dir.Directories {
		if err := Materialize(child.Digest, filepath.Join(path, child.Name), fetchDir, fetchBlob); err != nil {
			return err
		}
	}
	return nil
}

// TreeFetcher builds a FetchDirectory over an already-flattened Tree
// message, used when reconstructing from a GetTree response.
func TreeFetcher(tree *repb.Tree) FetchDirectory {
	index := make(map[string]*repb.Directory, len(tree.Children)+1)
	add := func(dir *repb.Directory) {
		data, err := proto.Marshal(dir)
		if err != nil {
			return
		}
		index[digest.Key(digest.FromBytes(data))] = dir
	}
	if tree.Root != nil {
		add(tree.Root)
	}
	for _, child := range tree.Children {
		add(child)
	}
	return func(d *repb.Digest) (*repb.Directory, error) {
		dir, ok := index[digest.Key(d)]
		if !ok {
			return nil, errdefs.NotFoundf("directory %s not in tree", digest.String(d))
		}
		return dir, nil
	}
}

// SortNodes puts a hand-built Directory into canonical node order. Builders
// that construct messages directly call this before hashing.
func SortNodes(dir *repb.Directory) {
	sort.Slice(dir.Files, func(i, j int) bool { return dir.Files[i].Name < dir.Files[j].Name })
	sort.Slice(dir.Directories, func(i, j int) bool { return dir.Directories[i].Name < dir.Directories[j].Name })
	sort.Slice(dir.Symlinks, func(i, j int) bool { return dir.Symlinks[i].Name < dir.Symlinks[j].Name })
}
