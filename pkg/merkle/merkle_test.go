package merkle

import (
	"os"
	"path/filepath"
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/digest"
)

// writeTree lays out a small fixture:
//
//	root/
//	  hello.txt
//	  bin/run      (executable)
//	  sub/nested.txt
func writeTree(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hello"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "bin"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "bin", "run"), []byte("#!/bin/sh\n"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "nested.txt"), []byte("nested"), 0644))
	return root
}

func entryIndex(entries []Entry) map[string]Entry {
	index := make(map[string]Entry, len(entries))
	for _, e := range entries {
		index[digest.Key(e.Digest)] = e
	}
	return index
}

func TestBuildProducesCanonicalRoot(t *testing.T) {
	root := writeTree(t)
	rootDigest, entries, err := Build(root)
	require.NoError(t, err)

	index := entryIndex(entries)
	rootEntry, ok := index[digest.Key(rootDigest)]
	require.True(t, ok, "root directory must be among the entries")

	dir := &repb.Directory{}
	require.NoError(t, proto.Unmarshal(rootEntry.Data, dir))
	require.Len(t, dir.Files, 1)
	assert.Equal(t, "hello.txt", dir.Files[0].Name)
	require.Len(t, dir.Directories, 2)
	assert.Equal(t, "bin", dir.Directories[0].Name)
	assert.Equal(t, "sub", dir.Directories[1].Name)

	// 3 files + 3 directories.
	assert.Len(t, entries, 6)
}

func TestBuildIsDeterministic(t *testing.T) {
	root := writeTree(t)
	first, _, err := Build(root)
	require.NoError(t, err)
	second, _, err := Build(root)
	require.NoError(t, err)
	assert.True(t, digest.Equal(first, second))
}

func TestExecutableBitSurvives(t *testing.T) {
	root := writeTree(t)
	rootDigest, entries, err := Build(root)
	require.NoError(t, err)

	index := entryIndex(entries)
	fetchDir := func(d *repb.Digest) (*repb.Directory, error) {
		dir := &repb.Directory{}
		if err := proto.Unmarshal(index[digest.Key(d)].Data, dir); err != nil {
			return nil, err
		}
		return dir, nil
	}

	tree, err := BuildTree(rootDigest, fetchDir)
	require.NoError(t, err)
	var binDir *repb.Directory
	for _, child := range tree.Children {
		if len(child.Files) == 1 && child.Files[0].Name == "run" {
			binDir = child
		}
	}
	require.NotNil(t, binDir)
	assert.True(t, binDir.Files[0].IsExecutable)
}

func TestTreeRoundTrip(t *testing.T) {
	root := writeTree(t)
	rootDigest, entries, err := Build(root)
	require.NoError(t, err)

	index := entryIndex(entries)
	fetchDir := func(d *repb.Digest) (*repb.Directory, error) {
		entry, ok := index[digest.Key(d)]
		if !ok {
			t.Fatalf("missing directory %s", digest.String(d))
		}
		dir := &repb.Directory{}
		if err := proto.Unmarshal(entry.Data, dir); err != nil {
			return nil, err
		}
		return dir, nil
	}
	fetchBlob := func(d *repb.Digest) ([]byte, error) {
		entry := index[digest.Key(d)]
		return os.ReadFile(entry.Path)
	}

	tree, err := BuildTree(rootDigest, fetchDir)
	require.NoError(t, err)
	require.NotNil(t, tree.Root)
	assert.Len(t, tree.Children, 2)

	// Materialize from the flattened tree and rebuild: the root digest
	// must come out identical.
	out := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Materialize(rootDigest, out, TreeFetcher(tree), fetchBlob))

	rebuilt, _, err := Build(out)
	require.NoError(t, err)
	assert.True(t, digest.Equal(rootDigest, rebuilt), "round-tripped tree must hash identically")
}
