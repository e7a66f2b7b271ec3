package client

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive/buildhive/pkg/api"
	"github.com/buildhive/buildhive/pkg/capabilities"
	"github.com/buildhive/buildhive/pkg/cas"
	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/merkle"
	"github.com/buildhive/buildhive/pkg/refcache"
	"github.com/buildhive/buildhive/pkg/storage"
)

// startCASServer runs a storage-only server on a loopback port and
// returns a client connected to it.
func startCASServer(t *testing.T) *Client {
	t.Helper()

	st := storage.NewMemoryStorage(64 << 20)
	srv := api.NewServer(nil)
	srv.AddCASInstance("main", cas.NewInstance(st))
	srv.AddActionCacheInstance("main", refcache.NewActionCache(st, 64, false))
	srv.AddCapabilitiesInstance("main", capabilities.NewInstance(true, false, false, cas.DefaultBatchSizeLimit))

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := New(Options{Remote: lis.Addr().String(), InstanceName: "main"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func TestUploadDirectoryStoresFileContents(t *testing.T) {
	c := startCASServer(t)
	ctx := context.Background()

	files := map[string]string{
		"hello.txt":      "hello world\n",
		"sub/nested.txt": "nested content",
		"empty.txt":      "",
	}
	root := writeTree(t, files)

	rootDigest, err := c.UploadDirectory(ctx, root)
	require.NoError(t, err)
	require.NotNil(t, rootDigest)

	// Each file must be retrievable by the digest of its actual contents,
	// not by the digest of an empty blob.
	for _, content := range files {
		got, err := c.DownloadBlob(ctx, digest.FromBytes([]byte(content)))
		require.NoError(t, err)
		assert.Equal(t, []byte(content), got)
	}
}

func TestDirectoryRoundTrip(t *testing.T) {
	c := startCASServer(t)
	ctx := context.Background()

	files := map[string]string{
		"a.txt":       "alpha",
		"dir/b.txt":   "beta",
		"dir/c/d.txt": "delta",
	}
	root := writeTree(t, files)

	rootDigest, err := c.UploadDirectory(ctx, root)
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, c.DownloadDirectory(ctx, rootDigest, dest))
	for name, content := range files {
		got, err := os.ReadFile(filepath.Join(dest, name))
		require.NoError(t, err)
		assert.Equal(t, []byte(content), got)
	}

	// Re-uploading the same tree is a no-op with an identical root.
	again, err := c.UploadDirectory(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, rootDigest.Hash, again.Hash)
}

func TestEntryDataReadsFilesFromDisk(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "payload.bin")
	content := []byte("on-disk payload")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	got, err := entryData(merkle.Entry{Digest: digest.FromBytes(content), Path: path})
	require.NoError(t, err)
	assert.Equal(t, content, got)

	serialized := []byte{0x0a, 0x00}
	inline, err := entryData(merkle.Entry{Digest: digest.FromBytes(serialized), Data: serialized})
	require.NoError(t, err)
	assert.Equal(t, serialized, inline)

	_, err = entryData(merkle.Entry{Path: filepath.Join(dir, "missing")})
	assert.Error(t, err)
}
