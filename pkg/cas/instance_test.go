package cas

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/storage"
)

func newTestInstance(t *testing.T) *Instance {
	t.Helper()
	return NewInstance(storage.NewMemoryStorage(1 << 20))
}

func upload(t *testing.T, i *Instance, data []byte) *repb.Digest {
	t.Helper()
	d := digest.FromBytes(data)
	responses, err := i.BatchUpdateBlobs([]*repb.BatchUpdateBlobsRequest_Request{
		{Digest: d, Data: data},
	})
	require.NoError(t, err)
	require.Len(t, responses, 1)
	require.Equal(t, int32(codes.OK), responses[0].Status.Code)
	return d
}

func TestFindMissingBlobs(t *testing.T) {
	i := newTestInstance(t)
	upload(t, i, []byte("abc"))
	present := upload(t, i, []byte("def"))
	absent := digest.FromBytes([]byte("ghij"))

	missing, err := i.FindMissingBlobs([]*repb.Digest{present, absent})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.True(t, digest.Equal(absent, missing[0]))
}

func TestFindMissingBlobsRejectsBadDigest(t *testing.T) {
	i := newTestInstance(t)
	_, err := i.FindMissingBlobs([]*repb.Digest{{Hash: "short", SizeBytes: 1}})
	assert.Error(t, err)
}

func TestBatchUpdateRejectsHashMismatchPerItem(t *testing.T) {
	i := newTestInstance(t)
	good := digest.FromBytes([]byte("good"))
	bad := digest.FromBytes([]byte("incorrect"))

	responses, err := i.BatchUpdateBlobs([]*repb.BatchUpdateBlobsRequest_Request{
		{Digest: good, Data: []byte("good")},
		{Digest: bad, Data: []byte("some data")},
	})
	require.NoError(t, err)
	require.Len(t, responses, 2)
	assert.Equal(t, int32(codes.OK), responses[0].Status.Code)
	assert.Equal(t, int32(codes.InvalidArgument), responses[1].Status.Code)

	// The mismatching item must not have touched storage.
	ok, err := i.Storage().HasBlob(bad)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBatchUpdateRejectsOversizedBatch(t *testing.T) {
	i := newTestInstance(t)
	data := make([]byte, DefaultBatchSizeLimit+1)
	_, err := i.BatchUpdateBlobs([]*repb.BatchUpdateBlobsRequest_Request{
		{Digest: digest.FromBytes(data), Data: data},
	})
	assert.Error(t, err)
}

func TestBatchReadBlobs(t *testing.T) {
	i := newTestInstance(t)
	present := upload(t, i, []byte("present"))
	absent := digest.FromBytes([]byte("absent"))

	responses, err := i.BatchReadBlobs([]*repb.Digest{present, absent})
	require.NoError(t, err)
	require.Len(t, responses, 2)

	assert.Equal(t, int32(codes.OK), responses[0].Status.Code)
	assert.Equal(t, []byte("present"), responses[0].Data)
	assert.Equal(t, int32(codes.NotFound), responses[1].Status.Code)
}

func TestGetTree(t *testing.T) {
	i := newTestInstance(t)

	// leaf <- child <- root
	leaf := &repb.Directory{}
	leafDigest, err := i.PutMessage(leaf)
	require.NoError(t, err)

	child := &repb.Directory{Directories: []*repb.DirectoryNode{
		{Name: "leaf", Digest: leafDigest},
	}}
	childDigest, err := i.PutMessage(child)
	require.NoError(t, err)

	root := &repb.Directory{
		Files: []*repb.FileNode{
			{Name: "file.txt", Digest: upload(t, i, []byte("contents"))},
		},
		Directories: []*repb.DirectoryNode{
			{Name: "child", Digest: childDigest},
		},
	}
	rootDigest, err := i.PutMessage(root)
	require.NoError(t, err)

	directories, err := i.GetTree(rootDigest)
	require.NoError(t, err)
	require.Len(t, directories, 3)
	// Depth first, parents before children: root, child, leaf.
	assert.Equal(t, "child", directories[0].Directories[0].Name)
	assert.Equal(t, "leaf", directories[1].Directories[0].Name)
	assert.Empty(t, directories[2].Directories)
}

func TestGetTreeMissingDirectory(t *testing.T) {
	i := newTestInstance(t)
	_, err := i.GetTree(digest.FromBytes([]byte("no such directory")))
	assert.Error(t, err)
}
