package storage

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/buildhive/buildhive/pkg/digest"
)

func putBlob(t *testing.T, s Storage, data []byte) *repb.Digest {
	t.Helper()
	d := digest.FromBytes(data)
	ws, err := s.BeginWrite(d)
	require.NoError(t, err)
	_, err = ws.Write(data)
	require.NoError(t, err)
	require.NoError(t, s.CommitWrite(d, ws))
	return d
}

func hasBlob(t *testing.T, s Storage, d *repb.Digest) bool {
	t.Helper()
	ok, err := s.HasBlob(d)
	require.NoError(t, err)
	return ok
}

func TestMemoryRoundTrip(t *testing.T) {
	s := NewMemoryStorage(1024)
	d := putBlob(t, s, []byte("hello"))

	assert.True(t, hasBlob(t, s, d))
	data, err := GetBlobData(s, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, int64(5), s.Bytes())
}

func TestMemoryEvictsLeastRecentlyUsed(t *testing.T) {
	s := NewMemoryStorage(10)
	a := putBlob(t, s, []byte("aaaa"))
	b := putBlob(t, s, []byte("bbbb"))

	// Touch a so b becomes the eviction candidate.
	_, err := GetBlobData(s, a)
	require.NoError(t, err)

	c := putBlob(t, s, []byte("cccc"))
	assert.True(t, hasBlob(t, s, a))
	assert.False(t, hasBlob(t, s, b))
	assert.True(t, hasBlob(t, s, c))
	assert.LessOrEqual(t, s.Bytes(), int64(10))
}

func TestMemoryByteBudgetInvariant(t *testing.T) {
	s := NewMemoryStorage(16)
	blobs := [][]byte{
		[]byte("one"), []byte("twotwo"), []byte("three33"),
		[]byte("4444"), []byte("five5five5"), []byte("6"),
	}
	for _, blob := range blobs {
		putBlob(t, s, blob)
		assert.LessOrEqual(t, s.Bytes(), int64(16))
	}
}

func TestMemoryRejectsOverBudgetBlob(t *testing.T) {
	s := NewMemoryStorage(4)
	d := digest.FromBytes([]byte("too large"))
	_, err := s.BeginWrite(d)
	assert.Error(t, err)
}

func TestMemoryRepeatedCommitIsNoOp(t *testing.T) {
	s := NewMemoryStorage(64)
	d := putBlob(t, s, []byte("same"))
	putBlob(t, s, []byte("same"))
	assert.Equal(t, int64(4), s.Bytes())
	assert.True(t, hasBlob(t, s, d))
}

func TestMemoryDeleteIdempotent(t *testing.T) {
	s := NewMemoryStorage(64)
	d := putBlob(t, s, []byte("gone"))
	require.NoError(t, s.DeleteBlob(d))
	require.NoError(t, s.DeleteBlob(d))
	assert.False(t, hasBlob(t, s, d))
	assert.Zero(t, s.Bytes())
}

func TestBulkUpdateMixedResults(t *testing.T) {
	s := NewMemoryStorage(1024)
	good := []byte("valid")
	statuses := s.BulkUpdateBlobs([]Blob{
		{Digest: digest.FromBytes(good), Data: good},
		{Digest: digest.FromBytes([]byte("incorrect")), Data: []byte("some data")},
	})
	require.Len(t, statuses, 2)
	assert.Equal(t, int32(codes.OK), statuses[0].Code)
	assert.Equal(t, int32(codes.InvalidArgument), statuses[1].Code)
}

func TestMissingBlobs(t *testing.T) {
	s := NewMemoryStorage(1024)
	present := putBlob(t, s, []byte("present"))
	absent := digest.FromBytes([]byte("absent"))

	missing, err := s.MissingBlobs([]*repb.Digest{present, absent})
	require.NoError(t, err)
	require.Len(t, missing, 1)
	assert.True(t, digest.Equal(absent, missing[0]))
}
