package storage

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/buildhive/buildhive/pkg/digest"
)

func newWithCache(t *testing.T) (*WithCacheStorage, *MemoryStorage, *MemoryStorage) {
	t.Helper()
	cache := NewMemoryStorage(64)
	fallback := NewMemoryStorage(1 << 20)
	return NewWithCacheStorage(cache, fallback), cache, fallback
}

func TestWithCacheWriteLandsInBoth(t *testing.T) {
	s, cache, fallback := newWithCache(t)
	d := putBlob(t, s, []byte("everywhere"))

	assert.True(t, hasBlob(t, fallback, d))
	assert.True(t, hasBlob(t, cache, d))
}

func TestWithCacheReadPopulatesCache(t *testing.T) {
	s, cache, fallback := newWithCache(t)
	d := putBlob(t, fallback, []byte("fallback only"))
	assert.False(t, hasBlob(t, cache, d))

	data, err := GetBlobData(s, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("fallback only"), data)
	assert.True(t, hasBlob(t, cache, d))
}

func TestWithCachePresenceIsFallbackAuthoritative(t *testing.T) {
	s, cache, fallback := newWithCache(t)

	// A blob only in the cache must not be reported present.
	cacheOnly := putBlob(t, cache, []byte("stale"))
	assert.False(t, hasBlob(t, s, cacheOnly))

	missing, err := s.MissingBlobs([]*repb.Digest{cacheOnly})
	require.NoError(t, err)
	assert.Len(t, missing, 1)

	inBoth := putBlob(t, s, []byte("real"))
	assert.True(t, hasBlob(t, s, inBoth))
	_ = fallback
}

func TestWithCacheInvariantCacheSubsetOfFallback(t *testing.T) {
	s, cache, fallback := newWithCache(t)

	// Oversized for the cache but fine for the fallback: the write still
	// succeeds, cache just skips it.
	big := make([]byte, 100)
	d := putBlob(t, s, big)
	assert.True(t, hasBlob(t, fallback, d))
	assert.False(t, hasBlob(t, cache, d))
}

func TestWithCacheBulkUpdateOnlyCachesAccepted(t *testing.T) {
	s, cache, fallback := newWithCache(t)
	good := []byte("good")
	statuses := s.BulkUpdateBlobs([]Blob{
		{Digest: digest.FromBytes(good), Data: good},
		{Digest: digest.FromBytes([]byte("incorrect")), Data: []byte("some data")},
	})
	require.Len(t, statuses, 2)
	assert.Equal(t, int32(codes.OK), statuses[0].Code)
	assert.Equal(t, int32(codes.InvalidArgument), statuses[1].Code)

	assert.True(t, hasBlob(t, fallback, digest.FromBytes(good)))
	assert.True(t, hasBlob(t, cache, digest.FromBytes(good)))
	assert.False(t, hasBlob(t, cache, digest.FromBytes([]byte("incorrect"))))
}

func TestWithCacheDeleteRemovesFromBoth(t *testing.T) {
	s, cache, fallback := newWithCache(t)
	d := putBlob(t, s, []byte("doomed"))

	require.NoError(t, s.DeleteBlob(d))
	assert.False(t, hasBlob(t, cache, d))
	assert.False(t, hasBlob(t, fallback, d))
}
