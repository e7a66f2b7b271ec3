package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive/buildhive/pkg/digest"
)

func TestDiskRoundTrip(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir(), 0)
	require.NoError(t, err)

	d := putBlob(t, s, []byte("on disk"))
	assert.True(t, hasBlob(t, s, d))

	data, err := GetBlobData(s, d)
	require.NoError(t, err)
	assert.Equal(t, []byte("on disk"), data)
}

func TestDiskLayoutShardsByHashPrefix(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskStorage(root, 0)
	require.NoError(t, err)

	d := putBlob(t, s, []byte("sharded"))
	path := filepath.Join(root, "cas", "objects", d.Hash[:2], d.Hash[2:])
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestDiskMissingBlob(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir(), 0)
	require.NoError(t, err)

	_, err = s.GetBlob(digest.FromBytes([]byte("never written")))
	assert.Error(t, err)
}

func TestDiskDeleteIdempotent(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir(), 0)
	require.NoError(t, err)

	d := putBlob(t, s, []byte("temporary"))
	require.NoError(t, s.DeleteBlob(d))
	require.NoError(t, s.DeleteBlob(d))
	assert.False(t, hasBlob(t, s, d))
}

func TestDiskAbandonedSessionLeavesNoObject(t *testing.T) {
	root := t.TempDir()
	s, err := NewDiskStorage(root, 0)
	require.NoError(t, err)

	d := digest.FromBytes([]byte("abandoned"))
	ws, err := s.BeginWrite(d)
	require.NoError(t, err)
	_, err = ws.Write([]byte("abandoned"))
	require.NoError(t, err)
	require.NoError(t, ws.Close())

	assert.False(t, hasBlob(t, s, d))
	entries, err := os.ReadDir(filepath.Join(root, "tmp"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDiskEvictionDropsOldestAccess(t *testing.T) {
	s, err := NewDiskStorage(t.TempDir(), 10)
	require.NoError(t, err)

	a := putBlob(t, s, []byte("aaaa"))
	// File mtimes need to differ for eviction order to be observable.
	time.Sleep(20 * time.Millisecond)
	b := putBlob(t, s, []byte("bbbb"))
	time.Sleep(20 * time.Millisecond)

	// Reading a refreshes its access time, leaving b as the candidate.
	_, err = GetBlobData(s, a)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)

	putBlob(t, s, []byte("cccc"))

	assert.True(t, hasBlob(t, s, a))
	assert.False(t, hasBlob(t, s, b))
}
