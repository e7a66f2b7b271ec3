package storage

import (
	"bytes"
	"io"
	"math"
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/hashicorp/golang-lru/simplelru"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
)

// MemoryStorage keeps blobs in memory under a byte budget, evicting the
// least recently used blobs when a write would exceed it. Reads and writes
// both refresh recency. A blob larger than the whole budget is rejected at
// BeginWrite.
type MemoryStorage struct {
	mu     sync.Mutex
	limit  int64
	stored int64
	lru    *simplelru.LRU
}

// NewMemoryStorage creates an in-memory backend with the given byte budget.
func NewMemoryStorage(limit int64) *MemoryStorage {
	s := &MemoryStorage{limit: limit}
	// Count-based eviction is disabled; the byte budget drives eviction.
	lru, err := simplelru.NewLRU(math.MaxInt32, func(key interface{}, value interface{}) {
		s.stored -= int64(len(value.([]byte)))
	})
	if err != nil {
		panic(err)
	}
	s.lru = lru
	return s
}

func (s *MemoryStorage) HasBlob(d *repb.Digest) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lru.Get(digest.Key(d))
	return ok, nil
}

func (s *MemoryStorage) GetBlob(d *repb.Digest) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := s.lru.Get(digest.Key(d))
	if !ok {
		return nil, errdefs.NotFoundf("blob %s not in memory storage", digest.String(d))
	}
	return io.NopCloser(bytes.NewReader(value.([]byte))), nil
}

func (s *MemoryStorage) DeleteBlob(d *repb.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(digest.Key(d))
	return nil
}

func (s *MemoryStorage) MissingBlobs(digests []*repb.Digest) ([]*repb.Digest, error) {
	return missingBlobs(s, digests)
}

func (s *MemoryStorage) BulkUpdateBlobs(blobs []Blob) []*statuspb.Status {
	return bulkUpdate(s, blobs)
}

func (s *MemoryStorage) BeginWrite(d *repb.Digest) (WriteSession, error) {
	if d.GetSizeBytes() > s.limit {
		return nil, errdefs.InvalidArgumentf("blob size %d exceeds storage limit %d", d.GetSizeBytes(), s.limit)
	}
	return &bufferSession{}, nil
}

func (s *MemoryStorage) CommitWrite(d *repb.Digest, ws WriteSession) error {
	session, ok := ws.(*bufferSession)
	if !ok {
		return errdefs.InvalidArgumentf("write session does not belong to memory storage")
	}
	data := session.buf.Bytes()

	s.mu.Lock()
	defer s.mu.Unlock()
	key := digest.Key(d)
	if _, ok := s.lru.Get(key); ok {
		// Content equals identity, so an existing entry only needs its
		// recency refreshed (done by Get above).
		return nil
	}
	s.lru.Add(key, data)
	s.stored += int64(len(data))
	for s.stored > s.limit {
		s.lru.RemoveOldest()
	}
	return nil
}

// Bytes returns the current number of stored bytes.
func (s *MemoryStorage) Bytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stored
}

type bufferSession struct {
	buf bytes.Buffer
}

func (b *bufferSession) Write(p []byte) (int, error) {
	return b.buf.Write(p)
}

func (b *bufferSession) Close() error {
	b.buf.Reset()
	return nil
}
