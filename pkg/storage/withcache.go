package storage

import (
	"bytes"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
)

// WithCacheStorage layers a fast cache backend over an authoritative
// fallback. Reads populate the cache on miss; writes go to both but only
// the fallback commit decides success. Presence queries always ask the
// fallback, so a blob in the cache is always also in the fallback.
type WithCacheStorage struct {
	cache    Storage
	fallback Storage
}

// NewWithCacheStorage composes a cache and a fallback backend.
func NewWithCacheStorage(cache, fallback Storage) *WithCacheStorage {
	return &WithCacheStorage{cache: cache, fallback: fallback}
}

func (s *WithCacheStorage) HasBlob(d *repb.Digest) (bool, error) {
	return s.fallback.HasBlob(d)
}

func (s *WithCacheStorage) GetBlob(d *repb.Digest) (io.ReadCloser, error) {
	if r, err := s.cache.GetBlob(d); err == nil {
		return r, nil
	}
	data, err := GetBlobData(s.fallback, d)
	if err != nil {
		return nil, err
	}
	s.populate(d, data)
	return io.NopCloser(bytes.NewReader(data)), nil
}

// populate copies a blob read from the fallback into the cache. Cache
// failures are not fatal; the fallback stays authoritative.
func (s *WithCacheStorage) populate(d *repb.Digest, data []byte) {
	ws, err := s.cache.BeginWrite(d)
	if err != nil {
		log.WithComponent("with-cache").Debug().Err(err).Str("digest", digest.String(d)).Msg("cache write rejected")
		return
	}
	if _, err := ws.Write(data); err != nil {
		ws.Close()
		return
	}
	if err := s.cache.CommitWrite(d, ws); err != nil {
		log.WithComponent("with-cache").Debug().Err(err).Str("digest", digest.String(d)).Msg("cache commit failed")
	}
}

func (s *WithCacheStorage) DeleteBlob(d *repb.Digest) error {
	if err := s.cache.DeleteBlob(d); err != nil {
		log.WithComponent("with-cache").Debug().Err(err).Str("digest", digest.String(d)).Msg("cache delete failed")
	}
	return s.fallback.DeleteBlob(d)
}

func (s *WithCacheStorage) MissingBlobs(digests []*repb.Digest) ([]*repb.Digest, error) {
	return s.fallback.MissingBlobs(digests)
}

func (s *WithCacheStorage) BulkUpdateBlobs(blobs []Blob) []*statuspb.Status {
	// The fallback decides per-item success; only blobs it accepted are
	// copied into the cache.
	statuses := s.fallback.BulkUpdateBlobs(blobs)
	var accepted []Blob
	for i, st := range statuses {
		if st.GetCode() == 0 {
			accepted = append(accepted, blobs[i])
		}
	}
	if len(accepted) > 0 {
		s.cache.BulkUpdateBlobs(accepted)
	}
	return statuses
}

func (s *WithCacheStorage) BeginWrite(d *repb.Digest) (WriteSession, error) {
	fallbackSession, err := s.fallback.BeginWrite(d)
	if err != nil {
		return nil, err
	}
	cacheSession, err := s.cache.BeginWrite(d)
	if err != nil {
		// The cache cannot take this blob (e.g. over its size limit);
		// keep writing to the fallback only.
		cacheSession = nil
	}
	return &teeSession{cache: cacheSession, fallback: fallbackSession}, nil
}

func (s *WithCacheStorage) CommitWrite(d *repb.Digest, ws WriteSession) error {
	session, ok := ws.(*teeSession)
	if !ok {
		return errdefs.InvalidArgumentf("write session does not belong to with-cache storage")
	}
	// Fallback commits first: the cache must never hold a blob the
	// fallback has not stored.
	if err := s.fallback.CommitWrite(d, session.fallback); err != nil {
		if session.cache != nil {
			session.cache.Close()
		}
		return err
	}
	if session.cache != nil {
		if err := s.cache.CommitWrite(d, session.cache); err != nil {
			log.WithComponent("with-cache").Debug().Err(err).Str("digest", digest.String(d)).Msg("cache commit failed")
		}
	}
	return nil
}

type teeSession struct {
	cache    WriteSession
	fallback WriteSession
}

func (t *teeSession) Write(p []byte) (int, error) {
	if t.cache != nil {
		if _, err := t.cache.Write(p); err != nil {
			t.cache.Close()
			t.cache = nil
		}
	}
	return t.fallback.Write(p)
}

func (t *teeSession) Close() error {
	if t.cache != nil {
		t.cache.Close()
	}
	return t.fallback.Close()
}
