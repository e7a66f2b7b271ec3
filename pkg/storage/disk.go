package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
)

// DiskStorage stores one file per blob under root/objects, sharded by the
// first two hex characters of the hash. Commits rename a temp file into
// place; concurrent writers of the same digest are safe because content
// equals identity. An optional byte cap evicts least recently accessed
// files (access time is tracked through mtime, refreshed on read).
type DiskStorage struct {
	objectsPath string
	tempPath    string
	maxBytes    int64
}

// NewDiskStorage creates a disk backend rooted at path. maxBytes of zero
// disables eviction.
func NewDiskStorage(path string, maxBytes int64) (*DiskStorage, error) {
	root, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve storage root: %w", err)
	}
	s := &DiskStorage{
		objectsPath: filepath.Join(root, "cas", "objects"),
		tempPath:    filepath.Join(root, "tmp"),
		maxBytes:    maxBytes,
	}
	if err := os.MkdirAll(s.objectsPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create objects directory: %w", err)
	}
	if err := os.MkdirAll(s.tempPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create temp directory: %w", err)
	}
	return s, nil
}

func (s *DiskStorage) objectPath(d *repb.Digest) string {
	return filepath.Join(s.objectsPath, d.Hash[:2], d.Hash[2:])
}

func (s *DiskStorage) HasBlob(d *repb.Digest) (bool, error) {
	_, err := os.Stat(s.objectPath(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
}

func (s *DiskStorage) GetBlob(d *repb.Digest) (io.ReadCloser, error) {
	path := s.objectPath(d)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errdefs.NotFoundf("blob %s not on disk", digest.String(d))
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	// Refresh access time so LRU eviction keeps hot blobs.
	now := time.Now()
	if err := os.Chtimes(path, now, now); err != nil {
		log.WithComponent("disk-storage").Debug().Err(err).Msg("failed to refresh blob access time")
	}
	return f, nil
}

func (s *DiskStorage) DeleteBlob(d *repb.Digest) error {
	if err := os.Remove(s.objectPath(d)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *DiskStorage) MissingBlobs(digests []*repb.Digest) ([]*repb.Digest, error) {
	return missingBlobs(s, digests)
}

func (s *DiskStorage) BulkUpdateBlobs(blobs []Blob) []*statuspb.Status {
	return bulkUpdate(s, blobs)
}

func (s *DiskStorage) BeginWrite(d *repb.Digest) (WriteSession, error) {
	f, err := os.CreateTemp(s.tempPath, "write-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return &fileSession{file: f}, nil
}

func (s *DiskStorage) CommitWrite(d *repb.Digest, ws WriteSession) error {
	session, ok := ws.(*fileSession)
	if !ok {
		return errdefs.InvalidArgumentf("write session does not belong to disk storage")
	}
	if err := session.file.Close(); err != nil {
		os.Remove(session.file.Name())
		return fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	path := s.objectPath(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		os.Remove(session.file.Name())
		return fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	if err := os.Rename(session.file.Name(), path); err != nil {
		os.Remove(session.file.Name())
		return fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	if s.maxBytes > 0 {
		s.evict()
	}
	return nil
}

// evict removes least recently accessed blobs until total size fits the cap.
func (s *DiskStorage) evict() {
	type entry struct {
		path  string
		size  int64
		atime time.Time
	}
	var entries []entry
	var total int64
	err := filepath.Walk(s.objectsPath, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		entries = append(entries, entry{path: path, size: info.Size(), atime: info.ModTime()})
		total += info.Size()
		return nil
	})
	if err != nil {
		log.WithComponent("disk-storage").Warn().Err(err).Msg("eviction scan failed")
		return
	}
	if total <= s.maxBytes {
		return
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].atime.Before(entries[j].atime) })
	for _, e := range entries {
		if total <= s.maxBytes {
			break
		}
		if err := os.Remove(e.path); err != nil {
			log.WithComponent("disk-storage").Warn().Err(err).Msg("failed to evict blob")
			continue
		}
		total -= e.size
	}
}

type fileSession struct {
	file *os.File
}

func (f *fileSession) Write(p []byte) (int, error) {
	return f.file.Write(p)
}

func (f *fileSession) Close() error {
	f.file.Close()
	if err := os.Remove(f.file.Name()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
