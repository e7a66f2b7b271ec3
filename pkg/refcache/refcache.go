// Package refcache provides CAS-validated reference caches.
//
// A reference cache is a bounded key to message mapping with LRU eviction.
// Stored messages live in CAS; the cache only keeps their digests. On
// lookup every digest reachable from the stored message is checked against
// CAS, and the entry is dropped if any referenced blob has gone away.
package refcache

import (
	"sync"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/hashicorp/golang-lru/simplelru"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/storage"
)

// ReferenceCache maps keys to protobuf messages stored in CAS, bounded to
// maxCachedRefs entries with LRU eviction. A maxCachedRefs of zero disables
// caching entirely: puts are dropped and gets always miss.
type ReferenceCache struct {
	mu           sync.Mutex
	storage      storage.Storage
	maxCached    int
	allowUpdates bool
	digests      *simplelru.LRU
}

// NewReferenceCache creates a reference cache over the given CAS backend.
func NewReferenceCache(cas storage.Storage, maxCachedRefs int, allowUpdates bool) *ReferenceCache {
	c := &ReferenceCache{
		storage:      cas,
		maxCached:    maxCachedRefs,
		allowUpdates: allowUpdates,
	}
	if maxCachedRefs > 0 {
		lru, err := simplelru.NewLRU(maxCachedRefs, nil)
		if err != nil {
			panic(err)
		}
		c.digests = lru
	}
	return c
}

// AllowUpdates reports whether Update calls are permitted.
func (c *ReferenceCache) AllowUpdates() bool {
	return c.allowUpdates
}

// Update stores msg in CAS and records its digest under key, evicting the
// least recently used entry if the cache is full.
func (c *ReferenceCache) Update(key string, msg proto.Message) error {
	if !c.allowUpdates {
		return errdefs.ErrUpdateNotAllowed
	}
	if c.maxCached == 0 {
		return nil
	}
	d, err := storage.PutMessage(c.storage, msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.digests.Add(key, d)
	c.mu.Unlock()
	return nil
}

// Get loads the message stored under key into msg. The entry is evicted
// and the lookup misses if the message blob, or any blob it references, is
// no longer in CAS.
func (c *ReferenceCache) Get(key string, msg proto.Message) error {
	c.mu.Lock()
	if c.maxCached == 0 {
		c.mu.Unlock()
		return errdefs.NotFoundf("key %q not cached", key)
	}
	value, ok := c.digests.Get(key)
	c.mu.Unlock()
	if !ok {
		return errdefs.NotFoundf("key %q not cached", key)
	}
	d := value.(*repb.Digest)

	// CAS I/O happens outside the cache lock.
	if err := storage.GetMessage(c.storage, d, msg); err != nil {
		c.evict(key)
		return errdefs.NotFoundf("key %q no longer valid", key)
	}
	ok, err := c.referencedBlobsExist(msg)
	if err != nil {
		return err
	}
	if !ok {
		c.evict(key)
		return errdefs.NotFoundf("key %q no longer valid", key)
	}
	return nil
}

func (c *ReferenceCache) evict(key string) {
	c.mu.Lock()
	c.digests.Remove(key)
	c.mu.Unlock()
}

// referencedBlobsExist checks CAS for every digest reachable from msg.
// ActionResult output files, output directory trees with their file nodes,
// and stdout/stderr digests are all followed.
func (c *ReferenceCache) referencedBlobsExist(msg proto.Message) (bool, error) {
	result, ok := msg.(*repb.ActionResult)
	if !ok {
		return true, nil
	}

	var needed []*repb.Digest
	for _, file := range result.OutputFiles {
		needed = append(needed, file.Digest)
	}
	for _, dir := range result.OutputDirectories {
		needed = append(needed, dir.TreeDigest)
		tree := &repb.Tree{}
		if err := storage.GetMessage(c.storage, dir.TreeDigest, tree); err != nil {
			return false, nil
		}
		for _, node := range tree.GetRoot().GetFiles() {
			needed = append(needed, node.Digest)
		}
		for _, child := range tree.Children {
			for _, node := range child.Files {
				needed = append(needed, node.Digest)
			}
		}
	}
	if result.StdoutDigest.GetHash() != "" && len(result.StdoutRaw) == 0 {
		needed = append(needed, result.StdoutDigest)
	}
	if result.StderrDigest.GetHash() != "" && len(result.StderrRaw) == 0 {
		needed = append(needed, result.StderrDigest)
	}

	missing, err := c.storage.MissingBlobs(needed)
	if err != nil {
		return false, err
	}
	return len(missing) == 0, nil
}
