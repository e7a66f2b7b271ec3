package refcache

import (
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/storage"
)

// ActionCache maps action digests to their results. Results referencing
// blobs that have been evicted from CAS are treated as absent.
type ActionCache struct {
	refs *ReferenceCache

	// cacheFailedActions controls whether results with a non-zero exit
	// code are stored at all.
	cacheFailedActions bool
}

// NewActionCache creates an action cache over the given CAS backend with at
// most maxCachedActions entries.
func NewActionCache(cas storage.Storage, maxCachedActions int, cacheFailedActions bool) *ActionCache {
	return &ActionCache{
		refs:               NewReferenceCache(cas, maxCachedActions, true),
		cacheFailedActions: cacheFailedActions,
	}
}

// GetActionResult returns the cached result for an action digest, or
// errdefs.ErrNotFound.
func (c *ActionCache) GetActionResult(actionDigest *repb.Digest) (*repb.ActionResult, error) {
	result := &repb.ActionResult{}
	if err := c.refs.Get(digest.Key(actionDigest), result); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateActionResult stores a result for an action digest. Results of
// failed actions are silently dropped unless cacheFailedActions is set.
func (c *ActionCache) UpdateActionResult(actionDigest *repb.Digest, result *repb.ActionResult) error {
	if !c.cacheFailedActions && result.GetExitCode() != 0 {
		log.WithComponent("action-cache").Debug().
			Str("digest", digest.String(actionDigest)).
			Int32("exit_code", result.GetExitCode()).
			Msg("not caching failed action result")
		return nil
	}
	return c.refs.Update(digest.Key(actionDigest), result)
}

// Cache is the surface shared by ActionCache and WriteOnceActionCache.
type Cache interface {
	GetActionResult(actionDigest *repb.Digest) (*repb.ActionResult, error)
	UpdateActionResult(actionDigest *repb.Digest, result *repb.ActionResult) error
}

// WriteOnceActionCache rejects updates for action digests that already have
// a cached result. Lookups pass through unchanged.
type WriteOnceActionCache struct {
	inner Cache
}

// NewWriteOnceActionCache wraps an action cache with write-once semantics.
func NewWriteOnceActionCache(inner Cache) *WriteOnceActionCache {
	return &WriteOnceActionCache{inner: inner}
}

func (c *WriteOnceActionCache) GetActionResult(actionDigest *repb.Digest) (*repb.ActionResult, error) {
	return c.inner.GetActionResult(actionDigest)
}

func (c *WriteOnceActionCache) UpdateActionResult(actionDigest *repb.Digest, result *repb.ActionResult) error {
	if _, err := c.inner.GetActionResult(actionDigest); err == nil {
		log.WithComponent("action-cache").Warn().
			Str("digest", digest.String(actionDigest)).
			Msg("result already cached, refusing overwrite")
		return errdefs.ErrUpdateNotAllowed
	}
	return c.inner.UpdateActionResult(actionDigest, result)
}
