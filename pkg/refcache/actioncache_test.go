package refcache

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
)

func TestActionCacheRoundTrip(t *testing.T) {
	cache := NewActionCache(newCAS(t), 8, true)
	actionDigest := digest.FromBytes([]byte("action"))

	require.NoError(t, cache.UpdateActionResult(actionDigest, &repb.ActionResult{ExitCode: 0}))

	got, err := cache.GetActionResult(actionDigest)
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.ExitCode)
}

func TestActionCacheMiss(t *testing.T) {
	cache := NewActionCache(newCAS(t), 8, true)
	_, err := cache.GetActionResult(digest.FromBytes([]byte("never stored")))
	assert.True(t, errdefs.IsNotFound(err))
}

func TestFailedActionsDroppedWhenConfigured(t *testing.T) {
	cache := NewActionCache(newCAS(t), 8, false)
	actionDigest := digest.FromBytes([]byte("failing action"))

	// Dropping is silent, not an error.
	require.NoError(t, cache.UpdateActionResult(actionDigest, &repb.ActionResult{ExitCode: 1}))
	_, err := cache.GetActionResult(actionDigest)
	assert.Error(t, err)

	permissive := NewActionCache(newCAS(t), 8, true)
	require.NoError(t, permissive.UpdateActionResult(actionDigest, &repb.ActionResult{ExitCode: 1}))
	got, err := permissive.GetActionResult(actionDigest)
	require.NoError(t, err)
	assert.Equal(t, int32(1), got.ExitCode)
}

func TestWriteOnceRejectsSecondUpdate(t *testing.T) {
	cache := NewWriteOnceActionCache(NewActionCache(newCAS(t), 8, true))
	actionDigest := digest.FromBytes([]byte("write once"))

	require.NoError(t, cache.UpdateActionResult(actionDigest, &repb.ActionResult{ExitCode: 0}))

	err := cache.UpdateActionResult(actionDigest, &repb.ActionResult{ExitCode: 1})
	assert.ErrorIs(t, err, errdefs.ErrUpdateNotAllowed)

	// The original entry is untouched.
	got, err := cache.GetActionResult(actionDigest)
	require.NoError(t, err)
	assert.Equal(t, int32(0), got.ExitCode)
}
