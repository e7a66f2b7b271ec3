package capabilities

import (
	"testing"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerCapabilities(t *testing.T) {
	caps := NewInstance(true, true, true, 2_000_000).ServerCapabilities()

	require.NotNil(t, caps.CacheCapabilities)
	assert.Contains(t, caps.CacheCapabilities.DigestFunctions, repb.DigestFunction_SHA256)
	assert.True(t, caps.CacheCapabilities.ActionCacheUpdateCapabilities.UpdateEnabled)
	assert.EqualValues(t, 2_000_000, caps.CacheCapabilities.MaxBatchTotalSizeBytes)
	assert.Equal(t, repb.SymlinkAbsolutePathStrategy_DISALLOWED, caps.CacheCapabilities.SymlinkAbsolutePathStrategy)

	require.NotNil(t, caps.ExecutionCapabilities)
	assert.True(t, caps.ExecutionCapabilities.ExecEnabled)
	assert.Equal(t, repb.DigestFunction_SHA256, caps.ExecutionCapabilities.DigestFunction)

	assert.EqualValues(t, 2, caps.LowApiVersion.Major)
	assert.EqualValues(t, 2, caps.HighApiVersion.Major)
}

func TestCacheOnlyInstance(t *testing.T) {
	caps := NewInstance(true, false, false, 1024).ServerCapabilities()

	assert.False(t, caps.CacheCapabilities.ActionCacheUpdateCapabilities.UpdateEnabled)
	assert.False(t, caps.ExecutionCapabilities.ExecEnabled)
}
