// Package capabilities advertises what this server supports: SHA-256
// digests, the batch size ceiling, and whether each instance carries an
// action cache and execution.
package capabilities

import (
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/bazelbuild/remote-apis/build/bazel/semver"
)

// Instance describes one instance name's capability surface.
type Instance struct {
	hasActionCache     bool
	actionCacheUpdates bool
	hasExecution       bool
	batchSizeLimit     int64
}

// NewInstance creates a capabilities instance. batchSizeLimit must match
// what the CAS instance enforces.
func NewInstance(hasActionCache, actionCacheUpdates, hasExecution bool, batchSizeLimit int64) *Instance {
	return &Instance{
		hasActionCache:     hasActionCache,
		actionCacheUpdates: actionCacheUpdates,
		hasExecution:       hasExecution,
		batchSizeLimit:     batchSizeLimit,
	}
}

// ServerCapabilities assembles the full capabilities message.
func (i *Instance) ServerCapabilities() *repb.ServerCapabilities {
	return &repb.ServerCapabilities{
		CacheCapabilities: &repb.CacheCapabilities{
			DigestFunctions: []repb.DigestFunction_Value{repb.DigestFunction_SHA256},
			ActionCacheUpdateCapabilities: &repb.ActionCacheUpdateCapabilities{
				UpdateEnabled: i.hasActionCache && i.actionCacheUpdates,
			},
			MaxBatchTotalSizeBytes:      i.batchSizeLimit,
			SymlinkAbsolutePathStrategy: repb.SymlinkAbsolutePathStrategy_DISALLOWED,
		},
		ExecutionCapabilities: &repb.ExecutionCapabilities{
			DigestFunction: repb.DigestFunction_SHA256,
			ExecEnabled:    i.hasExecution,
		},
		LowApiVersion:  &semver.SemVer{Major: 2},
		HighApiVersion: &semver.SemVer{Major: 2},
	}
}
