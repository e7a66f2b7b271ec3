package api

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// actionCacheService exposes the action cache, routed by instance name.
type actionCacheService struct {
	repb.UnimplementedActionCacheServer
	server *Server
}

func (s *actionCacheService) GetActionResult(ctx context.Context, req *repb.GetActionResultRequest) (*repb.ActionResult, error) {
	cache, err := s.server.actionCacheInstance(req.InstanceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	result, err := cache.GetActionResult(req.ActionDigest)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return result, nil
}

func (s *actionCacheService) UpdateActionResult(ctx context.Context, req *repb.UpdateActionResultRequest) (*repb.ActionResult, error) {
	cache, err := s.server.actionCacheInstance(req.InstanceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	if err := cache.UpdateActionResult(req.ActionDigest, req.ActionResult); err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return req.ActionResult, nil
}
