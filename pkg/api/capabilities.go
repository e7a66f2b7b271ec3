package api

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// capabilitiesService advertises per-instance capabilities.
type capabilitiesService struct {
	repb.UnimplementedCapabilitiesServer
	server *Server
}

func (s *capabilitiesService) GetCapabilities(ctx context.Context, req *repb.GetCapabilitiesRequest) (*repb.ServerCapabilities, error) {
	inst, ok := s.server.capInstances[req.InstanceName]
	if !ok {
		return nil, errdefs.ToStatus(errdefs.InvalidArgumentf("unknown instance %q", req.InstanceName))
	}
	return inst.ServerCapabilities(), nil
}
