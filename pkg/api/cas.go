package api

import (
	"context"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// casService exposes the batch CAS operations, routed by instance name.
type casService struct {
	repb.UnimplementedContentAddressableStorageServer
	server *Server
}

func (s *casService) FindMissingBlobs(ctx context.Context, req *repb.FindMissingBlobsRequest) (*repb.FindMissingBlobsResponse, error) {
	inst, err := s.server.casInstance(req.InstanceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	missing, err := inst.FindMissingBlobs(req.BlobDigests)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return &repb.FindMissingBlobsResponse{MissingBlobDigests: missing}, nil
}

func (s *casService) BatchUpdateBlobs(ctx context.Context, req *repb.BatchUpdateBlobsRequest) (*repb.BatchUpdateBlobsResponse, error) {
	inst, err := s.server.casInstance(req.InstanceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	responses, err := inst.BatchUpdateBlobs(req.Requests)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return &repb.BatchUpdateBlobsResponse{Responses: responses}, nil
}

func (s *casService) BatchReadBlobs(ctx context.Context, req *repb.BatchReadBlobsRequest) (*repb.BatchReadBlobsResponse, error) {
	inst, err := s.server.casInstance(req.InstanceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	responses, err := inst.BatchReadBlobs(req.Digests)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return &repb.BatchReadBlobsResponse{Responses: responses}, nil
}

func (s *casService) GetTree(req *repb.GetTreeRequest, stream repb.ContentAddressableStorage_GetTreeServer) error {
	inst, err := s.server.casInstance(req.InstanceName)
	if err != nil {
		return errdefs.ToStatus(err)
	}
	directories, err := inst.GetTree(req.RootDigest)
	if err != nil {
		return errdefs.ToStatus(err)
	}

	pageSize := int(req.PageSize)
	if pageSize <= 0 {
		pageSize = len(directories)
	}
	for start := 0; start < len(directories); start += pageSize {
		end := start + pageSize
		if end > len(directories) {
			end = len(directories)
		}
		if err := stream.Send(&repb.GetTreeResponse{Directories: directories[start:end]}); err != nil {
			return err
		}
	}
	return nil
}
