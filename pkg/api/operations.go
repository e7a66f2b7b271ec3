package api

import (
	"context"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	"google.golang.org/protobuf/types/known/emptypb"

	"github.com/buildhive/buildhive/pkg/errdefs"
)

// operationsService exposes the long-running-operations view of jobs.
// Operation names are UUIDs without an instance prefix, so requests are
// resolved by probing each execution instance.
type operationsService struct {
	longrunningpb.UnimplementedOperationsServer
	server *Server
}

func (s *operationsService) GetOperation(ctx context.Context, req *longrunningpb.GetOperationRequest) (*longrunningpb.Operation, error) {
	for _, inst := range s.server.opsInstances {
		op, err := inst.GetOperation(req.Name)
		if err == nil {
			return op, nil
		}
	}
	return nil, errdefs.ToStatus(errdefs.NotFoundf("operation %q", req.Name))
}

func (s *operationsService) ListOperations(ctx context.Context, req *longrunningpb.ListOperationsRequest) (*longrunningpb.ListOperationsResponse, error) {
	var ops []*longrunningpb.Operation
	for _, inst := range s.server.opsInstances {
		ops = append(ops, inst.ListOperations()...)
	}
	return &longrunningpb.ListOperationsResponse{Operations: ops}, nil
}

func (s *operationsService) CancelOperation(ctx context.Context, req *longrunningpb.CancelOperationRequest) (*emptypb.Empty, error) {
	for _, inst := range s.server.opsInstances {
		if err := inst.CancelOperation(req.Name); err == nil {
			return &emptypb.Empty{}, nil
		}
	}
	return nil, errdefs.ToStatus(errdefs.NotFoundf("operation %q", req.Name))
}

func (s *operationsService) DeleteOperation(ctx context.Context, req *longrunningpb.DeleteOperationRequest) (*emptypb.Empty, error) {
	for _, inst := range s.server.opsInstances {
		if err := inst.DeleteOperation(req.Name); err == nil {
			return &emptypb.Empty{}, nil
		}
	}
	return nil, errdefs.ToStatus(errdefs.NotFoundf("operation %q", req.Name))
}
