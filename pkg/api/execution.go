package api

import (
	"context"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/job"
)

// executionService streams operation updates for Execute and
// WaitExecution.
type executionService struct {
	repb.UnimplementedExecutionServer
	server *Server
}

func (s *executionService) Execute(req *repb.ExecuteRequest, stream repb.Execution_ExecuteServer) error {
	inst, err := s.server.executionInstance(req.InstanceName)
	if err != nil {
		return errdefs.ToStatus(err)
	}
	operationName, sub, err := inst.Execute(req.ActionDigest, req.SkipCacheLookup, req.GetExecutionPolicy().GetPriority())
	if err != nil {
		return errdefs.ToStatus(err)
	}
	defer inst.Unregister(operationName, sub)

	return streamOperationUpdates(stream.Context(), stream.Send, sub)
}

func (s *executionService) WaitExecution(req *repb.WaitExecutionRequest, stream repb.Execution_WaitExecutionServer) error {
	// Operation names are UUIDs, so the lookup is unambiguous across
	// instances.
	for _, inst := range s.server.execInstances {
		sub, err := inst.WaitExecution(req.Name)
		if err != nil {
			continue
		}
		defer inst.Unregister(req.Name, sub)
		return streamOperationUpdates(stream.Context(), stream.Send, sub)
	}
	return errdefs.ToStatus(errdefs.NotFoundf("operation %q", req.Name))
}

// streamOperationUpdates forwards subscriber updates until the operation
// finishes or the client goes away. Disconnecting does not cancel the
// operation; a closed update channel means the subscriber was dropped for
// falling behind.
func streamOperationUpdates(ctx context.Context, send func(*longrunningpb.Operation) error, sub *job.Subscriber) error {
	for {
		select {
		case op, ok := <-sub.Updates():
			if !ok {
				return status.Error(codes.ResourceExhausted, "client cannot keep up with operation updates")
			}
			if err := send(op); err != nil {
				return err
			}
			if op.Done {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
