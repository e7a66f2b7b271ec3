package api

import (
	"context"
	"io"

	bspb "google.golang.org/genproto/googleapis/bytestream"

	"github.com/buildhive/buildhive/pkg/cas"
	"github.com/buildhive/buildhive/pkg/errdefs"
)

// byteStreamService adapts streamed blob reads and writes onto the CAS
// instances. The instance name is carried inside the resource name.
type byteStreamService struct {
	bspb.UnimplementedByteStreamServer
	server *Server
}

func (s *byteStreamService) Read(req *bspb.ReadRequest, stream bspb.ByteStream_ReadServer) error {
	instanceName, d, err := cas.ParseReadResource(req.ResourceName)
	if err != nil {
		return errdefs.ToStatus(err)
	}
	inst, err := s.server.casInstance(instanceName)
	if err != nil {
		return errdefs.ToStatus(err)
	}

	err = inst.ReadBlob(d, req.ReadOffset, req.ReadLimit, func(data []byte) error {
		return stream.Send(&bspb.ReadResponse{Data: data})
	})
	return errdefs.ToStatus(err)
}

func (s *byteStreamService) Write(stream bspb.ByteStream_WriteServer) error {
	var writer *cas.StreamWriter

	for {
		req, err := stream.Recv()
		if err == io.EOF {
			if writer != nil {
				writer.Abort()
			}
			return errdefs.ToStatus(errdefs.InvalidArgumentf("stream closed without finish_write"))
		}
		if err != nil {
			if writer != nil {
				writer.Abort()
			}
			return err
		}

		if writer == nil {
			instanceName, d, err := cas.ParseWriteResource(req.ResourceName)
			if err != nil {
				return errdefs.ToStatus(err)
			}
			inst, err := s.server.casInstance(instanceName)
			if err != nil {
				return errdefs.ToStatus(err)
			}
			writer, err = inst.BeginStreamWrite(d)
			if err != nil {
				return errdefs.ToStatus(err)
			}
		}

		if req.WriteOffset != writer.Offset() {
			writer.Abort()
			return errdefs.ToStatus(errdefs.InvalidArgumentf(
				"write offset %d does not match received byte count %d", req.WriteOffset, writer.Offset()))
		}
		if err := writer.Write(req.Data); err != nil {
			writer.Abort()
			return errdefs.ToStatus(err)
		}

		if req.FinishWrite {
			committed, err := writer.Finish()
			if err != nil {
				return errdefs.ToStatus(err)
			}
			return stream.SendAndClose(&bspb.WriteResponse{CommittedSize: committed})
		}
	}
}

func (s *byteStreamService) QueryWriteStatus(ctx context.Context, req *bspb.QueryWriteStatusRequest) (*bspb.QueryWriteStatusResponse, error) {
	instanceName, d, err := cas.ParseWriteResource(req.ResourceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	inst, err := s.server.casInstance(instanceName)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	committed, complete, err := inst.QueryWriteStatus(d)
	if err != nil {
		return nil, errdefs.ToStatus(err)
	}
	return &bspb.QueryWriteStatusResponse{
		CommittedSize: committed,
		Complete:      complete,
	}, nil
}
