// Package cas implements the server-side content-addressable storage
// surface: the batch CAS operations and the ByteStream adapter for blobs
// too large to batch.
package cas

import (
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/log"
	"github.com/buildhive/buildhive/pkg/merkle"
	"github.com/buildhive/buildhive/pkg/metrics"
	"github.com/buildhive/buildhive/pkg/storage"
)

// DefaultBatchSizeLimit caps the total payload of one batch request. The
// same value is advertised through the Capabilities service.
const DefaultBatchSizeLimit = 2_000_000

// Instance serves the CAS operations of one instance name over a backend.
type Instance struct {
	storage    storage.Storage
	batchLimit int64
}

// NewInstance creates a CAS instance over the given backend.
func NewInstance(s storage.Storage) *Instance {
	return &Instance{storage: s, batchLimit: DefaultBatchSizeLimit}
}

// BatchSizeLimit returns the total-size ceiling for batch operations.
func (i *Instance) BatchSizeLimit() int64 { return i.batchLimit }

// Storage exposes the backing store for composition with other services.
func (i *Instance) Storage() storage.Storage { return i.storage }

// FindMissingBlobs returns the subset of the queried digests the backend
// does not hold.
func (i *Instance) FindMissingBlobs(digests []*repb.Digest) ([]*repb.Digest, error) {
	for _, d := range digests {
		if err := digest.Validate(d); err != nil {
			return nil, err
		}
	}
	return i.storage.MissingBlobs(digests)
}

// BatchUpdateBlobs stores a set of small blobs in one round trip. Items
// fail independently; the whole request is rejected only when its total
// payload exceeds the batch ceiling.
func (i *Instance) BatchUpdateBlobs(requests []*repb.BatchUpdateBlobsRequest_Request) ([]*repb.BatchUpdateBlobsResponse_Response, error) {
	var total int64
	blobs := make([]storage.Blob, len(requests))
	for idx, req := range requests {
		if err := digest.Validate(req.Digest); err != nil {
			return nil, err
		}
		total += int64(len(req.Data))
		blobs[idx] = storage.Blob{Digest: req.Digest, Data: req.Data}
	}
	if total > i.batchLimit {
		return nil, errdefs.InvalidArgumentf("batch size %d exceeds limit %d", total, i.batchLimit)
	}

	statuses := i.storage.BulkUpdateBlobs(blobs)
	responses := make([]*repb.BatchUpdateBlobsResponse_Response, len(requests))
	for idx, req := range requests {
		responses[idx] = &repb.BatchUpdateBlobsResponse_Response{
			Digest: req.Digest,
			Status: statuses[idx],
		}
		if statuses[idx].GetCode() == int32(codes.OK) {
			metrics.CASBlobsUploaded.Inc()
		}
	}
	return responses, nil
}

// BatchReadBlobs fetches a set of small blobs in one round trip. Absent
// blobs report NOT_FOUND per item.
func (i *Instance) BatchReadBlobs(digests []*repb.Digest) ([]*repb.BatchReadBlobsResponse_Response, error) {
	var total int64
	for _, d := range digests {
		if err := digest.Validate(d); err != nil {
			return nil, err
		}
		total += d.SizeBytes
	}
	if total > i.batchLimit {
		return nil, errdefs.InvalidArgumentf("batch size %d exceeds limit %d", total, i.batchLimit)
	}

	responses := make([]*repb.BatchReadBlobsResponse_Response, len(digests))
	for idx, d := range digests {
		data, err := storage.GetBlobData(i.storage, d)
		if err != nil {
			code := codes.Internal
			if errdefs.IsNotFound(err) {
				code = codes.NotFound
			}
			responses[idx] = &repb.BatchReadBlobsResponse_Response{
				Digest: d,
				Status: &statuspb.Status{Code: int32(code), Message: err.Error()},
			}
			continue
		}
		responses[idx] = &repb.BatchReadBlobsResponse_Response{
			Digest: d,
			Data:   data,
			Status: &statuspb.Status{Code: int32(codes.OK)},
		}
	}
	return responses, nil
}

// GetTree walks the directory tree below a root digest and returns every
// Directory message, root first. Missing directories abort the walk with
// NOT_FOUND.
func (i *Instance) GetTree(rootDigest *repb.Digest) ([]*repb.Directory, error) {
	if err := digest.Validate(rootDigest); err != nil {
		return nil, err
	}
	var directories []*repb.Directory
	err := merkle.Walk(rootDigest, i.fetchDirectory, func(d *repb.Digest, dir *repb.Directory) error {
		directories = append(directories, dir)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return directories, nil
}

func (i *Instance) fetchDirectory(d *repb.Digest) (*repb.Directory, error) {
	dir := &repb.Directory{}
	if err := storage.GetMessage(i.storage, d, dir); err != nil {
		return nil, err
	}
	return dir, nil
}

// PutMessage stores a protobuf message as a blob, used by services layered
// on the CAS.
func (i *Instance) PutMessage(msg proto.Message) (*repb.Digest, error) {
	d, err := storage.PutMessage(i.storage, msg)
	if err != nil {
		return nil, err
	}
	log.WithComponent("cas").Debug().Str("digest", digest.String(d)).Msg("stored message blob")
	return d, nil
}
