// Package storage provides the content-addressable blob store backends.
//
// All backends implement the same Storage interface; WithCache composes two
// of them. Callers are responsible for verifying that streamed data matches
// the declared digest before CommitWrite; BulkUpdateBlobs verifies each item
// itself.
package storage

import (
	"fmt"
	"io"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
)

// Blob pairs a digest with its content for bulk updates.
type Blob struct {
	Digest *repb.Digest
	Data   []byte
}

// WriteSession accumulates the content of one blob between BeginWrite and
// CommitWrite. Close discards a session that was not committed.
type WriteSession interface {
	io.Writer
	Close() error
}

// Storage is the capability set shared by every CAS backend.
type Storage interface {
	// HasBlob reports whether the blob exists.
	HasBlob(d *repb.Digest) (bool, error)

	// GetBlob returns a reader over the blob content, or
	// errdefs.ErrNotFound if absent.
	GetBlob(d *repb.Digest) (io.ReadCloser, error)

	// DeleteBlob removes the blob. Deleting an absent blob is not an error.
	DeleteBlob(d *repb.Digest) error

	// MissingBlobs returns the subset of digests not present in storage.
	MissingBlobs(digests []*repb.Digest) ([]*repb.Digest, error)

	// BulkUpdateBlobs stores each blob independently and returns one status
	// per input, in order. Items whose content does not match the declared
	// digest fail with INVALID_ARGUMENT; other failures report UNKNOWN.
	BulkUpdateBlobs(blobs []Blob) []*statuspb.Status

	// BeginWrite opens a write session for the given digest.
	BeginWrite(d *repb.Digest) (WriteSession, error)

	// CommitWrite finalizes a session. The session must not be used after.
	CommitWrite(d *repb.Digest, ws WriteSession) error
}

// bulkUpdate is the common BulkUpdateBlobs implementation: verify, write,
// commit, one status per item.
func bulkUpdate(s Storage, blobs []Blob) []*statuspb.Status {
	statuses := make([]*statuspb.Status, len(blobs))
	for i, blob := range blobs {
		statuses[i] = updateOne(s, blob)
	}
	return statuses
}

func updateOne(s Storage, blob Blob) *statuspb.Status {
	if err := digest.Verify(blob.Digest, blob.Data); err != nil {
		return &statuspb.Status{
			Code:    int32(codes.InvalidArgument),
			Message: "data does not match digest",
		}
	}
	ws, err := s.BeginWrite(blob.Digest)
	if err != nil {
		return &statuspb.Status{Code: int32(codes.Unknown), Message: err.Error()}
	}
	if _, err := ws.Write(blob.Data); err != nil {
		ws.Close()
		return &statuspb.Status{Code: int32(codes.Unknown), Message: err.Error()}
	}
	if err := s.CommitWrite(blob.Digest, ws); err != nil {
		return &statuspb.Status{Code: int32(codes.Unknown), Message: err.Error()}
	}
	return &statuspb.Status{Code: int32(codes.OK)}
}

// missingBlobs is the common MissingBlobs implementation over HasBlob.
func missingBlobs(s Storage, digests []*repb.Digest) ([]*repb.Digest, error) {
	var missing []*repb.Digest
	for _, d := range digests {
		ok, err := s.HasBlob(d)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// GetBlobData reads an entire blob into memory.
func GetBlobData(s Storage, d *repb.Digest) ([]byte, error) {
	r, err := s.GetBlob(d)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob %s: %w", digest.String(d), err)
	}
	return data, nil
}

// PutMessage stores the wire encoding of a protobuf message and returns its
// digest.
func PutMessage(s Storage, msg proto.Message) (*repb.Digest, error) {
	data, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	d := digest.FromBytes(data)
	ws, err := s.BeginWrite(d)
	if err != nil {
		return nil, err
	}
	if _, err := ws.Write(data); err != nil {
		ws.Close()
		return nil, err
	}
	if err := s.CommitWrite(d, ws); err != nil {
		return nil, err
	}
	return d, nil
}

// GetMessage decodes the blob with the given digest into msg. Returns
// errdefs.ErrNotFound if the blob is absent.
func GetMessage(s Storage, d *repb.Digest, msg proto.Message) error {
	data, err := GetBlobData(s, d)
	if err != nil {
		return err
	}
	if err := proto.Unmarshal(data, msg); err != nil {
		return errdefs.InvalidArgumentf("failed to unmarshal blob %s: %v", digest.String(d), err)
	}
	return nil
}
