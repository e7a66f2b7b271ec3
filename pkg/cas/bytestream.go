package cas

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/google/uuid"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
	"github.com/buildhive/buildhive/pkg/metrics"
	"github.com/buildhive/buildhive/pkg/storage"
)

// ReadChunkSize is the block size of streamed reads.
const ReadChunkSize = 1024 * 1024

// ParseReadResource decodes a "[instance/]blobs/hash/size" resource name.
func ParseReadResource(name string) (instance string, d *repb.Digest, err error) {
	segments := strings.Split(name, "/")
	for idx, segment := range segments {
		if segment == "blobs" && len(segments) == idx+3 {
			d, err := digest.Parse(segments[idx+1], segments[idx+2])
			if err != nil {
				return "", nil, err
			}
			return strings.Join(segments[:idx], "/"), d, nil
		}
	}
	return "", nil, errdefs.InvalidArgumentf("invalid read resource name %q", name)
}

// ParseWriteResource decodes a
// "[instance/]uploads/uuid/blobs/hash/size[/extra]" resource name.
func ParseWriteResource(name string) (instance string, d *repb.Digest, err error) {
	segments := strings.Split(name, "/")
	for idx, segment := range segments {
		if segment != "uploads" {
			continue
		}
		if len(segments) < idx+5 || segments[idx+2] != "blobs" {
			break
		}
		if _, err := uuid.Parse(segments[idx+1]); err != nil {
			return "", nil, errdefs.InvalidArgumentf("invalid upload id %q", segments[idx+1])
		}
		d, err := digest.Parse(segments[idx+3], segments[idx+4])
		if err != nil {
			return "", nil, err
		}
		return strings.Join(segments[:idx], "/"), d, nil
	}
	return "", nil, errdefs.InvalidArgumentf("invalid write resource name %q", name)
}

// ReadBlob streams a blob in fixed-size chunks through send. read_limit
// zero means to the end; the offset must lie within the blob.
func (i *Instance) ReadBlob(d *repb.Digest, offset, limit int64, send func(data []byte) error) error {
	if limit < 0 {
		return errdefs.InvalidArgumentf("negative read limit %d", limit)
	}
	if offset < 0 || offset > d.SizeBytes {
		return errdefs.OutOfRangef("read offset %d outside blob of %d bytes", offset, d.SizeBytes)
	}

	r, err := i.storage.GetBlob(d)
	if err != nil {
		return err
	}
	defer r.Close()

	if offset > 0 {
		if _, err := io.CopyN(io.Discard, r, offset); err != nil {
			return errdefs.OutOfRangef("failed to skip to offset %d: %v", offset, err)
		}
	}

	remaining := d.SizeBytes - offset
	if limit > 0 && limit < remaining {
		remaining = limit
	}

	buf := make([]byte, ReadChunkSize)
	for remaining > 0 {
		chunk := int64(len(buf))
		if remaining < chunk {
			chunk = remaining
		}
		n, err := io.ReadFull(r, buf[:chunk])
		if err != nil {
			return errdefs.OutOfRangef("blob truncated at %d bytes: %v", d.SizeBytes-remaining+int64(n), err)
		}
		if err := send(buf[:n]); err != nil {
			return err
		}
		remaining -= int64(n)
	}
	return nil
}

// StreamWriter accumulates one ByteStream upload: a running hash and byte
// count over the received data, verified against the declared digest on
// Finish. Data written before a failure is discarded.
type StreamWriter struct {
	instance *Instance
	digest   *repb.Digest
	session  storage.WriteSession
	hasher   hash.Hash
	received int64
	finished bool
}

// BeginStreamWrite opens a ByteStream upload for the declared digest.
func (i *Instance) BeginStreamWrite(d *repb.Digest) (*StreamWriter, error) {
	if err := digest.Validate(d); err != nil {
		return nil, err
	}
	session, err := i.storage.BeginWrite(d)
	if err != nil {
		return nil, err
	}
	return &StreamWriter{
		instance: i,
		digest:   d,
		session:  session,
		hasher:   sha256.New(),
	}, nil
}

// Offset returns the number of bytes received so far. Each incoming chunk
// must declare this as its write offset.
func (w *StreamWriter) Offset() int64 { return w.received }

// Write appends a chunk to the upload.
func (w *StreamWriter) Write(data []byte) error {
	if w.finished {
		return errdefs.InvalidArgumentf("write after finish")
	}
	if _, err := w.session.Write(data); err != nil {
		return err
	}
	w.hasher.Write(data)
	w.received += int64(len(data))
	return nil
}

// Finish verifies the received data against the declared digest and
// commits it, returning the committed size. A size or hash mismatch leaves
// the store unchanged.
func (w *StreamWriter) Finish() (int64, error) {
	if w.finished {
		return 0, errdefs.InvalidArgumentf("stream already finished")
	}
	w.finished = true

	if w.received != w.digest.SizeBytes {
		w.session.Close()
		return 0, errdefs.InvalidArgumentf("received %d bytes, declared %d", w.received, w.digest.SizeBytes)
	}
	if computed := hex.EncodeToString(w.hasher.Sum(nil)); computed != w.digest.Hash {
		w.session.Close()
		return 0, errdefs.InvalidArgumentf("content hash %s does not match declared %s", computed, w.digest.Hash)
	}
	if err := w.instance.storage.CommitWrite(w.digest, w.session); err != nil {
		return 0, err
	}
	metrics.CASBlobsUploaded.Inc()
	return w.received, nil
}

// Abort discards an unfinished upload.
func (w *StreamWriter) Abort() {
	if !w.finished {
		w.finished = true
		w.session.Close()
	}
}

// QueryWriteStatus reports how much of a blob is durably committed. Only
// completed writes are visible, so the answer is all or nothing.
func (i *Instance) QueryWriteStatus(d *repb.Digest) (committed int64, complete bool, err error) {
	ok, err := i.storage.HasBlob(d)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return d.SizeBytes, true, nil
}
