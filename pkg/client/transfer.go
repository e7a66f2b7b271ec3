package client

import (
	"context"
	"fmt"
	"os"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc/codes"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/merkle"
)

// UploadDirectory walks a local directory, uploads every blob the server
// is missing, and returns the root directory digest.
func (c *Client) UploadDirectory(ctx context.Context, root string) (*repb.Digest, error) {
	rootDigest, entries, err := merkle.Build(root)
	if err != nil {
		return nil, fmt.Errorf("failed to build directory tree: %w", err)
	}

	byKey := make(map[string]merkle.Entry, len(entries))
	digests := make([]*repb.Digest, 0, len(entries))
	for _, e := range entries {
		key := digest.Key(e.Digest)
		if _, ok := byKey[key]; ok {
			continue
		}
		byKey[key] = e
		digests = append(digests, e.Digest)
	}

	var missing []*repb.Digest
	err = c.retry(ctx, func() error {
		resp, err := c.cas.FindMissingBlobs(ctx, &repb.FindMissingBlobsRequest{
			InstanceName: c.instanceName,
			BlobDigests:  digests,
		})
		if err != nil {
			return err
		}
		missing = resp.MissingBlobDigests
		return nil
	})
	if err != nil {
		return nil, err
	}

	if err := c.uploadMissing(ctx, byKey, missing); err != nil {
		return nil, err
	}
	return rootDigest, nil
}

// uploadMissing batches small blobs together and streams the rest.
func (c *Client) uploadMissing(ctx context.Context, byKey map[string]merkle.Entry, missing []*repb.Digest) error {
	batchLimit := int64(defaultBatchLimit)
	if caps, err := c.Capabilities(ctx); err == nil {
		if cc := caps.GetCacheCapabilities(); cc != nil && cc.MaxBatchTotalSizeBytes > 0 {
			batchLimit = cc.MaxBatchTotalSizeBytes
		}
	}

	var batch []*repb.BatchUpdateBlobsRequest_Request
	var batchSize int64
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		reqs := batch
		batch = nil
		batchSize = 0
		return c.retry(ctx, func() error {
			resp, err := c.cas.BatchUpdateBlobs(ctx, &repb.BatchUpdateBlobsRequest{
				InstanceName: c.instanceName,
				Requests:     reqs,
			})
			if err != nil {
				return err
			}
			for _, r := range resp.Responses {
				if s := r.GetStatus(); s != nil && s.Code != int32(codes.OK) {
					return fmt.Errorf("failed to upload %s: %s", r.Digest.Hash, statusMessage(s))
				}
			}
			return nil
		})
	}

	for _, d := range missing {
		entry, ok := byKey[digest.Key(d)]
		if !ok {
			return fmt.Errorf("server reported unknown digest %s missing", d.Hash)
		}
		data, err := entryData(entry)
		if err != nil {
			return err
		}
		if d.SizeBytes > batchLimit/2 {
			if err := c.retry(ctx, func() error {
				return c.writeBlob(ctx, d, data)
			}); err != nil {
				return err
			}
			continue
		}
		if batchSize+d.SizeBytes > batchLimit {
			if err := flush(); err != nil {
				return err
			}
		}
		batch = append(batch, &repb.BatchUpdateBlobsRequest_Request{
			Digest: d,
			Data:   data,
		})
		batchSize += d.SizeBytes
	}
	return flush()
}

// entryData resolves an entry's bytes. Directory entries carry their
// serialized form inline; file entries point at the file on disk.
func entryData(e merkle.Entry) ([]byte, error) {
	if e.Path == "" {
		return e.Data, nil
	}
	data, err := os.ReadFile(e.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", e.Path, err)
	}
	return data, nil
}

// DownloadDirectory reconstructs a directory tree under dest.
func (c *Client) DownloadDirectory(ctx context.Context, root *repb.Digest, dest string) error {
	fetchBlob := func(d *repb.Digest) ([]byte, error) {
		return c.DownloadBlob(ctx, d)
	}
	fetchDir := func(d *repb.Digest) (*repb.Directory, error) {
		data, err := c.DownloadBlob(ctx, d)
		if err != nil {
			return nil, err
		}
		dir := &repb.Directory{}
		if err := proto.Unmarshal(data, dir); err != nil {
			return nil, fmt.Errorf("failed to unmarshal directory %s: %w", d.Hash, err)
		}
		return dir, nil
	}
	return merkle.Materialize(root, dest, fetchDir, fetchBlob)
}

func statusMessage(s *statuspb.Status) string {
	if s.Message != "" {
		return s.Message
	}
	return codes.Code(s.Code).String()
}
