package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/errdefs"
)

// S3Storage stores blobs as objects named "<hash>_<size>" in a bucket. The
// bucket name is a template with a "{digest}" placeholder evaluated on the
// blob hash, which allows spreading blobs over several buckets.
type S3Storage struct {
	client         s3iface.S3API
	bucketTemplate string
}

// NewS3Storage creates an object-store backend over the given S3 client.
func NewS3Storage(client s3iface.S3API, bucketTemplate string) *S3Storage {
	return &S3Storage{client: client, bucketTemplate: bucketTemplate}
}

func (s *S3Storage) bucket(d *repb.Digest) string {
	return strings.ReplaceAll(s.bucketTemplate, "{digest}", d.Hash)
}

func objectKey(d *repb.Digest) string {
	return d.Hash + "_" + strconv.FormatInt(d.SizeBytes, 10)
}

// isNotFound reports whether an S3 error is a 404-class error.
func isNotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, s3.ErrCodeNoSuchBucket, "NotFound", "404":
		return true
	}
	return false
}

func (s *S3Storage) HasBlob(d *repb.Digest) (bool, error) {
	_, err := s.client.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.bucket(d)),
		Key:    aws.String(objectKey(d)),
	})
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return true, nil
}

func (s *S3Storage) GetBlob(d *repb.Digest) (io.ReadCloser, error) {
	out, err := s.client.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(s.bucket(d)),
		Key:    aws.String(objectKey(d)),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, errdefs.NotFoundf("blob %s not in object store", digest.String(d))
		}
		return nil, fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return out.Body, nil
}

func (s *S3Storage) DeleteBlob(d *repb.Digest) error {
	_, err := s.client.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket(d)),
		Key:    aws.String(objectKey(d)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return nil
}

func (s *S3Storage) MissingBlobs(digests []*repb.Digest) ([]*repb.Digest, error) {
	return missingBlobs(s, digests)
}

func (s *S3Storage) BulkUpdateBlobs(blobs []Blob) []*statuspb.Status {
	return bulkUpdate(s, blobs)
}

func (s *S3Storage) BeginWrite(d *repb.Digest) (WriteSession, error) {
	return &bufferSession{}, nil
}

func (s *S3Storage) CommitWrite(d *repb.Digest, ws WriteSession) error {
	session, ok := ws.(*bufferSession)
	if !ok {
		return errdefs.InvalidArgumentf("write session does not belong to object storage")
	}
	_, err := s.client.PutObject(&s3.PutObjectInput{
		Bucket: aws.String(s.bucket(d)),
		Key:    aws.String(objectKey(d)),
		Body:   bytes.NewReader(session.buf.Bytes()),
	})
	if err != nil {
		return fmt.Errorf("%w: %v", errdefs.ErrBackendUnavailable, err)
	}
	return nil
}
