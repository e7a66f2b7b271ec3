// Package client wraps the remote execution gRPC surface for CLI usage.
// It handles connection setup with optional mTLS, retries transient
// failures, and provides blob and directory transfer helpers.
package client

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"
	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"

	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/security"
)

const (
	// uploadChunkSize is the ByteStream write chunk size.
	uploadChunkSize = 1024 * 1024

	// defaultBatchLimit bounds batch uploads when the server does not
	// advertise a ceiling.
	defaultBatchLimit = 2 * 1000 * 1000

	retryMaxElapsed = 30 * time.Second
)

// Options configure a client connection.
type Options struct {
	Remote       string
	InstanceName string
	ClientKey    string
	ClientCert   string
	ServerCert   string
	AuthToken    string
}

// Client talks to one server over a single connection.
type Client struct {
	conn         *grpc.ClientConn
	instanceName string

	cas  repb.ContentAddressableStorageClient
	bs   bspb.ByteStreamClient
	caps repb.CapabilitiesClient
	exec repb.ExecutionClient
	ops  longrunningpb.OperationsClient
}

// New dials the remote. TLS material missing from opts is looked up under
// the user's config directory; with no server certificate at all the
// connection is insecure.
func New(opts Options) (*Client, error) {
	if opts.Remote == "" {
		return nil, fmt.Errorf("no remote address given")
	}
	if opts.ServerCert == "" {
		opts.ServerCert = security.DefaultPath(security.ServerCertFile)
	}
	if opts.ClientCert == "" {
		opts.ClientCert = security.DefaultPath(security.ClientCertFile)
	}
	if opts.ClientKey == "" {
		opts.ClientKey = security.DefaultPath(security.ClientKeyFile)
	}

	var transport credentials.TransportCredentials
	if opts.ServerCert != "" {
		creds, err := security.LoadClientCredentials(opts.ClientKey, opts.ClientCert, opts.ServerCert)
		if err != nil {
			return nil, fmt.Errorf("failed to load client credentials: %w", err)
		}
		transport = creds
	} else {
		transport = insecure.NewCredentials()
	}

	dialOpts := []grpc.DialOption{grpc.WithTransportCredentials(transport)}
	if opts.AuthToken != "" {
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(tokenAuth{token: opts.AuthToken}))
	}

	conn, err := grpc.Dial(opts.Remote, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Remote, err)
	}

	return &Client{
		conn:         conn,
		instanceName: opts.InstanceName,
		cas:          repb.NewContentAddressableStorageClient(conn),
		bs:           bspb.NewByteStreamClient(conn),
		caps:         repb.NewCapabilitiesClient(conn),
		exec:         repb.NewExecutionClient(conn),
		ops:          longrunningpb.NewOperationsClient(conn),
	}, nil
}

// Close releases the connection.
func (c *Client) Close() error {
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

// Capabilities queries the server capabilities of the client's instance.
func (c *Client) Capabilities(ctx context.Context) (*repb.ServerCapabilities, error) {
	var caps *repb.ServerCapabilities
	err := c.retry(ctx, func() error {
		var err error
		caps, err = c.caps.GetCapabilities(ctx, &repb.GetCapabilitiesRequest{
			InstanceName: c.instanceName,
		})
		return err
	})
	return caps, err
}

// UploadBlob streams one blob to the server and returns its digest.
func (c *Client) UploadBlob(ctx context.Context, data []byte) (*repb.Digest, error) {
	d := digest.FromBytes(data)
	err := c.retry(ctx, func() error {
		return c.writeBlob(ctx, d, data)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// UploadMessage marshals and uploads a proto message.
func (c *Client) UploadMessage(ctx context.Context, m proto.Message) (*repb.Digest, error) {
	data, err := proto.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return c.UploadBlob(ctx, data)
}

// UploadFile uploads the contents of a local file.
func (c *Client) UploadFile(ctx context.Context, path string) (*repb.Digest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return c.UploadBlob(ctx, data)
}

// DownloadBlob fetches one blob by digest.
func (c *Client) DownloadBlob(ctx context.Context, d *repb.Digest) ([]byte, error) {
	var data []byte
	err := c.retry(ctx, func() error {
		var err error
		data, err = c.readBlob(ctx, d)
		return err
	})
	return data, err
}

// DownloadFile fetches a blob and writes it to a local file.
func (c *Client) DownloadFile(ctx context.Context, d *repb.Digest, path string) error {
	data, err := c.DownloadBlob(ctx, d)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// Execute submits an action for execution and returns the update stream.
func (c *Client) Execute(ctx context.Context, actionDigest *repb.Digest, skipCacheLookup bool) (repb.Execution_ExecuteClient, error) {
	return c.exec.Execute(ctx, &repb.ExecuteRequest{
		InstanceName:    c.instanceName,
		ActionDigest:    actionDigest,
		SkipCacheLookup: skipCacheLookup,
	})
}

// WaitExecution reattaches to a running operation's update stream.
func (c *Client) WaitExecution(ctx context.Context, name string) (repb.Execution_WaitExecutionClient, error) {
	return c.exec.WaitExecution(ctx, &repb.WaitExecutionRequest{Name: name})
}

// GetOperation fetches one operation snapshot.
func (c *Client) GetOperation(ctx context.Context, name string) (*longrunningpb.Operation, error) {
	return c.ops.GetOperation(ctx, &longrunningpb.GetOperationRequest{Name: name})
}

// ListOperations lists the server's live operations.
func (c *Client) ListOperations(ctx context.Context) ([]*longrunningpb.Operation, error) {
	resp, err := c.ops.ListOperations(ctx, &longrunningpb.ListOperationsRequest{})
	if err != nil {
		return nil, err
	}
	return resp.Operations, nil
}

// CancelOperation cancels one operation handle.
func (c *Client) CancelOperation(ctx context.Context, name string) error {
	_, err := c.ops.CancelOperation(ctx, &longrunningpb.CancelOperationRequest{Name: name})
	return err
}

func (c *Client) writeBlob(ctx context.Context, d *repb.Digest, data []byte) error {
	stream, err := c.bs.Write(ctx)
	if err != nil {
		return err
	}

	resource := c.uploadResource(d)
	offset := int64(0)
	for {
		end := offset + uploadChunkSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		req := &bspb.WriteRequest{
			WriteOffset: offset,
			Data:        data[offset:end],
			FinishWrite: end == int64(len(data)),
		}
		if offset == 0 {
			req.ResourceName = resource
		}
		if err := stream.Send(req); err != nil {
			return err
		}
		if req.FinishWrite {
			break
		}
		offset = end
	}

	resp, err := stream.CloseAndRecv()
	if err != nil {
		return err
	}
	if resp.CommittedSize != d.SizeBytes {
		return fmt.Errorf("server committed %d bytes, expected %d", resp.CommittedSize, d.SizeBytes)
	}
	return nil
}

func (c *Client) readBlob(ctx context.Context, d *repb.Digest) ([]byte, error) {
	stream, err := c.bs.Read(ctx, &bspb.ReadRequest{ResourceName: c.readResource(d)})
	if err != nil {
		return nil, err
	}

	data := make([]byte, 0, d.SizeBytes)
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		data = append(data, resp.Data...)
	}
	if int64(len(data)) != d.SizeBytes {
		return nil, fmt.Errorf("received %d bytes, expected %d", len(data), d.SizeBytes)
	}
	return data, nil
}

func (c *Client) uploadResource(d *repb.Digest) string {
	name := fmt.Sprintf("uploads/%s/blobs/%s/%d", uuid.New().String(), d.Hash, d.SizeBytes)
	if c.instanceName != "" {
		name = c.instanceName + "/" + name
	}
	return name
}

func (c *Client) readResource(d *repb.Digest) string {
	name := fmt.Sprintf("blobs/%s/%d", d.Hash, d.SizeBytes)
	if c.instanceName != "" {
		name = c.instanceName + "/" + name
	}
	return name
}

// retry runs op with exponential backoff, giving up on non-transient
// status codes.
func (c *Client) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = retryMaxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		switch status.Code(err) {
		case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted:
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}

// tokenAuth attaches a bearer token to every RPC.
type tokenAuth struct {
	token string
}

func (t tokenAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{"authorization": "Bearer " + t.token}, nil
}

func (t tokenAuth) RequireTransportSecurity() bool {
	return false
}
