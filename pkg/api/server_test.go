package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	repb "github.com/bazelbuild/remote-apis/build/bazel/remote/execution/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	bspb "google.golang.org/genproto/googleapis/bytestream"
	rwpb "google.golang.org/genproto/googleapis/devtools/remoteworkers/v1test2"
	statuspb "google.golang.org/genproto/googleapis/rpc/status"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"

	longrunningpb "cloud.google.com/go/longrunning/autogen/longrunningpb"

	"github.com/buildhive/buildhive/pkg/bots"
	"github.com/buildhive/buildhive/pkg/capabilities"
	"github.com/buildhive/buildhive/pkg/cas"
	"github.com/buildhive/buildhive/pkg/datastore"
	"github.com/buildhive/buildhive/pkg/digest"
	"github.com/buildhive/buildhive/pkg/execution"
	"github.com/buildhive/buildhive/pkg/refcache"
	"github.com/buildhive/buildhive/pkg/scheduler"
	"github.com/buildhive/buildhive/pkg/storage"
)

func startTestServer(t *testing.T) *grpc.ClientConn {
	t.Helper()

	st := storage.NewMemoryStorage(64 << 20)
	cache := refcache.NewActionCache(st, 64, false)
	sched := scheduler.New(datastore.NewMemoryStore(), cache)
	exec := execution.NewInstance(st, cache, sched)
	botsInst := bots.NewInstance(sched, bots.DefaultSessionTimeout)

	srv := NewServer(nil)
	srv.AddCASInstance("main", cas.NewInstance(st))
	srv.AddActionCacheInstance("main", cache)
	srv.AddExecutionInstance("main", exec)
	srv.AddBotsInstance("main", botsInst)
	srv.AddCapabilitiesInstance("main", capabilities.NewInstance(true, true, true, cas.DefaultBatchSizeLimit))

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.Dial("bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func uploadBlobs(t *testing.T, conn *grpc.ClientConn, blobs ...[]byte) []*repb.Digest {
	t.Helper()
	client := repb.NewContentAddressableStorageClient(conn)

	req := &repb.BatchUpdateBlobsRequest{InstanceName: "main"}
	digests := make([]*repb.Digest, 0, len(blobs))
	for _, b := range blobs {
		d := digest.FromBytes(b)
		digests = append(digests, d)
		req.Requests = append(req.Requests, &repb.BatchUpdateBlobsRequest_Request{
			Digest: d,
			Data:   b,
		})
	}
	resp, err := client.BatchUpdateBlobs(context.Background(), req)
	require.NoError(t, err)
	for _, r := range resp.Responses {
		require.EqualValues(t, codes.OK, r.Status.GetCode())
	}
	return digests
}

func TestCapabilitiesOverWire(t *testing.T) {
	conn := startTestServer(t)
	client := repb.NewCapabilitiesClient(conn)

	caps, err := client.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{InstanceName: "main"})
	require.NoError(t, err)
	assert.Contains(t, caps.CacheCapabilities.DigestFunctions, repb.DigestFunction_SHA256)
	assert.EqualValues(t, cas.DefaultBatchSizeLimit, caps.CacheCapabilities.MaxBatchTotalSizeBytes)
	assert.True(t, caps.ExecutionCapabilities.ExecEnabled)

	_, err = client.GetCapabilities(context.Background(), &repb.GetCapabilitiesRequest{InstanceName: "nope"})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestByteStreamRoundTripOverWire(t *testing.T) {
	conn := startTestServer(t)
	client := bspb.NewByteStreamClient(conn)
	ctx := context.Background()

	payload := []byte("the quick brown fox")
	d := digest.FromBytes(payload)

	stream, err := client.Write(ctx)
	require.NoError(t, err)
	require.NoError(t, stream.Send(&bspb.WriteRequest{
		ResourceName: fmt.Sprintf("main/uploads/7f2ac364-3c9b-4058-8b13-b616a4e4e5e8/blobs/%s/%d", d.Hash, d.SizeBytes),
		Data:         payload,
		FinishWrite:  true,
	}))
	resp, err := stream.CloseAndRecv()
	require.NoError(t, err)
	assert.EqualValues(t, len(payload), resp.CommittedSize)

	read, err := client.Read(ctx, &bspb.ReadRequest{
		ResourceName: fmt.Sprintf("main/blobs/%s/%d", d.Hash, d.SizeBytes),
	})
	require.NoError(t, err)
	var got []byte
	for {
		msg, err := read.Recv()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		got = append(got, msg.Data...)
	}
	assert.Equal(t, payload, got)

	qws, err := client.QueryWriteStatus(ctx, &bspb.QueryWriteStatusRequest{
		ResourceName: fmt.Sprintf("main/uploads/7f2ac364-3c9b-4058-8b13-b616a4e4e5e8/blobs/%s/%d", d.Hash, d.SizeBytes),
	})
	require.NoError(t, err)
	assert.True(t, qws.Complete)
	assert.EqualValues(t, len(payload), qws.CommittedSize)
}

func TestFindMissingBlobsOverWire(t *testing.T) {
	conn := startTestServer(t)
	client := repb.NewContentAddressableStorageClient(conn)

	stored := uploadBlobs(t, conn, []byte("present"))
	absent := digest.FromBytes([]byte("absent"))

	resp, err := client.FindMissingBlobs(context.Background(), &repb.FindMissingBlobsRequest{
		InstanceName: "main",
		BlobDigests:  []*repb.Digest{stored[0], absent},
	})
	require.NoError(t, err)
	require.Len(t, resp.MissingBlobDigests, 1)
	assert.Equal(t, absent.Hash, resp.MissingBlobDigests[0].Hash)
}

func TestExecuteEndToEnd(t *testing.T) {
	conn := startTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	command := &repb.Command{Arguments: []string{"echo", "hi"}}
	commandData, err := proto.Marshal(command)
	require.NoError(t, err)
	inputRoot := &repb.Directory{}
	inputRootData, err := proto.Marshal(inputRoot)
	require.NoError(t, err)

	action := &repb.Action{
		CommandDigest:   digest.FromBytes(commandData),
		InputRootDigest: digest.FromBytes(inputRootData),
	}
	actionData, err := proto.Marshal(action)
	require.NoError(t, err)

	uploadBlobs(t, conn, commandData, inputRootData, actionData)
	actionDigest := digest.FromBytes(actionData)

	execClient := repb.NewExecutionClient(conn)
	stream, err := execClient.Execute(ctx, &repb.ExecuteRequest{
		InstanceName:    "main",
		ActionDigest:    actionDigest,
		SkipCacheLookup: true,
	})
	require.NoError(t, err)

	first, err := stream.Recv()
	require.NoError(t, err)
	assert.False(t, first.Done)
	md := &repb.ExecuteOperationMetadata{}
	require.NoError(t, first.Metadata.UnmarshalTo(md))
	assert.Equal(t, repb.ExecutionStage_QUEUED, md.Stage)

	// The queued operation is visible through the operations service.
	opsClient := longrunningpb.NewOperationsClient(conn)
	listed, err := opsClient.ListOperations(ctx, &longrunningpb.ListOperationsRequest{})
	require.NoError(t, err)
	require.Len(t, listed.Operations, 1)
	assert.Equal(t, first.Name, listed.Operations[0].Name)

	// A bot picks the job up and completes it.
	botsClient := rwpb.NewBotsClient(conn)
	sess, err := botsClient.CreateBotSession(ctx, &rwpb.CreateBotSessionRequest{
		Parent: "main",
		BotSession: &rwpb.BotSession{
			BotId:  "bot-1",
			Status: rwpb.BotStatus_OK,
		},
	})
	require.NoError(t, err)

	sess, err = botsClient.UpdateBotSession(ctx, &rwpb.UpdateBotSessionRequest{
		Name:       sess.Name,
		BotSession: sess,
	})
	require.NoError(t, err)
	require.Len(t, sess.Leases, 1)
	assert.Equal(t, rwpb.LeaseState_PENDING, sess.Leases[0].State)

	sess.Leases[0].State = rwpb.LeaseState_ACTIVE
	sess, err = botsClient.UpdateBotSession(ctx, &rwpb.UpdateBotSessionRequest{
		Name:       sess.Name,
		BotSession: sess,
	})
	require.NoError(t, err)
	require.Len(t, sess.Leases, 1)

	result, err := anypb.New(&repb.ActionResult{ExitCode: 0, StdoutRaw: []byte("hi\n")})
	require.NoError(t, err)
	sess.Leases[0].State = rwpb.LeaseState_COMPLETED
	sess.Leases[0].Status = &statuspb.Status{Code: int32(codes.OK)}
	sess.Leases[0].Result = result
	sess, err = botsClient.UpdateBotSession(ctx, &rwpb.UpdateBotSessionRequest{
		Name:       sess.Name,
		BotSession: sess,
	})
	require.NoError(t, err)

	var final *longrunningpb.Operation
	for {
		op, err := stream.Recv()
		require.NoError(t, err)
		if op.Done {
			final = op
			break
		}
	}

	execResp := &repb.ExecuteResponse{}
	require.NoError(t, final.GetResponse().UnmarshalTo(execResp))
	assert.False(t, execResp.CachedResult)
	assert.EqualValues(t, 0, execResp.Result.ExitCode)
	assert.Equal(t, []byte("hi\n"), execResp.Result.StdoutRaw)

	// Completion populated the action cache.
	acClient := repb.NewActionCacheClient(conn)
	cached, err := acClient.GetActionResult(ctx, &repb.GetActionResultRequest{
		InstanceName: "main",
		ActionDigest: actionDigest,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("hi\n"), cached.StdoutRaw)
}

func TestExecuteUnknownActionOverWire(t *testing.T) {
	conn := startTestServer(t)
	client := repb.NewExecutionClient(conn)

	stream, err := client.Execute(context.Background(), &repb.ExecuteRequest{
		InstanceName: "main",
		ActionDigest: digest.FromBytes([]byte("never uploaded")),
	})
	require.NoError(t, err)
	_, err = stream.Recv()
	assert.Equal(t, codes.NotFound, status.Code(err))
}
