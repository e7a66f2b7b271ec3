package client

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/buildhive/buildhive/pkg/digest"
)

func TestResourceNames(t *testing.T) {
	d := digest.FromBytes([]byte("content"))

	c := &Client{instanceName: "main"}
	read := c.readResource(d)
	assert.Equal(t, "main/blobs/"+d.Hash+"/7", read)

	upload := c.uploadResource(d)
	parts := strings.Split(upload, "/")
	require.Len(t, parts, 6)
	assert.Equal(t, "main", parts[0])
	assert.Equal(t, "uploads", parts[1])
	assert.Equal(t, "blobs", parts[3])
	assert.Equal(t, d.Hash, parts[4])

	// Two uploads of the same digest use distinct upload ids.
	assert.NotEqual(t, upload, c.uploadResource(d))

	bare := &Client{}
	assert.Equal(t, "blobs/"+d.Hash+"/7", bare.readResource(d))
	assert.True(t, strings.HasPrefix(bare.uploadResource(d), "uploads/"))
}

func TestRetryStopsOnPermanentError(t *testing.T) {
	c := &Client{}
	calls := 0
	err := c.retry(context.Background(), func() error {
		calls++
		return status.Error(codes.InvalidArgument, "bad request")
	})
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, 1, calls)
}

func TestRetryRecoversFromTransientError(t *testing.T) {
	c := &Client{}
	calls := 0
	err := c.retry(context.Background(), func() error {
		calls++
		if calls == 1 {
			return status.Error(codes.Unavailable, "try again")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestTokenAuthMetadata(t *testing.T) {
	auth := tokenAuth{token: "secret"}
	md, err := auth.GetRequestMetadata(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret", md["authorization"])
	assert.False(t, auth.RequireTransportSecurity())
}

func TestNewRequiresRemote(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}
