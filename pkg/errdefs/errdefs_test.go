package errdefs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestWrappingPreservesKind(t *testing.T) {
	err := NotFoundf("blob %q", "abc")
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.True(t, IsNotFound(err))
	assert.Contains(t, err.Error(), `blob "abc"`)

	err = InvalidArgumentf("digest %s", "xyz")
	assert.True(t, errors.Is(err, ErrInvalidArgument))
	assert.False(t, IsNotFound(err))

	err = OutOfRangef("offset %d", 42)
	assert.True(t, errors.Is(err, ErrOutOfRange))

	// Kinds survive another layer of wrapping.
	wrapped := fmt.Errorf("failed to fetch: %w", NotFoundf("blob"))
	assert.True(t, IsNotFound(wrapped))
}

func TestToStatus(t *testing.T) {
	tests := []struct {
		err  error
		code codes.Code
	}{
		{nil, codes.OK},
		{InvalidArgumentf("bad"), codes.InvalidArgument},
		{NotFoundf("gone"), codes.NotFound},
		{OutOfRangef("far"), codes.OutOfRange},
		{fmt.Errorf("cache: %w", ErrUpdateNotAllowed), codes.FailedPrecondition},
		{fmt.Errorf("job: %w", ErrCancelled), codes.Canceled},
		{fmt.Errorf("job: %w", ErrRetryExceeded), codes.Internal},
		{fmt.Errorf("storage: %w", ErrBackendUnavailable), codes.Unavailable},
		{errors.New("mystery"), codes.Internal},
	}

	for _, tc := range tests {
		got := ToStatus(tc.err)
		if tc.err == nil {
			assert.NoError(t, got)
			continue
		}
		st, ok := status.FromError(got)
		require.True(t, ok)
		assert.Equal(t, tc.code, st.Code())
	}
}
