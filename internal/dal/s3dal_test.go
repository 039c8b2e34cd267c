package dal

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marfs-core/marfs/pkg/types"
)

// Integration tests that hit a real bucket are gated behind an
// environment variable: set MARFS_TEST_BUCKET to run them.
const envTestBucket = "MARFS_TEST_BUCKET"

func TestObjectKey(t *testing.T) {
	loc := types.ObjectLocation{Repo: "repo1", Pod: 2, Cap: 3, Scatter: 17, ObjectID: "abc-123"}
	assert.Equal(t, "repo1/p2/c3/s17/abc-123", objectKey(loc))
}

func TestNew_RequiresBucket(t *testing.T) {
	_, err := New(context.Background(), "", Config{})
	require.Error(t, err)
}

func TestTranslateS3Err_Nil(t *testing.T) {
	assert.NoError(t, translateS3Err(nil))
}

func TestTranslateS3Err_Generic(t *testing.T) {
	err := translateS3Err(errors.New("boom"))
	require.Error(t, err)
}

func TestS3DAL_PutGetDeleteRoundTrip(t *testing.T) {
	bucket := os.Getenv(envTestBucket)
	if bucket == "" {
		t.Skipf("skipping: set %s to run against a real bucket", envTestBucket)
	}

	ctx := context.Background()
	d, err := New(ctx, bucket, Config{Region: "us-east-1"})
	require.NoError(t, err)

	loc := types.ObjectLocation{Repo: "test", Pod: 0, Cap: 0, Scatter: 0, ObjectID: "s3dal-roundtrip"}
	h := d.Init(loc)

	require.NoError(t, h.Open(ctx, types.DALPut, 0, 0, false, 0))
	_, err = h.Put(ctx, []byte("hello marfs"))
	require.NoError(t, err)
	require.NoError(t, h.Close(ctx))

	h = d.Init(loc)
	require.NoError(t, h.Open(ctx, types.DALGet, 0, 0, false, 0))
	buf := make([]byte, 64)
	n, _ := h.Get(ctx, buf)
	assert.Equal(t, "hello marfs", string(buf[:n]))
	require.NoError(t, h.Close(ctx))

	require.NoError(t, h.Delete(ctx))
}
