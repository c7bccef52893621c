package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/minio/minio-go/v7"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annie/blobstore"
)

func TestKey(t *testing.T) {
	assert.Equal(t, "a.bin", NewStore(nil, "b", "").key("a.bin"))
	assert.Equal(t, "idx/a.bin", NewStore(nil, "b", "idx/").key("a.bin"))
}

// TestMinioStore_Integration requires a running MinIO instance.
// Skip if not available.
func TestMinioStore_Integration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	bucket := "test-annie"

	store, err := Connect(endpoint, "minioadmin", "minioadmin", false, bucket, "test-prefix/")
	if err != nil {
		t.Skipf("MinIO client creation failed: %v", err)
	}

	ctx := context.Background()
	if _, err := store.client.ListBuckets(ctx); err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	exists, err := store.client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	if !exists {
		require.NoError(t, store.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}))
	}

	wb, err := store.Create(ctx, "stream.bin")
	require.NoError(t, err)
	_, err = wb.Write([]byte("streamed data"))
	require.NoError(t, err)
	require.NoError(t, wb.Close())

	blob, err := store.Open(ctx, "stream.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(13), blob.Size())
	data, err := io.ReadAll(blob)
	require.NoError(t, err)
	assert.Equal(t, "streamed data", string(data))
	require.NoError(t, blob.Close())

	names, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Contains(t, names, "stream.bin")

	require.NoError(t, store.Delete(ctx, "stream.bin"))
	_, err = store.Open(ctx, "stream.bin")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)

	aborted, err := store.Create(ctx, "aborted.bin")
	require.NoError(t, err)
	require.NoError(t, aborted.Abort())
	_, err = store.Open(ctx, "aborted.bin")
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}
