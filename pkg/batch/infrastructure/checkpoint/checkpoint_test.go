package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/batchcursor/pkg/batch/infrastructure/checkpoint"
	"github.com/tigerroll/batchcursor/pkg/batch/support/util/exception"
)

func TestFileStore_MissingFile(t *testing.T) {
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))

	cursor, found, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), cursor)
}

func TestFileStore_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("  \n"), 0o644))

	cursor, found, err := checkpoint.NewFileStore(path).Load(context.Background())
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, int64(0), cursor)
}

func TestFileStore_CorruptContent(t *testing.T) {
	cases := map[string]string{
		"garbage":  "not json",
		"no id":    `{"cursor":5}`,
		"string":   `{"id":"5"}`,
		"negative": `{"id":-3}`,
		"trailing": `{"id":5} junk`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "checkpoint.json")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

			_, _, err := checkpoint.NewFileStore(path).Load(context.Background())
			require.Error(t, err)
			assert.ErrorIs(t, err, exception.ErrCorruptCheckpoint)
			assert.False(t, exception.IsTemporary(err))
		})
	}
}

func TestFileStore_SaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state", "checkpoint.json")
	store := checkpoint.NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, 2))
	require.NoError(t, store.Save(ctx, 42))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":42}`, string(data))

	cursor, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(42), cursor)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFileStore_SaveNegative(t *testing.T) {
	store := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "checkpoint.json"))
	assert.Error(t, store.Save(context.Background(), -1))
}

func TestFileStore_Reset(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	store := checkpoint.NewFileStore(path)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, 7))
	require.NoError(t, store.Reset(ctx))
	_, found, err := store.Load(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, store.Reset(ctx))
}

func TestParseGCSPath(t *testing.T) {
	bucket, object, err := checkpoint.ParseGCSPath("gs://ops-bucket/batch/orders/checkpoint.json")
	require.NoError(t, err)
	assert.Equal(t, "ops-bucket", bucket)
	assert.Equal(t, "batch/orders/checkpoint.json", object)

	for _, bad := range []string{"gs://", "gs://bucket", "gs://bucket/", "gs:///object", "s3://bucket/object", "gs://bucket/dir/"} {
		_, _, err := checkpoint.ParseGCSPath(bad)
		assert.ErrorIs(t, err, exception.ErrInvalidConfig, bad)
	}
}

func TestNewStore(t *testing.T) {
	store, err := checkpoint.NewStore("gs://ops-bucket/checkpoint.json", checkpoint.Options{})
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.GCSStore{}, store)
	assert.Equal(t, "gs://ops-bucket/checkpoint.json", store.Location())

	store, err = checkpoint.NewStore("checkpoint.json", checkpoint.Options{})
	require.NoError(t, err)
	assert.IsType(t, &checkpoint.FileStore{}, store)
	assert.Equal(t, "checkpoint.json", store.Location())

	_, err = checkpoint.NewStore(" ", checkpoint.Options{})
	assert.ErrorIs(t, err, exception.ErrInvalidConfig)
}
