package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/storytime/storage/storagetest"
)

func TestStorage(t *testing.T) {
	storagetest.Run(t, New())
}

func TestStorage_InvalidInput(t *testing.T) {
	storage := New()
	ctx := context.Background()

	assert.Error(t, storage.SetProfile(ctx, "", storagetest.Profile()))
	assert.Error(t, storage.SetProfile(ctx, "acc", nil))
	assert.Error(t, storage.SetQuota(ctx, "", storagetest.Record()))
	assert.Error(t, storage.SetQuota(ctx, "acc", nil))
}

func TestStorage_CancelledContext(t *testing.T) {
	storage := New()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := storage.GetProfile(ctx, "acc")
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, storage.SetQuota(ctx, "acc", storagetest.Record()), context.Canceled)
}

func TestStorage_AccountsAndClear(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.SetProfile(ctx, "a", storagetest.Profile()))
	require.NoError(t, storage.SetProfile(ctx, "b", storagetest.Profile()))
	ids, err := storage.Accounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)

	storage.Clear()
	ids, err = storage.Accounts(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)
	p, err := storage.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, p)
}

func TestStorage_Delete(t *testing.T) {
	storage := New()
	ctx := context.Background()

	require.NoError(t, storage.SetProfile(ctx, "a", storagetest.Profile()))
	require.NoError(t, storage.SetQuota(ctx, "a", storagetest.Record()))
	require.NoError(t, storage.DeleteProfile(ctx, "a"))
	require.NoError(t, storage.DeleteQuota(ctx, "a"))
	require.NoError(t, storage.DeleteQuota(ctx, "missing"))

	p, err := storage.GetProfile(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, p)
	r, err := storage.GetQuota(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, r)
}
