package cache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBackendRoundTrip(t *testing.T) {
	b := NewMemoryBackend()
	ctx := context.Background()

	_, err := b.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotCached)

	require.NoError(t, b.Set(ctx, 1, []byte("photo")))
	data, err := b.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("photo"), data)

	require.NoError(t, b.Delete(ctx, 1))
	_, err = b.Get(ctx, 1)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestDeleteAbsentEntryIsNotAnError(t *testing.T) {
	b := NewMemoryBackend()
	require.NoError(t, b.Delete(context.Background(), 42))
}

func TestCacheHitAfterFill(t *testing.T) {
	c := New(NewMemoryBackend())
	ctx := context.Background()

	_, err := c.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrNotCached)

	require.NoError(t, c.Fill(ctx, 7, []byte("payload")))
	data, err := c.Get(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestInvalidateDropsEntry(t *testing.T) {
	c := New(NewMemoryBackend())
	ctx := context.Background()

	require.NoError(t, c.Fill(ctx, 7, []byte("payload")))
	require.NoError(t, c.Invalidate(ctx, 7))

	_, err := c.Get(ctx, 7)
	assert.ErrorIs(t, err, ErrNotCached)
}

func TestEntriesNeverExpire(t *testing.T) {
	c := New(NewMemoryBackend())
	ctx := context.Background()

	for id := uint64(0); id < 1000; id++ {
		require.NoError(t, c.Fill(ctx, id, []byte{byte(id)}))
	}
	for id := uint64(0); id < 1000; id++ {
		data, err := c.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, []byte{byte(id)}, data)
	}
}
