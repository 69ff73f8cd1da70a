package alloc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultAllocate(t *testing.T) {
	buf, err := Default.Allocate(16)
	require.NoError(t, err)
	require.Len(t, buf, 16)
	for _, b := range buf {
		require.Zero(t, b)
	}
}

func TestBoundedImplementsAllocator(t *testing.T) {
	var _ Allocator = (*Bounded)(nil)
}

func TestBoundedAllowsSequentialAllocations(t *testing.T) {
	var b Allocator = NewBounded(context.Background(), Default, 1)

	buf, err := b.Allocate(8)
	require.NoError(t, err)
	require.Len(t, buf, 8)
	b.Free(buf)

	// A second, sequential allocation should still succeed once the first
	// has released its slot.
	buf2, err := b.Allocate(8)
	require.NoError(t, err)
	require.Len(t, buf2, 8)
}

func TestBoundedRespectsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b := NewBounded(ctx, Default, 1)

	sem := b.sem
	require.True(t, sem.TryAcquire(1))
	defer sem.Release(1)

	_, err := b.Allocate(8)
	require.Error(t, err)
	require.ErrorIs(t, err, ErrAllocFailed)
}
