package ring

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewRejectsNonPowerOfTwo(t *testing.T) {
	_, err := New(3, 16)
	require.ErrorIs(t, err, ErrNotPowerOfTwo)

	_, err = New(16, 3)
	require.ErrorIs(t, err, ErrNotPowerOfTwo)
}

func TestNewRejectsAllocAboveVirtual(t *testing.T) {
	_, err := New(32, 16)
	require.ErrorIs(t, err, ErrExceedsVirtual)
}

func TestWriteRangeAndReadRange(t *testing.T) {
	r, err := New(16, 64)
	require.NoError(t, err)

	require.NoError(t, r.WriteRange([]byte("ABCD")))
	require.NoError(t, r.WriteRange([]byte("EFGH")))
	require.EqualValues(t, 8, r.PrefixLength())

	dst := make([]byte, 8)
	r.ReadRange(dst, 8)
	require.Equal(t, "ABCDEFGH", string(dst))
}

func TestDrainIsModular(t *testing.T) {
	r, err := New(16, 64)
	require.NoError(t, err)
	require.NoError(t, r.WriteRange([]byte("ABCDEFGHIJKL")))

	r.Drain(12)
	require.EqualValues(t, 12, r.ReadStart())
	require.EqualValues(t, 0, r.PrefixLength())

	// Write again after draining to full: must wrap, not reset readStart.
	require.NoError(t, r.WriteRange([]byte("MNOPQRST")))
	buf, readStart, allocLength := r.ExposeInternal()
	require.EqualValues(t, 12, readStart)
	require.EqualValues(t, 16, allocLength)
	// physical [12,16) = "MNOP", physical [0,4) = "QRST"
	require.Equal(t, "MNOP", string(buf[12:16]))
	require.Equal(t, "QRST", string(buf[0:4]))
}

func TestWriteRangeGrowsAndLinearizes(t *testing.T) {
	r, err := New(8, 32)
	require.NoError(t, err)
	require.NoError(t, r.WriteRange([]byte("ABCDEF")))
	r.Drain(4)
	require.EqualValues(t, 4, r.ReadStart())
	require.EqualValues(t, 2, r.PrefixLength())

	require.NoError(t, r.WriteRange(make([]byte, 10)))
	require.EqualValues(t, 16, r.AllocLength())
	require.EqualValues(t, 0, r.ReadStart())
	require.EqualValues(t, 12, r.PrefixLength())
}

func TestResizeSucceedsWhilePinned(t *testing.T) {
	r, err := New(8, 32)
	require.NoError(t, err)
	require.NoError(t, r.WriteRange([]byte("abcdefgh")))
	r.Drain(4) // readStart now wraps mid-buffer
	require.NoError(t, r.WriteRange([]byte("ijkl")))

	span := r.SpanAt(0, 4)
	borrowed := append([]byte(nil), span[0]...)
	r.Pin(4)

	require.NoError(t, r.Resize(16))
	require.True(t, r.Pinned(), "resize must not clear the caller's own bookkeeping")

	got := make([]byte, 4)
	r.ReadAt(0, got)
	require.Equal(t, borrowed, got, "linearization must preserve the pinned bytes")

	r.Unpin()
	require.False(t, r.Pinned())
}

func TestResizeRejectsBeyondVirtual(t *testing.T) {
	r, err := New(8, 16)
	require.NoError(t, err)
	err = r.Resize(32)
	require.ErrorIs(t, err, ErrExceedsVirtual)
}

func TestWriteAtAndSetPrefixLengthForGapFill(t *testing.T) {
	r, err := New(16, 64)
	require.NoError(t, err)
	require.NoError(t, r.EnsureCapacity(12))

	// Fill positions [8,12) first (a "later" gap fill), then [0,8).
	r.WriteAt(8, []byte("IJKL"))
	r.WriteAt(0, []byte("ABCDEFGH"))
	r.SetPrefixLength(12)

	dst := make([]byte, 12)
	r.ReadRange(dst, 12)
	require.Equal(t, "ABCDEFGHIJKL", string(dst))
}

func TestUninitializeIsIdempotent(t *testing.T) {
	r, err := New(8, 8)
	require.NoError(t, err)
	r.Uninitialize()
	require.NotPanics(t, func() { r.Uninitialize() })
}

func TestByteOps(t *testing.T) {
	r, err := New(8, 8)
	require.NoError(t, err)
	require.NoError(t, r.WriteRange([]byte("ab")))
	r.WriteByte(2, 'c', 3)
	require.EqualValues(t, 'c', r.ReadByte(2))
	require.EqualValues(t, 3, r.PrefixLength())
}

type failingAllocator struct{ allowed int }

func (f *failingAllocator) Allocate(size uint32) ([]byte, error) {
	if f.allowed <= 0 {
		return nil, errors.New("boom")
	}
	f.allowed--
	return make([]byte, size), nil
}

func (f *failingAllocator) Free([]byte) {}

func TestGrowSurfacesAllocFailureWithoutMutatingState(t *testing.T) {
	fa := &failingAllocator{allowed: 1}
	r, err := New(8, 64, WithAllocator(fa))
	require.NoError(t, err)
	require.NoError(t, r.WriteRange([]byte("abcdefgh")))

	err = r.WriteRange([]byte("x"))
	require.Error(t, err)
	// Old state preserved: still the original 8-byte allocation, full prefix.
	require.EqualValues(t, 8, r.AllocLength())
	require.EqualValues(t, 8, r.PrefixLength())
}
