// Package ring implements the verified circular-buffer primitive
// underlying the stream recv-buffer: a power-of-two-sized byte store with
// a moving read head, wrap-aware copy-in/copy-out, and a linearizing grow.
//
// Ring is single-threaded with respect to itself. It maintains, at every
// operation boundary:
//
//  1. allocLength is a power of two, allocLength <= virtualLength.
//  2. readStart < allocLength.
//  3. prefixLength <= allocLength.
//  4. the logical byte at position i < prefixLength resides at physical
//     index (readStart+i) mod allocLength.
//
// Callers needing placement at offsets beyond the live prefix (L1's gap
// fills) use WriteAt + SetPrefixLength rather than WriteRange, keeping Ring
// itself purely mechanical: it never consults a gap map, only physical
// positions its caller supplies.
package ring

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drgolem/streambuf/alloc"
	"github.com/drgolem/streambuf/internal/pow2"
	"github.com/drgolem/streambuf/internal/wrapsplit"
)

// ErrNotPowerOfTwo is returned when a size precondition (power of two) fails.
var ErrNotPowerOfTwo = errors.New("ring: size must be a power of two")

// ErrExceedsVirtual is returned when a requested allocation or resize would
// exceed the ring's immutable virtual length.
var ErrExceedsVirtual = errors.New("ring: exceeds virtual length")

// Ring is the L0 verified circular byte store.
type Ring struct {
	buffer        []byte
	readStart     uint32
	allocLength   uint32
	prefixLength  uint32
	virtualLength uint32

	pending uint32 // bytes currently borrowed by an outstanding read span

	allocator alloc.Allocator
	log       *zap.Logger
}

// Option configures a Ring at construction.
type Option func(*Ring)

// WithAllocator overrides the byte-region allocator used for the initial
// allocation and all subsequent grows. Default is alloc.Default.
func WithAllocator(a alloc.Allocator) Option {
	return func(r *Ring) { r.allocator = a }
}

// WithLogger attaches a structured logger for resize/grow diagnostics.
// Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Ring) { r.log = l }
}

// New initializes a Ring with the given initial and virtual capacities,
// both required to be positive powers of two with alloc <= virtual.
func New(allocLength, virtualLength uint32, opts ...Option) (*Ring, error) {
	if !pow2.IsPowerOfTwo(allocLength) || !pow2.IsPowerOfTwo(virtualLength) {
		return nil, ErrNotPowerOfTwo
	}
	if allocLength > virtualLength {
		return nil, fmt.Errorf("%w: alloc %d > virtual %d", ErrExceedsVirtual, allocLength, virtualLength)
	}

	r := &Ring{
		allocator:     alloc.Default,
		log:           zap.NewNop(),
		allocLength:   allocLength,
		virtualLength: virtualLength,
	}
	for _, opt := range opts {
		opt(r)
	}

	buf, err := r.allocator.Allocate(allocLength)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", alloc.ErrAllocFailed, err)
	}
	r.buffer = buf
	return r, nil
}

// AllocLength returns the current physical capacity.
func (r *Ring) AllocLength() uint32 { return r.allocLength }

// VirtualLength returns the upper bound on AllocLength.
func (r *Ring) VirtualLength() uint32 { return r.virtualLength }

// PrefixLength returns the length of the contiguous readable prefix.
func (r *Ring) PrefixLength() uint32 { return r.prefixLength }

// ReadStart returns the physical index of logical offset 0.
func (r *Ring) ReadStart() uint32 { return r.readStart }

// Pinned reports whether an outstanding read span currently borrows the
// buffer. This is bookkeeping for callers/diagnostics only: unlike the
// manually-managed original, Resize does not gate on it. Resize's
// linearization copy carries every live byte — including any borrowed
// ones — faithfully into the new allocation, and a borrowed Go slice is a
// (pointer, len, cap) value that keeps its old backing array alive and
// correct regardless of what the Ring does afterward. There is no
// dangling-pointer hazard here for Resize to guard against.
func (r *Ring) Pinned() bool { return r.pending > 0 }

// Pin records that n bytes of the current prefix are borrowed by an
// outstanding read, for Pinned()/Inspect.
func (r *Ring) Pin(n uint32) { r.pending = n }

// Unpin clears the borrow record.
func (r *Ring) Unpin() { r.pending = 0 }

// SetVirtualLength raises the immutable upper bound on AllocLength. Only
// upward moves to a power of two are permitted.
func (r *Ring) SetVirtualLength(newVirtual uint32) error {
	if !pow2.IsPowerOfTwo(newVirtual) {
		return ErrNotPowerOfTwo
	}
	if newVirtual < r.virtualLength {
		return fmt.Errorf("%w: new virtual %d < current %d", ErrExceedsVirtual, newVirtual, r.virtualLength)
	}
	r.virtualLength = newVirtual
	return nil
}

// WriteByte writes one byte at the physical index corresponding to the
// given logical offset and sets the new prefix length. The caller (L1)
// is responsible for having already grown the ring and computed
// newPrefixLength from its gap map.
func (r *Ring) WriteByte(offset uint32, b byte, newPrefixLength uint32) {
	idx := (r.readStart + offset) % r.allocLength
	r.buffer[idx] = b
	r.prefixLength = newPrefixLength
}

// ReadByte returns the logical byte at offset, which must be < PrefixLength.
func (r *Ring) ReadByte(offset uint32) byte {
	idx := (r.readStart + offset) % r.allocLength
	return r.buffer[idx]
}

// WriteAt places data at the physical positions corresponding to logical
// offset [offset, offset+len(data)), splitting into one or two copies when
// the range wraps. It does not touch prefixLength or grow the ring; the
// caller must ensure offset+len(data) <= allocLength first (see
// EnsureCapacity) and call SetPrefixLength afterward.
func (r *Ring) WriteAt(offset uint32, data []byte) {
	if len(data) == 0 {
		return
	}
	off1, len1, off2, len2 := wrapsplit.Split(r.readStart, offset, uint32(len(data)), r.allocLength)
	copy(r.buffer[off1:off1+len1], data[:len1])
	if len2 > 0 {
		copy(r.buffer[off2:off2+len2], data[len1:len1+len2])
	}
}

// ReadAt copies the logical range [offset, offset+len(dst)) into dst,
// splitting into one or two copies when the range wraps.
func (r *Ring) ReadAt(offset uint32, dst []byte) {
	if len(dst) == 0 {
		return
	}
	off1, len1, off2, len2 := wrapsplit.Split(r.readStart, offset, uint32(len(dst)), r.allocLength)
	copy(dst[:len1], r.buffer[off1:off1+len1])
	if len2 > 0 {
		copy(dst[len1:len1+len2], r.buffer[off2:off2+len2])
	}
}

// SetPrefixLength sets the contiguous readable length directly. Used by L1
// after placing bytes with WriteAt at positions other than the prefix tail
// (gap fills), where WriteRange's "always appends" contract does not apply.
func (r *Ring) SetPrefixLength(n uint32) {
	r.prefixLength = n
}

// ReadRange copies length bytes of the contiguous prefix starting at
// logical 0 into dst[:length].
func (r *Ring) ReadRange(dst []byte, length uint32) {
	r.ReadAt(0, dst[:length])
}

// WriteRange appends length bytes to the tail of the current contiguous
// prefix, growing the ring first if needed. The caller guarantees the
// range is contiguous with the existing prefix (no gap).
func (r *Ring) WriteRange(src []byte) error {
	length := uint32(len(src))
	if length == 0 {
		return nil
	}
	needed := r.prefixLength + length
	if needed > r.allocLength {
		if err := r.EnsureCapacity(needed); err != nil {
			return err
		}
	}
	r.WriteAt(r.prefixLength, src)
	r.prefixLength += length
	return nil
}

// EnsureCapacity grows the ring, doubling allocLength until it is >= minAlloc,
// refusing to exceed virtualLength. A no-op if already sufficient.
func (r *Ring) EnsureCapacity(minAlloc uint32) error {
	if minAlloc <= r.allocLength {
		return nil
	}
	if minAlloc > r.virtualLength {
		return fmt.Errorf("%w: need %d > virtual %d", ErrExceedsVirtual, minAlloc, r.virtualLength)
	}
	return r.Resize(pow2.NextPowerOfTwo(minAlloc))
}

// Drain advances the read head by n bytes (n <= PrefixLength), shrinking the
// contiguous prefix. The advance is always modular, even when n equals the
// full prefix length: resetting readStart to 0 here would silently violate
// invariant 4 for subsequent writes.
func (r *Ring) Drain(n uint32) {
	r.readStart = (r.readStart + n) % r.allocLength
	r.prefixLength -= n
}

// Resize grows the ring to newAlloc (a power of two, allocLength <
// newAlloc <= virtualLength), linearizing the current contiguous prefix to
// physical index 0 in the fresh allocation. This is the single point at
// which readStart resets to 0.
//
// Resize is permitted even while a read span is pinned (Pinned()): the
// linearization copy carries the pinned bytes into the new buffer just
// like any other live byte, and a Go slice already handed to a caller is a
// self-contained (pointer, len, cap) value whose backing array the GC
// keeps alive regardless of what Ring does next. It simply won't reflect
// whatever the ring does after the resize, which is exactly what a
// zero-copy borrow promises and no more.
func (r *Ring) Resize(newAlloc uint32) error {
	if !pow2.IsPowerOfTwo(newAlloc) {
		return ErrNotPowerOfTwo
	}
	if newAlloc <= r.allocLength {
		return fmt.Errorf("ring: resize target %d must exceed current alloc %d", newAlloc, r.allocLength)
	}
	if newAlloc > r.virtualLength {
		return fmt.Errorf("%w: target %d > virtual %d", ErrExceedsVirtual, newAlloc, r.virtualLength)
	}

	newBuf, err := r.allocator.Allocate(newAlloc)
	if err != nil {
		return fmt.Errorf("%w: %v", alloc.ErrAllocFailed, err)
	}

	// Linearization copy: old [readStart, allocLength) -> new [0, ...),
	// then old [0, readStart) -> new [allocLength-readStart, ...).
	// When readStart == 0 the second segment is empty and must be skipped:
	// some allocators disallow even a zero-length copy whose source/dest
	// would sit at end-of-buffer.
	tailLen := r.allocLength - r.readStart
	copy(newBuf[:tailLen], r.buffer[r.readStart:r.allocLength])
	if r.readStart > 0 {
		copy(newBuf[tailLen:r.allocLength], r.buffer[:r.readStart])
	}

	r.log.Debug("ring resize",
		zap.Uint32("old_alloc", r.allocLength),
		zap.Uint32("new_alloc", newAlloc),
		zap.Uint32("prefix_length", r.prefixLength),
	)

	r.allocator.Free(r.buffer)
	r.buffer = newBuf
	r.readStart = 0
	r.allocLength = newAlloc
	return nil
}

// SpanAt returns one or two zero-copy slices covering the logical range
// [offset, offset+length), splitting at the wrap point when the range
// crosses the end of the backing buffer. The slices are valid until the
// next mutating call.
func (r *Ring) SpanAt(offset, length uint32) [][]byte {
	if length == 0 {
		return nil
	}
	off1, len1, off2, len2 := wrapsplit.Split(r.readStart, offset, length, r.allocLength)
	spans := [][]byte{r.buffer[off1 : off1+len1]}
	if len2 > 0 {
		spans = append(spans, r.buffer[off2:off2+len2])
	}
	return spans
}

// ExposeInternal hands out a zero-copy view of the ring's backing storage
// so L1 can build one or two output spans without copying. The returned
// buffer must not be retained past the next mutating call.
func (r *Ring) ExposeInternal() (buffer []byte, readStart, allocLength uint32) {
	return r.buffer, r.readStart, r.allocLength
}

// Uninitialize releases the backing buffer. Idempotent.
func (r *Ring) Uninitialize() {
	if r.buffer == nil {
		return
	}
	r.allocator.Free(r.buffer)
	r.buffer = nil
	r.allocLength = 0
	r.prefixLength = 0
	r.readStart = 0
}
