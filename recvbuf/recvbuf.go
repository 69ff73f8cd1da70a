// Package recvbuf implements the L1 stream recv-buffer: absolute stream
// offsets, gap tracking for out-of-order arrivals, contiguous-prefix
// accounting, the read/drain protocol, flow-control quota accounting, and
// mode selection, all layered on top of the L0 ring (package ring).
package recvbuf

import (
	"errors"
	"fmt"
	"math"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/drgolem/streambuf/alloc"
	"github.com/drgolem/streambuf/gapset"
	"github.com/drgolem/streambuf/internal/pow2"
	"github.com/drgolem/streambuf/ring"
)

// Span is a zero-copy view into the ring's backing storage, valid until
// the next Drain or mutating call on the RecvBuffer it came from.
type Span struct {
	Data []byte
}

// ReadResult is the outcome of a successful Read.
type ReadResult struct {
	Token        ReadToken
	StreamOffset uint64
	Spans        []Span
}

// WriteResult is the outcome of a successful Write.
type WriteResult struct {
	QuotaConsumed uint64
	Ready         bool
}

// Snapshot is the test/diagnostic view of internal state (spec.md §6, Inspect).
type Snapshot struct {
	BaseOffset       uint64
	PrefixLength     uint32
	WrittenHighWater uint64
	Gaps             []gapset.Range
	AllocLength      uint32
	VirtualLength    uint32
	ReadStart        uint32
	PendingReads     int
}

type pendingRead struct {
	token  ReadToken
	offset uint64
	length uint32
}

// RecvBuffer is the L1 stream recv-buffer.
type RecvBuffer struct {
	ring *ring.Ring

	baseOffset       uint64
	gaps             *gapset.Set
	writtenHighWater uint64
	mode             Mode

	pending           []pendingRead
	nextToken         ReadToken
	multipleHighWater uint64 // MULTIPLE mode only: boundary already handed out by Read

	id       uuid.UUID
	log      *zap.Logger
	ringOpts []ring.Option
}

// Option configures a RecvBuffer at construction.
type Option func(*RecvBuffer)

// WithLogger attaches a structured logger. Default is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *RecvBuffer) { b.log = l }
}

// WithRingOptions forwards options to the underlying ring.New call, e.g.
// ring.WithAllocator to inject a custom byte-region allocator.
func WithRingOptions(opts ...ring.Option) Option {
	return func(b *RecvBuffer) { b.ringOpts = append(b.ringOpts, opts...) }
}

// New creates a RecvBuffer with the given initial and virtual capacities
// (both positive powers of two, initial <= virtual) and sequencing mode.
func New(initialAlloc, virtualAlloc uint32, mode Mode, opts ...Option) (*RecvBuffer, error) {
	b := &RecvBuffer{
		gaps: gapset.New(),
		mode: mode,
		id:   uuid.New(),
		log:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	r, err := ring.New(initialAlloc, virtualAlloc, append(b.ringOpts, ring.WithLogger(b.log))...)
	if err != nil {
		if errors.Is(err, alloc.ErrAllocFailed) {
			return nil, newError(FailAlloc, 0, err.Error())
		}
		return nil, newError(FailPrecondition, 0, err.Error())
	}
	b.ring = r
	return b, nil
}

func (b *RecvBuffer) pendingTotal() uint32 {
	var total uint32
	for _, p := range b.pending {
		total += p.length
	}
	return total
}

// Write absorbs a received byte range at absOffset (spec.md §4.2).
func (b *RecvBuffer) Write(absOffset uint64, data []byte, quota uint64) (WriteResult, error) {
	length := uint64(len(data))

	// Step 1: relative positioning. rel may be negative (already drained).
	var rel int64
	if absOffset >= b.baseOffset {
		rel = int64(absOffset - b.baseOffset)
	} else {
		rel = -int64(b.baseOffset - absOffset)
	}
	if rel+int64(length) <= 0 {
		return WriteResult{}, nil
	}

	// Step 2: clip the leading part that precedes baseOffset.
	if rel < 0 {
		trim := uint64(-rel)
		data = data[trim:]
		length -= trim
		rel = 0
	}
	relU := uint64(rel)
	endU := relU + length
	absLo := b.baseOffset + relU
	absHi := b.baseOffset + endU

	// Step 3: quota, then capacity. Flow control is checked first: whether
	// the caller is entitled to send these bytes at all is independent of
	// whether the ring could technically be grown to hold them.
	newBytes := b.newBytesFor(absLo, absHi)
	if newBytes > quota {
		// Flow control reports the raw byte count the write needed, not a
		// capacity figure: quota is a byte budget, not an allocation size,
		// so there is nothing to round to a power of two here (spec.md §8
		// scenario 5: needed_size=100 for a 100-byte write, not 128).
		return WriteResult{}, newError(FailFlowControl, endU, fmt.Sprintf("write needs %d new bytes, quota is %d", newBytes, quota))
	}
	if endU > uint64(b.ring.VirtualLength()) {
		needed := pow2.NextPowerOfTwo64(endU)
		return WriteResult{}, newError(FailExceedsVirtual, needed, fmt.Sprintf("write end %d exceeds virtual length %d", endU, b.ring.VirtualLength()))
	}

	// Step 4: grow if needed. A pinned read does not block this: the ring's
	// linearizing resize carries pinned bytes forward faithfully, and a span
	// already handed to a caller is a self-contained Go slice unaffected by
	// what the ring does afterward (see SPEC_FULL.md §14).
	if endU > uint64(b.ring.AllocLength()) {
		if endU > math.MaxUint32 {
			return WriteResult{}, newError(FailExceedsVirtual, pow2.NextPowerOfTwo64(endU), "relative end exceeds 32-bit capacity domain")
		}
		if err := b.ring.EnsureCapacity(uint32(endU)); err != nil {
			return WriteResult{}, newError(FailAlloc, pow2.NextPowerOfTwo64(endU), err.Error())
		}
	}

	// Step 5: placement. Overlap with the existing prefix is assumed
	// byte-identical; we simply overwrite, never corrupt.
	b.ring.WriteAt(uint32(relU), data)

	// Step 6: gap update.
	prefixEndBefore := b.baseOffset + uint64(b.ring.PrefixLength())
	if absLo > b.writtenHighWater {
		b.gaps.Add(b.writtenHighWater, absLo)
	}
	if absHi > b.writtenHighWater {
		b.writtenHighWater = absHi
	}
	b.gaps.Subtract(absLo, absHi)

	var newPrefixEnd uint64
	if first, ok := b.gaps.First(); ok {
		newPrefixEnd = first.Lo
	} else {
		newPrefixEnd = b.writtenHighWater
	}
	b.ring.SetPrefixLength(uint32(newPrefixEnd - b.baseOffset))

	ready := newPrefixEnd > prefixEndBefore

	b.log.Debug("recvbuf write",
		zap.String("id", b.id.String()),
		zap.Uint64("abs_offset", absOffset),
		zap.Int("len", len(data)),
		zap.Bool("ready", ready),
	)

	return WriteResult{QuotaConsumed: newBytes, Ready: ready}, nil
}

// newBytesFor returns how many bytes of [lo, hi) are not already accounted
// for: either beyond the high-water mark (never seen) or inside a gap
// (seen-as-missing). Bytes inside the live prefix or an already-filled
// region beyond a gap cost nothing extra (spec.md §4.2 step 3).
func (b *RecvBuffer) newBytesFor(lo, hi uint64) uint64 {
	var beyondHighWater uint64
	if hi > b.writtenHighWater {
		start := lo
		if start < b.writtenHighWater {
			start = b.writtenHighWater
		}
		beyondHighWater = hi - start
	}
	withinKnown := hi
	if withinKnown > b.writtenHighWater {
		withinKnown = b.writtenHighWater
	}
	var overlapGaps uint64
	if withinKnown > lo {
		overlapGaps = b.gaps.Overlap(lo, withinKnown)
	}
	return beyondHighWater + overlapGaps
}

// Read returns one or two zero-copy spans of newly-readable data. In
// SINGLE and CIRCULAR mode this is always the whole contiguous prefix, and
// a second Read before Drain is refused. In MULTIPLE mode successive reads
// return the increment of the prefix since the last Read, so several
// disjoint spans may be outstanding at once (spec.md §4.2, §9's Open
// Question — see SPEC_FULL.md §13 for the chosen contract).
func (b *RecvBuffer) Read() (ReadResult, error) {
	if b.mode == Multiple {
		return b.readMultiple()
	}

	if b.ring.PrefixLength() == 0 {
		return ReadResult{}, ErrUnavailable
	}
	if len(b.pending) > 0 {
		return ReadResult{}, ErrUnavailable
	}

	if b.mode == Single {
		_, readStart, allocLength := b.ring.ExposeInternal()
		if readStart+b.ring.PrefixLength() > allocLength {
			if b.ring.AllocLength() >= b.ring.VirtualLength() {
				return ReadResult{}, ErrUnavailable
			}
			if err := b.ring.EnsureCapacity(b.ring.AllocLength() + 1); err != nil {
				return ReadResult{}, ErrUnavailable
			}
		}
	}

	prefixLength := b.ring.PrefixLength()
	spans := toSpans(b.ring.SpanAt(0, prefixLength))

	tok := b.nextToken
	b.nextToken++
	b.pending = append(b.pending, pendingRead{token: tok, offset: b.baseOffset, length: prefixLength})
	b.ring.Pin(b.pendingTotal())

	return ReadResult{Token: tok, StreamOffset: b.baseOffset, Spans: spans}, nil
}

// readMultiple hands out the portion of the contiguous prefix not yet
// returned by an earlier MULTIPLE-mode Read, as its own disjoint span set.
func (b *RecvBuffer) readMultiple() (ReadResult, error) {
	end := b.baseOffset + uint64(b.ring.PrefixLength())
	if end <= b.multipleHighWater {
		return ReadResult{}, ErrUnavailable
	}

	start := b.multipleHighWater
	length := uint32(end - start)
	relStart := uint32(start - b.baseOffset)
	spans := toSpans(b.ring.SpanAt(relStart, length))

	tok := b.nextToken
	b.nextToken++
	b.pending = append(b.pending, pendingRead{token: tok, offset: start, length: length})
	b.multipleHighWater = end
	b.ring.Pin(b.pendingTotal())

	return ReadResult{Token: tok, StreamOffset: start, Spans: spans}, nil
}

func toSpans(raw [][]byte) []Span {
	spans := make([]Span, len(raw))
	for i, d := range raw {
		spans[i] = Span{Data: d}
	}
	return spans
}

// Drain releases n bytes checked out under token. n may be less than the
// token's full pending length (a partial drain); the remainder stays
// checked out. token must be the oldest outstanding read.
func (b *RecvBuffer) Drain(token ReadToken, n uint32) error {
	if len(b.pending) == 0 {
		return newError(FailPrecondition, 0, "drain with no outstanding read")
	}
	head := &b.pending[0]
	if head.token != token {
		return newError(FailPrecondition, 0, "drain token is not the oldest outstanding read")
	}
	if n > head.length {
		return newError(FailPrecondition, 0, fmt.Sprintf("drain %d exceeds pending length %d", n, head.length))
	}

	b.ring.Drain(n)
	b.baseOffset += uint64(n)
	head.length -= n

	if head.length == 0 {
		b.pending = b.pending[1:]
		// Token offsets shift down with baseOffset automatically since we
		// store absolute offsets only at Read time for reporting; no
		// further bookkeeping is needed for the remaining pending entries.
	}
	b.ring.Pin(b.pendingTotal())

	b.log.Debug("recvbuf drain",
		zap.String("id", b.id.String()),
		zap.Uint32("n", n),
		zap.Uint64("base_offset", b.baseOffset),
	)
	return nil
}

// GrowVirtual raises the virtual capacity ceiling (a power of two, >= the
// current ceiling), permitting larger future writes and SINGLE-mode
// coalescing grows.
func (b *RecvBuffer) GrowVirtual(newVirtual uint32) error {
	if err := b.ring.SetVirtualLength(newVirtual); err != nil {
		return newError(FailPrecondition, 0, err.Error())
	}
	return nil
}

// Inspect returns a snapshot of internal state for tests and diagnostics.
func (b *RecvBuffer) Inspect() Snapshot {
	_, readStart, allocLength := b.ring.ExposeInternal()
	return Snapshot{
		BaseOffset:       b.baseOffset,
		PrefixLength:     b.ring.PrefixLength(),
		WrittenHighWater: b.writtenHighWater,
		Gaps:             append([]gapset.Range(nil), b.gaps.Ranges()...),
		AllocLength:      allocLength,
		VirtualLength:    b.ring.VirtualLength(),
		ReadStart:        readStart,
		PendingReads:     len(b.pending),
	}
}

// Teardown releases the ring's backing storage. It fails loudly rather
// than silently dropping data if any reads are still checked out, naming
// every stuck token so a caller juggling several MULTIPLE-mode reads can
// see all of them at once instead of fixing one and re-discovering the
// next on a second call.
func (b *RecvBuffer) Teardown() error {
	if len(b.pending) > 0 {
		var result *multierror.Error
		for _, p := range b.pending {
			result = multierror.Append(result, newError(FailPrecondition, 0,
				fmt.Sprintf("teardown with outstanding read token=%d offset=%d length=%d", p.token, p.offset, p.length)))
		}
		return result.ErrorOrNil()
	}
	b.ring.Uninitialize()
	return nil
}
