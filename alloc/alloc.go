// Package alloc provides the byte-region allocator interface the ring layer
// consumes (spec §6: allocate(size)→pointer|null, free(pointer)) and two
// implementations: a direct make()-backed allocator and one bounded by a
// shared concurrency budget.
package alloc

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/semaphore"
)

// ErrAllocFailed is returned when an allocator cannot satisfy a request.
var ErrAllocFailed = errors.New("alloc: allocation failed")

// Allocator hands out and releases byte regions for ring storage.
type Allocator interface {
	// Allocate returns a zero-initialized region of exactly size bytes,
	// or ErrAllocFailed (or a wrapping error) if it cannot.
	Allocate(size uint32) ([]byte, error)
	// Free releases a region previously returned by Allocate. Implementations
	// may treat this as a no-op if they rely on garbage collection.
	Free(buf []byte)
}

// Default is a direct make()-backed allocator that never fails.
var Default Allocator = defaultAllocator{}

type defaultAllocator struct{}

func (defaultAllocator) Allocate(size uint32) ([]byte, error) {
	return make([]byte, size), nil
}

func (defaultAllocator) Free([]byte) {}

// Bounded wraps an Allocator with a shared concurrency budget, modeling a
// platform allocator contended by several engine instances in one process.
// It implements Allocator itself, so it can be passed straight to
// ring.WithAllocator / recvbuf.WithRingOptions in place of the allocator it
// wraps. The context governing acquisition is bound once at construction
// (Allocator's shape has no per-call context), so a request that cannot
// acquire a slot before ctx is done fails with ctx's error rather than
// blocking forever.
type Bounded struct {
	underlying Allocator
	sem        *semaphore.Weighted
	ctx        context.Context
}

// NewBounded returns an Allocator that admits at most maxConcurrent
// in-flight Allocate calls against underlying at any time, honoring ctx's
// deadline/cancellation across the lifetime of the returned Bounded.
func NewBounded(ctx context.Context, underlying Allocator, maxConcurrent int64) *Bounded {
	if ctx == nil {
		ctx = context.Background()
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Bounded{underlying: underlying, sem: semaphore.NewWeighted(maxConcurrent), ctx: ctx}
}

// Allocate acquires a budget slot (blocking until available, or until the
// bound context is done) then delegates to the underlying allocator.
func (b *Bounded) Allocate(size uint32) ([]byte, error) {
	if err := b.sem.Acquire(b.ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAllocFailed, err)
	}
	defer b.sem.Release(1)
	return b.underlying.Allocate(size)
}

// Free delegates to the underlying allocator; it does not release budget,
// since budget is consumed per Allocate call, not per live byte region.
func (b *Bounded) Free(buf []byte) {
	b.underlying.Free(buf)
}
