// Package sizeconfig bridges human-readable capacity strings ("64KiB",
// "1MiB") from configuration files to the power-of-two byte counts the
// ring and recv-buffer layers require, the way sakateka-yanet2's route and
// pdump config types embed datasize.ByteSize fields directly in their
// yaml-tagged structs rather than parsing raw integers.
package sizeconfig

import (
	"context"
	"fmt"

	"github.com/c2h5oh/datasize"

	"github.com/drgolem/streambuf/alloc"
	"github.com/drgolem/streambuf/internal/pow2"
	"github.com/drgolem/streambuf/recvbuf"
	"github.com/drgolem/streambuf/ring"
)

// Config is the human-facing capacity configuration for one RecvBuffer,
// suitable for embedding in a yaml/json/toml-decoded parent struct.
type Config struct {
	// InitialSize is the ring's starting physical allocation, e.g. "64KiB".
	// Rounded up to the nearest power of two if not already one.
	InitialSize datasize.ByteSize `yaml:"initial_size" json:"initial_size"`
	// VirtualSize is the upper bound the ring may ever grow to, e.g. "16MiB".
	// Rounded up to the nearest power of two if not already one.
	VirtualSize datasize.ByteSize `yaml:"virtual_size" json:"virtual_size"`
	// Mode selects the read/drain sequencing discipline.
	Mode ModeName `yaml:"mode" json:"mode"`
}

// ModeName is the textual form of recvbuf.Mode used in configuration, so
// operators write "single"/"circular"/"multiple" rather than integers.
type ModeName string

const (
	ModeSingle   ModeName = "single"
	ModeCircular ModeName = "circular"
	ModeMultiple ModeName = "multiple"
)

func (m ModeName) resolve() (recvbuf.Mode, error) {
	switch m {
	case ModeSingle:
		return recvbuf.Single, nil
	case ModeCircular:
		return recvbuf.Circular, nil
	case ModeMultiple:
		return recvbuf.Multiple, nil
	default:
		return 0, fmt.Errorf("sizeconfig: unknown mode %q", string(m))
	}
}

// Validate checks that VirtualSize >= InitialSize and that both are
// representable within the ring's 32-bit physical capacity domain, without
// yet rounding either to a power of two.
func (c Config) Validate() error {
	if c.VirtualSize < c.InitialSize {
		return fmt.Errorf("sizeconfig: virtual_size %s smaller than initial_size %s", c.VirtualSize, c.InitialSize)
	}
	if c.VirtualSize.Bytes() > uint64(^uint32(0)) {
		return fmt.Errorf("sizeconfig: virtual_size %s exceeds 32-bit capacity domain", c.VirtualSize)
	}
	if _, err := c.Mode.resolve(); err != nil {
		return err
	}
	return nil
}

// New builds a RecvBuffer from c, rounding InitialSize and VirtualSize up
// to the nearest power of two (recvbuf.New's own precondition) so operators
// can write round decimal sizes like "10MiB" without doing the math.
func New(c Config, opts ...recvbuf.Option) (*recvbuf.RecvBuffer, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	mode, err := c.Mode.resolve()
	if err != nil {
		return nil, err
	}

	initial := pow2.NextPowerOfTwo(uint32(c.InitialSize.Bytes()))
	virtual := pow2.NextPowerOfTwo(uint32(c.VirtualSize.Bytes()))
	if initial > virtual {
		return nil, fmt.Errorf("sizeconfig: rounded initial_size %d exceeds rounded virtual_size %d", initial, virtual)
	}

	return recvbuf.New(initial, virtual, mode, opts...)
}

// NewShared builds several RecvBuffers that draw their ring storage from
// one allocator shared across all of them, bounded to at most
// maxConcurrent in-flight allocations (alloc.Bounded). This is the
// multi-instance analogue of the single-engine-instance world spec.md
// describes: several RecvBuffers in one process contending for one
// platform allocation budget instead of each allocating freely. acquiring
// a slot honors ctx's deadline/cancellation for the lifetime of the
// returned buffers.
func NewShared(ctx context.Context, maxConcurrent int64, configs ...Config) ([]*recvbuf.RecvBuffer, error) {
	shared := alloc.NewBounded(ctx, alloc.Default, maxConcurrent)

	bufs := make([]*recvbuf.RecvBuffer, 0, len(configs))
	for _, c := range configs {
		b, err := New(c, recvbuf.WithRingOptions(ring.WithAllocator(shared)))
		if err != nil {
			return nil, err
		}
		bufs = append(bufs, b)
	}
	return bufs, nil
}
