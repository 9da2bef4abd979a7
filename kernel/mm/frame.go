// Package mm contains the address types shared by the physical and virtual
// memory managers.
package mm

import (
	"math"

	"github.com/sparkle-os/sparkle/kernel"
)

// Frame describes a physical memory page index.
//
// A Frame obtained from a FrameAllocator represents the right to use the
// underlying physical page. Code outside the memory managers should never
// fabricate frames from arbitrary numbers; doing so can cause the same
// physical page to be mapped twice.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address where this frame begins. The
// returned address is always page-aligned.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(PageSize - 1)) >> PageShift)
}

// FrameRange iterates an inclusive range of frames.
type FrameRange struct {
	next, last Frame
	done       bool
}

// NewFrameRange returns an iterator over the frames in [start, end].
func NewFrameRange(start, end Frame) FrameRange {
	return FrameRange{next: start, last: end, done: start > end}
}

// Next returns the next frame in the range and true or InvalidFrame and
// false once the range is exhausted.
func (r *FrameRange) Next() (Frame, bool) {
	if r.done {
		return InvalidFrame, false
	}

	f := r.next
	if f == r.last {
		r.done = true
	} else {
		r.next++
	}
	return f, true
}

// FrameAllocator is implemented by physical memory allocators that can
// hand out page frames.
type FrameAllocator interface {
	// AllocFrame reserves a free physical frame. Allocators return
	// InvalidFrame and an error when no memory is left.
	AllocFrame() (Frame, *kernel.Error)

	// DeallocFrame returns a frame to the allocator.
	DeallocFrame(Frame)
}
