package vmm

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/mm"
)

var (
	errTempPageInUse          = &kernel.Error{Module: "vmm", Message: "temporary page is already mapped"}
	errTinyAllocatorExhausted = &kernel.Error{Module: "vmm", Message: "temporary page allocator is out of frames"}
	errTinyAllocatorFull      = &kernel.Error{Module: "vmm", Message: "temporary page allocator cannot hold more frames"}
)

// tinyFrames is the number of frames needed to build the P3, P2 and P1
// tables for a single page.
const tinyFrames = 3

// tinyAllocator holds the frames that a TemporaryPage may need for creating
// its page tables.
type tinyAllocator struct {
	frames [tinyFrames]mm.Frame
}

func newTinyAllocator(alloc mm.FrameAllocator) tinyAllocator {
	var ta tinyAllocator
	for i := range ta.frames {
		frame, err := alloc.AllocFrame()
		if err != nil {
			panic(err)
		}
		ta.frames[i] = frame
	}
	return ta
}

// AllocFrame hands out one of the reserved frames. Running out of frames
// is a fatal error.
func (ta *tinyAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for i, frame := range ta.frames {
		if frame.Valid() {
			ta.frames[i] = mm.InvalidFrame
			return frame, nil
		}
	}

	panic(errTinyAllocatorExhausted)
}

// DeallocFrame returns a frame to the allocator. It panics if all slots are
// already occupied.
func (ta *tinyAllocator) DeallocFrame(frame mm.Frame) {
	for i := range ta.frames {
		if !ta.frames[i].Valid() {
			ta.frames[i] = frame
			return
		}
	}

	panic(errTinyAllocatorFull)
}

// TemporaryPage is a reserved virtual page that can be pointed to any
// physical frame in order to access its contents. It is used for editing
// page tables that are not part of the active hierarchy.
type TemporaryPage struct {
	page  mm.Page
	alloc tinyAllocator
}

// NewTemporaryPage reserves the frames that the temporary page may need for
// its page tables from alloc.
func NewTemporaryPage(page mm.Page, alloc mm.FrameAllocator) *TemporaryPage {
	return &TemporaryPage{
		page:  page,
		alloc: newTinyAllocator(alloc),
	}
}

// Map points the temporary page to frame in the active table and returns its
// virtual address. Map panics if the temporary page is already mapped.
func (tp *TemporaryPage) Map(frame mm.Frame, active *ActivePageTable) uintptr {
	if _, err := active.PageToFrame(tp.page); err == nil {
		panic(errTempPageInUse)
	}

	active.MapTo(tp.page, frame, FlagRW, &tp.alloc)
	return tp.page.Address()
}

// MapTableFrame maps frame like Map does and returns a handle for accessing
// it as a page table.
func (tp *TemporaryPage) MapTableFrame(frame mm.Frame, active *ActivePageTable) P1Table {
	return P1Table{table{addr: tp.Map(frame, active)}}
}

// Unmap removes the temporary mapping from the active table.
func (tp *TemporaryPage) Unmap(active *ActivePageTable) {
	active.Unmap(tp.page, &tp.alloc)
}
