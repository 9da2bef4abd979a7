// Package pmm contains the physical memory allocator used while the kernel
// sets up its own page tables.
package pmm

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/kfmt"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/multiboot"
)

var (
	errOutOfMemory        = &kernel.Error{Module: "pmm", Message: "out of memory"}
	errDeallocUnsupported = &kernel.Error{Module: "pmm", Message: "frame deallocation is not supported"}

	// visitMemRegionsFn is mocked by tests.
	visitMemRegionsFn = multiboot.VisitMemRegions
)

// frameSpan describes the half-open frame range [start, end).
type frameSpan struct {
	start, end mm.Frame
}

func (s frameSpan) contains(f mm.Frame) bool {
	return f >= s.start && f < s.end
}

// spanFromAddresses returns the frames that overlap the physical address
// range [start, end).
func spanFromAddresses(start, end uintptr) frameSpan {
	span := frameSpan{
		start: mm.FrameFromAddress(start),
		end:   mm.FrameFromAddress(end + mm.PageSize - 1),
	}
	if span.end < span.start {
		span.end = span.start
	}
	return span
}

// AreaFrameAllocator hands out physical frames from the available memory
// areas reported by the bootloader.
//
// Frames are returned in strictly increasing order. The allocator keeps a
// cursor (the next candidate frame) and the area that contains it. When the
// current area is exhausted, the allocator switches to the available area
// with the lowest base address whose last frame lies at or after the
// cursor. Frames occupied by the kernel image or the boot information
// structure are never returned.
//
// The allocator never reuses frames; DeallocFrame is not supported.
type AreaFrameAllocator struct {
	// nextFrame is the next candidate frame.
	nextFrame mm.Frame

	// current is the area that contains nextFrame. It is only valid if
	// hasArea is true.
	current frameSpan
	hasArea bool

	// Keep track of the kernel and boot info locations so we exclude
	// these regions.
	kernelStartAddr, kernelEndAddr     uintptr
	kernelFrames                       frameSpan
	bootInfoStartAddr, bootInfoEndAddr uintptr
	bootInfoFrames                     frameSpan

	// allocCount tracks the total number of allocated frames.
	allocCount uint64
}

// Init sets up the allocator state. The end addresses of the kernel image
// and the boot information are exclusive. Init returns an error if the
// bootloader did not provide a memory map.
func (alloc *AreaFrameAllocator) Init(kernelStart, kernelEnd, bootInfoStart, bootInfoEnd uintptr) *kernel.Error {
	*alloc = AreaFrameAllocator{
		kernelStartAddr:   kernelStart,
		kernelEndAddr:     kernelEnd,
		kernelFrames:      spanFromAddresses(kernelStart, kernelEnd),
		bootInfoStartAddr: bootInfoStart,
		bootInfoEndAddr:   bootInfoEnd,
		bootInfoFrames:    spanFromAddresses(bootInfoStart, bootInfoEnd),
	}

	return alloc.chooseNextArea()
}

// availableSpan returns the frames that are fully contained in an available
// memory region. Reported addresses may not be page-aligned so the start is
// rounded up and the end is rounded down.
func availableSpan(region multiboot.MemoryMapEntry) (frameSpan, bool) {
	if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
		return frameSpan{}, false
	}

	pageSizeMinus1 := uint64(mm.PageSize - 1)
	span := frameSpan{
		start: mm.Frame((region.PhysAddress + pageSizeMinus1) >> mm.PageShift),
		end:   mm.Frame((region.PhysAddress + region.Length) >> mm.PageShift),
	}

	return span, span.end > span.start
}

// chooseNextArea selects the available area with the lowest base address
// that still contains frames at or after the cursor and advances the cursor
// to the start of that area if needed.
func (alloc *AreaFrameAllocator) chooseNextArea() *kernel.Error {
	alloc.hasArea = false

	err := visitMemRegionsFn(func(region multiboot.MemoryMapEntry) bool {
		span, ok := availableSpan(region)
		if !ok || span.end <= alloc.nextFrame {
			return true
		}

		if !alloc.hasArea || span.start < alloc.current.start {
			alloc.current = span
			alloc.hasArea = true
		}
		return true
	})

	if alloc.hasArea && alloc.nextFrame < alloc.current.start {
		alloc.nextFrame = alloc.current.start
	}

	return err
}

// AllocFrame reserves the next available free frame. It returns
// mm.InvalidFrame and an error if no more memory can be allocated.
func (alloc *AreaFrameAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	for alloc.hasArea {
		frame := alloc.nextFrame

		switch {
		case frame >= alloc.current.end:
			_ = alloc.chooseNextArea()
		case alloc.kernelFrames.contains(frame):
			alloc.nextFrame = alloc.kernelFrames.end
		case alloc.bootInfoFrames.contains(frame):
			alloc.nextFrame = alloc.bootInfoFrames.end
		default:
			alloc.nextFrame++
			alloc.allocCount++
			return frame, nil
		}
	}

	return mm.InvalidFrame, errOutOfMemory
}

// DeallocFrame is not supported by this allocator and always panics.
func (alloc *AreaFrameAllocator) DeallocFrame(_ mm.Frame) {
	panic(errDeallocUnsupported)
}

// AllocatedFrames returns the number of frames handed out so far.
func (alloc *AreaFrameAllocator) AllocatedFrames() uint64 {
	return alloc.allocCount
}

// PrintMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map together with the
// ranges reserved for the kernel image and the boot information.
func (alloc *AreaFrameAllocator) PrintMemoryMap() {
	kfmt.Printf("[pmm] system memory map:\n")
	var totalFree mm.Size
	_ = visitMemRegionsFn(func(region multiboot.MemoryMapEntry) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == multiboot.MemAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[pmm] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[pmm] kernel loaded at 0x%x - 0x%x, reserved frames: %d\n",
		alloc.kernelStartAddr, alloc.kernelEndAddr,
		uint64(alloc.kernelFrames.end-alloc.kernelFrames.start),
	)
	kfmt.Printf("[pmm] boot info at 0x%x - 0x%x, reserved frames: %d\n",
		alloc.bootInfoStartAddr, alloc.bootInfoEndAddr,
		uint64(alloc.bootInfoFrames.end-alloc.bootInfoFrames.start),
	)
}
