// Package memory bootstraps the kernel's memory sub-system. It discovers the
// available physical memory, replaces the bootloader's page tables, maps the
// kernel heap and sets up the allocator used for kernel stacks.
package memory

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/kfmt"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/kernel/mm/heap"
	"github.com/sparkle-os/sparkle/kernel/mm/pmm"
	"github.com/sparkle-os/sparkle/kernel/mm/vmm"
	"github.com/sparkle-os/sparkle/kernel/sync"
	"github.com/sparkle-os/sparkle/multiboot"
)

// StackPages is the number of virtual pages reserved for kernel stacks,
// guard pages included. The range starts right after the kernel heap.
const StackPages = 100

var (
	errAlreadyInitialized = &kernel.Error{Module: "memory", Message: "memory sub-system already initialized"}

	initGuard sync.OnceGuard

	// The following functions are used by tests to mock calls to other
	// packages and are automatically inlined by the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections
	infoRangeFn        = multiboot.InfoRange
	vmmInitFn          = vmm.Init
	heapInitFn         = heap.Init

	frameAllocator pmm.AreaFrameAllocator
	controller     Controller
)

// Controller owns the active page table, the physical frame allocator and
// the kernel stack allocator once the memory sub-system is up.
type Controller struct {
	activeTable *vmm.ActivePageTable
	frameAlloc  mm.FrameAllocator
	stackAlloc  StackAllocator
}

// AllocStack allocates a kernel stack with the given number of pages. The
// page below the stack bottom is left unmapped.
func (c *Controller) AllocStack(pages int) (Stack, *kernel.Error) {
	return c.stackAlloc.AllocStack(c.activeTable, c.frameAlloc, pages)
}

// Init sets up the memory sub-system using the memory map and ELF section
// information supplied by the bootloader and returns the memory controller.
// Any failure is fatal; calling Init more than once panics.
func Init() *Controller {
	if !initGuard.FirstCall() {
		panic(errAlreadyInitialized)
	}

	kernelStart, kernelEnd, err := kernelImageRange()
	if err != nil {
		panic(err)
	}
	infoStart, infoEnd := infoRangeFn()

	if err = frameAllocator.Init(kernelStart, kernelEnd, infoStart, infoEnd); err != nil {
		panic(err)
	}
	frameAllocator.PrintMemoryMap()

	activeTable := vmmInitFn(&frameAllocator)

	heapPages := mm.NewPageRange(
		mm.PageFromAddress(heap.Start),
		mm.PageFromAddress(heap.Start+heap.Size-1),
	)
	for page, ok := heapPages.Next(); ok; page, ok = heapPages.Next() {
		activeTable.Map(page, vmm.FlagRW, &frameAllocator)
	}
	heapInitFn(heap.Start, heap.Size)
	kfmt.Printf("[memory] heap mapped at 0x%x - 0x%x\n", heap.Start, heap.Start+heap.Size)

	stackStart := mm.PageFromAddress(heap.Start + heap.Size)
	controller = Controller{
		activeTable: activeTable,
		frameAlloc:  &frameAllocator,
		stackAlloc:  NewStackAllocator(stackStart, stackStart.Add(StackPages-1)),
	}
	kfmt.Printf("[memory] stack range at 0x%x - 0x%x\n", stackStart.Address(), stackStart.Add(StackPages).Address())

	return &controller
}

// kernelImageRange returns the [start, end) physical address range spanned
// by the allocated sections of the kernel image.
func kernelImageRange() (uintptr, uintptr, *kernel.Error) {
	var (
		start = ^uintptr(0)
		end   uintptr
	)

	err := visitElfSectionsFn(func(sec multiboot.ElfSection) {
		if (sec.Flags&multiboot.ElfSectionAllocated) == 0 || sec.Address == 0 {
			return
		}

		if sec.Address < start {
			start = sec.Address
		}
		if secEnd := sec.Address + uintptr(sec.Size); secEnd > end {
			end = secEnd
		}
	})

	if err != nil {
		return 0, 0, err
	}

	if end == 0 {
		start = 0
	}
	return start, end, nil
}
