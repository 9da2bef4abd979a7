package memory

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/kernel/mm/vmm"
)

var (
	// ErrInvalidStackSize is returned when a stack with zero pages is requested.
	ErrInvalidStackSize = &kernel.Error{Module: "memory", Message: "stack size must be at least one page"}

	// ErrStackRangeExhausted is returned when the reserved stack range
	// cannot fit the requested stack and its guard page.
	ErrStackRangeExhausted = &kernel.Error{Module: "memory", Message: "stack address range exhausted"}
)

// Stack describes an allocated stack. The stack grows down from Top towards
// Bottom; the page right below Bottom is an unmapped guard page.
type Stack struct {
	top, bottom uintptr
}

// Top returns the address right past the highest stack byte.
func (s Stack) Top() uintptr { return s.top }

// Bottom returns the lowest mapped stack address.
func (s Stack) Bottom() uintptr { return s.bottom }

// Size returns the stack size in bytes.
func (s Stack) Size() uintptr { return s.top - s.bottom }

// StackAllocator carves stacks out of a reserved range of virtual pages.
// Allocated ranges are never reused.
type StackAllocator struct {
	pages mm.PageRange
}

// NewStackAllocator returns a StackAllocator that serves stacks from the
// pages in [first, last].
func NewStackAllocator(first, last mm.Page) StackAllocator {
	return StackAllocator{pages: mm.NewPageRange(first, last)}
}

// AllocStack reserves a guard page followed by the requested number of
// writable pages which get mapped into the active page table. The allocator
// state is only updated if the whole stack fits in the remaining range.
func (sa *StackAllocator) AllocStack(active *vmm.ActivePageTable, alloc mm.FrameAllocator, pages int) (Stack, *kernel.Error) {
	if pages <= 0 {
		return Stack{}, ErrInvalidStackSize
	}

	// Work on a copy so a failed request leaves the range untouched.
	pageRange := sa.pages

	if _, ok := pageRange.Next(); !ok {
		return Stack{}, ErrStackRangeExhausted
	}

	first, ok := pageRange.Next()
	if !ok {
		return Stack{}, ErrStackRangeExhausted
	}

	last := first
	for i := 1; i < pages; i++ {
		if last, ok = pageRange.Next(); !ok {
			return Stack{}, ErrStackRangeExhausted
		}
	}

	sa.pages = pageRange

	stackPages := mm.NewPageRange(first, last)
	for page, ok := stackPages.Next(); ok; page, ok = stackPages.Next() {
		active.Map(page, vmm.FlagRW, alloc)
	}

	return Stack{
		top:    last.Address() + mm.PageSize,
		bottom: first.Address(),
	}, nil
}
