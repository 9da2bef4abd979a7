package vmm

import (
	"unsafe"

	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/mm"
)

var (
	// tablePtrFn returns a pointer to the supplied virtual address. It is
	// used by tests to redirect page table accesses to an emulated MMU.
	// When compiling the kernel this function will be automatically
	// inlined.
	tablePtrFn = func(virtAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(virtAddr)
	}

	errHugePageTableCreate = &kernel.Error{Module: "vmm", Message: "cannot create a page table below a huge page entry"}
)

// table is a handle to a page table reachable at a virtual address through
// the recursive P4 mapping.
type table struct {
	addr uintptr
}

// Address returns the virtual address where the table can be accessed.
func (t table) Address() uintptr {
	return t.addr
}

// Entry returns a pointer to the entry at the given index.
func (t table) Entry(index uintptr) *Entry {
	return (*Entry)(tablePtrFn(t.addr + (index << mm.PointerShift)))
}

// Zero marks all table entries as unused.
func (t table) Zero() {
	for index := uintptr(0); index < entriesPerTable; index++ {
		t.Entry(index).SetUnused()
	}
}

// nextTableAddress returns the virtual address of the table that the entry
// at index points to. Shifting the table address left by 9 bits drops the
// outermost recursive hop so the MMU walks one level further down the
// hierarchy.
func (t table) nextTableAddress(index uintptr) (uintptr, bool) {
	entry := *t.Entry(index)
	if !entry.HasFlags(FlagPresent) || entry.HasFlags(FlagHugePage) {
		return 0, false
	}

	return (t.addr << 9) | (index << mm.PageShift), true
}

func (t table) nextTable(index uintptr) (table, bool) {
	addr, ok := t.nextTableAddress(index)
	return table{addr: addr}, ok
}

// nextTableCreate returns the table that the entry at index points to,
// allocating and clearing a new frame for it if the entry is unused.
// Frame exhaustion is a fatal error.
func (t table) nextTableCreate(index uintptr, alloc mm.FrameAllocator) table {
	if next, ok := t.nextTable(index); ok {
		return next
	}

	entry := t.Entry(index)
	if entry.HasFlags(FlagHugePage) {
		panic(errHugePageTableCreate)
	}

	frame, err := alloc.AllocFrame()
	if err != nil {
		panic(err)
	}
	entry.Set(frame, FlagPresent|FlagRW)

	next, _ := t.nextTable(index)
	next.Zero()
	return next
}

// P4Table is the root table of a 4-level page table hierarchy.
type P4Table struct{ table }

// P3Table is a page directory pointer table.
type P3Table struct{ table }

// P2Table is a page directory.
type P2Table struct{ table }

// P1Table is a page table whose entries map 4K pages. It has no next
// level.
type P1Table struct{ table }

// NextTable returns the P3 table that entry index points to or false if the
// entry is not present.
func (t P4Table) NextTable(index uintptr) (P3Table, bool) {
	next, ok := t.nextTable(index)
	return P3Table{next}, ok
}

// NextTableCreate returns the P3 table that entry index points to,
// allocating it if needed.
func (t P4Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) P3Table {
	return P3Table{t.nextTableCreate(index, alloc)}
}

// NextTable returns the P2 table that entry index points to or false if the
// entry is not present or maps a 1G page.
func (t P3Table) NextTable(index uintptr) (P2Table, bool) {
	next, ok := t.nextTable(index)
	return P2Table{next}, ok
}

// NextTableCreate returns the P2 table that entry index points to,
// allocating it if needed.
func (t P3Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) P2Table {
	return P2Table{t.nextTableCreate(index, alloc)}
}

// NextTable returns the P1 table that entry index points to or false if the
// entry is not present or maps a 2M page.
func (t P2Table) NextTable(index uintptr) (P1Table, bool) {
	next, ok := t.nextTable(index)
	return P1Table{next}, ok
}

// NextTableCreate returns the P1 table that entry index points to,
// allocating it if needed.
func (t P2Table) NextTableCreate(index uintptr, alloc mm.FrameAllocator) P1Table {
	return P1Table{t.nextTableCreate(index, alloc)}
}
