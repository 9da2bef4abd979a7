package vmm

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/cpu"
	"github.com/sparkle-os/sparkle/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errMisaligned1GPage  = &kernel.Error{Module: "vmm", Message: "1G huge page frame is not 1G-aligned"}
	errMisaligned2MPage  = &kernel.Error{Module: "vmm", Message: "2M huge page frame is not 2M-aligned"}
	errPageAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}
	errPageNotMapped     = &kernel.Error{Module: "vmm", Message: "page is not mapped"}
	errHugePageUnmap     = &kernel.Error{Module: "vmm", Message: "unmapping pages backed by huge pages is not supported"}
)

// Mapper manipulates the page table hierarchy that is reachable through the
// recursive slot of the active P4 table.
type Mapper struct {
	p4 P4Table
}

func newMapper() Mapper {
	return Mapper{p4: P4Table{table{addr: p4VirtualAddr}}}
}

// P4 returns a handle to the P4 table that the mapper operates on.
func (m *Mapper) P4() P4Table {
	return m.p4
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (m *Mapper) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	frame, err := m.PageToFrame(mm.PageFromAddress(virtAddr))
	if err != nil {
		return 0, err
	}

	return frame.Address() + (virtAddr & (mm.PageSize - 1)), nil
}

// PageToFrame returns the physical frame that page maps to. Pages backed by
// 1G and 2M huge pages are supported; a huge page entry whose frame is not
// aligned to the huge page size is a fatal error.
func (m *Mapper) PageToFrame(page mm.Page) (mm.Frame, *kernel.Error) {
	p3, ok := m.p4.NextTable(page.P4Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	p3Entry := *p3.Entry(page.P3Index())
	if p3Entry.HasFlags(FlagPresent | FlagHugePage) {
		start := p3Entry.Frame()
		if start%hugePage1GFrames != 0 {
			panic(errMisaligned1GPage)
		}
		return start + mm.Frame(page.P2Index()*entriesPerTable+page.P1Index()), nil
	}

	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	p2Entry := *p2.Entry(page.P2Index())
	if p2Entry.HasFlags(FlagPresent | FlagHugePage) {
		start := p2Entry.Frame()
		if start%hugePage2MFrames != 0 {
			panic(errMisaligned2MPage)
		}
		return start + mm.Frame(page.P1Index()), nil
	}

	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}

	frame, ok := p1.Entry(page.P1Index()).PointedFrame()
	if !ok {
		return mm.InvalidFrame, ErrInvalidMapping
	}
	return frame, nil
}

// MapTo establishes a mapping between a virtual page and a physical memory
// frame. Any missing intermediate tables are allocated from alloc. MapTo
// panics if the page is already mapped.
func (m *Mapper) MapTo(page mm.Page, frame mm.Frame, flags EntryFlag, alloc mm.FrameAllocator) {
	p3 := m.p4.NextTableCreate(page.P4Index(), alloc)
	p2 := p3.NextTableCreate(page.P3Index(), alloc)
	p1 := p2.NextTableCreate(page.P2Index(), alloc)

	entry := p1.Entry(page.P1Index())
	if !entry.IsUnused() {
		panic(errPageAlreadyMapped)
	}
	entry.Set(frame, flags|FlagPresent)
}

// Map maps page to a newly allocated frame.
func (m *Mapper) Map(page mm.Page, flags EntryFlag, alloc mm.FrameAllocator) {
	frame, err := alloc.AllocFrame()
	if err != nil {
		panic(err)
	}

	m.MapTo(page, frame, flags, alloc)
}

// IdentityMap maps frame to the page with the same address.
func (m *Mapper) IdentityMap(frame mm.Frame, flags EntryFlag, alloc mm.FrameAllocator) {
	m.MapTo(mm.PageFromAddress(frame.Address()), frame, flags, alloc)
}

// Unmap removes the mapping for page and flushes its TLB entry. Neither the
// frame that backed the page nor any page tables that become empty are
// returned to alloc. Unmapping a page that is not mapped or that is backed
// by a huge page is a fatal error.
func (m *Mapper) Unmap(page mm.Page, alloc mm.FrameAllocator) {
	if _, err := m.PageToFrame(page); err != nil {
		panic(errPageNotMapped)
	}

	p3, _ := m.p4.NextTable(page.P4Index())
	p2, ok := p3.NextTable(page.P3Index())
	if !ok {
		panic(errHugePageUnmap)
	}
	p1, ok := p2.NextTable(page.P2Index())
	if !ok {
		panic(errHugePageUnmap)
	}

	p1.Entry(page.P1Index()).SetUnused()
	flushTLBEntryFn(page.Address())
}
