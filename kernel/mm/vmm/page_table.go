package vmm

import (
	"github.com/sparkle-os/sparkle/kernel/cpu"
	"github.com/sparkle-os/sparkle/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// flushTLBFn is used by tests to override calls to flushTLB which
	// will cause a fault if called in user-mode.
	flushTLBFn = cpu.FlushTLB
)

// InactivePageTable is a page table hierarchy that is not currently loaded
// into CR3.
type InactivePageTable struct {
	p4Frame mm.Frame
}

// NewInactivePageTable clears frame and turns it into the root of a new
// page table hierarchy whose last entry points back to frame. The frame is
// accessed through tmp, which is mapped in the active table.
func NewInactivePageTable(frame mm.Frame, active *ActivePageTable, tmp *TemporaryPage) InactivePageTable {
	p4 := tmp.MapTableFrame(frame, active)
	p4.Zero()
	p4.Entry(recursiveSlot).Set(frame, FlagPresent|FlagRW)
	tmp.Unmap(active)

	return InactivePageTable{p4Frame: frame}
}

// P4Frame returns the frame that holds the root table of the hierarchy.
func (t InactivePageTable) P4Frame() mm.Frame {
	return t.p4Frame
}

// ActivePageTable is the page table hierarchy currently loaded into CR3.
// Only one instance may exist; it is created by Init.
type ActivePageTable struct {
	Mapper
}

func newActivePageTable() *ActivePageTable {
	return &ActivePageTable{Mapper: newMapper()}
}

// With runs fn with the mapper temporarily redirected to the hierarchy
// rooted at inactive.
//
// This works by pointing the recursive slot of the active P4 to the root of
// inactive. The MMU keeps using the active P4 for translating all other
// addresses but every recursive page table access now lands on the tables
// of the inactive hierarchy. The original recursive entry is restored via
// tmp, which is mapped to the active P4 frame for the duration of the call,
// even if fn panics.
func (a *ActivePageTable) With(inactive *InactivePageTable, tmp *TemporaryPage, fn func(*Mapper)) {
	backup := mm.FrameFromAddress(activePDTFn())
	activeP4 := tmp.MapTableFrame(backup, a)

	a.p4.Entry(recursiveSlot).Set(inactive.p4Frame, FlagPresent|FlagRW)
	flushTLBFn()

	defer func() {
		activeP4.Entry(recursiveSlot).Set(backup, FlagPresent|FlagRW)
		flushTLBFn()
		tmp.Unmap(a)
	}()

	fn(&a.Mapper)
}

// Switch loads newTable into CR3 and returns the previously active table.
func (a *ActivePageTable) Switch(newTable InactivePageTable) InactivePageTable {
	oldTable := InactivePageTable{p4Frame: mm.FrameFromAddress(activePDTFn())}
	switchPDTFn(newTable.p4Frame.Address())
	return oldTable
}
