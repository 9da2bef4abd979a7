// Package emu provides a software model of the amd64 MMU that allows the
// paging code to run unmodified in user-mode. The model covers the pieces
// of the processor that the memory sub-system relies on:
//
//   - a physical RAM made of 4K frames that are materialized on first use
//   - the CR3 register and a 4-level page walk that honours huge pages and,
//     as a consequence, recursive page table mappings
//   - a TLB that caches successful translations until it is flushed via
//     FlushTLBEntry, FlushTLB or a CR3 write
//   - the EFER.NXE and CR0.WP control bits
//
// The package is only used by tests and host-side tools; it is never linked
// into the kernel image.
package emu

import (
	"unsafe"

	"github.com/google/btree"
)

// Page table entry bits interpreted by the page walker.
const (
	FlagPresent  = uint64(1 << 0)
	FlagRW       = uint64(1 << 1)
	FlagHugePage = uint64(1 << 7)
	FlagNoExec   = uint64(1 << 63)

	physAddrMask = uint64(0x000ffffffffff000)

	pageShift  = 12
	pageSize   = uintptr(1 << pageShift)
	entryCount = 512
	levels     = 4
)

// Fault describes a failed address translation. The MMU model raises a
// Fault by panicking with it, mirroring the way the hardware would raise a
// page fault or a general protection fault.
type Fault struct {
	// The virtual address that could not be translated.
	Addr uintptr

	// The paging level (4 to 1) where the walk stopped or 0 for
	// non-canonical addresses.
	Level int

	Reason string
}

// Error implements the error interface.
func (f *Fault) Error() string {
	return f.Reason
}

type frame struct {
	index uint64
	words [entryCount]uint64
}

// Stats collects counters for the privileged operations performed against
// a Machine.
type Stats struct {
	CR3Writes       int
	TLBEntryFlushes int
	TLBFullFlushes  int
	TLBHits         int
	TLBMisses       int
}

// Machine models the memory management unit of a single amd64 core.
type Machine struct {
	ram *btree.BTreeG[*frame]
	tlb map[uintptr]uintptr

	cr3          uintptr
	nxe          bool
	writeProtect bool

	stats Stats
}

// New returns a Machine with empty RAM and CR3 pointing to frame 0.
func New() *Machine {
	return &Machine{
		ram: btree.NewG(16, func(a, b *frame) bool { return a.index < b.index }),
		tlb: make(map[uintptr]uintptr),
	}
}

// frame returns the backing store for the frame with the given index,
// allocating it if this is the first time the frame is touched.
func (m *Machine) frame(index uint64) *frame {
	if f, found := m.ram.Get(&frame{index: index}); found {
		return f
	}

	f := &frame{index: index}
	m.ram.ReplaceOrInsert(f)
	return f
}

// peek returns the 64-bit word at the given index of a physical frame
// without materializing the frame.
func (m *Machine) peek(frameAddr uintptr, index uintptr) uint64 {
	f, found := m.ram.Get(&frame{index: uint64(frameAddr >> pageShift)})
	if !found {
		return 0
	}
	return f.words[index]
}

// Table provides direct physical access to the 512 64-bit words stored in
// the frame that contains physAddr.
func (m *Machine) Table(physAddr uintptr) *[entryCount]uint64 {
	return &m.frame(uint64(physAddr >> pageShift)).words
}

// FrameCount returns the number of physical frames touched so far.
func (m *Machine) FrameCount() int {
	return m.ram.Len()
}

// Stats returns a snapshot of the operation counters.
func (m *Machine) Stats() Stats {
	return m.stats
}

// ActivePDT returns the value of the CR3 register.
func (m *Machine) ActivePDT() uintptr {
	return m.cr3
}

// SwitchPDT loads CR3 with the given physical address and drops all cached
// translations.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.cr3 = pdtPhysAddr &^ (pageSize - 1)
	m.stats.CR3Writes++
	m.dropTLB()
}

// FlushTLBEntry drops the cached translation for the page containing
// virtAddr.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	delete(m.tlb, virtAddr&^(pageSize-1))
	m.stats.TLBEntryFlushes++
}

// FlushTLB drops all cached translations.
func (m *Machine) FlushTLB() {
	m.stats.TLBFullFlushes++
	m.dropTLB()
}

func (m *Machine) dropTLB() {
	for k := range m.tlb {
		delete(m.tlb, k)
	}
}

// EnableNXBit sets EFER.NXE.
func (m *Machine) EnableNXBit() { m.nxe = true }

// EnableWriteProtect sets CR0.WP.
func (m *Machine) EnableWriteProtect() { m.writeProtect = true }

// NXEnabled reports whether EFER.NXE is set.
func (m *Machine) NXEnabled() bool { return m.nxe }

// WriteProtectEnabled reports whether CR0.WP is set.
func (m *Machine) WriteProtectEnabled() bool { return m.writeProtect }

// Resolve translates virtAddr using the TLB and, on a miss, the page tables
// pointed to by CR3. It returns a pointer to the emulated physical memory
// backing the address. Resolve panics with a *Fault if the address is not
// mapped.
func (m *Machine) Resolve(virtAddr uintptr) unsafe.Pointer {
	page := virtAddr &^ (pageSize - 1)
	physPage, cached := m.tlb[page]
	if cached {
		m.stats.TLBHits++
	} else {
		m.stats.TLBMisses++
		var fault *Fault
		if physPage, fault = m.Walk(page); fault != nil {
			panic(fault)
		}
		m.tlb[page] = physPage
	}

	f := m.frame(uint64(physPage >> pageShift))
	return unsafe.Add(unsafe.Pointer(&f.words[0]), virtAddr&(pageSize-1))
}

// Walk performs an uncached page walk for virtAddr starting at CR3 and
// returns the physical address it maps to.
func (m *Machine) Walk(virtAddr uintptr) (uintptr, *Fault) {
	if !canonical(virtAddr) {
		return 0, &Fault{Addr: virtAddr, Reason: "general protection fault: non-canonical address"}
	}

	tableAddr := m.cr3
	for level := 0; level < levels; level++ {
		shift := uint(39 - 9*level)
		entry := m.peek(tableAddr, (virtAddr>>shift)&(entryCount-1))
		if entry&FlagPresent == 0 {
			return 0, &Fault{Addr: virtAddr, Level: levels - level, Reason: "page fault: entry not present"}
		}

		base := uintptr(entry & physAddrMask)
		if entry&FlagHugePage != 0 && (level == 1 || level == 2) {
			offsetMask := uintptr(1)<<shift - 1
			return (base &^ offsetMask) | (virtAddr & offsetMask), nil
		}
		tableAddr = base
	}

	return tableAddr | (virtAddr & (pageSize - 1)), nil
}

func canonical(virtAddr uintptr) bool {
	upper := virtAddr >> 47
	return upper == 0 || upper == (1<<17)-1
}
