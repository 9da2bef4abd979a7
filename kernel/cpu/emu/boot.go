package emu

// RecursiveSlot is the P4 entry that the kernel maps back to the P4 itself.
const RecursiveSlot = entryCount - 1

// Boot emulates the page tables set up by the boot assembly stub before the
// kernel gains control: a P4 at p4Addr that maps itself through
// RecursiveSlot and identity-maps the first GiB of physical memory with 2M
// pages (via a P3 at p3Addr and a P2 at p2Addr). CR3 is pointed at the new
// P4.
func (m *Machine) Boot(p4Addr, p3Addr, p2Addr uintptr) {
	p4, p3, p2 := m.Table(p4Addr), m.Table(p3Addr), m.Table(p2Addr)
	*p4, *p3, *p2 = [entryCount]uint64{}, [entryCount]uint64{}, [entryCount]uint64{}

	p4[0] = uint64(p3Addr) | FlagPresent | FlagRW
	p4[RecursiveSlot] = uint64(p4Addr) | FlagPresent | FlagRW
	p3[0] = uint64(p2Addr) | FlagPresent | FlagRW
	for i := range p2 {
		p2[i] = uint64(i)<<21 | FlagPresent | FlagRW | FlagHugePage
	}

	m.SwitchPDT(p4Addr)
}

// BootRecursiveOnly emulates a minimal boot environment where the P4 at
// p4Addr only contains the recursive mapping.
func (m *Machine) BootRecursiveOnly(p4Addr uintptr) {
	p4 := m.Table(p4Addr)
	*p4 = [entryCount]uint64{}
	p4[RecursiveSlot] = uint64(p4Addr) | FlagPresent | FlagRW
	m.SwitchPDT(p4Addr)
}

// Mapping describes a leaf translation installed in the active page tables.
type Mapping struct {
	Virt, Phys, Size uintptr
	Flags            uint64
}

// Mappings walks the page tables pointed to by CR3 and invokes fn for each
// leaf mapping in ascending virtual address order. The recursive P4 slot is
// skipped. Returning false from fn aborts the walk.
func (m *Machine) Mappings(fn func(Mapping) bool) {
	m.visit(m.cr3, 0, 0, fn)
}

func (m *Machine) visit(tableAddr uintptr, level int, prefix uintptr, fn func(Mapping) bool) bool {
	shift := uint(39 - 9*level)
	for index := uintptr(0); index < entryCount; index++ {
		if level == 0 && index == RecursiveSlot {
			continue
		}

		entry := m.peek(tableAddr, index)
		if entry&FlagPresent == 0 {
			continue
		}

		virt := prefix | index<<shift
		if level == 0 && index >= entryCount/2 {
			virt |= 0xffff000000000000
		}

		base := uintptr(entry & physAddrMask)
		leaf := level == levels-1 || (entry&FlagHugePage != 0 && (level == 1 || level == 2))
		if leaf {
			if !fn(Mapping{Virt: virt, Phys: base, Size: uintptr(1) << shift, Flags: entry &^ physAddrMask}) {
				return false
			}
			continue
		}

		if !m.visit(base, level+1, virt, fn) {
			return false
		}
	}

	return true
}
