package vmm

import "unsafe"

// MMU abstracts the privileged CPU operations and the address translation
// used by the virtual memory manager. The kernel uses the real CPU; host
// tools and tests plug in an emulated MMU via UseMMU.
type MMU interface {
	ActivePDT() uintptr
	SwitchPDT(pdtPhysAddr uintptr)
	FlushTLBEntry(virtAddr uintptr)
	FlushTLB()
	EnableNXBit()
	EnableWriteProtect()

	// Resolve returns a pointer to the memory backing virtAddr.
	Resolve(virtAddr uintptr) unsafe.Pointer
}

// UseMMU routes all CPU operations and page table accesses performed by
// this package through m. It returns a function that restores the previous
// configuration.
func UseMMU(m MMU) (restore func()) {
	var (
		origActivePDT          = activePDTFn
		origSwitchPDT          = switchPDTFn
		origFlushTLBEntry      = flushTLBEntryFn
		origFlushTLB           = flushTLBFn
		origEnableNXBit        = enableNXBitFn
		origEnableWriteProtect = enableWriteProtectFn
		origTablePtr           = tablePtrFn
	)

	activePDTFn = m.ActivePDT
	switchPDTFn = m.SwitchPDT
	flushTLBEntryFn = m.FlushTLBEntry
	flushTLBFn = m.FlushTLB
	enableNXBitFn = m.EnableNXBit
	enableWriteProtectFn = m.EnableWriteProtect
	tablePtrFn = m.Resolve

	return func() {
		activePDTFn = origActivePDT
		switchPDTFn = origSwitchPDT
		flushTLBEntryFn = origFlushTLBEntry
		flushTLBFn = origFlushTLB
		enableNXBitFn = origEnableNXBit
		enableWriteProtectFn = origEnableWriteProtect
		tablePtrFn = origTablePtr
	}
}
