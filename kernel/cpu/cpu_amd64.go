// Package cpu exposes the privileged amd64 instructions used by the memory
// sub-system. All functions in this package fault when invoked outside
// ring 0; code that needs to be tested in user-mode accesses them through
// function variables that tests can override.
package cpu

// Halt disables interrupts and stops instruction execution.
func Halt()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB invalidates all non-global TLB entries by reloading CR3.
func FlushTLB()

// SwitchPDT sets the root page table directory to point to the specified
// physical address. Writing CR3 implicitly flushes the TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address of the currently active page table.
func ActivePDT() uintptr

// EnableNXBit sets the no-execute enable bit in the EFER MSR so that page
// table entries can use the no-execute flag.
func EnableNXBit()

// EnableWriteProtect sets the write-protect bit in CR0 so that read-only
// pages are also enforced for ring 0 code.
func EnableWriteProtect()
