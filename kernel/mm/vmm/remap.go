package vmm

import (
	"unsafe"

	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/cpu"
	"github.com/sparkle-os/sparkle/kernel/kfmt"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/multiboot"
)

var (
	// enableNXBitFn and enableWriteProtectFn are used by tests to override
	// the control register updates which will cause a fault if called in
	// user-mode.
	enableNXBitFn        = cpu.EnableNXBit
	enableWriteProtectFn = cpu.EnableWriteProtect

	// visitElfSectionsFn is used by tests and is automatically inlined
	// by the compiler.
	visitElfSectionsFn = multiboot.VisitElfSections

	// infoRangeFn is used by tests and is automatically inlined by the
	// compiler.
	infoRangeFn = multiboot.InfoRange

	errSectionNotPageAligned = &kernel.Error{Module: "vmm", Message: "kernel ELF section is not page-aligned"}
)

// Init enables the no-execute and write-protect CPU features and replaces
// the page tables set up by the bootloader with a hierarchy that maps the
// kernel image with per-section permissions. It returns the active page
// table.
func Init(alloc mm.FrameAllocator) *ActivePageTable {
	enableNXBitFn()
	enableWriteProtectFn()

	return remapKernel(alloc)
}

// sectionFlags returns the entry flags for mapping an ELF section.
func sectionFlags(secFlags multiboot.ElfSectionFlag) EntryFlag {
	flags := FlagPresent

	if (secFlags & multiboot.ElfSectionWritable) != 0 {
		flags |= FlagRW
	}

	if (secFlags & multiboot.ElfSectionExecutable) == 0 {
		flags |= FlagNoExecute
	}

	return flags
}

// remapKernel builds a new page table hierarchy that identity-maps the
// allocated kernel ELF sections, the VGA text buffer and the boot
// information, activates it and turns the page that held the previous P4
// table into an unmapped guard page.
func remapKernel(alloc mm.FrameAllocator) *ActivePageTable {
	var (
		active = newActivePageTable()
		tmp    = NewTemporaryPage(mm.PageFromAddress(tempPageAddr), alloc)
	)

	frame, err := alloc.AllocFrame()
	if err != nil {
		panic(err)
	}
	newTable := NewInactivePageTable(frame, active, tmp)

	active.With(&newTable, tmp, func(m *Mapper) {
		var visitor = func(sec multiboot.ElfSection) {
			if (sec.Flags & multiboot.ElfSectionAllocated) == 0 {
				return
			}

			if sec.Address&(mm.PageSize-1) != 0 {
				panic(errSectionNotPageAligned)
			}

			kfmt.Printf("[vmm] mapping section at 0x%x, size: 0x%x, flags: 0x%x\n", sec.Address, sec.Size, uint32(sec.Flags))

			flags := sectionFlags(sec.Flags)
			frames := mm.NewFrameRange(
				mm.FrameFromAddress(sec.Address),
				mm.FrameFromAddress(sec.Address+uintptr(sec.Size-1)),
			)
			for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
				m.IdentityMap(frame, flags, alloc)
			}
		}

		// Use the noescape hack to prevent the compiler from leaking the
		// visitor function literal to the heap.
		if err := visitElfSectionsFn(
			*(*multiboot.ElfSectionVisitor)(noEscape(unsafe.Pointer(&visitor))),
		); err != nil {
			panic(err)
		}

		m.IdentityMap(mm.FrameFromAddress(vgaBufferAddr), FlagRW, alloc)

		if infoStart, infoEnd := infoRangeFn(); infoEnd > infoStart {
			frames := mm.NewFrameRange(mm.FrameFromAddress(infoStart), mm.FrameFromAddress(infoEnd-1))
			for frame, ok := frames.Next(); ok; frame, ok = frames.Next() {
				m.IdentityMap(frame, FlagPresent|FlagRW, alloc)
			}
		}
	})

	oldTable := active.Switch(newTable)
	kfmt.Printf("[vmm] switched to new page table\n")

	// The old P4 frame lives inside the identity-mapped kernel image.
	// Unmapping it turns it into a guard page below the boot stack.
	oldP4Page := mm.PageFromAddress(oldTable.p4Frame.Address())
	active.Unmap(oldP4Page, alloc)
	kfmt.Printf("[vmm] guard page at 0x%x\n", oldP4Page.Address())

	return active
}

// noEscape hides a pointer from escape analysis. This function is copied over
// from runtime/stubs.go
//
//go:nosplit
func noEscape(p unsafe.Pointer) unsafe.Pointer {
	x := uintptr(p)
	return unsafe.Pointer(x ^ 0)
}
