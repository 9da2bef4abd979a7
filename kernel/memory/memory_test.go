package memory

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/cpu/emu"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/kernel/mm/heap"
	"github.com/sparkle-os/sparkle/kernel/mm/pmm"
	"github.com/sparkle-os/sparkle/kernel/mm/vmm"
	"github.com/sparkle-os/sparkle/kernel/sync"
	"github.com/sparkle-os/sparkle/multiboot"
)

const (
	bootP4Addr = uintptr(0x108000)
	bootP3Addr = uintptr(0x109000)
	bootP2Addr = uintptr(0x10a000)
)

// qemuBootInfo describes a kernel loaded at 1M on a machine with 128M of RAM.
// The boot page tables live in the .bss section.
func qemuBootInfo() *multiboot.InfoBuilder {
	var b multiboot.InfoBuilder
	return b.AddMemRegion(0x0, 0x9fc00, multiboot.MemAvailable).
		AddMemRegion(0x9fc00, 0x400, multiboot.MemReserved).
		AddMemRegion(0xf0000, 0x10000, multiboot.MemReserved).
		AddMemRegion(0x100000, 0x7ee0000, multiboot.MemAvailable).
		AddMemRegion(0x7fe0000, 0x20000, multiboot.MemReserved).
		AddElfSection(".text", multiboot.ElfSectionAllocated|multiboot.ElfSectionExecutable, 0x100000, 0x5000).
		AddElfSection(".rodata", multiboot.ElfSectionAllocated, 0x105000, 0x1800).
		AddElfSection(".data", multiboot.ElfSectionAllocated|multiboot.ElfSectionWritable, 0x107000, 0x1000).
		AddElfSection(".bss", multiboot.ElfSectionAllocated|multiboot.ElfSectionWritable, 0x108000, 0x4000)
}

// setupMemory boots an emulated machine, points the multiboot package to the
// given boot info and resets the package state. It returns the machine and
// a pointer to the recorded heap.Init arguments.
func setupMemory(t *testing.T, b *multiboot.InfoBuilder) (*emu.Machine, *[2]uintptr) {
	t.Helper()

	m := emu.New()
	m.Boot(bootP4Addr, bootP3Addr, bootP2Addr)
	t.Cleanup(vmm.UseMMU(m))

	data := b.Build()
	multiboot.SetInfoPtr(uintptr(unsafe.Pointer(&data[0])))

	var heapArgs [2]uintptr
	origHeapInit := heapInitFn
	heapInitFn = func(start, size uintptr) {
		heapArgs = [2]uintptr{start, size}
	}

	resetState := func() {
		initGuard = sync.OnceGuard{}
		frameAllocator = pmm.AreaFrameAllocator{}
		controller = Controller{}
	}
	resetState()

	t.Cleanup(func() {
		resetState()
		heapInitFn = origHeapInit
		multiboot.SetInfoPtr(0)
		runtime.KeepAlive(data)
	})

	return m, &heapArgs
}

func expectPanic(t *testing.T, expErr *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		t.Helper()
		if err := recover(); err != expErr {
			t.Fatalf("expected to panic with %v; got %v", expErr, err)
		}
	}()

	fn()
}

func TestInit(t *testing.T) {
	m, heapArgs := setupMemory(t, qemuBootInfo())

	ctrl := Init()

	if got := m.ActivePDT(); got == bootP4Addr {
		t.Fatal("expected Init to switch away from the boot page tables")
	}

	if exp := [2]uintptr{heap.Start, heap.Size}; *heapArgs != exp {
		t.Fatalf("expected heap.Init to be called with %x; got %x", exp, *heapArgs)
	}

	t.Run("heap mapping", func(t *testing.T) {
		for addr := heap.Start; addr < heap.Start+heap.Size; addr += mm.PageSize {
			if _, err := ctrl.activeTable.Translate(addr); err != nil {
				t.Fatalf("expected heap page 0x%x to be mapped; got %v", addr, err)
			}

			if _, fault := m.Walk(addr); fault != nil {
				t.Fatalf("expected MMU access to heap page 0x%x to succeed; got %v", addr, fault)
			}
		}

		if _, err := ctrl.activeTable.Translate(heap.Start + heap.Size); err != vmm.ErrInvalidMapping {
			t.Fatalf("expected the page after the heap to be unmapped; got %v", err)
		}
	})

	t.Run("kernel frames are never allocated", func(t *testing.T) {
		var kernelFrames int
		m.Mappings(func(mapping emu.Mapping) bool {
			if mapping.Virt >= heap.Start && mapping.Virt < heap.Start+heap.Size &&
				mapping.Phys >= 0x100000 && mapping.Phys < 0x10c000 {
				kernelFrames++
			}
			return true
		})

		if kernelFrames != 0 {
			t.Fatalf("expected no heap page to be backed by a kernel frame; got %d", kernelFrames)
		}
	})

	t.Run("guard page", func(t *testing.T) {
		if _, err := ctrl.activeTable.Translate(bootP4Addr); err != vmm.ErrInvalidMapping {
			t.Fatalf("expected the old P4 page to be unmapped; got %v", err)
		}
	})

	t.Run("second call", func(t *testing.T) {
		expectPanic(t, errAlreadyInitialized, func() { Init() })
	})
}

func TestInitErrors(t *testing.T) {
	t.Run("missing memory map", func(t *testing.T) {
		var b multiboot.InfoBuilder
		b.AddElfSection(".text", multiboot.ElfSectionAllocated|multiboot.ElfSectionExecutable, 0x100000, 0x5000)
		setupMemory(t, &b)

		expectPanic(t, multiboot.ErrMissingMemoryMap, func() { Init() })
	})

	t.Run("missing ELF sections", func(t *testing.T) {
		var b multiboot.InfoBuilder
		b.AddMemRegion(0x100000, 0x7ee0000, multiboot.MemAvailable)
		setupMemory(t, &b)

		expectPanic(t, multiboot.ErrMissingElfSections, func() { Init() })
	})
}

func TestKernelImageRange(t *testing.T) {
	defer func(orig func(multiboot.ElfSectionVisitor) *kernel.Error) {
		visitElfSectionsFn = orig
	}(visitElfSectionsFn)

	specs := []struct {
		sections         []multiboot.ElfSection
		expStart, expEnd uintptr
	}{
		{
			[]multiboot.ElfSection{
				{Flags: multiboot.ElfSectionAllocated, Address: 0x105000, Size: 0x1800},
				{Flags: multiboot.ElfSectionAllocated | multiboot.ElfSectionExecutable, Address: 0x100000, Size: 0x5000},
				// not loaded
				{Flags: 0, Address: 0x200000, Size: 0x1000},
				{Flags: multiboot.ElfSectionAllocated, Address: 0, Size: 0x10},
			},
			0x100000, 0x106800,
		},
		{
			nil,
			0, 0,
		},
	}

	for specIndex, spec := range specs {
		visitElfSectionsFn = func(visitor multiboot.ElfSectionVisitor) *kernel.Error {
			for _, sec := range spec.sections {
				visitor(sec)
			}
			return nil
		}

		start, end, err := kernelImageRange()
		if err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if start != spec.expStart || end != spec.expEnd {
			t.Errorf("[spec %d] expected kernel range [0x%x, 0x%x); got [0x%x, 0x%x)", specIndex, spec.expStart, spec.expEnd, start, end)
		}
	}
}
