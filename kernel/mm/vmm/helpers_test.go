package vmm

import (
	"testing"

	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/cpu/emu"
	"github.com/sparkle-os/sparkle/kernel/mm"
)

const (
	// Physical addresses of the page tables built by the emulated boot
	// stub. They are part of the kernel .bss section in the remap tests.
	bootP4Addr = uintptr(0x108000)
	bootP3Addr = uintptr(0x109000)
	bootP2Addr = uintptr(0x10a000)
)

var errTestOutOfMemory = &kernel.Error{Module: "test", Message: "out of memory"}

// bumpAllocator hands out consecutive frames from [next, end).
type bumpAllocator struct {
	next, end mm.Frame
	allocated []mm.Frame
}

func newBumpAllocator(startAddr uintptr, frames int) *bumpAllocator {
	start := mm.FrameFromAddress(startAddr)
	return &bumpAllocator{next: start, end: start + mm.Frame(frames)}
}

func (a *bumpAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	if a.next >= a.end {
		return mm.InvalidFrame, errTestOutOfMemory
	}

	frame := a.next
	a.next++
	a.allocated = append(a.allocated, frame)
	return frame, nil
}

func (a *bumpAllocator) DeallocFrame(_ mm.Frame) {}

// bootMachine returns an emulated MMU in the state left by the boot stub
// and routes all page table accesses of this package through it.
func bootMachine(t *testing.T) *emu.Machine {
	t.Helper()

	m := emu.New()
	m.Boot(bootP4Addr, bootP3Addr, bootP2Addr)
	t.Cleanup(UseMMU(m))
	return m
}

// expectPanic runs fn and fails the test unless it panics with expErr.
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
