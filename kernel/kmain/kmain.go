package kmain

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/kfmt"
	"github.com/sparkle-os/sparkle/kernel/memory"
	"github.com/sparkle-os/sparkle/multiboot"
)

// doubleFaultStackPages is the size of the stack reserved for the double
// fault handler.
const doubleFaultStackPages = 1

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}

	// memoryInitFn and panicFn are used by tests.
	memoryInitFn = func() stackAllocator { return memory.Init() }
	panicFn      = kfmt.Panic
)

type stackAllocator interface {
	AllocStack(pages int) (memory.Stack, *kernel.Error)
}

// Kmain is the only Go symbol that is visible (exported) from the rt0 initialization
// code. This function is invoked by the rt0 assembly code after setting up the GDT
// and setting up a a minimal g0 struct that allows Go code using the 4K stack
// allocated by the assembly code.
//
// The rt0 code passes the address of the multiboot info payload provided by the
// bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	defer func() {
		if err := recover(); err != nil {
			panicFn(err)
		}
	}()

	multiboot.SetInfoPtr(multibootInfoPtr)
	kfmt.Printf("Starting sparkle\n")

	ctrl := memoryInitFn()

	stack, err := ctrl.AllocStack(doubleFaultStackPages)
	if err != nil {
		panic(err)
	}
	kfmt.Printf("[kmain] double fault stack at 0x%x - 0x%x\n", stack.Bottom(), stack.Top())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	panicFn(errKmainReturned)
}
