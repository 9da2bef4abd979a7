package kmain

import (
	"runtime"
	"testing"
	"unsafe"

	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/memory"
	"github.com/sparkle-os/sparkle/multiboot"
)

type mockStackAllocator struct {
	requested []int
	err       *kernel.Error
}

func (a *mockStackAllocator) AllocStack(pages int) (memory.Stack, *kernel.Error) {
	a.requested = append(a.requested, pages)
	return memory.Stack{}, a.err
}

func TestKmain(t *testing.T) {
	defer func(origMemoryInit func() stackAllocator, origPanic func(interface{})) {
		memoryInitFn = origMemoryInit
		panicFn = origPanic
		multiboot.SetInfoPtr(0)
	}(memoryInitFn, panicFn)

	var b multiboot.InfoBuilder
	data := b.AddMemRegion(0x100000, 0x7ee0000, multiboot.MemAvailable).Build()
	defer runtime.KeepAlive(data)
	infoPtr := uintptr(unsafe.Pointer(&data[0]))

	errStack := &kernel.Error{Module: "test", Message: "no stack for you"}
	errInit := &kernel.Error{Module: "test", Message: "init failed"}

	specs := []struct {
		allocErr  *kernel.Error
		initPanic *kernel.Error
		expPanic  *kernel.Error
		expStacks int
	}{
		{nil, nil, errKmainReturned, 1},
		{errStack, nil, errStack, 1},
		{nil, errInit, errInit, 0},
	}

	for specIndex, spec := range specs {
		alloc := &mockStackAllocator{err: spec.allocErr}
		memoryInitFn = func() stackAllocator {
			if spec.initPanic != nil {
				panic(spec.initPanic)
			}

			if start, _ := multiboot.InfoRange(); start != infoPtr {
				t.Errorf("[spec %d] expected the boot info pointer to be set before memory.Init", specIndex)
			}
			return alloc
		}

		var panicErr interface{}
		panicFn = func(e interface{}) { panicErr = e }

		Kmain(infoPtr)

		if panicErr != spec.expPanic {
			t.Errorf("[spec %d] expected Kmain to panic with %v; got %v", specIndex, spec.expPanic, panicErr)
		}

		if got := len(alloc.requested); got != spec.expStacks {
			t.Errorf("[spec %d] expected %d stack allocations; got %d", specIndex, spec.expStacks, got)
		} else if got != 0 && alloc.requested[0] != doubleFaultStackPages {
			t.Errorf("[spec %d] expected a %d-page stack; got %d", specIndex, doubleFaultStackPages, alloc.requested[0])
		}
	}
}
