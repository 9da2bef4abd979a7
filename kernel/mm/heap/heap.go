// Package heap implements the kernel heap that is carved out of the virtual
// address range mapped by the memory controller.
//
// The allocator keeps its bookkeeping (a sorted list of free spans) outside
// of the managed memory so it never touches the heap pages it hands out.
// Freed blocks are coalesced with adjacent free spans.
package heap

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/mm"
	"github.com/sparkle-os/sparkle/kernel/sync"
)

const (
	// Start is the virtual address where the kernel heap begins.
	Start = uintptr(0x4000_0000)

	// Size is the size of the kernel heap in bytes.
	Size = uintptr(100 * mm.Kb)

	// minBlockSize is the allocation granularity. All block sizes and
	// addresses are multiples of it.
	minBlockSize = uintptr(16)

	// maxFreeSpans bounds the number of disjoint free spans that the
	// allocator can track.
	maxFreeSpans = 256
)

var (
	errHeapNotInitialized = &kernel.Error{Module: "heap", Message: "heap is not initialized"}
	errAlreadyInitialized = &kernel.Error{Module: "heap", Message: "heap is already initialized"}
	errOutOfMemory        = &kernel.Error{Module: "heap", Message: "out of memory"}
	errInvalidAlignment   = &kernel.Error{Module: "heap", Message: "alignment must be a power of 2"}
	errInvalidFree        = &kernel.Error{Module: "heap", Message: "freed block is not part of an allocation"}

	kernelHeap allocator
)

// span is the half-open address range [start, end).
type span struct {
	start, end uintptr
}

// Usage describes the heap utilization.
type Usage struct {
	Size       uintptr
	Used       uintptr
	Free       uintptr
	FreeSpans  int
	Leaked     uintptr
	AllocCount uint64
}

type allocator struct {
	lock sync.Spinlock

	initialized bool
	start, end  uintptr

	free      [maxFreeSpans]span
	freeCount int

	used       uintptr
	leaked     uintptr
	allocCount uint64
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}

func (a *allocator) init(start, size uintptr) {
	if a.initialized {
		panic(errAlreadyInitialized)
	}

	a.start = alignUp(start, minBlockSize)
	a.end = (start + size) &^ (minBlockSize - 1)
	a.free[0] = span{start: a.start, end: a.end}
	a.freeCount = 1
	a.initialized = true
}

func (a *allocator) alloc(size, align uintptr) (uintptr, *kernel.Error) {
	if !a.initialized {
		panic(errHeapNotInitialized)
	}

	if align == 0 || align&(align-1) != 0 {
		return 0, errInvalidAlignment
	}

	if align < minBlockSize {
		align = minBlockSize
	}

	if size == 0 {
		size = minBlockSize
	}
	size = alignUp(size, minBlockSize)

	for i := 0; i < a.freeCount; i++ {
		cur := a.free[i]
		blockStart := alignUp(cur.start, align)
		if blockStart < cur.start || blockStart+size > cur.end || blockStart+size < blockStart {
			continue
		}

		var (
			head = span{start: cur.start, end: blockStart}
			tail = span{start: blockStart + size, end: cur.end}
		)

		switch {
		case head.start == head.end && tail.start == tail.end:
			a.remove(i)
		case head.start == head.end:
			a.free[i] = tail
		case tail.start == tail.end:
			a.free[i] = head
		default:
			// Splitting the span needs an extra slot.
			if a.freeCount == maxFreeSpans {
				continue
			}
			a.free[i] = head
			a.insert(i+1, tail)
		}

		a.used += size
		a.allocCount++
		return blockStart, nil
	}

	return 0, errOutOfMemory
}

func (a *allocator) release(addr, size uintptr) {
	if !a.initialized {
		panic(errHeapNotInitialized)
	}

	if size == 0 {
		size = minBlockSize
	}
	block := span{start: addr, end: addr + alignUp(size, minBlockSize)}

	if block.start&(minBlockSize-1) != 0 || block.start < a.start || block.end > a.end || block.end <= block.start {
		panic(errInvalidFree)
	}

	// Find the first free span after the block.
	index := 0
	for index < a.freeCount && a.free[index].start < block.start {
		index++
	}

	if (index > 0 && a.free[index-1].end > block.start) ||
		(index < a.freeCount && a.free[index].start < block.end) {
		panic(errInvalidFree)
	}

	a.used -= block.end - block.start

	mergePrev := index > 0 && a.free[index-1].end == block.start
	mergeNext := index < a.freeCount && a.free[index].start == block.end

	switch {
	case mergePrev && mergeNext:
		a.free[index-1].end = a.free[index].end
		a.remove(index)
	case mergePrev:
		a.free[index-1].end = block.end
	case mergeNext:
		a.free[index].start = block.start
	case a.freeCount == maxFreeSpans:
		// No slot left for tracking the block; it can never be reused.
		a.leaked += block.end - block.start
	default:
		a.insert(index, block)
	}
}

func (a *allocator) insert(index int, s span) {
	copy(a.free[index+1:a.freeCount+1], a.free[index:a.freeCount])
	a.free[index] = s
	a.freeCount++
}

func (a *allocator) remove(index int) {
	copy(a.free[index:a.freeCount-1], a.free[index+1:a.freeCount])
	a.freeCount--
}

func (a *allocator) usage() Usage {
	u := Usage{
		Size:       a.end - a.start,
		Used:       a.used,
		FreeSpans:  a.freeCount,
		Leaked:     a.leaked,
		AllocCount: a.allocCount,
	}
	for i := 0; i < a.freeCount; i++ {
		u.Free += a.free[i].end - a.free[i].start
	}
	return u
}

// Init sets up the kernel heap over the virtual address range
// [start, start+size). The range must already be mapped. Init panics if it
// is called more than once.
func Init(start, size uintptr) {
	kernelHeap.lock.Acquire()
	defer kernelHeap.lock.Release()

	kernelHeap.init(start, size)
}

// Alloc reserves a block of at least size bytes whose address is a multiple
// of align, which must be a power of 2. Using the heap before Init is a
// fatal error.
func Alloc(size, align uintptr) (uintptr, *kernel.Error) {
	kernelHeap.lock.Acquire()
	defer kernelHeap.lock.Release()

	return kernelHeap.alloc(size, align)
}

// Free returns a block obtained by Alloc to the heap. The size must match
// the one passed to Alloc.
func Free(addr, size uintptr) {
	kernelHeap.lock.Acquire()
	defer kernelHeap.lock.Release()

	kernelHeap.release(addr, size)
}

// Stats returns the current heap utilization.
func Stats() Usage {
	kernelHeap.lock.Acquire()
	defer kernelHeap.lock.Release()

	return kernelHeap.usage()
}
