package vmm

import (
	"github.com/sparkle-os/sparkle/kernel"
	"github.com/sparkle-os/sparkle/kernel/mm"
)

var (
	errFrameAddressTooLarge = &kernel.Error{Module: "vmm", Message: "frame address does not fit in a page table entry"}
)

// EntryFlag describes a flag that can be applied to a page table entry.
type EntryFlag uintptr

// Entry describes a page table entry. These entries encode a physical frame
// address and a set of flags.
type Entry uintptr

// IsUnused returns true if the entry is zero.
func (e Entry) IsUnused() bool {
	return e == 0
}

// SetUnused clears the entry.
func (e *Entry) SetUnused() {
	*e = 0
}

// Flags returns the flags stored in the entry.
func (e Entry) Flags() EntryFlag {
	return EntryFlag(uintptr(e) &^ ptePhysPageMask)
}

// HasFlags returns true if this entry has all the input flags set.
func (e Entry) HasFlags(flags EntryFlag) bool {
	return (uintptr(e) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (e Entry) HasAnyFlag(flags EntryFlag) bool {
	return (uintptr(e) & uintptr(flags)) != 0
}

// Frame returns the physical page frame that this entry points to
// regardless of whether the entry is present.
func (e Entry) Frame() mm.Frame {
	return mm.Frame((uintptr(e) & ptePhysPageMask) >> mm.PageShift)
}

// PointedFrame returns the frame that a present entry points to. It returns
// false if the entry is not present.
func (e Entry) PointedFrame() (mm.Frame, bool) {
	if !e.HasFlags(FlagPresent) {
		return mm.InvalidFrame, false
	}
	return e.Frame(), true
}

// maxEntryFrame is the first frame whose address does not fit in bits
// 12-51 of an entry.
const maxEntryFrame = mm.Frame((ptePhysPageMask >> mm.PageShift) + 1)

// Set points the entry to frame and replaces its flags. Set panics if the
// frame address cannot be encoded in bits 12-51 of the entry.
func (e *Entry) Set(frame mm.Frame, flags EntryFlag) {
	if frame >= maxEntryFrame {
		panic(errFrameAddressTooLarge)
	}

	*e = Entry(frame.Address() | uintptr(flags))
}
