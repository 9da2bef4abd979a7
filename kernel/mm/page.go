package mm

import "github.com/sparkle-os/sparkle/kernel"

var (
	// ErrNonCanonicalAddress is raised when a page is requested for an
	// address inside the non-canonical hole of the 48-bit address space.
	ErrNonCanonicalAddress = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}
)

// Page describes a virtual memory page index.
type Page uintptr

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down.
//
// Virtual addresses only ever come from trusted kernel code so an address
// that falls inside the non-canonical hole is treated as a fatal error.
func PageFromAddress(virtAddr uintptr) Page {
	if virtAddr >= canonicalHoleStart && virtAddr < canonicalHoleEnd {
		panic(ErrNonCanonicalAddress)
	}

	return Page((virtAddr >> PageShift) & pageIndexMask)
}

// Address returns the canonical virtual address where this page begins.
func (p Page) Address() uintptr {
	addr := uintptr(p) << PageShift
	if addr&(1<<47) != 0 {
		addr |= canonicalHoleEnd
	}
	return addr
}

// Add returns the page that lies n pages after p.
func (p Page) Add(n uintptr) Page {
	return Page((uintptr(p) + n) & pageIndexMask)
}

// P4Index returns the index of the P4 entry that covers this page.
func (p Page) P4Index() uintptr { return (uintptr(p) >> 27) & 0x1ff }

// P3Index returns the index of the P3 entry that covers this page.
func (p Page) P3Index() uintptr { return (uintptr(p) >> 18) & 0x1ff }

// P2Index returns the index of the P2 entry that covers this page.
func (p Page) P2Index() uintptr { return (uintptr(p) >> 9) & 0x1ff }

// P1Index returns the index of the P1 entry that maps this page.
func (p Page) P1Index() uintptr { return uintptr(p) & 0x1ff }

// PageRange iterates an inclusive range of pages.
type PageRange struct {
	next, last Page
	done       bool
}

// NewPageRange returns an iterator over the pages in [start, end].
func NewPageRange(start, end Page) PageRange {
	return PageRange{next: start, last: end, done: start > end}
}

// Next returns the next page in the range and true or false once the
// range is exhausted.
func (r *PageRange) Next() (Page, bool) {
	if r.done {
		return 0, false
	}

	p := r.next
	if p == r.last {
		r.done = true
	} else {
		r.next++
	}
	return p, true
}
