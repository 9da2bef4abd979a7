package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). It converts a physical or
	// virtual address into a frame or page index and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// canonicalHoleStart and canonicalHoleEnd delimit the range of
	// virtual addresses that are not sign-extended from bit 47 and are
	// therefore rejected by the MMU.
	canonicalHoleStart = uintptr(0x0000800000000000)
	canonicalHoleEnd   = uintptr(0xffff800000000000)

	// pageIndexMask keeps the 36 index bits (4 levels x 9 bits) of a
	// page number.
	pageIndexMask = uintptr(1<<36 - 1)
)
