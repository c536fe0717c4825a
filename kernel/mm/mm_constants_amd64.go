package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right by PageShift)
	// and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the system's standard page size in bytes.
	PageSize = uintptr(1 << PageShift)

	// MaxPhysAddrBits is the width of the physical address field that page
	// table entries can encode.
	MaxPhysAddrBits = 52
)

// PageSizes lists every page size supported by the MMU, ordered from the
// largest to the standard page size.
var PageSizes = [...]Size{1 * Gb, 2 * Mb, Size(PageSize)}
