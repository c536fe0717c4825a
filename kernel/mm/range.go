package mm

// PhysRange describes a contiguous block of physical memory.
type PhysRange struct {
	Start uintptr
	Size  Size
}

// End returns the first physical address past the end of the range.
func (r PhysRange) End() uintptr { return r.Start + uintptr(r.Size) }

// Pages returns the number of standard pages covered by the range.
func (r PhysRange) Pages() uintptr { return uintptr(r.Size) >> PageShift }

// AlignedTo returns true if both the start address and the size of the range
// are multiples of pageSize.
func (r PhysRange) AlignedTo(pageSize Size) bool {
	return isAligned(r.Start, r.Size, pageSize)
}

// PageAligned returns the largest standard-page aligned range that fits
// inside r. The start address is rounded up and the end address is rounded
// down; ranges smaller than a page collapse to an empty range.
func (r PhysRange) PageAligned() PhysRange {
	start := (r.Start + PageSize - 1) &^ (PageSize - 1)
	end := r.End() &^ (PageSize - 1)
	if end <= start {
		return PhysRange{Start: start}
	}
	return PhysRange{Start: start, Size: Size(end - start)}
}

// VirtRange describes a contiguous block of virtual address space.
type VirtRange struct {
	Start uintptr
	Size  Size
}

// End returns the first virtual address past the end of the range.
func (r VirtRange) End() uintptr { return r.Start + uintptr(r.Size) }

// Pages returns the number of standard pages covered by the range.
func (r VirtRange) Pages() uintptr { return uintptr(r.Size) >> PageShift }

// AlignedTo returns true if both the start address and the size of the range
// are multiples of pageSize.
func (r VirtRange) AlignedTo(pageSize Size) bool {
	return isAligned(r.Start, r.Size, pageSize)
}

func isAligned(start uintptr, size, pageSize Size) bool {
	mask := uintptr(pageSize) - 1
	return start&mask == 0 && uintptr(size)&mask == 0
}
