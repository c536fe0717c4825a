package vmm

import (
	"kmm/kernel/mm"
)

// PageTableEntryFlag describes a flag that can be applied to a page table entry.
type PageTableEntryFlag uintptr

// pageTableEntry describes a page table entry. These entries encode
// a physical frame address and a set of flags. The actual format
// of the entry and flags is architecture-dependent.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags to the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mm.Frame {
	return mm.Frame((uintptr(pte) & ptePhysPageMask) >> mm.PageShift)
}

// SetFrame updates the page table entry to point the the given physical frame .
func (pte *pageTableEntry) SetFrame(frame mm.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | frame.Address())
}

// isHugeLeaf returns true if the entry at the given level maps a huge page
// rather than pointing to a table. Bit 7 of the last level is the PAT bit.
func (pte pageTableEntry) isHugeLeaf(level uint8) bool {
	return level > 0 && level < leafLevel && pte.HasFlags(FlagPresent|FlagHugePage)
}

// leafAddress returns the physical address of the page mapped by a leaf
// entry at the given level. Huge entries keep their PAT bit inside the
// address field so the low address bits are masked according to the page
// size of the level.
func (pte pageTableEntry) leafAddress(level uint8) uintptr {
	return uintptr(pte) & ptePhysPageMask &^ (levelPageSize(level) - 1)
}

// leafFlags returns the entry bits of a leaf entry at the given level,
// including the PAT bit of huge entries.
func (pte pageTableEntry) leafFlags(level uint8) PageTableEntryFlag {
	return PageTableEntryFlag(uintptr(pte) &^ pte.leafAddress(level))
}

// levelPageSize returns the number of bytes mapped by a single entry at the
// given level.
func levelPageSize(level uint8) uintptr {
	return uintptr(1) << pageLevelShifts[level]
}
