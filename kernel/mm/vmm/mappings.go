package vmm

import (
	"kmm/kernel/mm"
)

// Mapping describes a leaf entry of an address space.
type Mapping struct {
	// Virt is the canonical virtual address of the mapped page.
	Virt uintptr

	// Phys is the physical address of the mapped page.
	Phys uintptr

	// Size is the size of the mapped page.
	Size mm.Size

	// Flags holds the entry bits that are not part of the address.
	Flags PageTableEntryFlag
}

// MappingVisitor is invoked by VisitMappings for each leaf entry. It must
// return true to continue or false to abort the scan.
type MappingVisitor func(Mapping) bool

// VisitMappings invokes visitor for every leaf entry of the address space
// in ascending virtual address order.
func (as *AddressSpace) VisitMappings(visitor MappingVisitor) {
	as.visitTable(as.root, 0, 0, visitor)
}

func (as *AddressSpace) visitTable(table mm.Frame, level uint8, base uintptr, visitor MappingVisitor) bool {
	for index, pte := range as.mgr.table(table) {
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		virtAddr := base | uintptr(index)<<pageLevelShifts[level]
		if level != leafLevel && !pte.isHugeLeaf(level) {
			if !as.visitTable(pte.Frame(), level+1, virtAddr, visitor) {
				return false
			}
			continue
		}

		if !visitor(Mapping{
			Virt:  canonicalAddr(virtAddr),
			Phys:  pte.leafAddress(level),
			Size:  mm.Size(levelPageSize(level)),
			Flags: pte.leafFlags(level),
		}) {
			return false
		}
	}

	return true
}
