package vmm

import (
	"kmm/kernel"
)

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrInvalidMapping if the virtual address does not
// correspond to a mapped physical address.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrInvalidMapping
	)

	as.mgr.walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == leafLevel || pte.isHugeLeaf(pteLevel) {
			// Calculate the physical address by taking the physical frame
			// address and appending the offset from the virtual address.
			physAddr = pte.leafAddress(pteLevel) + PageOffset(virtAddr, pteLevel)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// PageOffset returns the offset of a virtual address within the page mapped
// by an entry at the given level.
func PageOffset(virtAddr uintptr, level uint8) uintptr {
	return virtAddr & (levelPageSize(level) - 1)
}
