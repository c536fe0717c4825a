package vmm

import "kmm/kernel/mm"

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the table stored in root. It calls the supplied walkFn with the page table
// entry that corresponds to each page table level. The table for the next
// level is read from the entry after walkFn returns, so walkFn may install
// a missing table and let the walk descend into it.
func (m *Manager) walk(root mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	table := root
	for level := uint8(0); level < pageLevels; level++ {
		entryIndex := tableIndex(virtAddr, level)
		pte := &m.table(table)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		table = pte.Frame()
	}
}

// tableIndex extracts the bits from virtual address that correspond to the
// index in the page table for level.
func tableIndex(virtAddr uintptr, level uint8) uintptr {
	return (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
}

// canonicalAddr sign-extends the highest implemented virtual address bit.
func canonicalAddr(virtAddr uintptr) uintptr {
	if virtAddr&(1<<canonicalBit) != 0 {
		return virtAddr | ^uintptr(1<<(canonicalBit+1)-1)
	}
	return virtAddr
}
