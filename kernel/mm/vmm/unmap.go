package vmm

import "kmm/kernel/mm"

// Unmap removes the standard page mapping for page. If freeBackingFrame is
// set, the frame that backed the page is returned to the frame allocator.
//
// Tables that become empty are released bottom-up. The top-level entry that
// leads to a released table is only cleared when keepTopLevel is false;
// callers that unmap from a slot shared with other address spaces must set
// it.
//
// Unmapping an address that was never mapped as a standard page is a fatal
// error. Unmap does not flush the TLB; callers invoke FlushLocal once they
// are done updating the range.
func (as *AddressSpace) Unmap(page mm.Page, freeBackingFrame, keepTopLevel bool) {
	var (
		entries [pageLevels]*pageTableEntry
		valid   = true
	)

	as.mgr.walk(as.root, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		switch {
		case !pte.HasFlags(FlagPresent):
			panicFn(errUnmapNotMapped)
			valid = false
		case pteLevel != leafLevel && pte.HasFlags(FlagHugePage):
			panicFn(errUnmapHugePage)
			valid = false
		}

		entries[pteLevel] = pte
		return valid
	})

	if !valid {
		return
	}

	leaf := entries[leafLevel]
	frame := leaf.Frame()
	*leaf = 0
	if freeBackingFrame {
		as.mgr.frames.FreeFrame(frame)
	}

	// entries[level-1] points to the table that holds entries[level].
	for level := uint8(leafLevel); level > 0; level-- {
		parent := entries[level-1]
		if level-1 == 0 && keepTopLevel {
			return
		}

		tableFrame := parent.Frame()
		if !as.mgr.tableEmpty(tableFrame) {
			return
		}

		*parent = 0
		as.mgr.frames.FreeFrame(tableFrame)
	}
}

// tableEmpty returns true if no entry of the table in frame is present.
func (m *Manager) tableEmpty(frame mm.Frame) bool {
	for _, pte := range m.table(frame) {
		if pte.HasFlags(FlagPresent) {
			return false
		}
	}
	return true
}
