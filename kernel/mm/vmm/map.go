package vmm

import (
	"kmm/kernel"
	"kmm/kernel/mm"
)

// tableJournal records the tables created by a single mapping call so that
// they can be released if the call fails.
type tableJournal struct {
	entries []journalEntry
}

type journalEntry struct {
	parent *pageTableEntry
	frame  mm.Frame
}

func (j *tableJournal) record(parent *pageTableEntry, frame mm.Frame) {
	if j == nil {
		return
	}
	j.entries = append(j.entries, journalEntry{parent: parent, frame: frame})
}

// rollback releases the recorded tables, most recent first. An entry that no
// longer points to its recorded frame has already been reclaimed and is
// skipped.
func (j *tableJournal) rollback(frames FrameAllocator) {
	for i := len(j.entries) - 1; i >= 0; i-- {
		e := j.entries[i]
		if !e.parent.HasFlags(FlagPresent) || e.parent.Frame() != e.frame {
			continue
		}

		*e.parent = 0
		frames.FreeFrame(e.frame)
	}
	j.entries = j.entries[:0]
}

// Map establishes a mapping between a virtual page and a physical memory
// frame. Missing tables are allocated from the manager's frame allocator.
// If Map fails, every table it created is released and the address space is
// left unchanged.
//
// Map does not flush the TLB; a page that was not present cannot be cached.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, mt MapType) *kernel.Error {
	if err := mt.Validate(); err != nil {
		return err
	}

	var journal tableJournal
	if err := as.mapLeaf(page.Address(), frame.Address(), leafLevel, mt, &journal); err != nil {
		journal.rollback(as.mgr.frames)
		return err
	}

	return nil
}

// MapRegion allocates a frame for every page in r and maps it with the
// supplied map type. The backing frames are cleared before they are mapped.
// If MapRegion fails, the pages it mapped are removed, their frames are
// returned to the allocator and the tables it created are released.
func (as *AddressSpace) MapRegion(r mm.VirtRange, mt MapType) *kernel.Error {
	if r.Size == 0 || !r.AlignedTo(mm.Size(mm.PageSize)) {
		return ErrRangeNotAligned
	}

	if err := mt.Validate(); err != nil {
		return err
	}

	var (
		journal tableJournal
		mapped  uintptr
		err     *kernel.Error
	)

	for page, pageCount := mm.PageFromAddress(r.Start), r.Pages(); mapped < pageCount; page, mapped = page+1, mapped+1 {
		var frame mm.Frame
		if frame, err = as.mgr.frames.AllocFrame(); err != nil {
			break
		}

		as.mgr.dmap.ZeroFrame(frame)
		if err = as.mapLeaf(page.Address(), frame.Address(), leafLevel, mt, &journal); err != nil {
			as.mgr.frames.FreeFrame(frame)
			break
		}
	}

	if err == nil {
		return nil
	}

	for page := mm.PageFromAddress(r.Start); mapped > 0; page, mapped = page+1, mapped-1 {
		as.clearLeaf(page.Address())
	}
	journal.rollback(as.mgr.frames)

	return err
}

// mapLeaf installs a leaf entry for physAddr at the given level, creating
// the tables above it. Tables created by the call are recorded in journal
// when it is not nil.
func (as *AddressSpace) mapLeaf(virtAddr, physAddr uintptr, level uint8, mt MapType, journal *tableJournal) *kernel.Error {
	if level == 1 && !as.mgr.features.LargePages {
		return ErrNoLargePageSupport
	}

	var (
		err   *kernel.Error
		flags = mt.entryFlags(level != leafLevel, as.mgr.features)
	)

	as.mgr.walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == level {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = pageTableEntry(physAddr&ptePhysPageMask) | pageTableEntry(flags)
			return false
		}

		err = as.ensureNextLevel(pte, journal)
		return err == nil
	})

	return err
}

// ensureNextLevel makes pte point to a table. A missing table is allocated,
// cleared and installed with permissive flags; the access rights of a
// mapping are restricted at its leaf entry only.
func (as *AddressSpace) ensureNextLevel(pte *pageTableEntry, journal *tableJournal) *kernel.Error {
	if pte.HasFlags(FlagPresent) {
		if pte.HasFlags(FlagHugePage) {
			return ErrMappingNotValid
		}
		return nil
	}

	frame, err := as.mgr.allocTable()
	if err != nil {
		return err
	}

	*pte = 0
	pte.SetFrame(frame)
	pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
	journal.record(pte, frame)

	return nil
}

// clearLeaf removes the standard page mapping for virtAddr and frees its
// backing frame without reclaiming any tables.
func (as *AddressSpace) clearLeaf(virtAddr uintptr) {
	as.mgr.walk(as.root, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == leafLevel {
			frame := pte.Frame()
			*pte = 0
			as.mgr.frames.FreeFrame(frame)
		}
		return true
	})
}
