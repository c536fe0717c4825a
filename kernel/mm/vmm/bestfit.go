package vmm

import (
	"kmm/kernel"
	"kmm/kernel/mm"
)

// MapRangeBestFit maps the physical range pr at the virtual range vr using
// the largest page size allowed by the alignment of both ranges at every
// step. 1GiB pages are only used when the CPU supports them.
//
// MapRangeBestFit is meant for building large boot-time mappings such as
// the direct map. It does not roll back on failure; callers treat any error
// as fatal.
func (as *AddressSpace) MapRangeBestFit(vr mm.VirtRange, pr mm.PhysRange, mt MapType) *kernel.Error {
	pageMask := mm.PageSize - 1
	if vr.Size == 0 || vr.Size != pr.Size || (vr.Start|pr.Start|uintptr(vr.Size))&pageMask != 0 {
		return ErrRangeNotAligned
	}

	if err := mt.Validate(); err != nil {
		return err
	}

	virtAddr, physAddr, remaining := vr.Start, pr.Start, uintptr(vr.Size)
	for remaining > 0 {
		level := as.mgr.bestFitLevel(virtAddr, physAddr, remaining)
		if err := as.mapLeaf(virtAddr, physAddr, level, mt, nil); err != nil {
			return err
		}

		size := levelPageSize(level)
		virtAddr, physAddr, remaining = virtAddr+size, physAddr+size, remaining-size
	}

	return nil
}

// bestFitLevel returns the level of the largest page that can map
// physAddr at virtAddr without exceeding remaining bytes.
func (m *Manager) bestFitLevel(virtAddr, physAddr, remaining uintptr) uint8 {
	for level := uint8(1); level < leafLevel; level++ {
		if level == 1 && !m.features.LargePages {
			continue
		}

		size := levelPageSize(level)
		if (virtAddr|physAddr)&(size-1) == 0 && remaining >= size {
			return level
		}
	}

	return leafLevel
}
