package pmm

import (
	"kmm/kernel/kfmt"
	"kmm/kernel/mm"
)

// MemoryKind classifies a region reported by the firmware memory map.
type MemoryKind uint8

const (
	// MemFree regions are handed to the frame pool at boot.
	MemFree MemoryKind = iota

	// MemInUse regions hold the kernel image, modules or other data that
	// stays live for the lifetime of the system.
	MemInUse

	// MemReclaimable regions hold bootloader data that can be released
	// into the pool once the kernel has consumed it.
	MemReclaimable

	// MemReserved regions are not usable as general purpose memory.
	MemReserved
)

// String implements fmt.Stringer for MemoryKind.
func (k MemoryKind) String() string {
	switch k {
	case MemFree:
		return "free"
	case MemInUse:
		return "in use"
	case MemReclaimable:
		return "reclaimable"
	default:
		return "reserved"
	}
}

// Usable returns true if the region is backed by RAM that the kernel may
// address through the direct map.
func (k MemoryKind) Usable() bool {
	return k != MemReserved
}

// MemoryRegion describes a memory region entry, namely its physical address,
// its length and its kind.
type MemoryRegion struct {
	// The physical address for this memory region.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The kind of this entry.
	Kind MemoryKind
}

// Range returns the region as a physical range.
func (r *MemoryRegion) Range() mm.PhysRange {
	return mm.PhysRange{Start: uintptr(r.PhysAddress), Size: mm.Size(r.Length)}
}

// MemRegionVisitor defines a visitor function that gets invoked for each
// memory region reported by the boot layer. The visitor must return true to
// continue or false to abort the scan.
type MemRegionVisitor func(*MemoryRegion) bool

// MemoryMapFn enumerates the firmware memory map by invoking the supplied
// visitor for each region.
type MemoryMapFn func(MemRegionVisitor)

// Seed hands every free region of the memory map to the pool and records the
// reclaimable regions for a later call to ReclaimBootloaderMemory. Region
// bounds that are not page-aligned are rounded inwards. Seed must run once,
// before the pool is shared between cores.
func (p *FramePool) Seed(memMap MemoryMapFn) {
	memMap(func(region *MemoryRegion) bool {
		r := region.Range().PageAligned()
		if r.Size == 0 {
			return true
		}

		switch region.Kind {
		case MemFree:
			p.addUsable(r)
		case MemReclaimable:
			p.reclaimable = append(p.reclaimable, r)
		}
		return true
	})
}

// ReclaimBootloaderMemory releases the reclaimable regions recorded by Seed
// into the pool. Only the first call has any effect; it returns the amount
// of memory that was released.
func (p *FramePool) ReclaimBootloaderMemory() mm.Size {
	if p.reclaimed.Swap(true) {
		return 0
	}

	var released mm.Size
	for _, r := range p.reclaimable {
		p.addUsable(r)
		released += r.Size
	}
	p.reclaimable = nil

	kfmt.Logger("pmm").WithField("size", released).Info("reclaimed bootloader memory")
	return released
}

// addUsable grows the total before publishing the frames so that the free
// counter never exceeds the total.
func (p *FramePool) addUsable(r mm.PhysRange) {
	p.totalMem.Add(uint64(r.Size))
	if err := p.FreeRange(r); err != nil {
		panicFn(err)
	}
}

// PrintMemoryMap logs the system's memory map and the amount of free memory
// it reports.
func PrintMemoryMap(memMap MemoryMapFn) {
	var (
		log       = kfmt.Logger("pmm")
		totalFree mm.Size
	)

	log.Info("system memory map:")
	memMap(func(region *MemoryRegion) bool {
		log.Infof("  [0x%010x - 0x%010x], size: %10d, type: %s", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Kind)

		if region.Kind == MemFree {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	log.Infof("available memory: %dKb", uint64(totalFree/mm.Kb))
}

// CollectRegions copies the regions reported by memMap into a slice. Boot
// code snapshots the firmware map before seeding the pool since the memory
// that holds the map may itself be reported as free.
func CollectRegions(memMap MemoryMapFn) []MemoryRegion {
	var regions []MemoryRegion
	memMap(func(region *MemoryRegion) bool {
		regions = append(regions, *region)
		return true
	})
	return regions
}

// CarveRegion returns a copy of regions where the part of every free region
// that overlaps r is reported as kind instead. r is widened to page
// boundaries first so that none of the pages it touches reach the pool.
// Regions that are not free are left untouched and region order is
// preserved.
func CarveRegion(regions []MemoryRegion, r mm.PhysRange, kind MemoryKind) []MemoryRegion {
	if r.Size == 0 {
		return regions
	}

	var (
		start = uint64(r.Start) &^ (pageBytes - 1)
		end   = (uint64(r.End()) + pageBytes - 1) &^ (pageBytes - 1)
		out   = make([]MemoryRegion, 0, len(regions)+2)
	)

	for _, region := range regions {
		regionStart, regionEnd := region.PhysAddress, region.PhysAddress+region.Length
		if region.Kind != MemFree || regionEnd <= start || regionStart >= end {
			out = append(out, region)
			continue
		}

		if regionStart < start {
			out = append(out, MemoryRegion{PhysAddress: regionStart, Length: start - regionStart, Kind: MemFree})
		}

		overlapStart, overlapEnd := max(regionStart, start), min(regionEnd, end)
		out = append(out, MemoryRegion{PhysAddress: overlapStart, Length: overlapEnd - overlapStart, Kind: kind})

		if regionEnd > end {
			out = append(out, MemoryRegion{PhysAddress: end, Length: regionEnd - end, Kind: MemFree})
		}
	}

	return out
}

// VisitRegions returns a MemoryMapFn that enumerates a static list of
// regions.
func VisitRegions(regions []MemoryRegion) MemoryMapFn {
	return func(visitor MemRegionVisitor) {
		for i := range regions {
			region := regions[i]
			if !visitor(&region) {
				return
			}
		}
	}
}
