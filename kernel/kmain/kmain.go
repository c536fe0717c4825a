// Package kmain wires the memory manager together at boot: it seeds the
// frame pool from the firmware memory map, keeping the kernel image and the
// bootloader data out of it, settles the MMU features to use,
// creates the kernel address space and builds the direct maps.
package kmain

import (
	"fmt"
	"slices"
	"strings"

	"kmm/kernel"
	"kmm/kernel/cpu"
	"kmm/kernel/kfmt"
	"kmm/kernel/mm"
	"kmm/kernel/mm/pmm"
	"kmm/kernel/mm/vmm"
	"kmm/kernel/multiboot"
)

const (
	// noCacheBase is the virtual address of the no-cache direct map.
	noCacheBase = uintptr(0xffffc88000000000)
)

var (
	// detectFeaturesFn is mocked by tests and is automatically inlined by
	// the compiler.
	detectFeaturesFn = cpu.DetectFeatures

	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
)

// Config holds the boot-time settings of the memory manager.
type Config struct {
	// MemoryMap enumerates the firmware memory map.
	MemoryMap pmm.MemoryMapFn

	// DirectMap is the alias through which the boot code reaches physical
	// memory. It must be live before Init runs.
	DirectMap mm.DirectMap

	// DirectMapBase and NoCacheBase are the virtual addresses where the
	// read/write and the no-cache direct maps get built. On hardware
	// DirectMapBase equals DirectMap.Offset.
	DirectMapBase uintptr
	NoCacheBase   uintptr

	// KernelImage is the physical range occupied by the loaded kernel. Its
	// frames never enter the frame pool.
	KernelImage mm.PhysRange

	// BootInfo is the physical range of the bootloader data that the
	// memory map is read from. Its frames enter the frame pool only when
	// ReclaimBootloaderMemory is called.
	BootInfo mm.PhysRange

	// CmdLine holds the kernel command line key-value pairs.
	CmdLine map[string]string

	// Features overrides CPU feature detection when set. The command line
	// is applied on top of it.
	Features *cpu.Features
}

// MemoryManager bundles the memory management objects created at boot.
type MemoryManager struct {
	Frames *pmm.FramePool
	Pages  *vmm.Manager
	Kernel *vmm.AddressSpace
}

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. The rt0 code passes the physical address of the
// multiboot info payload provided by the bootloader, the physical range of
// the kernel image and the offset of the early direct map it established.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the CPU.
//
//go:noinline
func Kmain(multibootInfoPtr, kernelStart, kernelEnd, directMapOffset uintptr) {
	dmap := mm.DirectMap{Offset: directMapOffset}
	multiboot.SetInfoPtr(dmap.VirtAddr(multibootInfoPtr))

	mgr, err := Init(Config{
		MemoryMap:     multiboot.VisitMemRegions,
		DirectMap:     dmap,
		DirectMapBase: directMapOffset,
		NoCacheBase:   noCacheBase,
		KernelImage:   mm.PhysRange{Start: kernelStart, Size: mm.Size(kernelEnd - kernelStart)},
		BootInfo:      mm.PhysRange{Start: multibootInfoPtr, Size: mm.Size(multiboot.InfoSize())},
		CmdLine:       multiboot.GetBootCmdLine(),
	})
	if err != nil {
		kfmt.Panic(err)
		return
	}

	kfmt.Logger("kmain").Infof("kernel address space root at 0x%x", mgr.Kernel.Root().Address())

	// Use kfmt.Panic instead of panic to prevent the compiler from
	// treating kfmt.Panic as dead-code and eliminating it.
	kfmt.Panic(errKmainReturned)
}

// Init sets up the physical and virtual memory managers.
func Init(cfg Config) (*MemoryManager, *kernel.Error) {
	log := kfmt.Logger("kmain")

	if level, ok := cfg.CmdLine["loglevel"]; ok {
		if err := kfmt.SetLevel(level); err != nil {
			log.WithField("loglevel", level).Warn("ignoring unknown log level")
		}
	}

	// The memory map may live in frames that the pool is about to reuse.
	regions := pmm.CollectRegions(cfg.MemoryMap)
	regions = pmm.CarveRegion(regions, cfg.KernelImage, pmm.MemInUse)
	regions = pmm.CarveRegion(regions, cfg.BootInfo, pmm.MemReclaimable)
	memMap := pmm.VisitRegions(regions)

	pmm.PrintMemoryMap(memMap)
	frames := pmm.NewFramePool(cfg.DirectMap)
	frames.Seed(memMap)

	features := cfg.features()
	log.WithField("gbpages", features.LargePages).WithField("nx", features.NoExecute).Info("MMU features")

	pages := vmm.NewManager(frames, cfg.DirectMap, features)
	kernelAS, err := pages.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	ranges := directMapRanges(memMap)
	for _, dm := range []struct {
		base uintptr
		mt   vmm.MapType
	}{
		{cfg.DirectMapBase, vmm.KernelData},
		{cfg.NoCacheBase, vmm.DeviceMemory},
	} {
		for _, r := range ranges {
			vr := mm.VirtRange{Start: dm.base + r.Start, Size: r.Size}
			if err = kernelAS.MapRangeBestFit(vr, r, dm.mt); err != nil {
				return nil, err
			}
		}
	}

	log.Infof("direct map pages: %s", pageSizeUsage(kernelAS))
	log.Infof("free memory: %dKb", uint64(frames.FreeMemory()/mm.Kb))

	return &MemoryManager{
		Frames: frames,
		Pages:  pages,
		Kernel: kernelAS,
	}, nil
}

// NewProcessAddressSpace creates an address space that shares the kernel
// mappings.
func (m *MemoryManager) NewProcessAddressSpace() (*vmm.AddressSpace, *kernel.Error) {
	as, err := m.Pages.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	m.Kernel.CopyTopLevelInto(as)
	return as, nil
}

// ReclaimBootloaderMemory releases the memory that holds bootloader data
// into the frame pool. It must be called once the kernel no longer needs the
// multiboot information. Only the first call has any effect.
func (m *MemoryManager) ReclaimBootloaderMemory() mm.Size {
	return m.Frames.ReclaimBootloaderMemory()
}

func (cfg *Config) features() cpu.Features {
	var features cpu.Features
	if cfg.Features != nil {
		features = *cfg.Features
	} else {
		features = detectFeaturesFn()
	}

	return features.ApplyCmdLine(cfg.CmdLine)
}

// directMapRanges returns the page-aligned ranges covered by the usable
// regions of the memory map, sorted and with overlapping or adjacent ranges
// merged. Partially covered pages are included.
func directMapRanges(memMap pmm.MemoryMapFn) []mm.PhysRange {
	var ranges []mm.PhysRange
	memMap(func(region *pmm.MemoryRegion) bool {
		if !region.Kind.Usable() || region.Length == 0 {
			return true
		}

		r := region.Range()
		start := r.Start &^ (mm.PageSize - 1)
		end := (r.End() + mm.PageSize - 1) &^ (mm.PageSize - 1)
		ranges = append(ranges, mm.PhysRange{Start: start, Size: mm.Size(end - start)})
		return true
	})

	slices.SortFunc(ranges, func(a, b mm.PhysRange) int {
		switch {
		case a.Start < b.Start:
			return -1
		case a.Start > b.Start:
			return 1
		default:
			return 0
		}
	})

	merged := ranges[:0]
	for _, r := range ranges {
		if last := len(merged) - 1; last >= 0 && r.Start <= merged[last].End() {
			if r.End() > merged[last].End() {
				merged[last].Size = mm.Size(r.End() - merged[last].Start)
			}
			continue
		}
		merged = append(merged, r)
	}

	return merged
}

// pageSizeUsage summarizes the leaf mappings of as by page size.
func pageSizeUsage(as *vmm.AddressSpace) string {
	counts := make(map[mm.Size]int)
	as.VisitMappings(func(m vmm.Mapping) bool {
		counts[m.Size]++
		return true
	})

	var parts []string
	for _, size := range mm.PageSizes {
		parts = append(parts, fmt.Sprintf("%d x %s", counts[size], size))
	}
	return strings.Join(parts, ", ")
}
