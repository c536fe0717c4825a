package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"

	"kmm/kernel/cpu"
	"kmm/kernel/mm"
	"kmm/kernel/mm/pmm"
)

const (
	defaultDirectMapBase = address(0xffff888000000000)
	defaultNoCacheBase   = address(0xffffc88000000000)

	// maxSimulatedRAM bounds the host address space reserved for the
	// simulated physical memory.
	maxSimulatedRAM = 64 * mm.Gb
)

// address is a 64-bit value that is written as a string in machine files
// since TOML integers are signed. Decimal, hex (0x) and octal (0o) notations
// are accepted.
type address uintptr

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(strings.ReplaceAll(string(text), "_", ""), 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", text, err)
	}
	*a = address(v)
	return nil
}

// memoryKind decodes the kind of a memory region.
type memoryKind pmm.MemoryKind

var memoryKinds = map[string]pmm.MemoryKind{
	"free":        pmm.MemFree,
	"in-use":      pmm.MemInUse,
	"reclaimable": pmm.MemReclaimable,
	"reserved":    pmm.MemReserved,
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *memoryKind) UnmarshalText(text []byte) error {
	kind, ok := memoryKinds[string(text)]
	if !ok {
		return fmt.Errorf("unknown memory kind %q", text)
	}
	*k = memoryKind(kind)
	return nil
}

// region is a memory map entry of a machine file.
type region struct {
	Base   address    `toml:"base"`
	Length address    `toml:"length"`
	Kind   memoryKind `toml:"kind"`
}

// machine describes the simulated machine.
type machine struct {
	// CmdLine is passed to the memory manager as the kernel command line.
	CmdLine string `toml:"cmdline"`

	// DirectMapBase and NoCacheBase are the virtual addresses of the
	// direct maps.
	DirectMapBase address `toml:"direct_map_base"`
	NoCacheBase   address `toml:"no_cache_base"`

	// Features lists the MMU capabilities reported by the simulated CPU.
	Features struct {
		LargePages bool `toml:"gbpages"`
		NoExecute  bool `toml:"nx"`
	} `toml:"features"`

	Regions []region `toml:"region"`
}

// loadMachine decodes and validates a machine file.
func loadMachine(path string) (*machine, error) {
	var m machine
	md, err := toml.DecodeFile(path, &m)
	if err != nil {
		return nil, err
	}
	return m.validate(md)
}

// parseMachine decodes and validates a machine description.
func parseMachine(data string) (*machine, error) {
	var m machine
	md, err := toml.Decode(data, &m)
	if err != nil {
		return nil, err
	}
	return m.validate(md)
}

func (m *machine) validate(md toml.MetaData) (*machine, error) {
	if undecoded := md.Undecoded(); len(undecoded) != 0 {
		return nil, fmt.Errorf("unknown machine file keys: %v", undecoded)
	}

	if m.DirectMapBase == 0 {
		m.DirectMapBase = defaultDirectMapBase
	}
	if m.NoCacheBase == 0 {
		m.NoCacheBase = defaultNoCacheBase
	}

	for _, base := range []address{m.DirectMapBase, m.NoCacheBase} {
		if uintptr(base)&uintptr(mm.PageSize-1) != 0 {
			return nil, fmt.Errorf("direct map base 0x%x is not page-aligned", uintptr(base))
		}
	}

	ram := m.ram()
	if ram.Size == 0 {
		return nil, fmt.Errorf("machine has no usable memory regions")
	}
	if ram.Size > maxSimulatedRAM {
		return nil, fmt.Errorf("usable memory spans %s; at most %s can be simulated", ram.Size, maxSimulatedRAM)
	}

	return m, nil
}

// memoryRegions returns the memory map of the machine.
func (m *machine) memoryRegions() []pmm.MemoryRegion {
	regions := make([]pmm.MemoryRegion, 0, len(m.Regions))
	for _, r := range m.Regions {
		regions = append(regions, pmm.MemoryRegion{
			PhysAddress: uint64(r.Base),
			Length:      uint64(r.Length),
			Kind:        pmm.MemoryKind(r.Kind),
		})
	}
	return regions
}

// ram returns the page-aligned physical range that spans every usable
// region. This is the range that is backed by host memory.
func (m *machine) ram() mm.PhysRange {
	var start, end uintptr
	for _, r := range m.memoryRegions() {
		if !r.Kind.Usable() || r.Length == 0 {
			continue
		}

		rStart, rEnd := uintptr(r.PhysAddress), uintptr(r.PhysAddress+r.Length)
		if end == 0 || rStart < start {
			start = rStart
		}
		if rEnd > end {
			end = rEnd
		}
	}

	start &^= mm.PageSize - 1
	end = (end + mm.PageSize - 1) &^ (mm.PageSize - 1)
	return mm.PhysRange{Start: start, Size: mm.Size(end - start)}
}

func (m *machine) features() *cpu.Features {
	return &cpu.Features{
		LargePages: m.Features.LargePages,
		NoExecute:  m.Features.NoExecute,
	}
}
