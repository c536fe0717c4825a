package main

import (
	"fmt"

	"kmm/kernel/kmain"
	"kmm/kernel/mm/pmm"
	"kmm/kernel/mm/simmem"
	"kmm/kernel/multiboot"
)

// simulation is a booted memory manager running on host memory.
type simulation struct {
	mem *simmem.Memory
	mgr *kmain.MemoryManager
}

// boot reserves host memory for the usable regions of m and runs the boot
// sequence of the memory manager on it.
func (m *machine) boot() (*simulation, error) {
	mem, kerr := simmem.New(m.ram().Start, m.ram().Size)
	if kerr != nil {
		return nil, kerr
	}

	mgr, kerr := kmain.Init(kmain.Config{
		MemoryMap:     pmm.VisitRegions(m.memoryRegions()),
		DirectMap:     mem.DirectMap(),
		DirectMapBase: uintptr(m.DirectMapBase),
		NoCacheBase:   uintptr(m.NoCacheBase),
		CmdLine:       multiboot.ParseCmdLine(m.CmdLine),
		Features:      m.features(),
	})
	if kerr != nil {
		_ = mem.Close()
		return nil, fmt.Errorf("boot failed: %w", kerr)
	}

	return &simulation{mem: mem, mgr: mgr}, nil
}

// Close releases the simulated memory.
func (s *simulation) Close() error {
	return s.mem.Close()
}

// loadAndBoot is the common prologue of the commands that need a booted
// machine.
func loadAndBoot(path string) (*simulation, error) {
	if path == "" {
		return nil, fmt.Errorf("-machine is required")
	}

	m, err := loadMachine(path)
	if err != nil {
		return nil, err
	}
	return m.boot()
}
