package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"

	"kmm/kernel/mm"
	"kmm/kernel/mm/vmm"
)

// bootCmd implements subcommands.Command for the "boot" command.
type bootCmd struct {
	machine string
	reclaim bool
}

// Name implements subcommands.Command.Name.
func (*bootCmd) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*bootCmd) Synopsis() string {
	return "boot the memory manager and print a memory summary"
}

// Usage implements subcommands.Command.Usage.
func (*bootCmd) Usage() string {
	return `boot -machine <file> [-reclaim]

Seeds the frame pool from the machine memory map, builds the kernel address
space with its direct maps and prints memory statistics.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *bootCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&b.machine, "machine", "", "path to the machine description file")
	f.BoolVar(&b.reclaim, "reclaim", false, "release bootloader memory into the frame pool after boot")
}

// Execute implements subcommands.Command.Execute.
func (b *bootCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sim, err := loadAndBoot(b.machine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot: %v\n", err)
		return subcommands.ExitFailure
	}
	defer sim.Close()

	if b.reclaim {
		sim.mgr.ReclaimBootloaderMemory()
	}

	printSummary(os.Stdout, sim)
	return subcommands.ExitSuccess
}

// printSummary writes the frame pool counters and the page size breakdown
// of the kernel address space to w.
func printSummary(w io.Writer, sim *simulation) {
	frames := sim.mgr.Frames
	total, free := frames.TotalMemory(), frames.FreeMemory()

	fmt.Fprintf(w, "simulated RAM:    %s at 0x%x\n", sim.mem.Range().Size, sim.mem.Range().Start)
	fmt.Fprintf(w, "pool memory:      %dKb\n", uint64(total/mm.Kb))
	fmt.Fprintf(w, "free memory:      %dKb\n", uint64(free/mm.Kb))
	fmt.Fprintf(w, "page tables:      %d\n", sim.tableFrames())
	fmt.Fprintf(w, "kernel root:      0x%x\n", sim.mgr.Kernel.Root().Address())

	counts := make(map[mm.Size]int)
	sim.mgr.Kernel.VisitMappings(func(m vmm.Mapping) bool {
		counts[m.Size]++
		return true
	})
	for _, size := range mm.PageSizes {
		fmt.Fprintf(w, "%-4s mappings:    %d\n", size, counts[size])
	}
}

// tableFrames returns the number of frames that have left the pool since
// boot. Right after boot these are all page tables.
func (s *simulation) tableFrames() uint64 {
	frames := s.mgr.Frames
	return uint64((frames.TotalMemory() - frames.FreeMemory()) / mm.Size(mm.PageSize))
}
