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

// dumpCmd implements subcommands.Command for the "dump" command.
type dumpCmd struct {
	machine string
	limit   int
}

// Name implements subcommands.Command.Name.
func (*dumpCmd) Name() string {
	return "dump"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*dumpCmd) Synopsis() string {
	return "print the mappings of the kernel address space"
}

// Usage implements subcommands.Command.Usage.
func (*dumpCmd) Usage() string {
	return `dump -machine <file> [-limit <n>]

Boots the memory manager and prints the leaf mappings of the kernel address
space. Runs of mappings that are contiguous in both address spaces and share
page size and flags are printed as a single line.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (d *dumpCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&d.machine, "machine", "", "path to the machine description file")
	f.IntVar(&d.limit, "limit", 0, "maximum number of lines to print; 0 prints everything")
}

// Execute implements subcommands.Command.Execute.
func (d *dumpCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if f.NArg() != 0 || d.limit < 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	sim, err := loadAndBoot(d.machine)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dump: %v\n", err)
		return subcommands.ExitFailure
	}
	defer sim.Close()

	dumpMappings(os.Stdout, coalesceMappings(sim.mgr.Kernel), d.limit)
	return subcommands.ExitSuccess
}

// mappingRun is a sequence of mappings with the same page size and flags
// that are contiguous in both the virtual and the physical address space.
type mappingRun struct {
	first vmm.Mapping
	count int
}

func (r *mappingRun) size() mm.Size {
	return r.first.Size * mm.Size(r.count)
}

// extends returns true if m directly follows the last mapping of the run.
func (r *mappingRun) extends(m vmm.Mapping) bool {
	next := uintptr(r.size())
	return m.Size == r.first.Size &&
		m.Flags == r.first.Flags &&
		m.Virt == r.first.Virt+next &&
		m.Phys == r.first.Phys+next
}

// coalesceMappings collects the leaf mappings of as into runs.
func coalesceMappings(as *vmm.AddressSpace) []mappingRun {
	var runs []mappingRun
	as.VisitMappings(func(m vmm.Mapping) bool {
		if last := len(runs) - 1; last >= 0 && runs[last].extends(m) {
			runs[last].count++
			return true
		}

		runs = append(runs, mappingRun{first: m, count: 1})
		return true
	})
	return runs
}

// dumpMappings writes one line per run to w. At most limit runs are
// printed unless limit is 0.
func dumpMappings(w io.Writer, runs []mappingRun, limit int) {
	for i, r := range runs {
		if limit != 0 && i == limit {
			fmt.Fprintf(w, "... %d more\n", len(runs)-limit)
			return
		}

		fmt.Fprintf(w, "[0x%016x - 0x%016x] -> [0x%010x - 0x%010x] %4d x %-6s %s\n",
			r.first.Virt, r.first.Virt+uintptr(r.size()),
			r.first.Phys, r.first.Phys+uintptr(r.size()),
			r.count, r.first.Size, flagString(r.first),
		)
	}
}

// flagString renders the attribute bits of a leaf entry.
func flagString(m vmm.Mapping) string {
	pat := vmm.FlagHugePAT
	if m.Size == mm.Size(mm.PageSize) {
		pat = vmm.FlagPAT
	}

	attrs := []struct {
		flag vmm.PageTableEntryFlag
		set  byte
	}{
		{vmm.FlagRW, 'w'},
		{vmm.FlagUserAccessible, 'u'},
		{vmm.FlagWriteThroughCaching, 't'},
		{vmm.FlagDoNotCache, 'c'},
		{pat, 'p'},
		{vmm.FlagGlobal, 'g'},
		{vmm.FlagNoExecute, 'n'},
	}

	out := make([]byte, len(attrs))
	for i, attr := range attrs {
		out[i] = '-'
		if m.Flags&attr.flag != 0 {
			out[i] = attr.set
		}
	}
	return string(out)
}
