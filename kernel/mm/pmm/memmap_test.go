package pmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"kmm/kernel/kfmt"
	"kmm/kernel/mm"
	"kmm/kernel/mm/simmem"
)

func TestMemoryKind(t *testing.T) {
	specs := []struct {
		kind   MemoryKind
		str    string
		usable bool
	}{
		{MemFree, "free", true},
		{MemInUse, "in use", true},
		{MemReclaimable, "reclaimable", true},
		{MemReserved, "reserved", false},
	}

	for specIndex, spec := range specs {
		if got := spec.kind.String(); got != spec.str {
			t.Errorf("[spec %d] expected String() to return %q; got %q", specIndex, spec.str, got)
		}
		if got := spec.kind.Usable(); got != spec.usable {
			t.Errorf("[spec %d] expected Usable() to return %t; got %t", specIndex, spec.usable, got)
		}
	}
}

func TestSeed(t *testing.T) {
	const page = uint64(mm.PageSize)

	mem, err := simmem.New(testPhysBase, 16*mm.Size(mm.PageSize))
	if err != nil {
		t.Fatal(err)
	}
	defer mem.Close()

	base := uint64(testPhysBase)
	regions := []MemoryRegion{
		// unaligned start; frame 0 is partially covered so only frames 1 and 2
		// are usable
		{PhysAddress: base + 0x10, Length: 3*page - 0x10, Kind: MemFree},
		// kernel image
		{PhysAddress: base + 3*page, Length: 2 * page, Kind: MemInUse},
		// bootloader data
		{PhysAddress: base + 5*page, Length: 3 * page, Kind: MemReclaimable},
		// too small to hold a single frame
		{PhysAddress: base + 8*page + 1, Length: page - 2, Kind: MemFree},
		// firmware
		{PhysAddress: base + 9*page, Length: page, Kind: MemReserved},
		{PhysAddress: base + 10*page, Length: 6 * page, Kind: MemFree},
	}

	pool := NewFramePool(mem.DirectMap())
	pool.Seed(VisitRegions(regions))

	if exp, got := 8*mm.Size(mm.PageSize), pool.TotalMemory(); got != exp {
		t.Fatalf("expected total memory to be %d; got %d", exp, got)
	}
	if exp, got := 8*mm.Size(mm.PageSize), pool.FreeMemory(); got != exp {
		t.Fatalf("expected free memory to be %d; got %d", exp, got)
	}

	t.Run("reclaim bootloader memory", func(t *testing.T) {
		if exp, got := 3*mm.Size(mm.PageSize), pool.ReclaimBootloaderMemory(); got != exp {
			t.Fatalf("expected to reclaim %d bytes; got %d", exp, got)
		}
		if got := pool.ReclaimBootloaderMemory(); got != 0 {
			t.Fatalf("expected second reclaim to be a no-op; got %d", got)
		}

		if exp, got := 11*mm.Size(mm.PageSize), pool.TotalMemory(); got != exp {
			t.Fatalf("expected total memory to be %d; got %d", exp, got)
		}
		if exp, got := 11*mm.Size(mm.PageSize), pool.FreeMemory(); got != exp {
			t.Fatalf("expected free memory to be %d; got %d", exp, got)
		}
	})

	t.Run("only usable frames are handed out", func(t *testing.T) {
		usable := map[uint64]bool{1: true, 2: true, 5: true, 6: true, 7: true}
		for i := uint64(10); i < 16; i++ {
			usable[i] = true
		}

		for {
			frame, err := pool.AllocFrame()
			if err == ErrOutOfMemory {
				break
			}

			index := uint64(frame.Address()-testPhysBase) / page
			if !usable[index] {
				t.Fatalf("frame at index %d should not be part of the pool", index)
			}
			delete(usable, index)
		}

		if len(usable) != 0 {
			t.Fatalf("expected every usable frame to be allocated; %d left", len(usable))
		}
	})
}

func TestSeedStopsWhenVisitorAborts(t *testing.T) {
	var visited int
	memMap := VisitRegions([]MemoryRegion{
		{PhysAddress: 0x1000, Length: 0x1000, Kind: MemReserved},
		{PhysAddress: 0x2000, Length: 0x1000, Kind: MemReserved},
	})

	memMap(func(*MemoryRegion) bool {
		visited++
		return false
	})

	if visited != 1 {
		t.Fatalf("expected visitor to be called once; got %d", visited)
	}
}

func TestPrintMemoryMap(t *testing.T) {
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)
	buf.Reset()

	PrintMemoryMap(VisitRegions([]MemoryRegion{
		{PhysAddress: 0, Length: 0x9fc00, Kind: MemFree},
		{PhysAddress: 0xf0000, Length: 0x10000, Kind: MemReserved},
		{PhysAddress: 0x100000, Length: 0x7ee0000, Kind: MemFree},
	}))

	out := buf.String()
	for _, exp := range []string{
		"[pmm] system memory map:",
		"[0x0000000000 - 0x000009fc00], size:     654336, type: free",
		"[0x00000f0000 - 0x0000100000], size:      65536, type: reserved",
		"[pmm] available memory: 130559Kb",
	} {
		if !strings.Contains(out, exp) {
			t.Errorf("expected output to contain %q; got:\n%s", exp, out)
		}
	}
}

func TestCollectRegions(t *testing.T) {
	regions := []MemoryRegion{
		{PhysAddress: 0x0, Length: 0x9fc00, Kind: MemFree},
		{PhysAddress: 0x100000, Length: 0x1000, Kind: MemReclaimable},
	}

	got := CollectRegions(VisitRegions(regions))
	regions[0].Kind = MemReserved

	exp := []MemoryRegion{
		{PhysAddress: 0x0, Length: 0x9fc00, Kind: MemFree},
		{PhysAddress: 0x100000, Length: 0x1000, Kind: MemReclaimable},
	}
	if diff := cmp.Diff(exp, got); diff != "" {
		t.Fatalf("unexpected regions (-want +got):\n%s", diff)
	}

	if got := CollectRegions(VisitRegions(nil)); len(got) != 0 {
		t.Fatalf("expected no regions; got %v", got)
	}
}

func TestCarveRegion(t *testing.T) {
	regions := []MemoryRegion{
		{PhysAddress: 0x0, Length: 0x9fc00, Kind: MemFree},
		{PhysAddress: 0x100000, Length: 0x400000, Kind: MemFree},
		{PhysAddress: 0x500000, Length: 0x1000, Kind: MemReserved},
	}

	specs := []struct {
		descr string
		r     mm.PhysRange
		kind  MemoryKind
		exp   []MemoryRegion
	}{
		{
			"empty range",
			mm.PhysRange{Start: 0x100000, Size: 0},
			MemInUse,
			regions,
		},
		{
			"unaligned range at region start",
			mm.PhysRange{Start: 0x100800, Size: 0x2000},
			MemInUse,
			[]MemoryRegion{
				regions[0],
				{PhysAddress: 0x100000, Length: 0x3000, Kind: MemInUse},
				{PhysAddress: 0x103000, Length: 0x3fd000, Kind: MemFree},
				regions[2],
			},
		},
		{
			"range inside a region",
			mm.PhysRange{Start: 0x200000, Size: 0x10},
			MemReclaimable,
			[]MemoryRegion{
				regions[0],
				{PhysAddress: 0x100000, Length: 0x100000, Kind: MemFree},
				{PhysAddress: 0x200000, Length: 0x1000, Kind: MemReclaimable},
				{PhysAddress: 0x201000, Length: 0x2ff000, Kind: MemFree},
				regions[2],
			},
		},
		{
			"range past the region end",
			mm.PhysRange{Start: 0x9f000, Size: 0x2000},
			MemInUse,
			[]MemoryRegion{
				{PhysAddress: 0x0, Length: 0x9f000, Kind: MemFree},
				{PhysAddress: 0x9f000, Length: 0xc00, Kind: MemInUse},
				regions[1],
				regions[2],
			},
		},
		{
			"range over a reserved region",
			mm.PhysRange{Start: 0x500000, Size: 0x1000},
			MemInUse,
			regions,
		},
	}

	for _, spec := range specs {
		t.Run(spec.descr, func(t *testing.T) {
			if diff := cmp.Diff(spec.exp, CarveRegion(regions, spec.r, spec.kind)); diff != "" {
				t.Fatalf("unexpected regions (-want +got):\n%s", diff)
			}
		})
	}
}
