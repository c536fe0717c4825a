package vmm

import (
	"testing"

	"kmm/kernel/cpu"
	"kmm/kernel/mm"
	"kmm/kernel/mm/pmm"
)

func TestMapRegionAllocatesDistinctFrames(t *testing.T) {
	env := newTestEnv(t, 16, cpu.Features{})
	as := env.newAddressSpace(t)

	// Map a neighbouring page so that every table on the path exists.
	neighbour := mm.PageFromAddress(testVirtAddr) + 3
	if err := as.Map(neighbour, env.allocFrame(t), KernelData); err != nil {
		t.Fatal(err)
	}

	env.drainTo(t, 3)

	// Record the 3 frames left in the pool and hand them back.
	poolFrames := make(map[uintptr]bool)
	var popped []mm.Frame
	for i := 0; i < 3; i++ {
		frame := env.allocFrame(t)
		popped = append(popped, frame)
		poolFrames[frame.Address()] = true
	}
	for i := len(popped) - 1; i >= 0; i-- {
		env.pool.FreeFrame(popped[i])
	}

	before := env.freeFrames()
	r := mm.VirtRange{Start: testVirtAddr, Size: 3 * mm.Size(mm.PageSize)}
	if err := as.MapRegion(r, MapType{Writable: true}); err != nil {
		t.Fatal(err)
	}

	if exp, got := before-3, env.freeFrames(); got != exp {
		t.Fatalf("expected %d free frames after MapRegion; got %d", exp, got)
	}

	var found int
	as.VisitMappings(func(m Mapping) bool {
		if m.Virt < r.Start || m.Virt >= r.End() {
			return true
		}
		found++

		if m.Size != mm.Size(mm.PageSize) {
			t.Errorf("[0x%x] expected a standard page; got %s", m.Virt, m.Size)
		}
		if !pageTableEntry(m.Flags).HasFlags(FlagPresent | FlagRW) {
			t.Errorf("[0x%x] expected the present and writable bits to be set; flags 0x%x", m.Virt, m.Flags)
		}
		if !poolFrames[m.Phys] {
			t.Errorf("[0x%x] expected mapping to one of the free frames; got 0x%x", m.Virt, m.Phys)
		}
		delete(poolFrames, m.Phys)
		return true
	})

	if found != 3 {
		t.Fatalf("expected 3 leaf entries in range; got %d", found)
	}
}

func TestMapUnmapRoundTrip(t *testing.T) {
	specs := []struct {
		page mm.Page
		mt   MapType
	}{
		{mm.PageFromAddress(testVirtAddr), KernelData},
		{mm.PageFromAddress(0x1000), KernelCode},
		{mm.PageFromAddress(0x7ffffffff000), MapType{Writable: true, User: true}},
		{mm.PageFromAddress(0xffff800000000000), DeviceMemory},
		{mm.PageFromAddress(0xffffffffffe00000), MapType{Cache: CacheWriteCombining}},
	}

	env := newTestEnv(t, 16, cpu.Features{NoExecute: true, LargePages: true})
	as := env.newAddressSpace(t)

	for specIndex, spec := range specs {
		before := env.freeFrames()

		frame := env.allocFrame(t)
		if err := as.Map(spec.page, frame, spec.mt); err != nil {
			t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
			continue
		}

		if exp, got := before-4, env.freeFrames(); got != exp {
			t.Errorf("[spec %d] expected map to consume %d frames; got %d", specIndex, before-exp, before-got)
		}

		physAddr, err := as.Translate(spec.page.Address() + 0xabc)
		if err != nil || physAddr != frame.Address()+0xabc {
			t.Errorf("[spec %d] expected translation to 0x%x; got 0x%x, %v", specIndex, frame.Address()+0xabc, physAddr, err)
		}

		as.Unmap(spec.page, true, false)

		if got := env.freeFrames(); got != before {
			t.Errorf("[spec %d] expected %d free frames after unmap; got %d", specIndex, before, got)
		}
		if !env.mgr.tableEmpty(as.Root()) {
			t.Errorf("[spec %d] expected the top-level table to be empty", specIndex)
		}
	}
}

func TestMapAlreadyMapped(t *testing.T) {
	env := newTestEnv(t, 16, cpu.Features{})
	as := env.newAddressSpace(t)

	page := mm.PageFromAddress(testVirtAddr)
	origFrame := env.allocFrame(t)
	if err := as.Map(page, origFrame, KernelData); err != nil {
		t.Fatal(err)
	}

	origEntry := entryFor(as, page.Address(), leafLevel)
	frame := env.allocFrame(t)
	before := env.freeFrames()

	if err := as.Map(page, frame, KernelCode); err != ErrAlreadyMapped {
		t.Fatalf("expected error %v; got %v", ErrAlreadyMapped, err)
	}

	if got := env.freeFrames(); got != before {
		t.Fatalf("expected free frame count to stay %d; got %d", before, got)
	}
	if got := entryFor(as, page.Address(), leafLevel); got != origEntry {
		t.Fatalf("expected leaf entry to stay 0x%x; got 0x%x", origEntry, got)
	}
}

func TestMapInvalidMapType(t *testing.T) {
	env := newTestEnv(t, 4, cpu.Features{})
	as := env.newAddressSpace(t)

	mt := MapType{Cache: CachePolicy(42)}
	if err := as.Map(mm.PageFromAddress(testVirtAddr), mm.Frame(0x1234), mt); err != ErrMappingNotValid {
		t.Fatalf("expected error %v; got %v", ErrMappingNotValid, err)
	}

	r := mm.VirtRange{Start: testVirtAddr, Size: mm.Size(mm.PageSize)}
	if err := as.MapRegion(r, mt); err != ErrMappingNotValid {
		t.Fatalf("expected error %v; got %v", ErrMappingNotValid, err)
	}

	if exp, got := uintptr(3), env.freeFrames(); got != exp {
		t.Fatalf("expected %d free frames; got %d", exp, got)
	}
}

func TestMapRollback(t *testing.T) {
	t.Run("fresh address space", func(t *testing.T) {
		env := newTestEnv(t, 3, cpu.Features{})
		as := env.newAddressSpace(t)

		// two frames left; the walk needs three tables
		err := as.Map(mm.PageFromAddress(testVirtAddr), mm.Frame(0x12345), KernelData)
		if err != pmm.ErrOutOfMemory {
			t.Fatalf("expected error %v; got %v", pmm.ErrOutOfMemory, err)
		}

		if exp, got := uintptr(2), env.freeFrames(); got != exp {
			t.Fatalf("expected %d free frames after rollback; got %d", exp, got)
		}
		if !env.mgr.tableEmpty(as.Root()) {
			t.Fatal("expected the top-level table to be empty after rollback")
		}
	})

	t.Run("existing tables are kept", func(t *testing.T) {
		env := newTestEnv(t, 6, cpu.Features{})
		as := env.newAddressSpace(t)

		page := mm.PageFromAddress(testVirtAddr)
		if err := as.Map(page, mm.Frame(0x12345), KernelData); err != nil {
			t.Fatal(err)
		}
		env.drainTo(t, 1)

		// shares the top-level and level 3 tables; needs two new tables
		other := mm.PageFromAddress(testVirtAddr + 1*uintptr(mm.Gb))
		if err := as.Map(other, mm.Frame(0x54321), KernelData); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected error %v; got %v", pmm.ErrOutOfMemory, err)
		}

		if exp, got := uintptr(1), env.freeFrames(); got != exp {
			t.Fatalf("expected %d free frames after rollback; got %d", exp, got)
		}
		if entryFor(as, other.Address(), 1).HasFlags(FlagPresent) {
			t.Fatal("expected the level 3 entry created by the failed call to be cleared")
		}

		physAddr, err := as.Translate(page.Address())
		if err != nil || physAddr != mm.Frame(0x12345).Address() {
			t.Fatalf("expected the existing mapping to survive; got 0x%x, %v", physAddr, err)
		}
	})

	t.Run("huge page collision", func(t *testing.T) {
		env := newTestEnv(t, 8, cpu.Features{LargePages: true})
		as := env.newAddressSpace(t)

		specs := []struct {
			vr mm.VirtRange
			pr mm.PhysRange
		}{
			{
				mm.VirtRange{Start: 1 * uintptr(mm.Gb), Size: 1 * mm.Gb},
				mm.PhysRange{Start: 4 * uintptr(mm.Gb), Size: 1 * mm.Gb},
			},
			{
				mm.VirtRange{Start: testVirtAddr, Size: 2 * mm.Mb},
				mm.PhysRange{Start: 6 * uintptr(mm.Gb), Size: 2 * mm.Mb},
			},
		}

		for specIndex, spec := range specs {
			if err := as.MapRangeBestFit(spec.vr, spec.pr, KernelData); err != nil {
				t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
			}

			before := env.freeFrames()
			page := mm.PageFromAddress(spec.vr.Start + 0x5000)
			if err := as.Map(page, mm.Frame(0x12345), KernelData); err != ErrMappingNotValid {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, ErrMappingNotValid, err)
			}
			if got := env.freeFrames(); got != before {
				t.Errorf("[spec %d] expected free frames to stay %d; got %d", specIndex, before, got)
			}

			physAddr, err := as.Translate(page.Address())
			if exp := spec.pr.Start + 0x5000; err != nil || physAddr != exp {
				t.Errorf("[spec %d] expected huge mapping to translate to 0x%x; got 0x%x, %v", specIndex, exp, physAddr, err)
			}
		}
	})
}

func TestMapRegion(t *testing.T) {
	t.Run("invalid ranges", func(t *testing.T) {
		env := newTestEnv(t, 4, cpu.Features{})
		as := env.newAddressSpace(t)

		specs := []mm.VirtRange{
			{Start: testVirtAddr, Size: 0},
			{Start: testVirtAddr + 1, Size: mm.Size(mm.PageSize)},
			{Start: testVirtAddr, Size: mm.Size(mm.PageSize) + 1},
		}

		for specIndex, spec := range specs {
			if err := as.MapRegion(spec, KernelData); err != ErrRangeNotAligned {
				t.Errorf("[spec %d] expected error %v; got %v", specIndex, ErrRangeNotAligned, err)
			}
		}
	})

	t.Run("backing frames are cleared", func(t *testing.T) {
		env := newTestEnv(t, 8, cpu.Features{})
		as := env.newAddressSpace(t)

		if err := as.Map(mm.PageFromAddress(testVirtAddr)+1, env.allocFrame(t), KernelData); err != nil {
			t.Fatal(err)
		}

		// dirty the frame that will be handed out next
		frame := env.allocFrame(t)
		buf := env.mem.Bytes(frame)
		for i := range buf {
			buf[i] = 0xaa
		}
		env.pool.FreeFrame(frame)

		r := mm.VirtRange{Start: testVirtAddr, Size: mm.Size(mm.PageSize)}
		if err := as.MapRegion(r, KernelData); err != nil {
			t.Fatal(err)
		}

		physAddr, err := as.Translate(r.Start)
		if err != nil {
			t.Fatal(err)
		}
		if physAddr != frame.Address() {
			t.Fatalf("expected page to be backed by frame 0x%x; got 0x%x", frame.Address(), physAddr)
		}
		for i, b := range buf {
			if b != 0 {
				t.Fatalf("expected byte %d of the backing frame to be 0; got 0x%x", i, b)
			}
		}
	})

	t.Run("out of memory", func(t *testing.T) {
		env := newTestEnv(t, 8, cpu.Features{})
		as := env.newAddressSpace(t)

		// 3 tables and 2 of the 3 backing frames fit.
		env.drainTo(t, 5)

		r := mm.VirtRange{Start: testVirtAddr, Size: 3 * mm.Size(mm.PageSize)}
		if err := as.MapRegion(r, KernelData); err != pmm.ErrOutOfMemory {
			t.Fatalf("expected error %v; got %v", pmm.ErrOutOfMemory, err)
		}

		if exp, got := uintptr(5), env.freeFrames(); got != exp {
			t.Fatalf("expected %d free frames after rollback; got %d", exp, got)
		}
		if !env.mgr.tableEmpty(as.Root()) {
			t.Fatal("expected the top-level table to be empty after rollback")
		}
	})

	t.Run("collision with an existing page", func(t *testing.T) {
		env := newTestEnv(t, 16, cpu.Features{})
		as := env.newAddressSpace(t)

		existing := mm.PageFromAddress(testVirtAddr) + 2
		existingFrame := env.allocFrame(t)
		if err := as.Map(existing, existingFrame, KernelData); err != nil {
			t.Fatal(err)
		}

		before := env.freeFrames()
		r := mm.VirtRange{Start: testVirtAddr, Size: 3 * mm.Size(mm.PageSize)}
		if err := as.MapRegion(r, KernelData); err != ErrAlreadyMapped {
			t.Fatalf("expected error %v; got %v", ErrAlreadyMapped, err)
		}

		if got := env.freeFrames(); got != before {
			t.Fatalf("expected %d free frames after rollback; got %d", before, got)
		}

		for page := mm.PageFromAddress(testVirtAddr); page < existing; page++ {
			if _, err := as.Translate(page.Address()); err != ErrInvalidMapping {
				t.Errorf("expected page 0x%x to be unmapped; got %v", page.Address(), err)
			}
		}

		physAddr, err := as.Translate(existing.Address())
		if err != nil || physAddr != existingFrame.Address() {
			t.Fatalf("expected the existing mapping to survive; got 0x%x, %v", physAddr, err)
		}
	})
}

func TestTranslate(t *testing.T) {
	env := newTestEnv(t, 16, cpu.Features{LargePages: true})
	as := env.newAddressSpace(t)

	if _, err := as.Translate(testVirtAddr); err != ErrInvalidMapping {
		t.Fatalf("expected error %v; got %v", ErrInvalidMapping, err)
	}

	wc := MapType{Writable: true, Cache: CacheWriteCombining}
	specs := []struct {
		vr mm.VirtRange
		pr mm.PhysRange
	}{
		{
			mm.VirtRange{Start: testVirtAddr, Size: mm.Size(mm.PageSize)},
			mm.PhysRange{Start: 0xfd000000, Size: mm.Size(mm.PageSize)},
		},
		{
			mm.VirtRange{Start: testVirtAddr + 2*uintptr(mm.Mb), Size: 2 * mm.Mb},
			mm.PhysRange{Start: 0xfd200000, Size: 2 * mm.Mb},
		},
		{
			mm.VirtRange{Start: testVirtAddr + 2*uintptr(mm.Gb), Size: 1 * mm.Gb},
			mm.PhysRange{Start: 0x80000000, Size: 1 * mm.Gb},
		},
	}

	for specIndex, spec := range specs {
		if err := as.MapRangeBestFit(spec.vr, spec.pr, wc); err != nil {
			t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
		}

		for _, offset := range []uintptr{0, 0x123, uintptr(spec.vr.Size) - 1} {
			physAddr, err := as.Translate(spec.vr.Start + offset)
			if err != nil {
				t.Errorf("[spec %d] unexpected error: %v", specIndex, err)
				continue
			}
			if exp := spec.pr.Start + offset; physAddr != exp {
				t.Errorf("[spec %d] expected 0x%x to translate to 0x%x; got 0x%x", specIndex, spec.vr.Start+offset, exp, physAddr)
			}
		}
	}
}

func TestPageOffset(t *testing.T) {
	specs := []struct {
		virtAddr uintptr
		level    uint8
		exp      uintptr
	}{
		{0xffff800012345678, leafLevel, 0x678},
		{0xffff800012345678, 2, 0x145678},
		{0xffff800012345678, 1, 0x12345678},
	}

	for specIndex, spec := range specs {
		if got := PageOffset(spec.virtAddr, spec.level); got != spec.exp {
			t.Errorf("[spec %d] expected offset 0x%x; got 0x%x", specIndex, spec.exp, got)
		}
	}
}
