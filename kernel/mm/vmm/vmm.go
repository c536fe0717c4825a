// Package vmm manages the hardware page tables of the amd64 4-level paging
// scheme. Tables are allocated from a physical frame allocator and accessed
// through the kernel's direct map, so any address space can be modified
// regardless of which one is currently active.
//
// The package performs no internal locking. An address space must only be
// mutated by the context that owns it; shared kernel mappings are created
// once at boot and handed to new address spaces with CopyTopLevelInto.
package vmm

import (
	"kmm/kernel"
	"kmm/kernel/cpu"
	"kmm/kernel/kfmt"
	"kmm/kernel/mm"
)

var (
	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrAlreadyMapped is returned when the leaf entry for a virtual
	// address is already present.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrMappingNotValid is returned when a mapping collides with an
	// existing huge page or requests an invalid combination of attributes.
	ErrMappingNotValid = &kernel.Error{Module: "vmm", Message: "mapping collides with a huge page or has invalid attributes"}

	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// ErrNoLargePageSupport is returned when a 1GiB mapping is requested
	// on a CPU that does not support it.
	ErrNoLargePageSupport = &kernel.Error{Module: "vmm", Message: "1GiB pages are not supported"}

	// ErrRangeNotAligned is returned when a range is empty, is not
	// page-aligned or does not match the size of its counterpart.
	ErrRangeNotAligned = &kernel.Error{Module: "vmm", Message: "range is empty or not page-aligned"}

	errUnmapNotMapped = &kernel.Error{Module: "vmm", Message: "unmap of a virtual address that is not mapped"}
	errUnmapHugePage  = &kernel.Error{Module: "vmm", Message: "unmap walk reached a huge page entry"}
)

// FrameAllocator is implemented by physical frame allocators that can back
// page tables and mapped pages.
type FrameAllocator interface {
	AllocFrame() (mm.Frame, *kernel.Error)
	FreeFrame(mm.Frame)
}

// Manager creates and mutates address spaces. It holds the collaborators
// shared by every address space: the frame allocator, the direct map used
// to reach table contents and the MMU capabilities of the CPU.
type Manager struct {
	frames   FrameAllocator
	dmap     mm.DirectMap
	features cpu.Features
}

// NewManager returns a page table manager that allocates tables from frames
// and accesses them through dmap.
func NewManager(frames FrameAllocator, dmap mm.DirectMap, features cpu.Features) *Manager {
	return &Manager{
		frames:   frames,
		dmap:     dmap,
		features: features,
	}
}

// Features returns the MMU capabilities that the manager uses.
func (m *Manager) Features() cpu.Features {
	return m.features
}

// NewAddressSpace allocates and clears a top-level table and returns it as a
// new, empty address space.
func (m *Manager) NewAddressSpace() (*AddressSpace, *kernel.Error) {
	frame, err := m.allocTable()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{mgr: m, root: frame}, nil
}

// FlushLocal invalidates the TLB entries for every page that overlaps r on
// the executing core. Other cores are not notified.
func (m *Manager) FlushLocal(r mm.VirtRange) {
	if r.Size == 0 {
		return
	}

	start := r.Start &^ (mm.PageSize - 1)
	pageCount := (uintptr(r.Size) + (r.Start - start) + mm.PageSize - 1) >> mm.PageShift

	for addr := start; pageCount > 0; pageCount, addr = pageCount-1, addr+mm.PageSize {
		flushTLBEntryFn(addr)
	}
}

// allocTable returns a cleared frame for use as a page table.
func (m *Manager) allocTable() (mm.Frame, *kernel.Error) {
	frame, err := m.frames.AllocFrame()
	if err != nil {
		return mm.InvalidFrame, err
	}

	m.dmap.ZeroFrame(frame)
	return frame, nil
}

// table returns the contents of the page table stored in frame.
func (m *Manager) table(frame mm.Frame) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(m.dmap.Ptr(frame.Address()))
}
