package vmm

import (
	"kmm/kernel"
	"kmm/kernel/mm"
)

// AddressSpace describes the top-most table in a multi-level paging scheme
// together with the manager that maintains its tables.
type AddressSpace struct {
	mgr  *Manager
	root mm.Frame
}

// Root returns the frame that holds the top-level table. This is the value
// that gets loaded into CR3 when the address space is activated.
func (as *AddressSpace) Root() mm.Frame {
	return as.root
}

// CopyTopLevelInto copies every top-level entry of as into dst. After the
// call both address spaces share the lower-level tables referenced by the
// copied entries, which is how new address spaces inherit the kernel
// mappings. Shared slots must be unmapped with keepTopLevel set so that the
// tables they point to stay alive for the other address spaces.
func (as *AddressSpace) CopyTopLevelInto(dst *AddressSpace) {
	kernel.Memcopy(
		as.mgr.dmap.VirtAddr(as.root.Address()),
		dst.mgr.dmap.VirtAddr(dst.root.Address()),
		mm.PageSize,
	)
}
