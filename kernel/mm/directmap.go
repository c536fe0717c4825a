package mm

import (
	"unsafe"

	"kmm/kernel"
)

// DirectMap describes the fixed virtual alias through which the kernel
// reaches every usable physical address by adding a constant offset. Page
// tables, the free-frame list and freshly allocated frames are all accessed
// through it.
//
// The alias must be established (by the bootloader or by the kernel's own
// boot code) before any DirectMap accessor is used, and the memory behind it
// must not be owned by the Go heap.
type DirectMap struct {
	Offset uintptr
}

// VirtAddr returns the direct-map virtual address for physAddr.
func (d DirectMap) VirtAddr(physAddr uintptr) uintptr {
	return d.Offset + physAddr
}

// Ptr returns a pointer to the physical address through the alias.
func (d DirectMap) Ptr(physAddr uintptr) unsafe.Pointer {
	return unsafe.Pointer(d.Offset + physAddr)
}

// ZeroFrame clears the contents of frame.
func (d DirectMap) ZeroFrame(frame Frame) {
	kernel.Memset(d.VirtAddr(frame.Address()), 0, PageSize)
}
