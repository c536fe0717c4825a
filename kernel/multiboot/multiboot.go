// Package multiboot parses the multiboot2 information structure that the
// bootloader hands to the kernel. Only the tags that the memory manager
// consumes are decoded: the memory map and the kernel command line.
package multiboot

import (
	"strings"
	"unsafe"

	"kmm/kernel/mm/pmm"
)

var (
	infoData  uintptr
	cmdLineKV map[string]string
)

type tagType uint32

// nolint
const (
	tagMbSectionEnd tagType = iota
	tagBootCmdLine
	tagBootLoaderName
	tagModules
	tagBasicMemoryInfo
	tagBiosBootDevice
	tagMemoryMap
)

// tagHeader describes the header the preceedes each tag.
type tagHeader struct {
	// The type of the tag
	tagType tagType

	// The size of the tag including the header but *not* including any
	// padding. According to the multiboot2 specification, each tag starts at a 8-byte aligned
	// address.
	size uint32
}

// mmapHeader describes the header for a memory map specification.
type mmapHeader struct {
	// The size of each entry.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// MemoryEntryType defines the type of a MemoryMapEntry.
type MemoryEntryType uint32

const (
	// MemAvailable indicates that the memory region is available for use.
	MemAvailable MemoryEntryType = iota + 1

	// MemReserved indicates that the memory region is not available for use.
	MemReserved

	// MemAcpiReclaimable indicates a memory region that holds ACPI info that
	// can be reused by the OS.
	MemAcpiReclaimable

	// MemNvs indicates memory that must be preserved when hibernating.
	MemNvs

	// Any value >= memUnknown will be mapped to MemReserved.
	memUnknown
)

// String implements fmt.Stringer for MemoryEntryType.
func (t MemoryEntryType) String() string {
	switch t {
	case MemAvailable:
		return "available"
	case MemReserved:
		return "reserved"
	case MemAcpiReclaimable:
		return "ACPI (reclaimable)"
	case MemNvs:
		return "NVS"
	default:
		return "unknown"
	}
}

// Kind maps the entry type to the memory kind understood by the frame pool.
// ACPI tables stay in use: the ACPI layer reads them after boot and nothing
// releases them once it is done.
func (t MemoryEntryType) Kind() pmm.MemoryKind {
	switch t {
	case MemAvailable:
		return pmm.MemFree
	case MemAcpiReclaimable:
		return pmm.MemInUse
	default:
		return pmm.MemReserved
	}
}

// memoryMapEntry describes a memory region entry as laid out by the
// bootloader.
type memoryMapEntry struct {
	physAddress uint64
	length      uint64
	entryType   MemoryEntryType
}

// SetInfoPtr updates the internal multiboot information pointer to the given
// value. This function must be invoked before invoking any other function
// exported by this package.
func SetInfoPtr(ptr uintptr) {
	infoData = ptr
	cmdLineKV = nil
}

// InfoSize returns the size of the multiboot information block in bytes,
// including its fixed header. It returns 0 if no block has been set.
func InfoSize() uintptr {
	if infoData == 0 {
		return 0
	}

	// The first dword of the block holds its total size
	return uintptr(*(*uint32)(unsafe.Pointer(infoData)))
}

// VisitMemRegions will invoke the supplied visitor for each memory region that
// is defined by the multiboot info data that we received from the bootloader.
// Entries with an unknown type are reported as reserved. VisitMemRegions
// satisfies pmm.MemoryMapFn.
func VisitMemRegions(visitor pmm.MemRegionVisitor) {
	curPtr, size := findTagByType(tagMemoryMap)
	if size == 0 {
		return
	}

	// curPtr points to the memory map header (2 dwords long)
	ptrMapHeader := (*mmapHeader)(unsafe.Pointer(curPtr))
	endPtr := curPtr + uintptr(size)
	curPtr += 8

	var region pmm.MemoryRegion
	for ; curPtr < endPtr; curPtr += uintptr(ptrMapHeader.entrySize) {
		entry := (*memoryMapEntry)(unsafe.Pointer(curPtr))

		region = pmm.MemoryRegion{
			PhysAddress: entry.physAddress,
			Length:      entry.length,
			Kind:        entry.entryType.Kind(),
		}

		if !visitor(&region) {
			return
		}
	}
}

// GetBootCmdLine returns the command line key-value pairs passed to the
// kernel. Keys without a value (e.g. "nogbpages") map to themselves. This
// function must only be invoked after bootstrapping the memory allocator.
func GetBootCmdLine() map[string]string {
	if cmdLineKV != nil {
		return cmdLineKV
	}

	var cmdLine string
	curPtr, size := findTagByType(tagBootCmdLine)
	if size > 1 {
		// The command line is a C-style NULL-terminated string
		cmdLine = string(unsafe.Slice((*byte)(unsafe.Pointer(curPtr)), size-1))
	}

	cmdLineKV = ParseCmdLine(cmdLine)
	return cmdLineKV
}

// ParseCmdLine splits a kernel command line into key-value pairs.
func ParseCmdLine(cmdLine string) map[string]string {
	kv := make(map[string]string)
	for _, pair := range strings.Fields(cmdLine) {
		key, value, found := strings.Cut(pair, "=")
		if !found {
			// nofoo
			value = key
		}
		kv[key] = value
	}
	return kv
}

// findTagByType scans the multiboot info data looking for the start of of the
// specified type. It returns a pointer to the tag contents start offset and
// the content length exluding the tag header.
//
// If the tag is not present in the multiboot info, findTagSection will return
// back (0,0).
func findTagByType(tagType tagType) (uintptr, uint32) {
	var ptrTagHeader *tagHeader

	curPtr := infoData + 8
	for ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)); ptrTagHeader.tagType != tagMbSectionEnd; ptrTagHeader = (*tagHeader)(unsafe.Pointer(curPtr)) {
		if ptrTagHeader.tagType == tagType {
			return curPtr + 8, ptrTagHeader.size - 8
		}

		// Tags are aligned at 8-byte aligned addresses
		curPtr += uintptr(int32(ptrTagHeader.size+7) & ^7)
	}

	return 0, 0
}
