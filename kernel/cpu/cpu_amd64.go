// Package cpu exposes the handful of amd64 instructions and CPU capability
// bits that the memory manager depends on.
package cpu

var (
	// cpuidFn is mocked by tests and is automatically inlined by the compiler.
	cpuidFn = ID
)

// FlushTLBEntry flushes the TLB entry for a particular virtual address on the
// executing core only.
func FlushTLBEntry(virtAddr uintptr)

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and ECX=0 and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)
