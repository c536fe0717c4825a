package cpu

const (
	// extendedFeaturesLeaf reports the highest supported extended leaf in
	// EAX; extendedInfoLeaf reports the AMD64 extended feature bits in EDX.
	extendedFeaturesLeaf = uint32(0x80000000)
	extendedInfoLeaf     = uint32(0x80000001)

	edxNoExecute = uint32(1 << 20)
	edxGbPages   = uint32(1 << 26)
)

// Features describes the CPU capabilities that gate branches in the page
// table code.
type Features struct {
	// LargePages is set when the MMU supports 1GiB leaf entries at the
	// third page level. 2MiB pages are architecturally guaranteed on amd64
	// and are therefore not represented here.
	LargePages bool

	// NoExecute is set when the no-execute entry bit is honored. When it
	// is not set, the bit is reserved and must be left clear.
	NoExecute bool
}

// DetectFeatures queries CPUID for the memory-management capabilities of the
// executing CPU.
func DetectFeatures() Features {
	maxExtLeaf, _, _, _ := cpuidFn(extendedFeaturesLeaf)
	if maxExtLeaf < extendedInfoLeaf {
		return Features{}
	}

	_, _, _, edx := cpuidFn(extendedInfoLeaf)
	return Features{
		LargePages: edx&edxGbPages != 0,
		NoExecute:  edx&edxNoExecute != 0,
	}
}

// ApplyCmdLine disables features according to the kernel command line. The
// command line can only take features away; it never enables a capability
// that the CPU does not report.
//
// Recognized keys:
//   - nogbpages: do not use 1GiB pages
//   - noexec=off: do not set the no-execute bit
func (f Features) ApplyCmdLine(cmdLine map[string]string) Features {
	if _, ok := cmdLine["nogbpages"]; ok {
		f.LargePages = false
	}

	if v, ok := cmdLine["noexec"]; ok && v == "off" {
		f.NoExecute = false
	}

	return f
}
