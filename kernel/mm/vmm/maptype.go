package vmm

import (
	"kmm/kernel"
	"kmm/kernel/cpu"
)

// CachePolicy selects the memory type of a mapping.
type CachePolicy uint8

const (
	// CacheWriteBack is the default policy for RAM.
	CacheWriteBack CachePolicy = iota

	// CacheWriteThrough forwards every write to memory.
	CacheWriteThrough

	// CacheUncached disables caching. Used for device registers.
	CacheUncached

	// CacheWriteCombining buffers writes without caching reads. It relies
	// on PAT entry 4 being programmed with the write-combining type.
	CacheWriteCombining

	numCachePolicies
)

// String implements fmt.Stringer for CachePolicy.
func (c CachePolicy) String() string {
	switch c {
	case CacheWriteBack:
		return "write-back"
	case CacheWriteThrough:
		return "write-through"
	case CacheUncached:
		return "uncached"
	case CacheWriteCombining:
		return "write-combining"
	default:
		return "invalid"
	}
}

// MapFlag describes a requested attribute of a new mapping.
type MapFlag uint8

const (
	// MapWritable allows writes to the mapped pages.
	MapWritable MapFlag = 1 << iota

	// MapUser allows user-mode access to the mapped pages.
	MapUser

	// MapExecutable allows instruction fetches from the mapped pages.
	MapExecutable

	// MapNoCache requests an uncached mapping.
	MapNoCache

	// MapWriteThrough requests write-through caching.
	MapWriteThrough

	// MapWriteCombining requests a write-combining mapping.
	MapWriteCombining
)

// MapType is a validated set of attributes that is applied to every leaf
// entry created by a single mapping call.
type MapType struct {
	Writable   bool
	User       bool
	Executable bool
	Cache      CachePolicy
}

var (
	// KernelData is used for kernel read/write data mappings.
	KernelData = MapType{Writable: true}

	// KernelCode is used for kernel text mappings.
	KernelCode = MapType{Executable: true}

	// DeviceMemory is used for uncached kernel mappings of device memory.
	DeviceMemory = MapType{Writable: true, Cache: CacheUncached}
)

// NewMapType builds a MapType from a set of request flags. Write-combining
// cannot be combined with any other cache attribute; such requests fail
// with ErrMappingNotValid. Requesting both no-cache and write-through
// yields an uncached mapping.
func NewMapType(flags MapFlag) (MapType, *kernel.Error) {
	mt := MapType{
		Writable:   flags&MapWritable != 0,
		User:       flags&MapUser != 0,
		Executable: flags&MapExecutable != 0,
	}

	switch cacheFlags := flags & (MapNoCache | MapWriteThrough | MapWriteCombining); {
	case cacheFlags&MapWriteCombining != 0:
		if cacheFlags != MapWriteCombining {
			return MapType{}, ErrMappingNotValid
		}
		mt.Cache = CacheWriteCombining
	case cacheFlags&MapNoCache != 0:
		mt.Cache = CacheUncached
	case cacheFlags&MapWriteThrough != 0:
		mt.Cache = CacheWriteThrough
	}

	return mt, nil
}

// Validate returns ErrMappingNotValid if the map type holds an unknown cache
// policy.
func (mt MapType) Validate() *kernel.Error {
	if mt.Cache >= numCachePolicies {
		return ErrMappingNotValid
	}
	return nil
}

// entryFlags returns the leaf entry bits that encode mt. Intermediate
// levels are always created with permissive flags, so these bits alone
// decide the effective access rights of the mapping.
func (mt MapType) entryFlags(huge bool, features cpu.Features) PageTableEntryFlag {
	flags := FlagPresent

	if mt.Writable {
		flags |= FlagRW
	}

	if mt.User {
		flags |= FlagUserAccessible
	} else {
		flags |= FlagGlobal
	}

	if !mt.Executable && features.NoExecute {
		flags |= FlagNoExecute
	}

	patFlag := FlagPAT
	if huge {
		flags |= FlagHugePage
		patFlag = FlagHugePAT
	}

	switch mt.Cache {
	case CacheWriteThrough:
		flags |= FlagWriteThroughCaching
	case CacheUncached:
		flags |= FlagDoNotCache | FlagWriteThroughCaching
	case CacheWriteCombining:
		flags |= patFlag
	}

	return flags
}
