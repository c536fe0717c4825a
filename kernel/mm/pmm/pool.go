// Package pmm contains code that manages physical memory frame allocations.
package pmm

import (
	"sync/atomic"

	"kmm/kernel"
	"kmm/kernel/kfmt"
	"kmm/kernel/mm"
)

const (
	// linkBits is the number of head bits used to encode a frame link.
	// Links are stored as frame number + 1 so that 0 can mark the end of
	// the list.
	linkBits = uint64(mm.MaxPhysAddrBits) - uint64(mm.PageShift)
	linkMask = uint64(1)<<linkBits - 1

	// The remaining head bits hold a generation tag that is bumped by
	// every successful head update. Without it, a pop that loads head A
	// (next B), stalls while A and B are popped and A is pushed back, and
	// then resumes would install the stale B as the new head.
	tagShift = linkBits
	tagUnit  = uint64(1) << tagShift

	pageBytes = uint64(mm.PageSize)
)

var (
	// panicFn is mocked by tests.
	panicFn = kfmt.Panic

	// ErrOutOfMemory is returned when the pool holds no free frames.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrInvalidRange is returned when a range handed to the pool is empty
	// or not aligned to the standard page size.
	ErrInvalidRange = &kernel.Error{Module: "pmm", Message: "physical range is empty or not page-aligned"}

	errCorruptFreeList = &kernel.Error{Module: "pmm", Message: "free list is empty while the free counter reserved a frame"}
)

// FramePool is a lock-free pool of free physical frames. Free frames are
// threaded into a singly linked stack; the link to the next free frame is
// stored in the first 8 bytes of each free frame and accessed through the
// direct map. The pool is safe for concurrent use without external locking.
//
// The free-memory counter never exceeds the amount of memory linked into the
// stack: AllocFrame reserves a frame by decrementing the counter before it
// unlinks one, and frees increment it only after the frames have been linked.
// As a result the counter always stays within [0, TotalMemory()].
type FramePool struct {
	dmap mm.DirectMap

	// head packs the generation tag and the link to the top frame.
	head atomic.Uint64

	totalMem atomic.Uint64
	freeMem  atomic.Uint64

	// reclaimable holds the regions recorded by Seed that can be released
	// after the kernel no longer needs bootloader data structures.
	reclaimable []mm.PhysRange
	reclaimed   atomic.Bool
}

// NewFramePool returns an empty pool that reaches frame contents through
// dmap.
func NewFramePool(dmap mm.DirectMap) *FramePool {
	return &FramePool{dmap: dmap}
}

// TotalMemory returns the amount of usable memory handed to the pool.
func (p *FramePool) TotalMemory() mm.Size {
	return mm.Size(p.totalMem.Load())
}

// FreeMemory returns the amount of memory currently available for
// allocation.
func (p *FramePool) FreeMemory() mm.Size {
	return mm.Size(p.freeMem.Load())
}

// AllocFrame pops a frame from the pool. It returns ErrOutOfMemory and leaves
// the pool untouched if no frames are available. The contents of the returned
// frame are not cleared.
func (p *FramePool) AllocFrame() (mm.Frame, *kernel.Error) {
	if !p.reserve() {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	for {
		oldHead := p.head.Load()
		link := oldHead & linkMask
		if link == 0 {
			panicFn(errCorruptFreeList)
			return mm.InvalidFrame, errCorruptFreeList
		}

		frame := frameFromLink(link)

		// The frame may be popped and reused by another core between
		// the head load and the CAS below; the value read here is then
		// garbage but the tag mismatch makes the CAS fail.
		next := atomic.LoadUint64(p.linkPtr(frame)) & linkMask
		if p.head.CompareAndSwap(oldHead, nextTag(oldHead)|next) {
			return frame, nil
		}
	}
}

// FreeFrame pushes a frame back to the pool. The caller must guarantee that
// the frame is not already free and is no longer referenced by any page
// table.
func (p *FramePool) FreeFrame(frame mm.Frame) {
	p.pushChain(frame, frame)
	p.freeMem.Add(pageBytes)
}

// FreeRange releases every frame in a page-aligned physical range. The frames
// are chained together locally and spliced onto the pool with a single CAS so
// that bulk releases do not contend with concurrent allocations page by page.
func (p *FramePool) FreeRange(r mm.PhysRange) *kernel.Error {
	if r.Size == 0 || !r.AlignedTo(mm.Size(mm.PageSize)) {
		return ErrInvalidRange
	}

	first := mm.FrameFromAddress(r.Start)
	last := mm.FrameFromAddress(r.End() - 1)
	for frame := first; frame < last; frame++ {
		atomic.StoreUint64(p.linkPtr(frame), linkFromFrame(frame+1))
	}

	p.pushChain(first, last)
	p.freeMem.Add(uint64(r.Size))
	return nil
}

// reserve claims one frame's worth of the free counter.
func (p *FramePool) reserve() bool {
	for {
		free := p.freeMem.Load()
		if free < pageBytes {
			return false
		}
		if p.freeMem.CompareAndSwap(free, free-pageBytes) {
			return true
		}
	}
}

// pushChain links the pre-threaded chain first..last on top of the stack.
func (p *FramePool) pushChain(first, last mm.Frame) {
	lastLink := p.linkPtr(last)
	for {
		oldHead := p.head.Load()
		atomic.StoreUint64(lastLink, oldHead&linkMask)
		if p.head.CompareAndSwap(oldHead, nextTag(oldHead)|linkFromFrame(first)) {
			return
		}
	}
}

// linkPtr returns a pointer to the link word stored inside a free frame.
func (p *FramePool) linkPtr(frame mm.Frame) *uint64 {
	return (*uint64)(p.dmap.Ptr(frame.Address()))
}

func linkFromFrame(frame mm.Frame) uint64 { return uint64(frame) + 1 }

func frameFromLink(link uint64) mm.Frame { return mm.Frame(link - 1) }

func nextTag(head uint64) uint64 { return (head &^ linkMask) + tagUnit }
