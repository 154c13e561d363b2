// Package mem implements the Page Frame Database, the buddy-system zone
// allocator layered on it, and the low-memory direct-map window the rest of
// the memory core uses to read and write physical frames.
package mem

import (
	"sync"

	"github.com/pkg/errors"

	"mentos/defs"
	"mentos/oom"
	"mentos/trace"
)

// PageShift is the base-2 exponent of the page size.
const PageShift uint = 12

// PageSize is the size of a single page in bytes.
const PageSize int = 1 << PageShift

// MaxOrder bounds the contiguous run a single AllocPages call can return:
// 2^MaxOrder pages.
const MaxOrder = 10

// GFP carries allocation-context flags through to the zone allocator:
// interrupt-context callers must not request anything that could block or
// publish an OOM signal that a sleeper would wait on.
type GFP uint

const (
	// GFPZero marks a request whose frames the caller zeroes through a
	// Window; AllocPages itself does not touch frame contents.
	GFPZero GFP = 1 << iota
	// GFPAtomic marks a request made from a context that cannot sleep.
	GFPAtomic
)

const noLink int32 = -1

// frameDesc is the Page Frame Database entry for one physical frame:
// reference count, buddy order while free, and free-list linkage.
type frameDesc struct {
	refcount int32
	order    int8
	free     bool
	next     int32
	prev     int32
}

// Frame is a handle to one physical frame, returned by AllocPages and
// consumed by FreePages, PageInc, PageDec and PageCount.
type Frame struct {
	zone *Zone
	pfn  uint32
}

// PFN returns the frame's page frame number, an index into the zone's frame
// array.
func (f *Frame) PFN() uint32 { return f.pfn }

// Order returns the buddy order the frame was allocated at.
func (f *Frame) Order() int { return int(f.zone.desc(f.pfn).order) }

// Zone is a contiguous run of physical frames managed as a buddy-system
// allocator: free blocks of size 2^order live on freeHead[order], indexed by
// the block's starting frame number.
type Zone struct {
	mu       sync.Mutex
	frames   []frameDesc
	freeHead [MaxOrder + 1]int32
	nframes  uint32
	metrics  *trace.Metrics
}

// NewZone creates a zone spanning nframes physical frames, all initially
// free. nframes must be a power of two; a span of at most 1<<MaxOrder frames
// starts as one free block, a larger one as several blocks of order
// MaxOrder. A span that isn't a power of two is rejected the same way
// a malformed VMA is: this is a configuration-time invariant, not a runtime
// condition a caller can usefully recover from.
func NewZone(nframes uint32) *Zone {
	if nframes == 0 || nframes&(nframes-1) != 0 {
		defs.Panicf("mem: zone frame count %d is not a power of two", nframes)
	}
	z := &Zone{
		frames:  make([]frameDesc, nframes),
		nframes: nframes,
	}
	for i := range z.freeHead {
		z.freeHead[i] = noLink
	}
	order := int8(0)
	for n := nframes; n > 1; n >>= 1 {
		order++
	}
	for i := range z.frames {
		z.frames[i].refcount = 0
	}
	if order > MaxOrder {
		for pfn := uint32(0); pfn < nframes; pfn += 1 << MaxOrder {
			z.pushFree(pfn, MaxOrder)
		}
		return z
	}
	z.pushFree(0, order)
	return z
}

// SetMetrics wires in a Prometheus facade the zone updates after every
// allocation and free. Passing nil disables it.
func (z *Zone) SetMetrics(m *trace.Metrics) { z.metrics = m }

func (z *Zone) desc(pfn uint32) *frameDesc { return &z.frames[pfn] }

func (z *Zone) buddyOf(pfn uint32, order int8) uint32 {
	return pfn ^ (1 << uint(order))
}

func (z *Zone) pushFree(pfn uint32, order int8) {
	d := z.desc(pfn)
	d.free = true
	d.order = order
	d.next = z.freeHead[order]
	d.prev = noLink
	if d.next != noLink {
		z.desc(uint32(d.next)).prev = int32(pfn)
	}
	z.freeHead[order] = int32(pfn)
}

func (z *Zone) popFree(pfn uint32, order int8) {
	d := z.desc(pfn)
	if d.prev != noLink {
		z.desc(uint32(d.prev)).next = d.next
	} else {
		z.freeHead[order] = d.next
	}
	if d.next != noLink {
		z.desc(uint32(d.next)).prev = d.prev
	}
	d.free = false
}

// AllocPages returns a run of 2^order contiguous frames, or a nil frame and
// ENOMEM if the zone has no free block large enough.
func (z *Zone) AllocPages(order int, flags GFP) (*Frame, defs.Err_t) {
	if order < 0 || order > MaxOrder {
		defs.Panicf("mem: alloc order %d out of range", order)
	}
	z.mu.Lock()
	cur := int8(order)
	for cur <= MaxOrder && z.freeHead[cur] == noLink {
		cur++
	}
	if cur > MaxOrder {
		z.mu.Unlock()
		if flags&GFPAtomic == 0 {
			oom.Notify(oom.Msg{Need: 1 << uint(order)})
		}
		return nil, defs.ENOMEM
	}

	pfn := uint32(z.freeHead[cur])
	z.popFree(pfn, cur)
	// split down to the requested order, pushing the unused half back onto
	// the free list at each step
	for cur > int8(order) {
		cur--
		buddy := pfn + (1 << uint(cur))
		z.pushFree(buddy, cur)
	}
	d := z.desc(pfn)
	d.free = false
	d.order = int8(order)
	d.refcount = 1
	z.reportLocked()
	z.mu.Unlock()

	f := &Frame{zone: z, pfn: pfn}
	if flags&GFPZero != 0 {
		// caller is expected to zero through a Window; AllocPages itself
		// only tracks accounting, since it has no mapping of its own.
	}
	return f, 0
}

// Disaggregate marks every frame in f's 2^order block as its own
// independently refcounted, independently coalescable order-0 unit: every
// descriptor gets refcount 1 and order 0, not just the head's. Callers that
// hand a multi-page block's constituent frames out one virtual page at a
// time — the VMA manager, whose COW engine can resolve one page of a
// mapping while its neighbors stay shared — must call this once the block
// is installed, so a later per-page PageInc/PageDec/FreePages on any frame
// in the block (including the head) neither underflows a refcount that was
// never seeded nor coalesces past neighbors that are still mapped elsewhere.
// Callers that always free the whole block as one unit (the slab cache,
// table-page allocation) must not call this: it would make the head
// individually freeable at order 0, leaking the rest of the block.
func (z *Zone) Disaggregate(f *Frame) {
	z.mu.Lock()
	defer z.mu.Unlock()
	n := uint32(1) << uint(z.desc(f.pfn).order)
	for i := uint32(0); i < n; i++ {
		d := z.desc(f.pfn + i)
		d.order = 0
		d.refcount = 1
	}
}

// FreePages releases f. If its reference count is still above zero after the
// decrement, the frames stay mapped elsewhere and nothing is released.
func (z *Zone) FreePages(f *Frame) {
	if f == nil {
		return
	}
	z.mu.Lock()
	defer z.mu.Unlock()
	d := z.desc(f.pfn)
	d.refcount--
	if d.refcount < 0 {
		defs.Panicf("mem: refcount underflow on frame %d", f.pfn)
	}
	if d.refcount > 0 {
		return
	}
	z.coalesce(f.pfn, d.order)
	z.reportLocked()
}

func (z *Zone) coalesce(pfn uint32, order int8) {
	for order < MaxOrder {
		buddy := z.buddyOf(pfn, order)
		if buddy >= z.nframes {
			break
		}
		bd := z.desc(buddy)
		if !bd.free || bd.order != order {
			break
		}
		z.popFree(buddy, order)
		if buddy < pfn {
			pfn = buddy
		}
		order++
	}
	z.pushFree(pfn, order)
}

// PageInc increments f's reference count, the mechanism that keeps a COW
// frame alive across every address space sharing it.
func (z *Zone) PageInc(f *Frame) {
	z.mu.Lock()
	defer z.mu.Unlock()
	d := z.desc(f.pfn)
	d.refcount++
}

// PageDec decrements f's reference count and releases the frame back to the
// allocator if it reaches zero, returning true in that case.
func (z *Zone) PageDec(f *Frame) bool {
	z.mu.Lock()
	d := z.desc(f.pfn)
	d.refcount--
	if d.refcount < 0 {
		z.mu.Unlock()
		defs.Panicf("mem: refcount underflow on frame %d", f.pfn)
	}
	freed := d.refcount == 0
	if freed {
		z.coalesce(f.pfn, d.order)
	}
	z.reportLocked()
	z.mu.Unlock()
	return freed
}

// PageCount returns f's current reference count.
func (z *Zone) PageCount(f *Frame) int {
	z.mu.Lock()
	defer z.mu.Unlock()
	return int(z.desc(f.pfn).refcount)
}

// FrameAt returns a handle to the already-allocated frame at pfn, for
// callers (the page-table walker, the fault handler) that recover a frame
// from a PFN stored in a page-table entry rather than from AllocPages.
func (z *Zone) FrameAt(pfn uint32) (*Frame, error) {
	if pfn >= z.nframes {
		return nil, errors.Errorf("mem: pfn %d out of range", pfn)
	}
	return &Frame{zone: z, pfn: pfn}, nil
}

// Stats reports the zone's free-frame count and total capacity, used by
// tests asserting exact frame counts and by the stats printer in window.go.
func (z *Zone) Stats() (free int, total int) {
	z.mu.Lock()
	defer z.mu.Unlock()
	for order, head := range z.freeHead {
		for pfn := head; pfn != noLink; pfn = z.frames[pfn].next {
			free += 1 << uint(order)
		}
	}
	return free, int(z.nframes)
}

func (z *Zone) reportLocked() {
	if z.metrics == nil {
		return
	}
	free := 0
	for order, head := range z.freeHead {
		for pfn := head; pfn != noLink; pfn = z.frames[pfn].next {
			free += 1 << uint(order)
		}
	}
	z.metrics.SetFreeFrames(free)
}
