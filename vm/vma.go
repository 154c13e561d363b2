package vm

import (
	"sort"

	"mentos/defs"
	"mentos/mem"
	"mentos/trace"
	"mentos/util"
)

// AddrSpace is a process's address space (mm): a page directory, a sorted
// VMA list, a most-recently-used cache pointer, the user stack's base
// address, and running totals.
type AddrSpace struct {
	PGD *PageDirectory

	mmapList  []*Area
	mmapCache *Area
	StartStack uint32
	MapCount   int
	TotalVM    int // pages

	zone    *mem.Zone
	window  *mem.Window
	metrics *trace.Metrics
}

// SetMetrics wires a Prometheus facade that HandleFault reports resolution
// outcomes through. Passing nil disables it.
func (as *AddrSpace) SetMetrics(m *trace.Metrics) { as.metrics = m }

// Area is one mapped virtual memory area: a half-open [Start, End) range,
// its protection/COW flags, within one AddrSpace.
type Area struct {
	Start uint32
	End   uint32
	Flags Entry
}

func (a *Area) contains(v uint32) bool { return v >= a.Start && v < a.End }

func pagesFor(size uint32) int {
	return int((size + uint32(mem.PageSize) - 1) / uint32(mem.PageSize))
}

// NewAddrSpace creates an empty address space over zone/window with a blank
// page directory.
func NewAddrSpace(zone *mem.Zone, window *mem.Window) *AddrSpace {
	return &AddrSpace{
		PGD:    NewPageDirectory(zone, window),
		zone:   zone,
		window: window,
	}
}

// Find returns the VMA starting exactly at vstart, if any.
func (as *AddrSpace) Find(vstart uint32) (*Area, bool) {
	i := sort.Search(len(as.mmapList), func(i int) bool { return as.mmapList[i].Start >= vstart })
	if i < len(as.mmapList) && as.mmapList[i].Start == vstart {
		return as.mmapList[i], true
	}
	return nil, false
}

// Lookup returns the VMA covering v, if any, checking the MRU cache first.
func (as *AddrSpace) Lookup(v uint32) (*Area, bool) {
	if as.mmapCache != nil && as.mmapCache.contains(v) {
		return as.mmapCache, true
	}
	i := sort.Search(len(as.mmapList), func(i int) bool { return as.mmapList[i].End > v })
	if i < len(as.mmapList) && as.mmapList[i].contains(v) {
		as.mmapCache = as.mmapList[i]
		return as.mmapList[i], true
	}
	return nil, false
}

// IsValid reports whether [a, b) is disjoint from every existing VMA and
// well-formed: 1 if so, 0 if it overlaps an existing VMA, -1 if malformed
// (a >= b).
func (as *AddrSpace) IsValid(a, b uint32) int {
	if a >= b {
		return -1
	}
	for _, v := range as.mmapList {
		if a < v.End && v.Start < b {
			return 0
		}
	}
	return 1
}

// FindFree returns a gap of at least len bytes between two consecutive
// VMAs (or after the last one), starting no lower than floor.
func (as *AddrSpace) FindFree(floor uint32, length uint32) (uint32, bool) {
	cur := floor
	for _, v := range as.mmapList {
		if v.Start > cur && v.Start-cur >= length {
			return cur, true
		}
		if v.End > cur {
			cur = v.End
		}
	}
	return cur, true
}

func (as *AddrSpace) insert(v *Area) {
	i := sort.Search(len(as.mmapList), func(i int) bool { return as.mmapList[i].Start >= v.Start })
	as.mmapList = append(as.mmapList, nil)
	copy(as.mmapList[i+1:], as.mmapList[i:])
	as.mmapList[i] = v
	as.mmapCache = v
	as.MapCount++
	as.TotalVM += pagesFor(v.End - v.Start)
}

func (as *AddrSpace) unlink(v *Area) {
	for i, q := range as.mmapList {
		if q == v {
			as.mmapList = append(as.mmapList[:i], as.mmapList[i+1:]...)
			break
		}
	}
	if as.mmapCache == v {
		as.mmapCache = nil
	}
	as.MapCount--
	as.TotalVM -= pagesFor(v.End - v.Start)
}

// CreateVMArea creates a new VMA at [vstart, vstart+size). Overlap with an
// existing VMA, or a malformed (zero or negative) size, is a kernel
// invariant violation and panics rather than returning an error. If flags
// has COW set, the covering table is materialized now but every entry is
// left not-present and tagged COW, to be demand-allocated by the fault
// handler on first access; otherwise frames are eagerly allocated and the
// mapping installed present.
func (as *AddrSpace) CreateVMArea(vstart, size uint32, flags Entry, gfp mem.GFP) (*Area, defs.Err_t) {
	switch as.IsValid(vstart, vstart+size) {
	case -1:
		defs.Panicf("vm: malformed VMA [%#x, %#x)", vstart, vstart+size)
	case 0:
		defs.Panicf("vm: VMA [%#x, %#x) overlaps an existing mapping", vstart, vstart+size)
	}

	v := &Area{Start: vstart, End: vstart + size, Flags: flags}

	if flags.Has(COW) {
		// lazily faulted in: the directory/table entries are materialized
		// now (so the fault handler always finds a table entry to resolve,
		// never a bare "directory not present") but no frame is allocated
		// and every leaf entry stays not-present until the first fault.
		if err := as.PGD.UpdVMArea(vstart, size, nil, false, flags&^Present); err != 0 {
			return nil, err
		}
	} else {
		order := int(util.CeilLog2(uint(pagesFor(size))))
		f, err := as.zone.AllocPages(order, gfp|mem.GFPZero)
		if err != 0 {
			return nil, err
		}
		v.Flags = flags | Present
		if err := as.PGD.UpdVMArea(vstart, size, f, true, v.Flags); err != 0 {
			as.zone.FreePages(f)
			return nil, err
		}
		as.zone.Disaggregate(f)
	}

	as.insert(v)
	return v, 0
}

// CloneVMArea clones src into dst's address space. If cow is false, fresh
// pages are allocated, installed present+writable in dst, and the source
// contents copied through the window. If cow is true, the source mapping is
// downgraded to COW read-only and the destination mapping installed as COW
// read-only sharing the same frames (their reference counts rise to
// reflect the new sharer).
func (src *AddrSpace) CloneVMArea(dst *AddrSpace, v *Area, cow bool, gfp mem.GFP) (*Area, defs.Err_t) {
	size := v.End - v.Start
	nv := &Area{Start: v.Start, End: v.End, Flags: v.Flags}

	if cow {
		downgraded := (v.Flags &^ RW) | COW
		if err := src.PGD.UpdVMArea(v.Start, size, nil, false, downgraded); err != 0 {
			return nil, err
		}
		v.Flags = downgraded
		nv.Flags = downgraded
		if err := src.PGD.CloneVMArea(dst.PGD, v.Start, size, downgraded); err != 0 {
			return nil, err
		}
		npages := pagesFor(size)
		for i := 0; i < npages; i++ {
			if f, ok := src.PGD.VirtToFrame(v.Start + uint32(i)*uint32(mem.PageSize)); ok {
				src.zone.PageInc(f)
			}
		}
	} else {
		order := int(util.CeilLog2(uint(pagesFor(size))))
		f, err := dst.zone.AllocPages(order, gfp)
		if err != 0 {
			return nil, err
		}
		if err := dst.PGD.UpdVMArea(v.Start, size, f, true, (v.Flags|RW|Present)&^COW); err != 0 {
			dst.zone.FreePages(f)
			return nil, err
		}
		dst.zone.Disaggregate(f)
		npages := pagesFor(size)
		for i := 0; i < npages; i++ {
			vaddr := v.Start + uint32(i)*uint32(mem.PageSize)
			sf, ok := src.PGD.VirtToFrame(vaddr)
			if !ok {
				continue
			}
			df, ferr := dst.zone.FrameAt(f.PFN() + uint32(i))
			if ferr != nil {
				defs.Panicf("vm: clone copy landed outside its own allocation: %v", ferr)
			}
			dst.window.CopyPage(df, 0, sf, 0)
		}
	}

	dst.insert(nv)
	return nv, 0
}

// DestroyVMArea walks v page by page: a shared (refcount>1) frame is only
// decremented, an exclusively-owned frame is freed outright. The VMA is
// then unlinked from the address space.
func (as *AddrSpace) DestroyVMArea(v *Area) {
	npages := pagesFor(v.End - v.Start)
	for i := 0; i < npages; i++ {
		vaddr := v.Start + uint32(i)*uint32(mem.PageSize)
		f, ok := as.PGD.VirtToFrame(vaddr)
		if !ok {
			continue
		}
		if as.zone.PageCount(f) > 1 {
			as.zone.PageDec(f)
		} else {
			as.zone.FreePages(f)
		}
	}
	as.unlink(v)
}
