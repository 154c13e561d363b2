// Package slab implements the object-cache allocator layered on the zone
// allocator: one Cache per fixed-size object kind, tracking full, partial
// and free slab pages, with optional constructor/destructor semantics.
// kmalloc.go builds a size-bucketed general allocator on top of it.
package slab

import (
	"sync"
	"unsafe"

	"golang.org/x/sync/semaphore"

	"mentos/defs"
	"mentos/mem"
	"mentos/trace"
)

// lowWatermark is how many fully-free slabs a cache keeps in reserve before
// a background sweep reclaims the rest back to the zone allocator.
const lowWatermark = 1

// Ctor and Dtor run exactly once per object per slab lifetime: Ctor when the
// slab is created, Dtor when the slab is reclaimed, never per Alloc/Free.
type Ctor func(obj []byte)
type Dtor func(obj []byte)

type slabPage struct {
	frame     *mem.Frame
	free      []bool
	freeCount int
}

type slabEntry struct {
	page *slabPage
	idx  int
}

// Cache is a named object cache: every object it hands out is the same size
// and alignment, carved out of slab pages obtained from a zone allocator.
type Cache struct {
	Name  string
	Size  int
	Align int

	zone   *mem.Zone
	window *mem.Window
	gfp    mem.GFP
	order  int
	ctor   Ctor
	dtor   Dtor

	mu      sync.Mutex
	full    []*slabPage
	partial []*slabPage
	free    []*slabPage
	byAddr  map[uintptr]slabEntry
	allocated int

	profile    *trace.AllocProfile
	metrics    *trace.Metrics
	reclaimSem *semaphore.Weighted
}

func stride(size, align int) int {
	if align <= 0 {
		align = 1
	}
	return (size + align - 1) / align * align
}

// Create builds a cache of objects of the given size and alignment, backed
// by zone through window. gfp is passed through to every AllocPages call the
// cache makes.
func Create(name string, size, align int, gfp mem.GFP, zone *mem.Zone, window *mem.Window, ctor Ctor, dtor Dtor) *Cache {
	if size <= 0 {
		defs.Panicf("slab: cache %q has non-positive object size %d", name, size)
	}
	st := stride(size, align)
	order := 0
	for (mem.PageSize<<uint(order))/st < 8 && order < mem.MaxOrder {
		order++
	}
	return &Cache{
		Name:       name,
		Size:       size,
		Align:      align,
		zone:       zone,
		window:     window,
		gfp:        gfp,
		order:      order,
		ctor:       ctor,
		dtor:       dtor,
		byAddr:     make(map[uintptr]slabEntry),
		profile:    trace.NewAllocProfile(),
		reclaimSem: semaphore.NewWeighted(1),
	}
}

// SetMetrics wires a Prometheus facade the cache updates on every list
// transition. Passing nil disables it.
func (c *Cache) SetMetrics(m *trace.Metrics) { c.metrics = m }

func (c *Cache) objectsPerSlab() int {
	return (mem.PageSize << uint(c.order)) / stride(c.Size, c.Align)
}

func (c *Cache) growSlab(gfp mem.GFP) (*slabPage, defs.Err_t) {
	f, err := c.zone.AllocPages(c.order, c.gfp|gfp)
	if err != 0 {
		return nil, err
	}
	n := c.objectsPerSlab()
	page := &slabPage{frame: f, free: make([]bool, n), freeCount: n}
	for i := range page.free {
		page.free[i] = true
	}
	if c.ctor != nil {
		st := stride(c.Size, c.Align)
		bytes := c.window.Bytes(f)
		for i := 0; i < n; i++ {
			c.ctor(bytes[i*st : i*st+c.Size])
		}
	}
	return page, 0
}

func removePage(pages []*slabPage, p *slabPage) []*slabPage {
	for i, q := range pages {
		if q == p {
			return append(pages[:i], pages[i+1:]...)
		}
	}
	return pages
}

// Alloc returns a length-Size byte slice view over a freshly carved
// object, following the policy: carve from partial first, then promote a
// slab from free, then grow a new slab from the zone allocator.
func (c *Cache) Alloc(gfp mem.GFP) ([]byte, defs.Err_t) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var page *slabPage
	switch {
	case len(c.partial) > 0:
		page = c.partial[len(c.partial)-1]
	case len(c.free) > 0:
		page = c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.partial = append(c.partial, page)
	default:
		p, err := c.growSlab(gfp)
		if err != 0 {
			return nil, err
		}
		page = p
		c.partial = append(c.partial, page)
	}

	idx := -1
	for i, free := range page.free {
		if free {
			idx = i
			break
		}
	}
	if idx < 0 {
		defs.Panicf("slab: cache %q slab page has no free objects despite accounting", c.Name)
	}
	page.free[idx] = false
	page.freeCount--
	c.allocated++

	st := stride(c.Size, c.Align)
	obj := c.window.Bytes(page.frame)[idx*st : idx*st+c.Size]
	c.byAddr[objAddr(obj)] = slabEntry{page: page, idx: idx}

	if page.freeCount == 0 {
		c.partial = removePage(c.partial, page)
		c.full = append(c.full, page)
	}

	site := trace.CallerSite(1)
	c.profile.Record(site, int64(c.Size))
	c.reportLocked()
	return obj, 0
}

func objAddr(obj []byte) uintptr {
	if len(obj) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&obj[0]))
}

// Free returns obj to its owning slab. If the slab becomes empty it moves to
// the free list, which may trigger a bounded background reclaim sweep once
// the free list grows past its low watermark.
func (c *Cache) Free(obj []byte) {
	c.mu.Lock()
	addr := objAddr(obj)
	e, ok := c.byAddr[addr]
	if !ok {
		c.mu.Unlock()
		defs.Panicf("slab: free of object not owned by cache %q", c.Name)
	}
	delete(c.byAddr, addr)
	page := e.page
	wasFull := page.freeCount == 0
	page.free[e.idx] = true
	page.freeCount++
	c.allocated--

	if wasFull {
		c.full = removePage(c.full, page)
		c.partial = append(c.partial, page)
	}

	triggerReclaim := false
	if page.freeCount == c.objectsPerSlab() {
		c.partial = removePage(c.partial, page)
		c.free = append(c.free, page)
		triggerReclaim = len(c.free) > lowWatermark
	}
	c.reportLocked()
	c.mu.Unlock()

	if triggerReclaim {
		c.reclaimAsync()
	}
}

// reclaimAsync schedules a reclaim sweep, bounded to one concurrent sweep
// per cache regardless of how many Free calls cross the watermark at once.
func (c *Cache) reclaimAsync() {
	if !c.reclaimSem.TryAcquire(1) {
		return
	}
	go func() {
		defer c.reclaimSem.Release(1)
		c.reclaimSweep()
	}()
}

func (c *Cache) reclaimSweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.free) > lowWatermark {
		page := c.free[len(c.free)-1]
		c.free = c.free[:len(c.free)-1]
		c.destroySlab(page)
	}
	c.reportLocked()
}

func (c *Cache) destroySlab(page *slabPage) {
	if c.dtor != nil {
		st := stride(c.Size, c.Align)
		bytes := c.window.Bytes(page.frame)
		n := c.objectsPerSlab()
		for i := 0; i < n; i++ {
			c.dtor(bytes[i*st : i*st+c.Size])
		}
	}
	c.zone.FreePages(page.frame)
}

// Destroy fails with EBUSY if any object is still allocated; otherwise it
// reclaims every slab page and leaves the cache empty.
func (c *Cache) Destroy() defs.Err_t {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocated > 0 {
		return defs.EBUSY
	}
	for _, p := range c.full {
		c.destroySlab(p)
	}
	for _, p := range c.partial {
		c.destroySlab(p)
	}
	for _, p := range c.free {
		c.destroySlab(p)
	}
	c.full, c.partial, c.free = nil, nil, nil
	c.reportLocked()
	return 0
}

// Counts returns the number of slab pages on each list.
func (c *Cache) Counts() (full, partial, free int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.full), len(c.partial), len(c.free)
}

// Allocated returns the number of objects currently allocated from c.
func (c *Cache) Allocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}

func (c *Cache) reportLocked() {
	if c.metrics == nil {
		return
	}
	c.metrics.SetSlabCounts(len(c.full), len(c.partial), len(c.free))
}
