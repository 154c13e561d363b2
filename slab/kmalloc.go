package slab

import (
	"sort"
	"strconv"

	"mentos/defs"
	"mentos/mem"
)

// bucketSizes are the power-of-two object sizes kmalloc rounds requests up
// to, 16 bytes through one page.
var bucketSizes = []int{16, 32, 64, 128, 256, 512, 1024, 2048, mem.PageSize}

// Allocator is a size-bucketed general allocator layered on a table of
// per-bucket Cache instances, the kmalloc/kfree pair every other subsystem
// in the kernel calls through.
type Allocator struct {
	buckets []*Cache
}

// NewAllocator creates one cache per bucket size, all backed by zone/window.
func NewAllocator(zone *mem.Zone, window *mem.Window) *Allocator {
	a := &Allocator{}
	for _, sz := range bucketSizes {
		a.buckets = append(a.buckets, Create("kmalloc-"+strconv.Itoa(sz), sz, 8, 0, zone, window, nil, nil))
	}
	return a
}

func (a *Allocator) bucketFor(size int) *Cache {
	idx := sort.Search(len(bucketSizes), func(i int) bool { return bucketSizes[i] >= size })
	if idx == len(bucketSizes) {
		return nil
	}
	return a.buckets[idx]
}

// Kmalloc rounds size up to the smallest bucket that fits it and allocates
// from that bucket's cache.
func (a *Allocator) Kmalloc(size int, gfp mem.GFP) ([]byte, defs.Err_t) {
	c := a.bucketFor(size)
	if c == nil {
		defs.Panicf("slab: kmalloc request %d exceeds largest bucket %d", size, bucketSizes[len(bucketSizes)-1])
	}
	obj, err := c.Alloc(gfp)
	if err != 0 {
		return nil, err
	}
	return obj[:size], 0
}

// Kfree returns obj, originally obtained from Kmalloc with the given size,
// to its bucket cache.
func (a *Allocator) Kfree(obj []byte, size int) {
	c := a.bucketFor(size)
	if c == nil {
		defs.Panicf("slab: kfree size %d exceeds largest bucket %d", size, bucketSizes[len(bucketSizes)-1])
	}
	c.Free(obj[:c.Size])
}
