package slab

import "testing"

func TestKmallocRoundsUpToBucket(t *testing.T) {
	z, w := newTestBacking(t, 256)
	a := NewAllocator(z, w)

	obj, err := a.Kmalloc(20, 0)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if len(obj) != 20 {
		t.Fatalf("len(obj) = %d, want 20", len(obj))
	}
	a.Kfree(obj, 20)
}

func TestKmallocRoundTripReusesSameAddress(t *testing.T) {
	z, w := newTestBacking(t, 256)
	a := NewAllocator(z, w)

	obj, err := a.Kmalloc(100, 0)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	addr := objAddr(obj)
	a.Kfree(obj, 100)

	obj2, err := a.Kmalloc(100, 0)
	if err != 0 {
		t.Fatalf("kmalloc: %v", err)
	}
	if objAddr(obj2) != addr {
		t.Fatalf("second kmalloc reused a different address: %x vs %x", objAddr(obj2), addr)
	}
}
