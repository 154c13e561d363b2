package vm

import (
	"testing"

	"mentos/mem"
)

func newTestZoneWindow(t *testing.T, nframes uint32) (*mem.Zone, *mem.Window) {
	t.Helper()
	z := mem.NewZone(nframes)
	w := mem.NewWindow(z, make([]byte, int(nframes)*mem.PageSize))
	return z, w
}

func TestUpdVMAreaWritesContiguousPFNs(t *testing.T) {
	z, w := newTestZoneWindow(t, 64)
	pd := NewPageDirectory(z, w)

	f, err := z.AllocPages(2, mem.GFPZero) // 4 pages
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	const vstart = 0x1000
	size := uint32(4 * mem.PageSize)
	if err := pd.UpdVMArea(vstart, size, f, true, Present|RW|User); err != 0 {
		t.Fatalf("UpdVMArea: %v", err)
	}

	for i := uint32(0); i < 4; i++ {
		e, err := pd.EntryFor(vstart+i*uint32(mem.PageSize), false)
		if err != 0 || e == nil {
			t.Fatalf("EntryFor page %d: err=%v e=%v", i, err, e)
		}
		if e.PFN() != f.PFN()+i {
			t.Fatalf("page %d: pfn = %d, want %d", i, e.PFN(), f.PFN()+i)
		}
		if !e.Has(Present | RW | User) {
			t.Fatalf("page %d missing expected flags: %#x", i, e.Flags())
		}
	}
}

func TestVirtToFrameResolvesMappedAddress(t *testing.T) {
	z, w := newTestZoneWindow(t, 16)
	pd := NewPageDirectory(z, w)
	f, _ := z.AllocPages(0, mem.GFPZero)
	pd.UpdVMArea(0x2000, uint32(mem.PageSize), f, true, Present|RW)

	got, ok := pd.VirtToFrame(0x2000)
	if !ok {
		t.Fatalf("VirtToFrame: not found")
	}
	if got.PFN() != f.PFN() {
		t.Fatalf("VirtToFrame pfn = %d, want %d", got.PFN(), f.PFN())
	}

	if _, ok := pd.VirtToFrame(0x200000); ok {
		t.Fatalf("VirtToFrame found a frame at an address never mapped")
	}
}

func TestCloneVMAreaSharesSamePFN(t *testing.T) {
	z, w := newTestZoneWindow(t, 16)
	src := NewPageDirectory(z, w)
	dst := NewPageDirectory(z, w)

	f, _ := z.AllocPages(0, mem.GFPZero)
	src.UpdVMArea(0x3000, uint32(mem.PageSize), f, true, Present|RW)

	if err := src.CloneVMArea(dst, 0x3000, uint32(mem.PageSize), (Present|COW)&^RW); err != 0 {
		t.Fatalf("CloneVMArea: %v", err)
	}

	de, err := dst.EntryFor(0x3000, false)
	if err != 0 || de == nil {
		t.Fatalf("dst EntryFor: err=%v e=%v", err, de)
	}
	if de.PFN() != f.PFN() {
		t.Fatalf("dst pfn = %d, want %d", de.PFN(), f.PFN())
	}
	if !de.Has(COW) || de.Has(RW) {
		t.Fatalf("dst flags = %#x, want present+cow without rw", de.Flags())
	}
}

func TestCopyKernelHalfInstallsPresentDirectoryEntries(t *testing.T) {
	z, w := newTestZoneWindow(t, 16)
	kernel := NewPageDirectory(z, w)
	f, _ := z.AllocPages(0, mem.GFPZero)
	kernel.UpdVMArea(0xf0000000, uint32(mem.PageSize), f, true, Present|RW|Global)

	child := NewPageDirectory(z, w)
	child.CopyKernelHalf(kernel)

	if _, ok := child.VirtToFrame(0xf0000000); !ok {
		t.Fatalf("kernel mapping not inherited")
	}
	// an address in a directory entry the kernel never touched must stay
	// unmapped in the child.
	if _, ok := child.VirtToFrame(0x10000000); ok {
		t.Fatalf("address outside the kernel's directory entries resolved to a frame")
	}
}

func TestForEachTableSkipsInheritedKernelTables(t *testing.T) {
	z, w := newTestZoneWindow(t, 16)
	kernel := NewPageDirectory(z, w)
	f, _ := z.AllocPages(0, mem.GFPZero)
	kernel.UpdVMArea(0xf0000000, uint32(mem.PageSize), f, true, Present|RW|Global)

	child := NewPageDirectory(z, w)
	child.CopyKernelHalf(kernel)
	cf, _ := z.AllocPages(0, mem.GFPZero)
	child.UpdVMArea(0x1000, uint32(mem.PageSize), cf, true, Present|RW|User)

	var seen []uint32
	child.ForEachTable(func(frame *mem.Frame) { seen = append(seen, frame.PFN()) })

	if len(seen) != 1 {
		t.Fatalf("ForEachTable visited %d tables, want 1 (the child's own)", len(seen))
	}
}
