package vm

import (
	"testing"

	"mentos/mem"
)

func TestCreateBlankProcessImageInstallsSingleStackArea(t *testing.T) {
	z, w := newTestZoneWindow(t, 64)
	InitKernelDirectory(z, w)

	as, err := CreateBlankProcessImage(z, w, 4*uint32(mem.PageSize))
	if err != nil {
		t.Fatalf("CreateBlankProcessImage: %v", err)
	}
	if as.MapCount != 1 {
		t.Fatalf("MapCount = %d, want 1", as.MapCount)
	}
	if as.TotalVM != 4 {
		t.Fatalf("TotalVM = %d, want 4", as.TotalVM)
	}
	wantStart := ProcAreaEnd - 4*uint32(mem.PageSize)
	if as.StartStack != wantStart {
		t.Fatalf("StartStack = %#x, want %#x", as.StartStack, wantStart)
	}
}

func TestCloneProcessImageSharesStackCOW(t *testing.T) {
	z, w := newTestZoneWindow(t, 64)
	InitKernelDirectory(z, w)

	src, err := CreateBlankProcessImage(z, w, uint32(mem.PageSize))
	if err != nil {
		t.Fatalf("CreateBlankProcessImage: %v", err)
	}
	sf, ok := src.PGD.VirtToFrame(src.StartStack)
	if !ok {
		t.Fatalf("source stack not mapped")
	}

	dst, err := CloneProcessImage(src)
	if err != nil {
		t.Fatalf("CloneProcessImage: %v", err)
	}
	if dst.StartStack != src.StartStack {
		t.Fatalf("clone StartStack = %#x, want %#x", dst.StartStack, src.StartStack)
	}
	if n := src.zone.PageCount(sf); n != 2 {
		t.Fatalf("refcount after clone = %d, want 2", n)
	}
	df, ok := dst.PGD.VirtToFrame(dst.StartStack)
	if !ok || df.PFN() != sf.PFN() {
		t.Fatalf("clone does not share the source frame")
	}
}

func TestDestroyProcessImageReleasesAllFrames(t *testing.T) {
	z, w := newTestZoneWindow(t, 64)
	InitKernelDirectory(z, w)

	as, err := CreateBlankProcessImage(z, w, 4*uint32(mem.PageSize))
	if err != nil {
		t.Fatalf("CreateBlankProcessImage: %v", err)
	}
	freeBefore, total := z.Stats()

	DestroyProcessImage(as)

	freeAfter, _ := z.Stats()
	if freeAfter != total {
		t.Fatalf("free after destroy = %d, want %d (everything released)", freeAfter, total)
	}
	if as.MapCount != 0 {
		t.Fatalf("MapCount after destroy = %d, want 0", as.MapCount)
	}
	_ = freeBefore
}
