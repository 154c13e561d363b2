package mem

import "testing"

func TestAllocPagesSplitsAndReturnsContiguousRun(t *testing.T) {
	z := NewZone(16)
	f, err := z.AllocPages(2, 0)
	if err != 0 {
		t.Fatalf("alloc failed: %v", err)
	}
	if f.Order() != 2 {
		t.Fatalf("order = %d, want 2", f.Order())
	}
	free, total := z.Stats()
	if total != 16 {
		t.Fatalf("total = %d, want 16", total)
	}
	if free != 12 {
		t.Fatalf("free = %d, want 12", free)
	}
}

func TestFreePagesCoalescesBuddies(t *testing.T) {
	z := NewZone(8)
	a, err := z.AllocPages(0, 0)
	if err != 0 {
		t.Fatalf("alloc a: %v", err)
	}
	b, err := z.AllocPages(0, 0)
	if err != 0 {
		t.Fatalf("alloc b: %v", err)
	}
	free, _ := z.Stats()
	if free != 6 {
		t.Fatalf("free = %d, want 6", free)
	}
	z.FreePages(a)
	z.FreePages(b)
	free, _ = z.Stats()
	if free != 8 {
		t.Fatalf("free after full release = %d, want 8", free)
	}
}

func TestAllocPagesExhaustionReturnsENOMEM(t *testing.T) {
	z := NewZone(8)
	if _, err := z.AllocPages(3, 0); err != 0 {
		t.Fatalf("unexpected failure allocating whole zone: %v", err)
	}
	f, err := z.AllocPages(0, GFPAtomic)
	if err == 0 || f != nil {
		t.Fatalf("expected ENOMEM, got frame=%v err=%v", f, err)
	}
}

func TestPageIncDecTracksSharedFrame(t *testing.T) {
	z := NewZone(4)
	f, err := z.AllocPages(0, 0)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	z.PageInc(f)
	if n := z.PageCount(f); n != 2 {
		t.Fatalf("refcount = %d, want 2", n)
	}
	if freed := z.PageDec(f); freed {
		t.Fatalf("PageDec freed frame still referenced once more")
	}
	if freed := z.PageDec(f); !freed {
		t.Fatalf("PageDec did not report the frame as freed")
	}
	free, total := z.Stats()
	if free != total {
		t.Fatalf("free = %d, want %d after last reference dropped", free, total)
	}
}

func TestFreePagesWithExtraRefDoesNotRelease(t *testing.T) {
	z := NewZone(4)
	f, _ := z.AllocPages(0, 0)
	z.PageInc(f)
	z.FreePages(f)
	free, _ := z.Stats()
	if free != 3 {
		t.Fatalf("free = %d, want 3 (frame should still be held)", free)
	}
}

func TestNewZoneRejectsNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for non-power-of-two frame count")
		}
	}()
	NewZone(6)
}
