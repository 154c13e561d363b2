package mem

import (
	"testing"

	"golang.org/x/sys/unix"
)

// mmapBacking allocates a page-aligned region with a real mmap, standing in
// for physical RAM a kernel would get handed by the bootloader.
func mmapBacking(t *testing.T, size int) []byte {
	t.Helper()
	b, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	t.Cleanup(func() { _ = unix.Munmap(b) })
	return b
}

func TestWindowZeroClearsFrame(t *testing.T) {
	z := NewZone(4)
	w := NewWindow(z, mmapBacking(t, 4*PageSize))

	f, err := z.AllocPages(0, 0)
	if err != 0 {
		t.Fatalf("alloc: %v", err)
	}
	b := w.Bytes(f)
	for i := range b {
		b[i] = 0xff
	}
	w.Zero(f)
	for i, v := range b {
		if v != 0 {
			t.Fatalf("byte %d = %#x, want 0 after Zero", i, v)
		}
	}
}

func TestWindowCopyPageDuplicatesContents(t *testing.T) {
	z := NewZone(4)
	w := NewWindow(z, mmapBacking(t, 4*PageSize))

	src, _ := z.AllocPages(0, 0)
	dst, _ := z.AllocPages(0, 0)

	sp := w.Page(src, 0)
	for i := range sp {
		sp[i] = byte(i)
	}
	w.CopyPage(dst, 0, src, 0)

	dp := w.Page(dst, 0)
	for i := range dp {
		if dp[i] != byte(i) {
			t.Fatalf("byte %d = %d, want %d", i, dp[i], byte(i))
		}
	}
}

func TestNewWindowRejectsWrongSizedBacking(t *testing.T) {
	z := NewZone(4)
	defer func() {
		if recover() == nil {
			t.Fatalf("expected panic for mis-sized backing store")
		}
	}()
	NewWindow(z, make([]byte, PageSize))
}
