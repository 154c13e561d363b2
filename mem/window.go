package mem

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"mentos/defs"
)

// Window is the low-memory direct-map: a bidirectional conversion between a
// Frame and the bytes backing it, plus the scratch mapping used to zero
// freshly allocated frames and to copy page contents during a non-COW VMA
// clone. A real kernel installs this as a fixed virtual-to-physical offset
// over all of RAM; here the backing store is a plain byte slice the same
// shape that direct map covers, so the rest of the memory core never reaches
// for unsafe.Pointer arithmetic itself.
type Window struct {
	zone *Zone
	mem  []byte
}

// NewWindow wraps backing as the direct map for zone. backing must be
// exactly zone's frame count times PageSize bytes; production callers pass
// a plain make([]byte, ...), tests may back it with a real mmap region.
func NewWindow(zone *Zone, backing []byte) *Window {
	want := int(zone.nframes) * PageSize
	if len(backing) != want {
		defs.Panicf("mem: window backing is %d bytes, want %d", len(backing), want)
	}
	return &Window{zone: zone, mem: backing}
}

// Bytes returns the byte range backing f, sized to its full 2^order run.
func (w *Window) Bytes(f *Frame) []byte {
	off := int(f.pfn) * PageSize
	n := PageSize << uint(f.Order())
	return w.mem[off : off+n]
}

// Page returns the single page at frame-relative page index i within f's
// run (i must be < 1<<f.Order()).
func (w *Window) Page(f *Frame, i int) []byte {
	b := w.Bytes(f)
	return b[i*PageSize : (i+1)*PageSize]
}

// Zero clears every byte backing f. Used after AllocPages(..., GFPZero) and
// before installing a newly demand-paged or COW-resolved frame.
func (w *Window) Zero(f *Frame) {
	b := w.Bytes(f)
	for i := range b {
		b[i] = 0
	}
}

// CopyPage copies one page of contents from src's page i to dst's page j,
// the step a non-COW VMA clone performs through the scratch mapping after
// allocating a fresh destination frame.
func (w *Window) CopyPage(dst *Frame, j int, src *Frame, i int) {
	copy(w.Page(dst, j), w.Page(src, i))
}

// Report renders the zone's free/total frame counts with locale-aware digit
// grouping, the boot-banner-grade counterpart to a bare fmt.Printf.
func (w *Window) Report(p *message.Printer) string {
	if p == nil {
		p = message.NewPrinter(language.English)
	}
	free, total := w.zone.Stats()
	return p.Sprintf("%d / %d frames free (%d bytes/frame)", free, total, PageSize)
}
