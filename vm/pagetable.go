// Package vm implements the two-level page-table walker, the VMA manager,
// the page-fault handler and COW engine, and the process-image lifecycle
// that sits on top of them.
package vm

import (
	"unsafe"

	"mentos/defs"
	"mentos/mem"
)

// Entry is a single 32-bit x86 page-directory or page-table entry: the
// frame PFN in the upper 20 bits, flags in the low 12.
type Entry uint32

// Entry flag bits. Global marks a leaf entry the hardware would otherwise
// flush from the TLB on every CR3 reload; which directory entries a process
// inherits from the kernel directory is tracked separately, by
// PageDirectory.owned.
const (
	Present  Entry = 1 << 0
	RW       Entry = 1 << 1
	User     Entry = 1 << 2
	Accessed Entry = 1 << 5
	Global   Entry = 1 << 8
	// COW occupies an available bit: a present-false entry with COW set is
	// a table slot awaiting first-write resolution by the fault handler.
	COW Entry = 1 << 9
)

const flagMask Entry = 0xfff

// NewEntry packs pfn and flags into a single entry.
func NewEntry(pfn uint32, flags Entry) Entry {
	return Entry(pfn<<12) | (flags & flagMask)
}

// PFN returns the frame number an entry names.
func (e Entry) PFN() uint32 { return uint32(e) >> 12 }

// Flags returns the flag bits of an entry.
func (e Entry) Flags() Entry { return e & flagMask }

// Has reports whether every bit in flags is set on e.
func (e Entry) Has(flags Entry) bool { return e&flags == flags }

const (
	dirBits   = 10
	tblBits   = 10
	numDirEnt = 1 << dirBits
	numTblEnt = 1 << tblBits
)

func dirIndex(vaddr uint32) int { return int((vaddr >> 22) & (numDirEnt - 1)) }
func tblIndex(vaddr uint32) int { return int((vaddr >> 12) & (numTblEnt - 1)) }

// PageTable is one table page's worth of entries, reinterpreted in place
// over the bytes a Frame backs — the same unsafe.Pointer reinterpretation
// this module's teacher uses to view a raw page as a typed page-map array.
type PageTable [numTblEnt]Entry

func tableOver(w *mem.Window, f *mem.Frame) *PageTable {
	b := w.Bytes(f)
	return (*PageTable)(unsafe.Pointer(&b[0]))
}

// PageDirectory is a process's top-level page table: 1024 directory
// entries, each naming a table frame materialized on demand.
//
// The original hardware design shares a COW frame between address spaces by
// stashing the address of the source table entry inside a destination entry
// it marks not-present, recovering it later with a raw pointer cast. A
// table entry here is a plain struct field, not a hardware-dictated word, so
// that indirection has nothing to buy: CloneVMArea below shares the frame
// directly, writing its PFN into both entries up front. The awkward part of
// the original design was the cast; removing the reason for the cast removes
// the indirection entirely rather than relocating it into a shadow table.
type PageDirectory struct {
	Entries     [numDirEnt]Entry
	tableFrames [numDirEnt]*mem.Frame
	tables      [numDirEnt]*PageTable
	// owned marks a directory entry whose table frame this directory
	// allocated itself, as opposed to one inherited from the kernel
	// directory by CopyKernelHalf. Teardown frees only owned tables — the
	// kernel directory keeps its own frames for the lifetime of the system.
	owned [numDirEnt]bool

	zone   *mem.Zone
	window *mem.Window
}

// NewPageDirectory returns an empty directory with no entries present.
func NewPageDirectory(zone *mem.Zone, window *mem.Window) *PageDirectory {
	return &PageDirectory{zone: zone, window: window}
}

// CopyKernelHalf installs the same table frames kernel has for every present
// directory entry, the way a fresh process directory starts as a byte-wise
// copy of the kernel directory below the kernel split. The installed
// entries are not marked owned: this directory never allocated those table
// frames and must not free them on teardown.
func (pd *PageDirectory) CopyKernelHalf(kernel *PageDirectory) {
	for i, e := range kernel.Entries {
		if !e.Has(Present) {
			continue
		}
		pd.Entries[i] = e
		pd.tableFrames[i] = kernel.tableFrames[i]
		pd.tables[i] = kernel.tables[i]
	}
}

// flushTLBEntryFn invalidates a single virtual address's TLB entry. It is a
// package-level indirection so tests can observe or fake invalidation
// without real hardware; production wiring replaces it at boot.
var flushTLBEntryFn = func(vaddr uint32) {}

// tableFor returns the table materialized at the directory entry covering
// vaddr, allocating a zeroed table frame from zone if the entry is not
// present and alloc is true. When the entry is not present and alloc is
// false it returns a nil table and no error.
func (pd *PageDirectory) tableFor(vaddr uint32, alloc bool) (*PageTable, defs.Err_t) {
	di := dirIndex(vaddr)
	e := pd.Entries[di]
	if e.Has(Present) {
		return pd.tables[di], 0
	}
	if !alloc {
		return nil, 0
	}
	f, err := pd.zone.AllocPages(0, mem.GFPZero)
	if err != 0 {
		return nil, err
	}
	pd.window.Zero(f)
	pd.tableFrames[di] = f
	table := tableOver(pd.window, f)
	pd.tables[di] = table
	pd.Entries[di] = NewEntry(f.PFN(), Present|RW|User)
	pd.owned[di] = true
	return table, 0
}

// EntryFor returns a pointer to the table entry covering vaddr, allocating
// the backing table page on demand when alloc is true and the directory
// entry is not yet present. When alloc is false and no table exists, it
// returns nil without allocating — the caller's signal that the directory
// entry itself is not present.
func (pd *PageDirectory) EntryFor(vaddr uint32, alloc bool) (*Entry, defs.Err_t) {
	table, err := pd.tableFor(vaddr, alloc)
	if err != 0 {
		return nil, err
	}
	if table == nil {
		return nil, 0
	}
	return &table[tblIndex(vaddr)], 0
}

// VirtToFrame resolves vaddr to the frame currently mapped at that address,
// used by teardown to decide whether to decrement a shared frame or free it
// outright.
func (pd *PageDirectory) VirtToFrame(vaddr uint32) (*mem.Frame, bool) {
	e, err := pd.EntryFor(vaddr, false)
	if err != 0 || e == nil || !e.Has(Present) {
		return nil, false
	}
	f, ferr := pd.zone.FrameAt(e.PFN())
	if ferr != nil {
		return nil, false
	}
	return f, true
}

// UpdVMArea iterates every page in [vstart, vstart+size), writing the
// permission/COW flags derived from flags into each table entry. When
// updAddr is true it also writes the successive physical frame starting at
// startFrame's PFN. The single TLB entry for each touched virtual page is
// invalidated immediately after its write, in program order.
func (pd *PageDirectory) UpdVMArea(vstart, size uint32, startFrame *mem.Frame, updAddr bool, flags Entry) defs.Err_t {
	pfn := uint32(0)
	if startFrame != nil {
		pfn = startFrame.PFN()
	}
	npages := (size + uint32(mem.PageSize) - 1) / uint32(mem.PageSize)
	for i := uint32(0); i < npages; i++ {
		vaddr := vstart + i*uint32(mem.PageSize)
		e, err := pd.EntryFor(vaddr, true)
		if err != 0 {
			return err
		}
		next := *e
		if updAddr {
			next = NewEntry(pfn+i, flags)
		} else {
			next = NewEntry(next.PFN(), flags)
		}
		*e = next
		flushTLBEntryFn(vaddr)
	}
	return 0
}

// CloneVMArea walks src and dst in lockstep over [vstart, vstart+size),
// copying each source entry's frame PFN into the matching destination entry
// with flags applied — both directories end up mapping the same frame.
// Either way dst's TLB entry for the touched address is invalidated.
func (pd *PageDirectory) CloneVMArea(dst *PageDirectory, vstart, size uint32, flags Entry) defs.Err_t {
	npages := (size + uint32(mem.PageSize) - 1) / uint32(mem.PageSize)
	for i := uint32(0); i < npages; i++ {
		vaddr := vstart + i*uint32(mem.PageSize)
		srcEntry, err := pd.EntryFor(vaddr, true)
		if err != 0 {
			return err
		}
		dstEntry, err := dst.EntryFor(vaddr, true)
		if err != 0 {
			return err
		}
		*dstEntry = NewEntry(srcEntry.PFN(), flags)
		flushTLBEntryFn(vaddr)
	}
	return 0
}

// ForEachTable calls fn once for every table frame this directory itself
// allocated, used by address-space teardown to free every table page that
// isn't shared kernel state inherited via CopyKernelHalf.
func (pd *PageDirectory) ForEachTable(fn func(frame *mem.Frame)) {
	for i, owned := range pd.owned {
		if owned {
			fn(pd.tableFrames[i])
		}
	}
}
