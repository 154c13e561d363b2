package vm

import "mentos/mem"

// ProcAreaEnd is the top of the user-addressable region; every blank
// process image's stack sits just below it.
const ProcAreaEnd uint32 = 0xc0000000

// kernelPGD is the system-wide kernel address space: a directory holding
// every global mapping, installed as the starting point of every process
// directory below the kernel split. It is a package-wide singleton the way
// a kernel's own main_mm is, initialized once at boot.
var kernelPGD *PageDirectory

// InitKernelDirectory installs the system-wide kernel directory every
// process image's directory is seeded from. It must run once before any
// process image is created.
func InitKernelDirectory(zone *mem.Zone, window *mem.Window) *PageDirectory {
	kernelPGD = NewPageDirectory(zone, window)
	return kernelPGD
}

// CreateBlankProcessImage allocates a fresh address space with the kernel's
// page directory as its starting point and a single eagerly-backed
// read-write user VMA for the stack, sized stackSize bytes and ending at
// ProcAreaEnd.
func CreateBlankProcessImage(zone *mem.Zone, window *mem.Window, stackSize uint32) (*AddrSpace, error) {
	as := NewAddrSpace(zone, window)
	as.PGD.CopyKernelHalf(kernelPGD)

	vstart := ProcAreaEnd - stackSize
	_, err := as.CreateVMArea(vstart, stackSize, RW|User, 0)
	if err != 0 {
		return nil, err
	}
	as.StartStack = vstart
	return as, nil
}

// CloneProcessImage clones src into a new address space the way fork()
// does: a fresh directory seeded from the kernel half, and every VMA in
// src's list cloned with copy-on-write so the two images share frames until
// either writes to them.
func CloneProcessImage(src *AddrSpace) (*AddrSpace, error) {
	dst := NewAddrSpace(src.zone, src.window)
	dst.PGD.CopyKernelHalf(kernelPGD)
	dst.StartStack = src.StartStack

	for _, v := range append([]*Area(nil), src.mmapList...) {
		if _, err := src.CloneVMArea(dst, v, true, 0); err != 0 {
			return nil, err
		}
	}
	return dst, nil
}

// DestroyProcessImage tears down every VMA in as (releasing or decrementing
// every backing frame), frees every table page as's directory allocated
// itself (kernel tables inherited via CopyKernelHalf are left alone), and
// leaves as with no VMAs.
func DestroyProcessImage(as *AddrSpace) {
	for _, v := range append([]*Area(nil), as.mmapList...) {
		as.DestroyVMArea(v)
	}
	as.PGD.ForEachTable(func(f *mem.Frame) {
		as.zone.FreePages(f)
	})
}
