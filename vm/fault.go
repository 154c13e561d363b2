package vm

import (
	"golang.org/x/arch/x86/x86asm"

	"mentos/defs"
	"mentos/mem"
	"mentos/sched"
)

// HandleFault resolves a page fault at vaddr in as. write and user decode
// the fault's error-code bits: whether the access was a write and whether
// it came from user mode. faultIP and text identify the faulting
// instruction and a short window of code around it, used only to annotate
// a kernel-mode panic; callers with nothing to offer may pass 0 and nil.
//
// A fault with no covering VMA, or a write to a mapping that is neither
// writable nor COW, is an illegal access: user-mode callers are routed to
// SIGSEGV and EFAULT is returned, kernel-mode callers are a kernel
// invariant violation and panic. A fault on a COW entry, read or write, is
// handed to resolveCOW: it demand-allocates a never-backed entry, claims the
// frame outright when it is exclusively owned, or copies it otherwise; any
// other fault on an otherwise valid, present mapping just refreshes the
// Accessed bit.
func HandleFault(as *AddrSpace, vaddr uint32, write, user bool, faultIP uint32, text []byte) defs.Err_t {
	v, ok := as.Lookup(vaddr)
	if !ok {
		as.metrics.IncFault("sigsegv")
		return illegalAccess(user, vaddr, faultIP, text)
	}
	if write && !v.Flags.Has(RW) && !v.Flags.Has(COW) {
		as.metrics.IncFault("sigsegv")
		return illegalAccess(user, vaddr, faultIP, text)
	}

	e, err := as.PGD.EntryFor(vaddr, false)
	if err != 0 {
		return err
	}
	if e == nil {
		as.metrics.IncFault("sigsegv")
		return illegalAccess(user, vaddr, faultIP, text)
	}

	if e.Has(COW) {
		as.metrics.IncFault("cow")
		return resolveCOW(as, e, vaddr)
	}

	if !e.Has(Present) {
		defs.Panicf("vm: fault at %#x landed inside a valid VMA with no COW and no mapping", vaddr)
	}

	as.metrics.IncFault("accessed")
	*e = NewEntry(e.PFN(), e.Flags()|Accessed)
	flushTLBEntryFn(vaddr)
	return 0
}

// resolveCOW services a fault on a COW entry: if the entry was never backed
// at all (a lazily-created VMA's first touch), a fresh zeroed frame is
// demand-allocated. If the backing frame is exclusively owned, the mapping
// is upgraded to writable in place with no copy; otherwise a fresh frame is
// copied from the shared one, the shared frame's reference count is
// released, and the new frame is mapped present and writable.
func resolveCOW(as *AddrSpace, e *Entry, vaddr uint32) defs.Err_t {
	if !e.Has(Present) {
		nf, err := as.zone.AllocPages(0, mem.GFPZero)
		if err != 0 {
			return err
		}
		as.window.Zero(nf)
		*e = NewEntry(nf.PFN(), (e.Flags()&^COW)|Present)
		flushTLBEntryFn(vaddr)
		return 0
	}

	f, ferr := as.zone.FrameAt(e.PFN())
	if ferr != nil {
		defs.Panicf("vm: COW entry at %#x names an out-of-range frame: %v", vaddr, ferr)
	}

	if as.zone.PageCount(f) == 1 {
		*e = NewEntry(f.PFN(), (e.Flags()&^COW)|RW|Present)
		flushTLBEntryFn(vaddr)
		return 0
	}

	nf, err := as.zone.AllocPages(0, mem.GFPZero)
	if err != 0 {
		return err
	}
	as.window.CopyPage(nf, 0, f, 0)
	as.zone.PageDec(f)
	*e = NewEntry(nf.PFN(), (e.Flags()&^COW)|RW|Present)
	flushTLBEntryFn(vaddr)
	return 0
}

func illegalAccess(user bool, vaddr uint32, faultIP uint32, text []byte) defs.Err_t {
	if user {
		sched.SigSegv(sched.Current.CurrentProcess())
		return defs.EFAULT
	}
	panicKernelFault(vaddr, faultIP, text)
	return defs.EFAULT
}

// panicKernelFault raises a kernel invariant violation for a fault that
// originated in kernel mode. When a window of code around the faulting
// instruction is available it is disassembled to name the instruction in
// the panic message; a kernel fault is never expected to recover, so the
// extra diagnostic detail is worth the decode cost.
func panicKernelFault(vaddr uint32, faultIP uint32, text []byte) {
	if len(text) > 0 {
		if inst, err := x86asm.Decode(text, 32); err == nil {
			defs.Panicf("vm: kernel-mode fault at %#x (ip=%#x, instruction=%s)", vaddr, faultIP, inst.String())
		}
	}
	defs.Panicf("vm: kernel-mode fault at %#x (ip=%#x)", vaddr, faultIP)
}
