// Package defs holds the small set of cross-package types and error codes
// shared across the memory core's packages.
package defs

import (
	"fmt"

	"github.com/pkg/errors"
)

// Err_t is a syscall-style error code: zero means success, negative values
// name a specific failure. Recoverable failures are returned as Err_t;
// kernel-invariant violations panic instead (see Panicf).
type Err_t int

// Error codes returned by the memory core. Negative by convention, in the
// style of a traditional Unix -errno.
const (
	EFAULT       Err_t = -1 /// illegal memory access
	ENOMEM       Err_t = -2 /// out of physical frames
	ENOHEAP      Err_t = -3 /// out of kernel heap (slab/zone exhaustion)
	EINVAL       Err_t = -4 /// malformed argument
	EEXIST       Err_t = -5 /// resource already present
	EBUSY        Err_t = -6 /// resource still in use, cannot destroy
	ENAMETOOLONG Err_t = -7 /// string exceeded caller's buffer
)

// Error implements the error interface so Err_t can be returned as a plain
// Go error where a caller outside the memory core expects one.
func (e Err_t) Error() string {
	switch e {
	case 0:
		return "success"
	case EFAULT:
		return "bad address"
	case ENOMEM:
		return "out of memory"
	case ENOHEAP:
		return "out of kernel heap"
	case EINVAL:
		return "invalid argument"
	case EEXIST:
		return "already exists"
	case EBUSY:
		return "resource busy"
	case ENAMETOOLONG:
		return "name too long"
	default:
		return fmt.Sprintf("err_t(%d)", int(e))
	}
}

// Panicf raises a kernel-invariant-violation panic carrying a stack trace.
// Caller bugs and corrupted page-table state route through here instead of
// returning an Err_t: invariant violations panic immediately rather than
// propagate as a value a caller might ignore or retry.
func Panicf(format string, args ...interface{}) {
	panic(errors.Errorf(format, args...))
}
