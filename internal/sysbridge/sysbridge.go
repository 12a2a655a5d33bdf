// Package sysbridge implements the syscall bridge (C11): marshal 0..6
// arguments popped off the VM stack into a raw OS syscall invocation,
// per spec.md §4.9.
package sysbridge

import (
	"golang.org/x/sys/unix"

	"github.com/xiaoxuan-lang/corevm/internal/vmerr"
)

// Result is the (errno, return_value) pair the bridge pushes back;
// exactly one of the two is meaningful per spec.md §4.9: zero errno and
// a meaningful ReturnValue on success, or ReturnValue == -1 and a
// nonzero Errno on error.
type Result struct {
	Errno       int64
	ReturnValue int64
}

// Invoke performs the raw syscall identified by number with the given
// args (0..6 machine-word arguments; more than six is rejected here with
// vmerr.ErrSyscallArgCountInvalid).
func Invoke(number uintptr, args []uintptr) (Result, error) {
	if len(args) > 6 {
		return Result{}, vmerr.ErrSyscallArgCountInvalid
	}
	var a [6]uintptr
	copy(a[:], args)

	r1, _, errno := rawSyscall6(number, a[0], a[1], a[2], a[3], a[4], a[5], len(args))
	if errno != 0 {
		return Result{Errno: int64(errno), ReturnValue: -1}, nil
	}
	return Result{Errno: 0, ReturnValue: int64(r1)}, nil
}

// rawSyscall6 dispatches to the right-arity unix.Syscall/unix.Syscall6
// variant, matching spec.md §4.9's "Selects a handler by argument
// count (0..6)".
func rawSyscall6(trap, a1, a2, a3, a4, a5, a6 uintptr, argc int) (r1, r2 uintptr, errno unix.Errno) {
	switch argc {
	case 0, 1, 2, 3:
		return unix.Syscall(trap, a1, a2, a3)
	default:
		return unix.Syscall6(trap, a1, a2, a3, a4, a5, a6)
	}
}
