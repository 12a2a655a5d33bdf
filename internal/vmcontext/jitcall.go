package vmcontext

/*
#include <stdint.h>

static uint64_t corevmInvokeExtcall(void *entry, uint64_t *args) {
	uint64_t (*fn)(uint64_t *) = (uint64_t (*)(uint64_t *))entry;
	return fn(args);
}
*/
import "C"

import "unsafe"

// invokeTrampolineEntry calls a JIT-assembled native extcall stub
// (internal/trampoline's assembleExtcallStub) as a real System V AMD64 C
// function of shape uint64_t(*)(uint64_t *args): entry's single argument,
// a pointer to args' backing array, lands in RDI exactly the way a C
// compiler would put it there for corevmInvokeExtcall's own call to fn.
// Routing through cgo rather than casting entry to a Go func value means
// the actual call instruction is emitted by the C compiler against a
// documented ABI, not by relying on Go's internal (and unstable) register
// convention happening to match what the stub expects.
func invokeTrampolineEntry(entry uintptr, args []uint64) (uint64, error) {
	var argsPtr *C.uint64_t
	if len(args) > 0 {
		argsPtr = (*C.uint64_t)(unsafe.Pointer(&args[0]))
	}
	result := C.corevmInvokeExtcall(unsafe.Pointer(entry), argsPtr)
	return uint64(result), nil
}
