package trampoline

/*
#include <stdint.h>

// corevmGoCallbackEntry is exported below; its prototype is declared by
// hand (rather than pulled from the generated _cgo_export.h) because a
// file cannot include its own export header, per cgo's documented
// limitation on that point.
extern uint64_t corevmGoCallbackEntry(int64_t module, int64_t internalIndex,
                                       uint64_t a0, uint64_t a1, uint64_t a2, uint64_t a3);

static void *corevmCallbackDispatchAddr(void) {
	return (void *)corevmGoCallbackEntry;
}
*/
import "C"

import (
	"fmt"
	"sync"
)

// callbackDispatchAddr returns the address of a real C-ABI function
// (corevmGoCallbackEntry, exported below) that every JIT'd callback stub
// jumps to after loading (module, internalIndex) and shuffling its
// native arguments into place, per assembleCallbackStub. Letting cgo
// generate the C<->Go shim is what makes this call safe: cgo's
// generated glue handles the g0 stack switch the Go runtime requires on
// entry from foreign code, which no amount of golang-asm JIT'ing from
// this side of the boundary could replicate correctly.
func callbackDispatchAddr() uintptr {
	return uintptr(C.corevmCallbackDispatchAddr())
}

// callbackRegistry maps a cached callback trampoline's (module,
// internalIndex) back to the Generator and declared arity that built it,
// so the single exported corevmGoCallbackEntry can find g.invoke without
// needing one freshly-compiled Go function per callback target.
var callbackRegistry sync.Map // callbackKey -> *callbackRegistration

type callbackRegistration struct {
	gen              *Generator
	module, internal int
	argsCount        int
}

func registerCallback(g *Generator, module, internalIndex, argsCount int) {
	callbackRegistry.Store(callbackKey{module: module, internal: internalIndex}, &callbackRegistration{
		gen:       g,
		module:    module,
		internal:  internalIndex,
		argsCount: argsCount,
	})
}

//export corevmGoCallbackEntry
func corevmGoCallbackEntry(module, internalIndex C.int64_t, a0, a1, a2, a3 C.uint64_t) C.uint64_t {
	reg, ok := callbackRegistry.Load(callbackKey{module: int(module), internal: int(internalIndex)})
	if !ok {
		// Nothing assembled a stub for this (module, internalIndex); the
		// JIT'd code could not have produced this call on its own, so
		// this only happens if callbackRegistry was never populated.
		return 0
	}
	entry := reg.(*callbackRegistration)

	result, err := invokeCallbackSafely(entry, [4]uint64{uint64(a0), uint64(a1), uint64(a2), uint64(a3)})
	if err != nil {
		// A Go panic cannot cross back out through the C frame that just
		// called us; record the fault for the extcall that is currently
		// blocked on this native call to pick up once it returns, the
		// same way a deferred signal is delivered after a syscall
		// returns rather than inside it.
		entry.gen.recordCallbackError(err)
		return 0
	}
	return C.uint64_t(result)
}

// invokeCallbackSafely recovers any panic g.invoke raises (a VM trap
// triggered by the callback's own body) so it never unwinds across the
// cgo call boundary above, which the Go runtime does not support.
func invokeCallbackSafely(entry *callbackRegistration, args [4]uint64) (result uint64, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
				return
			}
			err = fmt.Errorf("trampoline: callback panicked: %v", r)
		}
	}()
	return entry.gen.invoke(entry.module, entry.internal, args[:entry.argsCount])
}
